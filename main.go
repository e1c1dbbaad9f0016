// Command relay streams chat completions enriched by search tools.
package main

import (
	"fmt"
	"os"

	"github.com/xiaot623/gogo/relay/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
