package store

import "fmt"

// Open creates the store selected by driver: "sqlite" (the default) opens
// databaseURL, "badger" opens badgerDir.
func Open(driver, databaseURL, badgerDir string) (Store, error) {
	switch driver {
	case "", "sqlite":
		s, err := NewSQLiteStore(databaseURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "badger":
		s, err := NewBadgerStore(badgerDir)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
