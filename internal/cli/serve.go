package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xiaot623/gogo/relay/internal/adapter/llm"
	"github.com/xiaot623/gogo/relay/internal/config"
	"github.com/xiaot623/gogo/relay/internal/logger"
	"github.com/xiaot623/gogo/relay/internal/repository"
	"github.com/xiaot623/gogo/relay/internal/service"
	"github.com/xiaot623/gogo/relay/internal/tools"
	handler "github.com/xiaot623/gogo/relay/internal/transport/http"
	"github.com/xiaot623/gogo/relay/internal/transport/rpc"
	"github.com/xiaot623/gogo/relay/policy"
)

const staleTurnInterval = time.Minute

func newServeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

// app holds the wired relay components. The caller closes db.
type app struct {
	svc    *service.Service
	db     store.Store
	policy *policy.Engine
}

// newApp wires the store, completion client, tools and policy.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	db, err := store.Open(cfg.StoreDriver, cfg.DatabaseURL, cfg.BadgerDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	llmClient, err := llm.NewLLMClient(cfg)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
	}

	registry, err := tools.NewRegistry(cfg, llmClient)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}

	policyEngine, err := policy.NewEngineFromFile(ctx, cfg.PolicyFile, cfg.BlockedTools)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	return &app{
		svc:    service.New(db, registry, llm.CompletionProducer(llmClient), policyEngine, cfg),
		db:     db,
		policy: policyEngine,
	}, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	if err := logger.Init(cfg.LogLevel); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting relay",
		zap.Int("http_port", cfg.HTTPPort),
		zap.String("store_driver", cfg.StoreDriver),
		zap.String("llm_provider", cfg.LLMProvider),
		zap.String("rpc_addr", cfg.RPCAddr))

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.db.Close()
	svc := a.svc

	if cfg.PolicyFile != "" {
		go func() {
			if err := a.policy.Watch(ctx, cfg.PolicyFile, nil); err != nil {
				logger.Warn("policy hot reload disabled", zap.Error(err))
			}
		}()
	}

	// Nothing is streaming yet, so every open turn belongs to a dead process.
	if n := svc.RecoverOpenTurns(ctx); n > 0 {
		logger.Info("recovered open turns from a previous run", zap.Int("count", n))
	}
	go svc.RunStaleTurnMonitor(ctx, staleTurnInterval)

	e := handler.NewServer(svc, cfg)
	errc := make(chan error, 2)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http server: %w", err)
		}
	}()

	var rpcServer *rpc.Server
	if cfg.RPCAddr != "" {
		rpcServer, err = rpc.NewServer(svc)
		if err != nil {
			return err
		}
		go func() {
			if err := rpcServer.Start(cfg.RPCAddr); err != nil {
				errc <- fmt.Errorf("rpc server: %w", err)
			}
		}()
	}

	logger.Info("relay started", zap.Int("http_port", cfg.HTTPPort))

	select {
	case <-ctx.Done():
	case err := <-errc:
		logger.Error("server failed", zap.Error(err))
		return err
	}

	logger.Info("shutting down relay")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to shutdown http server gracefully", zap.Error(err))
	}
	if rpcServer != nil {
		if err := rpcServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to shutdown rpc server gracefully", zap.Error(err))
		}
	}

	logger.Info("relay stopped")
	return nil
}
