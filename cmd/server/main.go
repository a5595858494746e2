package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dhruvsoni1802/browser-bidi/internal/api"
	"github.com/dhruvsoni1802/browser-bidi/internal/config"
	"github.com/dhruvsoni1802/browser-bidi/internal/log"
	"github.com/dhruvsoni1802/browser-bidi/internal/metrics"
	"github.com/dhruvsoni1802/browser-bidi/internal/pool"
	"github.com/dhruvsoni1802/browser-bidi/internal/session"
	"github.com/dhruvsoni1802/browser-bidi/internal/storage"
)

const shutdownTimeout = 15 * time.Second

func newRootCmd() *cobra.Command {
	var (
		port      string
		logLevel  string
		endpoints []string
	)

	cmd := &cobra.Command{
		Use:          "browser-bidi",
		Short:        "Multi-agent browser session service over WebDriver BiDi",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Flags override the environment.
			var o config.Overrides
			if cmd.Flags().Changed("port") {
				o.ServerPort = port
			}
			if cmd.Flags().Changed("log-level") {
				o.LogLevel = logLevel
			}
			if cmd.Flags().Changed("endpoint") {
				o.Endpoints = endpoints
			}

			cfg, err := config.Load(o)
			if err != nil {
				return err
			}

			return run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&port, "port", "p", "", "HTTP port to listen on (overrides SERVER_PORT)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	cmd.Flags().StringSliceVarP(&endpoints, "endpoint", "e", nil, "BiDi endpoint, repeatable (overrides BIDI_ENDPOINTS)")

	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := log.NewFromConfig(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	logger.Infof("main", "browser-bidi starting port:%s endpoints:%v", cfg.ServerPort, cfg.Endpoints)

	redisClient, err := storage.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	repo := storage.NewSessionRepository(redisClient, cfg.SessionTTL, logger)

	endpointPool, err := pool.NewEndpointPool(cfg.Endpoints, logger)
	if err != nil {
		_ = redisClient.Close()
		return err
	}
	balancer := pool.NewLoadBalancer(endpointPool)
	collector := metrics.New(nil)

	manager := session.NewManager(balancer, repo, collector, logger, session.Config{
		MaxSessionsPerAgent: cfg.MaxSessionsPerAgent,
		MaxTotalSessions:    cfg.MaxTotalSessions,
		CommandTimeout:      cfg.CommandTimeout,
		InterceptTimeout:    cfg.InterceptTimeout,
	})
	manager.StartCleanupWorker(cfg.CleanupInterval, cfg.SessionIdleTimeout)

	server := api.NewServer(cfg.ServerPort, manager, balancer, collector, logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Infof("main", "shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	// Sessions go first so their final status reaches Redis.
	if cerr := manager.Close(); cerr != nil {
		logger.Warnf("main", "session manager close: %v", cerr)
	}
	if cerr := redisClient.Close(); cerr != nil {
		logger.Warnf("main", "redis close: %v", cerr)
	}

	logger.Infof("main", "shutdown complete")
	return err
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
