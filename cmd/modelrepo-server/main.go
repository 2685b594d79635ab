package main

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
	"golang.org/x/sync/errgroup"

	"github.com/mcules/modelctl/internal/activity"
	"github.com/mcules/modelctl/internal/auth"
	"github.com/mcules/modelctl/internal/control"
	"github.com/mcules/modelctl/internal/metrics"
	"github.com/mcules/modelctl/internal/repository"
	"github.com/mcules/modelctl/internal/server"
	"github.com/mcules/modelctl/internal/state"
	"github.com/mcules/modelctl/internal/store"
)

var version = "dev"

type rootOptions struct {
	configPath string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := rootOptions{}

	root := &cobra.Command{
		Use:           "modelrepo-server",
		Short:         "Reference v2 model repository server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a YAML config file")

	serveCmd := newServeCmd(&opts)
	root.RunE = serveCmd.RunE
	root.Flags().AddFlagSet(serveCmd.Flags())

	root.AddCommand(serveCmd, newKeysCmd(&opts))
	return root
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP and gRPC health endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configPath, cmd.Flags())
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}

	flags := cmd.Flags()
	flags.String("http-addr", ":8000", "HTTP listen address")
	flags.String("grpc-addr", ":8001", "gRPC health listen address (empty disables)")
	flags.String("model-repository", "./models", "model repository directory")
	flags.String("db-path", "modelrepo.db", "SQLite database for overrides and API keys")
	flags.StringSlice("load-models", nil, "models to load at startup")
	flags.Bool("restore-overrides", true, "re-apply persisted overrides to startup models")
	flags.Bool("auth-enabled", false, "require an API key on the v2 endpoints")
	flags.String("log-level", "info", "debug, info, warn or error")
	return cmd
}

func serve(ctx context.Context, cfg serverConfig, logger *zap.Logger) error {
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	models := state.NewRepository(repository.NewDir(cfg.ModelRepository, logger), logger)

	var authenticator *auth.Authenticator
	if cfg.AuthEnabled {
		authenticator = auth.NewAuthenticator(db, logger)
	}

	srv := server.New(server.Options{
		Models:      models,
		Store:       db,
		Keys:        db,
		Activity:    activity.New(cfg.ActivitySize),
		Metrics:     metrics.NewPrometheus(nil),
		Auth:        authenticator,
		AllowOrigin: cfg.AllowOrigin,
		Version:     version,
		Logger:      logger,
	})

	var health *control.HealthServer
	if cfg.GRPCAddr != "" {
		health = control.NewHealthServer(cfg.GRPCAddr, logger)
		models.AddNotifier(health)
	}

	if err := srv.LoadStartupModels(ctx, cfg.LoadModels, cfg.RestoreOverrides); err != nil {
		return err
	}
	srv.SetReady(true)

	g, ctx := errgroup.WithContext(ctx)
	if health != nil {
		g.Go(func() error { return health.Run(ctx) })
	}

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	g.Go(func() error {
		logger.Info("http listening", zap.String("address", cfg.HTTPAddr), zap.String("repository", cfg.ModelRepository))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		srv.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	cfg.Level = lvl
	return cfg.Build()
}
