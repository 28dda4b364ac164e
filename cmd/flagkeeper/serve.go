package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/OrlandoBitencourt/flagkeeper"
	flaglog "github.com/OrlandoBitencourt/flagkeeper/internal/log"
	"github.com/OrlandoBitencourt/flagkeeper/internal/server"
	"github.com/OrlandoBitencourt/flagkeeper/internal/supervisor"
	"github.com/OrlandoBitencourt/flagkeeper/internal/telemetry"
)

type serveOptions struct {
	*globalOptions

	addr          string
	adminAddr     string
	workers       int
	flagKey       string
	webhookSecret string
	grace         time.Duration
}

func newServeCommand(global *globalOptions) *cobra.Command {
	opts := &serveOptions{globalOptions: global}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the web application",
		Long: `Serve binds the listener, initializes the flag client and, unless
--workers is 0, re-executes itself as worker processes sharing the socket.
Each worker rearms the flag client before it accepts requests.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}

	cmd.Flags().StringVar(&opts.addr, "addr", ":8000", "Address of the web application")
	cmd.Flags().StringVar(&opts.adminAddr, "admin-addr", "127.0.0.1:9090", "Address of the admin server, empty to disable")
	cmd.Flags().IntVar(&opts.workers, "workers", 2, "Number of worker processes, 0 serves in-process")
	cmd.Flags().StringVar(&opts.flagKey, "flag-key", "web-banner", "Flag controlling the home page banner")
	cmd.Flags().StringVar(&opts.webhookSecret, "webhook-secret", os.Getenv("FLAGKEEPER_WEBHOOK_SECRET"), "HMAC secret for the change webhook")
	cmd.Flags().DurationVar(&opts.grace, "grace", 10*time.Second, "Time allowed for in-flight requests at shutdown")

	return cmd
}

func runServe(ctx context.Context, opts *serveOptions) error {
	logger := opts.logger()
	registry := flagkeeper.NewRegistry(flagkeeper.WithRegistryLogger(logger))

	id, isWorker := supervisor.WorkerID()
	if isWorker {
		handleWorkerSignals(ctx, registry, logger.With(flaglog.WorkerIDKey, id))
	}

	cfg, err := flagkeeper.LoadConfig(opts.configPath)
	if err != nil {
		return err
	}

	supervised := !isWorker && opts.workers > 0
	if supervised {
		cleanup, err := ensureSnapshotDir(&cfg)
		if err != nil {
			return err
		}
		defer cleanup()
	}

	pipeline, err := telemetry.NewPrometheus()
	if err != nil {
		return err
	}
	defer pipeline.Shutdown(context.Background())

	client, err := registry.Initialize(
		flagkeeper.WithConfig(cfg),
		flagkeeper.WithLogger(logger),
		flagkeeper.WithTelemetry(pipeline.Provider),
	)
	if err != nil {
		return err
	}
	defer registry.Shutdown(context.Background())

	if isWorker {
		return runWorker(ctx, registry, id, opts, logger)
	}

	ln, err := net.Listen("tcp", opts.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", opts.addr, err)
	}

	if !supervised {
		g, ctx := errgroup.WithContext(ctx)
		startAdmin(ctx, g, client, nil, opts, pipeline, logger)
		g.Go(func() error {
			return serveHTTP(ctx, ln, newApp(registry, opts.flagKey, logger), opts.grace, logger)
		})
		return g.Wait()
	}

	state := waitInitialized(ctx, client, cfg.Timeouts.Initialize)
	logger.Info("parent client settled", flaglog.StateKey, state.String(), "snapshot_dir", cfg.SnapshotDir)

	supCfg := supervisor.DefaultConfig()
	supCfg.Workers = opts.workers
	supCfg.Args = os.Args[1:]
	supCfg.Env = append(os.Environ(), flagkeeper.EnvSnapshotDir+"="+cfg.SnapshotDir)
	supCfg.Grace = opts.grace + time.Second

	sup, err := supervisor.New(supCfg, ln, logger)
	ln.Close()
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	startAdmin(ctx, g, client, sup, opts, pipeline, logger)

	logger.Info("starting workers", "workers", opts.workers, "addr", opts.addr)
	g.Go(func() error { return sup.Run(ctx) })
	return g.Wait()
}

func startAdmin(ctx context.Context, g *errgroup.Group, client *flagkeeper.Client, workers server.Workers, opts *serveOptions, pipeline *telemetry.Pipeline, logger *slog.Logger) {
	if opts.adminAddr == "" {
		return
	}
	admin := server.New(client, server.Config{
		Addr:          opts.adminAddr,
		WebhookSecret: opts.webhookSecret,
		Metrics:       pipeline.Handler(),
		Workers:       workers,
	}, logger)
	g.Go(func() error { return admin.ListenAndServe(ctx) })
}

// ensureSnapshotDir gives a supervised parent a snapshot directory when
// none is configured. The returned func removes a directory it created.
func ensureSnapshotDir(cfg *flagkeeper.Config) (func(), error) {
	if cfg.SnapshotDir != "" {
		return func() {}, nil
	}
	dir, err := os.MkdirTemp("", "flagkeeper-snapshot-")
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	cfg.SnapshotDir = dir
	return func() { _ = os.RemoveAll(dir) }, nil
}

// waitInitialized waits up to timeout for the client to leave initializing
// so the snapshot workers start from has been written.
func waitInitialized(ctx context.Context, client *flagkeeper.Client, timeout time.Duration) flagkeeper.State {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for client.State() == flagkeeper.StateInitializing {
		select {
		case <-ctx.Done():
			return client.State()
		case <-ticker.C:
		}
	}
	return client.State()
}

// handleWorkerSignals applies refresh and flush requests forwarded by the
// supervisor to this worker's client.
func handleWorkerSignals(ctx context.Context, registry *flagkeeper.Registry, logger *slog.Logger) {
	apply := func(op string, fn func(context.Context, *flagkeeper.Client) error) func() {
		return func() {
			client, err := registry.Get()
			if err != nil {
				logger.Debug("ignoring forwarded "+op+" before initialize")
				return
			}
			opCtx, cancel := context.WithTimeout(ctx, client.Config().Timeouts.Request)
			defer cancel()
			if err := fn(opCtx, client); err != nil {
				logger.Warn("forwarded "+op+" failed", flaglog.Err(err))
				return
			}
			logger.Info("forwarded " + op + " applied")
		}
	}

	supervisor.HandleSignals(ctx,
		apply("refresh", func(ctx context.Context, c *flagkeeper.Client) error {
			_, err := c.Refresh(ctx)
			return err
		}),
		apply("flush", func(ctx context.Context, c *flagkeeper.Client) error {
			return c.Flush(ctx)
		}),
	)
}

func runWorker(ctx context.Context, registry *flagkeeper.Registry, id string, opts *serveOptions, logger *slog.Logger) error {
	logger = logger.With(flaglog.WorkerIDKey, id)

	registry.Rearm(flagkeeper.CurrentWorker(id))

	ln, err := supervisor.InheritedListener()
	if err != nil {
		return err
	}
	return serveHTTP(ctx, ln, newApp(registry, opts.flagKey, logger), opts.grace, logger)
}

// serveHTTP serves until ctx is done, then drains in-flight requests.
func serveHTTP(ctx context.Context, ln net.Listener, handler http.Handler, grace time.Duration, logger *slog.Logger) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", ln.Addr().String(), flaglog.PIDKey, os.Getpid())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
