package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/loftwire/relay/pkg/relay/bridge"
	"github.com/loftwire/relay/pkg/relay/config"
	"github.com/loftwire/relay/pkg/relay/heartbeat"
	"github.com/loftwire/relay/pkg/relay/o11y"
	"github.com/loftwire/relay/pkg/relay/registry"
	"github.com/loftwire/relay/pkg/relay/websockets"
)

const serviceName = "relayd"

var serverCmd = &cobra.Command{
	Use:   "server [config-file]",
	Short: "Start the delivery server",
	Long: `Start the delivery server with an optional HCL configuration file.

The server exposes a WebSocket endpoint at /ws/{workspace_id} and a
health check at /healthz. Domain events arriving on the shared Redis
channel are broadcast to every live connection of their workspace.

Examples:
  relayd server
  relayd server relayd.hcl
  relayd server --standalone --listen :9000`,
	Args: cobra.MaximumNArgs(1),
	RunE: runServer,
}

var (
	listenOverride string
	standalone     bool
)

func init() {
	rootCmd.AddCommand(serverCmd)

	serverCmd.Flags().StringVar(&listenOverride, "listen", "", "override the configured listen address")
	serverCmd.Flags().BoolVar(&standalone, "standalone", false, "run without Redis (single-process, in-memory bus)")
}

func runServer(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	configPath := ""
	if len(args) == 1 {
		configPath = args[0]
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listenOverride != "" {
		cfg.ListenAddr = listenOverride
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry := o11y.NewOtelProvider(serviceName, version)
	obs := &o11y.Config{
		Metrics:        telemetry,
		Tracing:        telemetry,
		ServiceName:    serviceName,
		ServiceVersion: version,
	}

	reg := registry.NewWithConfig(logger, &registry.Config{Observability: obs})

	var bus bridge.Bus
	if standalone {
		logger.Info("running standalone, events stay in this process")
		bus = bridge.NewMemoryBus()
	} else {
		redisBus, err := bridge.NewRedisBus(ctx, &redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, cfg.Redis.Channel)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer redisBus.Close()
		bus = redisBus
		logger.Info("connected to redis",
			zap.String("addr", cfg.Redis.Addr),
			zap.String("channel", cfg.Redis.Channel),
		)
	}

	br, err := bridge.NewBridgeConfig().
		WithBus(bus).
		WithRegistry(reg).
		WithLogger(logger).
		WithObservability(obs).
		Build()
	if err != nil {
		return err
	}
	if err := br.Start(ctx); err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}

	listener, err := websockets.NewListenerConfig().
		WithRegistry(reg).
		WithLogger(logger).
		WithReadTimeout(cfg.WebSocket.ReadTimeoutDuration()).
		WithWriteTimeout(cfg.WebSocket.WriteTimeoutDuration()).
		WithReadLimit(cfg.WebSocket.ReadLimit).
		Build()
	if err != nil {
		return err
	}

	hb, err := heartbeat.New(cfg.Heartbeat.Schedule, reg, logger)
	if err != nil {
		return err
	}
	hb.Start()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/{workspace_id}", listener.ServeWebsocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	logger.Info("relayd listening", zap.String("addr", cfg.ListenAddr))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		hb.Stop()
		if err := listener.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("session shutdown incomplete", zap.Error(err))
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown incomplete", zap.Error(err))
		}
		if err := br.Close(); err != nil {
			logger.Warn("bridge close", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}
