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

	"github.com/gorilla/handlers"
	"github.com/spf13/cobra"
	"github.com/taogames/socketcast"
	"github.com/taogames/socketcast/cluster"
	"github.com/taogames/socketcast/cluster/pgbus"
	"github.com/taogames/socketcast/config"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Socket.IO gateway with room broadcasts",
	Long: `gateway serves Socket.IO clients and fans room broadcasts out to them.
With cluster.mode set to postgres, several gateways share rooms through
PostgreSQL LISTEN/NOTIFY.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg.Log)
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return run(ctx, cfg, logger.Sugar())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults and SOCKETCAST_* environment only when empty)")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	if cfg.Development {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	}

	conf := zap.Config{
		Level:            level,
		Development:      cfg.Development,
		Encoding:         cfg.Encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	return conf.Build()
}

func run(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) error {
	opts := []socketcast.ServerOption{
		socketcast.WithPingInterval(cfg.Engine.PingInterval),
		socketcast.WithPingTimeout(cfg.Engine.PingTimeout),
		socketcast.WithMaxPayload(cfg.Engine.MaxPayload),
		socketcast.WithLogger(logger),
		socketcast.WithAckTimeout(cfg.Server.AckTimeout),
		socketcast.WithTransportBinder(socketcast.NewHubBinder(logger, cfg.Server.NativeTransports...)),
		socketcast.WithConnectionLogger(func(nsp, sid string) {
			logger.Infof("Socket %s joined %s", sid, nsp)
		}),
	}

	bus, closeBus, err := newBus(ctx, cfg.Cluster, logger)
	if err != nil {
		return err
	}
	defer closeBus()
	if bus != nil {
		opts = append(opts, socketcast.WithAdapter(cluster.NewAdapterIniter(bus,
			cluster.WithChannelPrefix(cfg.Cluster.ChannelPrefix),
			cluster.WithHeartbeatInterval(cfg.Cluster.HeartbeatInterval),
			cluster.WithHeartbeatTimeout(cfg.Cluster.HeartbeatTimeout),
			cluster.WithRequestTimeout(cfg.Cluster.RequestTimeout),
		)))
	}

	server := socketcast.NewServer(opts...)
	registerEvents(server.Of(socketcast.MainNamespace), cfg.Server.AckTimeout)

	router := http.NewServeMux()
	router.Handle(cfg.Server.Path, server)

	corsOpts := []handlers.CORSOption{
		handlers.AllowedOrigins(cfg.CORS.AllowedOrigins),
		handlers.AllowedHeaders(cfg.CORS.AllowedHeaders),
	}
	if cfg.CORS.AllowCredentials {
		corsOpts = append(corsOpts, handlers.AllowCredentials())
	}
	accessLog := zap.NewStdLog(logger.Desugar().With(zap.String("Component", "http"))).Writer()

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handlers.CombinedLoggingHandler(accessLog, handlers.CORS(corsOpts...)(router)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		server.Accept()
		return nil
	})
	g.Go(func() error {
		logger.Infof("Listening on %s%s", cfg.Server.Addr, cfg.Server.Path)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		server.Close()
		return err
	})

	return g.Wait()
}

// newBus returns the cluster bus for cfg, nil when clustering is off.
func newBus(ctx context.Context, cfg config.ClusterConfig, logger *zap.SugaredLogger) (cluster.Bus, func(), error) {
	switch cfg.Mode {
	case config.ClusterMemory:
		return cluster.NewMemoryBus(), func() {}, nil
	case config.ClusterPostgres:
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		bus, err := pgbus.Connect(connectCtx, pgbus.Config{
			DSN:      cfg.Postgres.DSN,
			MaxConns: cfg.Postgres.MaxConns,
			MinConns: cfg.Postgres.MinConns,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect cluster bus: %w", err)
		}
		return bus, bus.Close, nil
	default:
		return nil, func() {}, nil
	}
}
