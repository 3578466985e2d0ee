package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"LiveAvatarGateway/internal/config"
	"LiveAvatarGateway/internal/database"
	"LiveAvatarGateway/internal/events"
	"LiveAvatarGateway/internal/grpcserver"
	"LiveAvatarGateway/internal/httpserver"
	"LiveAvatarGateway/internal/liveavatar"
	"LiveAvatarGateway/internal/logger"
	"LiveAvatarGateway/internal/logstore"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway HTTP API and gRPC health server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			g, err := buildGateway(ctx, a.cfg)
			if err != nil {
				return err
			}
			return g.run(ctx)
		},
	}

	f := cmd.Flags()
	f.String("addr", ":8080", "HTTP listen address")
	f.String("grpc-addr", ":9090", "gRPC health listen address (empty to disable)")
	f.String("storage-driver", database.DriverMemory, "conversation log backend: none, memory, sqlite, postgres")
	f.String("sqlite-path", "liveavatar.db", "SQLite database file")
	f.String("postgres-dsn", "", "PostgreSQL connection string")
	f.StringSlice("kafka-brokers", nil, "Kafka brokers for conversation events")
	return cmd
}

// gateway serve命令装配出的组件
type gateway struct {
	config    *config.Config
	store     *logstore.Store
	publisher *events.Publisher
	api       *httpserver.APIServer
	health    *grpcserver.HealthServer
	log       zerolog.Logger
}

func buildGateway(ctx context.Context, cfg *config.Config) (*gateway, error) {
	backend, err := database.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	store := logstore.New(backend)
	publisher := events.New(&cfg.Kafka)
	store.AddListener(publisher)

	upstream := liveavatar.New(cfg.LiveAvatar, nil)
	g := &gateway{
		config:    cfg,
		store:     store,
		publisher: publisher,
		api:       httpserver.NewAPIServer(cfg.Server, store, upstream),
		health:    grpcserver.NewHealthServer(store, 15*time.Second),
		log:       logger.WithComponent("serve"),
	}

	g.log.Info().
		Str("storage", cfg.Storage.Driver).
		Bool("upstreamConfigured", upstream.Configured()).
		Bool("kafka", publisher.Enabled()).
		Msg("gateway assembled")
	return g, nil
}

// run 阻塞直到ctx取消或任一服务失败，然后依次关闭
func (g *gateway) run(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() { errCh <- g.api.Start() }()

	if addr := g.config.Server.GRPCAddr; addr != "" {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			g.close()
			return fmt.Errorf("listen grpc %s: %w", addr, err)
		}
		go func() { errCh <- g.health.Serve(lis) }()
	}

	var runErr error
	select {
	case <-ctx.Done():
		g.log.Info().Msg("shutdown signal received")
	case runErr = <-errCh:
		if runErr != nil {
			g.log.Error().Err(runErr).Msg("server failed")
		}
	}

	if err := g.close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func (g *gateway) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := g.api.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	g.health.Stop()
	if err := g.publisher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("kafka close: %w", err))
	}
	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("storage close: %w", err))
	}
	return errors.Join(errs...)
}
