// Package main is the entry point for the signoff server. It wires all
// dependencies together and starts the HTTP server.
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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/signoff/internal/capability"
	"github.com/pitabwire/signoff/internal/config"
	"github.com/pitabwire/signoff/internal/fanout"
	"github.com/pitabwire/signoff/internal/lifecycle"
	"github.com/pitabwire/signoff/internal/observability"
	"github.com/pitabwire/signoff/internal/openapi"
	"github.com/pitabwire/signoff/internal/signature"
	"github.com/pitabwire/signoff/internal/store"
	"github.com/pitabwire/signoff/internal/transport"
	"github.com/pitabwire/signoff/internal/view"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		// cobra already printed the error
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "signoff",
		Short:        "Approval and signature lifecycle service",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to configuration file")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return migrate(cmd.Context(), cmd, cfg)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("signoff %s (%s)\n", version, commit)
		},
	})

	return root
}

func serve(parent context.Context, cfg *config.Config) error {
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "signoff", version)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Contract.
	doc, err := openapi.Load(ctx)
	if err != nil {
		return err
	}
	contract, err := openapi.NewValidator(doc)
	if err != nil {
		return err
	}

	// Storage.
	var pool *pgxpool.Pool
	if cfg.Store.Driver == "postgres" || cfg.Fanout.Sink == "postgres" {
		pool, err = openPool(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer pool.Close()
		if cfg.Store.MigrateOnStart {
			applied, err := store.Migrate(ctx, pool)
			if err != nil {
				return err
			}
			logger.Info("migrations applied", zap.Strings("versions", applied))
		}
	}
	records, err := buildStore(cfg.Store, pool)
	if err != nil {
		return err
	}

	idem, idemCloser, err := buildIdempotencyStore(cfg.Idempotency, logger)
	if err != nil {
		return err
	}
	if idemCloser != nil {
		defer idemCloser()
	}

	// Notifications.
	sink, sinkCloser, err := buildSink(cfg.Fanout, pool, logger)
	if err != nil {
		return err
	}
	if sinkCloser != nil {
		defer sinkCloser()
	}
	dir := fanout.NewStaticDirectory(cfg.Fanout.Staff, cfg.Fanout.StaffRoles)
	sinkBreaker := fanout.NewBreaker("notification_sink", cfg.Fanout.CircuitBreaker, metrics)
	mailBreaker := fanout.NewBreaker("mailer", cfg.Fanout.CircuitBreaker, metrics)
	fan := fanout.New(sink, fanout.DefaultResolver(dir),
		fanout.WithMailer(fanout.NewMailer(cfg.Fanout.Email, logger)),
		fanout.WithOutbox(records),
		fanout.WithBreakers(sinkBreaker, mailBreaker),
		fanout.WithMetrics(metrics),
		fanout.WithLogger(logger),
		fanout.WithConcurrency(cfg.Fanout.Concurrency),
		fanout.WithMaxAttempts(cfg.Fanout.Redelivery.MaxAttempts),
		fanout.WithPublicURL(cfg.Server.PublicURL),
		fanout.WithSignerConfirmation(cfg.Fanout.Email.SignerConfirmation),
	)

	// Authorization.
	evaluator, err := capability.NewStaticPolicyEvaluator(cfg.Capability.StaticPolicyFile)
	if err != nil {
		return fmt.Errorf("static policy: %w", err)
	}
	capResolver := capability.NewResolver(evaluator, cfg.Capability.Cache.TTL,
		capability.WithMaxEntries(cfg.Capability.Cache.MaxEntries),
		capability.WithMetrics(metrics),
	)

	// Decisions.
	execOpts := []lifecycle.ExecutorOption{
		lifecycle.WithValidator(lifecycle.NewValidator(lifecycle.Options{
			RequireChangeOrderRejectReason: cfg.Lifecycle.RequireChangeOrderRejectReason,
		})),
		lifecycle.WithMetrics(metrics),
		lifecycle.WithLogger(logger),
		lifecycle.WithMaxConflictRetries(cfg.Lifecycle.MaxConflictRetries),
		lifecycle.WithWriteTimeout(cfg.Lifecycle.WriteTimeout),
	}
	if idem != nil {
		execOpts = append(execOpts, lifecycle.WithIdempotencyStore(idem, cfg.Idempotency.Store.DefaultTTL))
	}
	exec := lifecycle.NewExecutor(records, execOpts...)

	svc := view.NewService(records, exec,
		view.WithDispatcher(fan),
		view.WithSignatureSurface(signature.Options{
			Width:     cfg.Signature.Width,
			Height:    cfg.Signature.Height,
			PenRadius: cfg.Signature.PenRadius,
		}, cfg.Signature.MaxDataURLBytes),
		view.WithMetrics(metrics),
		view.WithLogger(logger),
	)

	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, transport.WithJWKSLogger(logger))

	readiness := observability.ReadinessChecks{
		RecordStore:      records,
		PolicyEngine:     evaluator,
		IdentityProvider: jwks,
		Advisory: map[string]observability.HealthChecker{
			"breaker_notification_sink": sinkBreaker,
			"breaker_mailer":            mailBreaker,
		},
	}
	if hc, ok := sink.(observability.HealthChecker); ok {
		readiness.NotificationSink = hc
	}
	if idem != nil {
		readiness.IdempotencyStore = idem
	}

	var reader fanout.NotificationReader
	if r, ok := sink.(fanout.NotificationReader); ok {
		reader = r
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:             cfg,
		Authenticate:       transport.JWTAuthenticator(cfg.Identity, jwks),
		CapabilityResolver: capResolver,
		Service:            svc,
		Notifications:      reader,
		Readiness:          readiness,
		Metrics:            metrics,
		Contract:           contract,
		Logger:             logger,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server started",
			zap.Int("port", cfg.Server.Port),
			zap.String("version", version),
			zap.String("commit", commit),
			zap.String("store", cfg.Store.Driver),
			zap.String("sink", cfg.Fanout.Sink),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.Fanout.Redelivery.Enabled {
		g.Go(func() error {
			fan.RunRedelivery(gctx, cfg.Fanout.Redelivery)
			return nil
		})
	}
	g.Go(func() error {
		reloadPolicy(gctx, evaluator, capResolver, logger)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown initiated")

		shutdownTimeout := cfg.Server.ShutdownTimeout
		if shutdownTimeout == 0 {
			shutdownTimeout = 30 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", zap.Error(err))
		}
		if err := tracingShutdown(shutdownCtx); err != nil {
			logger.Error("tracing shutdown error", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", zap.Error(err))
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// reloadPolicy rereads the capability policy on SIGHUP until ctx is done.
// A policy that fails to load leaves the previous one in force.
func reloadPolicy(ctx context.Context, evaluator *capability.StaticPolicyEvaluator, resolver *capability.Resolver, logger *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			roles, err := evaluator.Reload()
			if err != nil {
				logger.Error("policy reload failed", zap.Error(err))
				continue
			}
			resolver.Purge()
			logger.Info("policy reloaded", zap.Int("roles", roles))
		}
	}
}

func migrate(ctx context.Context, cmd *cobra.Command, cfg *config.Config) error {
	pool, err := openPool(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer pool.Close()

	applied, err := store.Migrate(ctx, pool)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		cmd.Println("database is up to date")
		return nil
	}
	for _, v := range applied {
		cmd.Printf("applied %s\n", v)
	}
	return nil
}

// openPool connects to the database named by cfg.DSNEnv.
func openPool(ctx context.Context, cfg config.StoreConfig) (*pgxpool.Pool, error) {
	dsn := os.Getenv(cfg.DSNEnv)
	if dsn == "" {
		return nil, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse DSN: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return pool, nil
}

// buildStore creates the record store selected by cfg.
func buildStore(cfg config.StoreConfig, pool *pgxpool.Pool) (store.Store, error) {
	switch cfg.Driver {
	case "memory", "":
		return store.NewMemoryStore(), nil
	case "postgres":
		if pool == nil {
			return nil, errors.New("store: postgres driver needs a connection pool")
		}
		return store.NewPgStore(pool), nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

// idempotencyStore is what the executor and the readiness probe need.
type idempotencyStore interface {
	lifecycle.IdempotencyStore
	HealthCheck(ctx context.Context) error
}

// buildIdempotencyStore creates the idempotency store selected by cfg. It
// returns a nil store when idempotency is disabled.
func buildIdempotencyStore(cfg config.IdempotencyConfig, logger *zap.Logger) (idempotencyStore, func(), error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}

	switch cfg.Store.Driver {
	case "memory", "":
		logger.Info("using in-memory idempotency store")
		return lifecycle.NewMemoryIdempotencyStore(), nil, nil
	case "redis":
		addr := os.Getenv(cfg.Store.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("idempotency store: %s environment variable not set", cfg.Store.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Store.DB})
		logger.Info("using redis idempotency store", zap.String("addr", addr))
		return lifecycle.NewRedisIdempotencyStore(client), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported idempotency store driver: %q", cfg.Store.Driver)
	}
}

// buildSink creates the notification sink selected by cfg.
func buildSink(cfg config.FanoutConfig, pool *pgxpool.Pool, logger *zap.Logger) (fanout.NotificationSink, func(), error) {
	switch cfg.Sink {
	case "memory", "":
		return fanout.NewMemorySink(), nil, nil
	case "postgres":
		if pool == nil {
			return nil, nil, errors.New("notification sink: postgres needs a connection pool")
		}
		return fanout.NewPgSink(pool), nil, nil
	case "nats":
		url := os.Getenv(cfg.NATSURLEnv)
		if url == "" {
			url = nats.DefaultURL
		}
		conn, err := nats.Connect(url,
			nats.Name("signoff"),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					logger.Warn("nats disconnected", zap.Error(err))
				}
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
			}),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("notification sink: nats connect: %w", err)
		}
		return fanout.NewNATSSink(conn, cfg.SubjectPrefix), func() { _ = conn.Drain() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported notification sink: %q", cfg.Sink)
	}
}
