package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ordersaga/cmd/server/config"
	grpcadapter "ordersaga/internal/adapters/grpc"
	"ordersaga/internal/adapters/httpapi"
	ordersdb "ordersaga/internal/db/orders"
	"ordersaga/internal/observability"
	"ordersaga/internal/orders"
	"ordersaga/internal/orders/saga"
	"ordersaga/internal/realtime"
	"ordersaga/internal/sagaevents"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	dbPingTimeout   = 5 * time.Second
	shutdownTimeout = 10 * time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, flush, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer flush()

	a, cleanup, err := buildApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	var lc net.ListenConfig
	httpLis, err := lc.Listen(ctx, "tcp", cfg.HTTPAddr)
	if err != nil {
		return errors.Wrap(err, "listen http")
	}
	grpcLis, err := lc.Listen(ctx, "tcp", cfg.GRPCAddr)
	if err != nil {
		_ = httpLis.Close()
		return errors.Wrap(err, "listen grpc")
	}
	obsLis, err := lc.Listen(ctx, "tcp", cfg.ObsAddr)
	if err != nil {
		_ = httpLis.Close()
		_ = grpcLis.Close()
		return errors.Wrap(err, "listen observability")
	}
	return a.serve(ctx, httpLis, grpcLis, obsLis)
}

// app is the fully wired server, ready to be bound to listeners.
type app struct {
	log          logr.Logger
	metrics      *observability.Metrics
	hub          *realtime.Hub
	orchestrator *orders.OrderSagaOrchestrator
	store        saga.OrderDataStore
	http         *http.Server
	obs          *http.Server
	grpc         *grpcpkg.Server
	health       *health.Server
}

func buildApp(ctx context.Context, cfg config.Config, log logr.Logger) (*app, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*app, func(), error) {
		cleanup()
		return nil, nil, err
	}

	metrics := observability.NewMetrics()

	var db *sql.DB
	if cfg.NeedsDatabase() {
		var err error
		if db, err = openDB("pgx", cfg.Store.DatabaseURL); err != nil {
			return fail(errors.Wrap(err, "open database"))
		}
		closers = append(closers, func() {
			if err := db.Close(); err != nil {
				log.Error(err, "close database")
			}
		})
		pingCtx, cancel := context.WithTimeout(ctx, dbPingTimeout)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			return fail(errors.Wrap(err, "ping database"))
		}
	}

	store, closeStore, err := buildOrderStore(ctx, cfg, db, log.WithName("store"))
	if err != nil {
		return fail(err)
	}
	closers = append(closers, closeStore)

	collaborators, err := orders.BuildCollaborators(ctx, cfg.Collaborators, cfg.Reliability, db, metrics.AddRateLimitWait, log.WithName("collaborators"))
	if err != nil {
		return fail(err)
	}

	hub := realtime.NewHub(log.WithName("realtime"))
	sinks := []saga.EventSink{metrics, sagaevents.NewBroadcastSink(hub)}
	if db != nil && cfg.Saga.StepLog {
		stepLog, err := ordersdb.NewStepLogWithSchema(ctx, db)
		if err != nil {
			return fail(errors.Wrap(err, "init step log"))
		}
		sinks = append(sinks, stepLog)
	}
	if cfg.AMQP.URL != "" {
		sink, closeSink, err := sagaevents.DialAMQPSink(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() {
			if err := closeSink(); err != nil {
				log.Error(err, "close amqp")
			}
		})
		sinks = append(sinks, sink)
	}

	opts := []orders.Option{
		orders.WithLogger(log.WithName("saga")),
		orders.WithTracer(otel.Tracer("ordersaga")),
		orders.WithEventSink(sagaevents.NewMultiSink(sinks...)),
	}
	if cfg.Saga.PreserveHardFailures {
		opts = append(opts, orders.WithPreservedFailureStatuses(saga.StatusFailedPayment, saga.StatusFailedShipping))
	}
	orchestrator := collaborators.Orchestrator(store, opts...)

	handlers := httpapi.NewOrderHandlers(orchestrator, store, log.WithName("http"))
	httpServer := &http.Server{
		Handler:           httpapi.NewRouter(handlers, hub),
		ReadHeaderTimeout: 5 * time.Second,
	}

	obsMux := http.NewServeMux()
	obsMux.Handle("/metrics", observability.Handler(metrics))
	obsMux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	obsServer := &http.Server{Handler: obsMux, ReadHeaderTimeout: 5 * time.Second}

	limiter := orders.NewRateLimiter(cfg.GRPC.RateLimitInterval, cfg.GRPC.RateLimitBurst)
	limiter.OnWait = metrics.AddRateLimitWait
	grpcServer := grpcpkg.NewServer(
		grpcpkg.UnaryInterceptor(unaryInterceptor(limiter, metrics, log.WithName("grpc"))),
	)
	grpcadapter.RegisterOrderServiceServer(grpcServer, grpcadapter.NewOrderServer(orchestrator, store))

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	setServing(healthServer, healthpb.HealthCheckResponse_SERVING)

	if !cfg.IsProduction() {
		reflection.Register(grpcServer)
		log.Info("gRPC reflection enabled", "env", cfg.Env)
	}

	return &app{
		log:          log,
		metrics:      metrics,
		hub:          hub,
		orchestrator: orchestrator,
		store:        store,
		http:         httpServer,
		obs:          obsServer,
		grpc:         grpcServer,
		health:       healthServer,
	}, cleanup, nil
}

func setServing(s *health.Server, status healthpb.HealthCheckResponse_ServingStatus) {
	s.SetServingStatus(grpcadapter.ServiceName, status)
	s.SetServingStatus("", status)
}

// serve runs every server until ctx ends or one of them fails, then shuts
// all of them down.
func (a *app) serve(ctx context.Context, httpLis, grpcLis, obsLis net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.log.Info("http server listening", "addr", httpLis.Addr().String())
		if err := a.http.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		a.log.Info("grpc server listening", "addr", grpcLis.Addr().String())
		return errors.Wrap(a.grpc.Serve(grpcLis), "grpc server")
	})
	g.Go(func() error {
		a.log.Info("observability server listening", "addr", obsLis.Addr().String())
		if err := a.obs.Serve(obsLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "observability server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.shutdown()
		return nil
	})

	err := g.Wait()
	if ctx.Err() != nil && err == nil {
		a.log.Info("server stopped")
	}
	return err
}

func (a *app) shutdown() {
	a.log.Info("shutting down", "sagasInFlight", a.metrics.SagasInFlight())
	a.metrics.MarkShutdown(a.metrics.SagasInFlight())
	setServing(a.health, healthpb.HealthCheckResponse_NOT_SERVING)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		a.log.Error(err, "http shutdown")
	}
	a.grpc.GracefulStop()
	if err := a.obs.Shutdown(shutdownCtx); err != nil {
		a.log.Error(err, "observability shutdown")
	}
}
