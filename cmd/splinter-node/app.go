package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vaporos/splinter/pkg/config"
	"github.com/vaporos/splinter/pkg/mesh"
	"github.com/vaporos/splinter/pkg/netstack"
	"github.com/vaporos/splinter/pkg/observability"
	"github.com/vaporos/splinter/pkg/transport"
	"github.com/vaporos/splinter/pkg/transport/multi"
)

// run is the main entry point after CLI parsing.
func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}
	if opts.Console {
		cfg.Console = true
	}

	logger, cleanup, err := observability.SetupLogger(cfg.Log, cfg.NodeID)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer cleanup()

	logger.Info("splinter-node started")
	logger.Info("effective configuration", zap.Any("config", cfg))

	tp, err := observability.SetupTracing(context.Background(), cfg.Tracing, cfg.NodeID)
	if err != nil {
		logger.Error("failed to setup tracing", zap.Error(err))
		return 1
	}
	if tp != nil {
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(sctx); err != nil {
				logger.Warn("tracer shutdown", zap.Error(err))
			}
		}()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := observability.NewMeshMetrics(reg)
	if err != nil {
		logger.Error("failed to register metrics", zap.Error(err))
		return 1
	}

	m, err := mesh.New(cfg.Mesh.IncomingCapacity, cfg.Mesh.OutgoingCapacity,
		mesh.WithLogger(logger.Named("mesh")),
		mesh.WithObserver(metrics),
		mesh.WithMaxConnections(cfg.Mesh.MaxConnections),
	)
	if err != nil {
		logger.Error("failed to create mesh", zap.Error(err))
		return 1
	}
	defer func() { _ = m.Shutdown() }()

	tr, err := netstack.BuildTransport(cfg, logger.Named("transport"), multi.WithTracerProvider(otel.GetTracerProvider()))
	if err != nil {
		logger.Error("failed to build transports", zap.Error(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stack := netstack.New(ctx, tr, m, logger.Named("netstack"), netstack.OptionsFromConfig(cfg.Network))
	defer func() { _ = stack.Close() }()
	if err := stack.Start(cfg.Network.Listen, cfg.Network.Peers); err != nil {
		logger.Error("failed to start transports", zap.Error(err))
		return 1
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Listen != "" {
		serveMetrics(gctx, g, cfg.Metrics.Listen, reg, logger)
	}

	var con *console
	if cfg.Console {
		con = newConsole(os.Stdin, os.Stdout, stack, m)
		g.Go(func() error {
			con.run(gctx)
			stop()
			return nil
		})
	}
	g.Go(func() error { return receive(gctx, m, con, logger) })

	logger.Info("node is running; press Ctrl+C to exit")
	if err := g.Wait(); err != nil {
		logger.Error("node stopped", zap.Error(err))
		return 1
	}
	logger.Info("node stopped")
	return 0
}

// receive drains the mesh until ctx ends.
func receive(ctx context.Context, m *mesh.Mesh, con *console, log *zap.Logger) error {
	for {
		env, err := m.RecvContext(ctx)
		switch {
		case err == nil:
			log.Debug("message", zap.Uint64("id", uint64(env.ID)), zap.Int("size", len(env.Payload)))
			if con != nil {
				con.message(env)
			}
		case errors.Is(err, transport.ErrDisconnected):
			log.Info("peer disconnected", zap.Uint64("id", uint64(env.ID)), zap.Error(err))
			if con != nil {
				con.disconnected(env.ID, err)
			}
		case ctx.Err() != nil, errors.Is(err, mesh.ErrShutdown):
			return nil
		default:
			return err
		}
	}
}

func serveMetrics(ctx context.Context, g *errgroup.Group, addr string, reg *prometheus.Registry, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler(reg))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          zap.NewStdLog(log),
	}
	g.Go(func() error {
		log.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
}
