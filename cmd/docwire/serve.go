package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/vango-dev/docwire/internal/memstore"
	"github.com/vango-dev/docwire/pkg/metrics"
)

const shutdownTimeout = 10 * time.Second

func serveCmd(c *cli) *cobra.Command {
	var (
		addr        string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an in-memory document store",
		Long: `Run an in-memory document store that clients reach over WebSocket.

Routes:
  /channel   WebSocket endpoint, one peer per connection
  /metrics   Prometheus metrics
  /healthz   liveness probe

Examples:
  docwire serve
  docwire serve --addr :9000 --metrics-addr :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				c.cfg.Server.Addr = addr
			}
			if metricsAddr != "" {
				c.cfg.Metrics.Addr = metricsAddr
			}
			return runServe(cmd, c)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "Address to listen on (default from config)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve /metrics on a separate address")

	return cmd
}

// newServer builds the store and its HTTP routes. When the metrics address
// is separate, the returned metrics handler is not mounted on the router.
func newServer(c *cli) (*memstore.Store, http.Handler, http.Handler) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(metrics.WithRegistry(registry))

	store := memstore.New(
		memstore.WithLogger(c.logger),
		memstore.WithMetrics(m),
		memstore.WithMaxAttempts(c.cfg.Transaction.MaxAttempts),
		memstore.WithRetryFailedSteps(c.cfg.Transaction.RetryFailedSteps),
		memstore.WithWebSocketConfig(c.cfg.TransportConfig()),
	)
	metricsHandler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/channel", store.Handler().ServeHTTP)
	if c.cfg.Metrics.Addr == "" {
		r.Handle("/metrics", metricsHandler)
	}
	return store, r, metricsHandler
}

func runServe(cmd *cobra.Command, c *cli) error {
	_, router, metricsHandler := newServer(c)

	// Peers derive their context from baseCtx, so cancelling it closes
	// hijacked WebSocket connections that Shutdown does not track.
	baseCtx, cancelPeers := context.WithCancel(context.Background())
	defer cancelPeers()

	servers := []*http.Server{{
		Addr:              c.cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}}
	if c.cfg.Metrics.Addr != "" {
		mux := chi.NewRouter()
		mux.Handle("/metrics", metricsHandler)
		servers = append(servers, &http.Server{
			Addr:              c.cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv *http.Server) {
			c.logger.Info("server starting", "address", srv.Addr)
			errCh <- srv.ListenAndServe()
		}(srv)
	}
	success(cmd, "Store listening on %s", c.cfg.Server.Addr)
	if c.cfg.Metrics.Addr != "" {
		info(cmd, "Metrics on %s/metrics", c.cfg.Metrics.Addr)
	}

	var runErr error
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	case <-shutdown:
		c.logger.Info("shutting down...")
	}

	cancelPeers()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			c.logger.Error("shutdown error", "address", srv.Addr, "error", err)
			if runErr == nil {
				runErr = err
			}
		}
	}
	c.logger.Info("server shutdown complete")
	return runErr
}
