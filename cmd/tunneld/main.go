// Package main is the tunneld entrypoint: it binds configuration, builds
// the logger and metrics registry, wires the transports onto the root
// dispatcher, and runs the HTTP server until a shutdown signal arrives.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pires/go-proxyproto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/duskgate/tunneld/internal/config"
	"github.com/duskgate/tunneld/internal/dialer"
	"github.com/duskgate/tunneld/internal/logging"
	"github.com/duskgate/tunneld/internal/metrics"
	"github.com/duskgate/tunneld/internal/server"
	"github.com/duskgate/tunneld/internal/session"
	"github.com/duskgate/tunneld/internal/wsproxy"
	"github.com/duskgate/tunneld/internal/xhttp"
)

// shutdownGrace bounds how long an in-flight request gets to finish once a
// shutdown signal arrives before the server is torn down anyway.
const shutdownGrace = 10 * time.Second

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "tunneld",
		Short:         "V-PROTO/T-PROTO tunnel server over WebSocket and XHTTP",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cfg := config.BindFlags(cmd.Flags(), os.Getenv)

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		if err := cfg.Finish(); err != nil {
			return err
		}
		return run(cmd.Context(), cfg)
	}

	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("tunneld: %w", err)
	}
	defer log.Sync()

	reg := prometheus.NewRegistry()
	var m *metrics.Metrics
	var metricsHandler http.Handler
	if cfg.MetricsAddr != "" {
		m = metrics.New(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	id := [16]byte(cfg.UUID)
	registry := session.NewRegistry(cfg.DownlinkCap, cfg.UplinkCap)
	d := dialer.New(nil)

	srv := &server.Server{
		WSPath: cfg.WSPath,
		XHTTP: &xhttp.Handler{
			Registry:    registry,
			Dialer:      d,
			ID:          id,
			DialTimeout: cfg.DialTimeout,
			Log:         log,
			Metrics:     m,
		},
		WS: &wsproxy.Handler{
			Dialer:      d,
			ID:          id,
			DialTimeout: cfg.DialTimeout,
			Log:         log,
			Metrics:     m,
		},
		Metrics: metricsHandler,
		Log:     log,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if m != nil {
		go reportActiveSessions(ctx, m, registry)
	}

	addr := net.JoinHostPort(cfg.ListenAddr, fmt.Sprint(cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("tunneld: listen: %w", err)
	}
	ln = wrapProxyProtocol(ln, cfg.ProxyProtocol)

	httpServer := &http.Server{
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	log.Info("listening",
		zap.String("addr", addr),
		zap.String("wspath", cfg.WSPath),
		zap.Bool("proxy_protocol", cfg.ProxyProtocol),
		zap.Bool("metrics_enabled", m != nil),
	)

	serveErr := make(chan error, 1)
	go func() { serveErr <- httpServer.Serve(ln) }()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("tunneld: serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		log.Info("shutting down", zap.Duration("grace", shutdownGrace))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("tunneld: shutdown: %w", err)
		}
		return nil
	}
}

// reportActiveSessions periodically copies the registry's live session
// count into the active-session gauge until ctx is done.
func reportActiveSessions(ctx context.Context, m *metrics.Metrics, registry *session.Registry) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SessionsActive.Set(float64(registry.Len()))
		}
	}
}

// wrapProxyProtocol wraps ln so that, when enabled, every accepted
// connection's real client address is recovered from a leading PROXY
// protocol v1/v2 preamble before the HTTP server ever sees it.
func wrapProxyProtocol(ln net.Listener, enabled bool) net.Listener {
	if !enabled {
		return ln
	}
	return &proxyproto.Listener{Listener: ln}
}
