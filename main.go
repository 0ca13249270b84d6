package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/samber/oops"
	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Global flags available to all subcommands.
var configFile string

func main() {
	cmd := NewRootCmd()
	cmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// NewRootCmd creates the root command for the pushhub CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pushhub",
		Short: "pushhub - a Pusher-compatible websocket server",
		Long: `pushhub serves Pusher protocol websockets to clients and the
Pusher HTTP API to application backends.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")
	cmd.AddCommand(newServeCmd())

	return cmd
}

func newServeCmd() *cobra.Command {
	defaults := defaultConfig()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the websocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().String("addr", defaults.Server.Addr, "http service address")
	cmd.Flags().String("log-format", defaults.Log.Format, "log format (json or text)")
	cmd.Flags().String("log-level", defaults.Log.Level, "log level (debug, info, warn, error)")
	cmd.Flags().String("metrics-addr", defaults.Metrics.Addr, "metrics and health probe address (empty disables)")

	return cmd
}

func runServe(ctx context.Context, cfg config) error {
	if err := setupLogging(cfg.Log); err != nil {
		return err
	}

	apps, err := newApplications(cfg.Apps)
	if err != nil {
		logError("invalid apps", err)
		return err
	}

	m := newMetrics(nil)
	h := newHub(apps, m)
	h.sweep = cfg.Server.SweepInterval

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.Scaling.Enabled {
		r := newRedisRelay(cfg.Scaling)
		defer func() {
			if err := r.close(); err != nil {
				slog.Warn("error closing relay", "error", err)
			}
		}()
		h.relay = r
		go func() {
			if err := r.listen(ctx, h.applyRelayed); err != nil {
				logError("relay stopped", err)
			}
		}()
		slog.Info("relay enabled", "addr", cfg.Scaling.Addr, "channel", cfg.Scaling.Channel)
	}

	h.start()

	var obsServer *metricsServer
	if cfg.Metrics.Addr != "" {
		obsServer = newMetricsServer(cfg.Metrics.Addr, m, h.ready)
		if _, err := obsServer.start(); err != nil {
			h.stop()
			return err
		}
	}
	if cfg.Metrics.Tick > 0 {
		go m.report(ctx, cfg.Metrics.Tick, os.Stderr)
	}

	listener, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		h.stop()
		return oops.With("addr", cfg.Server.Addr).Wrapf(err, "listening")
	}
	srv := &http.Server{
		Handler:           newHandler(h, cfg),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()
	slog.Info("pushhub ready", "addr", listener.Addr().String(), "apps", len(cfg.Apps))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	case err := <-serveErr:
		runErr = oops.Wrapf(err, "serving")
		logError("http server failed", runErr)
	case <-ctx.Done():
		slog.Info("context cancelled, shutting down")
	}

	// Clients get a shutdown error frame before the listener goes away.
	h.stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("error stopping http server", "error", err)
	}
	if obsServer != nil {
		if err := obsServer.stop(shutdownCtx); err != nil {
			slog.Warn("error stopping metrics server", "error", err)
		}
	}

	slog.Info("shutdown complete")
	return runErr
}

func newHandler(h *hub, cfg config) http.Handler {
	r := mux.NewRouter()

	// Route websocket requests
	r.Path("/app/{appKey}").Methods("GET").
		HeadersRegexp("Upgrade", "(?i)^websocket$").
		Handler(wsHandler{h: h})
	r.Path("/app/{appKey}").Handler(upgradeRequiredHandler{})

	r.Path("/up").Methods("GET").HandlerFunc(up)

	a := apiHandler{h: h, maxBody: cfg.Server.MaxRequestSize, now: time.Now}
	api := r.PathPrefix("/apps/{appId}").Subrouter()
	api.Use(a.authenticate)
	api.Path("/events").Methods("POST").HandlerFunc(a.events)
	api.Path("/batch_events").Methods("POST").HandlerFunc(a.batchEvents)
	api.Path("/connections").Methods("GET").HandlerFunc(a.connections)
	api.Path("/channels").Methods("GET").HandlerFunc(a.channels)
	api.Path("/channels/{channel}").Methods("GET").HandlerFunc(a.channel)
	api.Path("/channels/{channel}/users").Methods("GET").HandlerFunc(a.users)
	api.Path("/users/{userId}/terminate_connections").Methods("POST").HandlerFunc(a.terminate)

	return r
}
