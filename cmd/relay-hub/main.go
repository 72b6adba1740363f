// Command relay-hub runs the WebSocket hub that relay instances using the
// "hub" transport connect to. Every frame a client sends on Send<Kind> is
// broadcast to all connected clients on On<Kind>.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	relay "github.com/sensortelemetry/relay"
	"github.com/sensortelemetry/relay/internal/runtime/config"
	"github.com/sensortelemetry/relay/internal/runtime/logging"
	"github.com/sensortelemetry/relay/transport/hub"
)

const (
	defaultListenAddress = ":8080"
	shutdownTimeout      = 5 * time.Second
)

func main() {
	configPath := flag.String("config", "", "path to a TOML relay configuration")
	listen := flag.String("listen", "", "overrides hub_listen_address from the configuration")
	logLevel := flag.String("log-level", "", "overrides log_level from the configuration")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, *listen, *logLevel); err != nil {
		fmt.Fprintln(os.Stderr, "relay-hub:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, listen, logLevel string) error {
	cfg := relay.Config{}
	if configPath != "" {
		var err error
		if cfg, err = relay.LoadConfig(configPath); err != nil {
			return err
		}
	}
	if listen != "" {
		cfg.HubListenAddress = listen
	}
	if cfg.HubListenAddress == "" {
		cfg.HubListenAddress = defaultListenAddress
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logger, err := relay.NewTextLogger(os.Stderr, cfg.LogLevel)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	server := hub.NewServer(
		hub.WithLogger(logging.NewWatermillAdapter(logger)),
		hub.WithMetrics(registry),
	)
	defer server.Close()

	httpServer := &http.Server{
		Addr:              cfg.HubListenAddress,
		Handler:           newMux(&cfg, server, registry),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Relay hub listening", relay.LogFields{"address": cfg.HubListenAddress, "path": config.DefaultHubPath})
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("Relay hub shutting down", relay.LogFields{"clients": server.ClientCount()})
	server.DisconnectAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// newMux serves the hub endpoint and, when enabled, the hub metrics.
func newMux(cfg *relay.Config, server *hub.Server, gatherer prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(config.DefaultHubPath, server)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}
