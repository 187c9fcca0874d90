// xroverlay-sidecar exports layer health as Prometheus metrics from
// outside the main application's process.
//
// The layer's own metrics endpoint lives inside the main application and
// dies with it; the sidecar polls the layer's diagnostics API and keeps a
// last-known-good view exported over its own HTTP endpoint, so a scrape
// target survives main-application restarts. One gauge per connection
// dimension plus an up/down gauge for the layer itself.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	appversion "github.com/dcrane/xroverlay/internal/version"
)

const shutdownTimeout = 5 * time.Second

func main() {
	os.Exit(run())
}

// sidecarConfig is the optional YAML config file's shape; flags win over
// file values when both are given.
type sidecarConfig struct {
	LayerAddr    string        `yaml:"layer_addr"`
	Listen       string        `yaml:"listen"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

func loadConfig(path string) (*sidecarConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &sidecarConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

func parseFlags() (layerAddr, listenAddr string, interval time.Duration) {
	layer := flag.String("layer-addr", envOrDefault("XROVERLAY_DIAG_ADDR", "localhost:7890"),
		"layer diagnostics address (host:port)")
	listen := flag.String("listen", ":9101", "metrics listen address")
	poll := flag.Duration("poll-interval", 5*time.Second, "diagnostics poll interval")
	configPath := flag.String("config", "", "path to YAML config file")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(appversion.Full("xroverlay-sidecar"))
		os.Exit(0)
	}

	layerAddr, listenAddr, interval = *layer, *listen, *poll

	if *configPath != "" {
		cfg, err := loadConfig(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}

		if cfg.LayerAddr != "" {
			layerAddr = cfg.LayerAddr
		}
		if cfg.Listen != "" {
			listenAddr = cfg.Listen
		}
		if cfg.PollInterval > 0 {
			interval = cfg.PollInterval
		}
	}

	return layerAddr, listenAddr, interval
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return fallback
}

// connectionInfo mirrors the diagnostics API's connection JSON.
type connectionInfo struct {
	PID             uint32 `json:"pid"`
	SessionState    string `json:"session_state"`
	Swapchains      int    `json:"swapchains"`
	EventQueueDepth int    `json:"event_queue_depth"`
	Handles         int    `json:"handles"`
}

// gauges bundles the sidecar's exported metrics.
type gauges struct {
	layerUp     prometheus.Gauge
	connections prometheus.Gauge
	swapchains  *prometheus.GaugeVec
	queueDepth  *prometheus.GaugeVec
	handles     *prometheus.GaugeVec
}

func newGauges(reg prometheus.Registerer) *gauges {
	f := promauto.With(reg)

	return &gauges{
		layerUp: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "xroverlay", Subsystem: "sidecar", Name: "layer_up",
			Help: "Whether the layer's diagnostics endpoint answered the last poll.",
		}),
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "xroverlay", Subsystem: "sidecar", Name: "connections",
			Help: "Active overlay connections at the last poll.",
		}),
		swapchains: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "xroverlay", Subsystem: "sidecar", Name: "connection_swapchains",
			Help: "Swapchains owned by one overlay connection.",
		}, []string{"pid"}),
		queueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "xroverlay", Subsystem: "sidecar", Name: "connection_event_queue_depth",
			Help: "Queued events pending delivery to one overlay connection.",
		}, []string{"pid"}),
		handles: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "xroverlay", Subsystem: "sidecar", Name: "connection_handles",
			Help: "Live handle registry entries for one overlay connection.",
		}, []string{"pid"}),
	}
}

func run() int {
	layerAddr, listenAddr, interval := parseFlags()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	logger.Info("xroverlay-sidecar starting",
		slog.String("version", appversion.Version),
		slog.String("layer_addr", layerAddr),
		slog.String("listen", listenAddr),
	)

	reg := prometheus.NewRegistry()
	g := newGauges(reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	grp, gCtx := errgroup.WithContext(ctx)

	srv := &http.Server{Addr: listenAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}

	grp.Go(func() error {
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	grp.Go(func() error {
		<-gCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})

	grp.Go(func() error {
		pollLoop(gCtx, layerAddr, interval, g, logger)
		return nil
	})

	if err := grp.Wait(); err != nil {
		logger.Error("sidecar exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("xroverlay-sidecar stopped")

	return 0
}

func pollLoop(ctx context.Context, layerAddr string, interval time.Duration, g *gauges, logger *slog.Logger) {
	client := &http.Client{Timeout: interval}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		poll(ctx, client, layerAddr, g, logger)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func poll(ctx context.Context, client *http.Client, layerAddr string, g *gauges, logger *slog.Logger) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+layerAddr+"/v1/connections", nil)
	if err != nil {
		logger.Error("build poll request", slog.String("error", err.Error()))
		return
	}

	resp, err := client.Do(req)
	if err != nil {
		g.layerUp.Set(0)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		g.layerUp.Set(0)
		logger.Warn("diagnostics poll failed", slog.String("status", resp.Status))
		return
	}

	var conns []connectionInfo
	if err := json.NewDecoder(resp.Body).Decode(&conns); err != nil {
		g.layerUp.Set(0)
		logger.Warn("diagnostics decode failed", slog.String("error", err.Error()))
		return
	}

	g.layerUp.Set(1)
	g.connections.Set(float64(len(conns)))

	g.swapchains.Reset()
	g.queueDepth.Reset()
	g.handles.Reset()

	for _, c := range conns {
		pid := fmt.Sprintf("%d", c.PID)
		g.swapchains.WithLabelValues(pid).Set(float64(c.Swapchains))
		g.queueDepth.WithLabelValues(pid).Set(float64(c.EventQueueDepth))
		g.handles.WithLabelValues(pid).Set(float64(c.Handles))
	}
}
