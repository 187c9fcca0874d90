// Command xroverlay-layer is the intercept layer itself, built with
// -buildmode=c-shared. The OpenXR loader maps the resulting DLL into both
// the main and the overlay process (discovered through the standard
// API-layer JSON manifest) and calls the exported negotiation entry point
// in export.go; everything behind that boundary is ordinary Go.
//
// Which role a process plays is decided by XROVERLAY_ROLE: "main" (the
// default) starts the accept loop plus the diagnostics and metrics
// servers, "overlay" starts nothing and connects lazily on the first
// intercepted call.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/dcrane/xroverlay/internal/config"
	"github.com/dcrane/xroverlay/internal/diag"
	"github.com/dcrane/xroverlay/internal/dispatch"
	xrmetrics "github.com/dcrane/xroverlay/internal/metrics"
	"github.com/dcrane/xroverlay/internal/negotiate"
	appversion "github.com/dcrane/xroverlay/internal/version"
)

type services struct {
	cfg    *config.Config
	logger *slog.Logger
	mgr    *negotiate.Manager
	cancel context.CancelFunc
	group  *errgroup.Group
}

var (
	initOnce sync.Once
	svc      *services
)

// ensureServices starts the layer's long-lived machinery exactly once per
// process, on the first negotiated call. A c-shared library has no main
// goroutine of its own; this is its initialization point.
func ensureServices() *services {
	initOnce.Do(func() {
		svc = startServices()
	})

	return svc
}

func startServices() *services {
	cfg, err := config.Load(os.Getenv("XROVERLAY_CONFIG"))
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)

		cfg = config.DefaultConfig()
	}

	logger := newLogger(cfg.Log)

	logger.Info("xroverlay layer starting",
		slog.String("version", appversion.Version),
		slog.String("role", role()),
	)

	s := &services{cfg: cfg, logger: logger}

	if role() == "main" {
		s.startMainServices()
	}

	return s
}

func role() string {
	if r := os.Getenv("XROVERLAY_ROLE"); r != "" {
		return r
	}

	return "main"
}

// startMainServices runs the main-process side: Prometheus registry, the
// negotiation manager's accept loop on the platform acceptor, and the
// diagnostics plus metrics HTTP servers, all tied to one errgroup.
func (s *services) startMainServices() {
	reg := prometheus.NewRegistry()
	collector := xrmetrics.NewCollector(reg)

	s.mgr = negotiate.NewManager(dispatch.NewTable(), collector, negotiate.Config{
		BinaryVersion:  s.cfg.Negotiate.BinaryVersion,
		ReservedLayers: s.cfg.Composition.ReservedLayers,
	}, runtimeFactory(s.logger), s.logger)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	g, gCtx := errgroup.WithContext(ctx)
	s.group = g

	g.Go(func() error {
		return runAcceptLoop(gCtx, s.mgr, s.cfg, s.logger)
	})

	diagSrv := diag.NewServer(s.cfg.Diag.Addr, s.mgr, s.logger)

	metricsMux := http.NewServeMux()
	metricsMux.Handle(s.cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{
		Addr:    s.cfg.Metrics.Addr,
		Handler: h2c.NewHandler(metricsMux, &http2.Server{}),
	}

	for _, srv := range []*http.Server{diagSrv, metricsSrv} {
		g.Go(func() error {
			err := srv.ListenAndServe()
			if err != nil && err != http.ErrServerClosed {
				return err
			}

			return nil
		})

		g.Go(func() error {
			<-gCtx.Done()
			return srv.Close()
		})
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := config.ParseLogLevel(cfg.Level)

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	return slog.New(handler)
}

// main never runs in a c-shared build; the exported entry points in
// export.go are the real surface.
func main() {}
