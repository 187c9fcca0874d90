// Package diag exposes the operator surface over the
// negotiation manager's connection table: list connections, inspect one,
// force-disconnect one. It is JSON over plain HTTP with h2c; the
// cross-process mediation protocol itself never travels over this
// surface.
package diag

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/dcrane/xroverlay/internal/negotiate"
	version "github.com/dcrane/xroverlay/internal/version"
)

// ConnectionSource is the slice of the negotiation manager this package
// reads: snapshots of live connections plus the forced-teardown hook.
type ConnectionSource interface {
	Snapshots() []negotiate.Snapshot
	Snapshot(pid uint32) (negotiate.Snapshot, bool)
	Disconnect(pid uint32) bool
}

type connectionJSON struct {
	PID             uint32 `json:"pid"`
	SessionState    string `json:"session_state"`
	Swapchains      int    `json:"swapchains"`
	EventQueueDepth int    `json:"event_queue_depth"`
	Handles         int    `json:"handles"`
}

func toJSON(s negotiate.Snapshot) connectionJSON {
	return connectionJSON{
		PID:             s.PID,
		SessionState:    s.OverlayState.String(),
		Swapchains:      s.SwapchainCount,
		EventQueueDepth: s.EventQueueDepth,
		Handles:         s.HandleCount,
	}
}

// Handler builds the diagnostics API's routing table.
func Handler(src ConnectionSource, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/connections", func(w http.ResponseWriter, r *http.Request) {
		snaps := src.Snapshots()

		out := make([]connectionJSON, 0, len(snaps))
		for _, s := range snaps {
			out = append(out, toJSON(s))
		}

		writeJSON(w, http.StatusOK, out, logger)
	})

	mux.HandleFunc("GET /v1/connections/{pid}", func(w http.ResponseWriter, r *http.Request) {
		pid, err := parsePID(r.PathValue("pid"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		snap, ok := src.Snapshot(pid)
		if !ok {
			http.Error(w, "no such connection", http.StatusNotFound)
			return
		}

		writeJSON(w, http.StatusOK, toJSON(snap), logger)
	})

	mux.HandleFunc("POST /v1/connections/{pid}/disconnect", func(w http.ResponseWriter, r *http.Request) {
		pid, err := parsePID(r.PathValue("pid"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if !src.Disconnect(pid) {
			http.Error(w, "no such connection", http.StatusNotFound)
			return
		}

		logger.Info("operator disconnect", slog.Uint64("pid", uint64(pid)))
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("GET /v1/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": version.Version}, logger)
	})

	return mux
}

// NewServer wraps Handler in an h2c-enabled http.Server listening on
// addr.
func NewServer(addr string, src ConnectionSource, logger *slog.Logger) *http.Server {
	return &http.Server{
		Addr:    addr,
		Handler: h2c.NewHandler(Handler(src, logger), &http2.Server{}),
	}
}

func parsePID(s string) (uint32, error) {
	pid, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("diag: bad pid %q", s)
	}

	return uint32(pid), nil
}

func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("diag: encode response", slog.String("error", err.Error()))
	}
}
