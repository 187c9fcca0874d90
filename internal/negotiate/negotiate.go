// Package negotiate implements the first-contact handshake and
// per-connection worker lifecycle: a process-wide named shared region
// provides first contact between the overlay and main processes, the
// main side accepts and version-checks an incoming connection, and a
// dedicated per-connection worker runs the read-dispatch-reply loop
// until connection loss, at which point every held keyed-mutex is
// force-released and the connection's state is torn down.
//
// One goroutine accepts new connections, one goroutine per connection
// runs its own blocking loop, and an errgroup ties their lifetimes to a
// single cancelable context. The worker goroutine blocks in the platform
// IPC wait the same way a dedicated thread would.
package negotiate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dcrane/xroverlay/internal/dispatch"
	"github.com/dcrane/xroverlay/internal/eventqueue"
	"github.com/dcrane/xroverlay/internal/gpu"
	xrmetrics "github.com/dcrane/xroverlay/internal/metrics"
	"github.com/dcrane/xroverlay/internal/session"
)

// HandshakeRequest is what an overlay process submits at first contact,
// decoded from the negotiation region.
type HandshakeRequest struct {
	OverlayPID    uint32
	BinaryVersion uint32
}

// Acceptor is the source of new handshake requests plus the freshly
// created per-connection Transport, abstracting over the process-wide
// negotiation shared region and mutex so this package's accept loop can
// be driven by the real Windows implementation or (in tests) an
// in-process fake.
type Acceptor interface {
	// Accept blocks until a new overlay handshake arrives or ctx is
	// canceled, returning the request and the per-connection Transport
	// (already constructed with the connection's own shared region and
	// semaphore pair).
	Accept(ctx context.Context) (HandshakeRequest, Transport, error)
}

// RuntimeCallerFactory builds the dispatch.RuntimeCaller a new connection
// should use for passthrough requests, and the gpu.Device it should use
// for its swapchain bridges. Supplied by cmd/xroverlay-layer, which is
// the only place that can construct a real handle to the immersive
// runtime and to D3D11; kept out of this package so internal/negotiate
// stays buildable and testable without either.
type RuntimeCallerFactory func(pid uint32) (dispatch.RuntimeCaller, gpu.Device)

// Config holds the negotiation worker's tunables, mirrored from
// config.NegotiateConfig/config.CompositionConfig so callers don't have
// to import internal/config into this package.
type Config struct {
	// BinaryVersion is the layer's own wire/ABI version; a handshake
	// requesting a different value is rejected at handshake.
	BinaryVersion uint32

	// ReservedLayers is the composition injector's reserved overlay layer
	// budget, passed straight through to each connection's dispatch.Conn.
	ReservedLayers int

	// Placement is the configured z-placement of overlay-submitted
	// layers relative to the main's own layers.
	Placement int32
}

// connState is the bookkeeping the Manager keeps per live connection: its
// dispatch state, the swapchain bridges it owns (for teardown's forced
// keyed-mutex release), and the cancel func that stops its worker.
type connState struct {
	conn   *dispatch.Conn
	cancel context.CancelFunc
	pid    uint32
}

// Manager runs the negotiation accept loop and owns every live
// connection's worker goroutine. It is the main-process-side singleton:
// the single-overlay-per-main design means at most one connection is
// ever active, but the bookkeeping here is keyed by overlay PID so a
// just-torn-down connection's slot is immediately reusable by a new
// handshake.
type Manager struct {
	mu    sync.Mutex
	conns map[uint32]*connState

	table   *dispatch.Table
	metrics *xrmetrics.Collector
	cfg     Config
	logger  *slog.Logger

	runtimeFactory RuntimeCallerFactory
}

// NewManager creates a Manager wired to table for dispatch and metrics
// for Prometheus observability. runtimeFactory may be nil, in which case
// every connection's passthrough requests fail with ErrUnsupported (the
// behavior internal/dispatch already falls back to for a nil
// RuntimeCall) -- useful for tests and for the loopback-only integration
// suite.
func NewManager(table *dispatch.Table, metrics *xrmetrics.Collector, cfg Config, runtimeFactory RuntimeCallerFactory, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		conns:          make(map[uint32]*connState),
		table:          table,
		metrics:        metrics,
		cfg:            cfg,
		runtimeFactory: runtimeFactory,
		logger:         logger.With(slog.String("component", "negotiate.manager")),
	}
}

// Run accepts connections from acceptor until ctx is canceled, spawning
// one worker goroutine per accepted connection under an errgroup that
// ties their lifetimes to ctx. Workers never return an error to the group
// (see serve), so a single connection's failure does not reach Run's
// return.
func (m *Manager) Run(ctx context.Context, acceptor Acceptor) error {
	g, gCtx := errgroup.WithContext(ctx)

	for {
		req, transport, err := acceptor.Accept(gCtx)
		if err != nil {
			if errors.Is(err, context.Canceled) || gCtx.Err() != nil {
				break
			}

			m.logger.Warn("accept failed", slog.String("error", err.Error()))
			continue
		}

		if req.BinaryVersion != m.cfg.BinaryVersion {
			m.logger.Warn("rejecting handshake: version mismatch",
				slog.Uint64("requested", uint64(req.BinaryVersion)),
				slog.Uint64("expected", uint64(m.cfg.BinaryVersion)),
			)
			_ = transport.Close()

			continue
		}

		pid := req.OverlayPID
		connCtx, cancel := context.WithCancel(gCtx)

		cs, err := m.register(pid, connCtx, cancel)
		if err != nil {
			m.logger.Warn("rejecting handshake: connection slot busy",
				slog.Uint64("pid", uint64(pid)),
			)
			cancel()
			_ = transport.Close()

			continue
		}

		m.logger.Info("overlay connected", slog.Uint64("pid", uint64(pid)))
		if m.metrics != nil {
			m.metrics.RegisterConnection()
		}

		g.Go(func() error {
			m.serve(connCtx, cs, transport)
			return nil
		})
	}

	err := g.Wait()
	if err != nil && errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// register allocates a connState for pid, returning an error if an
// existing (not yet torn down) connection already occupies the slot: the
// prior connection's teardown must complete before a same-PID reconnect
// succeeds.
func (m *Manager) register(pid uint32, ctx context.Context, cancel context.CancelFunc) (*connState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conns[pid]; exists {
		return nil, fmt.Errorf("pid %d: %w", pid, ErrAlreadyConnected)
	}

	var runtimeCall dispatch.RuntimeCaller
	var device gpu.Device

	if m.runtimeFactory != nil {
		runtimeCall, device = m.runtimeFactory(pid)
	}

	conn := dispatch.NewConn(0, m.cfg.Placement, m.cfg.ReservedLayers, m.logger)
	conn.RuntimeCall = runtimeCall
	conn.Device = device
	conn.Metrics = m.metrics
	conn.ID = fmt.Sprintf("%d", pid)

	cs := &connState{conn: conn, cancel: cancel, pid: pid}
	m.conns[pid] = cs

	_ = ctx

	return cs, nil
}

// serve runs one connection's read-dispatch-reply loop until the
// transport reports connection loss (peer death or context
// cancellation), then tears the connection down. It never returns an
// error to its errgroup caller: a single connection's failure must not
// abort every other connection's worker or the accept loop itself.
func (m *Manager) serve(ctx context.Context, cs *connState, transport Transport) {
	defer m.teardown(cs, transport)

	err := Serve(ctx, transport, m.table, cs.conn, m.metrics)
	if err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Info("connection worker exiting",
			slog.Uint64("pid", uint64(cs.pid)),
			slog.String("reason", err.Error()),
		)
	}
}

// teardown implements the connection-loss sequence: mark the
// connection lost (so any racing call observes SessionLost rather than
// partially-torn-down state), force-release every keyed mutex the
// texture bridge still holds on the overlay's behalf, clear the
// composition store's deferred-destroy set, close the transport, and
// free the connection's slot for reuse.
func (m *Manager) teardown(cs *connState, transport Transport) {
	cs.conn.MarkLost()
	cs.conn.Teardown()

	_ = transport.Close()
	cs.cancel()

	m.mu.Lock()
	delete(m.conns, cs.pid)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.UnregisterConnection()
	}

	m.logger.Info("overlay connection torn down", slog.Uint64("pid", uint64(cs.pid)))
}

// ObserveMainEvent fans one main-process PollEvent observation out to
// every live connection's classifier; the main-side
// intercept shims call this after every real PollEvent that succeeds.
func (m *Manager) ObserveMainEvent(ev eventqueue.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, cs := range m.conns {
		cs.conn.ObserveMainEvent(ev)
	}
}

// MarkMainWaitedFrame fans one completed main wait-frame out to every
// live connection, updating the has-ever-waited-frame latch and the
// cached frame state overlay wait-frame calls read.
func (m *Manager) MarkMainWaitedFrame(fs session.FrameState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, cs := range m.conns {
		cs.conn.MarkMainWaitedFrame(fs)
	}
}

// InjectLayers composes every live connection's registered overlay layers
// into the main's end-frame layer array, in connection order, and runs
// each connection's deferred-destroy sweep. The main-side end-frame shim
// calls this immediately before forwarding to the real runtime.
func (m *Manager) InjectLayers(mainLayers [][]byte) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := mainLayers
	for _, cs := range m.conns {
		out = cs.conn.InjectLayers(out)
	}

	return out
}

// Snapshot is a read-only view of one connection's state, for the
// diagnostics HTTP API (internal/diag).
type Snapshot struct {
	PID             uint32
	OverlayState    session.OverlayState
	SwapchainCount  int
	EventQueueDepth int
	HandleCount     int
}

// Snapshots returns a Snapshot for every currently active connection, for
// GET /v1/connections.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Snapshot, 0, len(m.conns))
	for pid, cs := range m.conns {
		out = append(out, snapshotOf(pid, cs.conn))
	}

	return out
}

// Snapshot returns the Snapshot for a single connection by PID, and
// whether it was found, for GET /v1/connections/{pid}.
func (m *Manager) Snapshot(pid uint32) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cs, ok := m.conns[pid]
	if !ok {
		return Snapshot{}, false
	}

	return snapshotOf(pid, cs.conn), true
}

func snapshotOf(pid uint32, conn *dispatch.Conn) Snapshot {
	swapchains, queued, handles := conn.Stats()

	return Snapshot{
		PID:             pid,
		OverlayState:    conn.Overlay.State(),
		SwapchainCount:  swapchains,
		EventQueueDepth: queued,
		HandleCount:     handles,
	}
}

// Disconnect forcibly tears down the connection for pid, for POST
// /v1/connections/{pid}/disconnect. It returns false if no such
// connection is active.
func (m *Manager) Disconnect(pid uint32) bool {
	m.mu.Lock()
	cs, ok := m.conns[pid]
	m.mu.Unlock()

	if !ok {
		return false
	}

	cs.cancel()

	return true
}

// ErrAlreadyConnected is returned by register (wrapped with context) when
// a handshake arrives for a PID that already has a live connection.
var ErrAlreadyConnected = errors.New("negotiate: connection already active")
