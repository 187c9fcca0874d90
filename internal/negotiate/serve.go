package negotiate

import (
	"context"
	"fmt"

	"github.com/dcrane/xroverlay/internal/chain"
	"github.com/dcrane/xroverlay/internal/dispatch"
	"github.com/dcrane/xroverlay/internal/ipc"
	xrmetrics "github.com/dcrane/xroverlay/internal/metrics"
)

// Transport is the per-connection IPC surface the worker serves on; it is
// ipc.Transport by another name so callers of this package don't need to
// import internal/ipc just to hand a connection over.
type Transport = ipc.Transport

// Serve runs one connection's read-dispatch-reply loop until the
// transport reports peer death or ctx is canceled: absolutize the
// incoming region, decode the request, route it through the dispatch
// table, lay the response down, relativize, and signal. Dispatch-level
// errors travel back in the header's result field; only a transport or
// marshal failure terminates the loop.
func Serve(ctx context.Context, t Transport, table *dispatch.Table, conn *dispatch.Conn, metrics *xrmetrics.Collector) error {
	return ipc.Serve(ctx, t, func(region []byte) error {
		if err := chain.Absolutize(region); err != nil {
			return fmt.Errorf("negotiate: absolutize request: %w", err)
		}

		req, err := DecodeRequest(region)
		if err != nil {
			return fmt.Errorf("negotiate: decode request: %w", err)
		}

		resp, derr := table.Dispatch(conn, req)

		if metrics != nil {
			metrics.IncRequest(req.Kind.String())
			if derr != nil {
				metrics.IncRequestError(req.Kind.String())
			}
		}

		if err := EncodeResponse(region, uint64(req.Kind), resp, ResultFromError(derr)); err != nil {
			return fmt.Errorf("negotiate: encode response: %w", err)
		}

		if err := chain.Relativize(region); err != nil {
			return fmt.Errorf("negotiate: relativize response: %w", err)
		}

		return nil
	})
}
