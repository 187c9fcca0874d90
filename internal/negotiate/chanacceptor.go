package negotiate

import "context"

// ChanAcceptor is an in-process Acceptor fed by Offer, playing the same
// role for the accept loop that ipc.Loopback plays for the transport:
// identical protocol, no kernel objects. The integration suite and this
// package's tests drive the Manager through it.
type ChanAcceptor struct {
	ch chan offered
}

type offered struct {
	req HandshakeRequest
	t   Transport
}

// NewChanAcceptor creates an empty ChanAcceptor.
func NewChanAcceptor() *ChanAcceptor {
	return &ChanAcceptor{ch: make(chan offered)}
}

// Offer hands a pre-built handshake and transport to the next Accept
// call, blocking until the accept loop picks it up or ctx is canceled.
func (a *ChanAcceptor) Offer(ctx context.Context, req HandshakeRequest, t Transport) error {
	select {
	case a.ch <- offered{req: req, t: t}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Accept implements Acceptor.
func (a *ChanAcceptor) Accept(ctx context.Context) (HandshakeRequest, Transport, error) {
	select {
	case o := <-a.ch:
		return o.req, o.t, nil
	case <-ctx.Done():
		return HandshakeRequest{}, nil, ctx.Err()
	}
}
