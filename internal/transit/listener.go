package transit

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
)

// inboundListener is the passive side of the race: it accepts any number
// of sockets but surfaces at most one winning negotiation.
type inboundListener struct {
	t      *Transit
	ln     net.Listener
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[*Connection]struct{}
	done    bool

	resultOnce sync.Once
	resultCh   chan struct{}
	result     negotiationResult
}

func newInboundListener(t *Transit) (*inboundListener, error) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &inboundListener{
		t:        t,
		ln:       ln,
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[*Connection]struct{}),
		resultCh: make(chan struct{}),
	}
	go l.acceptLoop()
	return l, nil
}

// port is the ephemeral TCP port the listener bound to.
func (l *inboundListener) port() int {
	return l.ln.Addr().(*net.TCPAddr).Port
}

func (l *inboundListener) hints() []string {
	addrs, err := l.t.addrLister()
	if err != nil || len(addrs) == 0 {
		addrs = []string{"127.0.0.1"}
	}
	port := l.port()
	hints := make([]string, 0, len(addrs)+1)
	for _, ip := range addrs {
		hints = append(hints, makeHint(ip, port))
	}

	l.t.mu.Lock()
	nat := l.t.nat
	l.t.mu.Unlock()
	if nat != nil {
		if hint, ok := nat.publicHint(port); ok {
			hints = append(hints, hint)
		}
	}
	return hints
}

func (l *inboundListener) acceptLoop() {
	for {
		sock, err := l.ln.Accept()
		if err != nil {
			return
		}
		go l.handleAccepted(sock)
	}
}

func (l *inboundListener) handleAccepted(sock net.Conn) {
	key, err := l.t.key.get(l.ctx)
	if err != nil {
		sock.Close()
		return
	}

	l.mu.Lock()
	if l.done {
		l.mu.Unlock()
		sock.Close()
		return
	}
	c := newConnection(l.t, l.t.role, key, nil, sock, l.t.clock)
	l.pending[c] = struct{}{}
	l.mu.Unlock()

	desc := sock.RemoteAddr().String() + " (direct)"
	c.startNegotiation(desc)
	go c.runReadLoop(l.ctx)
	go func() {
		conn, err := c.negotiate(l.ctx)
		l.onSettled(c, conn, err)
	}()
}

func (l *inboundListener) onSettled(c *Connection, conn *Connection, err error) {
	l.mu.Lock()
	if _, ok := l.pending[c]; !ok {
		l.mu.Unlock()
		return
	}
	delete(l.pending, c)

	if err == nil {
		others := make([]*Connection, 0, len(l.pending))
		for other := range l.pending {
			others = append(others, other)
		}
		l.pending = nil
		l.done = true
		l.mu.Unlock()

		for _, other := range others {
			other.Cancel()
		}
		l.settle(negotiationResult{conn: conn})
		return
	}
	l.mu.Unlock()

	if !isExpectedNegotiationFailure(err) {
		slog.Default().Error("transit: unexpected inbound connection failure", "err", err)
	}
}

func (l *inboundListener) settle(r negotiationResult) {
	l.resultOnce.Do(func() {
		l.result = r
		close(l.resultCh)
	})
}

// awaitResult blocks until a winner is accepted, the listener is
// cancelled, or ctx is done.
func (l *inboundListener) awaitResult(ctx context.Context) (*Connection, error) {
	select {
	case <-l.resultCh:
		return l.result.conn, l.result.err
	case <-ctx.Done():
		l.Cancel()
		<-l.resultCh
		return l.result.conn, l.result.err
	}
}

// Cancel stops accepting, cancels every pending negotiation, and closes
// the bound port exactly once.
func (l *inboundListener) Cancel() {
	l.mu.Lock()
	if l.done {
		l.mu.Unlock()
		l.cancel()
		l.ln.Close()
		l.settle(negotiationResult{err: ErrCancelled})
		return
	}
	l.done = true
	pending := make([]*Connection, 0, len(l.pending))
	for c := range l.pending {
		pending = append(pending, c)
	}
	l.pending = nil
	l.mu.Unlock()

	l.cancel()
	l.ln.Close()
	for _, c := range pending {
		c.Cancel()
	}
	l.settle(negotiationResult{err: ErrCancelled})
}

func isExpectedNegotiationFailure(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == KindBadHandshake || te.Kind == KindCancelled
	}
	return errors.Is(err, context.Canceled)
}
