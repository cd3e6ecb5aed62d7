// Package transit implements a peer-to-peer authenticated, encrypted,
// record-oriented bulk data channel between two parties that already
// share a short symmetric transit key delivered by an external
// rendezvous layer. It races direct and relayed TCP connection attempts,
// negotiates a three-phase handshake on each, and settles on exactly one
// winner before switching to encrypted record framing.
package transit

import (
	"context"
	"sync"
	"time"
)

// Timing constants fixed by the wire protocol.
const (
	RelayDelay     = 2 * time.Second
	overallTimeout = 2 * inactivityTimeout // 30s
)

// AddrLister enumerates this host's locally reachable addresses for use
// as direct hints. Real callers inject interface enumeration.
type AddrLister func() ([]string, error)

// Recorder observes Transit lifecycle events. internal/ledger implements
// it to persist sessions without this package importing anything about
// storage; a nil Recorder is a valid no-op.
type Recorder interface {
	NegotiationStarted(role Role)
	ConnectionWon(role Role, description string)
	ConnectionFailed(role Role, err error)
	RecordsExchanged(role Role, sent, recv int64)
}

// Transit is the sender- or receiver-side core. One instance corresponds
// to one peer-to-peer channel attempt.
type Transit struct {
	role         Role
	transitRelay string
	clock        Clock
	addrLister   AddrLister
	recorder     Recorder

	key *transitKey
	nat *natEnricher

	mu          sync.Mutex
	theirDirect *hintSet
	theirRelay  *hintSet
	listener    *inboundListener

	winner *Connection
}

// SetSTUNServers enables best-effort STUN-assisted public hint discovery
// (see nat.go). Passing an empty slice disables it.
func (t *Transit) SetSTUNServers(servers []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(servers) == 0 {
		t.nat = nil
		return
	}
	t.nat = newNATEnricher(servers)
}

// NewSender constructs a sender-role Transit. transitRelay is the local
// fallback relay hint, empty if none. clock is the injected time source;
// pass RealClock{} in production.
func NewSender(transitRelay string, clock Clock, addrLister AddrLister, recorder Recorder) *Transit {
	return newTransit(RoleSender, transitRelay, clock, addrLister, recorder)
}

// NewReceiver constructs a receiver-role Transit.
func NewReceiver(transitRelay string, clock Clock, addrLister AddrLister, recorder Recorder) *Transit {
	return newTransit(RoleReceiver, transitRelay, clock, addrLister, recorder)
}

func newTransit(role Role, transitRelay string, clock Clock, addrLister AddrLister, recorder Recorder) *Transit {
	if clock == nil {
		clock = RealClock{}
	}
	if addrLister == nil {
		addrLister = defaultAddrLister
	}
	return &Transit{
		role:         role,
		transitRelay: transitRelay,
		clock:        clock,
		addrLister:   addrLister,
		recorder:     recorder,
		key:          &transitKey{},
		theirDirect:  newHintSet(),
		theirRelay:   newHintSet(),
	}
}

// SetTransitKey sets the shared secret exactly once. Calling it twice is
// a programming error and panics rather than silently succeeding.
func (t *Transit) SetTransitKey(key []byte) {
	t.key.set(key)
}

// GetDirectHints starts the inbound listener if it hasn't been started
// yet and returns this host's direct hints. Safe to call before
// SetTransitKey: the listener itself awaits the key lazily, per accepted
// socket.
func (t *Transit) GetDirectHints() ([]string, error) {
	l, err := t.ensureListener()
	if err != nil {
		return nil, err
	}
	return l.hints(), nil
}

func (t *Transit) ensureListener() (*inboundListener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		l, err := newInboundListener(t)
		if err != nil {
			return nil, err
		}
		t.listener = l
	}
	return t.listener, nil
}

// GetRelayHints returns this instance's own fallback relay hint, if any.
func (t *Transit) GetRelayHints() []string {
	if t.transitRelay == "" {
		return nil
	}
	return []string{t.transitRelay}
}

// AddTheirDirectHints merges peer-advertised direct hints.
func (t *Transit) AddTheirDirectHints(hints []string) {
	t.mu.Lock()
	t.theirDirect.add(hints)
	t.mu.Unlock()
}

// AddTheirRelayHints merges peer-advertised relay hints.
func (t *Transit) AddTheirRelayHints(hints []string) {
	t.mu.Lock()
	t.theirRelay.add(hints)
	t.mu.Unlock()
}

// Connect races the listener against every viable direct and relay
// contender and returns the single winning Connection.
func (t *Transit) Connect(ctx context.Context) (*Connection, error) {
	key, err := t.key.get(ctx)
	if err != nil {
		return nil, ErrCancelled
	}

	l, err := t.ensureListener()
	if err != nil {
		return nil, wrapErr(KindBadHandshake, "listen failed", err)
	}

	t.mu.Lock()
	directHints := t.theirDirect.list()
	relayHints := t.theirRelay.list()
	t.mu.Unlock()

	var contenders []contender
	contenders = append(contenders, func(ctx context.Context) (*Connection, error) {
		return l.awaitResult(ctx)
	})

	nDirect := 0
	for _, h := range directHints {
		p, ok := parseHint(h)
		if !ok {
			continue
		}
		nDirect++
		contenders = append(contenders, directDialContender(t, key, p))
	}

	delay := time.Duration(0)
	if nDirect > 0 {
		delay = RelayDelay
	}
	for _, h := range relayHints {
		p, ok := parseHint(h)
		if !ok {
			continue
		}
		contenders = append(contenders, relayDialContender(t, key, p, delay))
	}

	if t.recorder != nil {
		t.recorder.NegotiationStarted(t.role)
	}

	overallCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	deadline := t.clock.NewTimer(overallTimeout)
	defer deadline.Stop()
	go func() {
		select {
		case <-deadline.C():
			cancel()
		case <-overallCtx.Done():
		}
	}()

	winner, err := raceConnections(overallCtx, contenders)
	if err != nil {
		if t.recorder != nil {
			t.recorder.ConnectionFailed(t.role, err)
		}
		return nil, err
	}

	t.mu.Lock()
	t.winner = winner
	t.mu.Unlock()

	if t.recorder != nil {
		t.recorder.ConnectionWon(t.role, winner.Description())
	}
	return winner, nil
}

// connectionReady implements winner arbitration: receivers always defer
// to the sender's decision; the sender decides at the instant its peer's
// handshake bytes validate, first writer wins.
func (t *Transit) connectionReady(c *Connection, description string) connState {
	if t.role == RoleReceiver {
		return stateWaitForDecision
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.winner != nil {
		return stateNevermind
	}
	t.winner = c
	return stateGo
}

// Describe returns the winning Connection's description, or the
// "not yet established" sentinel before one exists.
func (t *Transit) Describe() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.winner == nil {
		return "not yet established"
	}
	return t.winner.Description()
}

// Close tears down the listener and any recorded winner.
func (t *Transit) Close() {
	t.mu.Lock()
	l := t.listener
	w := t.winner
	t.mu.Unlock()
	if l != nil {
		l.Cancel()
	}
	if w != nil {
		w.Close()
	}
}
