package transit

import (
	"context"
	"net"
	"time"
)

// dialContender dials a single parsed hint and, on success, starts that
// socket's negotiation. The relay flag decides whether the relay preamble
// is written before the three-phase handshake begins.
func dialContender(ctx context.Context, t *Transit, key []byte, hint parsedHint, relay bool) (*Connection, error) {
	var d net.Dialer
	sock, err := d.DialContext(ctx, "tcp", hint.addr())
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}
		return nil, wrapErr(KindBadHandshake, "dial failed", err)
	}

	var preamble []byte
	if relay {
		preamble = relayHandshake(key)
	}

	c := newConnection(t, t.role, key, preamble, sock, t.clock)
	go c.runReadLoop(ctx)
	c.startNegotiation(describeHint(hint, relay))

	return c.negotiate(ctx)
}

// describeHint renders the stable textual description Description()
// reports once a Connection wins the race.
func describeHint(hint parsedHint, relay bool) string {
	suffix := "direct"
	if relay {
		suffix = "via relay"
	}
	return net.JoinHostPort(hint.host, hint.port) + " (" + suffix + ")"
}

// directDialContender builds the immediate-fire contender for a direct
// peer hint.
func directDialContender(t *Transit, key []byte, hint parsedHint) contender {
	return func(ctx context.Context) (*Connection, error) {
		return dialContender(ctx, t, key, hint, false)
	}
}

// relayDialContender builds a relay contender delayed from the moment
// direct dials began, giving them a head start before a relay hop is
// attempted. The delay itself is cancellable and driven by the injected
// clock so tests never need to sleep.
func relayDialContender(t *Transit, key []byte, hint parsedHint, delay time.Duration) contender {
	return func(ctx context.Context) (*Connection, error) {
		if delay > 0 {
			timer := t.clock.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C():
			case <-ctx.Done():
				return nil, ErrCancelled
			}
		}
		return dialContender(ctx, t, key, hint, true)
	}
}
