package transit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRaceConnectionsNoContendersIsUsageError(t *testing.T) {
	_, err := raceConnections(context.Background(), nil)
	var te *Error
	if !errors.As(err, &te) || te.Kind != KindUsageError {
		t.Fatalf("expected UsageError, got %v", err)
	}
}

func TestRaceConnectionsFirstSuccessWins(t *testing.T) {
	winner := &Connection{desc: "winner"}
	cancelled := make(chan struct{}, 2)

	slow := func(ctx context.Context) (*Connection, error) {
		<-ctx.Done()
		cancelled <- struct{}{}
		return nil, ErrCancelled
	}
	fast := func(ctx context.Context) (*Connection, error) {
		return winner, nil
	}

	conn, err := raceConnections(context.Background(), []contender{slow, fast, slow})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conn != winner {
		t.Fatalf("expected the fast contender's connection to win")
	}

	// Both slow contenders must observe cancellation once a winner exists.
	for i := 0; i < 2; i++ {
		select {
		case <-cancelled:
		case <-time.After(time.Second):
			t.Fatal("losing contenders were never cancelled")
		}
	}
}

func TestRaceConnectionsAllFailReturnsAnError(t *testing.T) {
	errA := wrapErr(KindBadHandshake, "dial refused", nil)
	errB := wrapErr(KindBadHandshake, "dial timed out", nil)

	c1 := func(ctx context.Context) (*Connection, error) { return nil, errA }
	c2 := func(ctx context.Context) (*Connection, error) { return nil, errB }

	_, err := raceConnections(context.Background(), []contender{c1, c2})
	if err != errA && err != errB {
		t.Fatalf("expected one of the recorded failures, got %v", err)
	}
}

func TestRaceConnectionsOuterCancelPropagates(t *testing.T) {
	started := make(chan struct{})
	blocked := func(ctx context.Context) (*Connection, error) {
		close(started)
		<-ctx.Done()
		return nil, ErrCancelled
	}

	ctx, cancel := context.WithCancel(context.Background())
	doneCh := make(chan error, 1)
	go func() {
		_, err := raceConnections(ctx, []contender{blocked})
		doneCh <- err
	}()

	<-started
	cancel()

	select {
	case err := <-doneCh:
		if err != ErrCancelled {
			t.Fatalf("expected ErrCancelled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("raceConnections never returned after outer cancellation")
	}
}
