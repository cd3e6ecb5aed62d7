package transit

import "context"

// contender is one future participating in the race: given a context it
// runs to completion, succeeding with a winning Connection or failing
// with an error. Losing contenders observe ctx cancellation and must
// themselves react to it (a dial aborts, a Connection cancels).
type contender func(context.Context) (*Connection, error)

// raceResult is one contender's outcome from the "there can be only one"
// race.
type raceResult struct {
	conn *Connection
	err  error
}

// raceConnections runs every contender concurrently and returns the first
// success, cancelling every other contender the moment a winner is found.
// If every contender fails, the first-recorded failure (by arrival order)
// is returned. Cancelling ctx cancels every contender and yields
// ErrCancelled once all of them unwind.
func raceConnections(ctx context.Context, contenders []contender) (*Connection, error) {
	if len(contenders) == 0 {
		return nil, newErr(KindUsageError, "no contenders to race")
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan raceResult, len(contenders))
	for _, c := range contenders {
		c := c
		go func() {
			conn, err := c(raceCtx)
			results <- raceResult{conn: conn, err: err}
		}()
	}

	var firstErr error
	for i := 0; i < len(contenders); i++ {
		r := <-results
		if r.err == nil {
			cancel() // losers observe raceCtx.Done() and unwind via their own cancellation path
			return r.conn, nil
		}
		if firstErr == nil {
			firstErr = r.err
		}
	}
	if ctx.Err() != nil {
		return nil, ErrCancelled
	}
	return nil, firstErr
}
