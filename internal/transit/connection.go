package transit

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// connState is the FSM's tagged-variant state.
type connState int

const (
	stateTooEarly connState = iota
	stateRelay
	stateStart
	stateHandshake
	stateWaitForDecision
	stateGo
	stateNevermind
	stateRecords
	stateHungUp
)

func (s connState) String() string {
	switch s {
	case stateTooEarly:
		return "TooEarly"
	case stateRelay:
		return "Relay"
	case stateStart:
		return "Start"
	case stateHandshake:
		return "Handshake"
	case stateWaitForDecision:
		return "WaitForDecision"
	case stateGo:
		return "Go"
	case stateNevermind:
		return "Nevermind"
	case stateRecords:
		return "Records"
	case stateHungUp:
		return "HungUp"
	default:
		return "Unknown"
	}
}

// inactivityTimeout is the per-connection TIMEOUT.
const inactivityTimeout = 15 * time.Second

// Sink is the push-model consumer a Connection can deliver inbound records
// to. A Connection is both a sink's source and (via SendRecord) a source
// itself.
type Sink interface {
	Push(record []byte)
	Closed(err error)
}

type recvResult struct {
	data []byte
	err  error
}

type negotiationResult struct {
	conn *Connection
	err  error
}

// Connection is the per-socket entity: it owns one TCP socket from the
// moment it's dialed/accepted through either a winning Records-state
// record channel or a failed handshake.
type Connection struct {
	role          Role
	ownHS         []byte
	peerHS        []byte
	relayPreamble []byte
	key           []byte
	transit       *Transit
	sock          net.Conn
	clock         Clock

	mu    sync.Mutex
	state connState
	buf   []byte
	desc  string
	err   error
	fr    *framer
	timer Timer

	resultOnce sync.Once
	resultCh   chan struct{}
	result     negotiationResult

	recvMu    sync.Mutex
	recvQueue [][]byte
	waiters   []chan recvResult
	consumer  Sink
	closedErr error

	closeOnce sync.Once

	bytesSent atomic.Int64
	bytesRecv atomic.Int64
}

func newConnection(t *Transit, role Role, key []byte, relayPreamble []byte, sock net.Conn, clock Clock) *Connection {
	c := &Connection{
		role:          role,
		relayPreamble: relayPreamble,
		key:           key,
		transit:       t,
		sock:          sock,
		clock:         clock,
		state:         stateTooEarly,
		resultCh:      make(chan struct{}),
	}
	if role == RoleSender {
		c.ownHS = senderHandshake(key)
		c.peerHS = receiverHandshake(key)
	} else {
		c.ownHS = receiverHandshake(key)
		c.peerHS = senderHandshake(key)
	}
	c.timer = clock.NewTimer(inactivityTimeout)
	return c
}

// matchPrefix reports whether buf is so far consistent with being a
// prefix of want, and whether it is now a *complete* match.
func matchPrefix(buf, want []byte) (complete bool, err error) {
	n := len(buf)
	if n > len(want) {
		n = len(want)
	}
	if !bytes.Equal(buf[:n], want[:n]) {
		return false, fmt.Errorf("got %q want %q", buf[:n], want)
	}
	return len(buf) >= len(want), nil
}

// startNegotiation kicks off the FSM for a freshly connected socket.
// Calling it twice, or feeding data before calling it, is a caller bug
// and panics rather than silently doing nothing.
func (c *Connection) startNegotiation(description string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateTooEarly {
		panic("transit: startNegotiation called more than once")
	}
	c.desc = description
	if len(c.relayPreamble) > 0 {
		c.writeLocked(c.relayPreamble)
		c.state = stateRelay
	} else {
		c.state = stateStart
	}
	c.advanceLocked()
}

// dataReceived feeds newly read bytes into the FSM and runs it to a
// fixpoint.
func (c *Connection) dataReceived(chunk []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateTooEarly {
		panic("transit: data received before startNegotiation")
	}
	c.buf = append(c.buf, chunk...)
	c.resetTimerLocked()
	c.advanceLocked()
}

func (c *Connection) advanceLocked() {
	for {
		switch c.state {
		case stateRelay:
			complete, err := matchPrefix(c.buf, wordOK)
			if err != nil {
				c.failLocked(wrapErr(KindBadHandshake, err.Error(), nil))
				return
			}
			if !complete {
				return
			}
			c.buf = c.buf[len(wordOK):]
			c.state = stateStart

		case stateStart:
			c.writeLocked(c.ownHS)
			c.state = stateHandshake

		case stateHandshake:
			complete, err := matchPrefix(c.buf, c.peerHS)
			if err != nil {
				c.failLocked(wrapErr(KindBadHandshake, err.Error(), nil))
				return
			}
			if !complete {
				return
			}
			c.buf = c.buf[len(c.peerHS):]
			c.state = c.transit.connectionReady(c, c.desc)

		case stateWaitForDecision:
			complete, err := matchPrefix(c.buf, wordGo)
			if err != nil {
				c.failLocked(wrapErr(KindBadHandshake, err.Error(), nil))
				return
			}
			if !complete {
				return
			}
			c.buf = c.buf[len(wordGo):]
			c.succeedLocked()

		case stateGo:
			c.writeLocked(wordGo)
			c.succeedLocked()

		case stateNevermind:
			c.writeLocked(wordNevermind)
			c.failLocked(newErr(KindBadHandshake, "abandoned"))
			return

		case stateRecords:
			if len(c.buf) == 0 {
				return
			}
			chunk := c.buf
			c.buf = nil
			records, err := c.fr.feed(chunk)
			for _, r := range records {
				c.bytesRecv.Add(int64(len(r)))
				c.deliverRecord(r)
			}
			if err != nil {
				c.err = err
				c.state = stateHungUp
				c.sock.Close()
				c.closeReaders(err)
			}
			return

		case stateHungUp, stateTooEarly:
			c.buf = nil
			return
		}
	}
}

func (c *Connection) writeLocked(data []byte) {
	if _, err := c.sock.Write(data); err != nil && c.err == nil {
		c.err = wrapErr(KindBadHandshake, "write failed", err)
	}
}

func (c *Connection) resetTimerLocked() {
	if c.timer != nil {
		c.timer.Reset(inactivityTimeout)
	}
}

func (c *Connection) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
	}
}

// succeedLocked derives the transport keys and transitions into Records.
func (c *Connection) succeedLocked() {
	var sendInfo, recvInfo string
	if c.role == RoleSender {
		sendInfo, recvInfo = infoSenderRecordKey, infoReceiverRecordKey
	} else {
		sendInfo, recvInfo = infoReceiverRecordKey, infoSenderRecordKey
	}
	sendKey := deriveSubkey(c.key, sendInfo, 32)
	recvKey := deriveSubkey(c.key, recvInfo, 32)
	sendBox, err := newRecordBox(sendKey)
	if err != nil {
		c.failLocked(wrapErr(KindBadHandshake, "derive send box", err))
		return
	}
	recvBox, err := newRecordBox(recvKey)
	if err != nil {
		c.failLocked(wrapErr(KindBadHandshake, "derive recv box", err))
		return
	}
	c.stopTimerLocked()
	c.fr = newFramer(sendBox, recvBox)
	c.state = stateRecords
	c.settle(negotiationResult{conn: c})
}

func (c *Connection) failLocked(err error) {
	if c.err == nil {
		c.err = err
	}
	c.state = stateHungUp
	c.stopTimerLocked()
	c.sock.Close()
	c.settle(negotiationResult{err: err})
}

func (c *Connection) settle(r negotiationResult) {
	c.resultOnce.Do(func() {
		c.result = r
		close(c.resultCh)
	})
}

// negotiate blocks until this contender's handshake succeeds or fails, or
// ctx is cancelled (in which case the contender is itself cancelled).
func (c *Connection) negotiate(ctx context.Context) (*Connection, error) {
	select {
	case <-c.resultCh:
		return c.result.conn, c.result.err
	case <-ctx.Done():
		c.Cancel()
		<-c.resultCh
		return c.result.conn, c.result.err
	}
}

// Cancel ends this contender's negotiation immediately and idempotently.
// It is used both by the race arbiter on losers and by outer connect()
// cancellation. Once negotiation has already succeeded (state ==
// stateRecords), Cancel is a no-op: the race context gets cancelled the
// instant any contender (including the winner itself) succeeds, and that
// must never tear down the winner's socket out from under its established
// record channel.
func (c *Connection) Cancel() {
	c.mu.Lock()
	if c.state == stateRecords {
		c.mu.Unlock()
		return
	}
	if c.err == nil {
		c.err = ErrCancelled
	}
	c.state = stateHungUp
	c.stopTimerLocked()
	c.mu.Unlock()
	c.sock.Close()
	c.settle(negotiationResult{err: ErrCancelled})
}

// watchTimer fires the inactivity timeout unless negotiation settles
// first.
func (c *Connection) watchTimer() {
	select {
	case <-c.timer.C():
		c.onTimeout()
	case <-c.resultCh:
		c.stopTimerLocked()
	}
}

func (c *Connection) onTimeout() {
	c.mu.Lock()
	if c.state == stateRecords {
		c.mu.Unlock()
		return
	}
	c.state = stateHungUp
	err := newErr(KindBadHandshake, "timeout")
	c.err = err
	c.mu.Unlock()
	c.sock.Close()
	c.settle(negotiationResult{err: err})
}

// runReadLoop is driven by the listener/dialer that owns this socket: it
// reads until the socket closes, feeding every chunk into the FSM, and
// tears down cleanly on ctx cancellation. ctx is typically the race
// context shared with every other contender, so it gets cancelled the
// moment any contender wins — Cancel()'s stateRecords guard is what keeps
// that from closing a socket that has already won.
func (c *Connection) runReadLoop(ctx context.Context) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.Cancel()
		case <-done:
		}
	}()
	go c.watchTimer()

	buf := make([]byte, 4096)
	for {
		n, err := c.sock.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			c.dataReceived(chunk)
		}
		if err != nil {
			c.onSocketClosed(err)
			return
		}
	}
}

// onSocketClosed handles the socket going away, before or after a
// successful negotiation.
func (c *Connection) onSocketClosed(sockErr error) {
	c.mu.Lock()
	wasRecords := c.state == stateRecords
	if !wasRecords {
		if c.err == nil {
			c.err = newErr(KindBadHandshake, "connection lost")
		}
		c.state = stateHungUp
	}
	final := c.err
	c.mu.Unlock()

	if wasRecords {
		c.closeReaders(wrapErr(KindConnectionClosed, "connection lost", sockErr))
		return
	}
	c.settle(negotiationResult{err: final})
}

// deliverRecord routes one decrypted inbound record to the attached
// consumer if any, else to a parked reader, else onto the queue.
func (c *Connection) deliverRecord(data []byte) {
	c.recvMu.Lock()
	if c.consumer != nil {
		s := c.consumer
		c.recvMu.Unlock()
		s.Push(data)
		return
	}
	if len(c.waiters) > 0 {
		w := c.waiters[0]
		c.waiters = c.waiters[1:]
		c.recvMu.Unlock()
		w <- recvResult{data: data}
		return
	}
	c.recvQueue = append(c.recvQueue, data)
	c.recvMu.Unlock()
}

func (c *Connection) closeReaders(err error) {
	c.recvMu.Lock()
	if c.closedErr == nil {
		c.closedErr = err
	}
	waiters := c.waiters
	c.waiters = nil
	consumer := c.consumer
	c.recvMu.Unlock()

	for _, w := range waiters {
		w <- recvResult{err: err}
	}
	if consumer != nil {
		consumer.Closed(err)
	}
}

// SendRecord frames and writes one record. Plaintext over 2^32-1 bytes is
// rejected as UsageError without touching the nonce counter.
func (c *Connection) SendRecord(plaintext []byte) error {
	c.mu.Lock()
	if c.state != stateRecords {
		c.mu.Unlock()
		return newErr(KindUsageError, "send_record before negotiation completed")
	}
	frame, err := c.fr.encode(plaintext)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if _, err := c.sock.Write(frame); err != nil {
		return wrapErr(KindConnectionClosed, "write failed", err)
	}
	c.bytesSent.Add(int64(len(plaintext)))
	return nil
}

// ReceiveRecord is the pull-model read. It blocks until a record is
// available, the connection closes, or ctx is done.
func (c *Connection) ReceiveRecord(ctx context.Context) ([]byte, error) {
	c.recvMu.Lock()
	if len(c.recvQueue) > 0 {
		d := c.recvQueue[0]
		c.recvQueue = c.recvQueue[1:]
		c.recvMu.Unlock()
		return d, nil
	}
	if c.closedErr != nil {
		err := c.closedErr
		c.recvMu.Unlock()
		return nil, err
	}
	ch := make(chan recvResult, 1)
	c.waiters = append(c.waiters, ch)
	c.recvMu.Unlock()

	select {
	case r := <-ch:
		return r.data, r.err
	case <-ctx.Done():
		c.forgetWaiter(ch)
		return nil, ctx.Err()
	}
}

func (c *Connection) forgetWaiter(ch chan recvResult) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	for i, w := range c.waiters {
		if w == ch {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// ConnectConsumer attaches a push-model sink; at most one may be attached
// at a time. Any already-queued records are flushed to it immediately,
// in order.
func (c *Connection) ConnectConsumer(s Sink) error {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	if c.consumer != nil {
		return newErr(KindUsageError, "consumer already attached")
	}
	c.consumer = s
	queued := c.recvQueue
	c.recvQueue = nil
	for _, d := range queued {
		s.Push(d)
	}
	return nil
}

// DisconnectConsumer detaches the current push-model sink, if any.
func (c *Connection) DisconnectConsumer() {
	c.recvMu.Lock()
	c.consumer = nil
	c.recvMu.Unlock()
}

// Close tears the Connection down gracefully; pending pull-model readers
// observe ConnectionClosed.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = stateHungUp
		c.mu.Unlock()
		c.sock.Close()
		c.closeReaders(newErr(KindConnectionClosed, ""))
		if c.transit != nil && c.transit.recorder != nil {
			sent, recv := c.Stats()
			c.transit.recorder.RecordsExchanged(c.role, sent, recv)
		}
	})
	return nil
}

// Description returns a stable textual description of this socket.
func (c *Connection) Description() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.desc
}

// Err returns the first fatal cause recorded for this Connection, if any.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Stats reports cumulative bytes moved over this Connection, used by the
// session ledger (see internal/ledger).
func (c *Connection) Stats() (sent, recv int64) {
	return c.bytesSent.Load(), c.bytesRecv.Load()
}
