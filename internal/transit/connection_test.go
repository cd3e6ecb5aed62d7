package transit

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

// tcpPair returns a connected loopback TCP pair. Unlike net.Pipe, real
// sockets have kernel send buffers, so Write never blocks on a concurrent
// Read — matching what dialer.go/listener.go actually run against.
func tcpPair(t *testing.T) (client, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			acceptCh <- nil
			return
		}
		acceptCh <- c
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	server = <-acceptCh
	if server == nil {
		t.Fatal("accept failed")
	}
	return client, server
}

// negotiatedPair drives a full sender/receiver handshake to completion over
// real loopback sockets and returns both sides' Records-state Connections.
func negotiatedPair(t *testing.T) (sender, receiver *Connection) {
	t.Helper()
	key := bytes.Repeat([]byte{0x42}, TransitKeySize)
	st := NewSender("", RealClock{}, nil, nil)
	rt := NewReceiver("", RealClock{}, nil, nil)

	sockSender, sockReceiver := tcpPair(t)
	t.Cleanup(func() { sockSender.Close(); sockReceiver.Close() })

	sc := newConnection(st, RoleSender, key, nil, sockSender, RealClock{})
	rc := newConnection(rt, RoleReceiver, key, nil, sockReceiver, RealClock{})

	ctx := context.Background()
	go sc.runReadLoop(ctx)
	go rc.runReadLoop(ctx)

	sc.startNegotiation("sender side")
	rc.startNegotiation("receiver side")

	type outcome struct {
		conn *Connection
		err  error
	}
	scRes := make(chan outcome, 1)
	rcRes := make(chan outcome, 1)
	go func() { c, err := sc.negotiate(ctx); scRes <- outcome{c, err} }()
	go func() { c, err := rc.negotiate(ctx); rcRes <- outcome{c, err} }()

	var so, ro outcome
	select {
	case so = <-scRes:
	case <-time.After(2 * time.Second):
		t.Fatal("sender negotiation timed out")
	}
	select {
	case ro = <-rcRes:
	case <-time.After(2 * time.Second):
		t.Fatal("receiver negotiation timed out")
	}
	if so.err != nil {
		t.Fatalf("sender negotiation failed: %v", so.err)
	}
	if ro.err != nil {
		t.Fatalf("receiver negotiation failed: %v", ro.err)
	}
	return sc, rc
}

func TestConnectionHandshakeThenRecordsRoundTrip(t *testing.T) {
	sender, receiver := negotiatedPair(t)

	if err := sender.SendRecord([]byte("hello from sender")); err != nil {
		t.Fatalf("sender.SendRecord: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := receiver.ReceiveRecord(ctx)
	if err != nil {
		t.Fatalf("receiver.ReceiveRecord: %v", err)
	}
	if string(got) != "hello from sender" {
		t.Fatalf("got %q", got)
	}

	if err := receiver.SendRecord([]byte("hello from receiver")); err != nil {
		t.Fatalf("receiver.SendRecord: %v", err)
	}
	got, err = sender.ReceiveRecord(ctx)
	if err != nil {
		t.Fatalf("sender.ReceiveRecord: %v", err)
	}
	if string(got) != "hello from receiver" {
		t.Fatalf("got %q", got)
	}

	sentSender, recvSender := sender.Stats()
	if sentSender != int64(len("hello from sender")) || recvSender != int64(len("hello from receiver")) {
		t.Fatalf("unexpected sender stats: sent=%d recv=%d", sentSender, recvSender)
	}
}

type testSink struct {
	pushed chan []byte
	closed chan error
}

func newTestSink() *testSink {
	return &testSink{pushed: make(chan []byte, 8), closed: make(chan error, 1)}
}

func (s *testSink) Push(record []byte) { s.pushed <- record }
func (s *testSink) Closed(err error)   { s.closed <- err }

func TestConnectionConsumerReceivesQueuedAndLiveRecords(t *testing.T) {
	sender, receiver := negotiatedPair(t)

	if err := sender.SendRecord([]byte("queued before attach")); err != nil {
		t.Fatal(err)
	}
	// Give the receiver's read loop a moment to queue the record before a
	// consumer is attached.
	time.Sleep(50 * time.Millisecond)

	sink := newTestSink()
	if err := receiver.ConnectConsumer(sink); err != nil {
		t.Fatal(err)
	}

	select {
	case r := <-sink.pushed:
		if string(r) != "queued before attach" {
			t.Fatalf("got %q", r)
		}
	case <-time.After(time.Second):
		t.Fatal("queued record was never flushed to the consumer")
	}

	if err := sender.SendRecord([]byte("live after attach")); err != nil {
		t.Fatal(err)
	}
	select {
	case r := <-sink.pushed:
		if string(r) != "live after attach" {
			t.Fatalf("got %q", r)
		}
	case <-time.After(time.Second):
		t.Fatal("live record was never delivered to the consumer")
	}

	if err := receiver.ConnectConsumer(sink); err == nil {
		t.Fatal("expected UsageError attaching a second consumer")
	}

	receiver.Close()
	select {
	case err := <-sink.closed:
		if err == nil {
			t.Fatal("expected a non-nil close error")
		}
	case <-time.After(time.Second):
		t.Fatal("consumer was never notified of Close")
	}
}

func TestConnectionCancelIsIdempotent(t *testing.T) {
	st := NewSender("", RealClock{}, nil, nil)
	key := bytes.Repeat([]byte{0x01}, TransitKeySize)
	sockSender, sockPeer := tcpPair(t)
	defer sockPeer.Close()

	sc := newConnection(st, RoleSender, key, nil, sockSender, RealClock{})
	ctx := context.Background()
	go sc.runReadLoop(ctx)
	sc.startNegotiation("sender side")

	sc.Cancel()
	sc.Cancel() // must not panic or block a second time

	_, err := sc.negotiate(ctx)
	if err != ErrCancelled {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

func TestConnectionTimesOutWithoutPeerActivity(t *testing.T) {
	fc := newFakeClock()
	st := NewSender("", fc, nil, nil)
	key := bytes.Repeat([]byte{0x09}, TransitKeySize)
	sockSender, sockPeer := tcpPair(t)
	defer sockSender.Close()
	defer sockPeer.Close()

	sc := newConnection(st, RoleSender, key, nil, sockSender, fc)
	ctx := context.Background()
	go sc.runReadLoop(ctx)
	sc.startNegotiation("sender side")

	resCh := make(chan error, 1)
	go func() {
		_, err := sc.negotiate(ctx)
		resCh <- err
	}()

	select {
	case <-resCh:
		t.Fatal("negotiation settled before the inactivity timeout fired")
	case <-time.After(50 * time.Millisecond):
	}

	fc.Advance(inactivityTimeout + time.Second)

	select {
	case err := <-resCh:
		var te *Error
		if !errors.As(err, &te) || te.Kind != KindBadHandshake {
			t.Fatalf("expected BadHandshake timeout, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("negotiation never settled after advancing past the timeout")
	}
}

func TestConnectionRejectsSendBeforeNegotiation(t *testing.T) {
	st := NewSender("", RealClock{}, nil, nil)
	key := bytes.Repeat([]byte{0x02}, TransitKeySize)
	sockSender, sockPeer := tcpPair(t)
	defer sockSender.Close()
	defer sockPeer.Close()

	sc := newConnection(st, RoleSender, key, nil, sockSender, RealClock{})
	err := sc.SendRecord([]byte("too early"))
	var te *Error
	if !errors.As(err, &te) || te.Kind != KindUsageError {
		t.Fatalf("expected UsageError, got %v", err)
	}
}

func TestStartNegotiationTwicePanics(t *testing.T) {
	st := NewSender("", RealClock{}, nil, nil)
	key := bytes.Repeat([]byte{0x03}, TransitKeySize)
	sockSender, sockPeer := tcpPair(t)
	defer sockSender.Close()
	defer sockPeer.Close()

	sc := newConnection(st, RoleSender, key, nil, sockSender, RealClock{})
	sc.startNegotiation("first")

	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic on the second startNegotiation call")
		}
	}()
	sc.startNegotiation("second")
}

func TestDataReceivedBeforeStartNegotiationPanics(t *testing.T) {
	st := NewSender("", RealClock{}, nil, nil)
	key := bytes.Repeat([]byte{0x04}, TransitKeySize)
	sockSender, sockPeer := tcpPair(t)
	defer sockSender.Close()
	defer sockPeer.Close()

	sc := newConnection(st, RoleSender, key, nil, sockSender, RealClock{})
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic on data arriving before startNegotiation")
		}
	}()
	sc.dataReceived([]byte("too early"))
}
