package cloner_test

import (
	"context"
	"testing"
	"time"

	"kvreplica/internal/bigseq"
	"kvreplica/internal/cloner"
	"kvreplica/internal/localconn"
	"kvreplica/internal/master"
	"kvreplica/internal/wire"
)

func waitForState(t *testing.T, c *cloner.Cloner, want cloner.State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("cloner did not reach state %s within %s (last state %s)", want, timeout, c.State())
}

func waitForValue(t *testing.T, c *cloner.Cloner, key string, want int64, timeout time.Duration) {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		v, ok, err := c.Lookup(ctx, key)
		if err == nil && ok && v == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("cloner never observed %s = %d within %s", key, want, timeout)
}

func TestBasicReplication(t *testing.T) {
	m := master.New(nil)
	defer m.Close()
	c := cloner.New("c1", localconn.Dialer{M: m, ID: "c1"}, 50*time.Millisecond, nil)
	defer c.Close()

	waitForState(t, c, cloner.Synchronized, time.Second)

	ctx := context.Background()
	m.Request(ctx, wire.Envelope{Op: wire.OpInsert, Key: "a", Val: 1})
	m.Request(ctx, wire.Envelope{Op: wire.OpInsert, Key: "b", Val: 2})
	m.Request(ctx, wire.Envelope{Op: wire.OpIncrement, Key: "a", By: 5})

	waitForValue(t, c, "a", 6, time.Second)

	size, err := c.Size(ctx)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 2 {
		t.Fatalf("cloner Size() = %d, want 2", size)
	}
}

// TestForcedResyncOnSequenceGap drives a cloner directly against a fake
// Conn so a missed update can be fabricated deterministically (scenario
// S3): the cloner must detect the gap, re-request a snapshot on the same
// connection (never a reconnect), and converge once the fresh snapshot
// arrives.
func TestForcedResyncOnSequenceGap(t *testing.T) {
	fc := newFakeConn()
	c := cloner.New("c1", fakeDialerOf(fc), 50*time.Millisecond, nil)
	defer c.Close()

	firstReq := fc.expectSend(t, time.Second)
	if firstReq.Op != wire.OpSnapshot {
		t.Fatalf("first send = %s, want snapshot request", firstReq.Op)
	}
	fc.deliver(wire.Envelope{Op: wire.OpReplySnap, Snapshot: &wire.SnapshotPayload{
		Sequence: bigseq.Seq{1},
		Values:   map[string]int64{"a": 1},
	}})
	waitForState(t, c, cloner.Synchronized, time.Second)
	waitForValue(t, c, "a", 1, time.Second)

	// Fabricate an update carrying seq 3 while the cloner's expected-next
	// is 2, simulating a missed update in between.
	fc.deliver(wire.Envelope{Op: wire.OpInsert, Seq: bigseq.Seq{3}, Key: "b", Val: 2})

	resyncReq := fc.expectSend(t, time.Second)
	if resyncReq.Op != wire.OpSnapshot {
		t.Fatalf("resync send = %s, want snapshot request", resyncReq.Op)
	}
	waitForState(t, c, cloner.Synchronizing, time.Second)

	fc.deliver(wire.Envelope{Op: wire.OpReplySnap, Snapshot: &wire.SnapshotPayload{
		Sequence: bigseq.Seq{3},
		Values:   map[string]int64{"a": 1, "b": 2},
	}})
	waitForState(t, c, cloner.Synchronized, time.Second)
	waitForValue(t, c, "b", 2, time.Second)
}

func TestWriteForwardingFromCloner(t *testing.T) {
	m := master.New(nil)
	defer m.Close()
	c := cloner.New("c1", localconn.Dialer{M: m, ID: "c1"}, 50*time.Millisecond, nil)
	defer c.Close()

	waitForState(t, c, cloner.Synchronized, time.Second)

	c.Insert("x", 9)

	waitForValue(t, c, "x", 9, time.Second)

	ctx := context.Background()
	reply, err := m.Request(ctx, wire.Envelope{Op: wire.OpLookup, Key: "x"})
	if err != nil {
		t.Fatalf("lookup on master: %v", err)
	}
	if !reply.Present || reply.Val != 9 {
		t.Fatalf("master.lookup(x) = %+v, want present=true val=9", reply)
	}
}

func TestQueriesAnswerWhileDisconnected(t *testing.T) {
	c := cloner.New("c1", failingDialer{}, 50*time.Millisecond, nil)
	defer c.Close()

	ctx := context.Background()
	_, _, err := c.Lookup(ctx, "missing")
	if err != nil {
		t.Fatalf("Lookup while disconnected returned error: %v", err)
	}
	if c.State() != cloner.Disconnected {
		t.Fatalf("state = %s, want disconnected", c.State())
	}
}

// fakeConn is a Conn double controlled entirely by the test: outbound
// sends land on a channel the test can assert against, and the test pushes
// inbound envelopes whenever it likes.
type fakeConn struct {
	outbound chan wire.Envelope
	inbound  chan wire.Envelope
	closed   chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		outbound: make(chan wire.Envelope, 8),
		inbound:  make(chan wire.Envelope, 8),
		closed:   make(chan struct{}),
	}
}

func (f *fakeConn) Send(ctx context.Context, env wire.Envelope) error {
	select {
	case f.outbound <- env:
		return nil
	case <-f.closed:
		return errDial
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeConn) Recv(ctx context.Context) (wire.Envelope, error) {
	select {
	case env := <-f.inbound:
		return env, nil
	case <-f.closed:
		return wire.Envelope{}, errDial
	case <-ctx.Done():
		return wire.Envelope{}, ctx.Err()
	}
}

func (f *fakeConn) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

func (f *fakeConn) deliver(env wire.Envelope) {
	f.inbound <- env
}

func (f *fakeConn) expectSend(t *testing.T, timeout time.Duration) wire.Envelope {
	t.Helper()
	select {
	case env := <-f.outbound:
		return env
	case <-time.After(timeout):
		t.Fatal("timed out waiting for cloner to send")
		return wire.Envelope{}
	}
}

type fakeConnDialer struct {
	conn *fakeConn
}

func (d fakeConnDialer) Dial(ctx context.Context) (cloner.Conn, error) {
	return d.conn, nil
}

func fakeDialerOf(fc *fakeConn) cloner.Dialer {
	return fakeConnDialer{conn: fc}
}

type failingDialer struct{}

func (failingDialer) Dial(ctx context.Context) (cloner.Conn, error) {
	return nil, errDial
}

var errDial = dialError("dial refused")

type dialError string

func (e dialError) Error() string { return string(e) }
