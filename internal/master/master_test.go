package master

import (
	"context"
	"testing"
	"time"

	"kvreplica/internal/wire"
)

func TestInsertThenLookup(t *testing.T) {
	m := New(nil)
	defer m.Close()
	ctx := context.Background()

	if _, err := m.Request(ctx, wire.Envelope{Op: wire.OpInsert, Key: "a", Val: 42}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	reply, err := m.Request(ctx, wire.Envelope{Op: wire.OpLookup, Key: "a"})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !reply.Present || reply.Val != 42 {
		t.Fatalf("lookup reply = %+v, want present=true val=42", reply)
	}
}

func TestSequenceAdvancesOnlyOnMutation(t *testing.T) {
	m := New(nil)
	defer m.Close()
	ctx := context.Background()

	before, err := m.Request(ctx, wire.Envelope{Op: wire.OpSize})
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if _, err := m.Request(ctx, wire.Envelope{Op: wire.OpLookup, Key: "missing"}); err != nil {
		t.Fatalf("lookup: %v", err)
	}
	after, err := m.Request(ctx, wire.Envelope{Op: wire.OpSize})
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if before.Seq.String() != after.Seq.String() {
		t.Fatalf("sequence advanced on a read-only op: %s -> %s", before.Seq, after.Seq)
	}

	if _, err := m.Request(ctx, wire.Envelope{Op: wire.OpInsert, Key: "a", Val: 1}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	postInsert, err := m.Request(ctx, wire.Envelope{Op: wire.OpSize})
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if postInsert.Seq.String() == after.Seq.String() {
		t.Fatalf("sequence did not advance on mutation")
	}
}

func TestIncrementOnAbsentKeyStartsAtZero(t *testing.T) {
	m := New(nil)
	defer m.Close()
	ctx := context.Background()

	reply, err := m.Request(ctx, wire.Envelope{Op: wire.OpIncrement, Key: "counter", By: 5})
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if reply.Val != 5 {
		t.Fatalf("increment reply = %d, want 5", reply.Val)
	}
}

func TestClearRemovesAllKeys(t *testing.T) {
	m := New(nil)
	defer m.Close()
	ctx := context.Background()

	m.Request(ctx, wire.Envelope{Op: wire.OpInsert, Key: "a", Val: 1})
	m.Request(ctx, wire.Envelope{Op: wire.OpInsert, Key: "b", Val: 2})
	if _, err := m.Request(ctx, wire.Envelope{Op: wire.OpClear}); err != nil {
		t.Fatalf("clear: %v", err)
	}
	reply, err := m.Request(ctx, wire.Envelope{Op: wire.OpSize})
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if reply.Size != 0 {
		t.Fatalf("size after clear = %d, want 0", reply.Size)
	}
}

func TestSubscriberReceivesUpdate(t *testing.T) {
	m := New(nil)
	defer m.Close()
	ctx := context.Background()

	notify := make(chan wire.Envelope, 4)
	if err := m.Subscribe(ctx, Subscriber{ID: "sub-1", Notify: notify}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if _, err := m.Request(ctx, wire.Envelope{Op: wire.OpInsert, Key: "a", Val: 7}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	select {
	case update := <-notify:
		if update.Op != wire.OpInsert || update.Key != "a" || update.Val != 7 {
			t.Fatalf("unexpected update: %+v", update)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscriber update")
	}
}

func TestSlowSubscriberDoesNotBlockMaster(t *testing.T) {
	m := New(nil)
	defer m.Close()
	ctx := context.Background()

	notify := make(chan wire.Envelope)
	if err := m.Subscribe(ctx, Subscriber{ID: "slow", Notify: notify}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			if _, err := m.Request(ctx, wire.Envelope{Op: wire.OpInsert, Key: "k", Val: int64(i)}); err != nil {
				t.Error(err)
			}
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("master blocked on a slow, never-receiving subscriber")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	m := New(nil)
	defer m.Close()
	ctx := context.Background()

	notify := make(chan wire.Envelope, 4)
	m.Subscribe(ctx, Subscriber{ID: "sub-1", Notify: notify})
	m.Unsubscribe("sub-1")

	m.Request(ctx, wire.Envelope{Op: wire.OpInsert, Key: "a", Val: 1})

	select {
	case update := <-notify:
		t.Fatalf("unexpected update after unsubscribe: %+v", update)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRequestAfterCloseReturnsErrClosed(t *testing.T) {
	m := New(nil)
	m.Close()
	ctx := context.Background()

	if _, err := m.Request(ctx, wire.Envelope{Op: wire.OpSize}); err != ErrClosed {
		t.Fatalf("Request after close = %v, want ErrClosed", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	m := New(nil)
	m.Close()
	m.Close()
	select {
	case <-m.Done():
	default:
		t.Fatal("expected done channel closed")
	}
}
