package remote_test

import (
	"context"
	"testing"
	"time"

	"kvreplica/internal/cloner"
	"kvreplica/internal/localconn"
	"kvreplica/internal/master"
	"kvreplica/internal/remote"
	"kvreplica/internal/wire"
)

func TestRequestRoundTripsThroughMaster(t *testing.T) {
	m := master.New(nil)
	defer m.Close()

	ctx := context.Background()
	h, err := remote.Dial(ctx, localconn.Dialer{M: m, ID: "r1"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer h.Close()

	if _, err := h.Request(ctx, wire.Envelope{Op: wire.OpInsert, Key: "a", Val: 3}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	reply, err := h.Request(ctx, wire.Envelope{Op: wire.OpLookup, Key: "a"})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !reply.Present || reply.Val != 3 {
		t.Fatalf("lookup(a) = %+v, want present=true val=3", reply)
	}
}

func TestRequestAfterCloseReturnsErrClosed(t *testing.T) {
	m := master.New(nil)
	defer m.Close()

	h, err := remote.Dial(context.Background(), localconn.Dialer{M: m, ID: "r1"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	h.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := h.Request(ctx, wire.Envelope{Op: wire.OpSize}); err != remote.ErrClosed {
		t.Fatalf("Request after Close = %v, want ErrClosed", err)
	}
}

func TestDialFailureIsConnectError(t *testing.T) {
	if _, err := remote.Dial(context.Background(), failingDialer{}); err == nil {
		t.Fatal("expected a connect error from a dialer that always fails")
	}
}

type failingDialer struct{}

func (failingDialer) Dial(ctx context.Context) (cloner.Conn, error) {
	return nil, dialError("refused")
}

type dialError string

func (e dialError) Error() string { return string(e) }
