package introspect

import (
	"context"
	"testing"
	"time"

	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"kvreplica/internal/master"
	"kvreplica/internal/wire"
)

// streamStub is a minimal StreamUpdatesServer double, in the shape of the
// teacher's diffStreamStub/intentStreamStub grpc.ServerStream fakes.
type streamStub struct {
	ctx    context.Context
	cancel context.CancelFunc
	frames []map[string]interface{}
}

func newStreamStub() *streamStub {
	ctx, cancel := context.WithCancel(context.Background())
	return &streamStub{ctx: ctx, cancel: cancel}
}

func (s *streamStub) Send(m *structpb.Struct) error {
	s.frames = append(s.frames, m.AsMap())
	if len(s.frames) >= 3 {
		s.cancel()
	}
	return nil
}

func (s *streamStub) SetHeader(metadata.MD) error  { return nil }
func (s *streamStub) SendHeader(metadata.MD) error { return nil }
func (s *streamStub) SetTrailer(metadata.MD)       {}
func (s *streamStub) Context() context.Context     { return s.ctx }
func (s *streamStub) SendMsg(m interface{}) error  { return s.Send(m.(*structpb.Struct)) }
func (s *streamStub) RecvMsg(interface{}) error    { return nil }

var _ StreamUpdatesServer = (*streamStub)(nil)

func TestFetchSnapshotReturnsCurrentState(t *testing.T) {
	m := master.New(nil)
	defer m.Close()

	ctx := context.Background()
	if _, err := m.Request(ctx, wire.Envelope{Op: wire.OpInsert, Key: "a", Val: 7}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	svc := NewService(ResolverFunc(func(topic string) (*master.Master, bool) {
		if topic != "inventory" {
			return nil, false
		}
		return m, true
	}), nil)

	resp, err := svc.FetchSnapshot(ctx, wrapperspb.String("inventory"))
	if err != nil {
		t.Fatalf("FetchSnapshot: %v", err)
	}
	payload, err := structToSnapshot(resp)
	if err != nil {
		t.Fatalf("structToSnapshot: %v", err)
	}
	if payload.Values["a"] != 7 {
		t.Fatalf("values[a] = %d, want 7", payload.Values["a"])
	}
}

func TestFetchSnapshotUnknownTopic(t *testing.T) {
	svc := NewService(ResolverFunc(func(topic string) (*master.Master, bool) {
		return nil, false
	}), nil)

	if _, err := svc.FetchSnapshot(context.Background(), wrapperspb.String("missing")); err == nil {
		t.Fatal("expected error for unknown topic")
	}
}

func TestFetchSnapshotCompressesLargeValues(t *testing.T) {
	m := master.New(nil)
	defer m.Close()

	ctx := context.Background()
	for i := 0; i < 2000; i++ {
		key := "key-" + string(rune('a'+(i%26))) + string(rune('a'+((i/26)%26))) + string(rune('a'+((i/676)%26)))
		if _, err := m.Request(ctx, wire.Envelope{Op: wire.OpInsert, Key: key, Val: int64(i)}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	svc := NewService(ResolverFunc(func(topic string) (*master.Master, bool) {
		return m, true
	}), nil, WithCompressMinBytes(64))

	resp, err := svc.FetchSnapshot(ctx, wrapperspb.String("inventory"))
	if err != nil {
		t.Fatalf("FetchSnapshot: %v", err)
	}
	if codec, _ := resp.AsMap()["codec"].(string); codec != NewGZIPCompressor().Name() {
		t.Fatalf("codec = %q, want %q", codec, NewGZIPCompressor().Name())
	}
	payload, err := DecodeFetchSnapshotResponse(resp, NewGZIPCompressor())
	if err != nil {
		t.Fatalf("DecodeFetchSnapshotResponse: %v", err)
	}
	if len(payload.Values) != 2000 {
		t.Fatalf("len(values) = %d, want 2000", len(payload.Values))
	}
}

func TestStreamUpdatesSendsSnapshotThenUpdates(t *testing.T) {
	m := master.New(nil)
	defer m.Close()

	svc := NewService(ResolverFunc(func(topic string) (*master.Master, bool) {
		return m, true
	}), nil)

	stream := newStreamStub()
	done := make(chan error, 1)
	go func() {
		done <- svc.StreamUpdates(wrapperspb.String("inventory"), stream)
	}()

	time.Sleep(20 * time.Millisecond)
	ctx := context.Background()
	if _, err := m.Request(ctx, wire.Envelope{Op: wire.OpInsert, Key: "a", Val: 1}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := m.Request(ctx, wire.Envelope{Op: wire.OpInsert, Key: "b", Val: 2}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	select {
	case err := <-done:
		if err != nil && err != context.Canceled {
			t.Fatalf("StreamUpdates returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("StreamUpdates never returned after cancellation")
	}

	if len(stream.frames) < 3 {
		t.Fatalf("got %d frames, want at least 3 (initial snapshot + 2 updates)", len(stream.frames))
	}
	if stream.frames[0]["op"] != string(wire.OpReplySnap) {
		t.Fatalf("first frame op = %v, want %q", stream.frames[0]["op"], wire.OpReplySnap)
	}
}
