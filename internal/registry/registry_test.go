package registry_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"kvreplica/internal/config"
	"kvreplica/internal/registry"
)

func testConfig(t *testing.T, address string) *config.Config {
	t.Helper()
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	cfg.Address = address
	return cfg
}

func TestOpenMasterIsIdempotentPerTopic(t *testing.T) {
	ctx := registry.New(nil)
	defer ctx.Close(mustOpenMaster(t, ctx, "inventory"))

	a, err := ctx.OpenMaster("inventory")
	if err != nil {
		t.Fatalf("OpenMaster: %v", err)
	}
	b, err := ctx.OpenMaster("inventory")
	if err != nil {
		t.Fatalf("OpenMaster: %v", err)
	}

	if err := a.Insert(context.Background(), "a", 1); err != nil {
		t.Fatalf("Insert via a: %v", err)
	}
	v, ok, err := b.Lookup(context.Background(), "a")
	if err != nil || !ok || v != 1 {
		t.Fatalf("Lookup via b = (%d, %v, %v), want (1, true, nil)", v, ok, err)
	}
}

func TestOpenMasterConcurrentOpensCoalesce(t *testing.T) {
	ctx := registry.New(nil)

	const n = 20
	var wg sync.WaitGroup
	stores := make([]*registry.Store, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := ctx.OpenMaster("shared")
			if err != nil {
				t.Errorf("OpenMaster: %v", err)
				return
			}
			stores[i] = s
		}(i)
	}
	wg.Wait()

	first := stores[0]
	firstMaster, _ := first.Master()
	for i, s := range stores {
		if s.Kind != first.Kind {
			t.Fatalf("store %d has different kind", i)
		}
		if m, ok := s.Master(); !ok || m != firstMaster {
			t.Fatalf("store %d wraps a different master than store 0", i)
		}
	}
	ctx.Close(first)
}

func TestPublishAndOpenRemoteRoundTrip(t *testing.T) {
	ctx := registry.New(nil)
	m := mustOpenMaster(t, ctx, "inventory")
	defer ctx.Close(m)

	addr, shutdown, err := ctx.PublishMaster("inventory", testConfig(t, "127.0.0.1:0"))
	if err != nil {
		t.Fatalf("PublishMaster: %v", err)
	}
	defer shutdown()

	background := context.Background()
	r, err := ctx.OpenRemote(background, "inventory", addr)
	if err != nil {
		t.Fatalf("OpenRemote: %v", err)
	}
	defer ctx.Close(r)

	if err := m.Insert(background, "a", 7); err != nil {
		t.Fatalf("Insert via published master: %v", err)
	}
	v, ok, err := r.Lookup(background, "a")
	if err != nil || !ok || v != 7 {
		t.Fatalf("Lookup via remote handle = (%d, %v, %v), want (7, true, nil)", v, ok, err)
	}
}

func mustOpenMaster(t *testing.T, ctx *registry.Context, topic string) *registry.Store {
	t.Helper()
	s, err := ctx.OpenMaster(topic)
	if err != nil {
		t.Fatalf("OpenMaster(%q): %v", topic, err)
	}
	return s
}

func TestCloseMasterAllowsReopen(t *testing.T) {
	ctx := registry.New(nil)
	a := mustOpenMaster(t, ctx, "inventory")
	if err := a.Insert(context.Background(), "x", 1); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := ctx.Close(a); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b := mustOpenMaster(t, ctx, "inventory")
	defer ctx.Close(b)

	_, ok, err := b.Lookup(context.Background(), "x")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if ok {
		t.Fatal("reopened master unexpectedly retained state from the closed one")
	}
}

func TestOpenClonerAlwaysReturnsAHandle(t *testing.T) {
	ctx := registry.New(nil)
	s := ctx.OpenCloner("inventory", "127.0.0.1:1")
	defer ctx.Close(s)

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		if _, _, err := s.Lookup(context.Background(), "missing"); err != nil {
			t.Fatalf("Lookup against a disconnected cloner returned error: %v", err)
		}
	}
}
