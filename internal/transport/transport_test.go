package transport_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"kvreplica/internal/cloner"
	"kvreplica/internal/config"
	"kvreplica/internal/master"
	"kvreplica/internal/transport"
	"kvreplica/internal/websockettest"
	"kvreplica/internal/wire"
)

func testConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	cfg.PingInterval = 200 * time.Millisecond
	return cfg
}

func TestServerClientRoundTrip(t *testing.T) {
	m := master.New(nil)
	defer m.Close()

	srv := transport.NewServer(testConfig(), nil, transport.ResolverFunc(func(topic string) (*master.Master, bool) {
		if topic != "inventory" {
			return nil, false
		}
		return m, true
	}))
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/topics/inventory"
	dialer := transport.Dialer{URL: wsURL, SubscriberID: "c1", PingInterval: 200 * time.Millisecond}

	c := cloner.New("c1", dialer, 100*time.Millisecond, nil)
	defer c.Close()

	ctx := context.Background()
	if _, err := m.Request(ctx, wire.Envelope{Op: wire.OpInsert, Key: "a", Val: 1}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == cloner.Synchronized {
			if v, ok, err := c.Lookup(ctx, "a"); err == nil && ok && v == 1 {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("cloner never converged over the network connection, last state=%s", c.State())
}

func TestServerCompressesLargeSnapshots(t *testing.T) {
	m := master.New(nil)
	defer m.Close()

	ctx := context.Background()
	for i := 0; i < 500; i++ {
		key := "key-" + string(rune('a'+i%26)) + string(rune('0'+i%10)) + string(rune('A'+(i/26)%26))
		if _, err := m.Request(ctx, wire.Envelope{Op: wire.OpInsert, Key: key, Val: int64(i)}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	cfg := testConfig()
	cfg.SnapshotCompressMinBytes = 64
	srv := transport.NewServer(cfg, nil, transport.ResolverFunc(func(topic string) (*master.Master, bool) {
		if topic != "inventory" {
			return nil, false
		}
		return m, true
	}))
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/topics/inventory"
	dialer := transport.Dialer{URL: wsURL, SubscriberID: "c2", PingInterval: 200 * time.Millisecond}

	c := cloner.New("c2", dialer, 100*time.Millisecond, nil)
	defer c.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == cloner.Synchronized {
			if size, err := c.Size(ctx); err == nil && size == 500 {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("cloner never converged on a compressed snapshot, last state=%s", c.State())
}

func TestServerDisconnectsUnresponsivePeer(t *testing.T) {
	m := master.New(nil)
	defer m.Close()

	srv := transport.NewServer(testConfig(), nil, transport.ResolverFunc(func(topic string) (*master.Master, bool) {
		if topic != "inventory" {
			return nil, false
		}
		return m, true
	}))
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/topics/inventory"
	conn, _, err := websockettest.DialIgnoringPongs(wsURL, http.Header{"Origin": {httpSrv.URL}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The connection never answers the server's pings, so the server must
	// tear it down once its read deadline (2*PingInterval) lapses.
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected the server to close an unresponsive connection")
	}
}

func TestServerRejectsConnectionsPastMaxClients(t *testing.T) {
	m := master.New(nil)
	defer m.Close()

	cfg := testConfig()
	cfg.MaxClients = 1
	srv := transport.NewServer(cfg, nil, transport.ResolverFunc(func(topic string) (*master.Master, bool) {
		if topic != "inventory" {
			return nil, false
		}
		return m, true
	}))
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/topics/inventory"

	first, _, err := websockettest.DialIgnoringPongs(wsURL, http.Header{"Origin": {httpSrv.URL}})
	if err != nil {
		t.Fatalf("first dial: %v", err)
	}
	defer first.Close()

	resp, err := httpSrv.Client().Get(httpSrv.URL + "/topics/inventory")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d once at the client limit", resp.StatusCode, http.StatusServiceUnavailable)
	}
}

func TestServerRejectsUnknownTopic(t *testing.T) {
	srv := transport.NewServer(testConfig(), nil, transport.ResolverFunc(func(topic string) (*master.Master, bool) {
		return nil, false
	}))
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	resp, err := httpSrv.Client().Get(httpSrv.URL + "/topics/missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 404 {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
