// Package registry implements the Context/topic registry: the set of
// locally-hosted masters, keyed by topic, plus the constructors for the
// outward-facing handles (remote, cloner) that reference a topic without
// being tracked here. This is the embedder-facing surface described by
// spec.md's opaque Context/Store handles, exposed in Go-native form
// instead of a C ABI.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"kvreplica/internal/bridge"
	"kvreplica/internal/cloner"
	"kvreplica/internal/config"
	"kvreplica/internal/master"
	"kvreplica/internal/remote"
	"kvreplica/internal/storelog"
	"kvreplica/internal/transport"
	"kvreplica/internal/wire"
)

// ErrUnknownTopic is returned when an operation references a topic this
// Context has not opened a master for.
var ErrUnknownTopic = errors.New("registry: unknown topic")

// ErrAlreadyPublished is returned by PublishMaster when the topic already
// has a listener bound.
var ErrAlreadyPublished = errors.New("registry: topic already published")

// Kind identifies what concrete replica a Store wraps.
type Kind int

const (
	KindMaster Kind = iota
	KindCloner
	KindRemote
)

func (k Kind) String() string {
	switch k {
	case KindMaster:
		return "master"
	case KindCloner:
		return "cloner"
	case KindRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// Store is the uniform handle returned by every Open* constructor: a
// master, a cloner, or a remote handle, addressable through the same
// request surface regardless of which it is.
type Store struct {
	Topic string
	Kind  Kind

	master *master.Master
	cloner *cloner.Cloner
	remote *remote.Handle
}

// Request implements bridge.Target, dispatching to whichever concrete
// replica this Store wraps.
func (s *Store) Request(ctx context.Context, env wire.Envelope) (wire.Envelope, error) {
	switch s.Kind {
	case KindMaster:
		return s.master.Request(ctx, env)
	case KindCloner:
		return s.cloner.Request(ctx, env)
	case KindRemote:
		return s.remote.Request(ctx, env)
	default:
		return wire.Envelope{}, fmt.Errorf("registry: store has unknown kind %d", s.Kind)
	}
}

// Done implements bridge.Target.
func (s *Store) Done() <-chan struct{} {
	switch s.Kind {
	case KindMaster:
		return s.master.Done()
	case KindCloner:
		return s.cloner.Done()
	case KindRemote:
		return s.remote.Done()
	default:
		closed := make(chan struct{})
		close(closed)
		return closed
	}
}

var _ bridge.Target = (*Store)(nil)

// Master returns the underlying master.Master this Store wraps, for callers
// that need to hand it to a lower-level component (e.g. the introspection
// service) directly. It reports false for any non-KindMaster Store.
func (s *Store) Master() (*master.Master, bool) {
	if s.Kind != KindMaster {
		return nil, false
	}
	return s.master, true
}

// Lookup issues a blocking lookup through whichever replica this Store
// wraps: direct state access for a cloner, a request round-trip for a
// master or remote handle.
func (s *Store) Lookup(ctx context.Context, key string) (int64, bool, error) {
	if s.Kind == KindCloner {
		return s.cloner.Lookup(ctx, key)
	}
	reply, err := bridge.SyncRequest(ctx, s, wire.Envelope{Op: wire.OpLookup, Key: key})
	if err != nil {
		return 0, false, err
	}
	value, present, ok := bridge.DecodeLookup(reply)
	if !ok {
		return 0, false, fmt.Errorf("registry: unexpected lookup reply op %q", reply.Op)
	}
	return value, present, nil
}

// HasKey issues a blocking key-presence check.
func (s *Store) HasKey(ctx context.Context, key string) (bool, error) {
	if s.Kind == KindCloner {
		return s.cloner.HasKey(ctx, key)
	}
	reply, err := bridge.SyncRequest(ctx, s, wire.Envelope{Op: wire.OpHasKey, Key: key})
	if err != nil {
		return false, err
	}
	present, ok := bridge.DecodeHasKey(reply)
	if !ok {
		return false, fmt.Errorf("registry: unexpected haskey reply op %q", reply.Op)
	}
	return present, nil
}

// Size issues a blocking count of stored keys.
func (s *Store) Size(ctx context.Context) (uint64, error) {
	if s.Kind == KindCloner {
		return s.cloner.Size(ctx)
	}
	reply, err := bridge.SyncRequest(ctx, s, wire.Envelope{Op: wire.OpSize})
	if err != nil {
		return 0, err
	}
	size, ok := bridge.DecodeSize(reply)
	if !ok {
		return 0, fmt.Errorf("registry: unexpected size reply op %q", reply.Op)
	}
	return size, nil
}

// Insert writes key=val. Against a cloner this is an unsequenced,
// fire-and-forget forward (per the documented write-forwarding policy);
// against a master or remote handle it blocks for the master's reply.
func (s *Store) Insert(ctx context.Context, key string, val int64) error {
	if s.Kind == KindCloner {
		s.cloner.Insert(key, val)
		return nil
	}
	_, err := bridge.SyncRequest(ctx, s, wire.Envelope{Op: wire.OpInsert, Key: key, Val: val})
	return err
}

// Increment adds by to key.
func (s *Store) Increment(ctx context.Context, key string, by int64) error {
	if s.Kind == KindCloner {
		s.cloner.Increment(key, by)
		return nil
	}
	_, err := bridge.SyncRequest(ctx, s, wire.Envelope{Op: wire.OpIncrement, Key: key, By: by})
	return err
}

// Decrement subtracts by from key.
func (s *Store) Decrement(ctx context.Context, key string, by int64) error {
	if s.Kind == KindCloner {
		s.cloner.Decrement(key, by)
		return nil
	}
	_, err := bridge.SyncRequest(ctx, s, wire.Envelope{Op: wire.OpDecrement, Key: key, By: by})
	return err
}

// Remove deletes key.
func (s *Store) Remove(ctx context.Context, key string) error {
	if s.Kind == KindCloner {
		s.cloner.Remove(key)
		return nil
	}
	_, err := bridge.SyncRequest(ctx, s, wire.Envelope{Op: wire.OpRemove, Key: key})
	return err
}

// Clear erases every key.
func (s *Store) Clear(ctx context.Context) error {
	if s.Kind == KindCloner {
		s.cloner.Clear()
		return nil
	}
	_, err := bridge.SyncRequest(ctx, s, wire.Envelope{Op: wire.OpClear})
	return err
}

type published struct {
	srv *transport.Server
}

// Context tracks the set of locally-hosted masters by topic name. The zero
// value is not ready for use; call New.
type Context struct {
	log *storelog.Logger

	mu       sync.RWMutex
	masters  map[string]*master.Master
	listener map[string]*published

	openGroup singleflight.Group
}

// New returns an empty Context. log, if nil, defaults to a discard logger.
func New(log *storelog.Logger) *Context {
	if log == nil {
		log = storelog.NewTestLogger()
	}
	return &Context{
		log:      log,
		masters:  make(map[string]*master.Master),
		listener: make(map[string]*published),
	}
}

// OpenMaster returns the Store for topic's locally-hosted master,
// spawning one if this is the first open. Concurrent OpenMaster calls for
// the same topic are coalesced via singleflight so exactly one master is
// ever spawned per topic, however many goroutines race to open it first.
func (c *Context) OpenMaster(topic string) (*Store, error) {
	v, err, _ := c.openGroup.Do("master:"+topic, func() (interface{}, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if m, ok := c.masters[topic]; ok {
			return m, nil
		}
		m := master.New(c.log.With(storelog.Topic(topic)))
		c.masters[topic] = m
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return &Store{Topic: topic, Kind: KindMaster, master: v.(*master.Master)}, nil
}

// PublishMaster exposes topic's already-open master for remote connection
// using cfg, returning once the listener is accepting connections. cfg
// governs the listener in full: its Address is what gets bound (may end in
// ":0" for an ephemeral port, in which case boundAddr reports the actual
// address chosen), and its origin policy, ping cadence, payload/client
// limits, and snapshot compression/rate-limit tunables all carry straight
// through to the transport.Server this spins up — the same *config.Config
// the caller got from config.Load, not a reconstruction of it. The caller
// is responsible for calling the returned shutdown function to stop
// serving.
func (c *Context) PublishMaster(topic string, cfg *config.Config) (boundAddr string, shutdown func() error, err error) {
	c.mu.Lock()
	m, ok := c.masters[topic]
	if !ok {
		c.mu.Unlock()
		return "", nil, ErrUnknownTopic
	}
	if _, already := c.listener[topic]; already {
		c.mu.Unlock()
		return "", nil, ErrAlreadyPublished
	}
	c.mu.Unlock()

	srv := transport.NewServer(cfg, c.log.With(storelog.Topic(topic)),
		transport.ResolverFunc(func(t string) (*master.Master, bool) {
			if t != topic {
				return nil, false
			}
			return m, true
		}))

	boundAddr, stop, err := listenAndServe(cfg.Address, srv.Handler())
	if err != nil {
		return "", nil, fmt.Errorf("registry: publish %q: %w", topic, err)
	}

	c.mu.Lock()
	c.listener[topic] = &published{srv: srv}
	c.mu.Unlock()

	return boundAddr, func() error {
		c.mu.Lock()
		delete(c.listener, topic)
		c.mu.Unlock()
		return stop()
	}, nil
}

// OpenRemote dials topic's master at address without mirroring any state
// locally. A connect failure is this call's ConnectError: it returns a nil
// Store and a non-nil error rather than a handle that might never work.
func (c *Context) OpenRemote(ctx context.Context, topic, address string) (*Store, error) {
	dialer := transport.Dialer{URL: wsURL(address, topic), PingInterval: 30 * time.Second, Log: c.log}
	h, err := remote.Dial(ctx, dialer)
	if err != nil {
		return nil, fmt.Errorf("registry: open remote %q at %s: %w", topic, address, err)
	}
	return &Store{Topic: topic, Kind: KindRemote, remote: h}, nil
}

// OpenCloner opens a synchronizing cloner against topic's master at
// address. Unlike OpenRemote, this always returns a handle immediately:
// the cloner connects and retries in the background regardless of whether
// the initial dial succeeds.
func (c *Context) OpenCloner(topic, address string) *Store {
	dialer := transport.Dialer{URL: wsURL(address, topic), PingInterval: 30 * time.Second, Log: c.log}
	id := topic + "-cloner"
	cl := cloner.New(id, dialer, 3*time.Second, c.log.With(storelog.Topic(topic)))
	return &Store{Topic: topic, Kind: KindCloner, cloner: cl}
}

// Close tears down store. For a master this also removes the topic from
// the registry so a later OpenMaster call spawns a fresh one; an active
// PublishMaster listener is a separate lifecycle owned by the shutdown
// function PublishMaster returned, and is not stopped here. For a cloner
// or remote handle, Close just releases the connection.
func (c *Context) Close(s *Store) error {
	if s == nil {
		return nil
	}
	switch s.Kind {
	case KindMaster:
		c.mu.Lock()
		delete(c.masters, s.Topic)
		delete(c.listener, s.Topic)
		c.mu.Unlock()
		s.master.Close()
		return nil
	case KindCloner:
		s.cloner.Close()
		return nil
	case KindRemote:
		s.remote.Close()
		return nil
	default:
		return fmt.Errorf("registry: close: unknown store kind %d", s.Kind)
	}
}
