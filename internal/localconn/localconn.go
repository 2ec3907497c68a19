// Package localconn wires a cloner directly to an in-process master,
// implementing cloner.Conn/cloner.Dialer without any network transport.
// This is the fast path for a topic whose master and cloner share a
// process; internal/transport provides the networked equivalent for
// cross-process replication.
package localconn

import (
	"context"
	"errors"
	"sync"

	"kvreplica/internal/cloner"
	"kvreplica/internal/master"
	"kvreplica/internal/wire"
)

// ErrClosed is returned by Send/Recv once the connection has been closed.
var ErrClosed = errors.New("localconn: closed")

// Dialer connects cloners to M, identifying each with ID as its subscriber
// identity. Construct one Dialer per cloner (IDs must be unique per master).
type Dialer struct {
	M  *master.Master
	ID string
}

// Dial probes the master and returns a Conn bound to it; the subscription
// is registered later, when the Conn sends a snapshot request. Dial fails
// if the master has already shut down or ctx is done.
func (d Dialer) Dial(ctx context.Context) (cloner.Conn, error) {
	notify := make(chan wire.Envelope, 64)
	c := &conn{m: d.M, id: d.ID, notify: notify, closed: make(chan struct{})}
	// A bare liveness probe: Size never mutates state, so issuing it here
	// only confirms the master is still accepting requests before the
	// cloner commits to this connection.
	if _, err := d.M.Request(ctx, wire.Envelope{Op: wire.OpSize}); err != nil {
		return nil, err
	}
	return c, nil
}

// conn implements cloner.Conn by translating wire operations into direct
// calls against the master and replaying its per-subscriber update channel.
type conn struct {
	m      *master.Master
	id     string
	notify chan wire.Envelope

	closeOnce sync.Once
	closed    chan struct{}
}

// Send forwards env to the master. A `snapshot` request additionally
// registers this connection as a live subscriber and queues the resulting
// snapshot reply onto the same stream Recv reads from, so the cloner sees
// it interleaved correctly with any updates emitted afterward.
func (c *conn) Send(ctx context.Context, env wire.Envelope) error {
	if env.Op == wire.OpSnapshot {
		reply, err := c.m.SnapshotSubscribe(ctx, master.Subscriber{ID: c.id, Notify: c.notify})
		if err != nil {
			return err
		}
		select {
		case c.notify <- reply:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return ErrClosed
		}
	}
	_, err := c.m.Request(ctx, env)
	return err
}

// Recv returns the next update, snapshot reply, or down-event for this
// connection.
func (c *conn) Recv(ctx context.Context) (wire.Envelope, error) {
	select {
	case env := <-c.notify:
		return env, nil
	case <-c.closed:
		return wire.Envelope{}, ErrClosed
	case <-ctx.Done():
		return wire.Envelope{}, ctx.Err()
	}
}

// Close unsubscribes from the master. Close is idempotent.
func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.m.Unsubscribe(c.id)
	})
	return nil
}
