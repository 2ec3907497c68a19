// Package cloner implements an eventually-consistent mirror of a master's
// topic: it bootstraps from a snapshot, applies ordered updates, detects
// gaps in the sequence stream, and resynchronizes on drift or disconnect.
// Like the master, a Cloner is a single dispatch goroutine owning its
// local snapshot exclusively; callers interact with it only through its
// mailbox channels.
package cloner

import (
	"context"
	"errors"
	"time"

	"kvreplica/internal/bigseq"
	"kvreplica/internal/kvstate"
	"kvreplica/internal/storelog"
	"kvreplica/internal/wire"
)

// State identifies a cloner's position in its connection lifecycle.
type State int

const (
	Disconnected State = iota
	Synchronizing
	Synchronized
	Terminated
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Synchronizing:
		return "synchronizing"
	case Synchronized:
		return "synchronized"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Conn is a live, bidirectional connection to a master, as seen by a
// cloner. Recv may be called repeatedly until it returns an error, at
// which point the connection is considered dead and must be discarded.
type Conn interface {
	Send(ctx context.Context, env wire.Envelope) error
	Recv(ctx context.Context) (wire.Envelope, error)
	Close() error
}

// Dialer establishes a fresh Conn to a cloner's master. Transport-level
// concerns (address resolution, handshake, TLS) live behind this seam.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// ErrClosed is returned by cloner calls made after Close.
var ErrClosed = errors.New("cloner: closed")

type queryRequest struct {
	env   wire.Envelope
	reply chan wire.Envelope
}

type forwardRequest struct {
	env wire.Envelope
}

// Cloner maintains an eventually-consistent mirror of a master's topic.
type Cloner struct {
	id                string
	log               *storelog.Logger
	dialer            Dialer
	reconnectInterval time.Duration

	queryCh   chan queryRequest
	forwardCh chan forwardRequest
	stateCh   chan chan State
	closeCh   chan chan struct{}
	done      chan struct{}
}

// New starts a cloner's dispatch goroutine against dialer and returns a
// handle to it. id identifies this cloner to the master as a subscriber.
// A zero reconnectInterval defaults to the protocol's 3-second back-off.
func New(id string, dialer Dialer, reconnectInterval time.Duration, log *storelog.Logger) *Cloner {
	if log == nil {
		log = storelog.NewTestLogger()
	}
	if reconnectInterval <= 0 {
		reconnectInterval = 3 * time.Second
	}
	c := &Cloner{
		id:                id,
		log:               log,
		dialer:            dialer,
		reconnectInterval: reconnectInterval,
		queryCh:           make(chan queryRequest),
		forwardCh:         make(chan forwardRequest),
		stateCh:           make(chan chan State),
		closeCh:           make(chan chan struct{}),
		done:              make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *Cloner) run() {
	defer close(c.done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	state := kvstate.New()
	connState := Disconnected

	var conn Conn
	var connCancel context.CancelFunc
	updatesCh := make(chan wire.Envelope)
	connErrCh := make(chan error, 1)

	closeConn := func() {
		if conn != nil {
			conn.Close()
			conn = nil
		}
		if connCancel != nil {
			connCancel()
			connCancel = nil
		}
	}
	defer closeConn()

	// Bootstrap tick: the cloner attempts its first connection immediately.
	reconnectTimer := time.NewTimer(0)
	defer reconnectTimer.Stop()

	requestSnapshot := func() bool {
		if conn == nil {
			return false
		}
		if err := conn.Send(ctx, wire.Envelope{Op: wire.OpSnapshot, SubscriberID: c.id}); err != nil {
			c.log.Warn("cloner: snapshot request failed", storelog.Error(err))
			return false
		}
		return true
	}

	startReader := func(active Conn) {
		connCtx, cancelFn := context.WithCancel(ctx)
		connCancel = cancelFn
		go func() {
			for {
				env, err := active.Recv(connCtx)
				if err != nil {
					select {
					case connErrCh <- err:
					case <-connCtx.Done():
					}
					return
				}
				select {
				case updatesCh <- env:
				case <-connCtx.Done():
					return
				}
			}
		}()
	}

	for {
		select {
		case done := <-c.closeCh:
			connState = Terminated
			close(done)
			return

		case q := <-c.queryCh:
			// Queries answer from local state in every connection state,
			// per the documented policy for unsynchronized reads.
			q.reply <- answerLocally(&state, q.env)

		case fwd := <-c.forwardCh:
			if conn != nil {
				if err := conn.Send(ctx, fwd.env); err != nil {
					c.log.Warn("cloner: write forward failed", storelog.Error(err))
				}
			} else {
				c.log.Warn("cloner: dropped write forward while disconnected",
					storelog.String("op", string(fwd.env.Op)))
			}

		case replyCh := <-c.stateCh:
			replyCh <- connState

		case <-reconnectTimer.C:
			newConn, err := c.dialer.Dial(ctx)
			if err != nil {
				c.log.Warn("cloner: connect failed, retrying", storelog.Error(err))
				connState = Disconnected
				reconnectTimer.Reset(c.reconnectInterval)
				continue
			}
			conn = newConn
			startReader(newConn)
			connState = Synchronizing
			if !requestSnapshot() {
				closeConn()
				connState = Disconnected
				reconnectTimer.Reset(c.reconnectInterval)
			}

		case err := <-connErrCh:
			c.log.Warn("cloner: connection lost", storelog.Error(err))
			closeConn()
			connState = Disconnected
			reconnectTimer.Reset(c.reconnectInterval)

		case env := <-updatesCh:
			switch env.Op {
			case wire.OpReplySnap:
				if env.Snapshot != nil {
					state = kvstate.Snapshot{
						Sequence: bigseq.Normalize(env.Snapshot.Sequence),
						Values:   cloneValues(env.Snapshot.Values),
					}
				}
				connState = Synchronized

			case wire.OpDown:
				closeConn()
				connState = Disconnected
				reconnectTimer.Reset(c.reconnectInterval)

			default:
				if !wire.IsMutation(env.Op) {
					continue
				}
				expected := state.Sequence.Next()
				switch bigseq.Compare(env.Seq, expected) {
				case 0:
					applyMutation(&state, env)
				case 1:
					// SequenceGap: at least one update was missed. Resync
					// by re-requesting a snapshot on the still-live
					// connection -- never a reconnect.
					c.log.Warn("cloner: sequence gap detected, requesting resync",
						storelog.Seq("expected", expected), storelog.Seq("received", env.Seq))
					connState = Synchronizing
					if !requestSnapshot() {
						closeConn()
						connState = Disconnected
						reconnectTimer.Reset(c.reconnectInterval)
					}
				default:
					// StaleMessage: duplicate or replay. Drop silently.
				}
			}
		}
	}
}

func answerLocally(state *kvstate.Snapshot, env wire.Envelope) wire.Envelope {
	switch env.Op {
	case wire.OpLookup:
		val, ok := state.Lookup(env.Key)
		if !ok {
			return wire.Envelope{Op: wire.OpReplyNull, Seq: state.Sequence}
		}
		return wire.Envelope{Op: wire.OpReplyOK, Seq: state.Sequence, Val: val, Present: true}
	case wire.OpHasKey:
		return wire.Envelope{Op: wire.OpReplyBool, Seq: state.Sequence, Present: state.HasKey(env.Key)}
	case wire.OpSize:
		return wire.Envelope{Op: wire.OpReplySize, Seq: state.Sequence, Size: state.Size()}
	default:
		return wire.Envelope{Op: wire.OpReplyError, Error: "cloner: unsupported query"}
	}
}

func applyMutation(state *kvstate.Snapshot, env wire.Envelope) {
	switch env.Op {
	case wire.OpInsert:
		state.Insert(env.Key, env.Val)
	case wire.OpIncrement:
		state.Increment(env.Key, env.By)
	case wire.OpDecrement:
		state.Decrement(env.Key, env.By)
	case wire.OpRemove:
		state.Remove(env.Key)
	case wire.OpClear:
		state.Clear()
	}
	state.Sequence = env.Seq
}

func cloneValues(values map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}

func (c *Cloner) query(ctx context.Context, env wire.Envelope) (wire.Envelope, error) {
	reply := make(chan wire.Envelope, 1)
	select {
	case c.queryCh <- queryRequest{env: env, reply: reply}:
	case <-c.done:
		return wire.Envelope{}, ErrClosed
	case <-ctx.Done():
		return wire.Envelope{}, ctx.Err()
	}
	select {
	case r := <-reply:
		return r, nil
	case <-c.done:
		return wire.Envelope{}, ErrClosed
	case <-ctx.Done():
		return wire.Envelope{}, ctx.Err()
	}
}

// Lookup answers from the cloner's local state.
func (c *Cloner) Lookup(ctx context.Context, key string) (int64, bool, error) {
	reply, err := c.query(ctx, wire.Envelope{Op: wire.OpLookup, Key: key})
	if err != nil {
		return 0, false, err
	}
	return reply.Val, reply.Present, nil
}

// HasKey answers from the cloner's local state.
func (c *Cloner) HasKey(ctx context.Context, key string) (bool, error) {
	reply, err := c.query(ctx, wire.Envelope{Op: wire.OpHasKey, Key: key})
	if err != nil {
		return false, err
	}
	return reply.Present, nil
}

// Size answers from the cloner's local state.
func (c *Cloner) Size(ctx context.Context) (uint64, error) {
	reply, err := c.query(ctx, wire.Envelope{Op: wire.OpSize})
	if err != nil {
		return 0, err
	}
	return reply.Size, nil
}

func (c *Cloner) forward(env wire.Envelope) {
	select {
	case c.forwardCh <- forwardRequest{env: env}:
	case <-c.done:
	}
}

// Insert forwards an unsequenced insert to the master. Local state only
// changes once the resulting sequenced update comes back through the
// update stream; this call never blocks on that round-trip.
func (c *Cloner) Insert(key string, val int64) {
	c.forward(wire.Envelope{Op: wire.OpInsert, Key: key, Val: val})
}

// Increment forwards an unsequenced increment to the master.
func (c *Cloner) Increment(key string, by int64) {
	c.forward(wire.Envelope{Op: wire.OpIncrement, Key: key, By: by})
}

// Decrement forwards an unsequenced decrement to the master.
func (c *Cloner) Decrement(key string, by int64) {
	c.forward(wire.Envelope{Op: wire.OpDecrement, Key: key, By: by})
}

// Remove forwards an unsequenced remove to the master.
func (c *Cloner) Remove(key string) {
	c.forward(wire.Envelope{Op: wire.OpRemove, Key: key})
}

// Clear forwards an unsequenced clear to the master.
func (c *Cloner) Clear() {
	c.forward(wire.Envelope{Op: wire.OpClear})
}

// State reports the cloner's current connection lifecycle state.
func (c *Cloner) State() State {
	reply := make(chan State, 1)
	select {
	case c.stateCh <- reply:
	case <-c.done:
		return Terminated
	}
	select {
	case s := <-reply:
		return s
	case <-c.done:
		return Terminated
	}
}

// Request gives the cloner the same uniform request/response shape as a
// master, so the request bridge can address either without a type switch.
// Queries are answered from local state; mutations are forwarded
// fire-and-forget (per the documented no-acknowledgement policy for
// cloner-side writes) and reply with OpReplyOK immediately.
func (c *Cloner) Request(ctx context.Context, env wire.Envelope) (wire.Envelope, error) {
	switch env.Op {
	case wire.OpLookup, wire.OpHasKey, wire.OpSize:
		return c.query(ctx, env)
	case wire.OpInsert, wire.OpIncrement, wire.OpDecrement, wire.OpRemove, wire.OpClear:
		c.forward(env)
		return wire.Envelope{Op: wire.OpReplyOK}, nil
	default:
		return wire.Envelope{}, errors.New("cloner: unsupported request op")
	}
}

// Close terminates the cloner's dispatch goroutine and tears down any live
// connection. Close is idempotent.
func (c *Cloner) Close() {
	done := make(chan struct{})
	select {
	case c.closeCh <- done:
		<-done
	case <-c.done:
	}
}

// Done returns a channel closed once the cloner's dispatch loop has exited.
func (c *Cloner) Done() <-chan struct{} {
	return c.done
}
