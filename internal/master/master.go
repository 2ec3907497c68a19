// Package master implements the canonical, sequence-ordered owner of a
// topic's key/value state. A Master runs a single dispatch goroutine, in
// the same one-goroutine-owns-mutable-state shape as the teacher's
// simulation.Loop: every request is processed to completion, in arrival
// order, before the next is started, so no explicit locking is needed
// around the state itself.
package master

import (
	"context"
	"errors"

	"kvreplica/internal/bigseq"
	"kvreplica/internal/kvstate"
	"kvreplica/internal/storelog"
	"kvreplica/internal/wire"
)

// ErrClosed is returned by Request when the master has already shut down.
var ErrClosed = errors.New("master: closed")

// Subscriber receives best-effort update fan-out. The master never blocks
// sending to Notify: when the channel is full the update is dropped for
// that subscriber, so a slow or dead subscriber only ever risks missing
// updates, never stalls the master.
type Subscriber struct {
	ID     string
	Notify chan<- wire.Envelope
}

type request struct {
	env   wire.Envelope
	reply chan wire.Envelope
}

type subscribeRequest struct {
	sub    Subscriber
	result chan struct{}
}

type unsubscribeRequest struct {
	id     string
	result chan struct{}
}

type snapshotSubRequest struct {
	sub   Subscriber
	reply chan wire.Envelope
}

// Master owns canonical state for one topic.
type Master struct {
	log *storelog.Logger

	mailbox       chan request
	subscribeCh   chan subscribeRequest
	snapshotSubCh chan snapshotSubRequest
	unsubCh       chan unsubscribeRequest
	closeCh       chan chan struct{}

	done chan struct{}
}

// New starts a Master's dispatch goroutine and returns a handle to it. The
// returned Master owns an independent, empty snapshot at sequence zero.
func New(log *storelog.Logger) *Master {
	if log == nil {
		log = storelog.NewTestLogger()
	}
	m := &Master{
		log:           log,
		mailbox:       make(chan request),
		subscribeCh:   make(chan subscribeRequest),
		snapshotSubCh: make(chan snapshotSubRequest),
		unsubCh:       make(chan unsubscribeRequest),
		closeCh:       make(chan chan struct{}),
		done:          make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *Master) run() {
	defer close(m.done)

	state := kvstate.New()
	subs := make(map[string]chan<- wire.Envelope)

	broadcast := func(env wire.Envelope) {
		for id, ch := range subs {
			select {
			case ch <- env:
			default:
				m.log.Warn("dropped update for slow subscriber", storelog.Subscriber(id), storelog.Seq("seq", env.Seq))
			}
		}
	}

	for {
		select {
		case done := <-m.closeCh:
			for id, ch := range subs {
				select {
				case ch <- wire.Envelope{Op: wire.OpDown, PeerID: id}:
				default:
				}
			}
			close(done)
			return

		case sr := <-m.subscribeCh:
			subs[sr.sub.ID] = sr.sub.Notify
			close(sr.result)

		case sr := <-m.snapshotSubCh:
			// The wire protocol's `snapshot` operation registers the
			// subscriber and captures the snapshot as one atomic step, so
			// no mutation can be fanned out to a subscriber that has not
			// yet seen the state it is based on.
			subs[sr.sub.ID] = sr.sub.Notify
			sr.reply <- m.apply(&state, wire.Envelope{Op: wire.OpSnapshot}, broadcast)

		case ur := <-m.unsubCh:
			delete(subs, ur.id)
			close(ur.result)

		case req := <-m.mailbox:
			if req.env.Op == wire.OpQuit {
				if req.reply != nil {
					req.reply <- wire.Envelope{Op: wire.OpReplyOK}
				}
				for id, ch := range subs {
					select {
					case ch <- wire.Envelope{Op: wire.OpDown, PeerID: id}:
					default:
					}
				}
				return
			}
			reply := m.apply(&state, req.env, broadcast)
			if req.reply != nil {
				req.reply <- reply
			}
		}
	}
}

// apply executes one request against state, mutating it for write
// operations, and returns the reply envelope. Mutations advance the
// sequence counter exactly once and are broadcast to subscribers after
// state has been updated, so a concurrently-arriving read always observes
// the write it logically follows.
func (m *Master) apply(state *kvstate.Snapshot, env wire.Envelope, broadcast func(wire.Envelope)) wire.Envelope {
	switch env.Op {
	case wire.OpInsert:
		state.Insert(env.Key, env.Val)
		state.Sequence = state.Sequence.Next()
		update := wire.Update(wire.OpInsert, state.Sequence, env.Key, env.Val, 0)
		broadcast(update)
		return wire.Envelope{Op: wire.OpReplyOK, Seq: state.Sequence}

	case wire.OpIncrement:
		result := state.Increment(env.Key, env.By)
		state.Sequence = state.Sequence.Next()
		update := wire.Update(wire.OpIncrement, state.Sequence, env.Key, 0, env.By)
		broadcast(update)
		return wire.Envelope{Op: wire.OpReplyOK, Seq: state.Sequence, Val: result}

	case wire.OpDecrement:
		result := state.Decrement(env.Key, env.By)
		state.Sequence = state.Sequence.Next()
		update := wire.Update(wire.OpDecrement, state.Sequence, env.Key, 0, env.By)
		broadcast(update)
		return wire.Envelope{Op: wire.OpReplyOK, Seq: state.Sequence, Val: result}

	case wire.OpRemove:
		state.Remove(env.Key)
		state.Sequence = state.Sequence.Next()
		update := wire.Update(wire.OpRemove, state.Sequence, env.Key, 0, 0)
		broadcast(update)
		return wire.Envelope{Op: wire.OpReplyOK, Seq: state.Sequence}

	case wire.OpClear:
		state.Clear()
		state.Sequence = state.Sequence.Next()
		update := wire.Update(wire.OpClear, state.Sequence, "", 0, 0)
		broadcast(update)
		return wire.Envelope{Op: wire.OpReplyOK, Seq: state.Sequence}

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

	case wire.OpSnapshot:
		clone := state.Clone()
		return wire.Envelope{Op: wire.OpReplySnap, Seq: state.Sequence, Snapshot: &wire.SnapshotPayload{
			Sequence: clone.Sequence,
			Values:   clone.Values,
		}}

	default:
		return wire.Envelope{Op: wire.OpReplyError, Error: "master: unsupported operation"}
	}
}

// Request submits env to the master's dispatch loop and blocks until it
// has been applied, returning the reply envelope.
func (m *Master) Request(ctx context.Context, env wire.Envelope) (wire.Envelope, error) {
	reply := make(chan wire.Envelope, 1)
	select {
	case m.mailbox <- request{env: env, reply: reply}:
	case <-m.done:
		return wire.Envelope{}, ErrClosed
	case <-ctx.Done():
		return wire.Envelope{}, ctx.Err()
	}
	select {
	case r := <-reply:
		return r, nil
	case <-m.done:
		return wire.Envelope{}, ErrClosed
	case <-ctx.Done():
		return wire.Envelope{}, ctx.Err()
	}
}

// Subscribe registers a subscriber for update fan-out. Delivery is
// best-effort: a subscriber whose channel is full at broadcast time
// silently misses that update, and is expected to detect the resulting
// sequence gap and request a fresh snapshot.
func (m *Master) Subscribe(ctx context.Context, sub Subscriber) error {
	result := make(chan struct{})
	select {
	case m.subscribeCh <- subscribeRequest{sub: sub, result: result}:
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-result:
		return nil
	case <-m.done:
		return ErrClosed
	}
}

// SnapshotSubscribe atomically registers sub as a live subscriber and
// returns the current snapshot, matching the wire protocol's single
// `snapshot` operation (register + read, with no fan-out of its own).
func (m *Master) SnapshotSubscribe(ctx context.Context, sub Subscriber) (wire.Envelope, error) {
	reply := make(chan wire.Envelope, 1)
	select {
	case m.snapshotSubCh <- snapshotSubRequest{sub: sub, reply: reply}:
	case <-m.done:
		return wire.Envelope{}, ErrClosed
	case <-ctx.Done():
		return wire.Envelope{}, ctx.Err()
	}
	select {
	case r := <-reply:
		return r, nil
	case <-m.done:
		return wire.Envelope{}, ErrClosed
	case <-ctx.Done():
		return wire.Envelope{}, ctx.Err()
	}
}

// Unsubscribe removes a previously registered subscriber. It is a no-op if
// the subscriber is already gone or the master has closed.
func (m *Master) Unsubscribe(id string) {
	result := make(chan struct{})
	select {
	case m.unsubCh <- unsubscribeRequest{id: id, result: result}:
		<-result
	case <-m.done:
	}
}

// Close shuts down the dispatch goroutine, notifying subscribers with a
// best-effort OpDown frame first. Close is idempotent.
func (m *Master) Close() {
	done := make(chan struct{})
	select {
	case m.closeCh <- done:
		<-done
	case <-m.done:
	}
}

// Done returns a channel closed once the master's dispatch loop has exited.
func (m *Master) Done() <-chan struct{} {
	return m.done
}

// Sequence returns the master's current sequence by issuing a lookup-style
// query through the dispatch loop, so callers observe a value consistent
// with the master's own ordering rather than a racily-read field.
func (m *Master) Sequence(ctx context.Context) (bigseq.Seq, error) {
	reply, err := m.Request(ctx, wire.Envelope{Op: wire.OpSize})
	if err != nil {
		return nil, err
	}
	return reply.Seq, nil
}
