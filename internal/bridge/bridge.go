// Package bridge wraps one-shot request/response interactions against a
// master or cloner, bridging the actor-style asynchronous core to
// synchronous and timed-asynchronous callers.
package bridge

import (
	"context"
	"errors"
	"time"

	"kvreplica/internal/wire"
)

// Target is anything a bridge request can be issued against: a master or
// a cloner, both of which serialize Request against their own mailbox and
// expose a Done channel that closes once they have torn down.
type Target interface {
	Request(ctx context.Context, env wire.Envelope) (wire.Envelope, error)
	Done() <-chan struct{}
}

// Outcome classifies an async_request result.
type Outcome int

const (
	Success Outcome = iota
	Timeout
	Failure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Timeout:
		return "timeout"
	case Failure:
		return "failure"
	default:
		return "unknown"
	}
}

// Result is the payload handed to an async_request callback.
type Result struct {
	Outcome  Outcome
	Response wire.Envelope
	Err      error
}

// ErrPeerDown is returned when target tears down before replying.
var ErrPeerDown = errors.New("bridge: peer is down")

// SyncRequest blocks the caller until target answers req, with no timeout:
// an indefinite wait is the contract. It fails if target tears down before
// answering, the context is canceled, target's Request returns an error,
// or the reply is an error reply.
func SyncRequest(ctx context.Context, target Target, req wire.Envelope) (wire.Envelope, error) {
	type outcome struct {
		env wire.Envelope
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		env, err := target.Request(ctx, req)
		done <- outcome{env: env, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return wire.Envelope{}, o.err
		}
		if o.env.Op == wire.OpReplyError {
			return wire.Envelope{}, errors.New(o.env.Error)
		}
		return o.env, nil
	case <-target.Done():
		return wire.Envelope{}, ErrPeerDown
	case <-ctx.Done():
		return wire.Envelope{}, ctx.Err()
	}
}

// Callback is invoked exactly once with the outcome of an async_request.
// The bridge never re-drives a callback once it has been invoked.
type Callback func(Result)

// AsyncRequest is non-blocking: it spawns a dedicated, short-lived worker
// that issues req against target, waits up to timeout, and invokes
// callback exactly once with SUCCESS, TIMEOUT, or FAILURE. The worker
// terminates immediately after invoking callback.
func AsyncRequest(target Target, req wire.Envelope, timeout time.Duration, callback Callback) {
	if callback == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		type outcome struct {
			env wire.Envelope
			err error
		}
		replyCh := make(chan outcome, 1)
		go func() {
			env, err := target.Request(ctx, req)
			replyCh <- outcome{env: env, err: err}
		}()

		select {
		case o := <-replyCh:
			if o.err != nil {
				callback(Result{Outcome: Failure, Err: o.err})
				return
			}
			if o.env.Op == wire.OpReplyError {
				callback(Result{Outcome: Failure, Err: errors.New(o.env.Error)})
				return
			}
			callback(Result{Outcome: Success, Response: o.env})

		case <-target.Done():
			callback(Result{Outcome: Failure, Err: ErrPeerDown})

		case <-ctx.Done():
			callback(Result{Outcome: Timeout, Err: ctx.Err()})
		}
	}()
}

// DecodeLookup converts a lookup reply envelope into (value, present, ok).
// ok is false if env's shape does not match a lookup reply at all, which
// the bridge surfaces as a decode failure rather than retrying.
func DecodeLookup(env wire.Envelope) (value int64, present bool, ok bool) {
	switch env.Op {
	case wire.OpReplyOK:
		return env.Val, true, true
	case wire.OpReplyNull:
		return 0, false, true
	default:
		return 0, false, false
	}
}

// DecodeHasKey converts a haskey reply envelope into (present, ok).
func DecodeHasKey(env wire.Envelope) (present bool, ok bool) {
	if env.Op != wire.OpReplyBool {
		return false, false
	}
	return env.Present, true
}

// DecodeSize converts a size reply envelope into (count, ok).
func DecodeSize(env wire.Envelope) (count uint64, ok bool) {
	if env.Op != wire.OpReplySize {
		return 0, false
	}
	return env.Size, true
}
