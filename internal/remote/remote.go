// Package remote implements one-shot request/response handles against a
// master, with no local mirroring: every call crosses the wire. It is the
// request-only counterpart to package cloner, which additionally keeps a
// synchronized local copy.
package remote

import (
	"context"
	"errors"

	"kvreplica/internal/cloner"
	"kvreplica/internal/wire"
)

// ErrClosed is returned by Request made after Close.
var ErrClosed = errors.New("remote: closed")

type call struct {
	env   wire.Envelope
	reply chan result
}

type result struct {
	env wire.Envelope
	err error
}

// Handle is a bridge.Target backed directly by a live connection to a
// remote master, with no synchronized state of its own. Requests are
// serialized one at a time over the connection, the same way a cloner
// serializes its own query/forward traffic, since the wire protocol
// carries no request-correlation id.
type Handle struct {
	conn cloner.Conn

	mailbox chan call
	closeCh chan chan struct{}
	done    chan struct{}
}

// Dial establishes a connection via dialer and returns a live Handle. A
// dial failure is the embedder-facing ConnectError: callers should treat a
// non-nil error as "could not open remote handle" and typically surface it
// as returning no handle at all.
func Dial(ctx context.Context, dialer cloner.Dialer) (*Handle, error) {
	conn, err := dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	h := &Handle{
		conn:    conn,
		mailbox: make(chan call),
		closeCh: make(chan chan struct{}),
		done:    make(chan struct{}),
	}
	go h.run()
	return h, nil
}

func (h *Handle) run() {
	defer close(h.done)
	defer h.conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		select {
		case done := <-h.closeCh:
			close(done)
			return

		case c := <-h.mailbox:
			if err := h.conn.Send(ctx, c.env); err != nil {
				c.reply <- result{err: err}
				continue
			}
			env, err := h.conn.Recv(ctx)
			if err != nil {
				c.reply <- result{err: err}
				return
			}
			c.reply <- result{env: env}
		}
	}
}

// Request submits env and blocks for the next frame the connection
// returns. Calls are queued through the handle's dispatch goroutine and
// handled one at a time, so each call's reply is the next frame read
// after its own send.
func (h *Handle) Request(ctx context.Context, env wire.Envelope) (wire.Envelope, error) {
	reply := make(chan result, 1)
	select {
	case h.mailbox <- call{env: env, reply: reply}:
	case <-h.done:
		return wire.Envelope{}, ErrClosed
	case <-ctx.Done():
		return wire.Envelope{}, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.env, r.err
	case <-h.done:
		return wire.Envelope{}, ErrClosed
	case <-ctx.Done():
		return wire.Envelope{}, ctx.Err()
	}
}

// Done returns a channel closed once the underlying connection has torn
// down, satisfying bridge.Target.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Close tears down the connection. Close is idempotent.
func (h *Handle) Close() {
	done := make(chan struct{})
	select {
	case h.closeCh <- done:
		<-done
	case <-h.done:
	}
}
