// Package wire defines the logical messages exchanged between masters,
// cloners, remote handles, and subscribers. The encoding (JSON over a
// websocket connection) is an implementation choice; the shapes mirror the
// discriminated records the replication protocol specifies.
package wire

import (
	"kvreplica/internal/bigseq"
)

// Op identifies the kind of payload an Envelope carries.
type Op string

const (
	// client -> master
	OpInsert    Op = "insert"
	OpIncrement Op = "increment"
	OpDecrement Op = "decrement"
	OpRemove    Op = "remove"
	OpClear     Op = "clear"
	OpLookup    Op = "lookup"
	OpHasKey    Op = "haskey"
	OpSize      Op = "size"
	OpSnapshot  Op = "snapshot"
	OpQuit      Op = "quit"

	// master -> requester (replies)
	OpReplyOK    Op = "reply_ok"
	OpReplyNull  Op = "reply_null"
	OpReplyBool  Op = "reply_bool"
	OpReplySize  Op = "reply_size"
	OpReplySnap  Op = "reply_snapshot"
	OpReplyError Op = "reply_error"

	// bidirectional
	OpDown Op = "down"
)

// Envelope is the single wire frame shape for every logical message. Only
// the fields relevant to Op are populated; the rest are left at their zero
// value, matching the teacher's tagged-envelope convention
// (worldDiffEnvelope/timeSyncEnvelope) of one struct with an Op/Type
// discriminator.
type Envelope struct {
	Op Op `json:"op"`

	// Mutation fields.
	Key string     `json:"key,omitempty"`
	Val int64      `json:"val,omitempty"`
	By  int64      `json:"by,omitempty"`
	Seq bigseq.Seq `json:"seq,omitempty"`

	// snapshot request / subscriber registration.
	SubscriberID string `json:"subscriber_id,omitempty"`

	// replies.
	Present  bool             `json:"present,omitempty"`
	Size     uint64           `json:"size,omitempty"`
	Snapshot *SnapshotPayload `json:"snapshot,omitempty"`
	Error    string           `json:"error,omitempty"`

	// liveness.
	PeerID string `json:"peer_id,omitempty"`
}

// SnapshotPayload carries a full KV snapshot, optionally compressed.
type SnapshotPayload struct {
	Sequence bigseq.Seq        `json:"sequence"`
	Values   map[string]int64  `json:"values,omitempty"`
	Codec    string            `json:"codec,omitempty"`
	Blob     []byte            `json:"blob,omitempty"`
}

// Update constructs the master->subscriber update frame for a mutation
// that just completed at seq. op must be one of OpInsert, OpIncrement,
// OpDecrement, OpRemove, or OpClear.
func Update(op Op, seq bigseq.Seq, key string, val, by int64) Envelope {
	return Envelope{Op: op, Seq: seq, Key: key, Val: val, By: by}
}

// IsMutation reports whether op represents a state-changing operation that
// carries a sequence number when emitted by a master.
func IsMutation(op Op) bool {
	switch op {
	case OpInsert, OpIncrement, OpDecrement, OpRemove, OpClear:
		return true
	default:
		return false
	}
}
