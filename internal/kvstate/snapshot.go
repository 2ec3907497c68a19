// Package kvstate holds the in-memory key/value mapping that every replica
// (master or cloner) carries, bundled with the sequence value it reflects.
package kvstate

import (
	"kvreplica/internal/bigseq"
)

// Snapshot is the pair (mapping key->value, sequence) described by the
// replication protocol. The zero value is not ready for use; call New.
type Snapshot struct {
	Sequence bigseq.Seq
	Values   map[string]int64
}

// New returns an empty snapshot at sequence zero, as created when a master
// spawns.
func New() Snapshot {
	return Snapshot{
		Sequence: bigseq.Zero(),
		Values:   make(map[string]int64),
	}
}

// Clone returns a deep copy so callers may hand out a snapshot without
// exposing the owner's internal map.
func (s Snapshot) Clone() Snapshot {
	values := make(map[string]int64, len(s.Values))
	for k, v := range s.Values {
		values[k] = v
	}
	return Snapshot{Sequence: s.Sequence.Clone(), Values: values}
}

// Equal reports whether two snapshots have the same sequence and mapping.
func (s Snapshot) Equal(other Snapshot) bool {
	if !bigseq.Equal(s.Sequence, other.Sequence) {
		return false
	}
	if len(s.Values) != len(other.Values) {
		return false
	}
	for k, v := range s.Values {
		if ov, ok := other.Values[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Lookup returns the value stored under key and whether it is present.
func (s Snapshot) Lookup(key string) (int64, bool) {
	v, ok := s.Values[key]
	return v, ok
}

// HasKey reports whether key is present.
func (s Snapshot) HasKey(key string) bool {
	_, ok := s.Values[key]
	return ok
}

// Size returns the number of stored keys.
func (s Snapshot) Size() uint64 {
	return uint64(len(s.Values))
}

// Insert sets map[key] = val.
func (s Snapshot) Insert(key string, val int64) {
	s.Values[key] = val
}

// Increment adds by to map[key], reading an absent key as zero, and returns
// the resulting value.
func (s Snapshot) Increment(key string, by int64) int64 {
	v := s.Values[key] + by
	s.Values[key] = v
	return v
}

// Decrement subtracts by from map[key], reading an absent key as zero, and
// returns the resulting value.
func (s Snapshot) Decrement(key string, by int64) int64 {
	v := s.Values[key] - by
	s.Values[key] = v
	return v
}

// Remove erases key; it is not an error if key is absent.
func (s Snapshot) Remove(key string) {
	delete(s.Values, key)
}

// Clear erases every key.
func (s Snapshot) Clear() {
	for k := range s.Values {
		delete(s.Values, k)
	}
}
