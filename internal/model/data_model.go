package model

import "bytes"

// VersionedValue is the state of one acceptor register: the highest ballot
// accepted for the key and the value accepted with it. A nil Value means no
// value.
type VersionedValue struct {
	Ballot uint64
	Value  []byte
}

// Equal reports whether both ballot and value match. A nil value and an
// empty value compare equal because they share one stored form.
func (v VersionedValue) Equal(other VersionedValue) bool {
	return v.Ballot == other.Ballot && bytes.Equal(v.Value, other.Value)
}

// Clone returns a copy that shares no memory with v.
func (v VersionedValue) Clone() VersionedValue {
	out := VersionedValue{Ballot: v.Ballot}
	if len(v.Value) > 0 {
		out.Value = make([]byte, len(v.Value))
		copy(out.Value, v.Value)
	}
	return out
}

type OpsType byte

const (
	PUT OpsType = iota
)

// Mutation is one commit log entry. Value holds an encoded register record.
type Mutation struct {
	Op       OpsType
	Key      []byte
	Value    []byte
	Sequence uint64
}
