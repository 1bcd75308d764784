// Package codec converts register state to and from its stored form:
// eight little-endian ballot bytes followed by the raw value bytes.
package codec

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"caskv/internal/model"
)

// HeaderSize is the number of ballot bytes at the front of every record.
const HeaderSize = 8

// ErrCorruptRecord is returned when a stored record cannot hold a ballot.
var ErrCorruptRecord = errors.New("corrupt register record")

// Encode returns le(ballot) ++ value. The length is always HeaderSize+len(value).
func Encode(v model.VersionedValue) []byte {
	out := make([]byte, HeaderSize+len(v.Value))
	binary.LittleEndian.PutUint64(out[:HeaderSize], v.Ballot)
	copy(out[HeaderSize:], v.Value)
	return out
}

// Decode parses a record produced by Encode. An empty remainder decodes to a
// nil value. The returned value does not alias raw.
func Decode(raw []byte) (model.VersionedValue, error) {
	if len(raw) < HeaderSize {
		return model.VersionedValue{}, errors.Wrapf(ErrCorruptRecord,
			"record is %d bytes, need at least %d", len(raw), HeaderSize)
	}

	v := model.VersionedValue{Ballot: binary.LittleEndian.Uint64(raw[:HeaderSize])}
	if rest := raw[HeaderSize:]; len(rest) > 0 {
		v.Value = make([]byte, len(rest))
		copy(v.Value, rest)
	}
	return v, nil
}
