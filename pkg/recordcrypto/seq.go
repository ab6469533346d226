package recordcrypto

import "github.com/wisnuc/tlsthin/internal/tlserr"

// SequenceNumber is a 64-bit big-endian counter, one per direction, used as
// input to the record MAC. Next returns the pre-increment value and
// advances the counter; exhausting it after 2^64 values is fatal.
type SequenceNumber struct {
	value     uint64
	exhausted bool
}

// Next returns the current counter value as 8 big-endian octets and
// advances the counter, or fails with internal_error once the counter has
// been exhausted.
func (s *SequenceNumber) Next() ([8]byte, error) {
	var out [8]byte
	if s.exhausted {
		return out, tlserr.New(tlserr.InternalError, "sequence number overflow")
	}
	putUint64(out[:], s.value)
	if s.value == ^uint64(0) {
		s.exhausted = true
	} else {
		s.value++
	}
	return out, nil
}

func putUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}
