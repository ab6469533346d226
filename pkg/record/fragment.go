package record

import (
	"fmt"

	"github.com/wisnuc/tlsthin/internal/tlserr"
)

// Message is one reassembled protocol message: a ChangeCipherSpec byte, an
// Alert pair, a full handshake message (4-octet header included), or an
// ApplicationData chunk.
type Message struct {
	Type    ContentType
	Payload []byte
}

// Dispatcher reassembles protocol messages out of a sequence of records,
// coalescing fragments of the same content type and splitting out as many
// complete messages as the staged bytes allow before asking for the next
// record.
type Dispatcher struct {
	stagedType ContentType
	staged     []byte
	hasStaged  bool
}

// NewDispatcher returns an empty fragment dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// Feed appends one record's fragment to the staging buffer. Mixing content
// types inside one logical message is a protocol violation.
func (d *Dispatcher) Feed(rec Record) error {
	if d.hasStaged && len(d.staged) > 0 && d.stagedType != rec.Type {
		return tlserr.New(tlserr.UnexpectedMessage, fmt.Sprintf("fragment type mismatch: staged %s, got %s", d.stagedType, rec.Type))
	}
	d.stagedType = rec.Type
	d.hasStaged = true
	d.staged = append(d.staged, rec.Fragment...)
	return nil
}

// Next extracts one complete protocol message from the staging buffer, if
// enough bytes have accumulated. Callers should call Next in a loop after
// every Feed until ok is false, since a single record may coalesce several
// messages (e.g. several short handshake messages in one record).
func (d *Dispatcher) Next() (msg Message, ok bool, err error) {
	if !d.hasStaged || len(d.staged) == 0 {
		return Message{}, false, nil
	}

	switch d.stagedType {
	case TypeChangeCipherSpec:
		if len(d.staged) < 1 {
			return Message{}, false, nil
		}
		if d.staged[0] != 0x01 {
			return Message{}, false, tlserr.New(tlserr.DecodeError, "change_cipher_spec value must be 0x01")
		}
		return d.take(1), true, nil

	case TypeAlert:
		if len(d.staged) < 2 {
			return Message{}, false, nil
		}
		return d.take(2), true, nil

	case TypeHandshake:
		if len(d.staged) < 4 {
			return Message{}, false, nil
		}
		n := int(d.staged[1])<<16 | int(d.staged[2])<<8 | int(d.staged[3])
		total := 4 + n
		if len(d.staged) < total {
			return Message{}, false, nil
		}
		return d.take(total), true, nil

	case TypeApplicationData:
		return d.take(len(d.staged)), true, nil

	default:
		return Message{}, false, tlserr.New(tlserr.UnexpectedMessage, "unknown staged content type")
	}
}

func (d *Dispatcher) take(n int) Message {
	payload := append([]byte(nil), d.staged[:n]...)
	d.staged = d.staged[n:]
	if len(d.staged) == 0 {
		d.hasStaged = false
	}
	msg := Message{Type: d.stagedType, Payload: payload}
	return msg
}

// uint24 helpers used by handshake message marshal/unmarshal.

// PutUint24 writes the low 24 bits of n big-endian into b, which must be at
// least 3 bytes long.
func PutUint24(b []byte, n uint32) {
	b[0] = byte(n >> 16)
	b[1] = byte(n >> 8)
	b[2] = byte(n)
}

// Uint24 reads a big-endian 24-bit unsigned integer from the first 3 bytes
// of b.
func Uint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}
