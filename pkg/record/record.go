// Package record implements the TLS 1.2 record layer: record header
// encode/decode, transport framing, and the fragment dispatcher that
// reassembles handshake messages out of one or more records.
package record

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/wisnuc/tlsthin/internal/tlserr"
)

// ContentType is the TLS record content type, one of the four values
// defined by RFC 5246 Section 6.2.1.
type ContentType uint8

const (
	TypeChangeCipherSpec ContentType = 20
	TypeAlert            ContentType = 21
	TypeHandshake        ContentType = 22
	TypeApplicationData  ContentType = 23
)

func (t ContentType) String() string {
	switch t {
	case TypeChangeCipherSpec:
		return "change_cipher_spec"
	case TypeAlert:
		return "alert"
	case TypeHandshake:
		return "handshake"
	case TypeApplicationData:
		return "application_data"
	default:
		return fmt.Sprintf("content_type(%d)", uint8(t))
	}
}

func (t ContentType) valid() bool {
	switch t {
	case TypeChangeCipherSpec, TypeAlert, TypeHandshake, TypeApplicationData:
		return true
	default:
		return false
	}
}

// ProtocolVersion is the wire version carried in every record header. This
// client only ever negotiates TLS 1.2.
const ProtocolVersion uint16 = 0x0303

const (
	// HeaderLen is the fixed 5-octet record header length.
	HeaderLen = 5
	// MaxPlaintext is the largest fragment a record may carry (2^14 octets).
	MaxPlaintext = 1 << 14
	// maxCiphertext bounds the on-wire record body: plaintext plus the
	// largest possible explicit IV, MAC and padding this cipher suite adds.
	maxCiphertext = MaxPlaintext + 2048
)

// Record is one decoded TLS record: a content type and its (possibly still
// encrypted) fragment.
type Record struct {
	Type     ContentType
	Fragment []byte
}

// DecryptFunc decrypts one record's on-wire fragment into plaintext. It is
// supplied by the connection facade once a read cipher has been installed.
type DecryptFunc func(typ ContentType, fragment []byte) ([]byte, error)

// EncryptFunc is the write-side counterpart of DecryptFunc.
type EncryptFunc func(typ ContentType, plaintext []byte) ([]byte, error)

// Reader decodes TLS records from an underlying transport, transparently
// reassembling a record that arrives split across multiple transport reads
// and leaving bytes belonging to the next record buffered for the next
// call, so that two records coalesced into a single transport read are
// still dispatched one at a time, in order.
type Reader struct {
	src     *bufio.Reader
	Decrypt DecryptFunc // nil until the read cipher is installed
}

// NewReader wraps r with a buffered record decoder.
func NewReader(r io.Reader) *Reader {
	return &Reader{src: bufio.NewReaderSize(r, maxCiphertext+HeaderLen)}
}

// ReadRecord blocks until one full record has arrived, decodes its header,
// and returns its (optionally decrypted) fragment.
func (rd *Reader) ReadRecord() (Record, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(rd.src, hdr[:]); err != nil {
		return Record{}, err
	}

	typ := ContentType(hdr[0])
	if !typ.valid() {
		return Record{}, tlserr.New(tlserr.UnexpectedMessage, fmt.Sprintf("unexpected content type %d", hdr[0]))
	}
	vers := binary.BigEndian.Uint16(hdr[1:3])
	if vers != ProtocolVersion {
		return Record{}, tlserr.New(tlserr.ProtocolVersion, fmt.Sprintf("received record version %#04x, want %#04x", vers, ProtocolVersion))
	}
	n := int(binary.BigEndian.Uint16(hdr[3:5]))
	if n > maxCiphertext {
		return Record{}, tlserr.New(tlserr.DecodeError, fmt.Sprintf("oversized record of %d octets", n))
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(rd.src, body); err != nil {
		return Record{}, err
	}

	if rd.Decrypt != nil {
		plain, err := rd.Decrypt(typ, body)
		if err != nil {
			return Record{}, err
		}
		body = plain
	}
	if len(body) > MaxPlaintext {
		return Record{}, tlserr.New(tlserr.DecodeError, "decrypted fragment exceeds maximum plaintext length")
	}
	return Record{Type: typ, Fragment: body}, nil
}

// Writer encodes and writes TLS records to an underlying transport one at a
// time; each WriteRecord call performs exactly one transport Write per
// record chunk.
type Writer struct {
	dst     io.Writer
	Encrypt EncryptFunc // nil until the write cipher is installed
}

// NewWriter wraps w with a record encoder.
func NewWriter(w io.Writer) *Writer {
	return &Writer{dst: w}
}

// WriteRecord rejects payloads over MaxPlaintext rather than fragmenting
// them; the caller is expected to chunk its own writes, and the
// connection facade does so for Established-state application data. It
// encrypts the payload if a write cipher is installed, and writes one
// record atomically to the transport.
func (w *Writer) WriteRecord(typ ContentType, payload []byte) (int, error) {
	if len(payload) > MaxPlaintext {
		return 0, tlserr.New(tlserr.InternalError, "WriteRecord payload exceeds 2^14 octets; caller must chunk")
	}

	fragment := payload
	if w.Encrypt != nil {
		enc, err := w.Encrypt(typ, payload)
		if err != nil {
			return 0, err
		}
		fragment = enc
	}

	var hdr [HeaderLen]byte
	hdr[0] = byte(typ)
	binary.BigEndian.PutUint16(hdr[1:3], ProtocolVersion)
	binary.BigEndian.PutUint16(hdr[3:5], uint16(len(fragment)))

	buf := make([]byte, 0, HeaderLen+len(fragment))
	buf = append(buf, hdr[:]...)
	buf = append(buf, fragment...)

	if _, err := w.dst.Write(buf); err != nil {
		return 0, err
	}
	return len(payload), nil
}
