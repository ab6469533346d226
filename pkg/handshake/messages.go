// Package handshake implements the TLS 1.2 handshake messages, the
// transcript buffer, and the ten-state hierarchical state tree with its
// LCA-based Transition; the connection facade in pkg/conn drives them.
package handshake

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"

	"github.com/wisnuc/tlsthin/internal/tlserr"
	"github.com/wisnuc/tlsthin/pkg/record"
)

// MsgType identifies a handshake message, the first octet of its 4-octet
// header.
type MsgType uint8

const (
	MsgHelloRequest       MsgType = 0
	MsgClientHello        MsgType = 1
	MsgServerHello        MsgType = 2
	MsgCertificate        MsgType = 11
	MsgCertificateRequest MsgType = 13
	MsgServerHelloDone    MsgType = 14
	MsgCertificateVerify  MsgType = 15
	MsgClientKeyExchange  MsgType = 16
	MsgFinished           MsgType = 20
)

// wrap builds the 4-octet handshake header (type, 3-octet length) around
// body and returns the full handshake message.
func wrap(typ MsgType, body []byte) []byte {
	out := make([]byte, 4+len(body))
	out[0] = byte(typ)
	record.PutUint24(out[1:4], uint32(len(body)))
	copy(out[4:], body)
	return out
}

// SplitHeader validates and strips a message's 4-octet header, returning
// its type and body. The connection facade uses this to dispatch an
// incoming message reassembled by the record dispatcher.
func SplitHeader(msg []byte) (MsgType, []byte, error) {
	if len(msg) < 4 {
		return 0, nil, tlserr.New(tlserr.DecodeError, "handshake message shorter than its header")
	}
	n := record.Uint24(msg[1:4])
	if uint32(len(msg)) != 4+n {
		return 0, nil, tlserr.New(tlserr.DecodeError, "handshake message length field does not match body")
	}
	return MsgType(msg[0]), msg[4:], nil
}

// ClientHelloMsg is the single ClientHello this client ever sends: one
// cipher suite offered, no extensions, no session resumption.
type ClientHelloMsg struct {
	Random []byte // 32 octets
}

func (m *ClientHelloMsg) Marshal() []byte {
	var b cryptobyte.Builder
	b.AddUint16(record.ProtocolVersion)
	b.AddBytes(m.Random)
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {}) // empty session_id
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint16(0x002F) // TLS_RSA_WITH_AES_128_CBC_SHA
	})
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint8(0x00) // compression: null
	})
	body, _ := b.Bytes()
	return wrap(MsgClientHello, body)
}

// ServerHelloMsg is the server's reply: the fields this client validates
// before continuing the handshake.
type ServerHelloMsg struct {
	Random          []byte
	SessionID       []byte
	CipherSuite     uint16
	CompressionMeth uint8
}

func (m *ServerHelloMsg) Unmarshal(body []byte) error {
	s := cryptobyte.String(body)
	var vers uint16
	if !s.ReadUint16(&vers) {
		return tlserr.New(tlserr.DecodeError, "ServerHello: truncated version")
	}
	if vers != record.ProtocolVersion {
		return tlserr.New(tlserr.ProtocolVersion, fmt.Sprintf("ServerHello offers version %#04x", vers))
	}
	m.Random = make([]byte, 32)
	if !s.ReadBytes(&m.Random, 32) {
		return tlserr.New(tlserr.DecodeError, "ServerHello: truncated random")
	}
	var sid cryptobyte.String
	if !s.ReadUint8LengthPrefixed(&sid) {
		return tlserr.New(tlserr.DecodeError, "ServerHello: truncated session_id")
	}
	m.SessionID = append([]byte(nil), sid...)
	if !s.ReadUint16(&m.CipherSuite) {
		return tlserr.New(tlserr.DecodeError, "ServerHello: truncated cipher_suite")
	}
	var comp uint8
	if !s.ReadUint8(&comp) {
		return tlserr.New(tlserr.DecodeError, "ServerHello: truncated compression_method")
	}
	m.CompressionMeth = comp
	// Any trailing extensions are ignored.
	return nil
}

// CertificateMsg carries the server's (or client's) certificate chain as
// opaque DER blobs; this message type never parses them (the leaf's RSA
// key is extracted separately by certverify.ParseRSAPublicKey).
type CertificateMsg struct {
	Certificates [][]byte
}

func (m *CertificateMsg) Marshal() []byte {
	var b cryptobyte.Builder
	b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, cert := range m.Certificates {
			b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddBytes(cert)
			})
		}
	})
	body, _ := b.Bytes()
	return wrap(MsgCertificate, body)
}

func (m *CertificateMsg) Unmarshal(body []byte) error {
	s := cryptobyte.String(body)
	var certs cryptobyte.String
	if !s.ReadUint24LengthPrefixed(&certs) {
		return tlserr.New(tlserr.DecodeError, "Certificate: truncated certificate_list")
	}
	if !s.Empty() {
		return tlserr.New(tlserr.DecodeError, "Certificate: trailing bytes after certificate_list")
	}
	m.Certificates = nil
	for !certs.Empty() {
		var one cryptobyte.String
		if !certs.ReadUint24LengthPrefixed(&one) {
			return tlserr.New(tlserr.DecodeError, "Certificate: malformed certificate entry")
		}
		m.Certificates = append(m.Certificates, append([]byte(nil), one...))
	}
	return nil
}

// CertificateRequestMsg is parsed and otherwise ignored beyond the fields
// this client inspects.
type CertificateRequestMsg struct {
	CertificateTypes             []uint8
	SupportedSignatureAlgorithms []uint16
}

func (m *CertificateRequestMsg) Unmarshal(body []byte) error {
	s := cryptobyte.String(body)
	var types cryptobyte.String
	if !s.ReadUint8LengthPrefixed(&types) {
		return tlserr.New(tlserr.DecodeError, "CertificateRequest: truncated certificate_types")
	}
	for !types.Empty() {
		var t uint8
		if !types.ReadUint8(&t) {
			return tlserr.New(tlserr.DecodeError, "CertificateRequest: malformed certificate_types")
		}
		m.CertificateTypes = append(m.CertificateTypes, t)
	}

	var algs cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&algs) {
		return tlserr.New(tlserr.DecodeError, "CertificateRequest: truncated supported_signature_algorithms")
	}
	if len(algs)%2 != 0 {
		return tlserr.New(tlserr.DecodeError, "CertificateRequest: odd-length supported_signature_algorithms")
	}
	for !algs.Empty() {
		var a uint16
		if !algs.ReadUint16(&a) {
			return tlserr.New(tlserr.DecodeError, "CertificateRequest: malformed supported_signature_algorithms")
		}
		m.SupportedSignatureAlgorithms = append(m.SupportedSignatureAlgorithms, a)
	}
	// distinguished_names is ignored entirely.
	return nil
}

// ServerHelloDoneMsg must be zero-length.
type ServerHelloDoneMsg struct{}

func (m *ServerHelloDoneMsg) Unmarshal(body []byte) error {
	if len(body) != 0 {
		return tlserr.New(tlserr.DecodeError, "ServerHelloDone: must be zero-length")
	}
	return nil
}

// ClientKeyExchangeMsg carries the RSA-encrypted pre-master secret.
type ClientKeyExchangeMsg struct {
	EncryptedPreMasterSecret []byte
}

func (m *ClientKeyExchangeMsg) Marshal() []byte {
	var b cryptobyte.Builder
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(m.EncryptedPreMasterSecret)
	})
	body, _ := b.Bytes()
	return wrap(MsgClientKeyExchange, body)
}

// CertificateVerifyMsg carries the client's signature over the transcript.
type CertificateVerifyMsg struct {
	Algorithm uint16
	Signature []byte
}

func (m *CertificateVerifyMsg) Marshal() []byte {
	var b cryptobyte.Builder
	b.AddUint16(m.Algorithm)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(m.Signature)
	})
	body, _ := b.Bytes()
	return wrap(MsgCertificateVerify, body)
}

// FinishedMsg carries the 12-octet verify_data.
type FinishedMsg struct {
	VerifyData []byte
}

func (m *FinishedMsg) Marshal() []byte {
	return wrap(MsgFinished, m.VerifyData)
}

func (m *FinishedMsg) Unmarshal(body []byte) error {
	if len(body) != 12 {
		return tlserr.New(tlserr.DecodeError, "Finished: verify_data must be 12 octets")
	}
	m.VerifyData = append([]byte(nil), body...)
	return nil
}
