// Package conn implements the connection facade: it owns the transport,
// drives the handshake state machine to completion, and then behaves as
// a plain net.Conn carrying TLS application data.
package conn

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wisnuc/tlsthin/internal/obslog"
	"github.com/wisnuc/tlsthin/internal/tlserr"
	"github.com/wisnuc/tlsthin/pkg/certverify"
	"github.com/wisnuc/tlsthin/pkg/handshake"
	"github.com/wisnuc/tlsthin/pkg/record"
	"github.com/wisnuc/tlsthin/pkg/recordcrypto"
	"github.com/wisnuc/tlsthin/pkg/signer"
)

// Config carries everything Dial needs beyond the bare network address.
type Config struct {
	ServerName         string
	ClientCertificates [][]byte // DER, leaf first; nil if the server never asks
	Verifier           certverify.Verifier
	Signer             signer.Signer // nil if ClientCertificates is empty
	Logger             *zap.Logger
}

// Conn is a client-side TLS_RSA_WITH_AES_128_CBC_SHA connection. It
// implements net.Conn.
type Conn struct {
	id     string
	raw    net.Conn
	rd     *record.Reader
	wr     *record.Writer
	disp   *record.Dispatcher
	pend   []record.Message
	cfg    Config
	logger *zap.Logger

	state handshake.ID

	clientRandom []byte
	serverRandom []byte
	transcript   handshake.Transcript

	serverCerts    [][]byte
	serverPub      *rsa.PublicKey
	certRequested  bool
	preMasterSec   []byte
	masterSecret   []byte
	keys           recordcrypto.KeyBlock
	readSeqCipher  *recordcrypto.Decipher
	writeSeqCipher *recordcrypto.Cipher

	appBuf []byte // leftover decrypted ApplicationData not yet delivered to Read
}

// Dial opens network/addr and runs the full handshake before returning,
// mirroring crypto/tls.Dial's contract.
func Dial(ctx context.Context, network, addr string, cfg Config) (*Conn, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	c, err := Client(raw, cfg)
	if err != nil {
		raw.Close()
		return nil, err
	}
	if err := c.Handshake(ctx); err != nil {
		raw.Close()
		return nil, err
	}
	return c, nil
}

// Client wraps an already-connected transport, ready for Handshake.
func Client(raw net.Conn, cfg Config) (*Conn, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Conn{
		id:     uuid.NewString(),
		raw:    raw,
		rd:     record.NewReader(raw),
		wr:     record.NewWriter(raw),
		disp:   record.NewDispatcher(),
		cfg:    cfg,
		logger: cfg.Logger,
		state:  handshake.StateNone,
	}, nil
}

// Handshake drives the state machine from Start through Established,
// blocking until it completes or fails fatally.
func (c *Conn) Handshake(ctx context.Context) error {
	if err := c.enter(handshake.StateStart); err != nil {
		return c.fatal(err)
	}

	for c.state != handshake.StateEstablished {
		var err error
		switch c.state {
		case handshake.StateVerifyServerCertificate:
			err = c.runVerify(ctx)
		case handshake.StateCertificateVerify:
			err = c.runSign(ctx)
		default:
			err = c.readOneMessage()
		}
		if err != nil {
			return c.fatal(err)
		}
	}
	return nil
}

func (c *Conn) fatal(err error) error {
	obslog.Fatal(c.logger, err, "handshake failed", obslog.ConnField(c.id))
	c.sendAlert(alertLevelFatal, alertFor(err))
	c.raw.Close()
	return err
}

// setState runs the exit hooks of states left, then the enter hooks of
// states entered, per the hierarchical LCA transition of
// handshake.Transition, and finally updates c.state.
func (c *Conn) setState(next handshake.ID) error {
	exitPath, enterPath := handshake.Transition(c.state, next)
	for _, id := range exitPath {
		if err := c.exit(id); err != nil {
			return err
		}
	}
	for _, id := range enterPath {
		if err := c.enterHook(id); err != nil {
			return err
		}
	}
	c.state = next
	return nil
}

// enter is setState's public starting point: it has no "current" state
// to exit from (StateNone has no ancestors), so it only runs enter hooks.
func (c *Conn) enter(next handshake.ID) error {
	return c.setState(next)
}

func (c *Conn) exit(id handshake.ID) error {
	switch id {
	case handshake.StateHandshakeRoot:
		// No-op: the root owns no resources beyond the fields already on Conn.
	}
	return nil
}

func (c *Conn) enterHook(id handshake.ID) error {
	switch id {
	case handshake.StateHandshakeRoot:
		c.clientRandom = make([]byte, 32)
		if _, err := rand.Read(c.clientRandom); err != nil {
			return tlserr.Wrap(tlserr.InternalError, "generate client_random", err)
		}
	case handshake.StateStart:
		return c.sendClientHello()
	case handshake.StateEstablished:
		c.transcript.Reset()
		c.logger.Info("connect", obslog.ConnField(c.id))
	}
	return nil
}

func (c *Conn) sendClientHello() error {
	hello := handshake.ClientHelloMsg{Random: c.clientRandom}
	msg := hello.Marshal()
	c.transcript.Append(msg)
	_, err := c.wr.WriteRecord(record.TypeHandshake, msg)
	return err
}

// readOneMessage reads wire records until one protocol message is ready,
// then dispatches it to the current state's handler. HelloRequest is
// silently ignored in every handshake state.
func (c *Conn) readOneMessage() error {
	typ, payload, err := c.nextMessage()
	if err != nil {
		return err
	}

	switch typ {
	case record.TypeAlert:
		return c.handleAlert(payload)
	case record.TypeChangeCipherSpec:
		return c.handleChangeCipherSpec(payload)
	case record.TypeHandshake:
		return c.handleHandshakeMessage(payload)
	case record.TypeApplicationData:
		return tlserr.New(tlserr.UnexpectedMessage, "application data received before handshake completed")
	default:
		return tlserr.New(tlserr.UnexpectedMessage, "unrecognized record content type")
	}
}

func (c *Conn) nextMessage() (record.ContentType, []byte, error) {
	for {
		if len(c.pend) > 0 {
			m := c.pend[0]
			c.pend = c.pend[1:]
			return m.Type, m.Payload, nil
		}
		rec, err := c.rd.ReadRecord()
		if err != nil {
			return 0, nil, err
		}
		if err := c.disp.Feed(rec); err != nil {
			return 0, nil, err
		}
		for {
			msg, ok, err := c.disp.Next()
			if err != nil {
				return 0, nil, err
			}
			if !ok {
				break
			}
			c.pend = append(c.pend, msg)
		}
	}
}

func (c *Conn) handleHandshakeMessage(full []byte) error {
	typ, body, err := handshake.SplitHeader(full)
	if err != nil {
		return err
	}
	if typ == handshake.MsgHelloRequest {
		return nil
	}

	switch c.state {
	case handshake.StateStart:
		if typ != handshake.MsgServerHello {
			return tlserr.New(tlserr.UnexpectedMessage, "expected ServerHello")
		}
		return c.onServerHello(full, body)
	case handshake.StateServerCertificate:
		if typ != handshake.MsgCertificate {
			return tlserr.New(tlserr.UnexpectedMessage, "expected Certificate")
		}
		return c.onCertificate(full, body)
	case handshake.StateCertificateRequest:
		switch typ {
		case handshake.MsgCertificateRequest:
			return c.onCertificateRequest(full, body)
		case handshake.MsgServerHelloDone:
			return c.onServerHelloDone(full, body)
		default:
			return tlserr.New(tlserr.UnexpectedMessage, "expected CertificateRequest or ServerHelloDone")
		}
	case handshake.StateServerHelloDone:
		if typ != handshake.MsgServerHelloDone {
			return tlserr.New(tlserr.UnexpectedMessage, "expected ServerHelloDone")
		}
		return c.onServerHelloDone(full, body)
	case handshake.StateServerFinished:
		if typ != handshake.MsgFinished {
			return tlserr.New(tlserr.UnexpectedMessage, "expected Finished")
		}
		return c.onServerFinished(body)
	default:
		return tlserr.New(tlserr.UnexpectedMessage, fmt.Sprintf("unexpected handshake message in state %s", c.state))
	}
}

// --- Start -> ServerCertificate ---

func (c *Conn) onServerHello(full, body []byte) error {
	var sh handshake.ServerHelloMsg
	if err := sh.Unmarshal(body); err != nil {
		return err
	}
	if sh.CipherSuite != recordcrypto.CipherSuiteID {
		return tlserr.New(tlserr.HandshakeFailure, "server selected an unsupported cipher suite")
	}
	if sh.CompressionMeth != 0x00 {
		return tlserr.New(tlserr.HandshakeFailure, "server selected a non-null compression method")
	}
	c.serverRandom = sh.Random
	c.transcript.Append(full)
	return c.setState(handshake.StateServerCertificate)
}

// --- ServerCertificate -> CertificateRequest ---

func (c *Conn) onCertificate(full, body []byte) error {
	var cm handshake.CertificateMsg
	if err := cm.Unmarshal(body); err != nil {
		return err
	}
	if len(cm.Certificates) == 0 {
		return tlserr.New(tlserr.BadCertificate, "empty certificate_list")
	}
	c.serverCerts = cm.Certificates
	pub, err := certverify.ParseRSAPublicKey(cm.Certificates[0])
	if err != nil {
		return err
	}
	c.serverPub = pub
	c.transcript.Append(full)
	return c.setState(handshake.StateCertificateRequest)
}

// --- CertificateRequest -> ServerHelloDone (both incoming message shapes) ---

func (c *Conn) onCertificateRequest(full, body []byte) error {
	var cr handshake.CertificateRequestMsg
	if err := cr.Unmarshal(body); err != nil {
		return err
	}
	c.certRequested = true
	c.transcript.Append(full)
	return c.setState(handshake.StateServerHelloDone)
}

// --- ServerHelloDone -> VerifyServerCertificate ---

// onServerHelloDone sends this client's own Certificate (present
// unconditionally, possibly with zero entries) and ClientKeyExchange, in
// that order, before suspending for server certificate verification: RFC
// 5246 Section 7.4 fixes this wire order regardless of whether the
// server ever sent a CertificateRequest.
func (c *Conn) onServerHelloDone(full, body []byte) error {
	var shd handshake.ServerHelloDoneMsg
	if err := shd.Unmarshal(body); err != nil {
		return err
	}
	if c.state != handshake.StateServerHelloDone {
		// Reached directly from CertificateRequest when the server never
		// sent a CertificateRequest message; pass through the
		// ServerHelloDone state itself so its hooks still fire.
		if err := c.setState(handshake.StateServerHelloDone); err != nil {
			return err
		}
	}
	c.transcript.Append(full)

	if err := c.sendClientCertificate(); err != nil {
		return err
	}
	if err := c.sendClientKeyExchange(); err != nil {
		return err
	}

	return c.setState(handshake.StateVerifyServerCertificate)
}

// runVerify is the first suspension point: it hands the server's
// certificate chain to the external Verifier and blocks on its one-shot
// channel (or ctx cancellation) without reading further records.
func (c *Conn) runVerify(ctx context.Context) error {
	verifier := c.cfg.Verifier
	if verifier == nil {
		return tlserr.New(tlserr.InternalError, "no certificate verifier configured")
	}
	select {
	case err := <-verifier.Verify(ctx, c.serverCerts):
		if err != nil {
			return err
		}
		return c.setState(handshake.StateCertificateVerify)
	case <-ctx.Done():
		return tlserr.Wrap(tlserr.InternalError, "certificate verification canceled", ctx.Err())
	}
}

// runSign is the second suspension point. Certificate and ClientKeyExchange
// have already been sent from onServerHelloDone; if the server never
// requested client authentication (certRequested is false), or the
// configuration carries no client certificate, this moves straight on
// without ever invoking the signer.
func (c *Conn) runSign(ctx context.Context) error {
	if !c.certRequested || len(c.cfg.ClientCertificates) == 0 {
		return c.sendClientChangeCipherSpecAndFinished()
	}

	signer := c.cfg.Signer
	if signer == nil {
		return tlserr.New(tlserr.InternalError, "server requested client authentication but no signer is configured")
	}
	digest := c.transcript.Sum256()
	select {
	case res := <-signer.Sign(ctx, digest):
		if res.Err != nil {
			return res.Err
		}
		cv := handshake.CertificateVerifyMsg{Algorithm: res.Algorithm, Signature: res.Signature}
		msg := cv.Marshal()
		c.transcript.Append(msg)
		if _, err := c.wr.WriteRecord(record.TypeHandshake, msg); err != nil {
			return err
		}
		return c.sendClientChangeCipherSpecAndFinished()
	case <-ctx.Done():
		return tlserr.Wrap(tlserr.InternalError, "client signature canceled", ctx.Err())
	}
}

func (c *Conn) sendClientCertificate() error {
	cm := handshake.CertificateMsg{Certificates: c.cfg.ClientCertificates}
	msg := cm.Marshal()
	c.transcript.Append(msg)
	_, err := c.wr.WriteRecord(record.TypeHandshake, msg)
	return err
}

func (c *Conn) sendClientKeyExchange() error {
	c.preMasterSec = make([]byte, 48)
	c.preMasterSec[0] = 0x03
	c.preMasterSec[1] = 0x03
	if _, err := rand.Read(c.preMasterSec[2:]); err != nil {
		return tlserr.Wrap(tlserr.InternalError, "generate pre_master_secret", err)
	}

	encrypted, err := rsa.EncryptPKCS1v15(rand.Reader, c.serverPub, c.preMasterSec)
	if err != nil {
		return tlserr.Wrap(tlserr.InternalError, "RSA-encrypt pre_master_secret", err)
	}

	c.masterSecret = recordcrypto.MasterSecret(c.preMasterSec, c.clientRandom, c.serverRandom)
	block := recordcrypto.ExpandKeyBlock(c.masterSecret, c.clientRandom, c.serverRandom)
	kb, err := recordcrypto.SplitKeyBlock(block)
	if err != nil {
		return tlserr.Wrap(tlserr.InternalError, "split key block", err)
	}
	c.keys = kb

	cke := handshake.ClientKeyExchangeMsg{EncryptedPreMasterSecret: encrypted}
	msg := cke.Marshal()
	c.transcript.Append(msg)
	_, err = c.wr.WriteRecord(record.TypeHandshake, msg)
	return err
}

// --- ChangeCipherSpec ---

// sendClientChangeCipherSpecAndFinished runs as soon as this client's own
// flight is complete (CertificateVerify sent, or skipped entirely): it
// sends this side's ChangeCipherSpec, installs the write cipher, then
// sends Finished, all unprompted by anything from the server. The
// connection then sits in StateChangeCipherSpec waiting for the server's
// own ChangeCipherSpec.
func (c *Conn) sendClientChangeCipherSpecAndFinished() error {
	if _, err := c.wr.WriteRecord(record.TypeChangeCipherSpec, []byte{0x01}); err != nil {
		return err
	}

	enc, err := recordcrypto.NewCipher(c.keys.ClientWriteMAC, c.keys.ClientWriteKey)
	if err != nil {
		return err
	}
	c.writeSeqCipher = enc
	c.wr.Encrypt = enc.Encrypt

	verifyData := recordcrypto.VerifyData(c.masterSecret, "client finished", c.transcript.Sum256())
	fin := handshake.FinishedMsg{VerifyData: verifyData}
	msg := fin.Marshal()
	c.transcript.Append(msg)
	if _, err := c.wr.WriteRecord(record.TypeHandshake, msg); err != nil {
		return err
	}
	return c.setState(handshake.StateChangeCipherSpec)
}

// handleChangeCipherSpec runs when the current state is
// StateChangeCipherSpec and a ChangeCipherSpec record (not a handshake
// message) arrives: the client has already sent its own ChangeCipherSpec
// and Finished by this point, and is only waiting on the server's.
func (c *Conn) handleChangeCipherSpec(payload []byte) error {
	if c.state != handshake.StateChangeCipherSpec {
		return tlserr.New(tlserr.UnexpectedMessage, "unexpected change_cipher_spec")
	}
	if len(payload) != 1 || payload[0] != 0x01 {
		return tlserr.New(tlserr.DecodeError, "malformed change_cipher_spec")
	}

	dec, err := recordcrypto.NewDecipher(c.keys.ServerWriteMAC, c.keys.ServerWriteKey)
	if err != nil {
		return err
	}
	c.readSeqCipher = dec
	c.rd.Decrypt = dec.Decrypt

	return c.setState(handshake.StateServerFinished)
}

// --- ServerFinished -> Established ---

func (c *Conn) onServerFinished(body []byte) error {
	var fin handshake.FinishedMsg
	if err := fin.Unmarshal(body); err != nil {
		return err
	}
	want := recordcrypto.VerifyData(c.masterSecret, "server finished", c.transcript.Sum256())
	if !constantTimeEqual(fin.VerifyData, want) {
		return tlserr.New(tlserr.HandshakeFailure, "server Finished verify_data mismatch")
	}
	// The inbound Finished is never appended to the transcript; the
	// transcript is dropped on entering Established.
	return c.setState(handshake.StateEstablished)
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}

// --- Alerts ---

func (c *Conn) handleAlert(payload []byte) error {
	if len(payload) != 2 {
		return tlserr.New(tlserr.DecodeError, "malformed alert")
	}
	level, desc := payload[0], payload[1]
	if desc == alertDescCloseNotify {
		return tlserr.New(tlserr.Closed, "peer sent close_notify")
	}
	if level == alertLevelWarning {
		c.logger.Warn("received warning alert", obslog.ConnField(c.id), zap.Uint8("description", desc))
		return nil
	}
	return tlserr.New(tlserr.HandshakeFailure, fmt.Sprintf("received fatal alert %d", desc))
}

const (
	alertLevelWarning byte = 1
	alertLevelFatal   byte = 2

	alertDescCloseNotify        byte = 0
	alertDescUnexpectedMessage  byte = 10
	alertDescBadRecordMAC       byte = 20
	alertDescDecryptError       byte = 51
	alertDescProtocolVersion    byte = 70
	alertDescHandshakeFailure   byte = 40
	alertDescBadCertificate     byte = 42
	alertDescInternalError      byte = 80
)

// alertFor maps an internal error kind to the alert description this
// client sends the peer before closing.
func alertFor(err error) byte {
	terr, ok := err.(*tlserr.Error)
	if !ok {
		return alertDescInternalError
	}
	switch terr.Kind {
	case tlserr.ProtocolVersion:
		return alertDescProtocolVersion
	case tlserr.UnexpectedMessage:
		return alertDescUnexpectedMessage
	case tlserr.DecodeError:
		return alertDescHandshakeFailure
	case tlserr.BadRecordMAC:
		return alertDescBadRecordMAC
	case tlserr.HandshakeFailure:
		return alertDescHandshakeFailure
	case tlserr.BadCertificate:
		return alertDescBadCertificate
	case tlserr.DecryptError:
		return alertDescDecryptError
	default:
		return alertDescInternalError
	}
}

func (c *Conn) sendAlert(level, desc byte) {
	payload := []byte{level, desc}
	_, _ = c.wr.WriteRecord(record.TypeAlert, payload)
}

// --- net.Conn ---

// Read returns decrypted ApplicationData. It is only valid once the
// handshake has completed.
func (c *Conn) Read(b []byte) (int, error) {
	for len(c.appBuf) == 0 {
		typ, payload, err := c.nextMessage()
		if err != nil {
			return 0, err
		}
		switch typ {
		case record.TypeApplicationData:
			c.appBuf = payload
		case record.TypeAlert:
			if err := c.handleAlert(payload); err != nil {
				return 0, err
			}
		case record.TypeChangeCipherSpec, record.TypeHandshake:
			return 0, tlserr.New(tlserr.UnexpectedMessage, "received handshake traffic after Established")
		}
	}
	n := copy(b, c.appBuf)
	c.appBuf = c.appBuf[n:]
	return n, nil
}

// Write chunks p into <=2^14-octet records: the record writer itself
// never auto-fragments, so Established application data is chunked here.
func (c *Conn) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		n := len(p)
		if n > record.MaxPlaintext {
			n = record.MaxPlaintext
		}
		if _, err := c.wr.WriteRecord(record.TypeApplicationData, p[:n]); err != nil {
			return total, err
		}
		total += n
		p = p[n:]
	}
	return total, nil
}

// Close sends close_notify and closes the underlying transport, combining
// both failures if they both occur rather than discarding the first.
func (c *Conn) Close() error {
	payload := []byte{alertLevelWarning, alertDescCloseNotify}
	_, writeErr := c.wr.WriteRecord(record.TypeAlert, payload)
	closeErr := c.raw.Close()
	return multierr.Append(writeErr, closeErr)
}

func (c *Conn) LocalAddr() net.Addr  { return c.raw.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

func (c *Conn) SetDeadline(t time.Time) error      { return c.raw.SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error  { return c.raw.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.raw.SetWriteDeadline(t) }

var _ net.Conn = (*Conn)(nil)
