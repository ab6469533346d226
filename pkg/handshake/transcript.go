package handshake

import "crypto/sha256"

// Transcript is the append-only concatenation of handshake messages used
// as PRF input for Finished and as the bytes signed by CertificateVerify.
// HelloRequest and the inbound Finished are never appended.
type Transcript struct {
	buf []byte
}

// Append adds msg (a full handshake message, header included) to the
// transcript.
func (t *Transcript) Append(msg []byte) {
	t.buf = append(t.buf, msg...)
}

// Bytes returns the current transcript bytes. The caller must not retain
// or mutate the returned slice past the next Append.
func (t *Transcript) Bytes() []byte {
	return t.buf
}

// Sum256 returns SHA-256 of the transcript as it stands, the hash input
// PRF uses for both Finished verify_data values and for CertificateVerify.
func (t *Transcript) Sum256() []byte {
	sum := sha256.Sum256(t.buf)
	return sum[:]
}

// Reset drops the transcript once the connection reaches Established; it
// is never needed again after the handshake completes.
func (t *Transcript) Reset() {
	t.buf = nil
}
