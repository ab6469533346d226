package handshake

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wisnuc/tlsthin/internal/tlserr"
)

func TestClientHelloMsg_MarshalShape(t *testing.T) {
	random := make([]byte, 32)
	for i := range random {
		random[i] = byte(i)
	}
	msg := (&ClientHelloMsg{Random: random}).Marshal()

	typ, body, err := SplitHeader(msg)
	require.NoError(t, err)
	assert.Equal(t, MsgClientHello, typ)
	assert.Equal(t, uint16(0x0303), uint16(body[0])<<8|uint16(body[1]))
}

func TestServerHelloMsg_RejectsWrongVersion(t *testing.T) {
	body := []byte{0x03, 0x01} // bogus version, nothing else
	var sh ServerHelloMsg
	err := sh.Unmarshal(body)
	require.Error(t, err)
	var terr *tlserr.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, tlserr.ProtocolVersion, terr.Kind)
}

func TestCertificateMsg_RoundTrip(t *testing.T) {
	in := CertificateMsg{Certificates: [][]byte{{1, 2, 3}, {4, 5, 6, 7}}}
	full := in.Marshal()
	typ, body, err := SplitHeader(full)
	require.NoError(t, err)
	assert.Equal(t, MsgCertificate, typ)

	var out CertificateMsg
	require.NoError(t, out.Unmarshal(body))
	assert.Equal(t, in.Certificates, out.Certificates)
}

func TestServerHelloDoneMsg_RejectsNonEmptyBody(t *testing.T) {
	var shd ServerHelloDoneMsg
	err := shd.Unmarshal([]byte{0x00})
	require.Error(t, err)
}

func TestFinishedMsg_RoundTrip(t *testing.T) {
	in := FinishedMsg{VerifyData: []byte("123456789012")}
	full := in.Marshal()
	typ, body, err := SplitHeader(full)
	require.NoError(t, err)
	assert.Equal(t, MsgFinished, typ)

	var out FinishedMsg
	require.NoError(t, out.Unmarshal(body))
	assert.Equal(t, in.VerifyData, out.VerifyData)
}

func TestFinishedMsg_RejectsWrongLength(t *testing.T) {
	var out FinishedMsg
	err := out.Unmarshal([]byte("too short"))
	require.Error(t, err)
}
