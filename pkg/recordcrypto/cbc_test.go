package recordcrypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wisnuc/tlsthin/internal/tlserr"
	"github.com/wisnuc/tlsthin/pkg/record"
)

func keys(mac, enc byte) (macKey, encKey []byte) {
	macKey = make([]byte, macSize)
	encKey = make([]byte, 16)
	for i := range macKey {
		macKey[i] = mac
	}
	for i := range encKey {
		encKey[i] = enc
	}
	return
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	macKey, encKey := keys(0x11, 0x22)
	c, err := NewCipher(macKey, encKey)
	require.NoError(t, err)
	d, err := NewDecipher(macKey, encKey)
	require.NoError(t, err)

	plaintext := []byte("application data over TLS 1.2")
	ct, err := c.Encrypt(record.TypeApplicationData, plaintext)
	require.NoError(t, err)

	got, err := d.Decrypt(record.TypeApplicationData, ct)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestEncryptDecrypt_AdvancesSequenceNumbers(t *testing.T) {
	macKey, encKey := keys(0x33, 0x44)
	c, err := NewCipher(macKey, encKey)
	require.NoError(t, err)
	d, err := NewDecipher(macKey, encKey)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		ct, err := c.Encrypt(record.TypeApplicationData, []byte("msg"))
		require.NoError(t, err)
		_, err = d.Decrypt(record.TypeApplicationData, ct)
		require.NoError(t, err)
	}
	assert.EqualValues(t, 3, c.seq.value)
	assert.EqualValues(t, 3, d.seq.value)
}

func TestDecrypt_SingleBitFlipFailsWithBadRecordMAC(t *testing.T) {
	macKey, encKey := keys(0x55, 0x66)
	c, err := NewCipher(macKey, encKey)
	require.NoError(t, err)
	d, err := NewDecipher(macKey, encKey)
	require.NoError(t, err)

	ct, err := c.Encrypt(record.TypeApplicationData, []byte("tamper me please"))
	require.NoError(t, err)

	ct[len(ct)-1] ^= 0x01

	_, err = d.Decrypt(record.TypeApplicationData, ct)
	require.Error(t, err)
	var terr *tlserr.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, tlserr.BadRecordMAC, terr.Kind)
}

func TestDecrypt_PaddingTamperAlsoFailsAsBadRecordMAC(t *testing.T) {
	macKey, encKey := keys(0x77, 0x88)
	c, err := NewCipher(macKey, encKey)
	require.NoError(t, err)
	d, err := NewDecipher(macKey, encKey)
	require.NoError(t, err)

	ct, err := c.Encrypt(record.TypeApplicationData, []byte("x"))
	require.NoError(t, err)

	// Flip a bit inside the final ciphertext block, which (after CBC
	// decryption) lands in the padding/MAC region.
	ct[len(ct)-2] ^= 0x80

	_, err = d.Decrypt(record.TypeApplicationData, ct)
	require.Error(t, err)
	var terr *tlserr.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, tlserr.BadRecordMAC, terr.Kind)
}

func TestSequenceNumber_OverflowIsFatal(t *testing.T) {
	s := SequenceNumber{value: ^uint64(0)}
	_, err := s.Next()
	require.NoError(t, err)

	_, err = s.Next()
	require.Error(t, err)
	var terr *tlserr.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, tlserr.InternalError, terr.Kind)
}
