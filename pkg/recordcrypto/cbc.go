package recordcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // mandated by TLS_RSA_WITH_AES_128_CBC_SHA
	"crypto/subtle"
	"encoding/binary"
	"io"

	"github.com/wisnuc/tlsthin/internal/tlserr"
	"github.com/wisnuc/tlsthin/pkg/record"
)

const (
	macSize   = 20
	blockSize = aes.BlockSize // 16
)

// Cipher is the write-direction handle for TLS_RSA_WITH_AES_128_CBC_SHA:
// MAC-then-encrypt with an explicit, random per-record IV. Once installed
// it is immutable for the lifetime of the connection.
type Cipher struct {
	macKey []byte
	block  cipher.Block
	seq    SequenceNumber
	rand   io.Reader // overridable by tests; crypto/rand.Reader in production
}

// NewCipher builds a write-direction cipher handle from a key block slice.
func NewCipher(macKey, encKey []byte) (*Cipher, error) {
	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, tlserr.Wrap(tlserr.InternalError, "recordcrypto: build AES cipher", err)
	}
	return &Cipher{macKey: macKey, block: block, rand: rand.Reader}, nil
}

// Encrypt implements the TLS 1.2 CBC record-protection algorithm: it
// returns iv || AES_128_CBC(client_write_key, iv, plaintext || mac || pad).
func (c *Cipher) Encrypt(typ record.ContentType, plaintext []byte) ([]byte, error) {
	seq, err := c.seq.Next()
	if err != nil {
		return nil, err
	}

	mac := computeMAC(c.macKey, seq, typ, plaintext)

	padLen := blockSize - ((len(plaintext) + macSize) % blockSize)
	padded := make([]byte, 0, len(plaintext)+macSize+padLen)
	padded = append(padded, plaintext...)
	padded = append(padded, mac...)
	for i := 0; i < padLen; i++ {
		padded = append(padded, byte(padLen-1))
	}

	iv := make([]byte, blockSize)
	if _, err := io.ReadFull(c.rand, iv); err != nil {
		return nil, tlserr.Wrap(tlserr.InternalError, "recordcrypto: draw explicit IV", err)
	}

	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(ciphertext, padded)

	out := make([]byte, 0, len(iv)+len(ciphertext))
	out = append(out, iv...)
	out = append(out, ciphertext...)
	return out, nil
}

// Decipher is the read-direction handle, mirroring Cipher.
type Decipher struct {
	macKey []byte
	block  cipher.Block
	seq    SequenceNumber
}

// NewDecipher builds a read-direction cipher handle.
func NewDecipher(macKey, encKey []byte) (*Decipher, error) {
	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, tlserr.Wrap(tlserr.InternalError, "recordcrypto: build AES cipher", err)
	}
	return &Decipher{macKey: macKey, block: block}, nil
}

// Decrypt implements the matching CBC record-unprotection algorithm.
// Padding and MAC failures are deliberately indistinguishable: both
// return the same bad_record_mac kind, and the padding check and MAC
// comparison both run in constant time so a network observer cannot
// distinguish the two failure modes by timing (the classic CBC
// padding-oracle hazard).
func (d *Decipher) Decrypt(typ record.ContentType, payload []byte) ([]byte, error) {
	if len(payload) < blockSize || len(payload)%blockSize != 0 {
		return nil, badRecordMAC()
	}
	iv, ct := payload[:blockSize], payload[blockSize:]
	if len(ct) == 0 || len(ct)%blockSize != 0 {
		return nil, badRecordMAC()
	}

	dec := make([]byte, len(ct))
	cipher.NewCBCDecrypter(d.block, iv).CryptBlocks(dec, ct)

	padLen, padGood := extractPadding(dec)

	seq, err := d.seq.Next()
	if err != nil {
		return nil, err
	}

	// macAndPadGood folds the MAC comparison and the padding check into a
	// single constant-time result so neither leaks via timing. When
	// padding is invalid, extractPadding reports a padLen of 1, so the
	// (wrong) MAC is still computed over nearly the whole buffer rather than
	// short-circuiting; n is clamped to 0 when the claimed padding leaves no
	// room for a MAC.
	n := len(dec) - macSize - padLen
	if n < 0 {
		n = 0
		padGood = 0
	}
	if n+macSize > len(dec) {
		return nil, badRecordMAC()
	}

	plaintext := dec[:n]
	gotMAC := dec[n : n+macSize]
	wantMAC := computeMAC(d.macKey, seq, typ, plaintext)

	macAndPadGood := subtle.ConstantTimeCompare(gotMAC, wantMAC) & int(padGood)
	if macAndPadGood != 1 {
		return nil, badRecordMAC()
	}
	return plaintext, nil
}

func badRecordMAC() error {
	return tlserr.New(tlserr.BadRecordMAC, "record authentication failed")
}

// computeMAC implements the RFC 5246 Section 6.2.3.1 mac_input
// construction: seq || type || 0x03 0x03 || uint16(len(plaintext)) ||
// plaintext.
func computeMAC(macKey []byte, seq [8]byte, typ record.ContentType, plaintext []byte) []byte {
	h := hmac.New(sha1.New, macKey)
	h.Write(seq[:])
	h.Write([]byte{byte(typ)})
	var vers [2]byte
	binary.BigEndian.PutUint16(vers[:], record.ProtocolVersion)
	h.Write(vers[:])
	var length [2]byte
	binary.BigEndian.PutUint16(length[:], uint16(len(plaintext)))
	h.Write(length[:])
	h.Write(plaintext)
	return h.Sum(nil)
}

// extractPadding returns, in constant time, the padding length to remove
// and 255 if the padding was well formed, 0 otherwise. Mirrors RFC 5246
// Section 6.2.3.2: every padding octet must equal padLen-1.
func extractPadding(payload []byte) (padLen int, good byte) {
	if len(payload) == 0 {
		return 0, 0
	}
	candidate := payload[len(payload)-1]
	t := uint(len(payload)-1) - uint(candidate)
	good = byte(int32(^t) >> 31)

	toCheck := 256
	if toCheck > len(payload) {
		toCheck = len(payload)
	}
	for i := 0; i < toCheck; i++ {
		t := uint(candidate) - uint(i)
		mask := byte(int32(^t) >> 31)
		b := payload[len(payload)-1-i]
		good &^= mask&candidate ^ mask&b
	}

	good &= good << 4
	good &= good << 2
	good &= good << 1
	good = byte(int8(good) >> 7)

	candidate &= good
	return int(candidate) + 1, good
}
