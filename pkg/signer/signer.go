// Package signer implements the external client-authentication signer
// capability that the CertificateVerify handshake state suspends on.
package signer

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"

	"github.com/cloudflare/cfssl/helpers"

	"github.com/wisnuc/tlsthin/internal/tlserr"
)

// algRSAPKCS1SHA256 is the SignatureAndHashAlgorithm pair (sha256, rsa)
// from RFC 5246 Section 7.4.1.4.1, the only algorithm this client ever
// offers or produces.
const algRSAPKCS1SHA256 uint16 = 0x0401

// Result is what a Signer sends back over its channel: the negotiated
// algorithm identifier alongside the signature, or an error.
type Result struct {
	Algorithm uint16
	Signature []byte
	Err       error
}

// Signer signs the handshake transcript digest for client authentication.
// digest must already be the SHA-256 hash of the transcript; Sign never
// hashes it again. It returns a channel that receives exactly one
// Result, the same one-shot-future shape as certverify.Verifier.
type Signer interface {
	Sign(ctx context.Context, digest []byte) <-chan Result
}

// RSASigner is the default Signer: RSASSA-PKCS1-v1_5 over SHA-256, the
// only algorithm this client's ClientKeyExchange/CertificateVerify pair
// ever uses.
type RSASigner struct {
	Key *rsa.PrivateKey
}

func (s *RSASigner) Sign(ctx context.Context, digest []byte) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		sig, err := rsa.SignPKCS1v15(rand.Reader, s.Key, crypto.SHA256, digest)
		if err != nil {
			ch <- Result{Err: tlserr.Wrap(tlserr.InternalError, "sign transcript", err)}
			return
		}
		ch <- Result{Algorithm: algRSAPKCS1SHA256, Signature: sig}
	}()
	return ch
}

// LoadPrivateKey parses a PEM-encoded RSA private key, the client
// authentication key named in config.Config.ClientKeyFile.
func LoadPrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	key, err := helpers.ParsePrivateKeyPEM(pemBytes)
	if err != nil {
		return nil, tlserr.Wrap(tlserr.InternalError, "parse client private key", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, tlserr.New(tlserr.InternalError, "client private key is not RSA")
	}
	return rsaKey, nil
}
