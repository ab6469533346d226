// Package certverify implements the external certificate-chain verifier
// capability that the VerifyServerCertificate handshake state suspends
// on, plus the small amount of certificate parsing the core itself
// needs to pull the server's RSA public key out of an opaque DER blob.
package certverify

import (
	"context"
	"crypto/rsa"
	"crypto/x509"

	"github.com/cloudflare/cfssl/helpers"

	"github.com/wisnuc/tlsthin/internal/tlserr"
)

// Verifier authenticates a server certificate chain. Verify returns a
// channel that receives exactly one result and is never closed without a
// send: the handshake state machine blocks on this channel (or ctx) and
// does not deliver further records to the connection while waiting.
type Verifier interface {
	Verify(ctx context.Context, certs [][]byte) <-chan error
}

// X509Verifier is the default Verifier: ordinary Go x509 chain
// verification against a caller-supplied root pool and expected server
// name, run in its own goroutine so the caller's channel-based contract
// holds even though the underlying call is synchronous.
type X509Verifier struct {
	Roots      *x509.CertPool
	ServerName string
}

func (v *X509Verifier) Verify(ctx context.Context, certs [][]byte) <-chan error {
	ch := make(chan error, 1)
	go func() {
		ch <- v.verify(certs)
	}()
	return ch
}

func (v *X509Verifier) verify(certs [][]byte) error {
	if len(certs) == 0 {
		return tlserr.New(tlserr.BadCertificate, "server sent an empty certificate_list")
	}
	leaf, err := x509.ParseCertificate(certs[0])
	if err != nil {
		return tlserr.Wrap(tlserr.BadCertificate, "parse leaf certificate", err)
	}

	intermediates := x509.NewCertPool()
	for _, raw := range certs[1:] {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return tlserr.Wrap(tlserr.BadCertificate, "parse intermediate certificate", err)
		}
		intermediates.AddCert(cert)
	}

	opts := x509.VerifyOptions{
		Roots:         v.Roots,
		Intermediates: intermediates,
		DNSName:       v.ServerName,
	}
	if _, err := leaf.Verify(opts); err != nil {
		return tlserr.Wrap(tlserr.BadCertificate, "chain verification failed", err)
	}
	return nil
}

// LoadCABundle parses a PEM bundle of trust anchors into a CertPool.
func LoadCABundle(pemBytes []byte) (*x509.CertPool, error) {
	certs, err := helpers.ParseCertificatesPEM(pemBytes)
	if err != nil {
		return nil, tlserr.Wrap(tlserr.BadCertificate, "parse CA bundle", err)
	}
	pool := x509.NewCertPool()
	for _, c := range certs {
		pool.AddCert(c)
	}
	return pool, nil
}

// ParseRSAPublicKey extracts the RSA public key the core needs from the
// leaf certificate's DER bytes, to encrypt the pre-master secret with.
// This is the one piece of certificate parsing the core itself performs;
// it never otherwise inspects certificate contents.
func ParseRSAPublicKey(der []byte) (*rsa.PublicKey, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, tlserr.Wrap(tlserr.BadCertificate, "parse leaf certificate", err)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, tlserr.New(tlserr.BadCertificate, "leaf certificate does not carry an RSA public key")
	}
	return pub, nil
}
