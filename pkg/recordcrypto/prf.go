package recordcrypto

import (
	"crypto/hmac"
	"crypto/sha256"
)

// pHash implements P_HMAC from RFC 5246 Section 5: P_hash(secret, seed) =
// HMAC(secret, A(1) || seed) || HMAC(secret, A(2) || seed) || ...
// where A(0) = seed, A(i) = HMAC(secret, A(i-1)). It is prefix-stable: the
// first n octets of pHash(secret, seed, m) equal pHash(secret, seed, n) for
// any m >= n, since each round only appends to the previous output.
func pHash(secret, seed []byte, n int) []byte {
	out := make([]byte, 0, n)

	mac := hmac.New(sha256.New, secret)
	mac.Write(seed)
	a := mac.Sum(nil)

	for len(out) < n {
		mac = hmac.New(sha256.New, secret)
		mac.Write(a)
		mac.Write(seed)
		out = append(out, mac.Sum(nil)...)

		mac = hmac.New(sha256.New, secret)
		mac.Write(a)
		a = mac.Sum(nil)
	}
	return out[:n]
}

// PRF implements PRF_SHA256 from RFC 5246 Section 5: the first n octets of
// P_hash(secret, label || seed).
func PRF(secret []byte, label string, seed []byte, n int) []byte {
	labeled := make([]byte, 0, len(label)+len(seed))
	labeled = append(labeled, label...)
	labeled = append(labeled, seed...)
	return pHash(secret, labeled, n)
}

// MasterSecret derives the 48-octet master secret from the pre-master
// secret and both hello randoms.
func MasterSecret(preMaster, clientRandom, serverRandom []byte) []byte {
	seed := make([]byte, 0, 2*randomLen)
	seed = append(seed, clientRandom...)
	seed = append(seed, serverRandom...)
	return PRF(preMaster, "master secret", seed, masterSecretLen)
}

// ExpandKeyBlock derives the KeyBlockLen-octet key block from the master
// secret. Note the seed order is reversed relative to MasterSecret: server
// random first, then client random, per RFC 5246 Section 6.3.
func ExpandKeyBlock(masterSecret, clientRandom, serverRandom []byte) []byte {
	seed := make([]byte, 0, 2*randomLen)
	seed = append(seed, serverRandom...)
	seed = append(seed, clientRandom...)
	return PRF(masterSecret, "key expansion", seed, KeyBlockLen)
}

// VerifyData derives the 12-octet Finished verify_data for either side.
// label is "client finished" or "server finished"; transcriptHash is
// SHA-256 over the handshake transcript up to the point RFC 5246
// Section 7.4.9 mandates for that side.
func VerifyData(masterSecret []byte, label string, transcriptHash []byte) []byte {
	return PRF(masterSecret, label, transcriptHash, 12)
}
