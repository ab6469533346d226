package recordcrypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPRF_IsPrefixStable(t *testing.T) {
	secret := []byte("a pre master secret of some length")
	seed := []byte("seed material")

	short := PRF(secret, "master secret", seed, 16)
	long := PRF(secret, "master secret", seed, 48)

	assert.Equal(t, short, long[:16])
}

func TestMasterSecret_Is48Octets(t *testing.T) {
	preMaster := make([]byte, 48)
	clientRandom := make([]byte, 32)
	serverRandom := make([]byte, 32)
	ms := MasterSecret(preMaster, clientRandom, serverRandom)
	assert.Len(t, ms, 48)
}

func TestExpandKeyBlock_LengthAndSplit(t *testing.T) {
	ms := make([]byte, 48)
	cr := make([]byte, 32)
	sr := make([]byte, 32)
	block := ExpandKeyBlock(ms, cr, sr)
	assert.Len(t, block, KeyBlockLen)

	kb, err := SplitKeyBlock(block)
	assert.NoError(t, err)
	assert.Len(t, kb.ClientWriteMAC, 20)
	assert.Len(t, kb.ServerWriteMAC, 20)
	assert.Len(t, kb.ClientWriteKey, 16)
	assert.Len(t, kb.ServerWriteKey, 16)
}

func TestExpandKeyBlock_DifferentSecretsDiffer(t *testing.T) {
	cr := make([]byte, 32)
	sr := make([]byte, 32)
	a := ExpandKeyBlock(make([]byte, 48), cr, sr)
	b := ExpandKeyBlock(append(make([]byte, 47), 1), cr, sr)
	assert.NotEqual(t, a, b)
}
