package handshake

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransition_FirstEntryHasNoExits(t *testing.T) {
	exit, enter := Transition(StateNone, StateStart)
	assert.Empty(t, exit)
	assert.Equal(t, []ID{StateHandshakeRoot, StateStart}, enter)
}

func TestTransition_SiblingLeavesStaysUnderCommonParent(t *testing.T) {
	exit, enter := Transition(StateStart, StateServerCertificate)
	assert.Equal(t, []ID{StateStart}, exit)
	assert.Equal(t, []ID{StateServerCertificate}, enter)
}

func TestTransition_ToEstablishedExitsTheWholeHandshakeSubtree(t *testing.T) {
	exit, enter := Transition(StateServerFinished, StateEstablished)
	assert.Equal(t, []ID{StateServerFinished, StateHandshakeRoot}, exit)
	assert.Equal(t, []ID{StateEstablished}, enter)
}
