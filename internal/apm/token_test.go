package apm

import (
	"testing"

	"github.com/danmuck/apmctl/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenPackRoundTrip(t *testing.T) {
	testlog.Start(t)

	tok := Token{Kind: TokenProxy, Slot: 3, Generation: 0xBEEF, Dest: 0xDEADBEEF}
	assert.Equal(t, tok, UnpackToken(tok.Pack()))
	assert.Equal(t, uint64(0x0203BEEFDEADBEEF), tok.Pack())
}

func TestCommandPoolSlotsAndGenerations(t *testing.T) {
	testlog.Start(t)

	p := NewCommandPool()
	var ctrls []*CommandControl
	for i := range MaxParallelCommands {
		ctrl, err := p.Allocate(CommandID(rune('a'+i)), Command{Opcode: CmdGraphStop})
		require.NoError(t, err)
		assert.Equal(t, uint8(i), ctrl.slot)
		ctrls = append(ctrls, ctrl)
	}
	_, err := p.Allocate("e", Command{Opcode: CmdGraphStop})
	require.ErrorIs(t, err, ErrNoFreeCommandSlot)

	old := ctrls[1].token(TokenContainer, 5)
	p.Release(ctrls[1])
	assert.Equal(t, uint8(0b1101), p.ActiveMask())
	_, err = p.Lookup(old)
	require.ErrorIs(t, err, ErrStaleToken)

	again, err := p.Allocate("f", Command{Opcode: CmdGraphStop})
	require.NoError(t, err)
	assert.Equal(t, uint8(1), again.slot)
	_, err = p.Lookup(old)
	require.ErrorIs(t, err, ErrStaleToken, "recycled slot accepted an old generation")

	got, err := p.Lookup(again.token(TokenContainer, 5))
	require.NoError(t, err)
	assert.Same(t, again, got)
	assert.Len(t, p.Active(), MaxParallelCommands)

	_, err = p.Lookup(Token{Slot: 9})
	require.ErrorIs(t, err, ErrStaleToken)
}
