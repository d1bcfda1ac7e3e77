package apm

import (
	"errors"
	"fmt"
)

var (
	ErrNoFreeCommandSlot = errors.New("apm: no free command slot")
	ErrStaleToken        = errors.New("apm: stale correlation token")
)

// MaxParallelCommands bounds the number of live command-control blocks.
const MaxParallelCommands = 4

type TokenKind uint8

const (
	TokenContainer TokenKind = iota + 1
	TokenProxy
)

// Token correlates a response with the command slot and destination that
// issued the request. Generation detects responses for a recycled slot.
type Token struct {
	Kind       TokenKind
	Slot       uint8
	Generation uint16
	Dest       uint32
}

// Pack encodes the token as the 64-bit wire correlation id.
func (t Token) Pack() uint64 {
	return uint64(t.Kind)<<56 | uint64(t.Slot)<<48 | uint64(t.Generation)<<32 | uint64(t.Dest)
}

func UnpackToken(v uint64) Token {
	return Token{
		Kind:       TokenKind(v >> 56),
		Slot:       uint8(v >> 48),
		Generation: uint16(v >> 32),
		Dest:       uint32(v),
	}
}

func (t Token) String() string {
	return fmt.Sprintf("tok(kind=%d slot=%d gen=%d dest=%d)", t.Kind, t.Slot, t.Generation, t.Dest)
}

// CommandPool is the fixed arena of command-control blocks.
type CommandPool struct {
	activeMask uint8
	generation [MaxParallelCommands]uint16
	slots      [MaxParallelCommands]*CommandControl
}

func NewCommandPool() *CommandPool {
	return &CommandPool{}
}

// Allocate binds cmd to the first free slot.
func (p *CommandPool) Allocate(id CommandID, cmd Command) (*CommandControl, error) {
	for i := range MaxParallelCommands {
		bit := uint8(1) << i
		if p.activeMask&bit != 0 {
			continue
		}
		p.activeMask |= bit
		p.generation[i]++
		ctrl := newCommandControl(id, cmd, uint8(i), p.generation[i])
		p.slots[i] = ctrl
		return ctrl, nil
	}
	return nil, withStatus(StatusNoResource, fmt.Errorf("%w: mask=%04b", ErrNoFreeCommandSlot, p.activeMask))
}

func (p *CommandPool) Release(ctrl *CommandControl) {
	if ctrl == nil || int(ctrl.slot) >= MaxParallelCommands {
		return
	}
	if p.slots[ctrl.slot] != ctrl {
		return
	}
	p.slots[ctrl.slot] = nil
	p.activeMask &^= uint8(1) << ctrl.slot
}

// Lookup resolves a token to its live command. Tokens minted for a released
// or recycled slot fail with ErrStaleToken.
func (p *CommandPool) Lookup(t Token) (*CommandControl, error) {
	if int(t.Slot) >= MaxParallelCommands {
		return nil, fmt.Errorf("%w: %s", ErrStaleToken, t)
	}
	ctrl := p.slots[t.Slot]
	if ctrl == nil || ctrl.generation != t.Generation {
		return nil, fmt.Errorf("%w: %s", ErrStaleToken, t)
	}
	return ctrl, nil
}

func (p *CommandPool) ActiveMask() uint8 {
	return p.activeMask
}

// Active returns live commands in slot order.
func (p *CommandPool) Active() []*CommandControl {
	var out []*CommandControl
	for _, ctrl := range p.slots {
		if ctrl != nil {
			out = append(out, ctrl)
		}
	}
	return out
}
