package protocol

import (
	"github.com/danmuck/apmctl/internal/protocol/schema"
)

const (
	// Magic is "APM1".
	Magic      uint32 = 0x41504D31
	Version    uint16 = 1
	HeaderSize uint16 = 32
	// MaxPayload bounds a single frame body.
	MaxPayload uint32 = 1 << 20
)

const (
	FlagResponse uint32 = 1 << 0
	// FlagError is set on responses whose status is not OK.
	FlagError uint32 = 1 << 1
	FlagProxy uint32 = 1 << 2
	// FlagDirect marks a proxy permission request.
	FlagDirect uint32 = 1 << 3
)

// Header is the fixed 32-byte frame header.
//
//	0  magic      u32
//	4  version    u16
//	6  header len u16
//	8  token      u64
//	16 opcode     u32
//	20 flags      u32
//	24 status     u32
//	28 payload    u32
type Header struct {
	Magic      uint32
	Version    uint16
	HeaderLen  uint16
	Token      uint64
	Opcode     uint32
	Flags      uint32
	Status     uint32
	PayloadLen uint32
}

// Kind derives the frame shape from the flag bits.
func (h Header) Kind() schema.Kind {
	resp := h.Flags&FlagResponse != 0
	switch {
	case h.Flags&FlagProxy != 0 && resp:
		return schema.KindProxyResponse
	case h.Flags&FlagProxy != 0:
		return schema.KindProxyRequest
	case resp:
		return schema.KindContainerResponse
	default:
		return schema.KindContainerRequest
	}
}

func flagsFor(kind schema.Kind) uint32 {
	switch kind {
	case schema.KindContainerResponse:
		return FlagResponse
	case schema.KindProxyRequest:
		return FlagProxy
	case schema.KindProxyResponse:
		return FlagProxy | FlagResponse
	default:
		return 0
	}
}
