package schema

import (
	"fmt"

	"github.com/danmuck/apmctl/internal/apm"
	"github.com/danmuck/apmctl/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Kind distinguishes the four frame shapes carried by the codec.
type Kind uint8

const (
	KindContainerRequest Kind = iota + 1
	KindContainerResponse
	KindProxyRequest
	KindProxyResponse
)

func (k Kind) String() string {
	switch k {
	case KindContainerRequest:
		return "container.request"
	case KindContainerResponse:
		return "container.response"
	case KindProxyRequest:
		return "proxy.request"
	case KindProxyResponse:
		return "proxy.response"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Top-level field IDs.
const (
	FieldContainer uint16 = 1
	FieldProxy     uint16 = 2
	FieldKey       uint16 = 3

	FieldSubGraphs uint16 = 10
	FieldLinks     uint16 = 11

	FieldParam      uint16 = 20
	FieldProxyParam uint16 = 21

	FieldPermitted uint16 = 30
	FieldPayload   uint16 = 31
)

// Field IDs inside a nested FieldParam or FieldProxyParam.
const (
	ParamContainer uint16 = 1
	ParamModule    uint16 = 2
	ParamID        uint16 = 3
	ParamData      uint16 = 4
	ParamProxy     uint16 = 5
	ParamScenario  uint16 = 6
	ParamKey       uint16 = 7
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	Kind    Kind
	Opcode  apm.MsgOpcode
	FieldID uint16
	Reason  string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: %s opcode=%s: %s", e.Kind, e.Opcode, e.Reason)
	}
	return fmt.Sprintf("schema: %s opcode=%s field=%d: %s", e.Kind, e.Opcode, e.FieldID, e.Reason)
}

var (
	reqContainer = Requirement{FieldContainer, tlv.TypeU32}
	reqProxy     = Requirement{FieldProxy, tlv.TypeU32}
	reqKey       = Requirement{FieldKey, tlv.TypeU32}
	reqSubGraphs = Requirement{FieldSubGraphs, tlv.TypeU32List}
	reqLinks     = Requirement{FieldLinks, tlv.TypeU32List}
	reqPermitted = Requirement{FieldPermitted, tlv.TypeU32List}
)

// containerRequests lists the extra fields each container opcode needs on
// top of the container id. Opcodes absent from the table are unknown.
var containerRequests = map[apm.MsgOpcode][]Requirement{
	apm.MsgOpen:             {reqSubGraphs},
	apm.MsgConnect:          {reqLinks},
	apm.MsgDisconnect:       {reqLinks},
	apm.MsgClose:            {reqSubGraphs},
	apm.MsgPrepare:          {reqSubGraphs},
	apm.MsgStart:            {reqSubGraphs},
	apm.MsgStop:             {reqSubGraphs},
	apm.MsgFlush:            {reqSubGraphs},
	apm.MsgSuspend:          {reqSubGraphs},
	apm.MsgSetConfig:        nil,
	apm.MsgGetConfig:        nil,
	apm.MsgRegisterConfig:   nil,
	apm.MsgDeregisterConfig: nil,
	apm.MsgDestroyContainer: nil,
}

var proxyRequests = map[apm.MsgOpcode][]Requirement{
	apm.MsgGraphInfo:        {reqSubGraphs},
	apm.MsgPrepare:          {reqSubGraphs},
	apm.MsgStart:            {reqSubGraphs},
	apm.MsgStop:             {reqSubGraphs},
	apm.MsgClose:            {reqSubGraphs},
	apm.MsgSetConfig:        nil,
	apm.MsgGetConfig:        nil,
	apm.MsgRegisterConfig:   nil,
	apm.MsgDeregisterConfig: nil,
}

// Requirements returns the required fields for kind and opcode.
func Requirements(kind Kind, opcode apm.MsgOpcode) ([]Requirement, bool) {
	switch kind {
	case KindContainerRequest:
		extra, ok := containerRequests[opcode]
		if !ok {
			return nil, false
		}
		return append([]Requirement{reqContainer}, extra...), true
	case KindProxyRequest:
		extra, ok := proxyRequests[opcode]
		if !ok {
			return nil, false
		}
		return append([]Requirement{reqProxy, reqKey}, extra...), true
	case KindContainerResponse:
		_, ok := containerRequests[opcode]
		return nil, ok
	case KindProxyResponse:
		_, ok := proxyRequests[opcode]
		return []Requirement{reqPermitted}, ok
	default:
		return nil, false
	}
}

// Validate enforces required fields and required field types for one frame.
// Unknown fields are ignored.
func Validate(kind Kind, opcode apm.MsgOpcode, fields []tlv.Field) error {
	log.Debug().Str("kind", kind.String()).Str("opcode", opcode.String()).Int("fields", len(fields)).Msg("schema.Validate")
	reqs, ok := Requirements(kind, opcode)
	if !ok {
		log.Error().Str("kind", kind.String()).Str("opcode", opcode.String()).Msg("schema.Validate unknown opcode")
		return ValidationError{Kind: kind, Opcode: opcode, Reason: "unknown opcode"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Error().
				Str("kind", kind.String()).
				Str("opcode", opcode.String()).
				Uint16("field_id", req.ID).
				Msg("schema.Validate missing field")
			return ValidationError{Kind: kind, Opcode: opcode, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Error().
				Str("kind", kind.String()).
				Str("opcode", opcode.String()).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{Kind: kind, Opcode: opcode, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
