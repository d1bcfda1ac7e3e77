package protocol

import (
	"fmt"
	"io"

	"github.com/danmuck/apmctl/internal/apm"
	"github.com/danmuck/apmctl/internal/protocol/schema"
	"github.com/danmuck/apmctl/internal/protocol/tlv"
)

func EncodeContainerMessage(w io.Writer, m apm.ContainerMessage) error {
	fields := []tlv.Field{
		tlv.U32(schema.FieldContainer, uint32(m.Container)),
		tlv.U32List(schema.FieldSubGraphs, ids(m.SubGraphs)),
		tlv.U32List(schema.FieldLinks, ids(m.Links)),
	}
	for _, p := range m.Params {
		fields = append(fields, tlv.Nested(schema.FieldParam, []tlv.Field{
			tlv.U32(schema.ParamContainer, uint32(p.Container)),
			tlv.U32(schema.ParamModule, p.Module),
			tlv.U32(schema.ParamID, p.ParamID),
			tlv.Bytes(schema.ParamData, p.Data),
		}))
	}
	return Encode(w, &Message{
		Header: Header{Token: m.Token.Pack(), Opcode: uint32(m.Opcode), Flags: flagsFor(schema.KindContainerRequest)},
		Fields: fields,
	})
}

func DecodeContainerMessage(r io.Reader) (apm.ContainerMessage, error) {
	msg, err := decodeKind(r, schema.KindContainerRequest)
	if err != nil {
		return apm.ContainerMessage{}, err
	}
	out := apm.ContainerMessage{
		Token:  apm.UnpackToken(msg.Header.Token),
		Opcode: apm.MsgOpcode(msg.Header.Opcode),
	}
	r32 := reader{fields: msg.Fields}
	out.Container = apm.ContainerID(r32.u32(schema.FieldContainer))
	out.SubGraphs = toIDs[apm.SubGraphID](r32.list(schema.FieldSubGraphs))
	out.Links = toIDs[apm.LinkID](r32.list(schema.FieldLinks))
	for _, f := range tlv.All(msg.Fields, schema.FieldParam) {
		inner, err := f.AsNested()
		if err != nil {
			return apm.ContainerMessage{}, fmt.Errorf("protocol: param: %w", err)
		}
		pr := reader{fields: inner}
		out.Params = append(out.Params, apm.Param{
			Container: apm.ContainerID(pr.u32(schema.ParamContainer)),
			Module:    pr.u32(schema.ParamModule),
			ParamID:   pr.u32(schema.ParamID),
			Data:      pr.bytes(schema.ParamData),
		})
		if pr.err != nil {
			return apm.ContainerMessage{}, pr.err
		}
	}
	return out, r32.err
}

func EncodeContainerResponse(w io.Writer, rsp apm.ContainerResponse) error {
	var fields []tlv.Field
	if len(rsp.Payload) > 0 {
		fields = append(fields, tlv.Bytes(schema.FieldPayload, rsp.Payload))
	}
	return Encode(w, &Message{
		Header: responseHeader(schema.KindContainerResponse, rsp.Token, rsp.Opcode, rsp.Status),
		Fields: fields,
	})
}

func DecodeContainerResponse(r io.Reader) (apm.ContainerResponse, error) {
	msg, err := decodeKind(r, schema.KindContainerResponse)
	if err != nil {
		return apm.ContainerResponse{}, err
	}
	rd := reader{fields: msg.Fields}
	out := apm.ContainerResponse{
		Token:   apm.UnpackToken(msg.Header.Token),
		Opcode:  apm.MsgOpcode(msg.Header.Opcode),
		Status:  apm.Status(msg.Header.Status),
		Payload: rd.optBytes(schema.FieldPayload),
	}
	return out, rd.err
}

func EncodeProxyMessage(w io.Writer, m apm.ProxyMessage) error {
	fields := []tlv.Field{
		tlv.U32(schema.FieldProxy, uint32(m.Proxy)),
		tlv.U32(schema.FieldKey, uint32(m.Key)),
		tlv.U32List(schema.FieldSubGraphs, ids(m.SubGraphs)),
	}
	for _, p := range m.Params {
		fields = append(fields, tlv.Nested(schema.FieldProxyParam, []tlv.Field{
			tlv.U32(schema.ParamProxy, uint32(p.Proxy)),
			tlv.U32(schema.ParamScenario, uint32(p.Scenario)),
			tlv.U32(schema.ParamKey, uint32(p.Key)),
			tlv.U32(schema.ParamID, p.ParamID),
			tlv.Bytes(schema.ParamData, p.Data),
		}))
	}
	flags := flagsFor(schema.KindProxyRequest)
	if m.Direct {
		flags |= FlagDirect
	}
	return Encode(w, &Message{
		Header: Header{Token: m.Token.Pack(), Opcode: uint32(m.Opcode), Flags: flags},
		Fields: fields,
	})
}

func DecodeProxyMessage(r io.Reader) (apm.ProxyMessage, error) {
	msg, err := decodeKind(r, schema.KindProxyRequest)
	if err != nil {
		return apm.ProxyMessage{}, err
	}
	rd := reader{fields: msg.Fields}
	out := apm.ProxyMessage{
		Token:     apm.UnpackToken(msg.Header.Token),
		Opcode:    apm.MsgOpcode(msg.Header.Opcode),
		Direct:    msg.Header.Flags&FlagDirect != 0,
		Proxy:     apm.ProxyInstanceID(rd.u32(schema.FieldProxy)),
		Key:       apm.CorrelationKey(rd.u32(schema.FieldKey)),
		SubGraphs: toIDs[apm.SubGraphID](rd.list(schema.FieldSubGraphs)),
	}
	for _, f := range tlv.All(msg.Fields, schema.FieldProxyParam) {
		inner, err := f.AsNested()
		if err != nil {
			return apm.ProxyMessage{}, fmt.Errorf("protocol: proxy param: %w", err)
		}
		pr := reader{fields: inner}
		out.Params = append(out.Params, apm.ProxyParam{
			Proxy:    apm.ProxyInstanceID(pr.u32(schema.ParamProxy)),
			Scenario: apm.Scenario(pr.u32(schema.ParamScenario)),
			Key:      apm.CorrelationKey(pr.u32(schema.ParamKey)),
			ParamID:  pr.u32(schema.ParamID),
			Data:     pr.bytes(schema.ParamData),
		})
		if pr.err != nil {
			return apm.ProxyMessage{}, pr.err
		}
	}
	return out, rd.err
}

func EncodeProxyResponse(w io.Writer, rsp apm.ProxyResponse) error {
	fields := []tlv.Field{tlv.U32List(schema.FieldPermitted, ids(rsp.Permitted))}
	if len(rsp.Payload) > 0 {
		fields = append(fields, tlv.Bytes(schema.FieldPayload, rsp.Payload))
	}
	return Encode(w, &Message{
		Header: responseHeader(schema.KindProxyResponse, rsp.Token, rsp.Opcode, rsp.Status),
		Fields: fields,
	})
}

func DecodeProxyResponse(r io.Reader) (apm.ProxyResponse, error) {
	msg, err := decodeKind(r, schema.KindProxyResponse)
	if err != nil {
		return apm.ProxyResponse{}, err
	}
	rd := reader{fields: msg.Fields}
	out := apm.ProxyResponse{
		Token:     apm.UnpackToken(msg.Header.Token),
		Opcode:    apm.MsgOpcode(msg.Header.Opcode),
		Status:    apm.Status(msg.Header.Status),
		Permitted: toIDs[apm.SubGraphID](rd.list(schema.FieldPermitted)),
		Payload:   rd.optBytes(schema.FieldPayload),
	}
	return out, rd.err
}

// PeekKind reads the frame kind of an encoded frame without consuming it.
func PeekKind(frame []byte) (schema.Kind, error) {
	if len(frame) < int(HeaderSize) {
		return 0, ErrTruncated
	}
	head, err := parseHeader(frame[:HeaderSize])
	if err != nil {
		return 0, err
	}
	return head.Kind(), nil
}

func responseHeader(kind schema.Kind, tok apm.Token, op apm.MsgOpcode, st apm.Status) Header {
	flags := flagsFor(kind)
	if st != apm.StatusOK {
		flags |= FlagError
	}
	return Header{Token: tok.Pack(), Opcode: uint32(op), Flags: flags, Status: uint32(st)}
}

func decodeKind(r io.Reader, want schema.Kind) (*Message, error) {
	msg, err := Decode(r)
	if err != nil {
		return nil, err
	}
	if got := msg.Header.Kind(); got != want {
		return nil, fmt.Errorf("%w: got %s want %s", ErrKindMismatch, got, want)
	}
	if err := schema.Validate(want, apm.MsgOpcode(msg.Header.Opcode), msg.Fields); err != nil {
		return nil, err
	}
	return msg, nil
}

// reader collects the first error across a run of typed field reads.
type reader struct {
	fields []tlv.Field
	err    error
}

func (r *reader) u32(id uint16) uint32 {
	f, ok := tlv.GetField(r.fields, id)
	if !ok || r.err != nil {
		return 0
	}
	v, err := f.AsU32()
	r.err = err
	return v
}

func (r *reader) list(id uint16) []uint32 {
	f, ok := tlv.GetField(r.fields, id)
	if !ok || r.err != nil {
		return nil
	}
	v, err := f.AsU32List()
	r.err = err
	return v
}

func (r *reader) bytes(id uint16) []byte {
	f, ok := tlv.GetField(r.fields, id)
	if !ok || r.err != nil {
		return nil
	}
	v, err := f.AsBytes()
	r.err = err
	return v
}

func (r *reader) optBytes(id uint16) []byte {
	v := r.bytes(id)
	if len(v) == 0 {
		return nil
	}
	return v
}

func ids[T ~uint32](in []T) []uint32 {
	out := make([]uint32, len(in))
	for i, v := range in {
		out[i] = uint32(v)
	}
	return out
}

func toIDs[T ~uint32](in []uint32) []T {
	if len(in) == 0 {
		return nil
	}
	out := make([]T, len(in))
	for i, v := range in {
		out[i] = T(v)
	}
	return out
}
