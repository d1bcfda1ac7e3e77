package schema

import (
	"testing"

	"github.com/danmuck/apmctl/internal/apm"
	"github.com/danmuck/apmctl/internal/protocol/tlv"
	"github.com/danmuck/apmctl/internal/testutil/testlog"
)

func TestValidateContainerStartRequiredFields(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.U32(FieldContainer, 3),
		tlv.U32List(FieldSubGraphs, []uint32{1, 2}),
	}
	if err := Validate(KindContainerRequest, apm.MsgStart, fields); err != nil {
		t.Fatalf("validate start: %v", err)
	}
}

func TestValidateUnknownFieldsIgnored(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.U32(FieldContainer, 3),
		tlv.Bytes(9999, []byte{0x01}),
	}
	if err := Validate(KindContainerRequest, apm.MsgSetConfig, fields); err != nil {
		t.Fatalf("validate with unknown field: %v", err)
	}
}

func TestValidateMissingRequiredDeterministic(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{tlv.U32(FieldContainer, 3)}
	err := Validate(KindContainerRequest, apm.MsgConnect, fields)
	ve, ok := err.(ValidationError)
	if !ok {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.FieldID != FieldLinks || ve.Reason != "missing required field" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateTypeMismatchDeterministic(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.U32(FieldProxy, 4),
		tlv.U32(FieldKey, 0),
		tlv.U32(FieldSubGraphs, 1),
	}
	err := Validate(KindProxyRequest, apm.MsgGraphInfo, fields)
	ve, ok := err.(ValidationError)
	if !ok {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.FieldID != FieldSubGraphs || ve.Reason != "type mismatch" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateRejectsOpcodeOutsideKind(t *testing.T) {
	testlog.Start(t)
	err := Validate(KindContainerRequest, apm.MsgGraphInfo, []tlv.Field{tlv.U32(FieldContainer, 1)})
	ve, ok := err.(ValidationError)
	if !ok || ve.Reason != "unknown opcode" {
		t.Fatalf("expected unknown opcode, got %v", err)
	}
	if err := Validate(KindProxyResponse, apm.MsgDestroyContainer, nil); err == nil {
		t.Fatalf("expected proxy DESTROY_CONTAINER response to be rejected")
	}
}

func TestValidateProxyResponseNeedsPermittedList(t *testing.T) {
	testlog.Start(t)
	err := Validate(KindProxyResponse, apm.MsgStart, nil)
	ve, ok := err.(ValidationError)
	if !ok || ve.FieldID != FieldPermitted {
		t.Fatalf("expected missing permitted list, got %v", err)
	}
	if err := Validate(KindContainerResponse, apm.MsgStart, nil); err != nil {
		t.Fatalf("container response needs no fields: %v", err)
	}
}
