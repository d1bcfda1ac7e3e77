package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/danmuck/apmctl/internal/protocol/tlv"
)

// Decode reads a single frame from r.
func Decode(r io.Reader) (*Message, error) {
	headerBytes := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, ErrTruncated
	}

	head, err := parseHeader(headerBytes)
	if err != nil {
		return nil, err
	}
	if head.PayloadLen > MaxPayload {
		return nil, ErrPayloadTooLarge
	}

	msg := &Message{Header: head}
	if head.PayloadLen == 0 {
		return msg, nil
	}

	payload := make([]byte, head.PayloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, ErrTruncated
	}
	fields, err := tlv.DecodeFields(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidLength, err)
	}
	msg.Fields = fields
	return msg, nil
}

func parseHeader(buf []byte) (Header, error) {
	if len(buf) != int(HeaderSize) {
		return Header{}, ErrTruncated
	}
	h := Header{
		Magic:      binary.BigEndian.Uint32(buf[0:4]),
		Version:    binary.BigEndian.Uint16(buf[4:6]),
		HeaderLen:  binary.BigEndian.Uint16(buf[6:8]),
		Token:      binary.BigEndian.Uint64(buf[8:16]),
		Opcode:     binary.BigEndian.Uint32(buf[16:20]),
		Flags:      binary.BigEndian.Uint32(buf[20:24]),
		Status:     binary.BigEndian.Uint32(buf[24:28]),
		PayloadLen: binary.BigEndian.Uint32(buf[28:32]),
	}
	if h.Magic != Magic {
		return Header{}, ErrInvalidMagic
	}
	if h.Version != Version {
		return Header{}, ErrUnsupportedVersion
	}
	if h.HeaderLen != HeaderSize {
		return Header{}, ErrInvalidHeaderLen
	}
	return h, nil
}
