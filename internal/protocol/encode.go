package protocol

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/danmuck/apmctl/internal/protocol/tlv"
)

// Message is one decoded frame.
type Message struct {
	Header Header
	Fields []tlv.Field
}

// Encode writes msg to w using the protocol wire format. Magic, version,
// header length and payload length are filled in.
func Encode(w io.Writer, msg *Message) error {
	if msg == nil {
		return ErrInvalidLength
	}
	payload := tlv.EncodeFields(msg.Fields)
	if uint64(len(payload)) > uint64(MaxPayload) {
		return ErrPayloadTooLarge
	}

	head := msg.Header
	head.Magic = Magic
	head.Version = Version
	head.HeaderLen = HeaderSize
	head.PayloadLen = uint32(len(payload))

	if _, err := w.Write(encodeHeader(head)); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// Marshal encodes msg into a new buffer.
func Marshal(msg *Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	binary.BigEndian.PutUint16(buf[6:8], h.HeaderLen)
	binary.BigEndian.PutUint64(buf[8:16], h.Token)
	binary.BigEndian.PutUint32(buf[16:20], h.Opcode)
	binary.BigEndian.PutUint32(buf[20:24], h.Flags)
	binary.BigEndian.PutUint32(buf[24:28], h.Status)
	binary.BigEndian.PutUint32(buf[28:32], h.PayloadLen)
	return buf
}
