// Package agent implements the agent protocol (C5): a fixed-layout
// binary message exchanged over a channel, with the kernel-side blocking
// semantics and the GetMeta/UpdateMeta/ChunkErr surface the state
// machine drives.
package agent

import (
	"encoding/binary"
	"fmt"

	"github.com/openisr/nexus/internal/chunk"
)

// MessageType identifies the message kind: a 2-byte field following a
// message's cid/length header.
type MessageType uint16

const (
	GetMeta     MessageType = 0x0000
	UpdateMeta  MessageType = 0x0001
	ChunkErr    MessageType = 0x0002
	SetMeta     MessageType = 0x1000
	MetaHardErr MessageType = 0x1001
)

func (t MessageType) String() string {
	switch t {
	case GetMeta:
		return "GET_META"
	case UpdateMeta:
		return "UPDATE_META"
	case ChunkErr:
		return "CHUNK_ERR"
	case SetMeta:
		return "SET_META"
	case MetaHardErr:
		return "META_HARDERR"
	default:
		return fmt.Sprintf("MessageType(0x%04x)", uint16(t))
	}
}

// WriteErrFlag is OR'd into the error-code byte for write-side faults
// (spec.md §6: "OR'd with 0x80 for write-side errors").
const WriteErrFlag = 0x80

// wireSize is the fixed, architecture-independent message length:
// 8 (cid) + 4 (length) + 2 (type) + 1 (compression_or_err) +
// MaxHashLen (key/expected) + MaxHashLen (tag/found).
const wireSize = 8 + 4 + 2 + 1 + chunk.MaxHashLen + chunk.MaxHashLen

// WireSize is the exact byte length of every message on the channel.
const WireSize = wireSize

// Message is the decoded form of one fixed-layout wire message.
type Message struct {
	CID              chunk.ID
	Length           uint32
	Type             MessageType
	CompressionOrErr uint8
	Key              [chunk.MaxHashLen]byte // or "expected" for CHUNK_ERR
	Tag              [chunk.MaxHashLen]byte // or "found" for CHUNK_ERR
}

// Encode writes m to a fresh WireSize-byte slice.
func Encode(m Message) []byte {
	buf := make([]byte, wireSize)
	EncodeInto(buf, m)
	return buf
}

// EncodeInto writes m into buf, which must be at least WireSize bytes.
func EncodeInto(buf []byte, m Message) {
	binary.BigEndian.PutUint64(buf[0:8], uint64(m.CID))
	binary.BigEndian.PutUint32(buf[8:12], m.Length)
	binary.BigEndian.PutUint16(buf[12:14], uint16(m.Type))
	buf[14] = m.CompressionOrErr
	copy(buf[15:15+chunk.MaxHashLen], m.Key[:])
	copy(buf[15+chunk.MaxHashLen:15+2*chunk.MaxHashLen], m.Tag[:])
}

// ErrShortMessage is returned when a buffer does not hold a whole
// message (spec.md §4.5: "partial reads must align to whole messages").
var ErrShortMessage = fmt.Errorf("agent: short message")

// Decode parses exactly one WireSize-byte message from buf.
func Decode(buf []byte) (Message, error) {
	if len(buf) < wireSize {
		return Message{}, ErrShortMessage
	}
	var m Message
	m.CID = chunk.ID(binary.BigEndian.Uint64(buf[0:8]))
	m.Length = binary.BigEndian.Uint32(buf[8:12])
	m.Type = MessageType(binary.BigEndian.Uint16(buf[12:14]))
	m.CompressionOrErr = buf[14]
	copy(m.Key[:], buf[15:15+chunk.MaxHashLen])
	copy(m.Tag[:], buf[15+chunk.MaxHashLen:15+2*chunk.MaxHashLen])
	return m, nil
}

// EncodeErrorKind packs an ErrorKind and direction into the single
// compression_or_err union byte used by CHUNK_ERR.
func EncodeErrorKind(f chunk.Fault) uint8 {
	b := uint8(f.Kind)
	if f.IsWrite {
		b |= WriteErrFlag
	}
	return b
}

// DecodeErrorKind is EncodeErrorKind's inverse.
func DecodeErrorKind(b uint8) chunk.Fault {
	return chunk.Fault{Kind: chunk.ErrorKind(b &^ WriteErrFlag), IsWrite: b&WriteErrFlag != 0}
}
