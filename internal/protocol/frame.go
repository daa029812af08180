package protocol

import (
	"encoding/binary"
	"fmt"
)

// MaxPacketSize bounds the encrypted body of a single frame. A length prefix
// above this is treated as a protocol violation rather than a buffer to honor.
const MaxPacketSize = 4096

// headerSize is the byte width of the packet type tag at the start of a body.
const headerSize = 4

// FrameErrorKind classifies the ways a wire frame can be unusable.
type FrameErrorKind int

const (
	// FrameTruncated: fewer bytes arrived than the frame declared.
	FrameTruncated FrameErrorKind = iota
	// FrameUnknownType: the packet type tag has no registered payload shape.
	FrameUnknownType
	// FrameSizeMismatch: the body length disagrees with the payload size
	// registered for its tag.
	FrameSizeMismatch
)

func (k FrameErrorKind) String() string {
	switch k {
	case FrameTruncated:
		return "truncated"
	case FrameUnknownType:
		return "unknown type"
	case FrameSizeMismatch:
		return "size mismatch"
	default:
		return "invalid"
	}
}

// FrameError reports a malformed wire frame. It is connection-local and
// never fatal to the process; the caller decides whether the connection
// survives it.
type FrameError struct {
	Kind   FrameErrorKind
	Reason string
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("frame error (%s): %s", e.Kind, e.Reason)
}

// ComposeBody serializes a packet type tag and its fixed-layout payload into
// a plaintext body, ready to be encrypted and length-prefixed onto the wire.
func ComposeBody(packetType uint32, payload interface{}) []byte {
	data := BytesFromStruct(payload)
	body := make([]byte, headerSize+len(data))
	binary.LittleEndian.PutUint32(body, packetType)
	copy(body[headerSize:], data)
	return body
}

// PeekPacketType reads the type tag off a decrypted body without consuming it.
func PeekPacketType(body []byte) (uint32, error) {
	if len(body) < headerSize {
		return 0, &FrameError{
			Kind:   FrameTruncated,
			Reason: fmt.Sprintf("body of %d bytes cannot hold a type tag", len(body)),
		}
	}
	return binary.LittleEndian.Uint32(body), nil
}

// DecodeBody interprets a decrypted body as a type tag plus the payload
// registered for that tag. The body length must match the registered payload
// size exactly; a registry miss or a length disagreement rejects the frame
// without touching any payload field.
func DecodeBody(body []byte) (uint32, interface{}, error) {
	packetType, err := PeekPacketType(body)
	if err != nil {
		return 0, nil, err
	}

	factory, ok := payloadFactories[packetType]
	if !ok {
		return packetType, nil, &FrameError{
			Kind:   FrameUnknownType,
			Reason: fmt.Sprintf("no payload registered for type 0x%08X", packetType),
		}
	}

	payload := factory()
	if expected := PayloadSize(payload); len(body)-headerSize != expected {
		return packetType, nil, &FrameError{
			Kind: FrameSizeMismatch,
			Reason: fmt.Sprintf("%s payload is %d bytes, got %d",
				PacketName(packetType), expected, len(body)-headerSize),
		}
	}

	if err := StructFromBytes(body[headerSize:], payload); err != nil {
		return packetType, nil, err
	}
	return packetType, payload, nil
}
