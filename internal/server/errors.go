package server

import (
	"errors"
	"fmt"
)

// ErrStaleHandle is returned by lookups holding a handle whose connection has
// already been torn down. Always recoverable; the caller discards the handle.
var ErrStaleHandle = errors.New("stale connection handle")

// ProtocolViolation reports that an authenticated peer sent a packet
// inconsistent with its classification. Connection-local: the offending
// connection is closed, nothing else is affected.
type ProtocolViolation struct {
	ClientType ClientType
	PacketType uint32
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation: %s sent packet 0x%08X", e.ClientType, e.PacketType)
}
