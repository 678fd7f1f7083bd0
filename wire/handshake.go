// Package wire implements the BitTorrent peer wire protocol: the fixed
// 68-byte handshake and the length-prefixed message frames exchanged over a
// TCP connection once a handshake has completed.
package wire

import (
	"errors"
	"fmt"
)

// ErrProtocolError is returned (wrapped) for a malformed handshake or frame:
// a bad protocol string, an info_hash mismatch, or a truncated read.
var ErrProtocolError = errors.New("wire: protocol error")

const (
	protocolID     = "BitTorrent protocol"
	handshakeLen   = 1 + len(protocolID) + 8 + 20 + 20
	pstrlenOffset  = 0
	protocolOffset = 1
	reservedOffset = protocolOffset + len(protocolID)
	infoHashOffset = reservedOffset + 8
	peerIDOffset   = infoHashOffset + 20
)

// HandshakeLen is the fixed wire size of a handshake frame.
const HandshakeLen = handshakeLen

// Handshake is the first frame both endpoints exchange after connecting.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// Encode serializes h into the fixed 68-byte handshake wire form:
// <pstrlen=19><pstr="BitTorrent protocol"><reserved=8 zero bytes><info_hash><peer_id>.
func (h Handshake) Encode() []byte {
	buf := make([]byte, handshakeLen)
	buf[pstrlenOffset] = byte(len(protocolID))
	copy(buf[protocolOffset:], protocolID)
	// reserved bytes stay zero: no extensions are supported.
	copy(buf[infoHashOffset:], h.InfoHash[:])
	copy(buf[peerIDOffset:], h.PeerID[:])
	return buf
}

// DecodeHandshake parses a 68-byte handshake frame. It fails with
// ErrProtocolError if the frame is short, pstrlen isn't 19, or the protocol
// string doesn't match "BitTorrent protocol".
func DecodeHandshake(buf []byte) (Handshake, error) {
	if len(buf) < handshakeLen {
		return Handshake{}, fmt.Errorf("%w: handshake short: got %d bytes, want %d", ErrProtocolError, len(buf), handshakeLen)
	}
	if buf[pstrlenOffset] != byte(len(protocolID)) {
		return Handshake{}, fmt.Errorf("%w: unexpected pstrlen %d", ErrProtocolError, buf[pstrlenOffset])
	}
	if string(buf[protocolOffset:reservedOffset]) != protocolID {
		return Handshake{}, fmt.Errorf("%w: unexpected protocol string %q", ErrProtocolError, buf[protocolOffset:reservedOffset])
	}

	var h Handshake
	copy(h.InfoHash[:], buf[infoHashOffset:peerIDOffset])
	copy(h.PeerID[:], buf[peerIDOffset:handshakeLen])
	return h, nil
}
