package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/willf/bitset"
)

// ID identifies a message's type, carried as the frame's id byte.
type ID uint8

const (
	MsgChoke         ID = 0
	MsgUnchoke       ID = 1
	MsgInterested    ID = 2
	MsgNotInterested ID = 3
	MsgHave          ID = 4
	MsgBitfield      ID = 5
	MsgRequest       ID = 6
	MsgPiece         ID = 7
	MsgCancel        ID = 8

	// MsgKeepAlive is not a real wire id byte (KeepAlive frames carry no id
	// at all, per the grammar's length==0 case); it tags the zero-length
	// frame as a distinct member of the Message tagged union so callers
	// never need a separate nil/ok sentinel to mean "keep-alive".
	MsgKeepAlive ID = 0xff
)

func (id ID) String() string {
	switch id {
	case MsgChoke:
		return "choke"
	case MsgUnchoke:
		return "unchoke"
	case MsgInterested:
		return "interested"
	case MsgNotInterested:
		return "not_interested"
	case MsgHave:
		return "have"
	case MsgBitfield:
		return "bitfield"
	case MsgRequest:
		return "request"
	case MsgPiece:
		return "piece"
	case MsgCancel:
		return "cancel"
	case MsgKeepAlive:
		return "keep_alive"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(id))
	}
}

// Message is a tagged union over every frame the wire protocol defines.
// Which fields are meaningful is determined entirely by ID, dispatched with
// a plain switch rather than per-type implementations (Design Notes: avoid
// virtual dispatch on message kind).
type Message struct {
	ID ID

	Index  uint32 // Have, Request, Piece, Cancel
	Begin  uint32 // Request, Piece, Cancel
	Length uint32 // Request, Cancel

	BitfieldRaw []byte // Bitfield: raw MSB-first bytes, undecoded
	Block       []byte // Piece: the block payload
}

// Encode serializes msg to its length-prefixed wire frame.
func Encode(msg Message) []byte {
	if msg.ID == MsgKeepAlive {
		return []byte{0, 0, 0, 0}
	}

	var payload []byte
	switch msg.ID {
	case MsgChoke, MsgUnchoke, MsgInterested, MsgNotInterested:
		// empty payload
	case MsgHave:
		payload = make([]byte, 4)
		binary.BigEndian.PutUint32(payload, msg.Index)
	case MsgBitfield:
		payload = msg.BitfieldRaw
	case MsgRequest, MsgCancel:
		payload = make([]byte, 12)
		binary.BigEndian.PutUint32(payload[0:4], msg.Index)
		binary.BigEndian.PutUint32(payload[4:8], msg.Begin)
		binary.BigEndian.PutUint32(payload[8:12], msg.Length)
	case MsgPiece:
		payload = make([]byte, 8+len(msg.Block))
		binary.BigEndian.PutUint32(payload[0:4], msg.Index)
		binary.BigEndian.PutUint32(payload[4:8], msg.Begin)
		copy(payload[8:], msg.Block)
	}

	frame := make([]byte, 4+1+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], uint32(1+len(payload)))
	frame[4] = byte(msg.ID)
	copy(frame[5:], payload)
	return frame
}

// Decoder parses frames out of a growing, caller-owned buffer. It consumes
// at most one message per Decode call and never retains a reference to buf,
// matching the "pull-based parser over a growing buffer" design (not a
// generator/coroutine): the caller supplies a fresh prefix of its read
// buffer each time and is told how many bytes to drop from the front.
type Decoder struct{}

// Decode attempts to parse one frame from the front of buf. ok is false
// when fewer than 4 header bytes, or fewer than 4+length total bytes, are
// available yet; consumed is then 0 and the caller should read more and
// retry. When a complete frame with an unrecognized id is found, ok is
// false but consumed is the full frame length so the caller can still drop
// it and continue (spec: unknown ids are logged and discarded, not fatal).
func (Decoder) Decode(buf []byte) (msg Message, consumed int, ok bool, err error) {
	if len(buf) < 4 {
		return Message{}, 0, false, nil
	}

	length := binary.BigEndian.Uint32(buf[0:4])
	if length == 0 {
		return Message{ID: MsgKeepAlive}, 4, true, nil
	}

	total := 4 + int(length)
	if len(buf) < total {
		return Message{}, 0, false, nil
	}

	id := ID(buf[4])
	payload := buf[5:total]

	switch id {
	case MsgChoke, MsgUnchoke, MsgInterested, MsgNotInterested:
		return Message{ID: id}, total, true, nil
	case MsgHave:
		if len(payload) != 4 {
			return Message{}, total, false, fmt.Errorf("%w: have payload length %d, want 4", ErrProtocolError, len(payload))
		}
		return Message{ID: id, Index: binary.BigEndian.Uint32(payload)}, total, true, nil
	case MsgBitfield:
		raw := make([]byte, len(payload))
		copy(raw, payload)
		return Message{ID: id, BitfieldRaw: raw}, total, true, nil
	case MsgRequest, MsgCancel:
		if len(payload) != 12 {
			return Message{}, total, false, fmt.Errorf("%w: request/cancel payload length %d, want 12", ErrProtocolError, len(payload))
		}
		return Message{
			ID:     id,
			Index:  binary.BigEndian.Uint32(payload[0:4]),
			Begin:  binary.BigEndian.Uint32(payload[4:8]),
			Length: binary.BigEndian.Uint32(payload[8:12]),
		}, total, true, nil
	case MsgPiece:
		if len(payload) < 8 {
			return Message{}, total, false, fmt.Errorf("%w: piece payload length %d, want >= 8", ErrProtocolError, len(payload))
		}
		block := make([]byte, len(payload)-8)
		copy(block, payload[8:])
		return Message{
			ID:     id,
			Index:  binary.BigEndian.Uint32(payload[0:4]),
			Begin:  binary.BigEndian.Uint32(payload[4:8]),
			Block:  block,
		}, total, true, nil
	default:
		// Unknown id: the frame is well-formed at the length-prefix level,
		// so it is safe to discard exactly `total` bytes and move on.
		return Message{}, total, false, nil
	}
}

// BitfieldToBitSet interprets raw as an MSB-first bit array (bit i of byte
// i/8 means "has piece i") and returns a BitSet covering exactly
// [0, numPieces), silently dropping any padding bits beyond numPieces so
// the scheduler never sees an out-of-range piece index.
func BitfieldToBitSet(raw []byte, numPieces int) *bitset.BitSet {
	bs := bitset.New(uint(numPieces))
	for i := 0; i < numPieces; i++ {
		byteIndex := i / 8
		if byteIndex >= len(raw) {
			break
		}
		bitIndex := uint(i % 8)
		if (raw[byteIndex]>>(7-bitIndex))&1 == 1 {
			bs.Set(uint(i))
		}
	}
	return bs
}

// BitSetToBitfield serializes a BitSet back into the MSB-first raw form a
// Bitfield message carries on the wire.
func BitSetToBitfield(bs *bitset.BitSet, numPieces int) []byte {
	raw := make([]byte, (numPieces+7)/8)
	for i := 0; i < numPieces; i++ {
		if bs.Test(uint(i)) {
			raw[i/8] |= 1 << (7 - uint(i%8))
		}
	}
	return raw
}
