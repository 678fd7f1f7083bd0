// Package metainfo parses a .torrent file into the immutable Torrent value
// that the rest of the client downloads against: announce URL, info_hash,
// piece layout and total size.
//
// Only single-file torrents are supported (spec non-goal); a "files" key in
// the info dictionary is rejected with ErrUnsupportedMultiFile.
package metainfo

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"os"

	"bittorrent/bencode"
)

// ErrInvalidMetainfo is returned (wrapped) when a required field is missing
// or malformed in the top-level or info dictionary.
var ErrInvalidMetainfo = errors.New("metainfo: invalid torrent file")

// ErrUnsupportedMultiFile is returned when the info dictionary carries a
// "files" list instead of a single "length", i.e. a multi-file torrent.
var ErrUnsupportedMultiFile = errors.New("metainfo: multi-file torrents are not supported")

const hashSize = 20

// Torrent is the immutable, fully-resolved metadata of a .torrent file.
type Torrent struct {
	AnnounceURL string
	InfoHash    [hashSize]byte
	PieceLength int64
	TotalSize   int64
	PieceHashes [][hashSize]byte
	OutputName  string
}

// NumPieces returns the number of pieces implied by PieceHashes.
func (t *Torrent) NumPieces() int { return len(t.PieceHashes) }

// PieceSize returns the byte size of piece i, accounting for the final
// piece being shorter than PieceLength when TotalSize isn't an exact
// multiple of it.
func (t *Torrent) PieceSize(index int) int64 {
	if index == t.NumPieces()-1 {
		if rem := t.TotalSize % t.PieceLength; rem != 0 {
			return rem
		}
	}
	return t.PieceLength
}

// Load reads and parses the .torrent file at path.
func Load(path string) (*Torrent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("metainfo: reading %q: %w", path, err)
	}
	return parse(data)
}

func parse(data []byte) (*Torrent, error) {
	root, err := bencode.DecodeAll(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMetainfo, err)
	}
	if root.Kind != bencode.KindDict {
		return nil, fmt.Errorf("%w: top level is not a dictionary", ErrInvalidMetainfo)
	}

	announceVal, ok := root.Get("announce")
	if !ok || announceVal.Kind != bencode.KindString {
		return nil, fmt.Errorf("%w: missing \"announce\"", ErrInvalidMetainfo)
	}

	infoVal, ok := root.Get("info")
	if !ok || infoVal.Kind != bencode.KindDict {
		return nil, fmt.Errorf("%w: missing \"info\" dictionary", ErrInvalidMetainfo)
	}

	if _, isMultiFile := infoVal.Get("files"); isMultiFile {
		return nil, ErrUnsupportedMultiFile
	}

	pieceLengthVal, ok := infoVal.Get("piece length")
	if !ok || pieceLengthVal.Kind != bencode.KindInteger || pieceLengthVal.Int <= 0 {
		return nil, fmt.Errorf("%w: missing or non-positive \"piece length\"", ErrInvalidMetainfo)
	}

	piecesVal, ok := infoVal.Get("pieces")
	if !ok || piecesVal.Kind != bencode.KindString {
		return nil, fmt.Errorf("%w: missing \"pieces\"", ErrInvalidMetainfo)
	}
	if len(piecesVal.Str)%hashSize != 0 {
		return nil, fmt.Errorf("%w: \"pieces\" length %d is not a multiple of %d", ErrInvalidMetainfo, len(piecesVal.Str), hashSize)
	}

	lengthVal, ok := infoVal.Get("length")
	if !ok || lengthVal.Kind != bencode.KindInteger || lengthVal.Int <= 0 {
		return nil, fmt.Errorf("%w: missing or non-positive \"length\"", ErrInvalidMetainfo)
	}

	nameVal, ok := infoVal.Get("name")
	if !ok || nameVal.Kind != bencode.KindString {
		return nil, fmt.Errorf("%w: missing \"name\"", ErrInvalidMetainfo)
	}

	numPieces := len(piecesVal.Str) / hashSize
	hashes := make([][hashSize]byte, numPieces)
	for i := 0; i < numPieces; i++ {
		copy(hashes[i][:], piecesVal.Str[i*hashSize:(i+1)*hashSize])
	}

	// info_hash must reproduce the exact bytes the source file used for the
	// info dictionary, so re-encode in decode order rather than re-sorting:
	// Decode already preserves each dictionary's original key order.
	infoHash := sha1.Sum(bencode.Encode(infoVal))

	return &Torrent{
		AnnounceURL: string(announceVal.Str),
		InfoHash:    infoHash,
		PieceLength: pieceLengthVal.Int,
		TotalSize:   lengthVal.Int,
		PieceHashes: hashes,
		OutputName:  string(nameVal.Str),
	}, nil
}
