// Package scheduler implements the piece/block scheduling state machine:
// piece inventory (missing/ongoing/have), per-peer bitfields, rarest-first
// selection, timeout-based re-issuance of stalled requests, and the
// hash-verified write path to disk.
//
// A Scheduler is a monitor: every exported method takes its internal mutex
// before touching shared state. Spec §5 describes the reference
// implementation's single-threaded cooperative event loop as making this
// unnecessary there; this client instead runs one goroutine per peer
// session, so the mutex is the literal realization of that same
// single-owner discipline under real concurrency.
package scheduler

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/willf/bitset"
	"go.uber.org/zap"

	"bittorrent/metainfo"
)

// ErrHashMismatch is logged and returned (wrapped) by BlockReceived when a
// completed piece's SHA-1 doesn't match its expected hash; the piece is
// reset and stays ongoing for re-fetch, and the peer session only logs the
// error and carries on (spec §7).
var ErrHashMismatch = errors.New("scheduler: piece hash mismatch")

// DefaultMaxPending is the default PendingRequest expiry window (spec §3).
const DefaultMaxPending = 300 * time.Second

// Config tunes a Scheduler away from its spec-mandated defaults, primarily
// so tests can shrink timeouts and inject a fake clock.
type Config struct {
	BlockSize  int64
	MaxPending time.Duration
	Clock      clock.Clock
	Logger     *zap.SugaredLogger
}

func (c Config) withDefaults() Config {
	if c.BlockSize == 0 {
		c.BlockSize = DefaultBlockSize
	}
	if c.MaxPending == 0 {
		c.MaxPending = DefaultMaxPending
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop().Sugar()
	}
	return c
}

type pendingRequest struct {
	piece    int
	offset   int64
	issuedAt time.Time
}

// location tracks which of the three disjoint sequences a piece currently
// lives in, so Scheduler can maintain spec §3's invariant (every piece
// index appears in exactly one of missing/ongoing/have) without scanning
// all three slices on every lookup.
type location int

const (
	locMissing location = iota
	locOngoing
	locHave
)

// Scheduler is the global, shared piece/block scheduler described in spec
// §4.6. It exclusively owns the output file handle, the three piece
// sequences, the pending-request list and the peer-bitfield mapping.
type Scheduler struct {
	mu sync.Mutex

	file        *os.File
	pieceLength int64
	totalSize   int64
	blockSize   int64
	maxPending  time.Duration
	clock       clock.Clock
	logger      *zap.SugaredLogger

	pieces   []*Piece
	location []location

	missing []int
	ongoing []int
	have    []int

	peerBitfields map[string]*bitset.BitSet
	peerCounts    []int

	pending []*pendingRequest

	closed bool
}

// New constructs a Scheduler for torrent, writing reassembled pieces to
// file. file must already be truncated/sized to torrent.TotalSize by the
// caller (spec treats file-system setup as an external collaborator).
func New(torrent *metainfo.Torrent, file *os.File, cfg Config) *Scheduler {
	cfg = cfg.withDefaults()

	pieces := buildPieces(torrent.PieceHashes, torrent.PieceLength, torrent.TotalSize, cfg.BlockSize)

	s := &Scheduler{
		file:          file,
		pieceLength:   torrent.PieceLength,
		totalSize:     torrent.TotalSize,
		blockSize:     cfg.BlockSize,
		maxPending:    cfg.MaxPending,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		pieces:        pieces,
		location:      make([]location, len(pieces)),
		missing:       make([]int, len(pieces)),
		peerBitfields: make(map[string]*bitset.BitSet),
		peerCounts:    make([]int, len(pieces)),
	}
	for i := range pieces {
		s.missing[i] = i
	}
	return s
}

// AddPeer registers a newly-handshaked peer's advertised piece set.
func (s *Scheduler) AddPeer(peerID string, bits *bitset.BitSet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.peerBitfields[peerID] = bits.Clone()
	for i, ok := bits.NextSet(0); ok; i, ok = bits.NextSet(i + 1) {
		if int(i) < len(s.peerCounts) {
			s.peerCounts[i]++
		}
	}
}

// UpdatePeer records a Have announcement: peerID now also holds pieceIndex.
func (s *Scheduler) UpdatePeer(peerID string, pieceIndex int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bits, ok := s.peerBitfields[peerID]
	if !ok {
		bits = bitset.New(uint(len(s.pieces)))
		s.peerBitfields[peerID] = bits
	}
	if pieceIndex < 0 || pieceIndex >= len(s.pieces) {
		return
	}
	if !bits.Test(uint(pieceIndex)) {
		bits.Set(uint(pieceIndex))
		s.peerCounts[pieceIndex]++
	}
}

// RemovePeer forgets peerID, e.g. when its session closes.
func (s *Scheduler) RemovePeer(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bits, ok := s.peerBitfields[peerID]
	if !ok {
		return
	}
	for i, ok := bits.NextSet(0); ok; i, ok = bits.NextSet(i + 1) {
		if int(i) < len(s.peerCounts) {
			s.peerCounts[i]--
		}
	}
	delete(s.peerBitfields, peerID)
}

// NextRequest selects the next block to request from peerID, following the
// priority order in spec §4.6: an expired re-request first, then
// continuing an ongoing piece, then starting the rarest new piece the peer
// has. It returns ok=false when no candidate exists (including when
// peerID's bitfield is empty or unknown).
func (s *Scheduler) NextRequest(peerID string) (piece int, block Block, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bits, known := s.peerBitfields[peerID]
	if !known {
		return 0, Block{}, false
	}

	if piece, block, ok := s.reissueExpired(bits); ok {
		return piece, block, true
	}
	if piece, block, ok := s.continueOngoing(bits); ok {
		return piece, block, true
	}
	if piece, block, ok := s.startRarestNew(bits); ok {
		return piece, block, true
	}
	return 0, Block{}, false
}

func (s *Scheduler) reissueExpired(bits *bitset.BitSet) (int, Block, bool) {
	now := s.clock.Now()
	for _, pr := range s.pending {
		if now.Sub(pr.issuedAt) <= s.maxPending {
			continue
		}
		if !bits.Test(uint(pr.piece)) {
			continue
		}
		pr.issuedAt = now
		p := s.pieces[pr.piece]
		for i := range p.Blocks {
			if p.Blocks[i].Offset == pr.offset {
				return pr.piece, p.Blocks[i], true
			}
		}
	}
	return 0, Block{}, false
}

func (s *Scheduler) continueOngoing(bits *bitset.BitSet) (int, Block, bool) {
	for _, idx := range s.ongoing {
		if !bits.Test(uint(idx)) {
			continue
		}
		p := s.pieces[idx]
		bi := p.firstMissingBlock()
		if bi == -1 {
			continue
		}
		return s.reserveBlock(idx, bi)
	}
	return 0, Block{}, false
}

func (s *Scheduler) startRarestNew(bits *bitset.BitSet) (int, Block, bool) {
	var candidates []int
	for _, idx := range s.missing {
		if bits.Test(uint(idx)) {
			candidates = append(candidates, idx)
		}
	}
	piece, ok := rarestPiece(candidates, s.peerCounts)
	if !ok {
		return 0, Block{}, false
	}

	s.moveMissingToOngoing(piece)

	p := s.pieces[piece]
	bi := p.firstMissingBlock()
	if bi == -1 {
		// Degenerate: a zero-block piece can't occur given buildPieces, but
		// guard rather than index out of range.
		return 0, Block{}, false
	}
	return s.reserveBlock(piece, bi)
}

func (s *Scheduler) reserveBlock(pieceIndex, blockIndex int) (int, Block, bool) {
	p := s.pieces[pieceIndex]
	p.Blocks[blockIndex].Status = BlockPending
	now := s.clock.Now()
	s.pending = append(s.pending, &pendingRequest{
		piece:    pieceIndex,
		offset:   p.Blocks[blockIndex].Offset,
		issuedAt: now,
	})
	return pieceIndex, p.Blocks[blockIndex], true
}

// BlockReceived records a Piece message payload. If it completes its
// piece, the assembled bytes are hash-verified and, on success, written to
// disk and the piece promoted to "have"; on a hash mismatch the piece's
// blocks are reset to Missing and it remains "ongoing" for re-fetch.
func (s *Scheduler) BlockReceived(peerID string, pieceIndex int, offset int64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pieceIndex < 0 || pieceIndex >= len(s.pieces) {
		return fmt.Errorf("scheduler: block_received: piece index %d out of range", pieceIndex)
	}

	s.clearPending(pieceIndex, offset)

	p := s.pieces[pieceIndex]
	found := false
	for i := range p.Blocks {
		if p.Blocks[i].Offset == offset {
			p.Blocks[i].Status = BlockRetrieved
			p.Blocks[i].Data = data
			found = true
			break
		}
	}
	if !found {
		s.logger.Infow("block_received for unknown offset, ignoring", "piece", pieceIndex, "offset", offset, "peer", peerID)
		return nil
	}

	if !p.allRetrieved() {
		return nil
	}

	payload := p.concatenate()
	sum := sha1.Sum(payload)
	if sum != p.Hash {
		s.logger.Infow("piece hash mismatch, resetting", "piece", pieceIndex, "peer", peerID)
		p.resetToMissing()
		return fmt.Errorf("%w: piece %d", ErrHashMismatch, pieceIndex)
	}

	if _, err := s.file.WriteAt(payload, int64(pieceIndex)*s.pieceLength); err != nil {
		return fmt.Errorf("scheduler: writing piece %d: %w", pieceIndex, err)
	}

	p.discardPayloads()
	s.moveOngoingToHave(pieceIndex)
	s.logger.Infow("piece complete", "piece", pieceIndex, "have", len(s.have), "total", len(s.pieces))
	return nil
}

func (s *Scheduler) clearPending(pieceIndex int, offset int64) {
	for i, pr := range s.pending {
		if pr.piece == pieceIndex && pr.offset == offset {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

func (s *Scheduler) moveMissingToOngoing(pieceIndex int) {
	for i, idx := range s.missing {
		if idx == pieceIndex {
			s.missing = append(s.missing[:i], s.missing[i+1:]...)
			break
		}
	}
	s.ongoing = append(s.ongoing, pieceIndex)
	s.location[pieceIndex] = locOngoing
}

func (s *Scheduler) moveOngoingToHave(pieceIndex int) {
	for i, idx := range s.ongoing {
		if idx == pieceIndex {
			s.ongoing = append(s.ongoing[:i], s.ongoing[i+1:]...)
			break
		}
	}
	s.have = append(s.have, pieceIndex)
	s.location[pieceIndex] = locHave
}

// Complete reports whether every piece has been downloaded and verified.
func (s *Scheduler) Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.have) == len(s.pieces)
}

// BytesDownloaded returns |have| * piece_length, tolerating the usual
// rounding on the last piece (spec §8 invariant).
func (s *Scheduler) BytesDownloaded() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return int64(len(s.have)) * s.pieceLength
}

// NumPieces returns the total piece count.
func (s *Scheduler) NumPieces() int {
	return len(s.pieces)
}

// NumHave returns the count of fully verified, written pieces.
func (s *Scheduler) NumHave() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.have)
}

// Close closes the underlying file handle. Unflushed OS buffers are left to
// the kernel, matching spec §5.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}
