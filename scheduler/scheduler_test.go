package scheduler

import (
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/willf/bitset"

	"bittorrent/metainfo"
)

func newTestFile(t *testing.T, size int64) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "out")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	t.Cleanup(func() { f.Close() })
	return f
}

// buildTorrent constructs a metainfo.Torrent whose pieces are SHA-1 hashes
// of the given plaintext content, split into pieceLen-sized pieces (spec §8
// scenario 1: 3 pieces of length 4, total 10).
func buildTorrent(content []byte, pieceLen int64) *metainfo.Torrent {
	var hashes [][20]byte
	for off := int64(0); off < int64(len(content)); off += pieceLen {
		end := off + pieceLen
		if end > int64(len(content)) {
			end = int64(len(content))
		}
		hashes = append(hashes, sha1.Sum(content[off:end]))
	}
	return &metainfo.Torrent{
		PieceLength: pieceLen,
		TotalSize:   int64(len(content)),
		PieceHashes: hashes,
	}
}

func bitsetAll(n int) *bitset.BitSet {
	bs := bitset.New(uint(n))
	for i := 0; i < n; i++ {
		bs.Set(uint(i))
	}
	return bs
}

func TestFullDownloadScenario(t *testing.T) {
	content := []byte("abcdefghij") // 10 bytes, spec scenario 1
	torrent := buildTorrent(content, 4)
	require.Equal(t, 3, len(torrent.PieceHashes))

	file := newTestFile(t, torrent.TotalSize)
	s := New(torrent, file, Config{BlockSize: 4, Clock: clock.NewMock()})

	require.Equal(t, 1, len(s.pieces[2].Blocks), "last piece has one block of length 2")
	assert.Equal(t, int64(2), s.pieces[2].Blocks[0].Length)

	s.AddPeer("peerA", bitsetAll(3))

	for {
		piece, block, ok := s.NextRequest("peerA")
		if !ok {
			break
		}
		data := content[int64(piece)*4+block.Offset : int64(piece)*4+block.Offset+block.Length]
		require.NoError(t, s.BlockReceived("peerA", piece, block.Offset, data))
	}

	assert.True(t, s.Complete())
	assert.Equal(t, int64(3)*4, s.BytesDownloaded())

	got := make([]byte, len(content))
	_, err := file.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestPieceInExactlyOneSequence(t *testing.T) {
	content := make([]byte, 12) // 3 pieces of 4 bytes, 1 block each
	torrent := buildTorrent(content, 4)
	file := newTestFile(t, torrent.TotalSize)
	s := New(torrent, file, Config{BlockSize: 4, Clock: clock.NewMock()})

	s.AddPeer("peerA", bitsetAll(3))
	_, block, ok := s.NextRequest("peerA")
	require.True(t, ok)
	require.NoError(t, s.BlockReceived("peerA", 0, block.Offset, content[0:4]))

	assert.Equal(t, locHave, s.location[0], "piece 0's only block was retrieved and verified")
	assert.Equal(t, locMissing, s.location[1])
	assert.Equal(t, locMissing, s.location[2])
	assert.Equal(t, len(s.pieces), len(s.missing)+len(s.ongoing)+len(s.have))
}

func TestHashMismatchResetsButKeepsPieceOngoing(t *testing.T) {
	content := []byte("abcd")
	torrent := buildTorrent(content, 4)
	file := newTestFile(t, torrent.TotalSize)
	s := New(torrent, file, Config{BlockSize: 4, Clock: clock.NewMock()})

	s.AddPeer("peerA", bitsetAll(1))
	_, block, ok := s.NextRequest("peerA")
	require.True(t, ok)

	err := s.BlockReceived("peerA", 0, block.Offset, []byte("XXXX"))
	require.ErrorIs(t, err, ErrHashMismatch)

	assert.Equal(t, locOngoing, s.location[0])
	assert.Equal(t, BlockMissing, s.pieces[0].Blocks[0].Status)
}

func TestExpiredRequestIsReissuedNotDuplicated(t *testing.T) {
	content := []byte("abcd")
	torrent := buildTorrent(content, 4)
	file := newTestFile(t, torrent.TotalSize)
	clk := clock.NewMock()
	s := New(torrent, file, Config{BlockSize: 4, Clock: clk, MaxPending: 300 * time.Second})

	s.AddPeer("peerA", bitsetAll(1))
	_, first, ok := s.NextRequest("peerA")
	require.True(t, ok)

	// Not yet expired at exactly the boundary.
	clk.Add(300*time.Second + 1*time.Nanosecond)
	_, second, ok := s.NextRequest("peerA")
	require.True(t, ok)
	assert.Equal(t, first.Offset, second.Offset)

	assert.Len(t, s.pending, 1, "re-request must not add a duplicate in-flight entry")
}

func TestRequestNotYetExpiredIsNotReissued(t *testing.T) {
	content := []byte("abcd")
	torrent := buildTorrent(content, 4)
	file := newTestFile(t, torrent.TotalSize)
	clk := clock.NewMock()
	s := New(torrent, file, Config{BlockSize: 4, Clock: clk, MaxPending: 300 * time.Second})

	s.AddPeer("peerA", bitsetAll(1))
	_, _, ok := s.NextRequest("peerA")
	require.True(t, ok)

	clk.Add(300 * time.Second) // exactly at the boundary: not yet expired
	_, _, ok = s.NextRequest("peerA")
	assert.False(t, ok, "no other piece to give, and the single pending block isn't expired yet")
}

func TestRarestFirstPrefersLowerCount(t *testing.T) {
	content := make([]byte, 12)
	torrent := buildTorrent(content, 4)
	file := newTestFile(t, torrent.TotalSize)
	s := New(torrent, file, Config{BlockSize: 4, Clock: clock.NewMock()})

	bitsA := bitsetFromIndices(3, 0, 1)
	bitsB := bitsetFromIndices(3, 1, 2)
	s.AddPeer("peerA", bitsA)
	s.AddPeer("peerB", bitsB)
	// counts: piece0=1 (A only), piece1=2 (A and B), piece2=1 (B only)

	piece, _, ok := s.NextRequest("peerA")
	require.True(t, ok)
	assert.Equal(t, 0, piece, "piece 0 is rarer (count=1) than piece 1 (count=2)")
}

func TestNextRequestReturnsNoneForUnknownOrEmptyPeer(t *testing.T) {
	content := make([]byte, 4)
	torrent := buildTorrent(content, 4)
	file := newTestFile(t, torrent.TotalSize)
	s := New(torrent, file, Config{BlockSize: 4, Clock: clock.NewMock()})

	_, _, ok := s.NextRequest("ghost")
	assert.False(t, ok)

	s.AddPeer("empty", bitset.New(1))
	_, _, ok = s.NextRequest("empty")
	assert.False(t, ok)
}

func TestUpdatePeerAddsPieceToBitfield(t *testing.T) {
	content := make([]byte, 8)
	torrent := buildTorrent(content, 4)
	file := newTestFile(t, torrent.TotalSize)
	s := New(torrent, file, Config{BlockSize: 4, Clock: clock.NewMock()})

	s.AddPeer("peerA", bitset.New(2))
	s.UpdatePeer("peerA", 1)

	_, block, ok := s.NextRequest("peerA")
	require.True(t, ok)
	assert.Equal(t, int64(0), block.Offset)
}

func TestRemovePeerDecrementsCounts(t *testing.T) {
	content := make([]byte, 4)
	torrent := buildTorrent(content, 4)
	file := newTestFile(t, torrent.TotalSize)
	s := New(torrent, file, Config{BlockSize: 4, Clock: clock.NewMock()})

	s.AddPeer("peerA", bitsetAll(1))
	assert.Equal(t, 1, s.peerCounts[0])
	s.RemovePeer("peerA")
	assert.Equal(t, 0, s.peerCounts[0])
}

func bitsetFromIndices(size uint, indices ...uint) *bitset.BitSet {
	bs := bitset.New(size)
	for _, i := range indices {
		bs.Set(i)
	}
	return bs
}
