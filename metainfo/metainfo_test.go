package metainfo

import (
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bittorrent/bencode"
)

func writeTorrentFile(t *testing.T, info bencode.Value, announce string) string {
	t.Helper()
	root := bencode.Dict(
		bencode.DictEntry{Key: "announce", Value: bencode.String(announce)},
		bencode.DictEntry{Key: "info", Value: info},
	)
	dir := t.TempDir()
	path := filepath.Join(dir, "test.torrent")
	require.NoError(t, os.WriteFile(path, bencode.Encode(root), 0644))
	return path
}

func samplePieces(n int) string {
	out := make([]byte, 0, n*20)
	for i := 0; i < n; i++ {
		h := sha1.Sum([]byte{byte(i)})
		out = append(out, h[:]...)
	}
	return string(out)
}

func TestLoadSingleFileTorrent(t *testing.T) {
	info := bencode.Dict(
		bencode.DictEntry{Key: "length", Value: bencode.Int64(10)},
		bencode.DictEntry{Key: "name", Value: bencode.String("example.txt")},
		bencode.DictEntry{Key: "piece length", Value: bencode.Int64(4)},
		bencode.DictEntry{Key: "pieces", Value: bencode.String(samplePieces(3))},
	)
	path := writeTorrentFile(t, info, "http://tracker.example/announce")

	tr, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://tracker.example/announce", tr.AnnounceURL)
	assert.Equal(t, int64(10), tr.TotalSize)
	assert.Equal(t, int64(4), tr.PieceLength)
	assert.Equal(t, "example.txt", tr.OutputName)
	assert.Equal(t, 3, tr.NumPieces())

	expectedHash := sha1.Sum(bencode.Encode(info))
	assert.Equal(t, expectedHash, tr.InfoHash)
}

func TestLoadRejectsMultiFile(t *testing.T) {
	info := bencode.Dict(
		bencode.DictEntry{Key: "name", Value: bencode.String("dir")},
		bencode.DictEntry{Key: "piece length", Value: bencode.Int64(4)},
		bencode.DictEntry{Key: "pieces", Value: bencode.String(samplePieces(1))},
		bencode.DictEntry{Key: "files", Value: bencode.List(
			bencode.Dict(
				bencode.DictEntry{Key: "length", Value: bencode.Int64(4)},
				bencode.DictEntry{Key: "path", Value: bencode.List(bencode.String("a.txt"))},
			),
		)},
	)
	path := writeTorrentFile(t, info, "http://tracker.example/announce")

	_, err := Load(path)
	require.ErrorIs(t, err, ErrUnsupportedMultiFile)
}

func TestLoadRejectsMissingFields(t *testing.T) {
	info := bencode.Dict(
		bencode.DictEntry{Key: "name", Value: bencode.String("example.txt")},
	)
	path := writeTorrentFile(t, info, "http://tracker.example/announce")

	_, err := Load(path)
	require.ErrorIs(t, err, ErrInvalidMetainfo)
}

func TestPieceSizeHandlesRemainder(t *testing.T) {
	tr := &Torrent{PieceLength: 4, TotalSize: 10, PieceHashes: make([][20]byte, 3)}
	assert.Equal(t, int64(4), tr.PieceSize(0))
	assert.Equal(t, int64(4), tr.PieceSize(1))
	assert.Equal(t, int64(2), tr.PieceSize(2))
}

func TestPieceSizeExactMultiple(t *testing.T) {
	tr := &Torrent{PieceLength: 4, TotalSize: 8, PieceHashes: make([][20]byte, 2)}
	assert.Equal(t, int64(4), tr.PieceSize(1))
}
