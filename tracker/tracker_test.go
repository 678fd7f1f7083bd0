package tracker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compactPeers(entries ...[6]byte) []byte {
	raw := make([]byte, 0, len(entries)*6)
	for _, e := range entries {
		raw = append(raw, e[:]...)
	}
	return raw
}

func TestAnnounceParsesCompactPeers(t *testing.T) {
	peers := compactPeers([6]byte{192, 168, 1, 1, 0x1A, 0xE1}) // port 6881
	body := "d8:intervali1800e8:completei3e10:incompletei1e5:peers" +
		"6:" + string(peers) + "e"

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("compact"))
		assert.Equal(t, "started", r.URL.Query().Get("event"))
		w.Write([]byte(body))
	}))
	defer server.Close()

	c, err := New(server.URL, [20]byte{1, 2, 3}, nil)
	require.NoError(t, err)

	resp, err := c.Announce(context.Background(), 0, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, 1800, resp.Interval)
	assert.Equal(t, 3, resp.Complete)
	assert.Equal(t, 1, resp.Incomplete)
	require.Len(t, resp.Peers, 1)
	assert.Equal(t, "192.168.1.1", resp.Peers[0].IP)
	assert.Equal(t, uint16(6881), resp.Peers[0].Port)
}

func TestAnnounceOnlySendsStartedOnce(t *testing.T) {
	var events []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		events = append(events, r.URL.Query().Get("event"))
		w.Write([]byte("d8:intervali1800ee"))
	}))
	defer server.Close()

	c, err := New(server.URL, [20]byte{1}, nil)
	require.NoError(t, err)

	_, err = c.Announce(context.Background(), 0, 0, 10)
	require.NoError(t, err)
	_, err = c.Announce(context.Background(), 0, 5, 5)
	require.NoError(t, err)

	require.Len(t, events, 2)
	assert.Equal(t, "started", events[0])
	assert.Equal(t, "", events[1])
}

func TestAnnounceReportsTrackerFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("d14:failure reason17:torrent not founde"))
	}))
	defer server.Close()

	c, err := New(server.URL, [20]byte{1}, nil)
	require.NoError(t, err)

	_, err = c.Announce(context.Background(), 0, 0, 10)
	require.ErrorIs(t, err, ErrTrackerFailure)
}

func TestAnnounceReportsUnreachableOnNon200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c, err := New(server.URL, [20]byte{1}, nil)
	require.NoError(t, err)

	_, err = c.Announce(context.Background(), 0, 0, 10)
	require.ErrorIs(t, err, ErrTrackerUnreachable)
}

func TestAnnounceRejectsDictionaryPeerList(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("d5:peersld2:ip9:127.0.0.14:porti6881eeee"))
	}))
	defer server.Close()

	c, err := New(server.URL, [20]byte{1}, nil)
	require.NoError(t, err)

	_, err = c.Announce(context.Background(), 0, 0, 10)
	require.ErrorIs(t, err, ErrUnsupportedPeerFormat)
}

func TestGeneratePeerIDFormat(t *testing.T) {
	id, err := generatePeerID()
	require.NoError(t, err)
	assert.Equal(t, "-PC0001-", string(id[:8]))
	for _, b := range id[8:] {
		assert.True(t, b >= '0' && b <= '9')
	}
}

func TestPeerIDStableAcrossAnnounces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("d8:intervali1800ee"))
	}))
	defer server.Close()

	c, err := New(server.URL, [20]byte{1}, nil)
	require.NoError(t, err)
	first := c.PeerID()

	_, err = c.Announce(context.Background(), 0, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, first, c.PeerID())
}
