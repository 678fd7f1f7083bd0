// Package tracker implements the HTTP tracker announce request, grounded on
// the teacher's SendHTTPTrackerRequest (torrent/tracker.go): build the query
// string, GET it, bencode-decode the body. UDP trackers and multi-tracker
// aggregation are out of scope (spec Non-goals).
package tracker

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"bittorrent/bencode"
)

var (
	// ErrTrackerUnreachable is returned for a non-200 HTTP status or a
	// round trip failure surviving the retry budget.
	ErrTrackerUnreachable = errors.New("tracker: unreachable")
	// ErrTrackerFailure is returned when the tracker's response body
	// carries a "failure reason" key.
	ErrTrackerFailure = errors.New("tracker: failure reported")
	// ErrUnsupportedPeerFormat is returned for a dictionary-model peer
	// list; only the compact form is supported.
	ErrUnsupportedPeerFormat = errors.New("tracker: unsupported peer list format")
)

const listenPort = 6889

// Peer is one entry of a tracker's compact peer list.
type Peer struct {
	IP   string
	Port uint16
}

// Response is the parsed result of one announce call.
type Response struct {
	Interval   int
	Complete   int
	Incomplete int
	Peers      []Peer
}

// Client announces to a single tracker for one torrent.
type Client struct {
	announceURL string
	infoHash    [20]byte
	peerID      [20]byte
	httpClient  *http.Client
	logger      *zap.SugaredLogger

	startedSent bool
}

// New constructs a Client. peerID is generated once per instance, matching
// spec §4.3 ("generated once per tracker instance").
func New(announceURL string, infoHash [20]byte, logger *zap.SugaredLogger) (*Client, error) {
	peerID, err := generatePeerID()
	if err != nil {
		return nil, fmt.Errorf("tracker: generating peer id: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Client{
		announceURL: announceURL,
		infoHash:    infoHash,
		peerID:      peerID,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		logger:      logger,
	}, nil
}

// PeerID returns this client's generated peer id.
func (c *Client) PeerID() [20]byte { return c.peerID }

// Announce performs one announce round trip. The HTTP request itself is
// retried with exponential backoff (spec_full §4.3 added); the outer
// interval-governed retry loop lives in the caller.
func (c *Client) Announce(ctx context.Context, uploaded, downloaded, left int64) (*Response, error) {
	correlationID := uuid.New().String()

	u, err := url.Parse(c.announceURL)
	if err != nil {
		return nil, fmt.Errorf("tracker: parsing announce url: %w", err)
	}

	params := url.Values{}
	params.Set("info_hash", string(c.infoHash[:]))
	params.Set("peer_id", string(c.peerID[:]))
	params.Set("port", fmt.Sprintf("%d", listenPort))
	params.Set("uploaded", fmt.Sprintf("%d", uploaded))
	params.Set("downloaded", fmt.Sprintf("%d", downloaded))
	params.Set("left", fmt.Sprintf("%d", left))
	params.Set("compact", "1")
	if !c.startedSent {
		params.Set("event", "started")
	}
	u.RawQuery = params.Encode()

	var body []byte
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.Multiplier = 1.6
	policy.MaxElapsedTime = 10 * time.Second

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("tracker: building request: %w", err))
		}
		req.Header.Set("User-Agent", "bittorrent/1.0")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.logger.Infow("announce round trip failed, retrying", "correlation_id", correlationID, "error", err)
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%w: status %d", ErrTrackerUnreachable, resp.StatusCode)
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("tracker: reading response body: %w", err)
		}
		return nil
	}

	c.logger.Infow("announcing", "correlation_id", correlationID, "url", u.String())
	if err := backoff.Retry(operation, policy); err != nil {
		if errors.Is(err, ErrTrackerUnreachable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrTrackerUnreachable, err)
	}

	response, err := parseResponse(body)
	if err != nil {
		return nil, err
	}
	c.startedSent = true
	c.logger.Infow("announce succeeded", "correlation_id", correlationID, "peers", len(response.Peers), "interval", response.Interval)
	return response, nil
}

func parseResponse(body []byte) (*Response, error) {
	val, err := bencode.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("tracker: decoding response: %w", err)
	}

	if failure, ok := val.Get("failure reason"); ok {
		return nil, fmt.Errorf("%w: %s", ErrTrackerFailure, failure.Str)
	}

	resp := &Response{}
	if v, ok := val.Get("interval"); ok {
		resp.Interval = int(v.Int)
	}
	if v, ok := val.Get("complete"); ok {
		resp.Complete = int(v.Int)
	}
	if v, ok := val.Get("incomplete"); ok {
		resp.Incomplete = int(v.Int)
	}

	peersVal, ok := val.Get("peers")
	if !ok {
		return resp, nil
	}
	if peersVal.Kind != bencode.KindString {
		return nil, ErrUnsupportedPeerFormat
	}

	peers, err := parseCompactPeers(peersVal.Str)
	if err != nil {
		return nil, err
	}
	resp.Peers = peers
	return resp, nil
}

// parseCompactPeers splits the compact peer list into 6-byte records: 4
// bytes IPv4 big-endian, 2 bytes big-endian port (spec §4.3).
func parseCompactPeers(raw []byte) ([]Peer, error) {
	if len(raw)%6 != 0 {
		return nil, fmt.Errorf("%w: compact peers length %d not a multiple of 6", ErrUnsupportedPeerFormat, len(raw))
	}
	peers := make([]Peer, 0, len(raw)/6)
	for i := 0; i < len(raw); i += 6 {
		ip := fmt.Sprintf("%d.%d.%d.%d", raw[i], raw[i+1], raw[i+2], raw[i+3])
		port := uint16(raw[i+4])<<8 | uint16(raw[i+5])
		peers = append(peers, Peer{IP: ip, Port: port})
	}
	return peers, nil
}

// generatePeerID builds "-PC0001-" followed by 12 random decimal digits
// (spec §4.3), using crypto/rand for uniformly distributed digits.
func generatePeerID() ([20]byte, error) {
	var id [20]byte
	copy(id[:], "-PC0001-")

	digits := make([]byte, 12)
	randomBytes := make([]byte, 12)
	if _, err := rand.Read(randomBytes); err != nil {
		return id, err
	}
	for i, b := range randomBytes {
		digits[i] = '0' + b%10
	}
	copy(id[8:], digits)
	return id, nil
}
