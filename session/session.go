// Package session implements the per-peer state machine described in spec
// §4.5: it dequeues peer addresses, speaks the handshake and message
// framing of package wire, and cooperates with a scheduler to issue block
// requests and report received blocks.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/willf/bitset"
	"go.uber.org/zap"

	"bittorrent/wire"
)

// Addr is a peer endpoint as delivered by the tracker client.
type Addr struct {
	IP   string
	Port uint16
}

func (a Addr) String() string { return fmt.Sprintf("%s:%d", a.IP, a.Port) }

// Scheduler is the subset of *scheduler.Scheduler a session depends on. A
// session calls back into the scheduler but the scheduler never references
// sessions, keeping ownership one-way (spec Design Notes §9).
type Scheduler interface {
	AddPeer(peerID string, bits *bitset.BitSet)
	UpdatePeer(peerID string, pieceIndex int)
	RemovePeer(peerID string)
	NextRequest(peerID string) (piece int, block SchedulerBlock, ok bool)
	BlockReceived(peerID string, pieceIndex int, offset int64, data []byte) error
	NumPieces() int
}

// SchedulerBlock mirrors scheduler.Block's fields the session needs, so the
// Scheduler interface doesn't depend on package scheduler's types; only
// SchedulerAdapter (adapter.go) imports package scheduler.
type SchedulerBlock struct {
	Offset int64
	Length int64
}

// Dialer opens a TCP connection to a peer; overridable in tests.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

func defaultDialer(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// Config parameterizes a Session.
type Config struct {
	InfoHash  [20]byte
	MyPeerID  [20]byte
	Scheduler Scheduler
	Logger    *zap.SugaredLogger

	Dial           Dialer
	HandshakeRead  int           // max read attempts while handshaking, spec: 10
	ConnectTimeout time.Duration
	IOTimeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.Dial == nil {
		c.Dial = defaultDialer
	}
	if c.HandshakeRead == 0 {
		c.HandshakeRead = 10
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.IOTimeout == 0 {
		c.IOTimeout = 60 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop().Sugar()
	}
	return c
}

// Session drives one member of the fixed peer-session pool: it repeatedly
// dequeues an address, tries to become Active with it, and recycles back to
// Idle on any failure (spec §4.5). It exclusively owns its socket and
// framing buffer.
type Session struct {
	cfg   Config
	queue <-chan Addr

	state  State
	local  Flags
	remote RemoteFlags

	remotePeerID string
	conn         net.Conn
	buf          []byte
	dec          wire.Decoder
}

// New creates a Session that pulls addresses from queue.
func New(queue <-chan Addr, cfg Config) *Session {
	return &Session{cfg: cfg.withDefaults(), queue: queue, state: StateIdle}
}

// State returns the session's current lifecycle state (for tests/metrics).
func (s *Session) State() State { return s.state }

// Run drives the session until ctx is cancelled, which is the concrete
// realization of spec §5's stop(): cancelling the root context is observed
// at every suspension point (socket I/O, the queue dequeue).
func (s *Session) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.local = s.local.with(FlagStopped)
			return
		case addr, ok := <-s.queue:
			if !ok {
				return
			}
			s.attempt(ctx, addr)
		}
	}
}

// attempt drives one full Idle->...->Closed cycle against addr, logging and
// swallowing any error: per spec §7, everything peer-local is recoverable
// by session reset.
func (s *Session) attempt(ctx context.Context, addr Addr) {
	s.state = StateConnecting
	s.local, s.remote = 0, 0
	s.remotePeerID = ""

	conn, err := s.connect(ctx, addr)
	if err != nil {
		s.cfg.Logger.Infow("connect failed, recycling", "peer", addr.String(), "error", err)
		s.state = StateIdle
		return
	}
	s.conn = conn
	// Closing the connection on cancellation unblocks any pending read or
	// write.
	stopClose := context.AfterFunc(ctx, func() { conn.Close() })
	defer stopClose()
	defer func() {
		s.conn.Close()
		s.conn = nil
	}()

	s.state = StateHandshaking
	if err := s.handshake(addr); err != nil {
		s.cfg.Logger.Infow("handshake failed, recycling", "peer", addr.String(), "error", err)
		s.state = StateIdle
		return
	}

	s.state = StateActive
	s.local = FlagStalled | FlagInterested
	if err := s.sendMessage(wire.Message{ID: wire.MsgInterested}); err != nil {
		s.cfg.Logger.Infow("sending interested failed, recycling", "peer", addr.String(), "error", err)
		s.state = StateIdle
		return
	}

	if err := s.activeLoop(ctx); err != nil && !errors.Is(err, io.EOF) {
		s.cfg.Logger.Infow("session closed", "peer", addr.String(), "remote_peer_id", s.remotePeerID, "error", err)
	}

	if s.remotePeerID != "" {
		s.cfg.Scheduler.RemovePeer(s.remotePeerID)
	}
	s.state = StateIdle
}

func (s *Session) connect(ctx context.Context, addr Addr) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	return s.cfg.Dial(dialCtx, addr.String())
}

// handshake sends our handshake and reads the peer's, retrying the read in
// up to HandshakeRead chunks until at least wire.HandshakeLen bytes have
// arrived (spec §4.5).
func (s *Session) handshake(addr Addr) error {
	hs := wire.Handshake{InfoHash: s.cfg.InfoHash, PeerID: s.cfg.MyPeerID}
	s.conn.SetWriteDeadline(time.Now().Add(s.cfg.IOTimeout))
	if _, err := s.conn.Write(hs.Encode()); err != nil {
		return fmt.Errorf("sending handshake: %w", err)
	}

	buf := make([]byte, 0, wire.HandshakeLen)
	chunk := make([]byte, wire.HandshakeLen)
	s.conn.SetReadDeadline(time.Now().Add(s.cfg.IOTimeout))
	for i := 0; i < s.cfg.HandshakeRead && len(buf) < wire.HandshakeLen; i++ {
		n, err := s.conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			return fmt.Errorf("reading handshake: %w", err)
		}
	}

	response, err := wire.DecodeHandshake(buf)
	if err != nil {
		return err
	}
	if response.InfoHash != s.cfg.InfoHash {
		return fmt.Errorf("%w: info_hash mismatch from %s", wire.ErrProtocolError, addr.String())
	}

	s.remotePeerID = string(response.PeerID[:])
	// Any leftover bytes past the handshake are the start of the message
	// stream and must not be dropped.
	if len(buf) > wire.HandshakeLen {
		s.buf = append(s.buf, buf[wire.HandshakeLen:]...)
	}
	s.cfg.Logger.Infow("handshake completed", "peer", addr.String(), "remote_peer_id", s.remotePeerID)
	return nil
}

// activeLoop reads and dispatches messages until the connection fails or
// ctx is cancelled.
func (s *Session) activeLoop(ctx context.Context) error {
	read := make([]byte, 4096)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		for {
			msg, consumed, ok, err := s.dec.Decode(s.buf)
			if err != nil {
				return err
			}
			if consumed > 0 {
				s.buf = s.buf[consumed:]
			}
			if !ok {
				if consumed > 0 {
					// A frame with an unknown id was dropped; keep parsing.
					s.cfg.Logger.Infow("discarding message with unknown id", "peer", s.remotePeerID)
					continue
				}
				break
			}
			if err := s.handle(msg); err != nil {
				return err
			}
		}

		s.conn.SetReadDeadline(time.Now().Add(s.cfg.IOTimeout))
		n, err := s.conn.Read(read)
		if n > 0 {
			s.buf = append(s.buf, read[:n]...)
		}
		if err != nil {
			return err
		}
	}
}

func (s *Session) handle(msg wire.Message) error {
	switch msg.ID {
	case wire.MsgBitfield:
		bits := wire.BitfieldToBitSet(msg.BitfieldRaw, s.cfg.Scheduler.NumPieces())
		s.cfg.Scheduler.AddPeer(s.remotePeerID, bits)
	case wire.MsgHave:
		s.cfg.Scheduler.UpdatePeer(s.remotePeerID, int(msg.Index))
	case wire.MsgChoke:
		s.local = s.local.with(FlagStalled)
	case wire.MsgUnchoke:
		s.local = s.local.without(FlagStalled)
	case wire.MsgInterested:
		s.remote |= RemoteFlagInterested
	case wire.MsgNotInterested:
		s.remote &^= RemoteFlagInterested
	case wire.MsgPiece:
		s.local = s.local.without(FlagPendingRequest)
		if err := s.cfg.Scheduler.BlockReceived(s.remotePeerID, int(msg.Index), int64(msg.Begin), msg.Block); err != nil {
			s.cfg.Logger.Infow("block_received reported an error, continuing", "peer", s.remotePeerID, "error", err)
		}
	case wire.MsgKeepAlive:
		// no-op
	case wire.MsgRequest, wire.MsgCancel:
		// ignored: this client does not seed.
	}

	return s.maybeRequestNext()
}

// maybeRequestNext issues the next block Request if we are interested,
// unstalled, and have no request already in flight (spec §4.5).
func (s *Session) maybeRequestNext() error {
	if !s.local.has(FlagInterested) || s.local.has(FlagStalled) || s.local.has(FlagPendingRequest) {
		return nil
	}

	piece, block, ok := s.cfg.Scheduler.NextRequest(s.remotePeerID)
	if !ok {
		return nil
	}

	if err := s.sendMessage(wire.Message{
		ID:     wire.MsgRequest,
		Index:  uint32(piece),
		Begin:  uint32(block.Offset),
		Length: uint32(block.Length),
	}); err != nil {
		return err
	}
	s.local = s.local.with(FlagPendingRequest)
	return nil
}

func (s *Session) sendMessage(msg wire.Message) error {
	s.conn.SetWriteDeadline(time.Now().Add(s.cfg.IOTimeout))
	_, err := s.conn.Write(wire.Encode(msg))
	return err
}
