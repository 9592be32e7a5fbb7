package torrent

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/willf/bitset"

	"github.com/lvbealr/leechtorrent/internal/config"
)

// blockRef names a single in-flight block assignment.
type blockRef struct {
	piece int
	block int
}

// Peer is one peer-wire session: one TCP connection, handshake, framed
// message I/O, state flags, and a block-request loop. Ported from the
// teacher's torrent/p2p.go (Handshake, SendMessage/ReceiveMessage,
// DownloadFromPeer) and original_source/Peer.py (the coordinator
// callback contract: run_download/request_block/have_piece).
type Peer struct {
	ip   string
	port uint16
	conn net.Conn
	r    *bufio.Reader

	cfg   *config.Config
	log   logrus.FieldLogger
	coord *Coordinator

	// State variables (spec.md §4.2). These are only ever touched from
	// this peer's own goroutine (handleMessage / RunDownload), so no
	// lock is needed for them specifically.
	peerChoking     bool
	peerInterested  bool
	selfChoking     bool
	selfInterested  bool
	availablePieces *bitset.BitSet // nil => assume peer has everything
	currentRequest  *blockRef

	isAvailable atomic.Bool
	isRunning   atomic.Bool
}

// Name renders the peer's "ip:port" registry key.
func (p *Peer) Name() string { return net.JoinHostPort(p.ip, strconv.Itoa(int(p.port))) }

// dialAndHandshake performs the BitTorrent handshake (spec.md §4.2):
// send the local handshake first, then read until pstrlen-dependent
// length is satisfied, verifying pstr and info_hash.
func dialAndHandshake(ctx context.Context, cfg *config.Config, coord *Coordinator, ip string, port uint16) (*Peer, error) {
	addr := net.JoinHostPort(ip, strconv.Itoa(int(port)))

	dialer := net.Dialer{Timeout: cfg.PeerTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrap(ErrPeerIO, err.Error())
	}

	conn.SetDeadline(time.Now().Add(cfg.PeerTimeout))

	local := Handshake{Pstr: cfg.ProtocolName, InfoHash: coord.m.InfoHash, PeerID: cfg.PeerID}
	if err := writeHandshake(conn, local); err != nil {
		conn.Close()
		return nil, err
	}

	reader := bufio.NewReaderSize(conn, coord.cfg.MaxRecv)
	remote, _, err := readHandshake(reader)
	if err != nil {
		conn.Close()
		return nil, err
	}

	if remote.Pstr != cfg.ProtocolName {
		conn.Close()
		return nil, errors.Wrapf(ErrUnexpectedProtocol, "got %q", remote.Pstr)
	}
	if remote.InfoHash != coord.m.InfoHash {
		conn.Close()
		return nil, errors.Wrap(ErrUnexpectedProtocol, "info hash mismatch")
	}

	conn.SetDeadline(time.Time{})

	p := &Peer{
		ip:          ip,
		port:        port,
		conn:        conn,
		r:           reader,
		cfg:         cfg,
		coord:       coord,
		log:         coord.log.WithField("peer", net.JoinHostPort(ip, strconv.Itoa(int(port)))),
		peerChoking: true,
		selfChoking: true,
	}
	p.isAvailable.Store(true)

	return p, nil
}

// HasPiece reports whether the peer is believed to have piece p. A nil
// availablePieces map means no bitfield/have has been observed yet; per
// spec.md §9 "open questions", this client keeps the permissive source
// behavior of assuming the peer has everything until proven otherwise.
func (p *Peer) HasPiece(piece int) bool {
	if p.availablePieces == nil {
		return true
	}
	return p.availablePieces.Test(uint(piece))
}

// RunDownload blocks, pulling assignments from the coordinator and
// requesting blocks, until the session terminates (spec.md §4.2
// "Request policy").
func (p *Peer) RunDownload(ctx context.Context) {
	p.isRunning.Store(true)
	defer p.isRunning.Store(false)

	for p.isAvailable.Load() {
		if ctx.Err() != nil {
			p.teardown(false)
			return
		}

		pieceIdx, blockIdx, hasWork := p.coord.nextAssignment(p)
		if !hasWork {
			p.teardown(false) // no more work this peer can serve
			return
		}
		if blockIdx < 0 {
			// Piece exists in the pending map but every block is
			// currently in flight with another peer. Apply a bounded
			// backoff rather than busy-spinning (spec.md §9 open
			// question: the spec mandates this is acceptable).
			select {
			case <-ctx.Done():
				p.teardown(false)
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		if err := p.requestBlock(ctx, pieceIdx, blockIdx); err != nil {
			bad := p.availablePieces == nil
			p.teardown(bad)
			return
		}
	}

	p.teardown(false)
}

// requestBlock implements spec.md §4.2 steps 4-8 for one (piece, block).
func (p *Peer) requestBlock(ctx context.Context, pieceIdx, blockIdx int) error {
	p.currentRequest = &blockRef{piece: pieceIdx, block: blockIdx}

	if p.peerChoking {
		if err := p.send(Message{ID: MsgInterested}); err != nil {
			return err
		}
		p.selfInterested = true

		if err := p.waitUntil(func() bool { return !p.peerChoking }); err != nil {
			return err
		}
		if p.peerChoking {
			return errors.Wrap(ErrPeerIO, "peer still choking after interested round")
		}
	}

	pieceLen := p.coord.m.PieceLen(pieceIdx)
	offset := int64(blockIdx) * int64(p.cfg.BlockSize)
	blockLen := pieceLen - offset
	if blockLen > int64(p.cfg.BlockSize) {
		blockLen = int64(p.cfg.BlockSize)
	}

	payload := requestPayload(uint32(pieceIdx), uint32(offset), uint32(blockLen))
	if err := p.send(Message{ID: MsgRequest, Payload: payload}); err != nil {
		return err
	}

	if err := p.waitUntil(func() bool { return p.currentRequest == nil }); err != nil {
		return err
	}

	if p.currentRequest != nil {
		// The peer didn't deliver in this round; return the block to
		// the pending map and move on (spec.md §4.2 step 8).
		p.coord.returnAssignment(p.currentRequest.piece, p.currentRequest.block)
		p.currentRequest = nil
	}

	return nil
}

// waitUntil reads and dispatches frames until done() is true or an
// error/timeout occurs.
func (p *Peer) waitUntil(done func() bool) error {
	for !done() {
		p.conn.SetReadDeadline(time.Now().Add(p.cfg.PeerTimeout))

		msg, ok, err := readMessage(p.r, p.cfg.MaxRecv)
		if err != nil {
			return err
		}
		if !ok {
			continue // keep-alive
		}
		if err := p.handleMessage(msg); err != nil {
			return err
		}
	}
	return nil
}

// handleMessage applies one decoded frame to the session's state,
// dispatching by tag over the closed ten-id (0..9) union (spec.md §4.2).
func (p *Peer) handleMessage(msg Message) error {
	switch msg.ID {
	case MsgChoke:
		p.peerChoking = true
	case MsgUnchoke:
		p.peerChoking = false
	case MsgInterested:
		p.peerInterested = true
	case MsgNotInterested:
		p.peerInterested = false
	case MsgHave:
		idx, err := decodeHavePayload(msg.Payload)
		if err != nil {
			return err
		}
		if p.availablePieces != nil {
			p.availablePieces.Set(uint(idx))
		}
	case MsgBitfield:
		bs := bitset.New(uint(p.coord.m.PieceCount()))
		for i := 0; i < p.coord.m.PieceCount(); i++ {
			byteIdx := i / 8
			bitIdx := uint(7 - i%8)
			if byteIdx >= len(msg.Payload) {
				break
			}
			if (msg.Payload[byteIdx]>>bitIdx)&1 == 1 {
				bs.Set(uint(i))
			}
		}
		p.availablePieces = bs
	case MsgRequest, MsgCancel, MsgPort:
		// This client never seeds; silently accepted per spec.md §4.2.
	case MsgPiece:
		piece, offset, block, err := decodePiecePayload(msg.Payload)
		if err != nil {
			return err
		}
		blockIdx := int(offset) / p.cfg.BlockSize
		if err := p.coord.deliverBlock(p, int(piece), blockIdx, block); err != nil {
			return err
		}
		if p.currentRequest != nil && p.currentRequest.piece == int(piece) && p.currentRequest.block == blockIdx {
			p.currentRequest = nil
		}
	default:
		return errors.Wrapf(ErrUnknownMessageKind, "id=%d", msg.ID)
	}
	return nil
}

func (p *Peer) send(msg Message) error {
	return writeMessage(p.conn, msg)
}

// teardown closes the connection, returns any in-flight block to the
// pending map, and reports the disconnect to the coordinator. bad marks
// the peer for blacklisting (spec.md §7: only when the session never
// saw a bitfield before failing).
func (p *Peer) teardown(bad bool) {
	if !p.isAvailable.CompareAndSwap(true, false) {
		return
	}

	if p.currentRequest != nil {
		p.coord.returnAssignment(p.currentRequest.piece, p.currentRequest.block)
		p.currentRequest = nil
	}

	p.conn.Close()
	p.coord.handleDisconnect(p, bad)
}
