package torrent

import (
	"bufio"
	"context"
	"crypto/sha1"
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/lvbealr/leechtorrent/internal/config"
	"github.com/lvbealr/leechtorrent/internal/metainfo"
)

func testListener(t *testing.T) (net.Listener, string, uint16) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ip, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return ln, ip, uint16(port)
}

func pieceHeader(piece, offset uint32) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], piece)
	binary.BigEndian.PutUint32(buf[4:8], offset)
	return buf
}

// TestPeerDownloadsSinglePieceTwoBlocks exercises the full request/deliver
// round trip (spec.md §4.2 steps 4-8) across two blocks of one piece,
// matching S3's two-block delivery shape against a single peer.
func TestPeerDownloadsSinglePieceTwoBlocks(t *testing.T) {
	cfg := &config.Config{
		ProtocolName: "BitTorrent protocol",
		BlockSize:    4,
		MaxRecv:      1 << 16,
		PeerTimeout:  2 * time.Second,
	}
	full := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	m := &metainfo.Metainfo{
		IsSingleFile: true,
		Name:         "f.bin",
		SingleLength: 8,
		PieceLength:  8,
		Pieces:       [][20]byte{sha1.Sum(full)},
	}

	dir := t.TempDir()
	w := NewWriter(m, dir)
	require.NoError(t, w.Allocate())

	coord := NewCoordinator(cfg, logrus.New(), m, nil, w)

	ln, ip, port := testListener(t)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		reader := bufio.NewReader(conn)
		if _, _, err := readHandshake(reader); err != nil {
			return
		}
		if err := writeHandshake(conn, Handshake{Pstr: cfg.ProtocolName, InfoHash: m.InfoHash}); err != nil {
			return
		}

		if _, _, err := readMessage(reader, cfg.MaxRecv); err != nil { // interested
			return
		}
		if err := writeMessage(conn, Message{ID: MsgUnchoke}); err != nil {
			return
		}

		for i := 0; i < 2; i++ {
			msg, _, err := readMessage(reader, cfg.MaxRecv)
			if err != nil {
				return
			}
			piece, offset, length, err := decodeRequestPayload(msg.Payload)
			if err != nil {
				return
			}
			payload := append(pieceHeader(piece, offset), full[offset:offset+length]...)
			if err := writeMessage(conn, Message{ID: MsgPiece, Payload: payload}); err != nil {
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	peer, err := dialAndHandshake(ctx, cfg, coord, ip, port)
	require.NoError(t, err)

	coord.peersMu.Lock()
	coord.active[peer.Name()] = peer
	coord.peersMu.Unlock()

	peer.RunDownload(ctx)

	require.Equal(t, 1.0, coord.Progress())

	got, err := os.ReadFile(filepath.Join(dir, "f.bin"))
	require.NoError(t, err)
	require.Equal(t, full, got)
}

// TestPeerBlacklistedOnEarlyDisconnect exercises S5: a peer that completes
// the handshake then closes the connection before ever sending a bitfield
// or message must be blacklisted.
func TestPeerBlacklistedOnEarlyDisconnect(t *testing.T) {
	cfg := &config.Config{
		ProtocolName: "BitTorrent protocol",
		BlockSize:    4,
		MaxRecv:      1 << 16,
		PeerTimeout:  500 * time.Millisecond,
	}
	m := &metainfo.Metainfo{
		IsSingleFile: true,
		Name:         "f.bin",
		SingleLength: 4,
		PieceLength:  4,
		Pieces:       [][20]byte{sha1.Sum([]byte{1, 2, 3, 4})},
	}

	dir := t.TempDir()
	w := NewWriter(m, dir)
	require.NoError(t, w.Allocate())

	coord := NewCoordinator(cfg, logrus.New(), m, nil, w)

	ln, ip, port := testListener(t)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		reader := bufio.NewReader(conn)
		if _, _, err := readHandshake(reader); err != nil {
			conn.Close()
			return
		}
		writeHandshake(conn, Handshake{Pstr: cfg.ProtocolName, InfoHash: m.InfoHash})
		conn.Close() // disconnect before sending anything else
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	peer, err := dialAndHandshake(ctx, cfg, coord, ip, port)
	require.NoError(t, err)

	coord.peersMu.Lock()
	coord.active[peer.Name()] = peer
	coord.peersMu.Unlock()

	peer.RunDownload(ctx)

	coord.peersMu.Lock()
	_, blacklisted := coord.blacklist[peer.Name()]
	coord.peersMu.Unlock()
	require.True(t, blacklisted)
}
