package torrent

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandshakeRoundTrip(t *testing.T) {
	h := Handshake{Pstr: "BitTorrent protocol"}
	for i := range h.InfoHash {
		h.InfoHash[i] = byte(i)
	}
	for i := range h.PeerID {
		h.PeerID[i] = byte(20 + i)
	}

	var buf bytes.Buffer
	require.NoError(t, writeHandshake(&buf, h))

	got, _, err := readHandshake(&buf)
	require.NoError(t, err)
	require.Equal(t, h.Pstr, got.Pstr)
	require.Equal(t, h.InfoHash, got.InfoHash)
	require.Equal(t, h.PeerID, got.PeerID)
}

func TestMessageRoundTrip(t *testing.T) {
	msg := Message{ID: MsgRequest, Payload: requestPayload(3, 16384, 16384)}

	var buf bytes.Buffer
	require.NoError(t, writeMessage(&buf, msg))

	got, ok, err := readMessage(&buf, 1<<20)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, msg.ID, got.ID)

	piece, offset, length, err := decodeRequestPayload(got.Payload)
	require.NoError(t, err)
	require.Equal(t, uint32(3), piece)
	require.Equal(t, uint32(16384), offset)
	require.Equal(t, uint32(16384), length)
}

func TestReadMessageKeepAlive(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0})

	_, ok, err := readMessage(&buf, 1<<20)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReadMessageRejectsUnknownID(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 1, 200}) // length=1, id=200

	_, _, err := readMessage(&buf, 1<<20)
	require.ErrorIs(t, err, ErrUnknownMessageKind)
}

func TestReadMessageRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 1, 0}) // length=256

	_, _, err := readMessage(&buf, 16)
	require.Error(t, err)
}

func TestPiecePayloadRoundTrip(t *testing.T) {
	block := []byte{1, 2, 3, 4, 5}
	msg := Message{ID: MsgPiece, Payload: append(requestPayload(2, 0, 0)[:8], block...)}

	piece, offset, got, err := decodePiecePayload(msg.Payload)
	require.NoError(t, err)
	require.Equal(t, uint32(2), piece)
	require.Equal(t, uint32(0), offset)
	require.Equal(t, block, got)
}

func TestHavePayloadRoundTrip(t *testing.T) {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, 7)

	idx, err := decodeHavePayload(payload)
	require.NoError(t, err)
	require.Equal(t, uint32(7), idx)
}
