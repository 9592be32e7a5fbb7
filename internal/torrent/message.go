package torrent

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// MessageID is the closed tagged union of peer-wire message types
// (spec.md §4.2 table), dispatched on explicitly rather than silently
// skipped for unknown ids.
type MessageID uint8

const (
	MsgChoke         MessageID = 0
	MsgUnchoke       MessageID = 1
	MsgInterested    MessageID = 2
	MsgNotInterested MessageID = 3
	MsgHave          MessageID = 4
	MsgBitfield      MessageID = 5
	MsgRequest       MessageID = 6
	MsgPiece         MessageID = 7
	MsgCancel        MessageID = 8
	MsgPort          MessageID = 9
)

func (id MessageID) known() bool {
	return id <= MsgPort
}

// Message is a single framed peer-wire message. A Message with ID == 0
// and no payload returned from readMessage with ok == false represents
// a keep-alive (length-prefix of zero).
type Message struct {
	ID      MessageID
	Payload []byte
}

const handshakeBaseLen = 49 // 1 + 8 + 20 + 20, excluding pstrlen itself

// Handshake is the fixed-shape peer-wire handshake (spec.md §4.2):
// <pstrlen><pstr><reserved 8><info_hash 20><peer_id 20>.
type Handshake struct {
	Pstr     string
	InfoHash [20]byte
	PeerID   [20]byte
}

func (h Handshake) encode() []byte {
	buf := make([]byte, 0, 1+len(h.Pstr)+8+20+20)
	buf = append(buf, byte(len(h.Pstr)))
	buf = append(buf, h.Pstr...)
	buf = append(buf, make([]byte, 8)...)
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID[:]...)
	return buf
}

// writeHandshake sends the local handshake first, per spec.md §4.2.
func writeHandshake(w io.Writer, h Handshake) error {
	_, err := w.Write(h.encode())
	return err
}

// readHandshake reads exactly 49+pstrlen bytes and returns the decoded
// remote Handshake. It does not check pstr; the caller compares it with
// the configured protocol name. Since nothing past the handshake is
// consumed, any trailing bytes stay in r for the caller's message reads,
// and the second return value is always nil.
func readHandshake(r io.Reader) (Handshake, []byte, error) {
	var lenByte [1]byte
	if _, err := io.ReadFull(r, lenByte[:]); err != nil {
		return Handshake{}, nil, errors.Wrap(ErrPeerIO, err.Error())
	}
	pstrlen := int(lenByte[0])

	rest := make([]byte, handshakeBaseLen-1+pstrlen)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Handshake{}, nil, errors.Wrap(ErrPeerIO, err.Error())
	}

	pstr := string(rest[:pstrlen])
	var infoHash, peerID [20]byte
	copy(infoHash[:], rest[pstrlen+8:pstrlen+28])
	copy(peerID[:], rest[pstrlen+28:pstrlen+48])

	return Handshake{Pstr: pstr, InfoHash: infoHash, PeerID: peerID}, nil, nil
}

// writeMessage frames and sends msg: a 4-byte big-endian length prefix
// (covering the id byte plus payload) followed by the id and payload.
func writeMessage(w io.Writer, msg Message) error {
	var buf bytes.Buffer
	length := uint32(len(msg.Payload) + 1)
	if err := binary.Write(&buf, binary.BigEndian, length); err != nil {
		return err
	}
	buf.WriteByte(byte(msg.ID))
	buf.Write(msg.Payload)

	_, err := w.Write(buf.Bytes())
	if err != nil {
		return errors.Wrap(ErrPeerIO, err.Error())
	}
	return nil
}

// readMessage reads one length-prefixed frame. ok is false for a
// keep-alive (zero-length frame); callers should simply loop again.
func readMessage(r io.Reader, maxLen int) (msg Message, ok bool, err error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return Message{}, false, errors.Wrap(ErrPeerIO, err.Error())
	}
	length := binary.BigEndian.Uint32(lengthBuf[:])

	if length == 0 {
		return Message{}, false, nil
	}
	if int(length) > maxLen {
		return Message{}, false, fmt.Errorf("message too large: %d bytes", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, false, errors.Wrap(ErrPeerIO, err.Error())
	}

	id := MessageID(body[0])
	if !id.known() {
		return Message{}, false, errors.Wrapf(ErrUnknownMessageKind, "id=%d", id)
	}

	return Message{ID: id, Payload: body[1:]}, true, nil
}

// requestPayload encodes the payload shared by request/cancel messages:
// <piece index><begin offset><length>.
func requestPayload(piece, offset, length uint32) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], piece)
	binary.BigEndian.PutUint32(buf[4:8], offset)
	binary.BigEndian.PutUint32(buf[8:12], length)
	return buf
}

// decodeRequestPayload decodes a request/cancel payload.
func decodeRequestPayload(p []byte) (piece, offset, length uint32, err error) {
	if len(p) != 12 {
		return 0, 0, 0, fmt.Errorf("request payload length %d != 12", len(p))
	}
	return binary.BigEndian.Uint32(p[0:4]), binary.BigEndian.Uint32(p[4:8]), binary.BigEndian.Uint32(p[8:12]), nil
}

// decodePiecePayload decodes a piece delivery payload:
// <piece index><begin offset><block bytes>.
func decodePiecePayload(p []byte) (piece, offset uint32, block []byte, err error) {
	if len(p) < 8 {
		return 0, 0, nil, fmt.Errorf("piece payload too short: %d bytes", len(p))
	}
	return binary.BigEndian.Uint32(p[0:4]), binary.BigEndian.Uint32(p[4:8]), p[8:], nil
}

// decodeHavePayload decodes a have message's piece index.
func decodeHavePayload(p []byte) (uint32, error) {
	if len(p) != 4 {
		return 0, fmt.Errorf("have payload length %d != 4", len(p))
	}
	return binary.BigEndian.Uint32(p), nil
}
