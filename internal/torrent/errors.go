package torrent

import "github.com/pkg/errors"

// Sentinel errors per spec.md §7. Per-peer failures (everything but the
// writer's) are always recoverable: the coordinator drops the offending
// peer and continues.
var (
	// ErrUnexpectedProtocol: the peer handshake's pstr didn't match the
	// configured protocol name.
	ErrUnexpectedProtocol = errors.New("torrent: unexpected protocol in handshake")

	// ErrUnknownMessageKind: a peer sent a message id outside the closed
	// ten-id (0..9) tagged union.
	ErrUnknownMessageKind = errors.New("torrent: unknown peer message kind")

	// ErrPeerIO wraps any socket error (timeout, reset, empty read)
	// encountered talking to a peer.
	ErrPeerIO = errors.New("torrent: peer i/o error")
)
