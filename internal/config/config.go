// Package config holds the engine's tunable constants as an explicit
// record instead of package-level globals, per the no-ambient-state
// design note: every subsystem receives a *Config at construction time.
package config

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Default values for a Config built with New. These mirror the teacher's
// inline constants (protocol name, block size, timeouts) lifted out of
// each call site.
const (
	DefaultProtocolName   = "BitTorrent protocol"
	DefaultBlockSize      = 16 * 1024 // 16 KiB
	DefaultMaxRecv        = 128 * 1024
	DefaultPeerTimeout    = 5 * time.Second
	DefaultTrackerTimeout = 3 * time.Second
	DefaultNumWant        = 200
	DefaultPort           = 6881
	peerIDPrefix          = "-LT0001-"
)

// Config carries every constant the engine's subsystems need. It is
// built once in cmd/leech and passed explicitly into the tracker client,
// peer sessions, and the coordinator.
type Config struct {
	ProtocolName   string
	PeerID         [20]byte
	BlockSize      int
	MaxRecv        int
	PeerTimeout    time.Duration
	TrackerTimeout time.Duration
	NumWant        int
	Port           uint16
}

// New builds a Config with the defaults above and a freshly generated
// peer ID.
func New() (*Config, error) {
	id, err := generatePeerID()
	if err != nil {
		return nil, fmt.Errorf("generating peer id: %w", err)
	}

	return &Config{
		ProtocolName:   DefaultProtocolName,
		PeerID:         id,
		BlockSize:      DefaultBlockSize,
		MaxRecv:        DefaultMaxRecv,
		PeerTimeout:    DefaultPeerTimeout,
		TrackerTimeout: DefaultTrackerTimeout,
		NumWant:        DefaultNumWant,
		Port:           DefaultPort,
	}, nil
}

// generatePeerID produces a 20-byte Azureus-style peer id: an 8-byte
// client prefix followed by 12 bytes derived from a random UUID. The
// teacher generated the random suffix by mapping crypto/rand bytes into
// a fixed alphabet; this keeps the same prefix/length contract but
// sources the randomness from google/uuid instead.
func generatePeerID() ([20]byte, error) {
	var id [20]byte
	copy(id[:], peerIDPrefix)

	u, err := uuid.NewRandom()
	if err != nil {
		var fallback [12]byte
		if _, ferr := rand.Read(fallback[:]); ferr != nil {
			return id, ferr
		}
		copy(id[len(peerIDPrefix):], fallback[:])
		return id, nil
	}

	raw := u[:]
	copy(id[len(peerIDPrefix):], raw[:20-len(peerIDPrefix)])
	return id, nil
}
