package torrent

import (
	"context"
	"crypto/sha1"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/lvbealr/leechtorrent/internal/config"
	"github.com/lvbealr/leechtorrent/internal/metainfo"
	"github.com/lvbealr/leechtorrent/internal/tracker"
)

// maxReplenishRounds bounds how many announce/handshake rounds a single
// replenishment call will attempt before giving up for this call (spec.md
// §9 open question: bounded retry rather than an unbounded peer hunt).
const maxReplenishRounds = 5

const backoffAfterDisconnectThreshold = 0.7

// Coordinator owns the piece-block map, the pending-work map, and the
// peer registry for one torrent download. It exposes the narrow
// four-operation capability (next_assignment / return_assignment /
// deliver_block / handle_disconnect) that peer sessions call back into,
// per spec.md §4.3 and §9's one-way dependency design note. Ported from
// the teacher's torrent/p2p.go StartDownload loop and
// original_source/Torrent.py (get_pbi_for_peer, handle_incorrect_pbi,
// handle_block, handle_disconnect).
type Coordinator struct {
	cfg     *config.Config
	log     logrus.FieldLogger
	m       *metainfo.Metainfo
	tracker *tracker.Client
	writer  *Writer

	ctx context.Context

	// workMu guards the piece-block map and the pending-work map
	// together; spec.md §9 allows folding the "pending" and "blocks"
	// locks into one, since every path that touches one touches both.
	workMu       sync.Mutex
	blocks       [][][]byte // blocks[p][b] == nil until filled
	filledCount  []int
	blockCount   []int
	pendingOrder []int              // piece indices not yet finalized, ascending
	pendingBlock []map[int]struct{} // indexed by piece; nil once finalized

	// peersMu guards the peer registry and blacklist. Lock order is
	// always peers -> work, matching spec.md §9; no path ever holds
	// peersMu while blocked on network I/O.
	peersMu           sync.Mutex
	active            map[string]*Peer
	blacklist         map[string]struct{}
	lastObservedCount int

	downloadedMu    sync.Mutex
	downloadedTotal int64
	sinceProbe      int64
	lastProbe       time.Time
}

// NewCoordinator builds a Coordinator with every piece marked pending and
// every block slot empty.
func NewCoordinator(cfg *config.Config, log logrus.FieldLogger, m *metainfo.Metainfo, trackerClient *tracker.Client, writer *Writer) *Coordinator {
	pieceCount := m.PieceCount()

	c := &Coordinator{
		cfg:          cfg,
		log:          log,
		m:            m,
		tracker:      trackerClient,
		writer:       writer,
		blocks:       make([][][]byte, pieceCount),
		filledCount:  make([]int, pieceCount),
		blockCount:   make([]int, pieceCount),
		pendingOrder: make([]int, pieceCount),
		pendingBlock: make([]map[int]struct{}, pieceCount),
		active:       make(map[string]*Peer),
		blacklist:    make(map[string]struct{}),
		lastProbe:    time.Time{},
	}

	blockSize := int64(cfg.BlockSize)
	for p := 0; p < pieceCount; p++ {
		pieceLen := m.PieceLen(p)
		nBlocks := int((pieceLen + blockSize - 1) / blockSize)

		c.blocks[p] = make([][]byte, nBlocks)
		c.blockCount[p] = nBlocks
		c.pendingOrder[p] = p

		blockSet := make(map[int]struct{}, nBlocks)
		for b := 0; b < nBlocks; b++ {
			blockSet[b] = struct{}{}
		}
		c.pendingBlock[p] = blockSet
	}

	return c
}

// Run allocates output files, performs an initial peer discovery round,
// and blocks until every piece is verified and written or ctx is
// cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	c.ctx = ctx

	if err := c.writer.Allocate(); err != nil {
		return errors.Wrap(err, "allocating output files")
	}

	if err := c.replenish(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if c.Progress() >= 1.0 {
				return nil
			}
		}
	}
}

// nextAssignment returns the next (piece, block) this peer should
// request, per spec.md §4.3's next_assignment contract:
//   - hasWork == false: no piece left this peer can serve; the caller
//     should end its session.
//   - (p, -1, true): p is pending but every block of it is currently
//     assigned to other peers; the caller should back off.
//   - (p, b, true): assign block b of piece p to this peer. Which free
//     block of p is handed out is not defined.
func (c *Coordinator) nextAssignment(peer *Peer) (pieceIdx int, blockIdx int, hasWork bool) {
	c.workMu.Lock()
	defer c.workMu.Unlock()

	for _, p := range c.pendingOrder {
		if !peer.HasPiece(p) {
			continue
		}

		blockSet := c.pendingBlock[p]
		if len(blockSet) == 0 {
			return p, -1, true // in flight elsewhere; caller should back off
		}

		for b := range blockSet {
			delete(blockSet, b)
			return p, b, true
		}
	}

	return 0, 0, false
}

// returnAssignment puts a block back into the pending map, e.g. because
// the peer that held it disconnected or failed to deliver in time.
func (c *Coordinator) returnAssignment(pieceIdx, blockIdx int) {
	c.workMu.Lock()
	defer c.workMu.Unlock()

	blockSet := c.pendingBlock[pieceIdx]
	if blockSet == nil {
		return // piece already finalized; ignore per spec.md §3 invariant P4
	}
	blockSet[blockIdx] = struct{}{}
}

// deliverBlock records a delivered block, verifies and writes the piece
// once all its blocks have arrived, and resets the piece back to pending
// on a hash mismatch (spec.md §4.3 "Piece finalization").
func (c *Coordinator) deliverBlock(peer *Peer, pieceIdx, blockIdx int, data []byte) error {
	c.workMu.Lock()

	if c.blocks[pieceIdx] == nil {
		c.workMu.Unlock()
		return nil // late delivery to an already-finalized piece
	}
	if blockIdx < 0 || blockIdx >= len(c.blocks[pieceIdx]) {
		c.workMu.Unlock()
		return nil
	}
	if c.blocks[pieceIdx][blockIdx] != nil {
		c.workMu.Unlock()
		return nil // duplicate delivery
	}

	c.blocks[pieceIdx][blockIdx] = data
	c.filledCount[pieceIdx]++
	c.addDownloaded(len(data))

	var fullPiece []byte
	finalized := false

	if c.filledCount[pieceIdx] == c.blockCount[pieceIdx] {
		fullPiece = concatBlocks(c.blocks[pieceIdx])
		if sha1.Sum(fullPiece) == c.m.Pieces[pieceIdx] {
			c.blocks[pieceIdx] = nil
			c.removePendingLocked(pieceIdx)
			finalized = true
		} else {
			c.resetPieceLocked(pieceIdx)
		}
	}

	c.workMu.Unlock()

	if !finalized {
		return nil
	}

	if err := c.writer.WritePiece(pieceIdx, fullPiece); err != nil {
		return errors.Wrap(err, "fatal: writing verified piece")
	}

	c.log.WithField("piece", pieceIdx).Debug("piece verified and written")
	return nil
}

// removePendingLocked removes p from pendingOrder and pendingBlock; must
// be called with workMu held.
func (c *Coordinator) removePendingLocked(p int) {
	c.pendingBlock[p] = nil
	for i, v := range c.pendingOrder {
		if v == p {
			c.pendingOrder = append(c.pendingOrder[:i], c.pendingOrder[i+1:]...)
			break
		}
	}
}

// resetPieceLocked clears a piece's filled blocks and re-marks every
// block pending, after a hash mismatch; must be called with workMu held.
func (c *Coordinator) resetPieceLocked(p int) {
	c.blocks[p] = make([][]byte, c.blockCount[p])
	c.filledCount[p] = 0

	blockSet := make(map[int]struct{}, c.blockCount[p])
	for b := 0; b < c.blockCount[p]; b++ {
		blockSet[b] = struct{}{}
	}
	c.pendingBlock[p] = blockSet
}

func concatBlocks(blocks [][]byte) []byte {
	var total int
	for _, b := range blocks {
		total += len(b)
	}
	out := make([]byte, 0, total)
	for _, b := range blocks {
		out = append(out, b...)
	}
	return out
}

func (c *Coordinator) addDownloaded(n int) {
	c.downloadedMu.Lock()
	c.downloadedTotal += int64(n)
	c.sinceProbe += int64(n)
	c.downloadedMu.Unlock()
}

// handleDisconnect removes a peer from the active registry, optionally
// blacklists it, and triggers replenishment if the active count dropped
// too far below its last observed size (spec.md §4.3 "Peer
// replenishment").
func (c *Coordinator) handleDisconnect(peer *Peer, bad bool) {
	c.peersMu.Lock()
	delete(c.active, peer.Name())
	if bad {
		c.blacklist[peer.Name()] = struct{}{}
	}
	activeCount := len(c.active)
	threshold := float64(c.lastObservedCount) * backoffAfterDisconnectThreshold
	c.peersMu.Unlock()

	if c.ctx == nil || c.ctx.Err() != nil {
		return
	}
	if float64(activeCount) < threshold {
		go func() {
			if err := c.replenish(c.ctx); err != nil {
				c.log.WithError(err).Warn("peer replenishment failed")
			}
		}()
	}
}

// replenish announces to the tracker, concurrently handshakes with any
// endpoint not already active or blacklisted, and starts a download loop
// for each newly-added peer.
func (c *Coordinator) replenish(ctx context.Context) error {
	var lastErr error

	for round := 0; round < maxReplenishRounds; round++ {
		peers, err := c.tracker.Discover(ctx, c.m)
		if err != nil {
			lastErr = err
			break
		}

		c.peersMu.Lock()
		before := len(c.active)
		c.peersMu.Unlock()

		g, gctx := errgroup.WithContext(ctx)
		for _, ep := range peers {
			ep := ep
			c.peersMu.Lock()
			_, inActive := c.active[ep.String()]
			_, inBlacklist := c.blacklist[ep.String()]
			c.peersMu.Unlock()
			if inActive || inBlacklist {
				continue
			}

			g.Go(func() error {
				p, err := dialAndHandshake(gctx, c.cfg, c, ep.IP, ep.Port)
				if err != nil {
					c.log.WithError(err).WithField("peer", ep.String()).Debug("handshake failed")
					return nil // never fatal to the fan-out
				}
				c.peersMu.Lock()
				c.active[p.Name()] = p
				c.peersMu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		c.peersMu.Lock()
		after := len(c.active)
		if after > c.lastObservedCount {
			c.lastObservedCount = after
		}
		c.peersMu.Unlock()

		lastErr = nil
		if after <= before {
			break
		}
	}

	c.peersMu.Lock()
	var toStart []*Peer
	for _, p := range c.active {
		if !p.isRunning.Load() {
			toStart = append(toStart, p)
		}
	}
	c.peersMu.Unlock()

	for _, p := range toStart {
		go p.RunDownload(ctx)
	}

	if len(toStart) == 0 && len(c.active) == 0 && lastErr != nil {
		return lastErr
	}
	return nil
}

// Progress returns the fraction of pieces verified and written so far.
func (c *Coordinator) Progress() float64 {
	c.workMu.Lock()
	pending := len(c.pendingOrder)
	c.workMu.Unlock()

	total := c.m.PieceCount()
	if total == 0 {
		return 1.0
	}
	return 1.0 - float64(pending)/float64(total)
}

// ActivePeerCount returns the number of sessions currently registered.
func (c *Coordinator) ActivePeerCount() int {
	c.peersMu.Lock()
	defer c.peersMu.Unlock()
	return len(c.active)
}

// DownloadSpeed formats the download rate observed since the previous
// call, e.g. "1.2 MB/s".
func (c *Coordinator) DownloadSpeed() string {
	c.downloadedMu.Lock()
	defer c.downloadedMu.Unlock()

	now := time.Now()
	if c.lastProbe.IsZero() {
		c.lastProbe = now
		c.sinceProbe = 0
		return "0 B/s"
	}

	elapsed := now.Sub(c.lastProbe).Seconds()
	if elapsed <= 0 {
		return "0 B/s"
	}

	rate := uint64(float64(c.sinceProbe) / elapsed)
	c.lastProbe = now
	c.sinceProbe = 0

	return humanize.Bytes(rate) + "/s"
}

// TotalDownloaded returns the cumulative number of block bytes delivered
// so far, counted on arrival before piece verification (bytes of pieces
// that later fail their hash check are included).
func (c *Coordinator) TotalDownloaded() int64 {
	c.downloadedMu.Lock()
	defer c.downloadedMu.Unlock()
	return c.downloadedTotal
}
