// Package tracker discovers peers for a torrent by announcing to HTTP(S)
// and UDP tracker endpoints, per spec.md §4.1 and BEP-15.
package tracker

import (
	"context"
	"encoding/binary"
	"fmt"
	mrand "math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	bencode "github.com/jackpal/bencode-go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/lvbealr/leechtorrent/internal/config"
	"github.com/lvbealr/leechtorrent/internal/metainfo"
)

// ErrNoPeersFound is returned when every announce URL failed or returned
// no peers.
var ErrNoPeersFound = errors.New("tracker: no peers found from any announce URL")

// Peer is a discovered candidate endpoint.
type Peer struct {
	IP   string
	Port uint16
}

func (p Peer) String() string { return net.JoinHostPort(p.IP, strconv.Itoa(int(p.Port))) }

// Client discovers peers by iterating a metainfo's announce list.
type Client struct {
	cfg *config.Config
	log logrus.FieldLogger

	// udpRetryLimiter paces the bounded retry loop in the UDP connect
	// handshake (BEP-15's "resend after 15 * 2^n seconds" is simplified
	// here to a rate-limited fixed number of attempts, matching the
	// teacher's for-attempt-0..3 loop).
	udpRetryLimiter *rate.Limiter
}

// NewClient builds a tracker Client bound to cfg.
func NewClient(cfg *config.Config, log logrus.FieldLogger) *Client {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{
		cfg:             cfg,
		log:             log,
		udpRetryLimiter: rate.NewLimiter(rate.Every(2*time.Second), 1),
	}
}

// Discover iterates m.AnnounceList in order, dispatching each URL to the
// HTTP or UDP protocol by scheme, and returns the first non-empty peer
// list. An unknown scheme is skipped. A failing or empty-result URL is
// recorded and the loop continues.
func (c *Client) Discover(ctx context.Context, m *metainfo.Metainfo) ([]Peer, error) {
	for _, announce := range m.AnnounceList {
		entry := c.log.WithField("announce", announce)

		var peers []Peer
		var err error

		switch {
		case isHTTP(announce):
			peers, err = c.announceHTTP(ctx, announce, m)
		case isUDP(announce):
			peers, err = c.announceUDP(ctx, announce, m)
		default:
			entry.Debug("skipping announce URL with unknown scheme")
			continue
		}

		if err != nil {
			entry.WithError(err).Warn("tracker announce failed")
			continue
		}
		if len(peers) == 0 {
			entry.Debug("tracker returned no peers")
			continue
		}

		entry.WithField("peers", len(peers)).Info("tracker announce succeeded")
		return peers, nil
	}

	return nil, ErrNoPeersFound
}

func isHTTP(u string) bool {
	return strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")
}

func isUDP(u string) bool { return strings.HasPrefix(u, "udp://") }

// --- HTTP announce ---------------------------------------------------

type httpTrackerResponse struct {
	Failure  string      `bencode:"failure reason"`
	Interval int         `bencode:"interval"`
	Peers    interface{} `bencode:"peers"`
}

type dictPeer struct {
	IP   string `bencode:"ip"`
	Port int    `bencode:"port"`
}

func (c *Client) announceHTTP(ctx context.Context, announce string, m *metainfo.Metainfo) ([]Peer, error) {
	u, err := url.Parse(announce)
	if err != nil {
		return nil, errors.Wrap(err, "parsing announce URL")
	}

	q := url.Values{}
	q.Set("info_hash", string(m.InfoHash[:]))
	q.Set("peer_id", string(c.cfg.PeerID[:]))
	q.Set("port", strconv.Itoa(int(c.cfg.Port)))
	q.Set("uploaded", "0")
	q.Set("downloaded", "0")
	q.Set("left", strconv.FormatInt(m.TotalLength, 10))
	q.Set("compact", "1")
	q.Set("no_peer_id", "1")
	q.Set("numwant", strconv.Itoa(c.cfg.NumWant))
	u.RawQuery = q.Encode()

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.TrackerTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "building HTTP request")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "sending HTTP request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker HTTP status %d", resp.StatusCode)
	}

	var tr httpTrackerResponse
	if err := bencode.Unmarshal(resp.Body, &tr); err != nil {
		return nil, errors.Wrap(err, "decoding tracker response")
	}
	if tr.Failure != "" {
		return nil, fmt.Errorf("tracker failure: %s", tr.Failure)
	}

	switch p := tr.Peers.(type) {
	case string:
		return parseCompactPeers([]byte(p))
	case []interface{}:
		peers := make([]Peer, 0, len(p))
		for _, raw := range p {
			dict, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			ip, _ := dict["ip"].(string)
			var port int
			switch v := dict["port"].(type) {
			case int64:
				port = int(v)
			case int:
				port = v
			}
			if ip == "" || port == 0 {
				continue
			}
			peers = append(peers, Peer{IP: ip, Port: uint16(port)})
		}
		return peers, nil
	default:
		return nil, fmt.Errorf("unrecognized peers field type %T", tr.Peers)
	}
}

func parseCompactPeers(data []byte) ([]Peer, error) {
	if len(data)%6 != 0 {
		return nil, fmt.Errorf("compact peers length %d not a multiple of 6", len(data))
	}
	peers := make([]Peer, 0, len(data)/6)
	for i := 0; i < len(data); i += 6 {
		ip := net.IP(data[i : i+4]).String()
		port := binary.BigEndian.Uint16(data[i+4 : i+6])
		peers = append(peers, Peer{IP: ip, Port: port})
	}
	return peers, nil
}

// --- UDP announce (BEP-15) --------------------------------------------

const (
	udpProtocolMagic = 0x41727101980
	actionConnect    = 0
	actionAnnounce   = 1
	actionError      = 3
)

func (c *Client) announceUDP(ctx context.Context, announce string, m *metainfo.Metainfo) ([]Peer, error) {
	u, err := url.Parse(announce)
	if err != nil {
		return nil, errors.Wrap(err, "parsing UDP announce URL")
	}

	raddr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return nil, errors.Wrap(err, "resolving UDP tracker address")
	}

	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, errors.Wrap(err, "dialing UDP tracker")
	}
	defer conn.Close()

	connID, err := c.udpConnect(ctx, conn)
	if err != nil {
		return nil, err
	}

	return c.udpAnnounce(ctx, conn, connID, m)
}

func (c *Client) udpConnect(ctx context.Context, conn *net.UDPConn) (uint64, error) {
	txID := mrand.Uint32()

	req := make([]byte, 16)
	binary.BigEndian.PutUint64(req[0:8], udpProtocolMagic)
	binary.BigEndian.PutUint32(req[8:12], actionConnect)
	binary.BigEndian.PutUint32(req[12:16], txID)

	const maxAttempts = 3
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := c.udpRetryLimiter.Wait(ctx); err != nil {
			return 0, err
		}

		deadline := time.Now().Add(c.cfg.TrackerTimeout)
		conn.SetDeadline(deadline)

		if _, err := conn.Write(req); err != nil {
			continue
		}

		resp := make([]byte, 16)
		n, err := conn.Read(resp)
		if err != nil || n < 16 {
			continue
		}

		if binary.BigEndian.Uint32(resp[0:4]) != actionConnect {
			return 0, fmt.Errorf("unexpected connect action")
		}
		if binary.BigEndian.Uint32(resp[4:8]) != txID {
			return 0, fmt.Errorf("transaction id mismatch on connect")
		}

		return binary.BigEndian.Uint64(resp[8:16]), nil
	}

	return 0, fmt.Errorf("no connect response after %d attempts", maxAttempts)
}

func (c *Client) udpAnnounce(ctx context.Context, conn *net.UDPConn, connID uint64, m *metainfo.Metainfo) ([]Peer, error) {
	txID := mrand.Uint32()

	req := make([]byte, 98)
	binary.BigEndian.PutUint64(req[0:8], connID)
	binary.BigEndian.PutUint32(req[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(req[12:16], txID)
	copy(req[16:36], m.InfoHash[:])
	copy(req[36:56], c.cfg.PeerID[:])
	binary.BigEndian.PutUint64(req[56:64], 0) // downloaded
	binary.BigEndian.PutUint64(req[64:72], uint64(m.TotalLength))
	binary.BigEndian.PutUint64(req[72:80], 0) // uploaded
	binary.BigEndian.PutUint32(req[80:84], 0) // event
	binary.BigEndian.PutUint32(req[84:88], 0) // ip
	binary.BigEndian.PutUint32(req[88:92], 0) // key
	binary.BigEndian.PutUint32(req[92:96], uint32(int32(c.cfg.NumWant)))
	binary.BigEndian.PutUint16(req[96:98], c.cfg.Port)

	conn.SetDeadline(time.Now().Add(c.cfg.TrackerTimeout))
	if _, err := conn.Write(req); err != nil {
		return nil, errors.Wrap(err, "sending UDP announce request")
	}

	resp := make([]byte, c.cfg.MaxRecv)
	n, err := conn.Read(resp)
	if err != nil {
		return nil, errors.Wrap(err, "reading UDP announce response")
	}
	if n < 20 {
		return nil, fmt.Errorf("announce response too short: %d bytes", n)
	}

	action := binary.BigEndian.Uint32(resp[0:4])
	if action == actionError {
		return nil, fmt.Errorf("tracker error: %s", string(resp[8:n]))
	}
	if action != actionAnnounce {
		return nil, fmt.Errorf("unexpected announce action %d", action)
	}
	if binary.BigEndian.Uint32(resp[4:8]) != txID {
		return nil, fmt.Errorf("transaction id mismatch on announce")
	}

	return parseCompactPeers(resp[20:n])
}
