package tracker

import (
	"context"
	"encoding/binary"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lvbealr/leechtorrent/internal/config"
	"github.com/lvbealr/leechtorrent/internal/metainfo"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.New()
	require.NoError(t, err)
	cfg.TrackerTimeout = time.Second
	return cfg
}

func testMetainfo() *metainfo.Metainfo {
	return &metainfo.Metainfo{
		InfoHash:    [20]byte{1, 2, 3},
		TotalLength: 16384,
		PieceLength: 16384,
		Pieces:      [][20]byte{{}},
	}
}

func TestDiscoverHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// compact peer list: one peer, 127.0.0.1:6881
		peer := []byte{127, 0, 0, 1, 0x1A, 0xE1}
		body := "d8:intervali1800e5:peers6:" + string(peer) + "e"
		w.Write([]byte(body))
	}))
	defer srv.Close()

	m := testMetainfo()
	m.AnnounceList = []string{srv.URL + "/announce"}

	c := NewClient(testConfig(t), nil)
	peers, err := c.Discover(context.Background(), m)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	require.Equal(t, "127.0.0.1", peers[0].IP)
	require.Equal(t, uint16(6881), peers[0].Port)
}

func TestDiscoverFallsBackPastBadURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		peer := []byte{10, 0, 0, 1, 0x00, 0x50}
		body := "d8:intervali1800e5:peers6:" + string(peer) + "e"
		w.Write([]byte(body))
	}))
	defer srv.Close()

	m := testMetainfo()
	m.AnnounceList = []string{"udp://bad.invalid:6969/announce", srv.URL + "/announce"}

	cfg := testConfig(t)
	cfg.TrackerTimeout = 200 * time.Millisecond
	c := NewClient(cfg, nil)

	peers, err := c.Discover(context.Background(), m)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	require.Equal(t, "10.0.0.1", peers[0].IP)
}

func TestDiscoverNoPeersFound(t *testing.T) {
	m := testMetainfo()
	m.AnnounceList = []string{"ftp://ignored.example/announce"}

	c := NewClient(testConfig(t), nil)
	_, err := c.Discover(context.Background(), m)
	require.ErrorIs(t, err, ErrNoPeersFound)
}

// fakeUDPTracker answers exactly one connect + one announce on a local
// UDP socket and returns its address.
func fakeUDPTracker(t *testing.T, peerIP net.IP, peerPort uint16) string {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)

	go func() {
		defer conn.Close()
		buf := make([]byte, 1024)

		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil || n < 16 {
			return
		}
		txID := binary.BigEndian.Uint32(buf[12:16])

		connResp := make([]byte, 16)
		binary.BigEndian.PutUint32(connResp[0:4], 0)
		binary.BigEndian.PutUint32(connResp[4:8], txID)
		binary.BigEndian.PutUint64(connResp[8:16], 0xdeadbeef)
		conn.WriteToUDP(connResp, addr)

		n, addr, err = conn.ReadFromUDP(buf)
		if err != nil || n < 98 {
			return
		}
		annTxID := binary.BigEndian.Uint32(buf[12:16])

		annResp := make([]byte, 26)
		binary.BigEndian.PutUint32(annResp[0:4], 1)
		binary.BigEndian.PutUint32(annResp[4:8], annTxID)
		binary.BigEndian.PutUint32(annResp[8:12], 1800) // interval
		binary.BigEndian.PutUint32(annResp[12:16], 0)   // leechers
		binary.BigEndian.PutUint32(annResp[16:20], 1)   // seeders
		copy(annResp[20:24], peerIP.To4())
		binary.BigEndian.PutUint16(annResp[24:26], peerPort)
		conn.WriteToUDP(annResp, addr)
	}()

	return conn.LocalAddr().String()
}

func TestDiscoverUDP(t *testing.T) {
	addr := fakeUDPTracker(t, net.IPv4(203, 0, 113, 5), 51413)

	m := testMetainfo()
	m.AnnounceList = []string{"udp://" + addr + "/announce"}

	cfg := testConfig(t)
	c := NewClient(cfg, nil)

	peers, err := c.Discover(context.Background(), m)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	require.Equal(t, "203.0.113.5", peers[0].IP)
	require.Equal(t, uint16(51413), peers[0].Port)
}
