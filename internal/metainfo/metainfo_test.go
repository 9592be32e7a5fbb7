package metainfo

import (
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	bencode "github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/require"
)

// writeTorrent bencodes v to a temp .torrent file and returns its path.
func writeTorrent(t *testing.T, v any) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "sample.torrent")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, bencode.Marshal(f, v))
	return path
}

func singleFileDict(pieceLength int64, pieces string, length int64) map[string]any {
	return map[string]any{
		"announce": "http://tracker.example/announce",
		"info": map[string]any{
			"name":         "sample.bin",
			"piece length": pieceLength,
			"pieces":       pieces,
			"length":       length,
		},
	}
}

func TestParseSingleFile(t *testing.T) {
	pieceHash := sha1.Sum([]byte("x"))
	path := writeTorrent(t, singleFileDict(16384, string(pieceHash[:]), 16384))

	m, err := Parse(path)
	require.NoError(t, err)
	require.True(t, m.IsSingleFile)
	require.Equal(t, "sample.bin", m.Name)
	require.Equal(t, int64(16384), m.TotalLength)
	require.Equal(t, 1, m.PieceCount())
	require.Equal(t, []string{"http://tracker.example/announce"}, m.AnnounceList)
}

func TestParseMultiFile(t *testing.T) {
	h1 := sha1.Sum([]byte("a"))
	h2 := sha1.Sum([]byte("b"))
	h3 := sha1.Sum([]byte("c"))
	pieces := string(h1[:]) + string(h2[:]) + string(h3[:])

	dict := map[string]any{
		"announce": "http://tracker.example/announce",
		"info": map[string]any{
			"name":         "pkg",
			"piece length": int64(16384),
			"pieces":       pieces,
			"files": []any{
				map[string]any{"length": int64(10000), "path": []any{"F1"}},
				map[string]any{"length": int64(30000), "path": []any{"F2"}},
			},
		},
	}
	path := writeTorrent(t, dict)

	m, err := Parse(path)
	require.NoError(t, err)
	require.False(t, m.IsSingleFile)
	require.Equal(t, int64(40000), m.TotalLength)
	require.Equal(t, 3, m.PieceCount())
	require.Equal(t, int64(7232), m.PieceLen(2))
}

func TestParseRejectsWrongExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sample.txt")
	require.NoError(t, os.WriteFile(path, []byte("d"), 0o644))

	_, err := Parse(path)
	require.Error(t, err)
}

func TestParseRejectsMissingFile(t *testing.T) {
	_, err := Parse(filepath.Join(t.TempDir(), "missing.torrent"))
	require.Error(t, err)
}

func TestAnnounceListDedup(t *testing.T) {
	dict := singleFileDict(16384, string(sha1.Sum([]byte("x"))[:]), 16384)
	dict["announce-list"] = []any{
		[]any{"http://tracker.example/announce"}, // duplicate of primary, dropped
		[]any{"udp://tracker2.example:80/announce"},
	}
	path := writeTorrent(t, dict)

	m, err := Parse(path)
	require.NoError(t, err)
	require.Equal(t, []string{
		"http://tracker.example/announce",
		"udp://tracker2.example:80/announce",
	}, m.AnnounceList)
}
