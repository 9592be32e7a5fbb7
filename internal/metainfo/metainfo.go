// Package metainfo parses a .torrent file into an immutable, read-only
// view of the torrent: content layout, piece hashes, and announce list.
//
// The algorithm for extracting the info-hash (locating the "4:info"
// bencoded dictionary by hand rather than re-encoding the decoded value)
// is kept from the teacher's torrent/parse.go, since re-encoding a
// decoded bencode value is not guaranteed to round-trip byte-for-byte
// (key ordering, integer representation) and the info-hash must match
// exactly what the tracker and peers expect.
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"os"
	"strconv"
	"strings"

	bencode "github.com/jackpal/bencode-go"
	"github.com/pkg/errors"
)

// ErrInvalid is wrapped by every parse failure: missing fields, wrong
// file extension, malformed bencoding.
var ErrInvalid = errors.New("metainfo: invalid torrent file")

// File describes one entry of a multi-file torrent layout.
type File struct {
	// Path is the relative path, already joined, e.g. "sub/dir/name.txt".
	Path   string
	Length int64
}

// Metainfo is the immutable parsed view of a .torrent file.
type Metainfo struct {
	InfoHash     [20]byte
	AnnounceList []string // first entry is primary
	PieceLength  int64
	Pieces       [][20]byte

	// Layout: IsSingleFile selects between the two shapes below.
	IsSingleFile bool
	Name         string // single-file name, or multi-file base directory
	SingleLength int64
	Files        []File // only populated when !IsSingleFile

	TotalLength int64
}

type rawFile struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

type rawInfo struct {
	PieceLength int64     `bencode:"piece length"`
	Pieces      string    `bencode:"pieces"`
	Name        string    `bencode:"name"`
	Length      int64     `bencode:"length"`
	Files       []rawFile `bencode:"files"`
}

type rawMetainfo struct {
	Announce     string     `bencode:"announce"`
	AnnounceList [][]string `bencode:"announce-list"`
	Info         rawInfo    `bencode:"info"`
}

// Parse loads and validates a .torrent file at path.
//
// Carried over from original_source/TorrentMetainfo.py
// (is_valid_torrent_file, _add_announces): the file must exist, end in
// ".torrent", and its announce-list is de-duplicated against the
// primary announce URL.
func Parse(path string) (*Metainfo, error) {
	if !strings.HasSuffix(path, ".torrent") {
		return nil, errors.Wrapf(ErrInvalid, "%q does not have a .torrent extension", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalid, "reading %q: %v", path, err)
	}

	var raw rawMetainfo
	if err := bencode.Unmarshal(bytes.NewReader(data), &raw); err != nil {
		return nil, errors.Wrapf(ErrInvalid, "decoding %q: %v", path, err)
	}

	infoBytes, err := extractInfoBytes(data)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalid, "locating info dict in %q: %v", path, err)
	}
	hash := sha1.Sum(infoBytes)

	if raw.Info.Name == "" {
		return nil, errors.Wrapf(ErrInvalid, "%q: info.name missing", path)
	}
	if raw.Info.PieceLength <= 0 {
		return nil, errors.Wrapf(ErrInvalid, "%q: invalid piece length %d", path, raw.Info.PieceLength)
	}
	if len(raw.Info.Pieces)%20 != 0 {
		return nil, errors.Wrapf(ErrInvalid, "%q: pieces length %d not a multiple of 20", path, len(raw.Info.Pieces))
	}

	m := &Metainfo{
		InfoHash:    hash,
		PieceLength: raw.Info.PieceLength,
		Name:        raw.Info.Name,
	}

	pieceCount := len(raw.Info.Pieces) / 20
	m.Pieces = make([][20]byte, pieceCount)
	for i := 0; i < pieceCount; i++ {
		copy(m.Pieces[i][:], raw.Info.Pieces[i*20:(i+1)*20])
	}

	if len(raw.Info.Files) == 0 {
		m.IsSingleFile = true
		m.SingleLength = raw.Info.Length
		m.TotalLength = raw.Info.Length
	} else {
		m.IsSingleFile = false
		for _, f := range raw.Info.Files {
			m.Files = append(m.Files, File{
				Path:   strings.Join(f.Path, string(os.PathSeparator)),
				Length: f.Length,
			})
			m.TotalLength += f.Length
		}
	}

	if pieceCount == 0 || m.TotalLength <= 0 {
		return nil, errors.Wrapf(ErrInvalid, "%q: empty torrent", path)
	}
	if int64(pieceCount)*m.PieceLength < m.TotalLength {
		return nil, errors.Wrapf(ErrInvalid, "%q: pieces too small for total length", path)
	}
	if int64(pieceCount-1)*m.PieceLength >= m.TotalLength {
		return nil, errors.Wrapf(ErrInvalid, "%q: pieces too large for total length", path)
	}

	m.AnnounceList = buildAnnounceList(raw.Announce, raw.AnnounceList)
	if len(m.AnnounceList) == 0 {
		return nil, errors.Wrapf(ErrInvalid, "%q: no announce URLs", path)
	}

	return m, nil
}

func buildAnnounceList(primary string, tiers [][]string) []string {
	var list []string
	if primary != "" {
		list = append(list, primary)
	}
	for _, tier := range tiers {
		for _, announce := range tier {
			if announce == "" {
				continue
			}
			if len(list) > 0 && announce == list[0] {
				continue
			}
			duplicate := false
			for _, existing := range list {
				if existing == announce {
					duplicate = true
					break
				}
			}
			if !duplicate {
				list = append(list, announce)
			}
		}
	}
	return list
}

// PieceCount returns the number of pieces described by the metainfo.
func (m *Metainfo) PieceCount() int { return len(m.Pieces) }

// PieceLen returns the length in bytes of piece p, accounting for a
// possibly-shorter final piece (spec.md B1).
func (m *Metainfo) PieceLen(p int) int64 {
	if p == len(m.Pieces)-1 {
		last := m.TotalLength - int64(len(m.Pieces)-1)*m.PieceLength
		if last > 0 {
			return last
		}
		return m.PieceLength
	}
	return m.PieceLength
}

// String renders an operator-facing summary, mirroring
// original_source/TorrentMetainfo.py's __str__.
func (m *Metainfo) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "info_hash: %x\n", m.InfoHash)
	fmt.Fprintf(&b, "name: %s\n", m.Name)
	fmt.Fprintf(&b, "announce-list: %v\n", m.AnnounceList)
	fmt.Fprintf(&b, "length: %d\n", m.TotalLength)
	fmt.Fprintf(&b, "piece_length: %d\n", m.PieceLength)
	fmt.Fprintf(&b, "is_single_file: %v\n", m.IsSingleFile)
	if !m.IsSingleFile {
		b.WriteString("files:\n")
		for _, f := range m.Files {
			fmt.Fprintf(&b, "  %s (%d bytes)\n", f.Path, f.Length)
		}
	}
	return b.String()
}

// extractInfoBytes locates the bencoded "info" dictionary's raw bytes
// within the full file, by walking bencode structure (not re-encoding a
// decoded value) so the info-hash is computed over the exact bytes the
// swarm agreed on. The depth-counting walk is kept from the teacher's
// torrent/parse.go — re-deriving it would just reinvent the same
// bencode grammar — but the string/integer skipping is split into named
// helpers below, and failures wrap ErrInvalid like every other
// validation failure in this package instead of a bare fmt.Errorf.
func extractInfoBytes(data []byte) ([]byte, error) {
	idx := bytes.Index(data, []byte("4:info"))
	if idx < 0 {
		return nil, errors.Wrap(ErrInvalid, `no "4:info" key found`)
	}

	start := idx + len("4:info")

	depth := 0
	for i := start; i < len(data); i++ {
		switch b := data[i]; {
		case b == 'd' || b == 'l':
			depth++
		case b == 'e':
			depth--
			if depth == 0 {
				return data[start : i+1], nil
			}
		case b == 'i':
			next, err := skipBencodeInt(data, i)
			if err != nil {
				return nil, errors.Wrap(ErrInvalid, err.Error())
			}
			i = next
		case b >= '0' && b <= '9':
			next, err := skipBencodeString(data, i)
			if err != nil {
				return nil, errors.Wrap(ErrInvalid, err.Error())
			}
			i = next
		}
	}

	return nil, errors.Wrap(ErrInvalid, "unterminated info dict")
}

// skipBencodeInt returns the index of the closing 'e' of the integer
// starting at i (which must hold 'i'), so the caller's depth-counting
// walk never mistakes a digit inside the integer for a dict/list marker.
func skipBencodeInt(data []byte, i int) (int, error) {
	j := i + 1
	for ; j < len(data) && data[j] != 'e'; j++ {
	}
	if j >= len(data) {
		return 0, fmt.Errorf("unterminated integer at %d", i)
	}
	return j, nil
}

// skipBencodeString returns the index of the last byte of the
// length-prefixed string starting at i, so the caller's depth-counting
// walk never mistakes bytes inside the string for structural markers.
func skipBencodeString(data []byte, i int) (int, error) {
	j := i
	for ; j < len(data) && data[j] >= '0' && data[j] <= '9'; j++ {
	}
	if j >= len(data) || data[j] != ':' {
		return i, nil // not actually a length prefix; leave i untouched
	}

	length, err := strconv.Atoi(string(data[i:j]))
	if err != nil {
		return 0, fmt.Errorf("invalid string length at %d-%d", i, j)
	}

	return j + length, nil
}
