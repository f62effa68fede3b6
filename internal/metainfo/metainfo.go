// Package metainfo provides parsing of torrent files (content descriptors).
package metainfo

import (
	"errors"
	"io"
	"strings"

	"github.com/zeebo/bencode"
)

// MetaInfo is a parsed torrent file.
type MetaInfo struct {
	Announce     string             `bencode:"announce"`
	AnnounceList [][]string         `bencode:"announce-list"`
	RawInfo      bencode.RawMessage `bencode:"info"`

	Info *Info `bencode:"-"`
}

// New parses a torrent file from r.
func New(r io.Reader) (*MetaInfo, error) {
	var m MetaInfo
	if err := bencode.NewDecoder(r).Decode(&m); err != nil {
		return nil, err
	}
	if len(m.RawInfo) == 0 {
		return nil, errors.New("no info dict in torrent file")
	}
	info, err := NewInfo(m.RawInfo)
	if err != nil {
		return nil, err
	}
	m.Info = info
	return &m, nil
}

// AnnounceURLs returns the flattened announce URL list, the plain announce
// field last as a fallback.
func (m *MetaInfo) AnnounceURLs() []string {
	seen := make(map[string]struct{})
	var urls []string
	add := func(u string) {
		u = strings.TrimSpace(u)
		if u == "" {
			return
		}
		if _, ok := seen[u]; ok {
			return
		}
		seen[u] = struct{}{}
		urls = append(urls, u)
	}
	for _, tier := range m.AnnounceList {
		for _, u := range tier {
			add(u)
		}
	}
	add(m.Announce)
	return urls
}
