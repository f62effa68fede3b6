package httptracker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/bencode"

	"github.com/fabioibanez/Rogue-Packet/internal/tracker"
)

func TestAnnounceCompact(t *testing.T) {
	var gotQuery map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		resp := map[string]interface{}{
			"interval":   int64(1800),
			"complete":   int64(3),
			"incomplete": int64(7),
			"peers":      string([]byte{1, 2, 3, 4, 0x1a, 0xe1}),
		}
		b, err := bencode.EncodeBytes(resp)
		require.NoError(t, err)
		_, _ = w.Write(b)
	}))
	defer srv.Close()

	trk := New(srv.URL+"/announce", 5*time.Second)
	var req tracker.AnnounceRequest
	copy(req.InfoHash[:], "aaaaaaaaaaaaaaaaaaaa")
	copy(req.PeerID[:], "-RP0001-abcdefghijkl")
	req.Port = 6881
	req.Left = 1000
	req.Event = tracker.EventStarted
	req.NumWant = 50

	resp, err := trk.Announce(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, resp.Interval)
	assert.Equal(t, int32(3), resp.Seeders)
	assert.Equal(t, int32(7), resp.Leechers)
	require.Len(t, resp.Peers, 1)
	assert.Equal(t, "1.2.3.4:6881", resp.Peers[0].String())

	assert.Equal(t, "started", gotQuery["event"][0])
	assert.Equal(t, "1", gotQuery["compact"][0])
	assert.Equal(t, "1000", gotQuery["left"][0])
}

func TestAnnounceFailureReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, err := bencode.EncodeBytes(map[string]interface{}{"failure reason": "unregistered torrent"})
		require.NoError(t, err)
		_, _ = w.Write(b)
	}))
	defer srv.Close()

	trk := New(srv.URL, 5*time.Second)
	_, err := trk.Announce(context.Background(), tracker.AnnounceRequest{})
	require.Error(t, err)
	assert.Equal(t, tracker.Error("unregistered torrent"), err)
}

func TestAnnounceDictionaryPeers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{
			"interval": int64(60),
			"peers": []map[string]interface{}{
				{"ip": "9.9.9.9", "port": int64(1234)},
			},
		}
		b, err := bencode.EncodeBytes(resp)
		require.NoError(t, err)
		_, _ = w.Write(b)
	}))
	defer srv.Close()

	trk := New(srv.URL, 5*time.Second)
	resp, err := trk.Announce(context.Background(), tracker.AnnounceRequest{})
	require.NoError(t, err)
	require.Len(t, resp.Peers, 1)
	assert.Equal(t, "9.9.9.9:1234", resp.Peers[0].String())
}
