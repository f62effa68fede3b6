// Package httptracker implements the announce protocol over HTTP.
package httptracker

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/zeebo/bencode"

	"github.com/fabioibanez/Rogue-Packet/internal/logger"
	"github.com/fabioibanez/Rogue-Packet/internal/tracker"
)

// HTTPTracker announces over the HTTP tracker protocol.
type HTTPTracker struct {
	rawURL    string
	log       logger.Logger
	http      *http.Client
	trackerID string
}

// New returns a new HTTPTracker for the announce URL u.
func New(u string, timeout time.Duration) *HTTPTracker {
	return &HTTPTracker{
		rawURL: u,
		log:    logger.New("tracker " + u),
		http: &http.Client{
			Timeout: timeout,
		},
	}
}

var _ tracker.Tracker = (*HTTPTracker)(nil)

// URL of the tracker.
func (t *HTTPTracker) URL() string {
	return t.rawURL
}

type announceResponse struct {
	FailureReason  string             `bencode:"failure reason"`
	WarningMessage string             `bencode:"warning message"`
	Interval       int32              `bencode:"interval"`
	MinInterval    int32              `bencode:"min interval"`
	TrackerID      string             `bencode:"tracker id"`
	Complete       int32              `bencode:"complete"`
	Incomplete     int32              `bencode:"incomplete"`
	Peers          bencode.RawMessage `bencode:"peers"`
}

type peerDict struct {
	IP   string `bencode:"ip"`
	Port uint16 `bencode:"port"`
}

// Announce sends an announce request and parses the response.
func (t *HTTPTracker) Announce(ctx context.Context, req tracker.AnnounceRequest) (*tracker.AnnounceResponse, error) {
	u, err := url.Parse(t.rawURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("info_hash", string(req.InfoHash[:]))
	q.Set("peer_id", string(req.PeerID[:]))
	q.Set("port", strconv.Itoa(req.Port))
	q.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	q.Set("left", strconv.FormatInt(req.Left, 10))
	q.Set("compact", "1")
	q.Set("no_peer_id", "1")
	q.Set("numwant", strconv.Itoa(req.NumWant))
	if req.Event != tracker.EventNone {
		q.Set("event", req.Event.String())
	}
	if t.trackerID != "" {
		q.Set("trackerid", t.trackerID)
	}
	u.RawQuery = q.Encode()
	t.log.Debugf("making request to: %q", u.String())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("announce status not 200 OK (status: %d body: %q)", resp.StatusCode, string(data))
	}

	var response announceResponse
	if err = bencode.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, err
	}
	if response.WarningMessage != "" {
		t.log.Warning(response.WarningMessage)
	}
	if response.FailureReason != "" {
		return nil, tracker.Error(response.FailureReason)
	}
	if response.TrackerID != "" {
		t.trackerID = response.TrackerID
	}

	peers, err := parsePeers(response.Peers)
	if err != nil {
		return nil, err
	}

	return &tracker.AnnounceResponse{
		Interval:       time.Duration(response.Interval) * time.Second,
		MinInterval:    time.Duration(response.MinInterval) * time.Second,
		Seeders:        response.Complete,
		Leechers:       response.Incomplete,
		WarningMessage: response.WarningMessage,
		Peers:          peers,
	}, nil
}

// Peers may be in compact (binary) or dictionary form.
func parsePeers(raw bencode.RawMessage) ([]*net.TCPAddr, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if raw[0] == 'l' {
		var dicts []peerDict
		if err := bencode.DecodeBytes(raw, &dicts); err != nil {
			return nil, err
		}
		addrs := make([]*net.TCPAddr, 0, len(dicts))
		for _, d := range dicts {
			ip := net.ParseIP(d.IP)
			if ip == nil {
				continue
			}
			addrs = append(addrs, &net.TCPAddr{IP: ip, Port: int(d.Port)})
		}
		return addrs, nil
	}
	var b []byte
	if err := bencode.DecodeBytes(raw, &b); err != nil {
		return nil, err
	}
	return tracker.DecodePeersCompact(b)
}
