package swarm

import "time"

// Config for a Swarm.
type Config struct {
	// TCP port to listen on for incoming peer connections. 0 picks a free port.
	Port int `yaml:"port"`

	// Number of peers unchoked by download rate.
	UnchokedPeers int `yaml:"unchoked-peers"`
	// Number of additional peers unchoked optimistically.
	OptimisticUnchokedPeers int `yaml:"optimistic-unchoked-peers"`
	// Period of the choking auction. Every third tick rotates the
	// optimistic slots.
	ChokeInterval time.Duration `yaml:"choke-interval"`

	// Maximum number of block requests in flight across all peers.
	MaxOutstandingRequests int `yaml:"max-outstanding-requests"`
	// Minimum delay between two requests to the same peer.
	RequestPacing time.Duration `yaml:"request-pacing"`
	// An unanswered request is reclaimed after this long.
	RequestTimeout time.Duration `yaml:"request-timeout"`

	// A peer that sends nothing for this long is disconnected. Keepalives
	// are written at half this period.
	PeerInactivityTimeout time.Duration `yaml:"peer-inactivity-timeout"`
	// Maximum time to wait for the payload of a single piece message.
	PieceReadTimeout time.Duration `yaml:"piece-read-timeout"`

	// Maximum number of outgoing connections, established or dialing.
	MaxPeerDial int `yaml:"max-peer-dial"`
	// Maximum number of incoming connections, established or handshaking.
	MaxPeerAccept int `yaml:"max-peer-accept"`
	// Timeout for establishing a TCP connection to a peer.
	PeerConnectTimeout time.Duration `yaml:"peer-connect-timeout"`
	// Timeout for completing the handshake after the connection is up.
	PeerHandshakeTimeout time.Duration `yaml:"peer-handshake-timeout"`

	// Number of peers requested from the tracker in one announce.
	TrackerNumWant int `yaml:"tracker-num-want"`
	// Lower bound for the announce interval advised by the tracker.
	MinAnnounceInterval time.Duration `yaml:"min-announce-interval"`
	// HTTP timeout for tracker requests.
	TrackerHTTPTimeout time.Duration `yaml:"tracker-http-timeout"`

	// Download bandwidth limit in bytes per second. 0 means unlimited.
	DownloadRateLimit int64 `yaml:"download-rate-limit"`
	// Upload bandwidth limit in bytes per second. 0 means unlimited.
	UploadRateLimit int64 `yaml:"upload-rate-limit"`
}

// DefaultConfig for a Swarm. Zero-value durations are not usable, start
// from this value and override fields as needed.
var DefaultConfig = Config{
	Port:                    0,
	UnchokedPeers:           4,
	OptimisticUnchokedPeers: 1,
	ChokeInterval:           10 * time.Second,
	MaxOutstandingRequests:  15,
	RequestPacing:           200 * time.Millisecond,
	RequestTimeout:          5 * time.Second,
	PeerInactivityTimeout:   2 * time.Minute,
	PieceReadTimeout:        30 * time.Second,
	MaxPeerDial:             25,
	MaxPeerAccept:           25,
	PeerConnectTimeout:      5 * time.Second,
	PeerHandshakeTimeout:    10 * time.Second,
	TrackerNumWant:          50,
	MinAnnounceInterval:     time.Minute,
	TrackerHTTPTimeout:      10 * time.Second,
	DownloadRateLimit:       0,
	UploadRateLimit:         0,
}
