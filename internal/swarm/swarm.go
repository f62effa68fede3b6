// Package swarm coordinates a single torrent transfer: it owns the peers,
// the piece picker, the request scheduler and the choking auction, all
// confined to one event loop goroutine.
package swarm

import (
	"errors"
	"net"
	"sort"
	"time"

	"github.com/juju/ratelimit"

	"github.com/fabioibanez/Rogue-Packet/internal/announcer"
	"github.com/fabioibanez/Rogue-Packet/internal/bitfield"
	"github.com/fabioibanez/Rogue-Packet/internal/counters"
	"github.com/fabioibanez/Rogue-Packet/internal/logger"
	"github.com/fabioibanez/Rogue-Packet/internal/metainfo"
	"github.com/fabioibanez/Rogue-Packet/internal/peer"
	"github.com/fabioibanez/Rogue-Packet/internal/peerprotocol"
	"github.com/fabioibanez/Rogue-Packet/internal/piece"
	"github.com/fabioibanez/Rogue-Packet/internal/piecepicker"
	"github.com/fabioibanez/Rogue-Packet/internal/scheduler"
	"github.com/fabioibanez/Rogue-Packet/internal/unchoker"
)

// Stats is a snapshot of the transfer.
type Stats struct {
	BytesDownloaded int64
	BytesUploaded   int64
	BytesWasted     int64
	BytesLeft       int64
	CompletedPieces uint32
	TotalPieces     uint32
	Peers           int
}

// Swarm runs the transfer of one torrent.
type Swarm struct {
	config   Config
	infoHash [20]byte
	peerID   [20]byte
	info     *metainfo.Info

	picker   *piecepicker.PiecePicker
	sched    *scheduler.Scheduler
	unchoker *unchoker.Unchoker
	counters counters.Counters

	downloadBucket *ratelimit.Bucket
	uploadBucket   *ratelimit.Bucket

	listener *net.TCPListener

	peers    map[*peer.Peer]struct{}
	peerIDs  map[[20]byte]struct{}
	peerIPs  map[string]struct{}
	seq      uint64
	dialing  int
	addrList []*net.TCPAddr

	messages      chan peer.Message
	disconnectedC chan *peer.Peer
	connectedC    chan handshakeResult
	newPeersC     chan []*net.TCPAddr
	statsC        chan chan Stats

	completeC     chan struct{}
	completeOnce  bool
	startedAt     time.Time
	log           logger.Logger
	closeC        chan struct{}
	closedC       chan struct{}
	doneC         chan struct{}
}

// New returns a new Swarm for the torrent described by info. pieces must be
// built over the destination files; verified marks the pieces already on
// disk. The swarm starts listening immediately but no peer traffic happens
// until Run is called.
func New(cfg Config, info *metainfo.Info, pieces []piece.Piece, verified bitfield.Bitfield, peerID [20]byte, l logger.Logger) (*Swarm, error) {
	if len(pieces) == 0 {
		return nil, errors.New("torrent has no pieces")
	}
	listener, err := net.ListenTCP("tcp4", &net.TCPAddr{Port: cfg.Port})
	if err != nil {
		return nil, err
	}
	picker := piecepicker.New(pieces, verified, l)
	s := &Swarm{
		config:        cfg,
		infoHash:      info.Hash,
		peerID:        peerID,
		info:          info,
		picker:        picker,
		sched:         scheduler.New(picker, cfg.MaxOutstandingRequests, cfg.RequestPacing, cfg.RequestTimeout, l),
		unchoker:      unchoker.New(cfg.UnchokedPeers, cfg.OptimisticUnchokedPeers),
		listener:      listener,
		peers:         make(map[*peer.Peer]struct{}),
		peerIDs:       make(map[[20]byte]struct{}),
		peerIPs:       make(map[string]struct{}),
		messages:      make(chan peer.Message),
		disconnectedC: make(chan *peer.Peer),
		connectedC:    make(chan handshakeResult),
		newPeersC:     make(chan []*net.TCPAddr),
		statsC:        make(chan chan Stats),
		completeC:     make(chan struct{}),
		log:           l,
		closeC:        make(chan struct{}),
		closedC:       make(chan struct{}),
		doneC:         make(chan struct{}),
	}
	if cfg.DownloadRateLimit > 0 {
		s.downloadBucket = ratelimit.NewBucketWithRate(float64(cfg.DownloadRateLimit), cfg.DownloadRateLimit)
	}
	if cfg.UploadRateLimit > 0 {
		s.uploadBucket = ratelimit.NewBucketWithRate(float64(cfg.UploadRateLimit), cfg.UploadRateLimit)
	}
	return s, nil
}

// Port returns the TCP port the swarm listens on.
func (s *Swarm) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// NewPeers returns the channel to feed peer addresses into, usually from an
// announcer.
func (s *Swarm) NewPeers() chan []*net.TCPAddr {
	return s.newPeersC
}

// Finished returns a channel that is closed when every piece is verified.
// The swarm keeps seeding afterwards until Close is called.
func (s *Swarm) Finished() <-chan struct{} {
	return s.completeC
}

// Stats returns a snapshot of the transfer.
func (s *Swarm) Stats() Stats {
	req := make(chan Stats, 1)
	select {
	case s.statsC <- req:
		return <-req
	case <-s.doneC:
		return Stats{}
	}
}

// AnnouncerStats adapts Stats for a tracker announce.
func (s *Swarm) AnnouncerStats() announcer.TransferStats {
	stats := s.Stats()
	return announcer.TransferStats{
		Uploaded:   stats.BytesUploaded,
		Downloaded: stats.BytesDownloaded,
		Left:       stats.BytesLeft,
	}
}

// Close stops the swarm: all peers are disconnected and the listener is
// closed. Blocks until the event loop has drained.
func (s *Swarm) Close() {
	close(s.closeC)
	<-s.doneC
}

// Run runs the event loop until Close is called. All mutable swarm state is
// confined to this goroutine; peers, dialers and the acceptor communicate
// with it over channels only. Must be run in its own goroutine.
func (s *Swarm) Run() {
	defer close(s.doneC)

	s.startedAt = time.Now()
	s.log.Infof("listening on port %d", s.Port())
	s.checkCompletion() // may already be complete, seed from the start

	go s.acceptor()

	chokeTicker := time.NewTicker(s.config.ChokeInterval)
	defer chokeTicker.Stop()

	// Reopens pacing windows and reclaims timed out requests between
	// peer events.
	requestTicker := time.NewTicker(s.config.RequestPacing)
	defer requestTicker.Stop()

	for {
		select {
		case pm := <-s.messages:
			s.handleMessage(pm)
		case pe := <-s.disconnectedC:
			s.removePeer(pe)
		case res := <-s.connectedC:
			s.handleConnected(res)
		case addrs := <-s.newPeersC:
			s.addAddrs(addrs)
			s.startDials()
		case <-chokeTicker.C:
			s.tickUnchoke()
		case now := <-requestTicker.C:
			s.reapAndDispatch(now)
		case req := <-s.statsC:
			req <- s.stats()
		case <-s.closeC:
			s.stop()
			return
		}
	}
}

// stop tears down the swarm from inside the event loop.
func (s *Swarm) stop() {
	close(s.closedC)
	_ = s.listener.Close()
	for pe := range s.peers {
		pe.CloseConn()
	}
	// Peer goroutines may be blocked sending an event; drain until every
	// one has announced its disconnect.
	for len(s.peers) > 0 {
		select {
		case <-s.messages:
		case pe := <-s.disconnectedC:
			s.removePeer(pe)
		case res := <-s.connectedC:
			if res.err == nil {
				_ = res.conn.Close()
			}
			s.noteHandshakeDone(res)
		}
	}
}

func (s *Swarm) stats() Stats {
	var left int64
	for i := uint32(0); i < s.info.NumPieces; i++ {
		if !s.picker.Verified(i) {
			left += int64(s.picker.Piece(i).Length)
		}
	}
	return Stats{
		BytesDownloaded: s.counters.Read(counters.BytesDownloaded),
		BytesUploaded:   s.counters.Read(counters.BytesUploaded),
		BytesWasted:     s.counters.Read(counters.BytesWasted),
		BytesLeft:       left,
		CompletedPieces: s.picker.Bitfield().Count(),
		TotalPieces:     s.info.NumPieces,
		Peers:           len(s.peers),
	}
}

// peersBySeq returns the connected peers in connection order. Request
// dispatch walks them in this order so the scheduler is deterministic.
func (s *Swarm) peersBySeq() []*peer.Peer {
	peers := make([]*peer.Peer, 0, len(s.peers))
	for pe := range s.peers {
		peers = append(peers, pe)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Seq < peers[j].Seq })
	return peers
}

func (s *Swarm) dispatch() {
	s.sched.Dispatch(s.peersBySeq(), time.Now())
}

func (s *Swarm) reapAndDispatch(now time.Time) {
	for _, req := range s.sched.ReapTimeouts(now) {
		req.Peer.SendMessage(peerprotocol.CancelMessage{RequestMessage: peerprotocol.RequestMessage{
			Index: req.Index, Begin: req.Begin, Length: req.Length,
		}})
	}
	s.dispatch()
}

func (s *Swarm) tickUnchoke() {
	peers := make([]unchoker.Peer, 0, len(s.peers))
	for _, pe := range s.peersBySeq() {
		peers = append(peers, pe)
	}
	s.unchoker.TickUnchoke(peers, s.picker.Done())
}

// closePeer drops the connection. Cleanup happens when the peer goroutine
// reports its disconnect.
func (s *Swarm) closePeer(pe *peer.Peer) {
	pe.CloseConn()
}

func (s *Swarm) removePeer(pe *peer.Peer) {
	if _, ok := s.peers[pe]; !ok {
		return
	}
	delete(s.peers, pe)
	delete(s.peerIDs, pe.ID)
	delete(s.peerIPs, pe.IP())
	s.sched.ReleasePeer(pe)
	s.picker.HandleDisconnect(pe)
	s.unchoker.HandleDisconnect(pe)
	pe.Close()
	s.log.Debugln("peer disconnected:", pe)
	// Freed blocks may be dispatchable to other peers right away.
	s.dispatch()
	s.startDials()
}

func (s *Swarm) checkCompletion() {
	if s.completeOnce || !s.picker.Done() {
		return
	}
	s.completeOnce = true
	close(s.completeC)
	s.log.Infof("download completed in %v", time.Since(s.startedAt).Truncate(time.Millisecond))
	// No more downloads: drop interest everywhere.
	for pe := range s.peers {
		if pe.AmInterested {
			pe.AmInterested = false
			pe.SendMessage(peerprotocol.NotInterestedMessage{})
		}
	}
}
