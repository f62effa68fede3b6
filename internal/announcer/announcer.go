// Package announcer keeps a tracker informed about the transfer and feeds
// discovered peer addresses into the swarm.
package announcer

import (
	"context"
	"net"
	"time"

	"github.com/cenkalti/backoff/v3"

	"github.com/fabioibanez/Rogue-Packet/internal/logger"
	"github.com/fabioibanez/Rogue-Packet/internal/tracker"
)

// TransferStats is a snapshot of the transfer reported to the tracker.
type TransferStats struct {
	Uploaded   int64
	Downloaded int64
	Left       int64
}

// PeriodicalAnnouncer announces the transfer on start, on completion, on
// stop, and periodically at the interval advised by the tracker.
type PeriodicalAnnouncer struct {
	Tracker     tracker.Tracker
	infoHash    [20]byte
	peerID      [20]byte
	port        int
	numWant     int
	minInterval time.Duration
	getStats    func() TransferStats
	newPeers    chan []*net.TCPAddr
	completedC  chan struct{}
	backoff     backoff.BackOff
	log         logger.Logger
	closeC      chan struct{}
	doneC       chan struct{}
}

// New returns a new PeriodicalAnnouncer. Addresses from announce responses
// are pushed to newPeers; closing completedC makes the next announce a
// "completed" event. The event is announced at most once.
func New(trk tracker.Tracker, infoHash, peerID [20]byte, port, numWant int, minInterval time.Duration, getStats func() TransferStats, newPeers chan []*net.TCPAddr, completedC chan struct{}, l logger.Logger) *PeriodicalAnnouncer {
	return &PeriodicalAnnouncer{
		Tracker:     trk,
		infoHash:    infoHash,
		peerID:      peerID,
		port:        port,
		numWant:     numWant,
		minInterval: minInterval,
		getStats:    getStats,
		newPeers:    newPeers,
		completedC:  completedC,
		log:         l,
		closeC:      make(chan struct{}),
		doneC:       make(chan struct{}),
		backoff: &backoff.ExponentialBackOff{
			InitialInterval:     5 * time.Second,
			RandomizationFactor: 0.5,
			Multiplier:          2,
			MaxInterval:         30 * time.Minute,
			MaxElapsedTime:      0, // never stop
			Clock:               backoff.SystemClock,
		},
	}
}

// Close stops the announcer. A "stopped" event is announced before returning.
func (a *PeriodicalAnnouncer) Close() {
	close(a.closeC)
	<-a.doneC
}

// Run announces until Close is called. It must be run in its own goroutine.
func (a *PeriodicalAnnouncer) Run() {
	defer close(a.doneC)
	a.backoff.Reset()

	interval := a.announce(tracker.EventStarted)
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			timer.Reset(a.announce(tracker.EventNone))
		case <-a.completedC:
			a.completedC = nil // do not send more than one "completed" event
			timer.Reset(a.announce(tracker.EventCompleted))
		case <-a.closeC:
			a.announceStopped()
			return
		}
	}
}

// announce sends one announce request and returns the time to wait before
// the next one. Failures back off exponentially.
func (a *PeriodicalAnnouncer) announce(e tracker.Event) time.Duration {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-a.closeC:
			cancel()
		case <-ctx.Done():
		}
	}()
	defer cancel()

	resp, err := a.Tracker.Announce(ctx, a.request(e))
	if err != nil {
		a.log.Errorln("announce error:", err)
		return a.backoff.NextBackOff()
	}
	a.backoff.Reset()
	if len(resp.Peers) > 0 {
		select {
		case a.newPeers <- resp.Peers:
		case <-a.closeC:
		}
	}
	interval := resp.Interval
	if interval < a.minInterval {
		interval = a.minInterval
	}
	return interval
}

func (a *PeriodicalAnnouncer) announceStopped() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := a.Tracker.Announce(ctx, a.request(tracker.EventStopped))
	if err != nil {
		a.log.Debugln("stopped announce error:", err)
	}
}

func (a *PeriodicalAnnouncer) request(e tracker.Event) tracker.AnnounceRequest {
	stats := a.getStats()
	return tracker.AnnounceRequest{
		InfoHash:   a.infoHash,
		PeerID:     a.peerID,
		Port:       a.port,
		Uploaded:   stats.Uploaded,
		Downloaded: stats.Downloaded,
		Left:       stats.Left,
		Event:      e,
		NumWant:    a.numWant,
	}
}
