// Package tracker provides the announce contract consumed by the swarm.
package tracker

import (
	"context"
	"net"
	"time"
)

// Tracker announces a transfer to a tracker.
type Tracker interface {
	// Announce the transfer to the tracker.
	// Announce should be called periodically with the interval returned
	// in the previous AnnounceResponse, and on the lifecycle events.
	Announce(ctx context.Context, req AnnounceRequest) (*AnnounceResponse, error)

	// URL of the tracker.
	URL() string
}

// AnnounceRequest is the transfer state reported in an announce.
type AnnounceRequest struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Port       int
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
	NumWant    int
}

// AnnounceResponse is the tracker's reply to an announce.
type AnnounceResponse struct {
	Interval       time.Duration
	MinInterval    time.Duration
	Leechers       int32
	Seeders        int32
	WarningMessage string
	Peers          []*net.TCPAddr
}

// Error is a failure reason sent by the tracker.
type Error string

func (e Error) Error() string { return string(e) }
