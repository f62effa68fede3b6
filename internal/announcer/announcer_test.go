package announcer

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabioibanez/Rogue-Packet/internal/logger"
	"github.com/fabioibanez/Rogue-Packet/internal/tracker"
)

type fakeTracker struct {
	events chan tracker.Event
}

func (f *fakeTracker) Announce(ctx context.Context, req tracker.AnnounceRequest) (*tracker.AnnounceResponse, error) {
	select {
	case f.events <- req.Event:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &tracker.AnnounceResponse{Interval: time.Millisecond}, nil
}

func (f *fakeTracker) URL() string { return "fake://tracker" }

func nextEvent(t *testing.T, events chan tracker.Event) tracker.Event {
	t.Helper()
	select {
	case e := <-events:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for announce")
		return tracker.EventNone
	}
}

func newTestAnnouncer(trk tracker.Tracker, completedC chan struct{}, name string) *PeriodicalAnnouncer {
	newPeers := make(chan []*net.TCPAddr, 1)
	getStats := func() TransferStats { return TransferStats{} }
	return New(trk, [20]byte{}, [20]byte{}, 0, 10, time.Millisecond, getStats, newPeers, completedC, logger.New(name))
}

// Closing the shared completion channel must produce exactly one "completed"
// announce on every tracker, no matter how often the announcers wake up
// afterwards for their periodic announces.
func TestCompletedAnnouncedOncePerTracker(t *testing.T) {
	defer leaktest.Check(t)()

	completedC := make(chan struct{})
	trk1 := &fakeTracker{events: make(chan tracker.Event, 128)}
	trk2 := &fakeTracker{events: make(chan tracker.Event, 128)}
	a1 := newTestAnnouncer(trk1, completedC, "announcer 1")
	a2 := newTestAnnouncer(trk2, completedC, "announcer 2")
	go a1.Run()
	go a2.Run()
	defer a2.Close()
	defer a1.Close()

	require.Equal(t, tracker.EventStarted, nextEvent(t, trk1.events))
	require.Equal(t, tracker.EventStarted, nextEvent(t, trk2.events))

	close(completedC)

	countCompleted := func(events chan tracker.Event) int {
		var completed int
		for i := 0; i < 20; i++ {
			if nextEvent(t, events) == tracker.EventCompleted {
				completed++
			}
		}
		return completed
	}
	assert.Equal(t, 1, countCompleted(trk1.events))
	assert.Equal(t, 1, countCompleted(trk2.events))
}

func TestCloseAnnouncesStopped(t *testing.T) {
	defer leaktest.Check(t)()

	trk := &fakeTracker{events: make(chan tracker.Event, 128)}
	a := newTestAnnouncer(trk, make(chan struct{}), "announcer")
	go a.Run()

	require.Equal(t, tracker.EventStarted, nextEvent(t, trk.events))
	a.Close()

	// The last event on the channel must be "stopped".
	var last tracker.Event
	for {
		select {
		case e := <-trk.events:
			last = e
		default:
			assert.Equal(t, tracker.EventStopped, last)
			return
		}
	}
}
