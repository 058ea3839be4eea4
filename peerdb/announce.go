package peerdb

import (
	"context"
	"time"
)

// AnnounceFunc broadcasts a peer's known addresses to connected sessions.
// The network package supplies this by fanning the address list out to
// each PeerSession's NodeBroadcast.
type AnnounceFunc func(addrs []string)

// RunAnnounceLoop calls fn with the current KnownAddresses every interval
// until ctx is canceled. A zero interval falls back to AnnouncementInterval.
func (db *DB) RunAnnounceLoop(ctx context.Context, interval time.Duration, fn AnnounceFunc) {
	if interval <= 0 {
		interval = AnnouncementInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn(db.KnownAddresses())
		case <-ctx.Done():
			return
		}
	}
}
