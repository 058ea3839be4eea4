package peerdb

import (
	"context"
	"testing"
	"time"
)

func TestObserveFiresNewPeerOnce(t *testing.T) {
	var seen []Peer
	db := New(func(p Peer) { seen = append(seen, p) })

	p := Peer{Host: "203.0.113.5", Port: 9000}
	if !db.Observe(p) {
		t.Fatal("expected first Observe to report new")
	}
	if db.Observe(p) {
		t.Fatal("expected second Observe of the same peer to report not-new")
	}
	if len(seen) != 1 {
		t.Fatalf("expected exactly one newPeer callback, got %d", len(seen))
	}
}

func TestMarkVerifiedMovesPeer(t *testing.T) {
	db := New(nil)
	p := Peer{Host: "203.0.113.5", Port: 9000}
	db.Observe(p)
	db.MarkVerified(p)

	unverified, verified, blacklisted := db.Counts()
	if unverified != 0 || verified != 1 || blacklisted != 0 {
		t.Fatalf("unexpected counts: unverified=%d verified=%d blacklisted=%d", unverified, verified, blacklisted)
	}
}

func TestMarkBlacklistedMovesPeerFromAnySet(t *testing.T) {
	db := New(nil)
	p := Peer{Host: "203.0.113.5", Port: 9000}
	db.Observe(p)
	db.MarkVerified(p)
	db.MarkBlacklisted(p)

	if !db.IsBlacklisted(p) {
		t.Fatal("expected peer to be blacklisted")
	}
	unverified, verified, blacklisted := db.Counts()
	if unverified != 0 || verified != 0 || blacklisted != 1 {
		t.Fatalf("unexpected counts: unverified=%d verified=%d blacklisted=%d", unverified, verified, blacklisted)
	}
}

func TestKeyNormalizesIPv4MappedIPv6(t *testing.T) {
	a := Peer{Host: "::ffff:203.0.113.5", Port: 9000}
	b := Peer{Host: "203.0.113.5", Port: 9000}
	if a.Key() != b.Key() {
		t.Fatalf("expected normalized keys to match: %q vs %q", a.Key(), b.Key())
	}
}

func TestObserveAddressesParsesHostPortStrings(t *testing.T) {
	db := New(nil)
	db.ObserveAddresses([]string{"198.51.100.7:9000", "not-an-address"})

	addrs := db.KnownAddresses()
	if len(addrs) != 1 {
		t.Fatalf("expected exactly one parsed address, got %v", addrs)
	}
}

func TestRunAnnounceLoopFiresOnInterval(t *testing.T) {
	db := New(nil)
	db.Observe(Peer{Host: "198.51.100.7", Port: 9000})

	fired := make(chan []string, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go db.RunAnnounceLoop(ctx, 10*time.Millisecond, func(addrs []string) {
		select {
		case fired <- addrs:
		default:
		}
	})

	select {
	case addrs := <-fired:
		if len(addrs) != 1 {
			t.Fatalf("expected one announced address, got %v", addrs)
		}
	case <-time.After(time.Second):
		t.Fatal("expected announce loop to fire")
	}
}

func TestLastSeenStampedAndRefreshed(t *testing.T) {
	db := New(nil)
	base := time.Unix(1700000000, 0)
	current := base
	db.now = func() time.Time { return current }

	p := Peer{Host: "203.0.113.5", Port: 9000}
	db.Observe(p)
	seen, ok := db.LastSeen(p)
	if !ok || !seen.Equal(base) {
		t.Fatalf("LastSeen = %v ok=%v, want %v", seen, ok, base)
	}

	current = base.Add(time.Minute)
	db.Observe(p)
	seen, _ = db.LastSeen(p)
	if !seen.Equal(current) {
		t.Fatalf("re-observation should refresh LastSeen, got %v", seen)
	}

	current = base.Add(2 * time.Minute)
	db.MarkVerified(p)
	seen, _ = db.LastSeen(p)
	if !seen.Equal(current) {
		t.Fatalf("verification should refresh LastSeen, got %v", seen)
	}
}
