package p2pnet

import "sync"

// ClassTotals is the {count, bytes} counter pair kept per message class
// and direction.
type ClassTotals struct {
	Count uint64
	Bytes uint64
}

// Stats tracks per-session tx/rx counters keyed by message class. The
// counters are purely observational; nothing in the protocol scores or
// penalizes a peer based on them.
type Stats struct {
	mu        sync.Mutex
	txByClass map[MessageClass]*ClassTotals
	rxByClass map[MessageClass]*ClassTotals
}

// NewStats returns an empty, ready-to-use Stats.
func NewStats() *Stats {
	return &Stats{
		txByClass: make(map[MessageClass]*ClassTotals),
		rxByClass: make(map[MessageClass]*ClassTotals),
	}
}

func bump(m map[MessageClass]*ClassTotals, class MessageClass, n int) {
	ct, ok := m[class]
	if !ok {
		ct = &ClassTotals{}
		m[class] = ct
	}
	ct.Count++
	ct.Bytes += uint64(n)
}

func (s *Stats) recordTx(class MessageClass, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bump(s.txByClass, class, n)
}

func (s *Stats) recordRx(class MessageClass, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bump(s.rxByClass, class, n)
}

// Totals is a point-in-time snapshot of a session's counters.
type Totals struct {
	TxPackets, TxBytes uint64
	RxPackets, RxBytes uint64
}

// Snapshot returns the current tx/rx totals across all classes.
func (s *Stats) Snapshot() Totals {
	s.mu.Lock()
	defer s.mu.Unlock()
	var t Totals
	for _, ct := range s.txByClass {
		t.TxPackets += ct.Count
		t.TxBytes += ct.Bytes
	}
	for _, ct := range s.rxByClass {
		t.RxPackets += ct.Count
		t.RxBytes += ct.Bytes
	}
	return t
}

// PerClass returns copies of the per-message-class breakdown for both
// directions, so a caller can report which classes a session has
// exchanged and how many bytes each carried.
func (s *Stats) PerClass() (tx, rx map[MessageClass]ClassTotals) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx = make(map[MessageClass]ClassTotals, len(s.txByClass))
	for class, ct := range s.txByClass {
		tx[class] = *ct
	}
	rx = make(map[MessageClass]ClassTotals, len(s.rxByClass))
	for class, ct := range s.rxByClass {
		rx[class] = *ct
	}
	return tx, rx
}
