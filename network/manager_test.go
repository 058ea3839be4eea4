package network

import (
	"context"
	"sync"
	"testing"
	"time"

	"cubenet.dev/node/p2pnet"
	"cubenet.dev/node/peerdb"
)

type fakeStore struct {
	mu   sync.Mutex
	byID map[[32]byte][]byte
	subs []chan [32]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{byID: make(map[[32]byte][]byte)}
}

func (f *fakeStore) Add(buf []byte) ([32]byte, bool, error) {
	var id [32]byte
	copy(id[:], buf[:32])
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byID[id]; ok {
		return id, false, nil
	}
	f.byID[id] = buf
	for _, sub := range f.subs {
		select {
		case sub <- id:
		default:
		}
	}
	return id, true, nil
}

func (f *fakeStore) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byID)
}

func (f *fakeStore) Get(id [32]byte) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.byID[id]
	return v, ok, nil
}

func (f *fakeStore) Has(id [32]byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.byID[id]
	return ok, nil
}

func (f *fakeStore) Subscribe() <-chan [32]byte {
	ch := make(chan [32]byte, 64)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	return ch
}

func (f *fakeStore) Unsubscribe(ch <-chan [32]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, sub := range f.subs {
		if sub == ch {
			f.subs = append(f.subs[:i], f.subs[i+1:]...)
			return
		}
	}
}

// KnownIdentities lets a fakeStore double as the IdentitySource a manager
// seeds new sessions with.
func (f *fakeStore) KnownIdentities() [][32]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][32]byte, 0, len(f.byID))
	for id := range f.byID {
		out = append(out, id)
	}
	return out
}

func TestTwoManagersHandshakeAndGoOnline(t *testing.T) {
	serverSettings := DefaultSettings()
	serverSettings.ListenAddr = "127.0.0.1:0"
	serverSettings.DialInterval = 50 * time.Millisecond

	serverPeers := peerdb.New(nil)
	server, err := NewManager(serverSettings, newFakeStore(), serverPeers, nil, p2pnet.DefaultSettings(), nil)
	if err != nil {
		t.Fatal(err)
	}

	serverOnline := make(chan struct{}, 1)
	server.OnOnline = func() {
		select {
		case serverOnline <- struct{}{}:
		default:
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	go server.Run(ctx)

	var addr string
	for i := 0; i < 100; i++ {
		if a, ok := server.Addr(); ok {
			addr = a
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if addr == "" {
		t.Fatal("expected server manager to bind a listener")
	}

	clientSettings := DefaultSettings()
	clientSettings.Light = true
	clientSettings.DialInterval = 50 * time.Millisecond
	clientPeers := peerdb.New(nil)
	clientPeers.Observe(mustPeer(t, addr))

	clientSessSettings := p2pnet.DefaultSettings()
	clientSessSettings.Light = true
	client, err := NewManager(clientSettings, newFakeStore(), clientPeers, nil, clientSessSettings, nil)
	if err != nil {
		t.Fatal(err)
	}
	clientOnline := make(chan struct{}, 1)
	client.OnOnline = func() {
		select {
		case clientOnline <- struct{}{}:
		default:
		}
	}
	go client.Run(ctx)

	select {
	case <-clientOnline:
	case <-time.After(2 * time.Second):
		t.Fatal("expected client manager to go online")
	}
	select {
	case <-serverOnline:
	case <-time.After(2 * time.Second):
		t.Fatal("expected server manager to go online")
	}
}

func TestBroadcastAddressesReachesConnectedPeer(t *testing.T) {
	serverSettings := DefaultSettings()
	serverSettings.ListenAddr = "127.0.0.1:0"
	serverSettings.DialInterval = 50 * time.Millisecond

	serverPeers := peerdb.New(nil)
	server, err := NewManager(serverSettings, newFakeStore(), serverPeers, nil, p2pnet.DefaultSettings(), nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	go server.Run(ctx)

	var addr string
	for i := 0; i < 100; i++ {
		if a, ok := server.Addr(); ok {
			addr = a
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if addr == "" {
		t.Fatal("expected server manager to bind a listener")
	}

	clientSettings := DefaultSettings()
	clientSettings.Light = true
	clientSettings.DialInterval = 50 * time.Millisecond
	clientPeers := peerdb.New(nil)
	clientPeers.Observe(mustPeer(t, addr))

	clientSessSettings := p2pnet.DefaultSettings()
	clientSessSettings.Light = true
	client, err := NewManager(clientSettings, newFakeStore(), clientPeers, nil, clientSessSettings, nil)
	if err != nil {
		t.Fatal(err)
	}
	clientOnline := make(chan struct{}, 1)
	client.OnOnline = func() {
		select {
		case clientOnline <- struct{}{}:
		default:
		}
	}
	go client.Run(ctx)

	select {
	case <-clientOnline:
	case <-time.After(2 * time.Second):
		t.Fatal("expected client manager to go online")
	}

	// Give the server a moment to reach Active too before broadcasting.
	time.Sleep(100 * time.Millisecond)
	server.BroadcastAddresses([]string{"203.0.113.5:9999"})

	var got bool
	for i := 0; i < 100; i++ {
		for _, a := range clientPeers.KnownAddresses() {
			if a == "203.0.113.5:9999" {
				got = true
			}
		}
		if got {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !got {
		t.Fatal("expected broadcast address to reach the client's peer db")
	}
}

func mustPeer(t *testing.T, addr string) peerdb.Peer {
	t.Helper()
	p, err := peerdb.ParsePeer(addr)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

// seedBlocks fills a store with n distinct 1024-byte buffers.
func seedBlocks(t *testing.T, s *fakeStore, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		buf := make([]byte, p2pnet.BlockSize)
		buf[0] = byte(i)
		buf[1] = byte(i >> 8)
		buf[2] = 0xA5
		if _, added, err := s.Add(buf); err != nil || !added {
			t.Fatalf("seed block %d: added=%v err=%v", i, added, err)
		}
	}
}

func waitForCount(t *testing.T, s *fakeStore, want int, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if s.Count() >= want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("store holds %d blocks, want %d", s.Count(), want)
}

// TestThreeNodeSyncPropagatesBlocks chains three nodes A <- B <- C and
// checks that 50 blocks ingested at A reach C through B's relay.
func TestThreeNodeSyncPropagatesBlocks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	fastSess := p2pnet.Settings{HashRequestInterval: 50 * time.Millisecond, Light: false}

	startListening := func(store *fakeStore, peers *peerdb.DB) (*Manager, string) {
		settings := DefaultSettings()
		settings.ListenAddr = "127.0.0.1:0"
		settings.DialInterval = 50 * time.Millisecond
		settings.DialJitter = 0
		m, err := NewManager(settings, store, peers, store, fastSess, nil)
		if err != nil {
			t.Fatal(err)
		}
		go m.Run(ctx)
		for i := 0; i < 100; i++ {
			if addr, ok := m.Addr(); ok {
				return m, addr
			}
			time.Sleep(10 * time.Millisecond)
		}
		t.Fatal("manager did not bind a listener")
		return nil, ""
	}

	storeA := newFakeStore()
	seedBlocks(t, storeA, 50)
	_, addrA := startListening(storeA, peerdb.New(nil))

	storeB := newFakeStore()
	peersB := peerdb.New(nil)
	peersB.Observe(mustPeer(t, addrA))
	_, addrB := startListening(storeB, peersB)

	waitForCount(t, storeB, 50, 10*time.Second)

	storeC := newFakeStore()
	peersC := peerdb.New(nil)
	peersC.Observe(mustPeer(t, addrB))
	lightSettings := DefaultSettings()
	lightSettings.Light = true
	lightSettings.DialInterval = 50 * time.Millisecond
	lightSettings.DialJitter = 0
	nodeC, err := NewManager(lightSettings, storeC, peersC, storeC, fastSess, nil)
	if err != nil {
		t.Fatal(err)
	}
	go nodeC.Run(ctx)

	waitForCount(t, storeC, 50, 10*time.Second)
}
