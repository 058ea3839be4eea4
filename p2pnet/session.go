package p2pnet

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// State is a PeerSession's place in its lifecycle.
type State int

const (
	StateHandshakePending State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshakePending:
		return "HandshakePending"
	case StateActive:
		return "Active"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Store is the subset of store.DB a PeerSession needs. It is expressed as
// an interface here so p2pnet does not import the store package; the
// session treats the block store as an injected collaborator. Subscribe
// hands each session its own notification channel, so one insertion
// reaches every connected peer's unsent set.
type Store interface {
	Add(buf []byte) (identity [32]byte, added bool, err error)
	Get(identity [32]byte) ([]byte, bool, error)
	Has(identity [32]byte) (bool, error)
	Subscribe() <-chan [32]byte
	Unsubscribe(<-chan [32]byte)
}

// Settings are a session's immutable tunables.
type Settings struct {
	HashRequestInterval time.Duration
	Light               bool
}

// DefaultSettings polls peers for new hashes every ten seconds.
func DefaultSettings() Settings {
	return Settings{HashRequestInterval: 10 * time.Second, Light: false}
}

// BlacklistFunc is invoked when a session detects a protocol-level reason
// to blacklist its remote peer (loopback self-connection is the only one).
type BlacklistFunc func(remoteAddr string)

// NodeAddressProvider supplies known peer addresses to answer NodeRequest,
// and is notified of addresses received via NodeResponse/NodeBroadcast.
// The network/peerdb packages implement this; p2pnet only depends on the
// interface, not on peerdb directly.
type NodeAddressProvider interface {
	KnownAddresses() []string
	ObserveAddresses(addrs []string)
}

// Session is one connected peer: message framing and dispatch, outgoing
// hash inventory tracking, scheduled requests, and statistics.
type Session struct {
	conn     net.Conn
	store    Store
	settings Settings
	log      *slog.Logger

	localPeerID [16]byte
	onBlacklist BlacklistFunc
	nodes       NodeAddressProvider

	mu         sync.Mutex
	state      State
	remotePeer [16]byte
	unsent     map[[32]byte]struct{}

	// wmu serializes whole frames onto the connection: the read-loop
	// handlers, the hash-request ticker, and unsolicited pushes all
	// write, and a frame is emitted as several conn.Write calls.
	wmu sync.Mutex

	Stats *Stats
}

// NewSession constructs a session in HandshakePending. It does not touch
// the network; call Run to start the handshake and message loop. nodes may
// be nil, in which case NodeRequest is answered with an empty list and
// received addresses are discarded.
func NewSession(conn net.Conn, localPeerID [16]byte, store Store, settings Settings, onBlacklist BlacklistFunc, nodes NodeAddressProvider, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		conn:        conn,
		store:       store,
		settings:    settings,
		log:         log,
		localPeerID: localPeerID,
		onBlacklist: onBlacklist,
		nodes:       nodes,
		state:       StateHandshakePending,
		unsent:      make(map[[32]byte]struct{}),
		Stats:       NewStats(),
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) markUnsent(id [32]byte) {
	s.mu.Lock()
	s.unsent[id] = struct{}{}
	s.mu.Unlock()
}

// drainUnsent removes and returns up to MaxHashCount identities from the
// unsent set, so each identity is offered to this peer at most once per
// session.
func (s *Session) drainUnsent() [][32]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][32]byte, 0, MaxHashCount)
	for id := range s.unsent {
		out = append(out, id)
		delete(s.unsent, id)
		if len(out) == MaxHashCount {
			break
		}
	}
	return out
}

// Run performs the Hello handshake and then services messages until ctx is
// canceled or a transport/protocol-terminal error occurs. knownIdentities
// seeds the unsent set with everything the store held when the session
// came up; later arrivals flow in through the store subscription.
func (s *Session) Run(ctx context.Context, knownIdentities [][32]byte) error {
	// Subscribe before seeding so a block added between the snapshot and
	// the subscription is not lost to this session.
	addedCh := s.store.Subscribe()
	defer s.store.Unsubscribe(addedCh)
	for _, id := range knownIdentities {
		s.markUnsent(id)
	}

	if err := s.writeFrame(func() error { return WriteHello(s.conn, s.localPeerID) }); err != nil {
		return s.fail(err)
	}
	s.Stats.recordTx(ClassHello, 2+16)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.conn.Close()
		case <-done:
		}
	}()

	go s.forwardAdded(done, addedCh)
	if !s.settings.Light {
		go s.scheduleHashRequests(done)
	}

	for {
		class, err := ReadHeader(s.conn)
		if err != nil {
			if perr, ok := err.(*Error); ok && perr.Code == ErrShortFrame {
				return s.fail(err)
			}
			s.log.Warn("p2pnet: dropping frame with malformed header", slog.Any("error", err))
			continue
		}

		if err := s.dispatch(class); err != nil {
			return s.fail(err)
		}
	}
}

func (s *Session) fail(err error) error {
	s.setState(StateClosed)
	_ = s.conn.Close()
	return err
}

// Close terminates the session's connection from the outside, for a
// manager performing an orderly shutdown or peer-limit eviction. Run's
// read loop observes the resulting error and returns.
func (s *Session) Close() error {
	s.setState(StateClosing)
	return s.conn.Close()
}

// writeFrame runs one frame-emitting function while holding the write
// lock, so concurrent senders never interleave partial frames.
func (s *Session) writeFrame(fn func() error) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return fn()
}

func (s *Session) forwardAdded(done <-chan struct{}, ch <-chan [32]byte) {
	for {
		select {
		case id, ok := <-ch:
			if !ok {
				return
			}
			s.markUnsent(id)
		case <-done:
			return
		}
	}
}

func (s *Session) scheduleHashRequests(done <-chan struct{}) {
	ticker := time.NewTicker(s.settings.HashRequestInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.writeFrame(func() error { return WriteHashRequest(s.conn) }); err == nil {
				s.Stats.recordTx(ClassHashRequest, 2)
			}
		case <-done:
			return
		}
	}
}

func (s *Session) dispatch(class MessageClass) error {
	switch class {
	case ClassHello:
		return s.handleHello()
	case ClassHashRequest:
		return s.handleHashRequest()
	case ClassHashResponse:
		return s.handleHashResponse()
	case ClassBlockRequest:
		return s.handleBlockRequest()
	case ClassBlockResponse, ClassBlockSend:
		return s.handleBlockVector(class)
	case ClassNodeRequest:
		return s.handleNodeRequest()
	case ClassNodeResponse, ClassNodeBroadcast:
		return s.handleNodeVector(class)
	default:
		s.log.Warn("p2pnet: unknown message class, dropping", slog.String("class", class.String()))
		return nil
	}
}

func (s *Session) handleHello() error {
	remote, err := ReadHelloPayload(s.conn)
	if err != nil {
		return err
	}
	s.Stats.recordRx(ClassHello, 2+16)

	s.mu.Lock()
	s.remotePeer = remote
	s.state = StateActive
	s.mu.Unlock()

	if remote == s.localPeerID {
		s.setState(StateClosed)
		if s.onBlacklist != nil {
			s.onBlacklist(s.conn.RemoteAddr().String())
		}
		return fmt.Errorf("p2pnet: self-connection detected, blacklisting")
	}
	return nil
}

func (s *Session) handleHashRequest() error {
	s.Stats.recordRx(ClassHashRequest, 2)
	hashes := s.drainUnsent()
	if err := s.writeFrame(func() error { return WriteHashResponse(s.conn, hashes) }); err != nil {
		return err
	}
	s.Stats.recordTx(ClassHashResponse, 2+4+len(hashes)*HashSize)
	return nil
}

func (s *Session) handleHashResponse() error {
	hashes, err := ReadHashVector(s.conn)
	if err != nil {
		return err
	}
	s.Stats.recordRx(ClassHashResponse, 2+4+len(hashes)*HashSize)

	missing := make([][32]byte, 0, len(hashes))
	for _, h := range hashes {
		has, err := s.store.Has(h)
		if err != nil {
			s.log.Warn("p2pnet: store.Has failed", slog.Any("error", err))
			continue
		}
		if !has {
			missing = append(missing, h)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	if err := s.writeFrame(func() error { return WriteBlockRequest(s.conn, missing) }); err != nil {
		return err
	}
	s.Stats.recordTx(ClassBlockRequest, 2+4+len(missing)*HashSize)
	return nil
}

func (s *Session) handleBlockRequest() error {
	hashes, err := ReadHashVector(s.conn)
	if err != nil {
		return err
	}
	s.Stats.recordRx(ClassBlockRequest, 2+4+len(hashes)*HashSize)

	blocks := make([][]byte, 0, len(hashes))
	for _, h := range hashes {
		buf, ok, err := s.store.Get(h)
		if err != nil {
			s.log.Warn("p2pnet: store.Get failed", slog.Any("error", err))
			continue
		}
		if ok {
			blocks = append(blocks, buf)
		}
	}
	if err := s.writeFrame(func() error { return WriteBlockResponse(s.conn, ClassBlockResponse, blocks) }); err != nil {
		return err
	}
	s.Stats.recordTx(ClassBlockResponse, 2+4+len(blocks)*BlockSize)
	return nil
}

func (s *Session) handleBlockVector(class MessageClass) error {
	blocks, err := ReadBlockVector(s.conn)
	if err != nil {
		return err
	}
	s.Stats.recordRx(class, 2+4+len(blocks)*BlockSize)

	for _, buf := range blocks {
		if _, _, err := s.store.Add(buf); err != nil {
			s.log.Debug("p2pnet: dropping invalid block from peer", slog.Any("error", err))
		}
	}
	return nil
}

func (s *Session) handleNodeRequest() error {
	s.Stats.recordRx(ClassNodeRequest, 2)
	var addrs []string
	if s.nodes != nil {
		addrs = s.nodes.KnownAddresses()
	}
	if err := s.writeFrame(func() error { return WriteNodeResponse(s.conn, ClassNodeResponse, addrs) }); err != nil {
		return err
	}
	s.Stats.recordTx(ClassNodeResponse, 2+4+nodeVectorBytes(addrs))
	return nil
}

// SendNodeBroadcast pushes an unsolicited NodeBroadcast carrying addrs to
// this peer, the mechanism the peer database's announce loop uses to
// gossip known addresses without waiting for a NodeRequest.
func (s *Session) SendNodeBroadcast(addrs []string) error {
	if err := s.writeFrame(func() error { return WriteNodeResponse(s.conn, ClassNodeBroadcast, addrs) }); err != nil {
		return err
	}
	s.Stats.recordTx(ClassNodeBroadcast, 2+4+nodeVectorBytes(addrs))
	return nil
}

// SendBlocks pushes raw block buffers to this peer unsolicited, under
// BlockSend. The receiver feeds them through its store exactly as it
// would a solicited BlockResponse.
func (s *Session) SendBlocks(blocks [][]byte) error {
	if err := s.writeFrame(func() error { return WriteBlockResponse(s.conn, ClassBlockSend, blocks) }); err != nil {
		return err
	}
	s.Stats.recordTx(ClassBlockSend, 2+4+len(blocks)*BlockSize)
	return nil
}

func (s *Session) handleNodeVector(class MessageClass) error {
	addrs, err := ReadNodeVector(s.conn)
	if err != nil {
		return err
	}
	s.Stats.recordRx(class, 2+4+nodeVectorBytes(addrs))
	if s.nodes != nil {
		s.nodes.ObserveAddresses(addrs)
	}
	return nil
}

func nodeVectorBytes(addrs []string) int {
	n := 0
	for _, a := range addrs {
		n += 2 + len(a)
	}
	return n
}
