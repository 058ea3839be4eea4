// Package network implements the NetworkManager: it accepts inbound
// connections, dials outbound candidates from a peer database, enforces
// a connection ceiling, detects self-connections, and raises online and
// shutdown lifecycle events.
package network

import (
	"context"
	"crypto/rand"
	"log/slog"
	"math/big"
	"net"
	"sync"
	"time"

	"cubenet.dev/node/p2pnet"
	"cubenet.dev/node/peerdb"
)

// IdentitySource supplies the identities a freshly accepted or dialed
// session should seed its unsent-hash set with.
type IdentitySource interface {
	KnownIdentities() [][32]byte
}

// LifecycleFunc is invoked for the online and shutdown events.
type LifecycleFunc func()

// Manager owns the listener, the set of live sessions, and the dial
// loop that keeps the node connected to MAX_CONNECTIONS peers.
type Manager struct {
	settings Settings
	store    p2pnet.Store
	peers    *peerdb.DB
	ids      IdentitySource
	sess     p2pnet.Settings
	log      *slog.Logger

	localPeerID [16]byte

	mu       sync.Mutex
	incoming map[string]*p2pnet.Session
	outgoing map[string]*p2pnet.Session

	onlineOnce sync.Once
	OnOnline   LifecycleFunc
	OnShutdown LifecycleFunc

	listener net.Listener
}

// NewManager constructs a Manager in its idle state. Call Run to start
// accepting and dialing. A random process-scoped peer id is generated
// here so every session this manager owns reports the same identity,
// letting remote Hello replies reveal a loopback self-connection.
func NewManager(settings Settings, store p2pnet.Store, peers *peerdb.DB, ids IdentitySource, sess p2pnet.Settings, log *slog.Logger) (*Manager, error) {
	if err := Validate(settings); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	var peerID [16]byte
	if _, err := rand.Read(peerID[:]); err != nil {
		return nil, newErr(ErrClosed, "failed to generate local peer id: "+err.Error())
	}
	return &Manager{
		settings:    settings,
		store:       store,
		peers:       peers,
		ids:         ids,
		sess:        sess,
		log:         log,
		localPeerID: peerID,
		incoming:    make(map[string]*p2pnet.Session),
		outgoing:    make(map[string]*p2pnet.Session),
	}, nil
}

// Run listens (unless Light), dials outbound candidates, and blocks
// until ctx is canceled. On cancellation it closes the listener,
// terminates every session, and emits the shutdown event.
func (m *Manager) Run(ctx context.Context) error {
	if !m.settings.Light {
		ln, err := net.Listen("tcp", m.settings.ListenAddr)
		if err != nil {
			return newErr(ErrClosed, err.Error())
		}
		m.mu.Lock()
		m.listener = ln
		m.mu.Unlock()
		go m.acceptLoop(ctx)
	}

	go m.dialLoop(ctx)

	<-ctx.Done()
	return m.shutdown()
}

// Addr returns the listener's bound address, or ("", false) before the
// listener is up or in light mode.
func (m *Manager) Addr() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener == nil {
		return "", false
	}
	return m.listener.Addr().String(), true
}

func (m *Manager) shutdown() error {
	m.mu.Lock()
	ln := m.listener
	m.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}

	m.mu.Lock()
	sessions := make([]*p2pnet.Session, 0, len(m.incoming)+len(m.outgoing))
	for _, s := range m.incoming {
		sessions = append(sessions, s)
	}
	for _, s := range m.outgoing {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}

	if m.OnShutdown != nil {
		m.OnShutdown()
	}
	return nil
}

func (m *Manager) acceptLoop(ctx context.Context) {
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				m.log.Warn("network: accept failed", slog.Any("error", err))
				return
			}
		}
		if m.atCapacity() {
			_ = conn.Close()
			continue
		}
		go m.adopt(ctx, conn, true)
	}
}

// atCapacity reports whether the manager already holds MAX_CONNECTIONS
// live sessions.
func (m *Manager) atCapacity() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.incoming)+len(m.outgoing) >= m.settings.MaxConnections
}

func (m *Manager) dialLoop(ctx context.Context) {
	ticker := time.NewTicker(m.settings.DialInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.dialSweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) dialSweep(ctx context.Context) {
	if m.atCapacity() {
		return
	}
	for _, cand := range m.peers.UnverifiedCandidates() {
		if m.atCapacity() {
			return
		}
		if m.settings.DialJitter > 0 {
			n, err := rand.Int(rand.Reader, big.NewInt(int64(m.settings.DialJitter)))
			if err == nil {
				time.Sleep(time.Duration(n.Int64()))
			}
		}
		go m.dial(ctx, cand)
	}
}

func (m *Manager) dial(ctx context.Context, p peerdb.Peer) {
	dialCtx, cancel := context.WithTimeout(ctx, m.settings.HandshakeTimeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", p.Key())
	if err != nil {
		if dialCtx.Err() == context.DeadlineExceeded {
			err = newErr(ErrHandshakeTimeout, err.Error())
		}
		m.log.Debug("network: dial failed", slog.String("peer", p.Key()), slog.Any("error", err))
		return
	}
	m.peers.MarkVerified(p)
	m.adopt(ctx, conn, false)
}

func (m *Manager) adopt(ctx context.Context, conn net.Conn, inbound bool) {
	addr := conn.RemoteAddr().String()

	onBlacklist := func(remoteAddr string) {
		if p, err := peerdb.ParsePeer(remoteAddr); err == nil {
			m.peers.MarkBlacklisted(p)
		}
	}
	sess := p2pnet.NewSession(conn, m.localPeerID, m.store, m.sess, onBlacklist, m.peers, m.log)

	m.mu.Lock()
	if inbound {
		m.incoming[addr] = sess
	} else {
		m.outgoing[addr] = sess
	}
	m.mu.Unlock()

	go m.watchActivation(sess)

	var known [][32]byte
	if m.ids != nil {
		known = m.ids.KnownIdentities()
	}
	err := sess.Run(ctx, known)
	if err != nil {
		m.log.Debug("network: session ended", slog.String("addr", addr), slog.Any("error", err))
	}

	m.mu.Lock()
	delete(m.incoming, addr)
	delete(m.outgoing, addr)
	m.mu.Unlock()
}

// watchActivation emits the online event the first time any session
// this manager owns reaches Active.
func (m *Manager) watchActivation(sess *p2pnet.Session) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		switch sess.State() {
		case p2pnet.StateActive:
			m.onlineOnce.Do(func() {
				if m.OnOnline != nil {
					m.OnOnline()
				}
			})
			return
		case p2pnet.StateClosed:
			return
		}
	}
}

// LocalPeerID returns the process-scoped random id used to detect
// loopback self-connections.
func (m *Manager) LocalPeerID() [16]byte { return m.localPeerID }

// BroadcastAddresses pushes a NodeBroadcast carrying addrs to every live
// session. It is the AnnounceFunc a composition root wires into
// peerdb.DB.RunAnnounceLoop for the periodic announce sweep.
func (m *Manager) BroadcastAddresses(addrs []string) {
	m.mu.Lock()
	sessions := make([]*p2pnet.Session, 0, len(m.incoming)+len(m.outgoing))
	for _, s := range m.incoming {
		sessions = append(sessions, s)
	}
	for _, s := range m.outgoing {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		if err := s.SendNodeBroadcast(addrs); err != nil {
			m.log.Debug("network: announce broadcast failed", slog.Any("error", newErr(ErrSendFailed, err.Error())))
		}
	}
}
