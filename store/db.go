// Package store provides a durable, content-addressed block store backed
// by bbolt: dedup on insert, per-subscriber notification of first-seen
// blocks, mutable-block conflict resolution, and lifetime-based eviction.
package store

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"cubenet.dev/node/cube"
	"cubenet.dev/node/hashengine"
)

var (
	bucketContent = []byte("blocks_by_hash")
	bucketMutable = []byte("blocks_by_pubkey")
)

// Settings are the store's immutable tunables.
type Settings struct {
	Difficulty int
	Lifetime   cube.LifetimeParams
}

// DefaultSettings matches nodeconf's defaults.
func DefaultSettings() Settings {
	return Settings{Difficulty: 20, Lifetime: cube.DefaultLifetimeParams()}
}

func (s Settings) Validate() error {
	if s.Difficulty < 0 {
		return fmt.Errorf("store: difficulty must be non-negative")
	}
	return nil
}

// DB is a durable, content-addressed block store.
type DB struct {
	dir      string
	db       *bolt.DB
	manifest *Manifest
	eng      hashengine.Engine
	settings Settings
	log      *slog.Logger

	subMu sync.Mutex
	subs  []chan [32]byte

	idMu       sync.Mutex
	idSnapshot [][32]byte
	idValid    bool
}

// Open opens (creating if necessary) the bbolt file and manifest under dir.
func Open(dir string, settings Settings, log *slog.Logger) (*DB, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	if err := ensureDir(dir); err != nil {
		return nil, err
	}

	path := filepath.Join(dir, "cubes.db")
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt: %w", err)
	}

	d := &DB{
		dir:      dir,
		db:       bdb,
		settings: settings,
		log:      log,
	}

	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketContent, bucketMutable} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", string(b), err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	m, err := readManifest(dir)
	if err != nil {
		m = &Manifest{SchemaVersion: SchemaVersionV1}
		if werr := writeManifestAtomic(dir, m); werr != nil {
			_ = bdb.Close()
			return nil, werr
		}
	}
	if m.SchemaVersion > SchemaVersionV1 {
		_ = bdb.Close()
		return nil, fmt.Errorf("manifest schema_version %d > supported %d", m.SchemaVersion, SchemaVersionV1)
	}
	d.manifest = m

	return d, nil
}

func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Subscribe registers a new listener for first-seen block identities and
// returns its channel. Each peer session holds its own subscription, so
// one insertion reaches every connected peer. Notification is
// non-blocking: a subscriber that falls more than the buffer behind
// misses identities rather than stalling writers.
func (d *DB) Subscribe() <-chan [32]byte {
	ch := make(chan [32]byte, 64)
	d.subMu.Lock()
	d.subs = append(d.subs, ch)
	d.subMu.Unlock()
	return ch
}

// Unsubscribe removes a channel previously returned by Subscribe.
func (d *DB) Unsubscribe(ch <-chan [32]byte) {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	for i, sub := range d.subs {
		if sub == ch {
			d.subs = append(d.subs[:i], d.subs[i+1:]...)
			return
		}
	}
}

func (d *DB) notify(id [32]byte) {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	for _, sub := range d.subs {
		select {
		case sub <- id:
		default:
			d.log.Warn("store: added notification dropped, subscriber full", slog.String("identity", fmt.Sprintf("%x", id)))
		}
	}
}

// Add decodes and validates buf, then inserts it. Decoding errors
// (including difficulty failure) propagate as an error and the store is
// left unchanged. A duplicate content-addressed block returns its
// existing identity with added=false and no notification. A mutable
// block that fails conflict resolution against the currently stored
// version is also reported as added=false, not an error.
func (d *DB) Add(buf []byte) (identity [32]byte, added bool, err error) {
	block, err := cube.Decode(buf, d.eng, d.settings.Difficulty)
	if err != nil {
		return identity, false, err
	}
	identity = block.Identity(d.eng)

	switch block.Kind {
	case cube.KindMutable:
		added, err = d.addMutable(identity, block, buf)
	case cube.KindIPB:
		added, err = d.addIPB(identity, block, buf)
	default:
		added, err = d.addContent(identity, buf)
	}
	if err != nil {
		return identity, false, err
	}
	if added {
		d.invalidateIdentities()
		d.notify(identity)
	}
	return identity, added, nil
}

// invalidateIdentities drops the cached AllIdentities snapshot; it is
// rebuilt lazily on the next call after any successful insertion or
// deletion.
func (d *DB) invalidateIdentities() {
	d.idMu.Lock()
	d.idValid = false
	d.idSnapshot = nil
	d.idMu.Unlock()
}

// AllIdentities returns every identity currently admitted to the store,
// across both the content-addressed and mutable buckets. The result is a
// cached snapshot, rebuilt on first call after any successful insertion
// or deletion and reused until the next one.
func (d *DB) AllIdentities() ([][32]byte, error) {
	d.idMu.Lock()
	defer d.idMu.Unlock()
	if d.idValid {
		return d.idSnapshot, nil
	}

	var out [][32]byte
	err := d.db.View(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketContent, bucketMutable} {
			if err := tx.Bucket(bucket).ForEach(func(k, _ []byte) error {
				var id [32]byte
				copy(id[:], k)
				out = append(out, id)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.idSnapshot = out
	d.idValid = true
	return out, nil
}

// KnownIdentities adapts AllIdentities to network's IdentitySource
// interface, logging and returning an empty set on error rather than
// failing a session's seed step.
func (d *DB) KnownIdentities() [][32]byte {
	ids, err := d.AllIdentities()
	if err != nil {
		d.log.Warn("store: failed to snapshot identities", slog.Any("error", err))
		return nil
	}
	return ids
}

func (d *DB) addContent(identity [32]byte, buf []byte) (bool, error) {
	added := false
	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContent)
		if b.Get(identity[:]) != nil {
			return nil
		}
		added = true
		return b.Put(identity[:], buf)
	})
	return added, err
}

// addMutable implements the store's MUC conflict-resolution rule: an
// incoming block replaces the stored one iff its date is strictly
// greater, or (on equal dates) its full-buffer digest is lexicographically
// greater. Signature validity was already checked by cube.Decode.
func (d *DB) addMutable(identity [32]byte, incoming *cube.Block, buf []byte) (bool, error) {
	replaced := false
	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMutable)
		existing := b.Get(identity[:])
		if existing == nil {
			replaced = true
			return b.Put(identity[:], buf)
		}

		existingBlock, err := cube.Decode(existing, d.eng, 0)
		if err != nil {
			// A corrupt stored entry loses to any valid incoming block.
			d.log.Warn("store: stored MUC failed to redecode, replacing", slog.String("identity", fmt.Sprintf("%x", identity)))
			replaced = true
			return b.Put(identity[:], buf)
		}

		if incoming.Date > existingBlock.Date {
			replaced = true
		} else if incoming.Date == existingBlock.Date {
			if greaterDigest(d.eng.Hash(buf), d.eng.Hash(existing)) {
				replaced = true
			}
		}
		if !replaced {
			d.log.Debug("store: rejecting stale MUC replacement", slog.String("identity", fmt.Sprintf("%x", identity)))
			return nil
		}
		return b.Put(identity[:], buf)
	})
	return replaced, err
}

// addIPB stores an immutable-persistence block under its truncated
// content identity. A re-publication of the same content with a later
// date replaces the stored buffer in place, extending the block's
// lifetime without a new identity or a fresh added-notification; anyone
// may perform the extension since no signature binds the date.
func (d *DB) addIPB(identity [32]byte, incoming *cube.Block, buf []byte) (bool, error) {
	inserted := false
	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContent)
		existing := b.Get(identity[:])
		if existing == nil {
			inserted = true
			return b.Put(identity[:], buf)
		}
		existingBlock, err := cube.Decode(existing, d.eng, 0)
		if err != nil || incoming.Date > existingBlock.Date {
			return b.Put(identity[:], buf)
		}
		return nil
	})
	return inserted, err
}

func greaterDigest(a, b [32]byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] > b[i]
		}
	}
	return false
}

// Get returns the raw buffer for an identity, whether it is an
// immutable/IPB content hash or a MUC public key: it checks the
// content-addressed bucket first, then the mutable bucket.
func (d *DB) Get(identity [32]byte) ([]byte, bool, error) {
	if buf, ok, err := d.lookup(bucketContent, identity); err != nil || ok {
		return buf, ok, err
	}
	return d.lookup(bucketMutable, identity)
}

// GetMutable returns the raw buffer currently stored for a MUC public key.
func (d *DB) GetMutable(pubkey [32]byte) ([]byte, bool, error) {
	return d.lookup(bucketMutable, pubkey)
}

func (d *DB) lookup(bucket []byte, key [32]byte) ([]byte, bool, error) {
	var out []byte
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucket).Get(key[:])
		if v == nil {
			return nil
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

// Has reports whether identity is present under either bucket, matching
// Get's generic-over-both-identity-spaces contract.
func (d *DB) Has(identity [32]byte) (bool, error) {
	_, ok, err := d.Get(identity)
	return ok, err
}

// Delete removes an entry by identity from whichever bucket holds it.
// It serves eviction and local administration; it is never exposed to
// peers.
func (d *DB) Delete(identity [32]byte) error {
	err := d.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketContent, bucketMutable} {
			b := tx.Bucket(bucket)
			if b.Get(identity[:]) != nil {
				return b.Delete(identity[:])
			}
		}
		return nil
	})
	if err == nil {
		d.invalidateIdentities()
	}
	return err
}
