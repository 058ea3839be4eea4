package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	bolt "go.etcd.io/bbolt"

	"cubenet.dev/node/cube"
)

// EvictOnce scans both buckets and deletes blocks older than the lifetime
// implied by their mined difficulty, using now as the current time.
// Eviction runs inside a single bbolt write transaction per bucket, so
// concurrent readers see either the old entry or no entry, never a
// partially deleted buffer (bbolt's MVCC guarantees this).
func (d *DB) EvictOnce(now time.Time) (evicted int, err error) {
	for _, bucket := range [][]byte{bucketContent, bucketMutable} {
		n, err := d.evictBucket(bucket, now)
		if err != nil {
			return evicted, err
		}
		evicted += n
	}
	if evicted > 0 {
		d.invalidateIdentities()
		d.manifest.EvictedTotal += uint64(evicted)
		if err := writeManifestAtomic(d.dir, d.manifest); err != nil {
			d.log.Warn("store: failed to persist eviction count", slog.Any("error", err))
		}
	}
	return evicted, nil
}

func (d *DB) evictBucket(bucket []byte, now time.Time) (int, error) {
	var stale [][32]byte
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
			block, err := cube.Decode(v, d.eng, 0)
			if err != nil {
				d.log.Warn("store: skipping undecodable entry during eviction", slog.Any("error", err))
				return nil
			}
			if d.expired(block, v, now) {
				var key [32]byte
				copy(key[:], k)
				stale = append(stale, key)
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}
	err = d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		for _, key := range stale {
			if err := b.Delete(key[:]); err != nil {
				return fmt.Errorf("evict delete: %w", err)
			}
		}
		return nil
	})
	return len(stale), err
}

func (d *DB) expired(block *cube.Block, buf []byte, now time.Time) bool {
	digest := d.eng.Hash(buf)
	achieved := d.eng.TrailingZeroBits(digest)
	if achieved < 1 {
		achieved = 1 // log2(0) is undefined; a zero-difficulty block gets the floor lifetime.
	}
	lifetimeDays := d.settings.Lifetime.LifetimeDays(float64(achieved))
	ageSeconds := now.Unix() - int64(block.Date)
	return float64(ageSeconds) > lifetimeDays*86400
}

// RunEvictionLoop runs EvictOnce on interval until ctx is canceled.
func (d *DB) RunEvictionLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.EvictOnce(time.Now()); err != nil {
				d.log.Warn("store: eviction sweep failed", slog.Any("error", err))
			}
		}
	}
}
