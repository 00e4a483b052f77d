// Package cache is the persistent tile store backing every cached source.
//
// Tiles live in a single bbolt file: one bucket holds raw tile bytes keyed
// by the tile identity key ("source/z/x/y"), a second holds a small binary
// meta record per key (stored-at timestamp and an empty marker). Missing
// tiles are cached too — a meta record flagged empty with no data — so a
// source that returned "no tile here" is not re-fetched on every pass.
//
// bbolt keeps this a single pure-Go file with transactional writes, so a
// crash mid-seed never leaves a half-written tile visible.
package cache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketTiles = []byte("tiles")
	bucketMeta  = []byte("meta")
)

// ErrNotFound is returned by Get for keys that were never stored.
var ErrNotFound = errors.New("cache: tile not found")

// ErrCorrupted is returned when a stored record cannot be decoded.
var ErrCorrupted = errors.New("cache: corrupted entry")

// Entry is one cached tile.
type Entry struct {
	// Data is the raw tile payload. Nil when Empty.
	Data []byte

	// StoredAt is when the entry was written (UTC).
	StoredAt time.Time

	// Empty marks a negative entry: the source reported that this tile
	// does not exist.
	Empty bool
}

// Cache is a bbolt-backed tile store. Safe for concurrent use; bbolt
// serializes writers internally.
type Cache struct {
	db        *bbolt.DB
	closeOnce sync.Once
	closeErr  error
}

// Open opens (or creates) the cache file at path.
func Open(path string) (*Cache, error) {
	opts := &bbolt.Options{Timeout: 0} // non-blocking open
	db, err := bbolt.Open(path, 0o640, opts)
	if err != nil {
		return nil, fmt.Errorf("cache: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketTiles); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cache: init buckets: %w", err)
	}

	return &Cache{db: db}, nil
}

// Put stores tile bytes under key, replacing any previous entry.
func (c *Cache) Put(key string, data []byte) error {
	meta := marshalMeta(metaRecord{storedAtMs: time.Now().UnixMilli()})
	return c.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketTiles).Put([]byte(key), data); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put([]byte(key), meta)
	})
}

// PutEmpty records a negative entry: the source has no tile for key.
func (c *Cache) PutEmpty(key string) error {
	meta := marshalMeta(metaRecord{storedAtMs: time.Now().UnixMilli(), empty: true})
	return c.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketTiles).Delete([]byte(key)); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put([]byte(key), meta)
	})
}

// Get retrieves the entry for key, or ErrNotFound.
func (c *Cache) Get(key string) (*Entry, error) {
	var e Entry
	err := c.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketMeta).Get([]byte(key))
		if raw == nil {
			return ErrNotFound
		}
		rec, err := unmarshalMeta(raw)
		if err != nil {
			return err
		}
		e.StoredAt = time.UnixMilli(rec.storedAtMs).UTC()
		e.Empty = rec.empty
		if rec.empty {
			return nil
		}
		data := tx.Bucket(bucketTiles).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%w: meta without data for %s", ErrCorrupted, key)
		}
		// Copy out: bbolt values are only valid inside the transaction.
		e.Data = append([]byte(nil), data...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Delete removes the entry for key. Deleting an absent key is a no-op.
func (c *Cache) Delete(key string) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketTiles).Delete([]byte(key)); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Delete([]byte(key))
	})
}

// Stats summarizes cache contents.
type Stats struct {
	Entries int   `json:"entries"`
	Empties int   `json:"empties"`
	Bytes   int64 `json:"bytes"`
}

// Stat walks the cache and returns entry and byte totals. O(n) over
// entries; intended for the stats endpoint, not hot paths.
func (c *Cache) Stat() (Stats, error) {
	var s Stats
	err := c.db.View(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketMeta).ForEach(func(k, v []byte) error {
			rec, err := unmarshalMeta(v)
			if err != nil {
				return err
			}
			s.Entries++
			if rec.empty {
				s.Empties++
			}
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket(bucketTiles).ForEach(func(k, v []byte) error {
			s.Bytes += int64(len(v))
			return nil
		})
	})
	return s, err
}

// SweepOlder removes every entry stored before cutoff and returns how many
// were removed.
func (c *Cache) SweepOlder(cutoff time.Time) (int, error) {
	cutoffMs := cutoff.UnixMilli()
	removed := 0
	err := c.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		tiles := tx.Bucket(bucketTiles)

		// Collect first; deleting while iterating the same bucket is not
		// allowed by bbolt.
		var stale [][]byte
		if err := meta.ForEach(func(k, v []byte) error {
			rec, err := unmarshalMeta(v)
			if err != nil {
				return err
			}
			if rec.storedAtMs < cutoffMs {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}

		for _, k := range stale {
			if err := meta.Delete(k); err != nil {
				return err
			}
			if err := tiles.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// Close closes the underlying database. Safe to call more than once.
func (c *Cache) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.db.Close()
	})
	return c.closeErr
}

// ---- serialisation helpers -------------------------------------------------
// Meta records are a compact binary structure:
//
//	[version  : 1 byte            ]
//	[storedAt : 8 bytes, int64 ms ]
//	[flags    : 1 byte, bit0=empty]
//
// Decoding tolerates longer records so fields can be appended later.

const metaVersion = 1

type metaRecord struct {
	storedAtMs int64
	empty      bool
}

func marshalMeta(r metaRecord) []byte {
	buf := make([]byte, 10)
	buf[0] = metaVersion
	binary.BigEndian.PutUint64(buf[1:], uint64(r.storedAtMs))
	if r.empty {
		buf[9] |= 1
	}
	return buf
}

func unmarshalMeta(buf []byte) (metaRecord, error) {
	if len(buf) < 10 {
		return metaRecord{}, fmt.Errorf("%w: meta record too short (%d bytes)", ErrCorrupted, len(buf))
	}
	return metaRecord{
		storedAtMs: int64(binary.BigEndian.Uint64(buf[1:])),
		empty:      buf[9]&1 != 0,
	}, nil
}
