// Package store persists captured screenshots in a local bbolt database.
package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"

	"github.com/breeze-rmm/deskcap/internal/metrics"
	"github.com/breeze-rmm/deskcap/internal/screen"
)

const bucketScreenshots = "screenshots"

var ErrNotFound = errors.New("store: not found")

// Record is one archived display snapshot.
type Record struct {
	ID         string    `msgpack:"id" json:"id"`
	Display    int       `msgpack:"display" json:"display"`
	Width      int       `msgpack:"width" json:"width"`
	Height     int       `msgpack:"height" json:"height"`
	CapturedAt time.Time `msgpack:"captured_at" json:"capturedAt"`
	PNG        []byte    `msgpack:"png" json:"-"`
}

// Meta is a record without its image data.
type Meta struct {
	ID         string    `json:"id"`
	Display    int       `json:"display"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	CapturedAt time.Time `json:"capturedAt"`
	Size       int       `json:"size"`
}

// Archive keeps at most retention screenshots, dropping the oldest first.
// A retention of zero keeps everything.
type Archive struct {
	db        *bbolt.DB
	retention int
}

// Open opens or creates the archive at path.
func Open(path string, retention int) (*Archive, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create archive dir: %w", err)
		}
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketScreenshots))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bucket %s: %w", bucketScreenshots, err)
	}
	return &Archive{db: db, retention: retention}, nil
}

func (a *Archive) Close() error {
	return a.db.Close()
}

// Archive stores shots and returns their ids in the same order.
func (a *Archive) Archive(ctx context.Context, shots []screen.Snapshot) ([]string, error) {
	ids := make([]string, 0, len(shots))
	err := a.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketScreenshots))
		for _, s := range shots {
			at := s.CapturedAt
			if at.IsZero() {
				at = time.Now().UTC()
			}
			id, err := recordKey(at)
			if err != nil {
				return err
			}
			data, err := msgpack.Marshal(Record{
				ID:         id,
				Display:    s.Display,
				Width:      s.Width,
				Height:     s.Height,
				CapturedAt: at,
				PNG:        s.PNG,
			})
			if err != nil {
				return fmt.Errorf("marshal record: %w", err)
			}
			if err := b.Put([]byte(id), data); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return a.prune(b)
	})
	if err != nil {
		return nil, err
	}
	metrics.ScreenshotsArchived.Add(float64(len(ids)))
	return ids, nil
}

// prune deletes the oldest records beyond the retention limit. Keys sort
// by capture time.
func (a *Archive) prune(b *bbolt.Bucket) error {
	if a.retention <= 0 {
		return nil
	}
	c := b.Cursor()
	n := 0
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	excess := n - a.retention
	if excess <= 0 {
		return nil
	}
	var stale [][]byte
	for k, _ := c.First(); k != nil && len(stale) < excess; k, _ = c.Next() {
		stale = append(stale, append([]byte(nil), k...))
	}
	for _, k := range stale {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// List returns up to limit records, newest first. A limit of zero returns
// everything.
func (a *Archive) List(ctx context.Context, limit int) ([]Meta, error) {
	items := make([]Meta, 0)
	return items, a.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucketScreenshots)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if limit > 0 && len(items) >= limit {
				return nil
			}
			var r Record
			if err := msgpack.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("unmarshal record %s: %w", k, err)
			}
			items = append(items, Meta{
				ID:         r.ID,
				Display:    r.Display,
				Width:      r.Width,
				Height:     r.Height,
				CapturedAt: r.CapturedAt,
				Size:       len(r.PNG),
			})
		}
		return nil
	})
}

// Get returns the full record for id.
func (a *Archive) Get(ctx context.Context, id string) (Record, error) {
	var r Record
	err := a.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		v := tx.Bucket([]byte(bucketScreenshots)).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		return msgpack.Unmarshal(v, &r)
	})
	return r, err
}

func recordKey(ts time.Time) (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("random suffix: %w", err)
	}
	return fmt.Sprintf("%020d-%s", ts.UnixNano(), hex.EncodeToString(buf)), nil
}
