package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/raniellyferreira/localfirst-replica/protocol"
)

// Bolt stores each change log in its own bucket of a bbolt file. Keys are
// big-endian bucket sequence numbers, so a cursor walk yields append order.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens or creates the database file at path
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	return &Bolt{db: db}, nil
}

// Log returns the named log, creating its bucket if needed
func (b *Bolt) Log(name string) (ChangeLog, error) {
	if name == "" {
		return nil, fmt.Errorf("bolt: empty log name")
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("bolt: create bucket %q: %w", name, err)
	}
	return &boltLog{db: b.db, bucket: []byte(name)}, nil
}

// Path returns the database file path
func (b *Bolt) Path() string {
	return b.db.Path()
}

// Close closes the database file
func (b *Bolt) Close() error {
	return b.db.Close()
}

type boltLog struct {
	db     *bolt.DB
	bucket []byte
}

func (l *boltLog) Append(ctx context.Context, changes ...protocol.Change) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(l.bucket)
		if bkt == nil {
			return fmt.Errorf("bolt: bucket %q missing", l.bucket)
		}
		for _, c := range changes {
			raw, err := encodeChange(c)
			if err != nil {
				return err
			}
			seq, err := bkt.NextSequence()
			if err != nil {
				return err
			}
			var key [8]byte
			binary.BigEndian.PutUint64(key[:], seq)
			if err := bkt.Put(key[:], raw); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *boltLog) Load(ctx context.Context) ([]protocol.Change, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []protocol.Change
	err := l.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(l.bucket)
		if bkt == nil {
			return nil
		}
		return bkt.ForEach(func(k, v []byte) error {
			c, err := decodeChange(v)
			if err != nil {
				return fmt.Errorf("record %d: %w", binary.BigEndian.Uint64(k), err)
			}
			out = append(out, c)
			return nil
		})
	})
	return out, err
}

func (l *boltLog) Len(ctx context.Context) (int, error) {
	n := 0
	err := l.db.View(func(tx *bolt.Tx) error {
		if bkt := tx.Bucket(l.bucket); bkt != nil {
			n = bkt.Stats().KeyN
		}
		return nil
	})
	return n, err
}

func (l *boltLog) Close() error {
	return nil
}
