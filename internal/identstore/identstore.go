// Package identstore persists the identity→tunnel-port map on the server.
//
// The backing store is a single bbolt file with one bucket. Keys are the
// URL-safe base64 of the raw identity bytes, so the on-disk map stays
// printable for operators inspecting or backing up the database. Values are
// the allocated port as a big-endian uint16. Every mutation commits inside a
// bbolt transaction, which fsyncs before returning, so a binding survives a
// process kill the moment Put or Allocate comes back.
//
// Concurrent access from multiple server processes on the same file is not
// supported; bbolt's file lock enforces this.
package identstore

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("idents")

// ErrRangeFull is returned by Allocate when every port in the configured
// range is already bound to some identity.
var ErrRangeFull = errors.New("tunnel port range exhausted")

// Item is one stored identity→port binding, as listed by Items.
type Item struct {
	// Key is the URL-safe base64 form of the identity.
	Key string

	// Port is the tunnel port bound to that identity.
	Port uint16
}

// Store is an open identity database.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the identity database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening identity db %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initialising identity db: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Key returns the printable store key for a raw identity.
func Key(ident []byte) string {
	return base64.URLEncoding.EncodeToString(ident)
}

// Get returns the port bound to ident, with ok reporting whether a binding
// exists.
func (s *Store) Get(ident []byte) (port uint16, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get([]byte(Key(ident)))
		if v == nil {
			return nil
		}
		port, ok = decodePort(v)
		return nil
	})
	return port, ok, err
}

// Put durably binds ident to port. The write is synced to disk on return.
func (s *Store) Put(ident []byte, port uint16) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(Key(ident)), encodePort(port))
	})
}

// Allocate resolves the tunnel port for ident within [lo, hi] inclusive.
// An existing in-range binding is reused untouched. Otherwise the lowest
// port in the range not bound to any identity is claimed and durably
// written before return, which also re-homes identities whose stored port
// fell outside a reconfigured range. Returns ErrRangeFull when no port is
// free.
func (s *Store) Allocate(ident []byte, lo, hi uint16) (uint16, error) {
	var port uint16
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		key := []byte(Key(ident))

		if v := b.Get(key); v != nil {
			if p, ok := decodePort(v); ok && p >= lo && p <= hi {
				port = p
				return nil
			}
		}

		inUse := make(map[uint16]bool)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if p, ok := decodePort(v); ok {
				inUse[p] = true
			}
		}

		for p := uint32(lo); p <= uint32(hi); p++ {
			if !inUse[uint16(p)] {
				port = uint16(p)
				return b.Put(key, encodePort(port))
			}
		}
		return ErrRangeFull
	})
	if err != nil {
		return 0, err
	}
	return port, nil
}

// Ports returns the set of tunnel ports currently bound to any identity.
func (s *Store) Ports() (map[uint16]bool, error) {
	inUse := make(map[uint16]bool)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(_, v []byte) error {
			if p, ok := decodePort(v); ok {
				inUse[p] = true
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return inUse, nil
}

// Items returns every stored binding in key order, for administrative
// listing.
func (s *Store) Items() ([]Item, error) {
	var items []Item
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(k, v []byte) error {
			if p, ok := decodePort(v); ok {
				items = append(items, Item{Key: string(k), Port: p})
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// Remove deletes the binding stored under the given printable key. Removing
// an absent key is not an error.
func (s *Store) Remove(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(key))
	})
}

func encodePort(p uint16) []byte {
	v := make([]byte, 2)
	binary.BigEndian.PutUint16(v, p)
	return v
}

func decodePort(v []byte) (uint16, bool) {
	if len(v) != 2 {
		return 0, false
	}
	return binary.BigEndian.Uint16(v), true
}
