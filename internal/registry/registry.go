// Package registry implements the controller's durable VM Registry: the
// sole authoritative record of which VMs this controller created, backed by
// go.etcd.io/bbolt so a crash during a write leaves the record either
// present in full or absent, never partial.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

// FileName is the name of the persisted store within the registry directory.
const FileName = "vm_object_store.dat"

var vmBucket = []byte("vms")

// Record is the durable record for one VM this controller spawned.
type Record struct {
	Name      string    `json:"name"`
	ProfileID string    `json:"profile_id"`
	QueueName string    `json:"queue_name"`
	SpawnTime time.Time `json:"spawn_time"`
}

// Registry is the durable vm_name -> Record store. The zero value is not
// usable; construct with Open.
type Registry struct {
	db *bbolt.DB
}

// Open creates dir if it does not exist and opens (or initializes) the
// bbolt-backed store at <dir>/vm_object_store.dat. Failure here is fatal to
// the controller: without a registry there is nowhere to record ownership.
func Open(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}

	path := filepath.Join(dir, FileName)
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open registry store: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(vmBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize registry bucket: %w", err)
	}

	return &Registry{db: db}, nil
}

// Close releases the underlying file. Safe to call once, at shutdown.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Put writes record under its own name in a single committed transaction.
// A Put failure is fatal for the spawn that produced record: the controller
// returns before issuing the cloud create call, so no VM is requested
// without a registry entry.
func (r *Registry) Put(record Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record %q: %w", record.Name, err)
	}
	return r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(vmBucket).Put([]byte(record.Name), data)
	})
}

// Get returns the record for name, or ok=false if no such record exists.
func (r *Registry) Get(name string) (rec Record, ok bool, err error) {
	err = r.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(vmBucket).Get([]byte(name))
		if data == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(data, &rec)
	})
	return rec, ok, err
}

// Delete removes the record for name, if present. Deleting an absent name
// is not an error; it is a no-op.
func (r *Registry) Delete(name string) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(vmBucket).Delete([]byte(name))
	})
}

// ErrStopIteration lets an Iter callback halt early without signaling a
// real error.
var ErrStopIteration = errors.New("stop iteration")

// Iter calls fn for every record currently in the registry, in key order.
// If fn returns ErrStopIteration, iteration stops and Iter returns nil. Any
// other error from fn aborts iteration and is returned to the caller.
func (r *Registry) Iter(fn func(Record) error) error {
	err := r.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(vmBucket).ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode record %q: %w", k, err)
			}
			return fn(rec)
		})
	})
	if errors.Is(err, ErrStopIteration) {
		return nil
	}
	return err
}

// ForProfile returns every record owned by profileID.
func (r *Registry) ForProfile(profileID string) ([]Record, error) {
	var out []Record
	err := r.Iter(func(rec Record) error {
		if rec.ProfileID == profileID {
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// Count returns the number of records owned by profileID.
func (r *Registry) Count(profileID string) (int, error) {
	recs, err := r.ForProfile(profileID)
	return len(recs), err
}
