package state

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.filesync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second

	// configBucketPrefix namespaces the section buckets of the config store.
	configBucketPrefix = "config:"
)

var sessionsBucket = []byte("sessions")

func configBucket(section string) []byte {
	return []byte(configBucketPrefix + section)
}

// SessionRecord summarises one client or server session.
type SessionRecord struct {
	Role        string    `json:"role" yaml:"role"`
	Peer        string    `json:"peer" yaml:"peer"`
	Started     time.Time `json:"started" yaml:"started"`
	Finished    time.Time `json:"finished" yaml:"finished"`
	Since       uint32    `json:"since" yaml:"since"`
	Pushed      int       `json:"pushed" yaml:"pushed"`
	Fetched     int       `json:"fetched" yaml:"fetched"`
	DirsCreated int       `json:"dirs_created" yaml:"dirs_created"`
	Skipped     int       `json:"skipped" yaml:"skipped"`
	Bytes       uint64    `json:"bytes" yaml:"bytes"`
	Error       string    `json:"error,omitempty" yaml:"error,omitempty"`
}

// State wraps a bbolt database holding the section/key settings store
// and the session history.
type State struct {
	db *bolt.DB
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Get returns the value stored under section/key, or empty string.
func (s *State) Get(section, key string) string {
	var value string

	_ = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(configBucket(section))
		if b == nil {
			return nil
		}

		if v := b.Get([]byte(key)); v != nil {
			value = string(v)
		}

		return nil
	})

	return value
}

// Set stores value under section/key, creating the section as needed.
func (s *State) Set(section, key, value string) error {
	if section == "" || key == "" {
		return fmt.Errorf("section and key are required")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(configBucket(section))
		if err != nil {
			return err
		}

		return b.Put([]byte(key), []byte(value))
	})
}

// SetDefault stores value only when section/key is unset. Returns true
// if the value was written.
func (s *State) SetDefault(section, key, value string) (bool, error) {
	written := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(configBucket(section))
		if err != nil {
			return err
		}

		if b.Get([]byte(key)) != nil {
			return nil
		}

		written = true

		return b.Put([]byte(key), []byte(value))
	})

	return written, err
}

// Settings returns every section and its key/value pairs.
func (s *State) Settings() (map[string]map[string]string, error) {
	result := make(map[string]map[string]string)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bolt.Bucket) error {
			section, ok := strings.CutPrefix(string(name), configBucketPrefix)
			if !ok {
				return nil
			}

			values := make(map[string]string)
			result[section] = values

			return b.ForEach(func(k, v []byte) error {
				values[string(k)] = string(v)
				return nil
			})
		})
	})

	return result, err
}

// RecordSession appends a session summary to the history, keyed by its
// start time.
func (s *State) RecordSession(rec SessionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(rec.Started.UnixNano()))

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Put(key, data)
	})
}

// Sessions returns up to limit session records, newest first. A limit
// of zero or less returns all of them.
func (s *State) Sessions(limit int) ([]SessionRecord, error) {
	var records []SessionRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(sessionsBucket).Cursor()

		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(records) >= limit {
				break
			}

			var rec SessionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}

			records = append(records, rec)
		}

		return nil
	})

	return records, err
}
