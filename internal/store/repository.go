// Package store persists a small local record of observed sessions so
// the status command works offline and restarts do not start blind.
// It mirrors what the event feed reported, never the other way around.
package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"overseer/internal/types"
)

var (
	bucketSessionMeta = []byte("session_meta")
	bucketTodos       = []byte("todos")
)

// SessionRecord is the persisted view of one session: the last session
// payload plus the last status the feed reported for it.
type SessionRecord struct {
	Session         types.Session       `json:"session"`
	Status          types.SessionStatus `json:"status"`
	StatusChangedAt time.Time           `json:"statusChangedAt"`
	UpdatedAt       time.Time           `json:"updatedAt"`
}

type Repository struct {
	db *bolt.DB
	mu sync.Mutex
}

func Open(path string) (*Repository, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("repository db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func initSchema(db *bolt.DB) error {
	return db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketSessionMeta); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketTodos); err != nil {
			return err
		}
		return nil
	})
}

// PutSession updates the stored session payload, keeping whatever
// status was recorded before.
func (r *Repository) PutSession(session types.Session) error {
	sessionID := strings.TrimSpace(session.ID)
	if sessionID == "" {
		return errors.New("session id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessionMeta)
		record := SessionRecord{Status: types.SessionStatusIdle}
		if raw := b.Get([]byte(sessionID)); raw != nil {
			_ = json.Unmarshal(raw, &record)
		}
		record.Session = types.CloneSession(session)
		record.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return b.Put([]byte(sessionID), data)
	})
}

// PutSessionStatus records a status transition. Unknown sessions get a
// stub record so status history survives out-of-order arrival.
func (r *Repository) PutSessionStatus(sessionID string, status types.SessionStatus, at time.Time) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("session id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessionMeta)
		record := SessionRecord{}
		if raw := b.Get([]byte(sessionID)); raw != nil {
			_ = json.Unmarshal(raw, &record)
		}
		if record.Session.ID == "" {
			record.Session.ID = sessionID
		}
		record.Status = status
		record.StatusChangedAt = at.UTC()
		record.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return b.Put([]byte(sessionID), data)
	})
}

// PutTodos replaces the stored plan for a session.
func (r *Repository) PutTodos(sessionID string, todos []types.TodoItem) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("session id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTodos)
		if len(todos) == 0 {
			return b.Delete([]byte(sessionID))
		}
		data, err := json.Marshal(types.CloneTodos(todos))
		if err != nil {
			return err
		}
		return b.Put([]byte(sessionID), data)
	})
}

// DeleteSession removes the record and its todos.
func (r *Repository) DeleteSession(sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("session id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketSessionMeta).Delete([]byte(sessionID)); err != nil {
			return err
		}
		return tx.Bucket(bucketTodos).Delete([]byte(sessionID))
	})
}

// Sessions returns all stored records ordered by most recent update.
func (r *Repository) Sessions() ([]SessionRecord, error) {
	out := make([]SessionRecord, 0)
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessionMeta)
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var record SessionRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			out = append(out, record)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].Session.ID < out[j].Session.ID
	})
	return out, nil
}

// Todos returns the stored plan for a session, or nil when none exists.
func (r *Repository) Todos(sessionID string) ([]types.TodoItem, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	var out []types.TodoItem
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTodos)
		if b == nil {
			return nil
		}
		raw := b.Get([]byte(sessionID))
		if raw == nil {
			return nil
		}
		var todos []types.TodoItem
		if err := json.Unmarshal(raw, &todos); err != nil {
			return err
		}
		out = todos
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
