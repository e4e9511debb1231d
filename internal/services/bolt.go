package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/MegaGrindStone/shutup-web-ui/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB implements the session store using a BoltDB file as scratch space. Sessions only live as long
// as the process: the file is wiped when it is opened and removed when it is closed.
type BoltDB struct {
	db   *bolt.DB
	path string
}

var sessionsBucket = []byte("sessions")

// NewBoltDB creates a new BoltDB instance at the specified file path. Any file left at path by a
// previous run is removed first. The database file is created with 0600 permissions.
func NewBoltDB(path string) (BoltDB, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return BoltDB{}, fmt.Errorf("failed to remove stale bolt db: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, fmt.Errorf("failed to create sessions bucket: %w", err)
	}

	return BoltDB{db: db, path: path}, nil
}

// Session retrieves the session stored under id, or models.ErrSessionNotFound.
func (b BoltDB) Session(_ context.Context, id string) (models.Session, error) {
	var session models.Session
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(sessionsBucket).Get([]byte(id))
		if v == nil {
			return models.ErrSessionNotFound
		}
		if err := json.Unmarshal(v, &session); err != nil {
			return fmt.Errorf("failed to unmarshal session: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.Session{}, err
	}
	return session, nil
}

// SaveSession stores the session under its ID, replacing any previous version.
func (b BoltDB) SaveSession(_ context.Context, session models.Session) error {
	if session.ID == "" {
		return errors.New("session ID is required")
	}

	v, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Put([]byte(session.ID), v)
	})
}

// Close closes the database and deletes its file.
func (b BoltDB) Close() error {
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("failed to close bolt db: %w", err)
	}
	if err := os.Remove(b.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove bolt db: %w", err)
	}
	return nil
}
