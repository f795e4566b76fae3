// Package store persists the last applied gains and a short retune history
// in a storm (BoltDB) file.
package store

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/asdine/storm/v3"
	"github.com/asdine/storm/v3/index"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/multierr"

	"github.com/cjeanneret/MotorGo/internal/debug"
	"github.com/cjeanneret/MotorGo/internal/logic/control"
)

// currentID is the key of the single "current gains" record.
const currentID = 1

// Current holds the last applied gains.
type Current struct {
	ID        int           `storm:"id"`
	Gains     control.Gains `json:"gains"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Retune is one history entry.
type Retune struct {
	ID    int           `storm:"increment" json:"id"`
	Gains control.Gains `json:"gains"`
	At    time.Time     `storm:"index" json:"at"`
}

// Store implements control.GainStore.
type Store struct {
	db  *storm.DB
	now func() time.Time
}

// Open opens (or creates) the database file.
func Open(path string) (*Store, error) {
	db, err := storm.Open(path, storm.BoltOptions(0o600, &bolt.Options{Timeout: time.Second}))
	if err != nil {
		return nil, fmt.Errorf("open gain store %s: %w", path, err)
	}
	for _, rec := range []interface{}{&Current{}, &Retune{}} {
		if err := db.Init(rec); err != nil {
			return nil, multierr.Append(fmt.Errorf("init gain store: %w", err), db.Close())
		}
	}
	debug.Verbose("Gain store: %s", path)
	return &Store{db: db, now: time.Now}, nil
}

// SaveGains records g as the current gains and appends it to the history.
func (s *Store) SaveGains(g control.Gains) error {
	at := s.now()
	tx, err := s.db.Begin(true)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := tx.Save(&Current{ID: currentID, Gains: g, UpdatedAt: at}); err != nil {
		return fmt.Errorf("save current gains: %w", err)
	}
	if err := tx.Save(&Retune{Gains: g, At: at}); err != nil {
		return fmt.Errorf("save retune: %w", err)
	}
	return tx.Commit()
}

// LoadGains returns the last saved gains. ok is false when nothing was
// saved yet.
func (s *Store) LoadGains() (g control.Gains, ok bool, err error) {
	var cur Current
	if err := s.db.One("ID", currentID, &cur); err != nil {
		if errors.Is(err, storm.ErrNotFound) {
			return control.Gains{}, false, nil
		}
		return control.Gains{}, false, fmt.Errorf("load gains: %w", err)
	}
	return cur.Gains, true, nil
}

// History returns up to limit retunes, newest first. limit <= 0 returns
// all of them.
func (s *Store) History(limit int) ([]Retune, error) {
	var out []Retune
	opts := []func(*index.Options){storm.Reverse()}
	if limit > 0 {
		opts = append(opts, storm.Limit(limit))
	}
	err := s.db.All(&out, opts...)
	if err != nil && !errors.Is(err, storm.ErrNotFound) {
		return nil, fmt.Errorf("load retune history: %w", err)
	}
	return out, nil
}

// Close closes the database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Remove deletes a database file, ignoring a missing one.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
