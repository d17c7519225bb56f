// Package archive keeps completed calibration ensembles in sqlite.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/copyleftdev/hpacal/internal/calibration"
)

// Entry is one archived calibration. List leaves Ensemble nil.
type Entry struct {
	ID         string                `json:"id"`
	Job        string                `json:"job,omitempty"`
	Model      string                `json:"model"`
	Study      string                `json:"study"`
	Cohort     string                `json:"cohort"`
	Algorithm  string                `json:"algorithm"`
	Created    time.Time             `json:"created"`
	Successful int                   `json:"successful"`
	Ensemble   *calibration.Ensemble `json:"ensemble,omitempty"`
}

// Store is a sqlite archive. It must be initialized before use and is safe
// for concurrent use.
type Store struct {
	dsn string

	mu sync.RWMutex
	db *sql.DB
}

func NewStore(dsn string) *Store {
	return &Store{dsn: dsn}
}

// Init opens the database and creates the schema.
func (s *Store) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dsn == "" {
		return errors.New("archive dsn is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.dsn)
	if err != nil {
		return err
	}
	// sqlite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}
	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

// Save stores e, replacing an entry with the same id.
func (s *Store) Save(ctx context.Context, e Entry) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	if e.ID == "" {
		return errors.New("archive entry needs an id")
	}
	if e.Ensemble == nil {
		return fmt.Errorf("archive entry %s has no ensemble", e.ID)
	}
	if e.Created.IsZero() {
		e.Created = time.Now()
	}

	payload, err := json.Marshal(e.Ensemble)
	if err != nil {
		return fmt.Errorf("encode ensemble %s: %w", e.ID, err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO ensembles (id, job, model, study, cohort, algorithm, created, successful, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			job = excluded.job,
			model = excluded.model,
			study = excluded.study,
			cohort = excluded.cohort,
			algorithm = excluded.algorithm,
			created = excluded.created,
			successful = excluded.successful,
			payload = excluded.payload
	`, e.ID, e.Job, e.Model, e.Study, e.Cohort, e.Algorithm,
		e.Created.UTC().UnixNano(), len(e.Ensemble.Successful()), payload)
	return err
}

// Get returns the entry with its ensemble. The bool is false when no entry
// has that id.
func (s *Store) Get(ctx context.Context, id string) (Entry, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return Entry{}, false, err
	}

	var (
		e       Entry
		created int64
		payload []byte
	)
	err = db.QueryRowContext(ctx, `
		SELECT id, job, model, study, cohort, algorithm, created, successful, payload
		FROM ensembles WHERE id = ?
	`, id).Scan(&e.ID, &e.Job, &e.Model, &e.Study, &e.Cohort, &e.Algorithm, &created, &e.Successful, &payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	e.Created = time.Unix(0, created).UTC()

	e.Ensemble = &calibration.Ensemble{}
	if err := json.Unmarshal(payload, e.Ensemble); err != nil {
		return Entry{}, false, fmt.Errorf("decode ensemble %s: %w", id, err)
	}
	return e, true, nil
}

// List returns up to limit entries, newest first, without their ensembles.
// A non-positive limit lists everything.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, job, model, study, cohort, algorithm, created, successful
		FROM ensembles ORDER BY created DESC, id LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			created int64
		)
		if err := rows.Scan(&e.ID, &e.Job, &e.Model, &e.Study, &e.Cohort, &e.Algorithm, &created, &e.Successful); err != nil {
			return nil, err
		}
		e.Created = time.Unix(0, created).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// Delete removes an entry. Deleting a missing id is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `DELETE FROM ensembles WHERE id = ?`, id)
	return err
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("archive is not initialized")
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS ensembles (
			id TEXT PRIMARY KEY,
			job TEXT NOT NULL,
			model TEXT NOT NULL,
			study TEXT NOT NULL,
			cohort TEXT NOT NULL,
			algorithm TEXT NOT NULL,
			created INTEGER NOT NULL,
			successful INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS ensembles_created ON ensembles (created);
	`)
	return err
}
