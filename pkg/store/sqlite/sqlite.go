// Package sqlite implements store.LeaseStore on SQLite.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jxucoder/efimeral/pkg/model"
	"github.com/jxucoder/efimeral/pkg/store"
)

// Store manages lease and event persistence in SQLite.
type Store struct {
	db *sql.DB
}

var _ store.LeaseStore = (*Store)(nil)

// New opens (or creates) a SQLite database at the given path.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent read/write performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS leases (
			id            TEXT PRIMARY KEY,
			task_id       TEXT NOT NULL DEFAULT '',
			cluster       TEXT NOT NULL DEFAULT '',
			host          TEXT NOT NULL DEFAULT '',
			route_id      TEXT NOT NULL DEFAULT '',
			route_address TEXT NOT NULL DEFAULT '',
			route_url     TEXT NOT NULL DEFAULT '',
			image         TEXT NOT NULL DEFAULT '',
			state         TEXT NOT NULL,
			detached      INTEGER NOT NULL DEFAULT 0,
			stopped       INTEGER NOT NULL DEFAULT 0,
			reason        TEXT NOT NULL DEFAULT '',
			error         TEXT NOT NULL DEFAULT '',
			created_at    DATETIME NOT NULL,
			deadline      DATETIME NOT NULL,
			updated_at    DATETIME NOT NULL,
			terminated_at DATETIME
		);

		CREATE INDEX IF NOT EXISTS idx_leases_state ON leases(state);

		CREATE TABLE IF NOT EXISTS lease_events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			lease_id   TEXT NOT NULL,
			type       TEXT NOT NULL,
			data       TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT (datetime('now')),
			FOREIGN KEY (lease_id) REFERENCES leases(id)
		);

		CREATE INDEX IF NOT EXISTS idx_events_lease_id
			ON lease_events(lease_id);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveLease inserts the lease or replaces the existing row.
func (s *Store) SaveLease(l *model.Lease) error {
	var terminatedAt sql.NullTime
	if !l.TerminatedAt.IsZero() {
		terminatedAt = sql.NullTime{Time: l.TerminatedAt, Valid: true}
	}
	_, err := s.db.Exec(
		`INSERT INTO leases (id, task_id, cluster, host, route_id, route_address, route_url,
		                     image, state, detached, stopped, reason, error,
		                     created_at, deadline, updated_at, terminated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			task_id = excluded.task_id, cluster = excluded.cluster, host = excluded.host,
			route_id = excluded.route_id, route_address = excluded.route_address,
			route_url = excluded.route_url, image = excluded.image, state = excluded.state,
			detached = excluded.detached, stopped = excluded.stopped,
			reason = excluded.reason, error = excluded.error,
			deadline = excluded.deadline, updated_at = excluded.updated_at,
			terminated_at = excluded.terminated_at`,
		l.ID, l.Instance.TaskID, l.Instance.Cluster, l.Instance.Host,
		l.Route.ID, l.Route.Address, l.Route.URL,
		l.Image, l.State, l.Detached, l.Stopped, l.Reason, l.Error,
		l.CreatedAt.UTC(), l.Deadline.UTC(), l.UpdatedAt.UTC(), terminatedAt,
	)
	if err != nil {
		return fmt.Errorf("saving lease %s: %w", l.ID, err)
	}
	return nil
}

const leaseColumns = `id, task_id, cluster, host, route_id, route_address, route_url,
	image, state, detached, stopped, reason, error,
	created_at, deadline, updated_at, terminated_at`

// GetLease retrieves a lease by ID. A missing row yields store.ErrNotFound.
func (s *Store) GetLease(id string) (*model.Lease, error) {
	row := s.db.QueryRow(`SELECT `+leaseColumns+` FROM leases WHERE id = ?`, id)
	l, err := scanLease(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lease %s: %w", id, store.ErrNotFound)
	}
	return l, err
}

// ListLeases returns all leases ordered by creation time (newest first).
func (s *Store) ListLeases() ([]*model.Lease, error) {
	rows, err := s.db.Query(`SELECT ` + leaseColumns + ` FROM leases ORDER BY created_at DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var leases []*model.Lease
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, err
		}
		leases = append(leases, l)
	}
	return leases, rows.Err()
}

// DeleteLease removes a lease and its events.
func (s *Store) DeleteLease(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM lease_events WHERE lease_id = ?`, id); err != nil {
		return fmt.Errorf("deleting events for %s: %w", id, err)
	}
	if _, err := tx.Exec(`DELETE FROM leases WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting lease %s: %w", id, err)
	}
	return tx.Commit()
}

// AddEvent inserts a new event and sets its ID.
func (s *Store) AddEvent(event *model.Event) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	result, err := s.db.Exec(
		`INSERT INTO lease_events (lease_id, type, data, created_at)
		 VALUES (?, ?, ?, ?)`,
		event.LeaseID, event.Type, event.Data, event.CreatedAt,
	)
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	event.ID = id
	return nil
}

// GetEvents returns events for a lease, optionally after a given event ID.
func (s *Store) GetEvents(leaseID string, afterID int64) ([]*model.Event, error) {
	rows, err := s.db.Query(
		`SELECT id, lease_id, type, data, created_at
		 FROM lease_events
		 WHERE lease_id = ? AND id > ?
		 ORDER BY id ASC`,
		leaseID, afterID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*model.Event
	for rows.Next() {
		e := &model.Event{}
		if err := rows.Scan(&e.ID, &e.LeaseID, &e.Type, &e.Data, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanLease(row scannable) (*model.Lease, error) {
	l := &model.Lease{}
	var terminatedAt sql.NullTime
	err := row.Scan(
		&l.ID, &l.Instance.TaskID, &l.Instance.Cluster, &l.Instance.Host,
		&l.Route.ID, &l.Route.Address, &l.Route.URL,
		&l.Image, &l.State, &l.Detached, &l.Stopped, &l.Reason, &l.Error,
		&l.CreatedAt, &l.Deadline, &l.UpdatedAt, &terminatedAt,
	)
	if err != nil {
		return nil, err
	}
	if terminatedAt.Valid {
		l.TerminatedAt = terminatedAt.Time
	}
	return l, nil
}
