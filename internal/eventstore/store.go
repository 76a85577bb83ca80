// Package eventstore persists fired alarm events: firing events append a
// row, resolved events close the matching open row. At most one open row
// exists per fingerprint.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gridwatch/gridwatch/internal/dbpool"
	"github.com/gridwatch/gridwatch/internal/models"
)

// ErrNotFound is returned when no event matches the requested id.
var ErrNotFound = errors.New("alarm event not found")

// ErrNoOpenEvent is returned when a resolve arrives for a fingerprint with
// no open firing row.
var ErrNoOpenEvent = errors.New("no open event for fingerprint")

// Store is the alarm-event persistence layer.
type Store struct {
	pool *dbpool.Pool
}

// New constructs a Store over an initialized pool.
func New(pool *dbpool.Pool) *Store {
	return &Store{pool: pool}
}

const eventColumns = "id, fingerprint, status, labels_json, annotations_json, starts_at, ends_at, generator_url, created_at, updated_at"

// Bootstrap idempotently creates the alarm_events table and its indexes.
func (s *Store) Bootstrap(ctx context.Context) error {
	stmt := `CREATE TABLE IF NOT EXISTS alarm_events (
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		fingerprint VARCHAR(512) NOT NULL,
		status VARCHAR(16) NOT NULL,
		labels_json TEXT,
		annotations_json TEXT,
		starts_at DATETIME(3) NOT NULL,
		ends_at DATETIME(3) NULL,
		generator_url VARCHAR(512) NOT NULL DEFAULT '',
		created_at DATETIME(3) NOT NULL,
		updated_at DATETIME(3) NOT NULL,
		KEY idx_alarm_events_fingerprint (fingerprint(255)),
		KEY idx_alarm_events_status (status),
		KEY idx_alarm_events_starts_at (starts_at),
		KEY idx_alarm_events_created_at (created_at)
	)`
	return s.pool.WithConn(ctx, func(conn dbpool.Conn) error {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap alarm_events: %w", err)
		}
		return nil
	})
}

// Process applies one emitted event: firing inserts a new open row,
// resolved closes the open row for the fingerprint. Resolving without an
// open row is a consistency error: logged, surfaced, and otherwise ignored
// by callers.
func (s *Store) Process(ctx context.Context, event *models.AlarmEvent) error {
	switch event.Status {
	case models.StatusFiring:
		return s.insertFiring(ctx, event)
	case models.StatusResolved:
		return s.resolveOpen(ctx, event)
	default:
		return fmt.Errorf("unknown event status %q", event.Status)
	}
}

func (s *Store) insertFiring(ctx context.Context, event *models.AlarmEvent) error {
	labels, err := json.Marshal(event.Labels)
	if err != nil {
		return fmt.Errorf("marshal labels: %w", err)
	}
	annotations, err := json.Marshal(event.Annotations)
	if err != nil {
		return fmt.Errorf("marshal annotations: %w", err)
	}
	now := time.Now().UTC().Truncate(time.Millisecond)

	err = s.pool.WithConn(ctx, func(conn dbpool.Conn) error {
		_, err := conn.ExecContext(ctx,
			`INSERT INTO alarm_events (fingerprint, status, labels_json, annotations_json,
				starts_at, ends_at, generator_url, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, NULL, ?, ?, ?)`,
			event.Fingerprint, string(models.StatusFiring), string(labels), string(annotations),
			event.StartsAt.UTC(), event.GeneratorURL, now, now)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert firing event %s: %w", event.Fingerprint, err)
	}
	return nil
}

func (s *Store) resolveOpen(ctx context.Context, event *models.AlarmEvent) error {
	endsAt := time.Now().UTC()
	if event.EndsAt != nil {
		endsAt = event.EndsAt.UTC()
	}
	now := time.Now().UTC().Truncate(time.Millisecond)

	var affected int64
	err := s.pool.WithConn(ctx, func(conn dbpool.Conn) error {
		res, err := conn.ExecContext(ctx,
			`UPDATE alarm_events SET status = ?, ends_at = ?, updated_at = ?
			 WHERE fingerprint = ? AND status = ? AND ends_at IS NULL`,
			string(models.StatusResolved), endsAt, now,
			event.Fingerprint, string(models.StatusFiring))
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("resolve event %s: %w", event.Fingerprint, err)
	}
	if affected == 0 {
		log.Error().Str("fingerprint", event.Fingerprint).Msg("Resolve received with no open firing event")
		return fmt.Errorf("resolve event %s: %w", event.Fingerprint, ErrNoOpenEvent)
	}
	return nil
}

// ListActive returns all open firing events.
func (s *Store) ListActive(ctx context.Context) ([]models.PersistedAlarmEvent, error) {
	return s.list(ctx,
		`SELECT `+eventColumns+` FROM alarm_events WHERE status = ? AND ends_at IS NULL ORDER BY starts_at DESC`,
		string(models.StatusFiring))
}

// ListByFingerprint returns the event history of one fingerprint.
func (s *Store) ListByFingerprint(ctx context.Context, fingerprint string) ([]models.PersistedAlarmEvent, error) {
	return s.list(ctx,
		`SELECT `+eventColumns+` FROM alarm_events WHERE fingerprint = ? ORDER BY starts_at DESC`,
		fingerprint)
}

// ListRecent returns the most recent events up to limit.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]models.PersistedAlarmEvent, error) {
	if limit < 1 {
		limit = models.DefaultPageSize
	}
	if limit > models.MaxPageSize {
		limit = models.MaxPageSize
	}
	return s.list(ctx,
		`SELECT `+eventColumns+` FROM alarm_events ORDER BY created_at DESC LIMIT ?`, limit)
}

// GetByID fetches one event.
func (s *Store) GetByID(ctx context.Context, id int64) (*models.PersistedAlarmEvent, error) {
	var ev *models.PersistedAlarmEvent
	err := s.pool.WithConn(ctx, func(conn dbpool.Conn) error {
		row := conn.QueryRowContext(ctx,
			`SELECT `+eventColumns+` FROM alarm_events WHERE id = ?`, id)
		e, err := scanEvent(row)
		if err != nil {
			return err
		}
		ev = e
		return nil
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get event %d: %w", id, err)
	}
	return ev, nil
}

// ListPaginated returns one page of events, optionally filtered by status.
func (s *Store) ListPaginated(ctx context.Context, page, pageSize int, statusFilter string) ([]models.PersistedAlarmEvent, models.Pagination, error) {
	page, pageSize = models.ClampPage(page, pageSize)

	where := ""
	args := []any{}
	if statusFilter != "" {
		where = " WHERE status = ?"
		args = append(args, statusFilter)
	}

	var total int64
	var events []models.PersistedAlarmEvent
	err := s.pool.WithConn(ctx, func(conn dbpool.Conn) error {
		if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM alarm_events`+where, args...).Scan(&total); err != nil {
			return err
		}
		listArgs := append(append([]any{}, args...), pageSize, (page-1)*pageSize)
		rows, err := conn.QueryContext(ctx,
			`SELECT `+eventColumns+` FROM alarm_events`+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`,
			listArgs...)
		if err != nil {
			return err
		}
		defer rows.Close()
		events, err = scanEvents(rows)
		return err
	})
	if err != nil {
		return nil, models.Pagination{}, fmt.Errorf("list events page %d: %w", page, err)
	}
	return events, models.NewPagination(page, pageSize, total), nil
}

// CountActive returns the number of open firing events.
func (s *Store) CountActive(ctx context.Context) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM alarm_events WHERE status = ? AND ends_at IS NULL`,
		string(models.StatusFiring))
}

// CountTotal returns the total number of persisted events.
func (s *Store) CountTotal(ctx context.Context) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM alarm_events`)
}

func (s *Store) count(ctx context.Context, stmt string, args ...any) (int64, error) {
	var n int64
	err := s.pool.WithConn(ctx, func(conn dbpool.Conn) error {
		return conn.QueryRowContext(ctx, stmt, args...).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func (s *Store) list(ctx context.Context, stmt string, args ...any) ([]models.PersistedAlarmEvent, error) {
	var events []models.PersistedAlarmEvent
	err := s.pool.WithConn(ctx, func(conn dbpool.Conn) error {
		rows, err := conn.QueryContext(ctx, stmt, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		events, err = scanEvents(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*models.PersistedAlarmEvent, error) {
	var e models.PersistedAlarmEvent
	var status, labels, annotations string
	var endsAt sql.NullTime
	if err := row.Scan(&e.ID, &e.Fingerprint, &status, &labels, &annotations,
		&e.StartsAt, &endsAt, &e.GeneratorURL, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Status = models.EventStatus(status)
	if endsAt.Valid {
		t := endsAt.Time
		e.EndsAt = &t
	}
	if labels != "" {
		if err := json.Unmarshal([]byte(labels), &e.Labels); err != nil {
			log.Warn().Err(err).Int64("id", e.ID).Msg("Corrupt labels_json on alarm event")
		}
	}
	if annotations != "" {
		if err := json.Unmarshal([]byte(annotations), &e.Annotations); err != nil {
			log.Warn().Err(err).Int64("id", e.ID).Msg("Corrupt annotations_json on alarm event")
		}
	}
	return &e, nil
}

func scanEvents(rows *sql.Rows) ([]models.PersistedAlarmEvent, error) {
	var out []models.PersistedAlarmEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}
