// Package rulestore persists alarm rule definitions in the relational
// backend. All statements use parameter binding; no string interpolation.
package rulestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gridwatch/gridwatch/internal/dbpool"
	"github.com/gridwatch/gridwatch/internal/models"
)

// ErrNotFound is returned when no rule matches the requested id.
var ErrNotFound = errors.New("alarm rule not found")

// ErrDuplicateName is returned when a create or update collides with an
// existing alert_name.
var ErrDuplicateName = errors.New("alert name already exists")

// Store is the alarm-rule CRUD layer over a pooled relational backend.
type Store struct {
	pool *dbpool.Pool
}

// New constructs a Store over an initialized pool.
func New(pool *dbpool.Pool) *Store {
	return &Store{pool: pool}
}

const ruleColumns = "id, alert_name, expression_json, for_duration, severity, summary, description, alert_type, enabled, created_at, updated_at"

// Bootstrap idempotently creates the alarm_rules table and its indexes.
func (s *Store) Bootstrap(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS alarm_rules (
			id VARCHAR(36) NOT NULL PRIMARY KEY,
			alert_name VARCHAR(255) NOT NULL,
			expression_json TEXT NOT NULL,
			for_duration VARCHAR(16) NOT NULL DEFAULT '0s',
			severity VARCHAR(32) NOT NULL DEFAULT 'warning',
			summary TEXT,
			description TEXT,
			alert_type VARCHAR(64) NOT NULL DEFAULT '',
			enabled TINYINT(1) NOT NULL DEFAULT 1,
			created_at DATETIME(3) NOT NULL,
			updated_at DATETIME(3) NOT NULL,
			UNIQUE KEY uk_alarm_rules_alert_name (alert_name),
			KEY idx_alarm_rules_enabled (enabled),
			KEY idx_alarm_rules_severity (severity),
			KEY idx_alarm_rules_alert_type (alert_type)
		)`,
	}
	return s.pool.WithConn(ctx, func(conn dbpool.Conn) error {
		for _, stmt := range stmts {
			if _, err := conn.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("bootstrap alarm_rules: %w", err)
			}
		}
		return nil
	})
}

// Create inserts a new rule, assigning id and timestamps.
func (s *Store) Create(ctx context.Context, rule *models.AlarmRule) (*models.AlarmRule, error) {
	out := *rule
	out.ID = uuid.NewString()
	now := time.Now().UTC().Truncate(time.Millisecond)
	out.CreatedAt = now
	out.UpdatedAt = now

	err := s.pool.WithConn(ctx, func(conn dbpool.Conn) error {
		_, err := conn.ExecContext(ctx,
			`INSERT INTO alarm_rules (`+ruleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			out.ID, out.AlertName, string(out.Expression), out.ForDuration, out.Severity,
			out.Summary, out.Description, out.AlertType, out.Enabled, out.CreatedAt, out.UpdatedAt)
		return err
	})
	if err != nil {
		if isDuplicateKey(err) {
			return nil, fmt.Errorf("create rule %q: %w", out.AlertName, ErrDuplicateName)
		}
		return nil, fmt.Errorf("create rule %q: %w", out.AlertName, err)
	}
	log.Info().Str("id", out.ID).Str("alert_name", out.AlertName).Msg("Alarm rule created")
	return &out, nil
}

// Get fetches one rule by id.
func (s *Store) Get(ctx context.Context, id string) (*models.AlarmRule, error) {
	var rule *models.AlarmRule
	err := s.pool.WithConn(ctx, func(conn dbpool.Conn) error {
		row := conn.QueryRowContext(ctx,
			`SELECT `+ruleColumns+` FROM alarm_rules WHERE id = ?`, id)
		r, err := scanRule(row)
		if err != nil {
			return err
		}
		rule = r
		return nil
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get rule %s: %w", id, err)
	}
	return rule, nil
}

// Update replaces the mutable fields of an existing rule. Idempotent under
// identical payloads apart from updated_at.
func (s *Store) Update(ctx context.Context, rule *models.AlarmRule) (*models.AlarmRule, error) {
	out := *rule
	out.UpdatedAt = time.Now().UTC().Truncate(time.Millisecond)

	var affected int64
	err := s.pool.WithConn(ctx, func(conn dbpool.Conn) error {
		res, err := conn.ExecContext(ctx,
			`UPDATE alarm_rules SET alert_name = ?, expression_json = ?, for_duration = ?,
				severity = ?, summary = ?, description = ?, alert_type = ?, enabled = ?, updated_at = ?
			 WHERE id = ?`,
			out.AlertName, string(out.Expression), out.ForDuration, out.Severity,
			out.Summary, out.Description, out.AlertType, out.Enabled, out.UpdatedAt, out.ID)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		if isDuplicateKey(err) {
			return nil, fmt.Errorf("update rule %s: %w", out.ID, ErrDuplicateName)
		}
		return nil, fmt.Errorf("update rule %s: %w", out.ID, err)
	}
	if affected == 0 {
		// Idempotent update of identical payload also reports 0 affected
		// rows on MySQL; distinguish by re-reading.
		if existing, err := s.Get(ctx, out.ID); err == nil {
			return existing, nil
		}
		return nil, ErrNotFound
	}
	return &out, nil
}

// Delete removes a rule by id.
func (s *Store) Delete(ctx context.Context, id string) error {
	var affected int64
	err := s.pool.WithConn(ctx, func(conn dbpool.Conn) error {
		res, err := conn.ExecContext(ctx, `DELETE FROM alarm_rules WHERE id = ?`, id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("delete rule %s: %w", id, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	log.Info().Str("id", id).Msg("Alarm rule deleted")
	return nil
}

// ListAll returns every rule ordered by alert name.
func (s *Store) ListAll(ctx context.Context) ([]models.AlarmRule, error) {
	return s.list(ctx, `SELECT `+ruleColumns+` FROM alarm_rules ORDER BY alert_name`)
}

// ListEnabled returns only enabled rules; this is the rule engine's reload
// source each evaluation tick.
func (s *Store) ListEnabled(ctx context.Context) ([]models.AlarmRule, error) {
	return s.list(ctx, `SELECT `+ruleColumns+` FROM alarm_rules WHERE enabled = 1 ORDER BY alert_name`)
}

// ListPaginated returns one page of rules plus the applied window.
func (s *Store) ListPaginated(ctx context.Context, page, pageSize int, enabledOnly bool) ([]models.AlarmRule, models.Pagination, error) {
	page, pageSize = models.ClampPage(page, pageSize)

	where := ""
	if enabledOnly {
		where = " WHERE enabled = 1"
	}

	var total int64
	var rules []models.AlarmRule
	err := s.pool.WithConn(ctx, func(conn dbpool.Conn) error {
		if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM alarm_rules`+where).Scan(&total); err != nil {
			return err
		}
		rows, err := conn.QueryContext(ctx,
			`SELECT `+ruleColumns+` FROM alarm_rules`+where+` ORDER BY alert_name LIMIT ? OFFSET ?`,
			pageSize, (page-1)*pageSize)
		if err != nil {
			return err
		}
		defer rows.Close()
		rules, err = scanRules(rows)
		return err
	})
	if err != nil {
		return nil, models.Pagination{}, fmt.Errorf("list rules page %d: %w", page, err)
	}
	return rules, models.NewPagination(page, pageSize, total), nil
}

func (s *Store) list(ctx context.Context, stmt string) ([]models.AlarmRule, error) {
	var rules []models.AlarmRule
	err := s.pool.WithConn(ctx, func(conn dbpool.Conn) error {
		rows, err := conn.QueryContext(ctx, stmt)
		if err != nil {
			return err
		}
		defer rows.Close()
		rules, err = scanRules(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	return rules, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*models.AlarmRule, error) {
	var r models.AlarmRule
	var expr string
	if err := row.Scan(&r.ID, &r.AlertName, &expr, &r.ForDuration, &r.Severity,
		&r.Summary, &r.Description, &r.AlertType, &r.Enabled, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Expression = []byte(expr)
	return &r, nil
}

func scanRules(rows *sql.Rows) ([]models.AlarmRule, error) {
	var out []models.AlarmRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func isDuplicateKey(err error) bool {
	return err != nil && strings.Contains(err.Error(), "Duplicate entry")
}
