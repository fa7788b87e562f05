package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/TobiSchelling/nour/internal/signal"
	"github.com/rotisserie/eris"
)

// SignalFilter narrows ListSignals. Zero values match everything.
type SignalFilter struct {
	Kind   signal.Kind
	Since  time.Time
	Limit  int
	Offset int
}

// UpsertSignal stores a signal keyed by (org, kind, period). Recomputing the
// same period replaces the earlier values and keeps the row id. s.ID is set.
func (db *DB) UpsertSignal(ctx context.Context, s *signal.Signal) error {
	payload, err := json.Marshal(s.Payload)
	if err != nil {
		return eris.Wrapf(err, "database: marshal %s payload", s.Kind)
	}
	createdAt := s.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	err = db.conn.QueryRowContext(ctx,
		`INSERT INTO signals (org_id, kind, period_start, period_end, payload, score, threshold, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (org_id, kind, period_start, period_end) DO UPDATE SET
			payload = excluded.payload,
			score = excluded.score,
			threshold = excluded.threshold,
			created_at = excluded.created_at
		RETURNING id`,
		s.OrgID, string(s.Kind), formatTime(s.Period.Start), formatTime(s.Period.End),
		string(payload), s.Score, s.Threshold, formatTime(createdAt),
	).Scan(&s.ID)
	if err != nil {
		return eris.Wrapf(err, "database: upsert %s signal", s.Kind)
	}
	return nil
}

// GetSignal returns a signal by id, or nil if it does not exist.
func (db *DB) GetSignal(ctx context.Context, orgID, id int64) (*signal.Signal, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+signalColumns+` FROM signals WHERE org_id = ? AND id = ?`, orgID, id)
	s, err := scanSignal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ListSignals returns an organization's signals, newest first.
func (db *DB) ListSignals(ctx context.Context, orgID int64, f SignalFilter) ([]signal.Signal, error) {
	where := []string{"org_id = ?"}
	args := []any{orgID}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(f.Since))
	}

	query := `SELECT ` + signalColumns + ` FROM signals WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at DESC, id DESC`
	query, args = paginate(query, args, f.Limit, f.Offset)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "database: list signals")
	}
	defer rows.Close()

	var out []signal.Signal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, eris.Wrap(rows.Err(), "database: iterate signals")
}

const signalColumns = `id, org_id, kind, period_start, period_end, payload, score, threshold, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSignal(row scanner) (*signal.Signal, error) {
	var (
		s                         signal.Signal
		kind, start, end, payload string
		createdAt                 string
	)
	if err := row.Scan(&s.ID, &s.OrgID, &kind, &start, &end, &payload, &s.Score, &s.Threshold, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "database: scan signal")
	}
	s.Kind = signal.Kind(kind)

	var err error
	if s.Period.Start, err = parseTime(start); err != nil {
		return nil, err
	}
	if s.Period.End, err = parseTime(end); err != nil {
		return nil, err
	}
	if s.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &s.Payload); err != nil {
		return nil, eris.Wrapf(err, "database: decode signal %d payload", s.ID)
	}
	return &s, nil
}

func paginate(query string, args []any, limit, offset int) (string, []any) {
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
		if offset > 0 {
			query += " OFFSET ?"
			args = append(args, offset)
		}
	} else if offset > 0 {
		query += " LIMIT -1 OFFSET ?"
		args = append(args, offset)
	}
	return query, args
}
