package database

import (
	"context"

	"github.com/rotisserie/eris"
)

// Stats summarizes what an organization has stored.
type Stats struct {
	Records           map[string]int
	Signals           int
	Rules             int
	EnabledRules      int
	Narratives        map[string]int
	LatestSignalAt    string
	LatestNarrativeAt string
}

// GetStats counts an organization's records, signals, rules and narratives.
func (db *DB) GetStats(ctx context.Context, orgID int64) (*Stats, error) {
	s := &Stats{Records: map[string]int{}, Narratives: map[string]int{}}

	if err := db.groupCounts(ctx, s.Records,
		"SELECT domain, COUNT(*) FROM records WHERE org_id = ? GROUP BY domain", orgID); err != nil {
		return nil, err
	}
	if err := db.groupCounts(ctx, s.Narratives,
		"SELECT status, COUNT(*) FROM narratives WHERE org_id = ? GROUP BY status", orgID); err != nil {
		return nil, err
	}

	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(MAX(created_at), '') FROM signals WHERE org_id = ?`, orgID,
	).Scan(&s.Signals, &s.LatestSignalAt)
	if err != nil {
		return nil, eris.Wrap(err, "database: count signals")
	}
	err = db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(enabled), 0) FROM rules WHERE org_id = ?`, orgID,
	).Scan(&s.Rules, &s.EnabledRules)
	if err != nil {
		return nil, eris.Wrap(err, "database: count rules")
	}
	err = db.conn.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(generated_at), '') FROM narratives WHERE org_id = ?`, orgID,
	).Scan(&s.LatestNarrativeAt)
	if err != nil {
		return nil, eris.Wrap(err, "database: latest narrative")
	}
	return s, nil
}

func (db *DB) groupCounts(ctx context.Context, into map[string]int, query string, args ...any) error {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return eris.Wrap(err, "database: group counts")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return eris.Wrap(err, "database: scan count")
		}
		into[key] = n
	}
	return eris.Wrap(rows.Err(), "database: iterate counts")
}
