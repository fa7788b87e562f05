package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/TobiSchelling/nour/internal/signal"
	"github.com/rotisserie/eris"
)

// recordTimes names the fields that bound a record's lifetime per domain:
// when it started and, if finished, when it ended.
var recordTimes = map[signal.Domain]struct {
	start []string
	end   []string
	id    string
}{
	signal.DomainDeals:    {start: []string{"created_at"}, end: []string{"closed_at"}, id: "deal_id"},
	signal.DomainInvoices: {start: []string{"issued_at", "issue_date"}, end: []string{"paid_at"}, id: "invoice_id"},
	signal.DomainTickets:  {start: []string{"opened_at", "created_at"}, end: []string{"resolved_at", "closed_at"}, id: "ticket_id"},
}

// InsertRecords stores records for an organization. Every record needs a
// parseable start timestamp for its domain; the batch is all-or-nothing.
func (db *DB) InsertRecords(ctx context.Context, orgID int64, domain signal.Domain, records []signal.Record) (int, error) {
	fields, ok := recordTimes[domain]
	if !ok {
		return 0, eris.Errorf("database: unknown record domain %q", domain)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "database: begin insert records")
	}
	defer tx.Rollback()

	loadedAt := formatTime(time.Now())
	for i, rec := range records {
		start, ok := firstTime(rec, fields.start)
		if !ok {
			return 0, eris.Errorf("database: %s record %d has no %v timestamp", domain, i, fields.start)
		}
		var end *string
		if t, ok := firstTime(rec, fields.end); ok {
			s := formatTime(t)
			end = &s
		}
		var externalID *string
		if id := rec.String(fields.id); id != "" {
			externalID = &id
		}

		payload, err := json.Marshal(rec)
		if err != nil {
			return 0, eris.Wrapf(err, "database: marshal %s record %d", domain, i)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO records (org_id, domain, external_id, occurred_at, ended_at, payload, loaded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			orgID, string(domain), externalID, formatTime(start), end, string(payload), loadedAt,
		); err != nil {
			return 0, eris.Wrapf(err, "database: insert %s record %d", domain, i)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "database: commit records")
	}
	return len(records), nil
}

// FetchRecords returns the records of a domain that were open at any point
// in the period: started before its end and not finished before its start.
// It returns an empty slice when nothing matches.
func (db *DB) FetchRecords(ctx context.Context, orgID int64, domain signal.Domain, period signal.Period) ([]signal.Record, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT payload FROM records
		WHERE org_id = ? AND domain = ? AND occurred_at < ?
		AND (ended_at IS NULL OR ended_at >= ?)
		ORDER BY occurred_at, id`,
		orgID, string(domain), formatTime(period.End), formatTime(period.Start),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "database: fetch %s records", domain)
	}
	defer rows.Close()

	out := []signal.Record{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "database: scan record")
		}
		var rec signal.Record
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, eris.Wrap(err, "database: decode record payload")
		}
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "database: iterate records")
}

// DeleteRecords removes every record of a domain for an organization.
func (db *DB) DeleteRecords(ctx context.Context, orgID int64, domain signal.Domain) (int64, error) {
	res, err := db.conn.ExecContext(ctx, "DELETE FROM records WHERE org_id = ? AND domain = ?", orgID, string(domain))
	if err != nil {
		return 0, eris.Wrapf(err, "database: delete %s records", domain)
	}
	return res.RowsAffected()
}

func firstTime(rec signal.Record, keys []string) (time.Time, bool) {
	for _, k := range keys {
		if t, ok := rec.Time(k); ok {
			return t, true
		}
	}
	return time.Time{}, false
}
