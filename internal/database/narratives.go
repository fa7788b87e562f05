package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/TobiSchelling/nour/internal/narrative"
	"github.com/rotisserie/eris"
)

// NarrativeFilter narrows ListNarratives. Zero values match everything.
type NarrativeFilter struct {
	Status narrative.Status
	Author string
	RunID  string
	Limit  int
	Offset int
}

// SaveNarrative inserts a narrative and sets n.ID.
func (db *DB) SaveNarrative(ctx context.Context, n *narrative.Narrative) error {
	evidence := n.Evidence
	if evidence == nil {
		evidence = map[string]any{}
	}
	evidenceJSON, err := json.Marshal(evidence)
	if err != nil {
		return eris.Wrapf(err, "database: marshal evidence for %q", n.Title)
	}
	actions := n.Actions
	if actions == nil {
		actions = []string{}
	}
	actionsJSON, err := json.Marshal(actions)
	if err != nil {
		return eris.Wrapf(err, "database: marshal actions for %q", n.Title)
	}

	status := n.Status
	if status == "" {
		status = narrative.StatusActive
	}
	generatedAt := n.GeneratedAt
	if generatedAt.IsZero() {
		generatedAt = time.Now()
	}
	var runID *string
	if n.RunID != "" {
		runID = &n.RunID
	}

	res, err := db.conn.ExecContext(ctx,
		`INSERT INTO narratives (org_id, title, summary, evidence, actions, generated_at, author, status, run_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.OrgID, n.Title, n.Summary, string(evidenceJSON), string(actionsJSON),
		formatTime(generatedAt), n.Author, string(status), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "database: insert narrative %q", n.Title)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return eris.Wrap(err, "database: narrative id")
	}
	n.ID = id
	n.Status = status
	n.GeneratedAt = generatedAt
	return nil
}

// GetNarrative returns a narrative by id, or nil if it does not exist.
func (db *DB) GetNarrative(ctx context.Context, orgID, id int64) (*narrative.Narrative, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+narrativeColumns+` FROM narratives WHERE org_id = ? AND id = ?`, orgID, id)
	n, err := scanNarrative(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return n, nil
}

// ListNarratives returns an organization's narratives, newest first.
func (db *DB) ListNarratives(ctx context.Context, orgID int64, f NarrativeFilter) ([]*narrative.Narrative, error) {
	where := []string{"org_id = ?"}
	args := []any{orgID}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Author != "" {
		where = append(where, "author = ?")
		args = append(args, f.Author)
	}
	if f.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, f.RunID)
	}

	query := `SELECT ` + narrativeColumns + ` FROM narratives WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY generated_at DESC, id DESC`
	query, args = paginate(query, args, f.Limit, f.Offset)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "database: list narratives")
	}
	defer rows.Close()

	var out []*narrative.Narrative
	for rows.Next() {
		n, err := scanNarrative(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, eris.Wrap(rows.Err(), "database: iterate narratives")
}

// UpdateNarrativeStatus moves a narrative to a new status. It returns
// ErrNotFound for unknown ids and narrative.ErrInvalidStatus when the
// transition is not allowed.
func (db *DB) UpdateNarrativeStatus(ctx context.Context, orgID, id int64, to narrative.Status) error {
	var current string
	err := db.conn.QueryRowContext(ctx,
		"SELECT status FROM narratives WHERE org_id = ? AND id = ?", orgID, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "database: narrative %d", id)
	}
	if err != nil {
		return eris.Wrapf(err, "database: read narrative %d", id)
	}
	if !narrative.CanTransition(narrative.Status(current), to) {
		return eris.Wrapf(narrative.ErrInvalidStatus, "database: narrative %d cannot move from %s to %s", id, current, to)
	}
	return db.moveNarrativeStatus(ctx, orgID, id, narrative.Status(current), to)
}

// moveNarrativeStatus updates the status only while it is still from.
func (db *DB) moveNarrativeStatus(ctx context.Context, orgID, id int64, from, to narrative.Status) error {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE narratives SET status = ? WHERE org_id = ? AND id = ? AND status = ?",
		string(to), orgID, id, string(from),
	)
	if err != nil {
		return eris.Wrapf(err, "database: update narrative %d", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "database: update narrative %d", id)
	}
	if n == 0 {
		return eris.Wrapf(narrative.ErrInvalidStatus, "database: narrative %d is no longer %s", id, from)
	}
	return nil
}

const narrativeColumns = `id, org_id, title, summary, evidence, actions, generated_at, author, status, run_id`

func scanNarrative(row scanner) (*narrative.Narrative, error) {
	var (
		n                                    narrative.Narrative
		evidence, actions, generatedAt, stat string
		runID                                sql.NullString
	)
	if err := row.Scan(&n.ID, &n.OrgID, &n.Title, &n.Summary, &evidence, &actions,
		&generatedAt, &n.Author, &stat, &runID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "database: scan narrative")
	}
	n.Status = narrative.Status(stat)
	n.RunID = runID.String

	var err error
	if n.GeneratedAt, err = parseTime(generatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(evidence), &n.Evidence); err != nil {
		return nil, eris.Wrapf(err, "database: decode narrative %d evidence", n.ID)
	}
	if err := json.Unmarshal([]byte(actions), &n.Actions); err != nil {
		return nil, eris.Wrapf(err, "database: decode narrative %d actions", n.ID)
	}
	return &n, nil
}
