package database

import "database/sql"

// Migration represents a single schema migration step.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// migrations is the ordered list of all schema migrations.
// Append new migrations to the end with incrementing Version numbers.
var migrations = []Migration{
	{
		Version:     1,
		Description: "initial schema",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS records (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    org_id INTEGER NOT NULL,
    domain TEXT NOT NULL CHECK(domain IN ('deals', 'invoices', 'tickets')),
    external_id TEXT,
    occurred_at TEXT NOT NULL,
    ended_at TEXT,
    payload TEXT NOT NULL,
    loaded_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS signals (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    org_id INTEGER NOT NULL,
    kind TEXT NOT NULL,
    period_start TEXT NOT NULL,
    period_end TEXT NOT NULL,
    payload TEXT NOT NULL,
    score REAL NOT NULL,
    threshold REAL NOT NULL,
    created_at TEXT NOT NULL,
    UNIQUE (org_id, kind, period_start, period_end)
);

CREATE TABLE IF NOT EXISTS rules (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    org_id INTEGER NOT NULL,
    name TEXT NOT NULL,
    category TEXT NOT NULL DEFAULT 'general',
    priority INTEGER NOT NULL DEFAULT 1,
    enabled INTEGER NOT NULL DEFAULT 1,
    definition TEXT NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    UNIQUE (org_id, name)
);

CREATE TABLE IF NOT EXISTS narratives (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    org_id INTEGER NOT NULL,
    title TEXT NOT NULL,
    summary TEXT NOT NULL,
    evidence TEXT NOT NULL,
    actions TEXT NOT NULL,
    generated_at TEXT NOT NULL,
    author TEXT NOT NULL CHECK(author IN ('ai', 'analyst')),
    status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active', 'archived', 'dismissed'))
);

CREATE INDEX IF NOT EXISTS idx_records_window ON records(org_id, domain, occurred_at);
CREATE INDEX IF NOT EXISTS idx_signals_org_kind ON signals(org_id, kind, created_at);
CREATE INDEX IF NOT EXISTS idx_rules_org ON rules(org_id, priority, created_at);
CREATE INDEX IF NOT EXISTS idx_narratives_org ON narratives(org_id, generated_at);
`)
			return err
		},
	},
	{
		Version:     2,
		Description: "narrative synthesis run ids",
		Up: func(tx *sql.Tx) error {
			var n int
			if err := tx.QueryRow(
				"SELECT COUNT(*) FROM pragma_table_info('narratives') WHERE name = 'run_id'",
			).Scan(&n); err != nil {
				return err
			}
			if n == 0 {
				if _, err := tx.Exec("ALTER TABLE narratives ADD COLUMN run_id TEXT"); err != nil {
					return err
				}
			}
			_, err := tx.Exec("CREATE INDEX IF NOT EXISTS idx_narratives_run ON narratives(run_id)")
			return err
		},
	},
}

// latestVersion returns the highest migration version number.
func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}
