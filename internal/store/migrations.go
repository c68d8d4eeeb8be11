package store

type migration struct {
	version int
	sql     string
}

// migrations must stay sequential from 1. Each one records its own version.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS countdown_events (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	title        TEXT NOT NULL,
	target_date  INTEGER NOT NULL,
	is_all_day   INTEGER NOT NULL DEFAULT 0,
	include_time INTEGER NOT NULL DEFAULT 0,
	is_count_up  INTEGER NOT NULL DEFAULT 0,
	recurrence   TEXT NOT NULL DEFAULT 'NONE',
	color        INTEGER NOT NULL DEFAULT 0,
	notes        TEXT NOT NULL DEFAULT '',
	is_pinned    INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_countdown_events_target ON countdown_events(target_date);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		// No foreign key: a flag may outlive its event until PruneOrphanFlags.
		sql: `
CREATE TABLE IF NOT EXISTS milestone_flags (
	event_id INTEGER NOT NULL,
	kind     TEXT NOT NULL,
	fired_at INTEGER NOT NULL,
	PRIMARY KEY (event_id, kind)
);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
