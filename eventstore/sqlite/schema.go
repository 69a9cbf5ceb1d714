package sqlite

const schema = `
CREATE TABLE IF NOT EXISTS events (
	global_position INTEGER PRIMARY KEY AUTOINCREMENT,
	stream_id TEXT NOT NULL,
	version INTEGER NOT NULL,
	event_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	metadata TEXT,
	occurred_at_utc_ns INTEGER NOT NULL,
	UNIQUE(stream_id, version),
	UNIQUE(event_id)
);

CREATE INDEX IF NOT EXISTS idx_events_stream_version ON events(stream_id, version);

CREATE TRIGGER IF NOT EXISTS trg_events_no_update
BEFORE UPDATE ON events
BEGIN
	SELECT RAISE(ABORT, 'events are append-only: UPDATE forbidden');
END;

CREATE TRIGGER IF NOT EXISTS trg_events_no_delete
BEFORE DELETE ON events
BEGIN
	SELECT RAISE(ABORT, 'events are append-only: DELETE forbidden');
END;

CREATE TABLE IF NOT EXISTS checkpoints (
	name TEXT PRIMARY KEY,
	position INTEGER NOT NULL,
	updated_at_utc_ns INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshots (
	stream_id TEXT PRIMARY KEY,
	version INTEGER NOT NULL,
	state BLOB NOT NULL
);
`
