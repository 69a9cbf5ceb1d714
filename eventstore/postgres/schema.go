package postgres

const schema = `
CREATE TABLE IF NOT EXISTS events (
	global_position BIGINT PRIMARY KEY,
	stream_id TEXT NOT NULL,
	version BIGINT NOT NULL,
	event_id TEXT NOT NULL UNIQUE,
	event_type TEXT NOT NULL,
	payload JSONB NOT NULL,
	metadata JSONB,
	occurred_at TIMESTAMPTZ NOT NULL,
	UNIQUE (stream_id, version)
);

CREATE OR REPLACE FUNCTION events_append_only() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'events are append-only: % forbidden', TG_OP;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS trg_events_append_only ON events;
CREATE TRIGGER trg_events_append_only
BEFORE UPDATE OR DELETE ON events
FOR EACH ROW EXECUTE FUNCTION events_append_only();

CREATE TABLE IF NOT EXISTS checkpoints (
	name TEXT PRIMARY KEY,
	position BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS snapshots (
	stream_id TEXT PRIMARY KEY,
	version BIGINT NOT NULL,
	state BYTEA NOT NULL
);
`

// Advisory lock keys. Stream locks use the two-key form with streamLockSpace
// and the hash of the stream id.
const (
	globalLockKey   int64 = 0x6576656e74636f72 // "eventcor"
	streamLockSpace int32 = 0x65766e74
)
