package store

// schema is applied idempotently on startup. Students keep their bus
// assignment as a plain column so the snapshot can flag wrong-bus
// boardings; boarding_events.student_id is SET NULL on student deletion
// (the event outlives the student as an "unknown face" record).
const schema = `
CREATE TABLE IF NOT EXISTS buses (
	id                    TEXT PRIMARY KEY,
	label                 TEXT NOT NULL,
	capacity              INTEGER NOT NULL CHECK (capacity >= 1),
	route_id              TEXT,
	status                TEXT NOT NULL DEFAULT 'active',
	students_last_updated TIMESTAMPTZ,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS kiosks (
	id         TEXT PRIMARY KEY,
	bus_id     TEXT UNIQUE REFERENCES buses(id),
	active     BOOLEAN NOT NULL DEFAULT false,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS activation_tokens (
	id         TEXT PRIMARY KEY,
	kiosk_id   TEXT NOT NULL REFERENCES kiosks(id),
	token_hash TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at TIMESTAMPTZ NOT NULL,
	used_at    TIMESTAMPTZ,
	used_by_ip TEXT
);
CREATE INDEX IF NOT EXISTS idx_activation_tokens_lookup
	ON activation_tokens (kiosk_id, token_hash);

CREATE TABLE IF NOT EXISTS kiosk_status (
	kiosk_id         TEXT PRIMARY KEY REFERENCES kiosks(id),
	last_heartbeat   TIMESTAMPTZ NOT NULL,
	battery_level    INTEGER NOT NULL DEFAULT 0,
	is_charging      BOOLEAN NOT NULL DEFAULT false,
	storage_free_mb  BIGINT NOT NULL DEFAULT 0,
	network_type     TEXT NOT NULL DEFAULT '',
	app_version      TEXT NOT NULL DEFAULT '',
	database_version TEXT NOT NULL DEFAULT '',
	database_hash    TEXT NOT NULL DEFAULT '',
	student_count    INTEGER NOT NULL DEFAULT 0,
	embedding_count  INTEGER NOT NULL DEFAULT 0,
	status           TEXT NOT NULL DEFAULT 'ok',
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS students (
	id                 TEXT PRIMARY KEY,
	school_id          TEXT NOT NULL,
	school_assigned_id TEXT NOT NULL,
	name_encrypted     TEXT NOT NULL,
	grade              TEXT NOT NULL DEFAULT '',
	section            TEXT NOT NULL DEFAULT '',
	bus_id             TEXT REFERENCES buses(id),
	status             TEXT NOT NULL DEFAULT 'active',
	enrolled_on        TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (school_id, school_assigned_id)
);
CREATE INDEX IF NOT EXISTS idx_students_status ON students (status);
CREATE INDEX IF NOT EXISTS idx_students_bus ON students (bus_id);

CREATE TABLE IF NOT EXISTS photos (
	id          TEXT PRIMARY KEY,
	student_id  TEXT NOT NULL REFERENCES students(id) ON DELETE CASCADE,
	object_path TEXT NOT NULL,
	is_primary  BOOLEAN NOT NULL DEFAULT false
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_photos_one_primary
	ON photos (student_id) WHERE is_primary;

CREATE TABLE IF NOT EXISTS reference_embeddings (
	id            TEXT PRIMARY KEY,
	photo_id      TEXT NOT NULL REFERENCES photos(id) ON DELETE CASCADE,
	student_id    TEXT NOT NULL REFERENCES students(id) ON DELETE CASCADE,
	model_name    TEXT NOT NULL,
	embedding     BYTEA NOT NULL,
	quality_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	is_primary    BOOLEAN NOT NULL DEFAULT false,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_refemb_student ON reference_embeddings (student_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_refemb_one_primary
	ON reference_embeddings (photo_id, model_name) WHERE is_primary;

CREATE TABLE IF NOT EXISTS boarding_events (
	id                     CHAR(26) PRIMARY KEY,
	student_id             TEXT REFERENCES students(id) ON DELETE SET NULL,
	kiosk_id               TEXT NOT NULL,
	confidence             DOUBLE PRECISION NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
	event_timestamp        TIMESTAMPTZ NOT NULL,
	lat                    DOUBLE PRECISION,
	lon                    DOUBLE PRECISION,
	bus_route              TEXT,
	face_image_url         TEXT,
	model_version          TEXT NOT NULL DEFAULT '',
	metadata               JSONB NOT NULL DEFAULT '{}',
	crop_paths             TEXT[] NOT NULL DEFAULT '{}',
	created_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
	backend_status         TEXT NOT NULL DEFAULT 'pending',
	backend_confidence     TEXT,
	backend_student_id     TEXT,
	backend_verified_at    TIMESTAMPTZ,
	consensus_data         JSONB,
	backend_config_version TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_kiosk ON boarding_events (kiosk_id);
CREATE INDEX IF NOT EXISTS idx_events_backend_status ON boarding_events (backend_status);
`
