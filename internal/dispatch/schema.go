package dispatch

// Schema is the DDL for deferred callback jobs. Both the API service
// (scheduling) and the worker service (delivery) ensure it on startup.
const Schema = `
CREATE TABLE IF NOT EXISTS dispatch_jobs (
	job_id            UUID PRIMARY KEY,
	target_url        TEXT NOT NULL,
	payload           JSONB NOT NULL,
	status            TEXT NOT NULL DEFAULT 'PENDING',
	worker_id         TEXT,
	retry_count       INT NOT NULL DEFAULT 0,
	max_retries       INT NOT NULL DEFAULT 3,
	timeout_seconds   INT NOT NULL DEFAULT 30,
	scheduled_for     TIMESTAMPTZ NOT NULL,
	result            JSONB,
	error_message     TEXT,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	started_at        TIMESTAMPTZ,
	last_heartbeat_at TIMESTAMPTZ,
	completed_at      TIMESTAMPTZ,
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_dispatch_jobs_status ON dispatch_jobs (status, scheduled_for);
`
