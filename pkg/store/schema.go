package store

// schema is valid for both SQLite and Postgres. Times are RFC 3339 text.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS content_units (
		id TEXT PRIMARY KEY,
		species TEXT NOT NULL,
		breed TEXT NOT NULL,
		name TEXT NOT NULL,
		shelter TEXT NOT NULL,
		age INTEGER NOT NULL DEFAULT 0,
		sex TEXT NOT NULL DEFAULT 'unknown',
		weight DOUBLE PRECISION NOT NULL DEFAULT 0,
		bio TEXT NOT NULL DEFAULT '',
		reserved BOOLEAN NOT NULL DEFAULT FALSE,
		picture TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE (species, breed, name, shelter),
		UNIQUE (picture)
	)`,
	`CREATE TABLE IF NOT EXISTS content_artifacts (
		id TEXT PRIMARY KEY,
		content_id TEXT NOT NULL REFERENCES content_units(id),
		relative_path TEXT NOT NULL,
		artifact_digest TEXT NOT NULL DEFAULT '',
		remote_url TEXT NOT NULL DEFAULT '',
		expected_digest TEXT NOT NULL DEFAULT '',
		expected_size BIGINT NOT NULL DEFAULT 0,
		UNIQUE (content_id, relative_path)
	)`,
	`CREATE TABLE IF NOT EXISTS repositories (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS repository_versions (
		id TEXT PRIMARY KEY,
		repository_id TEXT NOT NULL REFERENCES repositories(id),
		number INTEGER NOT NULL,
		base_number INTEGER NOT NULL,
		added INTEGER NOT NULL DEFAULT 0,
		removed INTEGER NOT NULL DEFAULT 0,
		content_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		UNIQUE (repository_id, number)
	)`,
	`CREATE TABLE IF NOT EXISTS repository_content (
		repository_id TEXT NOT NULL REFERENCES repositories(id),
		content_id TEXT NOT NULL REFERENCES content_units(id),
		version_added INTEGER NOT NULL,
		version_removed INTEGER,
		PRIMARY KEY (repository_id, content_id, version_added)
	)`,
	`CREATE INDEX IF NOT EXISTS repository_content_live ON repository_content (repository_id, version_removed)`,
	`CREATE TABLE IF NOT EXISTS remotes (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		url TEXT NOT NULL,
		policy TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS publications (
		id TEXT PRIMARY KEY,
		repository_id TEXT NOT NULL REFERENCES repositories(id),
		version_id TEXT NOT NULL REFERENCES repository_versions(id),
		version_number INTEGER NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS published_artifacts (
		publication_id TEXT NOT NULL REFERENCES publications(id),
		relative_path TEXT NOT NULL,
		content_artifact_id TEXT NOT NULL REFERENCES content_artifacts(id),
		content_id TEXT NOT NULL,
		PRIMARY KEY (publication_id, relative_path)
	)`,
	`CREATE TABLE IF NOT EXISTS published_metadata (
		publication_id TEXT NOT NULL REFERENCES publications(id),
		relative_path TEXT NOT NULL,
		digest TEXT NOT NULL,
		PRIMARY KEY (publication_id, relative_path)
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		state TEXT NOT NULL,
		reservations TEXT NOT NULL DEFAULT '[]',
		error TEXT NOT NULL DEFAULT '',
		result TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT NOT NULL DEFAULT '',
		finished_at TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS idempotency_keys (
		idempotency_key TEXT PRIMARY KEY,
		status_code INTEGER NOT NULL,
		headers TEXT NOT NULL DEFAULT '{}',
		body TEXT NOT NULL DEFAULT '',
		cached_at TEXT NOT NULL
	)`,
}
