package storage

func schema(d Dialect) []string {
	taskID := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if d == Postgres {
		taskID = "BIGSERIAL PRIMARY KEY"
	}

	return []string{
		`CREATE TABLE IF NOT EXISTS sources (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			address TEXT NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			poll_interval_ms BIGINT NOT NULL DEFAULT 0,
			options TEXT NOT NULL DEFAULT '{}',
			consecutive_failures INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			last_polled_at BIGINT NOT NULL DEFAULT 0,
			unhealthy BOOLEAN NOT NULL DEFAULT FALSE,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			UNIQUE (type, address)
		)`,
		`CREATE TABLE IF NOT EXISTS keywords (
			id TEXT PRIMARY KEY,
			term TEXT NOT NULL UNIQUE,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS news_items (
			id TEXT PRIMARY KEY,
			source_id TEXT NOT NULL,
			external_id TEXT NOT NULL,
			url TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL DEFAULT '',
			published_at BIGINT NOT NULL DEFAULT 0,
			fetched_at BIGINT NOT NULL,
			fingerprint TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			next_attempt_at BIGINT NOT NULL DEFAULT 0,
			last_error_kind TEXT NOT NULL DEFAULT '',
			last_error TEXT NOT NULL DEFAULT '',
			updated_at BIGINT NOT NULL,
			UNIQUE (source_id, external_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_news_items_fingerprint ON news_items (fingerprint, fetched_at)`,
		`CREATE INDEX IF NOT EXISTS idx_news_items_status ON news_items (status, updated_at)`,
		`CREATE TABLE IF NOT EXISTS posts (
			id TEXT PRIMARY KEY,
			news_item_id TEXT UNIQUE,
			title TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			published_ref TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0,
			next_attempt_at BIGINT NOT NULL DEFAULT 0,
			last_error_kind TEXT NOT NULL DEFAULT '',
			last_error TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			published_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_posts_status ON posts (status, updated_at)`,
		`CREATE TABLE IF NOT EXISTS source_leases (
			source_id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			expires_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id ` + taskID + `,
			stage TEXT NOT NULL,
			subject_id TEXT NOT NULL,
			expected_status TEXT NOT NULL,
			available_at BIGINT NOT NULL,
			deliveries INTEGER NOT NULL DEFAULT 0,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_at BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			UNIQUE (stage, subject_id, expected_status)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_available ON tasks (available_at, lease_expires_at)`,
	}
}
