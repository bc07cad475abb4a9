package memory

// migrate creates the memory_items / memory_retrieval_events schema and
// the FTS5 index kept in sync with memory_items via triggers. Every
// statement is IF NOT EXISTS so repeated Open calls against an existing
// database are a no-op.
func (d *db) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memory_items (
			id               TEXT PRIMARY KEY,
			owner            TEXT NOT NULL,
			content_hash     TEXT NOT NULL,
			memory_type      TEXT NOT NULL DEFAULT 'turn',
			domain           TEXT NOT NULL DEFAULT '',
			topic            TEXT NOT NULL DEFAULT '',
			summary          TEXT NOT NULL DEFAULT '',
			content          TEXT NOT NULL,
			tier             TEXT NOT NULL DEFAULT 'short',
			skill_key        TEXT NOT NULL DEFAULT '',
			pinned           INTEGER NOT NULL DEFAULT 0,
			access_count     INTEGER NOT NULL DEFAULT 0,
			vector           BLOB,
			session_id       TEXT NOT NULL DEFAULT '',
			channel          TEXT NOT NULL DEFAULT '',
			created_at       DATETIME NOT NULL DEFAULT (datetime('now')),
			updated_at       DATETIME NOT NULL DEFAULT (datetime('now')),
			last_accessed_at DATETIME NOT NULL DEFAULT (datetime('now')),
			UNIQUE(owner, content_hash, memory_type, skill_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_items_owner_tier ON memory_items(owner, tier)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_items_owner_updated ON memory_items(owner, updated_at)`,

		`CREATE VIRTUAL TABLE IF NOT EXISTS memory_items_fts USING fts5(
			summary, content,
			content='memory_items', content_rowid='rowid'
		)`,
		`CREATE TRIGGER IF NOT EXISTS memory_items_ai AFTER INSERT ON memory_items BEGIN
			INSERT INTO memory_items_fts(rowid, summary, content)
			VALUES (new.rowid, new.summary, new.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memory_items_ad AFTER DELETE ON memory_items BEGIN
			INSERT INTO memory_items_fts(memory_items_fts, rowid, summary, content)
			VALUES ('delete', old.rowid, old.summary, old.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memory_items_au AFTER UPDATE ON memory_items BEGIN
			INSERT INTO memory_items_fts(memory_items_fts, rowid, summary, content)
			VALUES ('delete', old.rowid, old.summary, old.content);
			INSERT INTO memory_items_fts(rowid, summary, content)
			VALUES (new.rowid, new.summary, new.content);
		END`,

		`CREATE TABLE IF NOT EXISTS memory_retrieval_events (
			id                TEXT PRIMARY KEY,
			user_id           TEXT NOT NULL,
			query             TEXT NOT NULL DEFAULT '',
			used_vector       INTEGER NOT NULL DEFAULT 0,
			fallback          INTEGER NOT NULL DEFAULT 0,
			result_count      INTEGER NOT NULL DEFAULT 0,
			top_score         REAL NOT NULL DEFAULT 0,
			latency_ms        INTEGER NOT NULL DEFAULT 0,
			context_injected  INTEGER NOT NULL DEFAULT 0,
			context_lines     INTEGER NOT NULL DEFAULT 0,
			feedback_verdict  TEXT NOT NULL DEFAULT '',
			feedback_note     TEXT NOT NULL DEFAULT '',
			created_at        DATETIME NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_retrieval_events_created ON memory_retrieval_events(created_at)`,
	}

	for _, stmt := range stmts {
		if _, err := d.sql.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
