package memory

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// item is one row of memory_items, the storage unit underneath
// pipeline.MemoryRow. Content carries the full text; Summary is the
// short form surfaced to listings.
type item struct {
	ID             string
	Owner          string
	ContentHash    string
	MemoryType     string
	Domain         string
	Topic          string
	Summary        string
	Content        string
	Tier           string
	SkillKey       string
	Pinned         bool
	AccessCount    int
	Vector         []float32
	SessionID      string
	Channel        string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastAccessedAt time.Time
}

// systemOwner is the pseudo-owner whose rows are visible to every user
// alongside their own, matching spec's "only the owner and __system__
// records are ever visible" rule.
const systemOwner = "__system__"

// db wraps the SQLite connection backing one MemoryStore instance. One
// db is shared by every user; row visibility is enforced per-query via
// the owner/__system__ predicate, never by a separate connection or
// schema per user.
type db struct {
	sql    *sql.DB
	dbPath string
}

func openDB(path string) (*db, error) {
	if path == "" {
		path = "./data/memory.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create memory db dir: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	conn.SetMaxOpenConns(1) // matches modernc.org/sqlite's single-writer recommendation

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	d := &db{sql: conn, dbPath: path}
	if err := d.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate memory schema: %w", err)
	}
	return d, nil
}

func (d *db) Close() error {
	return d.sql.Close()
}

func parseTime(s string) time.Time {
	t, _ := time.Parse("2006-01-02 15:04:05", s)
	return t
}

func nowStamp() string {
	return time.Now().UTC().Format("2006-01-02 15:04:05")
}
