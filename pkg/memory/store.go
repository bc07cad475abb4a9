package memory

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

func contentHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// insertItem writes a new row, or silently no-ops when the
// (owner, content_hash, memory_type, skill_key) unique constraint
// already has a match — spec's "content hashing deduplicates repeats
// within a user's scope". Returns the id of the stored (or pre-existing)
// row, empty when deduplicated against an existing row that isn't
// re-fetched.
func (d *db) insertItem(it item) (string, error) {
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	now := nowStamp()

	var vectorArg interface{}
	if len(it.Vector) > 0 {
		vectorArg = encodeVector(it.Vector)
	}

	_, err := d.sql.Exec(`
		INSERT INTO memory_items (
			id, owner, content_hash, memory_type, domain, topic, summary, content,
			tier, skill_key, pinned, access_count, vector, session_id, channel,
			created_at, updated_at, last_accessed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner, content_hash, memory_type, skill_key) DO NOTHING
	`, it.ID, it.Owner, it.ContentHash, it.MemoryType, it.Domain, it.Topic, it.Summary, it.Content,
		it.Tier, it.SkillKey, boolToInt(it.Pinned), vectorArg, it.SessionID, it.Channel,
		now, now, now)
	if err != nil {
		return "", fmt.Errorf("memory: insert item: %w", err)
	}
	return it.ID, nil
}

// ownerScope returns the SQL predicate (and its args) restricting rows
// to the given user's own records plus __system__ records — the one
// chokepoint enforcing "cross-user sharing is disabled".
func ownerScope(userID string) (string, []interface{}) {
	return "(owner = ? OR owner = ?)", []interface{}{userID, systemOwner}
}

func (d *db) getItem(userID, id string) (item, bool, error) {
	scope, scopeArgs := ownerScope(userID)
	row := d.sql.QueryRow(`
		SELECT id, owner, content_hash, memory_type, domain, topic, summary, content,
			tier, skill_key, pinned, access_count, vector, session_id, channel,
			created_at, updated_at, last_accessed_at
		FROM memory_items WHERE id = ? AND `+scope,
		append([]interface{}{id}, scopeArgs...)...)
	it, err := scanItem(row)
	if err == sql.ErrNoRows {
		return item{}, false, nil
	}
	if err != nil {
		return item{}, false, fmt.Errorf("memory: get item: %w", err)
	}
	return it, true, nil
}

func (d *db) listItems(userID, tier string, limit int) ([]item, error) {
	if limit <= 0 {
		limit = 15
	}
	scope, args := ownerScope(userID)
	query := `SELECT id, owner, content_hash, memory_type, domain, topic, summary, content,
			tier, skill_key, pinned, access_count, vector, session_id, channel,
			created_at, updated_at, last_accessed_at
		FROM memory_items WHERE ` + scope
	if tier != "" && tier != "all" {
		query += " AND tier = ?"
		args = append(args, tier)
	}
	query += " ORDER BY pinned DESC, updated_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := d.sql.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("memory: list items: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

func (d *db) setPinned(userID, id string, pinned bool) (bool, error) {
	scope, scopeArgs := ownerScope(userID)
	res, err := d.sql.Exec(`UPDATE memory_items SET pinned = ?, updated_at = ? WHERE id = ? AND `+scope,
		append([]interface{}{boolToInt(pinned), nowStamp(), id}, scopeArgs...)...)
	if err != nil {
		return false, fmt.Errorf("memory: set pinned: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (d *db) deleteItem(userID, id string) (bool, error) {
	scope, scopeArgs := ownerScope(userID)
	res, err := d.sql.Exec(`DELETE FROM memory_items WHERE id = ? AND `+scope,
		append([]interface{}{id}, scopeArgs...)...)
	if err != nil {
		return false, fmt.Errorf("memory: delete item: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// touchAccess bumps access_count/last_accessed_at and promotes the tier
// once the configured threshold is crossed, all in one statement so the
// bump-then-promote sequence is atomic per spec's "applies tier
// promotion atomically".
func (d *db) touchAccess(id string, promoteShortToMid, promoteMidToLong int) error {
	_, err := d.sql.Exec(`
		UPDATE memory_items SET
			access_count = access_count + 1,
			last_accessed_at = ?,
			tier = CASE
				WHEN tier = 'short' AND access_count + 1 >= ? THEN 'mid'
				WHEN tier = 'mid' AND access_count + 1 >= ? THEN 'long'
				ELSE tier
			END
		WHERE id = ?
	`, nowStamp(), promoteShortToMid, promoteMidToLong, id)
	if err != nil {
		return fmt.Errorf("memory: touch access: %w", err)
	}
	return nil
}

func (d *db) countByOwner(userID string) (int, error) {
	scope, args := ownerScope(userID)
	var n int
	err := d.sql.QueryRow("SELECT COUNT(*) FROM memory_items WHERE "+scope, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("memory: count by owner: %w", err)
	}
	return n, nil
}

func (d *db) countAll() (int, error) {
	var n int
	err := d.sql.QueryRow("SELECT COUNT(*) FROM memory_items").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("memory: count all: %w", err)
	}
	return n, nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanItem(row scannable) (item, error) {
	var it item
	var createdAt, updatedAt, lastAccessedAt string
	var pinned int
	var vector []byte
	err := row.Scan(&it.ID, &it.Owner, &it.ContentHash, &it.MemoryType, &it.Domain, &it.Topic,
		&it.Summary, &it.Content, &it.Tier, &it.SkillKey, &pinned, &it.AccessCount, &vector,
		&it.SessionID, &it.Channel, &createdAt, &updatedAt, &lastAccessedAt)
	if err != nil {
		return item{}, err
	}
	it.Pinned = pinned != 0
	if len(vector) > 0 {
		it.Vector = decodeVector(vector)
	}
	it.CreatedAt = parseTime(createdAt)
	it.UpdatedAt = parseTime(updatedAt)
	it.LastAccessedAt = parseTime(lastAccessedAt)
	return it, nil
}

func scanItems(rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}) ([]item, error) {
	var items []item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			continue
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
