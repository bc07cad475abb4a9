package memory

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

type scoredItem struct {
	it    item
	score float64
}

// searchFTS runs an FTS5 MATCH query over summary+content, scoped to
// the caller's own rows plus __system__ rows. bm25() returns a
// negative-is-better rank; we invert it into a 0..1-ish score so vector
// and FTS results can be merged under one "higher is better" contract.
func (d *db) searchFTS(userID, query string, limit int) ([]scoredItem, error) {
	ftsQuery := sanitizeFTS5Query(query)
	if ftsQuery == "" {
		return nil, nil
	}
	scope, scopeArgs := ownerScope(userID)

	rows, err := d.sql.Query(`
		SELECT mi.id, mi.owner, mi.content_hash, mi.memory_type, mi.domain, mi.topic,
			mi.summary, mi.content, mi.tier, mi.skill_key, mi.pinned, mi.access_count,
			mi.vector, mi.session_id, mi.channel, mi.created_at, mi.updated_at, mi.last_accessed_at,
			bm25(memory_items_fts) AS rank
		FROM memory_items_fts
		JOIN memory_items mi ON memory_items_fts.rowid = mi.rowid
		WHERE memory_items_fts MATCH ? AND `+scope+`
		ORDER BY rank LIMIT ?`,
		append([]interface{}{ftsQuery}, append(scopeArgs, limit)...)...)
	if err != nil {
		return nil, fmt.Errorf("memory: fts search: %w", err)
	}
	defer rows.Close()

	var results []scoredItem
	for rows.Next() {
		var rank float64
		it, err := scanItemWithRank(rows, &rank)
		if err != nil {
			continue
		}
		// bm25() is negative and smaller-is-better; fold it into (0,1].
		score := 1 / (1 + (-rank))
		results = append(results, scoredItem{it: it, score: score})
	}
	return results, rows.Err()
}

func scanItemWithRank(rows scannable, rank *float64) (item, error) {
	var it item
	var createdAt, updatedAt, lastAccessedAt string
	var pinned int
	var vector []byte
	err := rows.Scan(&it.ID, &it.Owner, &it.ContentHash, &it.MemoryType, &it.Domain, &it.Topic,
		&it.Summary, &it.Content, &it.Tier, &it.SkillKey, &pinned, &it.AccessCount, &vector,
		&it.SessionID, &it.Channel, &createdAt, &updatedAt, &lastAccessedAt, rank)
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

// searchVector scans every row in scope that carries a vector and
// ranks by cosine similarity. A linear scan, not an ANN index: fine at
// the per-user row counts this gateway expects, and keeps the storage
// engine to the single SQLite file the rest of the system already uses.
func (d *db) searchVector(userID string, queryVector []float32, limit int, minSimilarity float64) ([]scoredItem, error) {
	scope, scopeArgs := ownerScope(userID)
	rows, err := d.sql.Query(`
		SELECT id, owner, content_hash, memory_type, domain, topic, summary, content,
			tier, skill_key, pinned, access_count, vector, session_id, channel,
			created_at, updated_at, last_accessed_at
		FROM memory_items WHERE `+scope+` AND vector IS NOT NULL`,
		scopeArgs...)
	if err != nil {
		return nil, fmt.Errorf("memory: vector scan: %w", err)
	}
	defer rows.Close()

	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}

	var results []scoredItem
	for _, it := range items {
		sim := cosineSimilarity(queryVector, it.Vector)
		if sim >= minSimilarity || it.Pinned {
			results = append(results, scoredItem{it: it, score: sim})
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].score > results[j].score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (d *db) listRecent(userID string, limit int) ([]scoredItem, error) {
	items, err := d.listItems(userID, "all", limit)
	if err != nil {
		return nil, err
	}
	results := make([]scoredItem, len(items))
	for i, it := range items {
		results[i] = scoredItem{it: it, score: 0}
	}
	return results, nil
}

type retrievalEvent struct {
	ID              string
	UserID          string
	Query           string
	UsedVector      bool
	Fallback        bool
	ResultCount     int
	TopScore        float64
	LatencyMS       int64
	ContextInjected bool
	ContextLines    int
}

func (d *db) insertRetrievalEvent(e retrievalEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := d.sql.Exec(`
		INSERT INTO memory_retrieval_events (
			id, user_id, query, used_vector, fallback, result_count, top_score,
			latency_ms, context_injected, context_lines, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.UserID, e.Query, boolToInt(e.UsedVector), boolToInt(e.Fallback), e.ResultCount,
		e.TopScore, e.LatencyMS, boolToInt(e.ContextInjected), e.ContextLines, nowStamp())
	if err != nil {
		return fmt.Errorf("memory: insert retrieval event: %w", err)
	}
	return nil
}

func (d *db) recordFeedback(retrievalID, verdict, note string) (bool, error) {
	res, err := d.sql.Exec(`
		UPDATE memory_retrieval_events SET feedback_verdict = ?, feedback_note = ?
		WHERE id = ?`, verdict, note, retrievalID)
	if err != nil {
		return false, fmt.Errorf("memory: record feedback: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (d *db) retrievalStats(days int) (map[string]interface{}, error) {
	if days <= 0 {
		days = 7
	}
	row := d.sql.QueryRow(`
		SELECT
			COUNT(*),
			SUM(CASE WHEN result_count > 0 THEN 1 ELSE 0 END),
			SUM(CASE WHEN fallback = 1 THEN 1 ELSE 0 END),
			COALESCE(AVG(latency_ms), 0)
		FROM memory_retrieval_events
		WHERE created_at >= datetime('now', printf('-%d days', ?))
	`, days)

	var retrievals, hits, fallbacks int
	var avgLatency float64
	if err := row.Scan(&retrievals, &hits, &fallbacks, &avgLatency); err != nil {
		return nil, fmt.Errorf("memory: retrieval stats: %w", err)
	}
	return map[string]interface{}{
		"retrievals":      retrievals,
		"hits":            hits,
		"fallbacks":       fallbacks,
		"avg_latency_ms":  avgLatency,
	}, nil
}

// buildContextBlock renders the bounded "[MEMORY CONTEXT]" text block
// spec.md's buildMemoryContext returns, truncating whole lines (never a
// mid-line cut) until the char limit is satisfied.
func buildContextBlock(items []scoredItem, charLimit int) (string, int) {
	if len(items) == 0 {
		return "", 0
	}
	if charLimit <= 0 {
		charLimit = 1800
	}

	var lines []string
	header := "[MEMORY CONTEXT]"
	footer := "[END MEMORY CONTEXT]"
	budget := charLimit - len(header) - len(footer) - 2

	for _, si := range items {
		line := fmt.Sprintf("- (%s|%s/%s) %s", si.it.Tier, si.it.Domain, si.it.Topic, si.it.Summary)
		if len(line)+1 > budget {
			break
		}
		lines = append(lines, line)
		budget -= len(line) + 1
	}
	if len(lines) == 0 {
		return "", 0
	}

	var b strings.Builder
	b.WriteString(header)
	b.WriteString("\n")
	b.WriteString(strings.Join(lines, "\n"))
	b.WriteString("\n")
	b.WriteString(footer)
	return b.String(), len(lines)
}

var fts5Replacer = strings.NewReplacer(
	"*", "", "\"", "", "(", "", ")", "",
	":", "", "^", "", "{", "", "}", "",
)

// sanitizeFTS5Query escapes FTS5 special characters and ORs each token
// together for broad recall, matching the teacher's query-building
// approach for SQLite FTS5.
func sanitizeFTS5Query(query string) string {
	query = strings.TrimSpace(query)
	if query == "" {
		return ""
	}
	tokens := strings.Fields(query)
	var quoted []string
	for _, t := range tokens {
		t = fts5Replacer.Replace(t)
		t = strings.TrimSpace(t)
		if t != "" {
			quoted = append(quoted, "\""+t+"\"")
		}
	}
	if len(quoted) == 0 {
		return ""
	}
	return strings.Join(quoted, " OR ")
}
