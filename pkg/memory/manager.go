// Package memory implements spec's tiered MemoryStore: a SQLite-backed
// per-user memory store with vector/FTS/recency retrieval fallback,
// access-count tier promotion, content-hash dedup, and a bounded
// context-injection block for the agent dispatcher. It satisfies
// pkg/pipeline.MemoryComponent.
package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kapy9250/cli-gateway-sub000/pkg/logger"
	"github.com/kapy9250/cli-gateway-sub000/pkg/pipeline"
	"github.com/kapy9250/cli-gateway-sub000/pkg/security"
)

const embedTimeout = 10 * time.Second

// Config mirrors config.MemoryConfig. Kept separate so this package
// doesn't import pkg/config (cmd/gateway does the translation), the
// same layering pkg/privileged and pkg/audit use for their Config types.
type Config struct {
	Enabled           bool
	DBPath            string
	EmbeddingAPIBase  string
	EmbeddingAPIKey   string
	EmbeddingModel    string
	EmbeddingDim      int
	SearchLimit       int
	MinSimilarity     float64
	CharLimit         int
	PromoteShortToMid int
	PromoteMidToLong  int
	ProbeCron         string
	ProbeCommands     [][]string
}

// Manager is the concrete pipeline.MemoryComponent implementation.
type Manager struct {
	cfg   Config
	db    *db
	embed *embedder
	leak  *security.LeakDetector
	probe *probeLoop
	log   *logger.Logger
}

var _ pipeline.MemoryComponent = (*Manager)(nil)

// New opens the backing store and, when configured, starts the
// background environment-probe loop. The returned Manager is always
// non-nil on success; callers decide whether to wire it into
// pipeline.Context.Memory based on cfg.Enabled — leaving that field
// nil is how the rest of the pipeline recognizes "memory absent".
func New(cfg Config, log *logger.Logger) (*Manager, error) {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = 10
	}
	if cfg.MinSimilarity <= 0 {
		cfg.MinSimilarity = 0.3
	}
	if cfg.CharLimit <= 0 {
		cfg.CharLimit = 1800
	}
	if cfg.PromoteShortToMid <= 0 {
		cfg.PromoteShortToMid = defaultPromoteShortToMid
	}
	if cfg.PromoteMidToLong <= 0 {
		cfg.PromoteMidToLong = defaultPromoteMidToLong
	}

	store, err := openDB(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("memory: open store: %w", err)
	}

	m := &Manager{
		cfg:   cfg,
		db:    store,
		embed: newEmbedder(cfg.EmbeddingAPIBase, cfg.EmbeddingAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDim),
		leak:  security.NewLeakDetector(1.0),
		log:   log,
	}

	m.probe = newProbeLoop(cfg.ProbeCron, cfg.ProbeCommands, m, log.With(logger.String("component", "memory_probe")))
	if m.probe.enabled() {
		go m.probe.run()
	}

	return m, nil
}

// Close stops the probe loop and closes the database.
func (m *Manager) Close() error {
	if m.probe != nil && m.probe.enabled() {
		m.probe.Stop()
	}
	return m.db.Close()
}

// Enabled reports whether the memory feature is turned on. A Manager
// can exist (its store open, ready to serve /memory commands on
// previously captured data) while CaptureTurn/BuildContext are skipped
// because the operator has since flipped memory.enabled off.
func (m *Manager) Enabled() bool {
	return m != nil && m.cfg.Enabled
}

// CaptureTurn stores one user/assistant exchange. Sensitive-pattern
// matches are dropped outright (never persisted, not even redacted);
// everything else is classified, hashed for dedup, and tiered per
// spec's capture policy.
func (m *Manager) CaptureTurn(ctx context.Context, userID, scopeID, sessionID, channel, userText, assistantText string) (string, error) {
	if res := m.leak.Scan(userText); !res.Clean {
		return "", nil
	}
	if res := m.leak.Scan(assistantText); !res.Clean {
		return "", nil
	}
	if userText == "" {
		return "", nil
	}

	memoryType, domain, topic := classifyTurn(userText, assistantText)
	content := userText
	if assistantText != "" {
		content = userText + "\n\n" + assistantText
	}

	it := item{
		Owner:       userID,
		ContentHash: contentHash(content),
		MemoryType:  memoryType,
		Domain:      domain,
		Topic:       topic,
		Summary:     summarize(userText, 160),
		Content:     content,
		Tier:        assignTier(memoryType),
		SessionID:   sessionID,
		Channel:     channel,
	}
	if vec, err := m.embed.embed(ctx, content); err == nil {
		it.Vector = vec
	}

	id, err := m.db.insertItem(it)
	if err != nil {
		return "", err
	}
	return id, nil
}

// storeSystemObservation records a probe command's output as a
// __system__-owned "env" memory, visible to every user.
func (m *Manager) storeSystemObservation(source, output string) (string, error) {
	it := item{
		Owner:       systemOwner,
		ContentHash: contentHash(source + "\n" + output),
		MemoryType:  "env",
		Domain:      "system",
		Topic:       "probe",
		Summary:     summarize(source+": "+output, 160),
		Content:     output,
		Tier:        "short",
	}
	return m.db.insertItem(it)
}

// AddNote stores an explicit user-authored note, always in mid tier
// (an explicit note is inherently more durable than an incidental turn).
func (m *Manager) AddNote(ctx context.Context, userID, text string) (string, error) {
	if text == "" {
		return "", fmt.Errorf("memory: note text required")
	}
	it := item{
		Owner:       userID,
		ContentHash: contentHash(text),
		MemoryType:  "note",
		Domain:      "user",
		Topic:       "note",
		Summary:     summarize(text, 160),
		Content:     text,
		Tier:        "mid",
	}
	if vec, err := m.embed.embed(ctx, text); err == nil {
		it.Vector = vec
	}
	return m.db.insertItem(it)
}

func (m *Manager) ListMemories(ctx context.Context, userID, tier string, limit int) ([]pipeline.MemoryRow, error) {
	items, err := m.db.listItems(userID, tier, limit)
	if err != nil {
		return nil, err
	}
	return toRows(items), nil
}

// SearchMemories runs the vector -> FTS -> recency fallback chain and
// logs a retrieval event. Every row actually returned is touched
// (access_count bump + tier promotion).
func (m *Manager) SearchMemories(ctx context.Context, userID, query, sessionID string) ([]pipeline.MemoryRow, string, error) {
	results, usedVector, fallback, err := m.search(ctx, userID, query)
	if err != nil {
		return nil, "", err
	}
	retrievalID, _ := m.logRetrieval(userID, query, results, usedVector, fallback, false, 0)
	touchResults(m.db, results, m.cfg.PromoteShortToMid, m.cfg.PromoteMidToLong)
	return toRowsScored(results), retrievalID, nil
}

// search implements the retrieval fallback chain, independent of
// whether the caller is a /memory find command or buildMemoryContext.
func (m *Manager) search(ctx context.Context, userID, query string) (results []scoredItem, usedVector, fallback bool, err error) {
	start := time.Now()
	defer func() { _ = start }()

	if query == "" {
		results, err = m.db.listRecent(userID, m.cfg.SearchLimit)
		return results, false, true, err
	}

	if m.embed.enabled() {
		if vec, embedErr := m.embed.embed(ctx, query); embedErr == nil {
			results, err = m.db.searchVector(userID, vec, m.cfg.SearchLimit, m.cfg.MinSimilarity)
			if err == nil && len(results) > 0 {
				return results, true, false, nil
			}
		}
	}

	results, err = m.db.searchFTS(userID, query, m.cfg.SearchLimit)
	if err == nil && len(results) > 0 {
		return results, false, false, nil
	}

	results, err = m.db.listRecent(userID, m.cfg.SearchLimit)
	return results, false, true, err
}

func (m *Manager) logRetrieval(userID, query string, results []scoredItem, usedVector, fallback, contextInjected bool, contextLines int) (string, error) {
	id := uuid.NewString()
	var topScore float64
	for _, r := range results {
		if r.score > topScore {
			topScore = r.score
		}
	}
	err := m.db.insertRetrievalEvent(retrievalEvent{
		ID:              id,
		UserID:          userID,
		Query:           query,
		UsedVector:      usedVector,
		Fallback:        fallback,
		ResultCount:     len(results),
		TopScore:        topScore,
		LatencyMS:       0,
		ContextInjected: contextInjected,
		ContextLines:    contextLines,
	})
	return id, err
}

// BuildContext runs the same retrieval chain as SearchMemories but
// renders a bounded block for prompt injection instead of a row list,
// and marks the logged event context_injected with its line count.
func (m *Manager) BuildContext(ctx context.Context, userID, query string) (string, error) {
	results, usedVector, fallback, err := m.search(ctx, userID, query)
	if err != nil {
		return "", err
	}
	block, lines := buildContextBlock(results, m.cfg.CharLimit)
	_, _ = m.logRetrieval(userID, query, results, usedVector, fallback, block != "", lines)
	if block != "" {
		touchResults(m.db, results, m.cfg.PromoteShortToMid, m.cfg.PromoteMidToLong)
	}
	return block, nil
}

func (m *Manager) GetMemory(ctx context.Context, userID, memoryID string) (pipeline.MemoryRow, bool, error) {
	it, ok, err := m.db.getItem(userID, memoryID)
	if err != nil || !ok {
		return pipeline.MemoryRow{}, ok, err
	}
	_ = m.db.touchAccess(it.ID, m.cfg.PromoteShortToMid, m.cfg.PromoteMidToLong)
	return toRow(it), true, nil
}

func (m *Manager) SetPinned(ctx context.Context, userID, memoryID string, pinned bool) error {
	ok, err := m.db.setPinned(userID, memoryID, pinned)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("memory: not found")
	}
	return nil
}

func (m *Manager) ForgetMemory(ctx context.Context, userID, memoryID string) error {
	ok, err := m.db.deleteItem(userID, memoryID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("memory: not found")
	}
	return nil
}

func (m *Manager) RecordRetrievalFeedback(ctx context.Context, retrievalID, verdict, note string) error {
	ok, err := m.db.recordFeedback(retrievalID, verdict, note)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("memory: retrieval event not found")
	}
	return nil
}

func (m *Manager) UserStats(ctx context.Context, userID string) (int, bool, error) {
	n, err := m.db.countByOwner(userID)
	return n, m.embed.enabled(), err
}

func (m *Manager) HealthStats(ctx context.Context) (int, bool, error) {
	n, err := m.db.countAll()
	return n, m.embed.enabled(), err
}

func (m *Manager) RetrievalStats(ctx context.Context, days int) (map[string]interface{}, error) {
	return m.db.retrievalStats(days)
}

func toRow(it item) pipeline.MemoryRow {
	return pipeline.MemoryRow{
		MemoryID: it.ID,
		Tier:     it.Tier,
		Domain:   it.Domain,
		Topic:    it.Topic,
		Summary:  it.Summary,
		Pinned:   it.Pinned,
	}
}

func toRows(items []item) []pipeline.MemoryRow {
	rows := make([]pipeline.MemoryRow, len(items))
	for i, it := range items {
		rows[i] = toRow(it)
	}
	return rows
}

func toRowsScored(results []scoredItem) []pipeline.MemoryRow {
	rows := make([]pipeline.MemoryRow, len(results))
	for i, r := range results {
		rows[i] = toRow(r.it)
	}
	return rows
}
