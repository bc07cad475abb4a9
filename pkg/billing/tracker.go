// Package billing implements the append-only per-session cost ledger
// (spec.md §4.7): one JSONL file per session under a billing directory
// kept outside the user-facing workspace, with an in-memory cumulative
// total reconstructed from disk on startup.
package billing

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kapy9250/cli-gateway-sub000/pkg/logger"
)

// Entry is one billing line.
type Entry struct {
	Timestamp           string  `json:"timestamp"`
	SessionID           string  `json:"session_id"`
	UserID              string  `json:"user_id"`
	Channel             string  `json:"channel"`
	Agent               string  `json:"agent"`
	Model               string  `json:"model"`
	InputTokens         int     `json:"input_tokens"`
	OutputTokens        int     `json:"output_tokens"`
	CacheReadTokens     int     `json:"cache_read_tokens"`
	CacheCreationTokens int     `json:"cache_creation_tokens"`
	CostUSD             float64 `json:"cost_usd"`
	CumulativeCostUSD   float64 `json:"cumulative_cost_usd"`
	DurationMS          int64   `json:"duration_ms"`
}

// RecordInput is the set of fields a caller supplies to Record; the
// timestamp and cumulative total are computed internally.
type RecordInput struct {
	SessionID           string
	UserID              string
	Channel             string
	Agent               string
	Model               string
	InputTokens         int
	OutputTokens        int
	CacheReadTokens     int
	CacheCreationTokens int
	CostUSD             float64
	DurationMS          int64
}

// Tracker is the append-only billing log.
type Tracker struct {
	mu         sync.Mutex
	dir        string
	cumulative map[string]float64
	log        *logger.Logger
}

func NewTracker(dir string, log *logger.Logger) (*Tracker, error) {
	if log == nil {
		log = logger.Nop()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("billing: create dir: %w", err)
	}
	t := &Tracker{dir: dir, cumulative: map[string]float64{}, log: log}
	t.loadCumulative()
	log.Info("billing tracker initialized", logger.String("dir", dir))
	return t, nil
}

// loadCumulative reconstructs in-memory cumulative totals from every
// *.jsonl file's last line. The reconstructed value is exactly the
// logged (rounded) cumulative_cost_usd of the final entry — this is a
// cold-start reconstruction, not a running total, so it does not need to
// replay every line's unrounded cost_usd.
func (t *Tracker) loadCumulative() {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		sessionID := strings.TrimSuffix(e.Name(), ".jsonl")
		total := t.lastCumulativeFromFile(filepath.Join(t.dir, e.Name()))
		t.cumulative[sessionID] = total
	}
}

func (t *Tracker) lastCumulativeFromFile(path string) float64 {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	var total float64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		total = entry.CumulativeCostUSD
	}
	return total
}

// Record appends a billing entry and returns it. The cost_usd and
// cumulative_cost_usd fields written to disk are rounded to 8 decimal
// places; the in-memory cumulative kept for GetSessionTotal is NOT
// rounded, so repeated small costs don't compound rounding error across
// calls — only the persisted record is.
func (t *Tracker) Record(in RecordInput) Entry {
	t.mu.Lock()
	prev := t.cumulative[in.SessionID]
	cumulative := prev + in.CostUSD
	t.cumulative[in.SessionID] = cumulative
	t.mu.Unlock()

	entry := Entry{
		Timestamp:           time.Now().UTC().Format(time.RFC3339Nano),
		SessionID:           in.SessionID,
		UserID:              in.UserID,
		Channel:             in.Channel,
		Agent:               in.Agent,
		Model:               in.Model,
		InputTokens:         in.InputTokens,
		OutputTokens:        in.OutputTokens,
		CacheReadTokens:     in.CacheReadTokens,
		CacheCreationTokens: in.CacheCreationTokens,
		CostUSD:             round8(in.CostUSD),
		CumulativeCostUSD:   round8(cumulative),
		DurationMS:          in.DurationMS,
	}

	path := filepath.Join(t.dir, in.SessionID+".jsonl")
	data, err := json.Marshal(entry)
	if err != nil {
		t.log.Error("billing: failed to marshal entry", logger.Err(err))
		return entry
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		t.log.Error("billing: failed to open billing file", logger.Err(err), logger.String("session_id", in.SessionID))
		return entry
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		t.log.Error("billing: failed to write billing entry", logger.Err(err), logger.String("session_id", in.SessionID))
		return entry
	}
	t.log.Info("billing recorded",
		logger.String("session_id", in.SessionID),
		logger.String("agent", in.Agent),
		logger.String("model", in.Model),
		logger.Float64("cost_usd", in.CostUSD),
		logger.Float64("cumulative_cost_usd", cumulative))
	return entry
}

// GetSessionTotal returns the unrounded in-memory cumulative cost.
func (t *Tracker) GetSessionTotal(sessionID string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cumulative[sessionID]
}

func round8(v float64) float64 {
	const factor = 1e8
	return math.Round(v*factor) / factor
}
