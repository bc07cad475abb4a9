// Package audit implements the privileged-action audit trail spec.md §4.4
// requires: every privileged action's payload and result is logged as a
// single-line JSON event with a fixed set of high-volume/sensitive fields
// redacted. Ported from core/commands/sys_cmd.py's
// _sanitize_for_audit/_redacted_value/_audit, which used to run at the
// chat-command layer; since that command (/sys) is retired, this now
// wires into pkg/privileged as the one remaining chokepoint every
// privileged op passes through regardless of which caller triggered it.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kapy9250/cli-gateway-sub000/pkg/pipeline"
	"github.com/kapy9250/cli-gateway-sub000/pkg/security"
)

// redactedFields mirrors AUDIT_REDACTED_FIELDS: key names (matched
// case-insensitively) whose value is replaced by a hash/size summary
// instead of being written verbatim.
var redactedFields = map[string]struct{}{
	"text":   {},
	"output": {},
	"stderr": {},
	"stdout": {},
	"content": {},
}

// Logger writes one JSON line per event to a rotated log file. It
// satisfies pipeline.AuditLogger.
// Logger writes one JSON line per event to a rotated log file, flagging
// (not blocking on) prompt-injection and credential-leak patterns found
// in the fields it redacts — the privileged-action trail is also the
// one chokepoint every outbound agent result passes through, so it
// doubles as pkg/security's audit point per SPEC_FULL.md's package
// layout note.
type Logger struct {
	out   *lumberjack.Logger
	guard *security.PromptGuard
	leak  *security.LeakDetector
}

// Config mirrors the fields of config.PrivilegedConfig and
// config.SecurityConfig the audit writer needs.
type Config struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	PromptGuardEnabled     bool
	PromptGuardAction      string
	PromptGuardSensitivity float64

	LeakDetectorEnabled     bool
	LeakDetectorSensitivity float64
}

func New(cfg Config) *Logger {
	if cfg.Path == "" {
		cfg.Path = "./data/audit.log"
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 50
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 10
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = 90
	}
	l := &Logger{out: &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}}
	if cfg.PromptGuardEnabled {
		l.guard = security.NewPromptGuard(cfg.PromptGuardAction, cfg.PromptGuardSensitivity)
	}
	if cfg.LeakDetectorEnabled {
		l.leak = security.NewLeakDetector(cfg.LeakDetectorSensitivity)
	}
	return l
}

var _ pipeline.AuditLogger = (*Logger)(nil)

// Log writes one audit event line. fields is sanitized recursively
// before marshaling; Log itself never returns an error since a failed
// audit write must not block the privileged action it's recording —
// matching the original's fire-and-forget logger.info call.
func (l *Logger) Log(event string, fields map[string]interface{}) {
	record := map[string]interface{}{
		"ts":    float64(time.Now().UnixNano()) / 1e9,
		"event": event,
	}
	for k, v := range l.sanitize(fields).(map[string]interface{}) {
		record[k] = v
	}
	line, err := json.Marshal(record)
	if err != nil {
		return
	}
	line = append(line, '\n')
	_, _ = l.out.Write(line)
}

// Close flushes and closes the underlying rotated file.
func (l *Logger) Close() error {
	return l.out.Close()
}

// redactedValue replaces a sensitive field's raw value with a
// size/hash summary, plus the prompt-guard and leak-detector verdicts
// on the raw text when either scanner is configured, so a reviewer can
// tell a flagged payload from an ordinary one without ever storing the
// payload itself.
func (l *Logger) redactedValue(v interface{}) map[string]interface{} {
	if v == nil {
		return map[string]interface{}{"redacted": true, "bytes": 0}
	}
	s, isString := v.(string)
	if !isString {
		s = fmt.Sprintf("%v", v)
	}
	raw := []byte(s)
	sum := sha256.Sum256(raw)
	out := map[string]interface{}{
		"redacted": true,
		"bytes":    len(raw),
		"sha256":   hex.EncodeToString(sum[:]),
	}
	if l.guard != nil {
		if res := l.guard.Scan(s); !res.Safe {
			out["prompt_guard_flagged"] = true
			out["prompt_guard_patterns"] = res.Patterns
			out["prompt_guard_action"] = string(res.Action)
		}
	}
	if l.leak != nil {
		if res := l.leak.Scan(s); !res.Clean {
			out["leak_detected"] = true
			out["leak_patterns"] = res.Patterns
		}
	}
	return out
}

// sanitize walks obj, replacing any map value whose key (lowercased)
// is in redactedFields with redactedValue(v). Slices and nested maps
// are walked recursively; every other value passes through unchanged.
func (l *Logger) sanitize(obj interface{}) interface{} {
	switch v := obj.(type) {
	case map[string]interface{}:
		cleaned := make(map[string]interface{}, len(v))
		for k, val := range v {
			if _, ok := redactedFields[lower(k)]; ok {
				cleaned[k] = l.redactedValue(val)
			} else {
				cleaned[k] = l.sanitize(val)
			}
		}
		return cleaned
	case []interface{}:
		cleaned := make([]interface{}, len(v))
		for i, val := range v {
			cleaned[i] = l.sanitize(val)
		}
		return cleaned
	case []string:
		cleaned := make([]interface{}, len(v))
		for i, val := range v {
			cleaned[i] = val
		}
		return cleaned
	default:
		return v
	}
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
