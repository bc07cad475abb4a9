// Package agent implements the AgentAdapter contract (spec.md §4.3):
// spawning and tracking per-session CLI subprocesses in either Shape A
// (one-shot JSON, the Claude family) or Shape B (streaming stdout
// lines, the Codex/Gemini families), with optional remote execution
// through a privileged daemon.
package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kapy9250/cli-gateway-sub000/pkg/config"
	"github.com/kapy9250/cli-gateway-sub000/pkg/logger"
	"github.com/kapy9250/cli-gateway-sub000/pkg/pipeline"
)

const defaultTimeout = 300 * time.Second

// sessionState is the adapter-owned runtime record for one session: the
// in-flight subprocess (if any), whether this is the first send (which
// decides --session-id vs --resume for the Claude family), and the
// pop-once usage record from the most recent send.
type sessionState struct {
	mu        sync.Mutex
	info      pipeline.SessionInfo
	firstSend bool
	proc      *exec.Cmd
	cancel    context.CancelFunc
	lastUsage *pipeline.UsageInfo
}

// Adapter is a CLI-subprocess agent: one adapter instance per
// configured agent family (claude/codex/gemini), fanning out to one
// child process per active session.
type Adapter struct {
	name   string
	cfg    config.AgentAdapterConfig
	wsBase string
	log    *logger.Logger

	// SysClient, when non-nil, forwards every invocation to a remote
	// privileged daemon instead of spawning a local subprocess.
	SysClient pipeline.SysClientComponent

	mu       sync.Mutex
	sessions map[string]*sessionState
}

func New(name string, cfg config.AgentAdapterConfig, workspaceBase string, log *logger.Logger) *Adapter {
	if log == nil {
		log = logger.Nop()
	}
	return &Adapter{
		name:     name,
		cfg:      cfg,
		wsBase:   workspaceBase,
		log:      log,
		sessions: map[string]*sessionState{},
	}
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) DefaultModel() string { return a.cfg.DefaultModel }

func (a *Adapter) DefaultParams() map[string]string {
	out := make(map[string]string, len(a.cfg.DefaultParams))
	for k, v := range a.cfg.DefaultParams {
		out[k] = v
	}
	return out
}

// CreateSession is idempotent: calling it again with an id already
// tracked returns the existing record untouched.
func (a *Adapter) CreateSession(ctx context.Context, userID, chatID, sessionID string) (pipeline.SessionInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if sessionID != "" {
		if st, ok := a.sessions[sessionID]; ok {
			st.mu.Lock()
			info := st.info
			st.mu.Unlock()
			return info, nil
		}
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	workDir := filepath.Join(a.wsBase, "sess_"+sessionID)
	if err := initWorkspace(workDir); err != nil {
		return pipeline.SessionInfo{}, fmt.Errorf("agent %s: init workspace: %w", a.name, err)
	}

	info := pipeline.SessionInfo{SessionID: sessionID, WorkDir: workDir}
	a.sessions[sessionID] = &sessionState{info: info}
	a.log.Info("agent session created", logger.String("agent", a.name), logger.String("session_id", sessionID))
	return info, nil
}

func (a *Adapter) GetSessionInfo(sessionID string) (pipeline.SessionInfo, bool) {
	st, ok := a.lookup(sessionID)
	if !ok {
		return pipeline.SessionInfo{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.info, true
}

func (a *Adapter) IsProcessAlive(sessionID string) bool {
	st, ok := a.lookup(sessionID)
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.proc != nil && st.proc.ProcessState == nil
}

func (a *Adapter) KillProcess(ctx context.Context, sessionID string) error {
	st, ok := a.lookup(sessionID)
	if !ok {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.cancel != nil {
		st.cancel()
	}
	if st.proc != nil && st.proc.Process != nil && st.proc.ProcessState == nil {
		_ = st.proc.Process.Kill()
	}
	st.info.IsBusy = false
	st.proc = nil
	return nil
}

// DestroySession cancels any in-flight child and drops the session's
// in-memory state; the workspace directory on disk is left in place.
func (a *Adapter) DestroySession(ctx context.Context, sessionID string) error {
	_ = a.KillProcess(ctx, sessionID)
	a.mu.Lock()
	delete(a.sessions, sessionID)
	a.mu.Unlock()
	return nil
}

func (a *Adapter) GetLastUsage(sessionID string) (pipeline.UsageInfo, bool) {
	st, ok := a.lookup(sessionID)
	if !ok {
		return pipeline.UsageInfo{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.lastUsage == nil {
		return pipeline.UsageInfo{}, false
	}
	usage := *st.lastUsage
	st.lastUsage = nil
	return usage, true
}

func (a *Adapter) lookup(sessionID string) (*sessionState, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.sessions[sessionID]
	return st, ok
}

// SendMessage is the one entry point shared by both shapes: resolve
// args, apply root-mode rewriting, then dispatch to a local subprocess
// or a remote privileged daemon.
func (a *Adapter) SendMessage(ctx context.Context, sessionID, message, model string, params map[string]string, runAsRoot bool) (<-chan string, error) {
	st, ok := a.lookup(sessionID)
	if !ok {
		return nil, fmt.Errorf("agent %s: session not found: %s", a.name, sessionID)
	}

	st.mu.Lock()
	st.info.IsBusy = true
	wasFirst := !st.firstSend
	st.firstSend = true
	workDir := st.info.WorkDir
	st.mu.Unlock()

	args := a.buildArgs(message, sessionID, model, params, wasFirst)
	if runAsRoot {
		args = rewriteForRoot(a.cfg.Family, args)
	}

	if a.cfg.RequireRemote || a.SysClient != nil {
		if a.SysClient == nil {
			st.mu.Lock()
			st.info.IsBusy = false
			st.mu.Unlock()
			return nil, fmt.Errorf("agent %s: system_client_required", a.name)
		}
		return a.sendRemote(ctx, st, workDir, args), nil
	}

	if a.cfg.Shape == "stream" {
		return a.sendStream(ctx, st, workDir, args)
	}
	return a.sendOneShot(ctx, st, workDir, args), nil
}

func (a *Adapter) buildArgs(message, sessionID, model string, params map[string]string, firstSend bool) []string {
	args := make([]string, 0, len(a.cfg.ArgsTemplate)+6)
	for _, tmpl := range a.cfg.ArgsTemplate {
		tmpl = strings.ReplaceAll(tmpl, "{prompt}", message)
		tmpl = strings.ReplaceAll(tmpl, "{session_id}", sessionID)
		args = append(args, tmpl)
	}

	if model != "" {
		if flag, ok := a.cfg.SupportedParams["model"]; ok {
			full := model
			if mapped, ok := a.cfg.Models[model]; ok {
				full = mapped
			}
			args = append(args, flag, full)
		}
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if flag, ok := a.cfg.SupportedParams[key]; ok {
			args = append(args, flag, params[key])
		}
	}

	if a.cfg.Shape != "stream" && a.cfg.Family == "claude" {
		if firstSend {
			args = append(args, "--session-id", sessionID)
		} else {
			args = append(args, "--resume", sessionID)
		}
	}
	if a.cfg.Shape == "stream" && a.cfg.SkipGitRepoCheck {
		args = append(args, "--skip-git-repo-check")
	}

	return args
}

func (a *Adapter) timeout() time.Duration {
	if a.cfg.TimeoutSeconds <= 0 {
		return defaultTimeout
	}
	return time.Duration(a.cfg.TimeoutSeconds) * time.Second
}

func (a *Adapter) mergedEnv() []string {
	merged := map[string]string{}
	for _, kv := range os.Environ() {
		if idx := strings.IndexByte(kv, '='); idx >= 0 {
			merged[kv[:idx]] = kv[idx+1:]
		}
	}
	for k, v := range a.cfg.Env {
		merged[k] = v
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func (a *Adapter) clearBusy(st *sessionState) {
	st.mu.Lock()
	st.info.IsBusy = false
	st.proc = nil
	st.mu.Unlock()
}

// sendOneShot implements Shape A: run the binary once, parse its
// entire stdout as one JSON document.
func (a *Adapter) sendOneShot(ctx context.Context, st *sessionState, workDir string, args []string) <-chan string {
	out := make(chan string, 1)
	runCtx, cancel := context.WithTimeout(ctx, a.timeout())

	cmd := exec.CommandContext(runCtx, a.cfg.Command, args...)
	cmd.Dir = workDir
	cmd.Env = a.mergedEnv()
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	st.mu.Lock()
	st.cancel = cancel
	st.proc = cmd
	st.mu.Unlock()

	go func() {
		defer close(out)
		defer cancel()
		defer a.clearBusy(st)

		err := cmd.Run()
		switch {
		case runCtx.Err() == context.DeadlineExceeded:
			out <- fmt.Sprintf("⚠️ operation timed out after %ds", int(a.timeout().Seconds()))
		case errors.Is(err, exec.ErrNotFound):
			out <- fmt.Sprintf("❌ command not found: %s", a.cfg.Command)
		case err != nil:
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				out <- exitChunk(exitErr.ExitCode(), stderr.String())
			} else {
				out <- fmt.Sprintf("❌ execution error: %v", err)
			}
		default:
			result, usage, ok := parseOneShotJSON(stdout.Bytes())
			if !ok {
				out <- strings.TrimSpace(stdout.String())
				return
			}
			st.mu.Lock()
			st.lastUsage = &usage
			st.mu.Unlock()
			out <- result
		}
	}()

	return out
}

// sendStream implements Shape B: stream stdout line by line as it
// arrives, enforcing a wall-clock timeout via context cancellation.
func (a *Adapter) sendStream(ctx context.Context, st *sessionState, workDir string, args []string) (<-chan string, error) {
	out := make(chan string, 16)
	runCtx, cancel := context.WithTimeout(ctx, a.timeout())

	cmd := exec.CommandContext(runCtx, a.cfg.Command, args...)
	cmd.Dir = workDir
	cmd.Env = a.mergedEnv()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		a.clearBusy(st)
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		a.clearBusy(st)
		return nil, err
	}

	st.mu.Lock()
	st.cancel = cancel
	st.proc = cmd
	st.mu.Unlock()

	if err := cmd.Start(); err != nil {
		cancel()
		a.clearBusy(st)
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("agent %s: command not found: %s", a.name, a.cfg.Command)
		}
		return nil, err
	}

	var stderrBuf bytes.Buffer
	go func() { _, _ = io.Copy(&stderrBuf, stderr) }()

	go func() {
		defer close(out)
		defer cancel()
		defer a.clearBusy(st)

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			if line := scanner.Text(); line != "" {
				out <- line
			}
		}

		waitErr := cmd.Wait()
		switch {
		case runCtx.Err() == context.DeadlineExceeded:
			out <- fmt.Sprintf("⚠️ operation timed out after %ds, result truncated", int(a.timeout().Seconds()))
		case waitErr != nil:
			var exitErr *exec.ExitError
			if errors.As(waitErr, &exitErr) {
				out <- exitChunk(exitErr.ExitCode(), stderrBuf.String())
			} else {
				out <- fmt.Sprintf("❌ execution error: %v", waitErr)
			}
		}
	}()

	return out, nil
}

// sendRemote forwards the invocation to a privileged daemon as a
// single agent_cli_exec request/response pair; SysClientComponent has
// no streaming primitive, so the non-streaming fallback described in
// spec.md §4.3 is the only remote path implemented.
func (a *Adapter) sendRemote(ctx context.Context, st *sessionState, workDir string, args []string) <-chan string {
	out := make(chan string, 16)
	payload := map[string]interface{}{
		"agent":           a.name,
		"mode":            a.cfg.Shape,
		"instance_id":     a.name,
		"command":         a.cfg.Command,
		"args":            args,
		"cwd":             workDir,
		"env":             a.cfg.Env,
		"timeout_seconds": int(a.timeout().Seconds()),
	}

	go func() {
		defer close(out)
		defer a.clearBusy(st)

		result, err := a.SysClient.Execute(ctx, "agent_cli_exec", payload)
		if err != nil {
			out <- fmt.Sprintf("❌ remote execution error: %v", err)
			return
		}

		stdout, _ := result["stdout"].(string)
		stderrOut, _ := result["stderr"].(string)
		returncode := toInt(result["returncode"])

		if returncode != 0 {
			if a.cfg.Shape == "stream" {
				for _, line := range strings.Split(stdout, "\n") {
					if line != "" {
						out <- line
					}
				}
			} else if strings.TrimSpace(stdout) != "" {
				out <- strings.TrimSpace(stdout)
			}
			out <- exitChunk(returncode, stderrOut)
			return
		}

		if a.cfg.Shape == "stream" {
			for _, line := range strings.Split(stdout, "\n") {
				if line != "" {
					out <- line
				}
			}
			return
		}

		result2, usage, ok := parseOneShotJSON([]byte(stdout))
		if !ok {
			out <- strings.TrimSpace(stdout)
			return
		}
		st.mu.Lock()
		st.lastUsage = &usage
		st.mu.Unlock()
		out <- result2
	}()

	return out
}

func exitChunk(code int, stderrText string) string {
	chunk := fmt.Sprintf("\n\n❌ Exit code: %d", code)
	if strings.TrimSpace(stderrText) != "" {
		chunk += "\nError: " + strings.TrimSpace(stderrText)
	}
	return chunk
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

type oneShotDoc struct {
	Result string `json:"result"`
	Usage  struct {
		InputTokens          int `json:"input_tokens"`
		OutputTokens         int `json:"output_tokens"`
		CacheReadInputTokens int `json:"cache_read_input_tokens"`
		CacheCreationTokens  int `json:"cache_creation_tokens"`
	} `json:"usage"`
	TotalCostUSD float64                `json:"total_cost_usd"`
	DurationMS   int64                  `json:"duration_ms"`
	ModelUsage   map[string]interface{} `json:"modelUsage"`
}

func parseOneShotJSON(raw []byte) (string, pipeline.UsageInfo, bool) {
	var doc oneShotDoc
	if err := json.Unmarshal(bytes.TrimSpace(raw), &doc); err != nil {
		return "", pipeline.UsageInfo{}, false
	}

	model := ""
	for name := range doc.ModelUsage {
		model = name
		break
	}

	usage := pipeline.UsageInfo{
		InputTokens:         doc.Usage.InputTokens,
		OutputTokens:        doc.Usage.OutputTokens,
		CacheReadTokens:     doc.Usage.CacheReadInputTokens,
		CacheCreationTokens: doc.Usage.CacheCreationTokens,
		CostUSD:             doc.TotalCostUSD,
		DurationMS:          doc.DurationMS,
		Model:               model,
	}
	return doc.Result, usage, true
}
