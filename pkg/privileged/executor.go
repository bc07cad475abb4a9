package privileged

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kapy9250/cli-gateway-sub000/pkg/logger"
	"github.com/kapy9250/cli-gateway-sub000/pkg/pipeline"
)

// ExecutorConfig mirrors the fields of config.PrivilegedConfig the
// executor needs, kept local so pkg/privileged doesn't import pkg/config.
type ExecutorConfig struct {
	CronDir              string
	DockerBin            string
	MaxReadBytes         int
	MaxJournalLines      int
	MaxDockerOutputBytes int
	SensitiveReadPaths   []string
	WriteAllowedPaths    []string
}

// Executor implements pipeline.SysExecutorComponent: the actual
// filesystem, cron.d, docker, and journalctl operations the privileged
// daemon performs on behalf of an approved request. Ported from
// core/system_executor.py.
type Executor struct {
	cfg   ExecutorConfig
	log   *logger.Logger
	audit pipeline.AuditLogger
}

// SetAuditLogger wires the spec's privileged-action audit trail: every
// Execute call, regardless of caller (agent_cli_exec under sudo, a
// direct RPC op), is logged with its op/args/result. Left unset, audit
// logging is a no-op.
func (e *Executor) SetAuditLogger(a pipeline.AuditLogger) {
	e.audit = a
}

func NewExecutor(cfg ExecutorConfig, log *logger.Logger) *Executor {
	if cfg.MaxReadBytes <= 0 {
		cfg.MaxReadBytes = 65536
	}
	if cfg.MaxJournalLines <= 0 {
		cfg.MaxJournalLines = 300
	}
	if cfg.MaxDockerOutputBytes <= 0 {
		cfg.MaxDockerOutputBytes = 200000
	}
	if cfg.DockerBin == "" {
		cfg.DockerBin = "docker"
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Executor{cfg: cfg, log: log}
}

var _ pipeline.SysExecutorComponent = (*Executor)(nil)

func normalizePath(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	return filepath.Clean(abs)
}

func pathMatchesPrefixes(p string, prefixes []string) bool {
	np := normalizePath(p)
	for _, prefix := range prefixes {
		nprefix := normalizePath(prefix)
		if np == nprefix || strings.HasPrefix(np, nprefix+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (e *Executor) isSensitivePath(p string) bool {
	return pathMatchesPrefixes(p, e.cfg.SensitiveReadPaths)
}

func (e *Executor) isWriteAllowed(p string) bool {
	return pathMatchesPrefixes(p, e.cfg.WriteAllowedPaths)
}

// Execute dispatches op to the matching method; it is the single entry
// point the RPC server and (for local, non-socket deployments) the
// pipeline wire against pipeline.SysExecutorComponent. Every call is
// audited on the way out, success or failure.
func (e *Executor) Execute(ctx context.Context, op string, args map[string]interface{}) (map[string]interface{}, error) {
	result, err := e.execute(ctx, op, args)
	if e.audit != nil {
		auditResult := result
		if err != nil {
			auditResult = map[string]interface{}{"ok": false, "reason": err.Error()}
		}
		e.audit.Log(op, map[string]interface{}{"payload": args, "result": auditResult})
	}
	return result, err
}

func (e *Executor) execute(ctx context.Context, op string, args map[string]interface{}) (map[string]interface{}, error) {
	switch op {
	case "read_file":
		maxBytes := 0
		if v, ok := args["max_bytes"]; ok {
			maxBytes = toInt(v)
		}
		return e.readFile(argString(args, "path"), maxBytes)
	case "write_file", "config_write":
		return e.writeFile(argString(args, "path"), argString(args, "content"), false)
	case "config_append":
		return e.writeFile(argString(args, "path"), argString(args, "content"), true)
	case "delete_file", "config_delete":
		return e.deleteFile(argString(args, "path"))
	case "restore_file", "config_rollback":
		return e.restoreFile(argString(args, "path"), argString(args, "backup_path"))
	case "cron_list":
		return e.cronList()
	case "cron_upsert":
		user := argString(args, "user")
		if user == "" {
			user = "root"
		}
		return e.cronUpsert(argString(args, "name"), argString(args, "schedule"), argString(args, "command"), user)
	case "cron_delete":
		return e.cronDelete(argString(args, "name"))
	case "docker_exec":
		return e.dockerExec(ctx, argStringSlice(args, "args"))
	case "read_journal", "journal":
		unit := argString(args, "unit")
		since := argString(args, "since")
		lines := e.cfg.MaxJournalLines
		if v, ok := args["lines"]; ok {
			lines = toInt(v)
		}
		return e.readJournal(ctx, unit, since, lines)
	default:
		return nil, fmt.Errorf("system_executor: unsupported op %q", op)
	}
}

func argString(args map[string]interface{}, key string) string {
	if v, ok := args[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func argStringSlice(args map[string]interface{}, key string) []string {
	v, ok := args[key]
	if !ok {
		return nil
	}
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	default:
		return 0
	}
}

// --- file ops ---

func (e *Executor) readFile(path string, maxBytes int) (map[string]interface{}, error) {
	if path == "" {
		return nil, fmt.Errorf("system_executor: read_file requires path")
	}
	norm := normalizePath(path)
	info, err := os.Stat(norm)
	if err != nil {
		return nil, fmt.Errorf("system_executor: read_file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("system_executor: read_file: %s is not a file", norm)
	}

	f, err := os.Open(norm)
	if err != nil {
		return nil, fmt.Errorf("system_executor: read_file: %w", err)
	}
	defer f.Close()

	limit := e.cfg.MaxReadBytes
	if maxBytes > 0 && maxBytes < limit {
		limit = maxBytes
	}
	buf := make([]byte, limit+1)
	n, readErr := io.ReadFull(f, buf)
	if readErr != nil && readErr != io.ErrUnexpectedEOF && readErr != io.EOF {
		return nil, fmt.Errorf("system_executor: read_file: %w", readErr)
	}
	truncated := n > limit
	if truncated {
		n = limit
	}
	return map[string]interface{}{
		"path":           norm,
		"size_bytes":     info.Size(),
		"returned_bytes": n,
		"truncated":      truncated,
		"text":           string(buf[:n]),
		"sensitive":      e.isSensitivePath(norm),
	}, nil
}

func (e *Executor) writeFile(path, content string, appendMode bool) (map[string]interface{}, error) {
	if path == "" {
		return nil, fmt.Errorf("system_executor: write_file requires path")
	}
	norm := normalizePath(path)
	if !e.isWriteAllowed(norm) {
		return nil, fmt.Errorf("system_executor: %s is not under an allowed write path", norm)
	}
	if err := os.MkdirAll(filepath.Dir(norm), 0755); err != nil {
		return nil, fmt.Errorf("system_executor: write_file: mkdir: %w", err)
	}
	var backupPath string
	if existing, err := os.ReadFile(norm); err == nil {
		backupPath = fmt.Sprintf("%s.bak.%s", norm, time.Now().Format("20060102_150405"))
		if err := os.WriteFile(backupPath, existing, 0644); err != nil {
			return nil, fmt.Errorf("system_executor: write_file: backup: %w", err)
		}
	}

	flags := os.O_WRONLY | os.O_CREATE
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(norm, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("system_executor: write_file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return nil, fmt.Errorf("system_executor: write_file: %w", err)
	}
	return map[string]interface{}{"path": norm, "backup_path": backupPath, "append": appendMode}, nil
}

func (e *Executor) deleteFile(path string) (map[string]interface{}, error) {
	if path == "" {
		return nil, fmt.Errorf("system_executor: delete_file requires path")
	}
	norm := normalizePath(path)
	if !e.isWriteAllowed(norm) {
		return nil, fmt.Errorf("system_executor: %s is not under an allowed write path", norm)
	}
	if _, err := os.Stat(norm); err != nil {
		return nil, fmt.Errorf("system_executor: delete_file: %w", err)
	}
	if err := os.Remove(norm); err != nil {
		return nil, fmt.Errorf("system_executor: delete_file: %w", err)
	}
	return map[string]interface{}{"path": norm}, nil
}

// restoreFile copies backupPath over path. Unlike the original, which
// only checks the target path against the write-allowed list, this
// checks both target and backup path, since a backup path it doesn't
// also control could be used to smuggle arbitrary content onto an
// allowed path.
func (e *Executor) restoreFile(path, backupPath string) (map[string]interface{}, error) {
	if path == "" || backupPath == "" {
		return nil, fmt.Errorf("system_executor: restore_file requires path and backup_path")
	}
	target := normalizePath(path)
	backup := normalizePath(backupPath)
	if !e.isWriteAllowed(target) || !e.isWriteAllowed(backup) {
		return nil, fmt.Errorf("system_executor: restore_file requires both paths under an allowed write path")
	}
	info, err := os.Stat(backup)
	if err != nil {
		return nil, fmt.Errorf("system_executor: restore_file: backup not found: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("system_executor: restore_file: %s is not a file", backup)
	}
	data, err := os.ReadFile(backup)
	if err != nil {
		return nil, fmt.Errorf("system_executor: restore_file: read backup: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return nil, fmt.Errorf("system_executor: restore_file: mkdir: %w", err)
	}
	if err := os.WriteFile(target, data, 0644); err != nil {
		return nil, fmt.Errorf("system_executor: restore_file: write: %w", err)
	}
	return map[string]interface{}{"path": target, "backup_path": backup}, nil
}

// --- cron.d ---

var cronNameRe = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

func (e *Executor) validateCronName(name string) error {
	if name == "" || !cronNameRe.MatchString(name) || strings.Contains(name, "..") {
		return fmt.Errorf("system_executor: invalid cron job name %q", name)
	}
	return nil
}

func (e *Executor) cronFilePath(name string) string {
	return filepath.Join(e.cfg.CronDir, name)
}

func (e *Executor) cronList() (map[string]interface{}, error) {
	entries, err := os.ReadDir(e.cfg.CronDir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]interface{}{"items": []string{}}, nil
		}
		return nil, fmt.Errorf("system_executor: cron_list: %w", err)
	}
	items := make([]string, 0, len(entries))
	for _, ent := range entries {
		if !ent.IsDir() {
			items = append(items, ent.Name())
		}
	}
	sort.Strings(items)
	return map[string]interface{}{"items": items}, nil
}

// cronUpsert writes a cron.d file for name. Unlike the original, which
// interpolates schedule and command into the job line unchecked, this
// rejects either field if it contains \n or \r: the original's caller
// never lets a command string reach here with an embedded newline, but
// the executor itself should not rely on that.
func (e *Executor) cronUpsert(name, schedule, command, user string) (map[string]interface{}, error) {
	if err := e.validateCronName(name); err != nil {
		return nil, err
	}
	if strings.ContainsAny(schedule, "\n\r") || strings.ContainsAny(command, "\n\r") {
		return nil, fmt.Errorf("system_executor: cron_upsert: schedule or command contains a newline")
	}
	path := e.cronFilePath(name)
	content := strings.Join([]string{
		"SHELL=/bin/bash",
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		fmt.Sprintf("%s %s %s", schedule, user, command),
		"",
	}, "\n")
	return e.writeFile(path, content, false)
}

func (e *Executor) cronDelete(name string) (map[string]interface{}, error) {
	if err := e.validateCronName(name); err != nil {
		return nil, err
	}
	path := e.cronFilePath(name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("system_executor: cron_delete: %w", err)
	}
	return map[string]interface{}{"name": name, "deleted": true}, nil
}

// --- docker / journal ---

func (e *Executor) dockerExec(ctx context.Context, args []string) (map[string]interface{}, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("system_executor: docker_exec requires args")
	}
	cctx, cancel := context.WithTimeout(ctx, 120*time.Second)
	defer cancel()

	fullCmd := append([]string{e.cfg.DockerBin}, args...)
	cmd := exec.CommandContext(cctx, e.cfg.DockerBin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("system_executor: docker_exec: %w", runErr)
		}
	}

	combined := strings.TrimSpace(stdout.String())
	if stderr.Len() > 0 {
		combined = strings.TrimSpace(combined + "\n" + stderr.String())
	}
	truncated := len(combined) > e.cfg.MaxDockerOutputBytes
	if truncated {
		combined = combined[:e.cfg.MaxDockerOutputBytes]
	}

	return map[string]interface{}{
		"ok":         exitCode == 0,
		"returncode": exitCode,
		"output":     combined,
		"truncated":  truncated,
		"cmd":        fullCmd,
	}, nil
}

func (e *Executor) readJournal(ctx context.Context, unit, since string, lines int) (map[string]interface{}, error) {
	if lines <= 0 || lines > e.cfg.MaxJournalLines {
		lines = e.cfg.MaxJournalLines
	}
	cctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	args := []string{"--no-pager", "-n", strconv.Itoa(lines)}
	if unit != "" {
		args = append(args, "-u", unit)
	}
	if since != "" {
		args = append(args, "--since", since)
	}
	cmd := exec.CommandContext(cctx, "journalctl", args...)
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	runErr := cmd.Run()

	if exitErr, ok := runErr.(*exec.ExitError); ok {
		return map[string]interface{}{
			"ok":         false,
			"reason":     "journalctl_failed",
			"returncode": exitErr.ExitCode(),
			"stderr":     truncateString(strings.TrimSpace(errBuf.String()), 2000),
		}, nil
	}
	if runErr != nil {
		return nil, fmt.Errorf("system_executor: read_journal: %w", runErr)
	}
	return map[string]interface{}{
		"ok":     true,
		"unit":   unit,
		"lines":  lines,
		"output": strings.TrimSpace(out.String()),
	}, nil
}

func truncateString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
