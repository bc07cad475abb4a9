package privileged

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func newTestExecutor(t *testing.T, writeAllowed []string) *Executor {
	t.Helper()
	return NewExecutor(ExecutorConfig{
		WriteAllowedPaths: writeAllowed,
		SensitiveReadPaths: []string{"/etc/shadow"},
		MaxReadBytes:       4096,
	}, nil)
}

func TestWriteFileThenReadFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	e := newTestExecutor(t, []string{dir})
	path := filepath.Join(dir, "config.txt")

	if _, err := e.Execute(context.Background(), "write_file", map[string]interface{}{"path": path, "content": "hello"}); err != nil {
		t.Fatalf("write_file: %v", err)
	}

	result, err := e.Execute(context.Background(), "read_file", map[string]interface{}{"path": path})
	if err != nil {
		t.Fatalf("read_file: %v", err)
	}
	if result["text"] != "hello" {
		t.Fatalf("text = %v", result["text"])
	}
}

func TestWriteFileRejectsPathOutsideAllowList(t *testing.T) {
	dir := t.TempDir()
	e := newTestExecutor(t, []string{filepath.Join(dir, "allowed")})
	path := filepath.Join(dir, "not-allowed", "config.txt")

	if _, err := e.Execute(context.Background(), "write_file", map[string]interface{}{"path": path, "content": "x"}); err == nil {
		t.Fatal("expected write outside allow-list to fail")
	}
}

func TestWriteFileCreatesTimestampedBackup(t *testing.T) {
	dir := t.TempDir()
	e := newTestExecutor(t, []string{dir})
	path := filepath.Join(dir, "config.txt")

	if err := os.WriteFile(path, []byte("v1"), 0644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	result, err := e.Execute(context.Background(), "write_file", map[string]interface{}{"path": path, "content": "v2"})
	if err != nil {
		t.Fatalf("write_file: %v", err)
	}
	backupPath, _ := result["backup_path"].(string)
	if backupPath == "" {
		t.Fatal("expected a backup_path for an existing file")
	}
	data, err := os.ReadFile(backupPath)
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if string(data) != "v1" {
		t.Fatalf("backup content = %q, want v1", data)
	}
}

func TestRestoreFileRejectsBackupOutsideAllowList(t *testing.T) {
	dir := t.TempDir()
	outside := t.TempDir()
	e := newTestExecutor(t, []string{dir})

	target := filepath.Join(dir, "config.txt")
	backup := filepath.Join(outside, "config.txt.bak")
	os.WriteFile(backup, []byte("restored"), 0644)

	if _, err := e.Execute(context.Background(), "restore_file", map[string]interface{}{"path": target, "backup_path": backup}); err == nil {
		t.Fatal("expected restore from a backup outside the allow-list to fail")
	}
}

func TestCronUpsertRejectsNewlineInjection(t *testing.T) {
	dir := t.TempDir()
	e := NewExecutor(ExecutorConfig{CronDir: dir, WriteAllowedPaths: []string{dir}}, nil)

	_, err := e.Execute(context.Background(), "cron_upsert", map[string]interface{}{
		"name":     "job1",
		"schedule": "* * * * *",
		"command":  "echo hi\n0 0 * * * root rm -rf /",
		"user":     "root",
	})
	if err == nil {
		t.Fatal("expected newline-injected command to be rejected")
	}
}

func TestCronUpsertThenList(t *testing.T) {
	dir := t.TempDir()
	e := NewExecutor(ExecutorConfig{CronDir: dir, WriteAllowedPaths: []string{dir}}, nil)

	_, err := e.Execute(context.Background(), "cron_upsert", map[string]interface{}{
		"name":     "backup-job",
		"schedule": "0 3 * * *",
		"command":  "/usr/local/bin/backup.sh",
		"user":     "root",
	})
	if err != nil {
		t.Fatalf("cron_upsert: %v", err)
	}

	result, err := e.Execute(context.Background(), "cron_list", nil)
	if err != nil {
		t.Fatalf("cron_list: %v", err)
	}
	items, _ := result["items"].([]string)
	if len(items) != 1 || items[0] != "backup-job" {
		t.Fatalf("items = %v", items)
	}
}

func TestCronUpsertRejectsInvalidName(t *testing.T) {
	dir := t.TempDir()
	e := NewExecutor(ExecutorConfig{CronDir: dir, WriteAllowedPaths: []string{dir}}, nil)

	_, err := e.Execute(context.Background(), "cron_upsert", map[string]interface{}{
		"name":     "../etc/passwd",
		"schedule": "* * * * *",
		"command":  "echo hi",
	})
	if err == nil {
		t.Fatal("expected path-traversal cron name to be rejected")
	}
}

func TestIsSensitivePathMatchesPrefix(t *testing.T) {
	e := newTestExecutor(t, nil)
	if !e.isSensitivePath("/etc/shadow") {
		t.Fatal("expected /etc/shadow to be sensitive")
	}
	if e.isSensitivePath("/etc/motd") {
		t.Fatal("expected /etc/motd to not be sensitive")
	}
}
