package session

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestCreateSessionBasic(t *testing.T) {
	m := NewManager()
	s := m.CreateSession("u1", "c1", "", "claude", "", "", nil, "")
	if s.UserID != "u1" || s.ChatID != "c1" || s.AgentName != "claude" {
		t.Fatalf("unexpected session: %+v", s)
	}
	if s.Params == nil {
		t.Fatal("expected params to default to empty map")
	}
}

func TestCreateAutoGeneratesID(t *testing.T) {
	m := NewManager()
	s := m.CreateSession("u1", "c1", "", "claude", "", "", nil, "")
	if len(s.SessionID) != 8 {
		t.Fatalf("expected 8-char session id, got %q", s.SessionID)
	}
}

func TestCreateSetsActive(t *testing.T) {
	m := NewManager()
	s := m.CreateSession("u1", "c1", "telegram:dm:u1", "claude", "", "", nil, "")
	if got := m.GetActiveSession("u1"); got == nil || got.SessionID != s.SessionID {
		t.Fatal("expected new session to become active for user")
	}
	if got := m.GetActiveSessionForScope("telegram:dm:u1"); got == nil || got.SessionID != s.SessionID {
		t.Fatal("expected new session to become active for scope")
	}
}

func TestGetActiveNoSession(t *testing.T) {
	m := NewManager()
	if m.GetActiveSession("ghost") != nil {
		t.Fatal("expected nil for user with no session")
	}
}

func TestSwitchSession(t *testing.T) {
	m := NewManager()
	m.CreateSession("u1", "c1", "", "claude", "s1", "", nil, "")
	m.CreateSession("u1", "c1", "", "claude", "s2", "", nil, "")
	if !m.SwitchSession("u1", "", "s1") {
		t.Fatal("expected switch to succeed")
	}
	if got := m.GetActiveSession("u1"); got.SessionID != "s1" {
		t.Fatalf("expected active session s1, got %s", got.SessionID)
	}
}

func TestSwitchSessionWrongUser(t *testing.T) {
	m := NewManager()
	m.CreateSession("u1", "c1", "", "claude", "s1", "", nil, "")
	if m.SwitchSession("u2", "", "s1") {
		t.Fatal("expected switch to fail for non-owning user")
	}
}

func TestDestroySession(t *testing.T) {
	m := NewManager()
	m.CreateSession("u1", "c1", "", "claude", "s1", "", nil, "")
	if m.DestroySession("s1") == nil {
		t.Fatal("expected destroy to return the removed session")
	}
	if m.GetSession("s1") != nil {
		t.Fatal("expected session gone after destroy")
	}
	if m.GetActiveSession("u1") != nil {
		t.Fatal("expected active pointer cleared after destroy")
	}
}

func TestUpdateModelAndParams(t *testing.T) {
	m := NewManager()
	m.CreateSession("u1", "c1", "", "claude", "s1", "", map[string]string{"a": "1"}, "")
	if !m.UpdateModel("s1", "opus") {
		t.Fatal("expected update model to succeed")
	}
	if m.GetSession("s1").Model != "opus" {
		t.Fatal("expected model updated")
	}
	if !m.UpdateParam("s1", "b", "2") {
		t.Fatal("expected update param to succeed")
	}
	if m.GetSession("s1").Params["b"] != "2" {
		t.Fatal("expected param set")
	}
	if !m.ResetParams("s1", map[string]string{"a": "default"}) {
		t.Fatal("expected reset params to succeed")
	}
	if m.GetSession("s1").Params["a"] != "default" {
		t.Fatal("expected params reset to defaults")
	}
}

func TestMaxSessionsEviction(t *testing.T) {
	m := NewManager(WithMaxSessionsPerUser(2))
	m.CreateSession("u1", "c1", "", "claude", "s1", "", nil, "")
	time.Sleep(10 * time.Millisecond)
	m.CreateSession("u1", "c1", "", "claude", "s2", "", nil, "")
	time.Sleep(10 * time.Millisecond)
	m.CreateSession("u1", "c1", "", "claude", "s3", "", nil, "")

	if m.GetSession("s1") != nil {
		t.Fatal("expected oldest session s1 evicted")
	}
	if m.GetSession("s2") == nil || m.GetSession("s3") == nil {
		t.Fatal("expected s2 and s3 to survive")
	}
}

func TestPersistenceAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, ".sessions.json")

	m1 := NewManager(WithStatePath(statePath))
	m1.CreateSession("u1", "c1", "", "claude", "persist1", "opus", map[string]string{"k": "v"}, "")

	m2 := NewManager(WithStatePath(statePath))
	s := m2.GetSession("persist1")
	if s == nil || s.Model != "opus" || s.Params["k"] != "v" {
		t.Fatalf("expected reloaded session to preserve model/params, got %+v", s)
	}
	if got := m2.GetActiveSession("u1"); got == nil || got.SessionID != "persist1" {
		t.Fatal("expected active-by-user pointer to survive reload")
	}
}

func TestPersistenceScopeActivePointer(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, ".sessions.json")

	m1 := NewManager(WithStatePath(statePath))
	m1.CreateSession("u1", "c1", "telegram:dm:u1", "claude", "persist_scope", "", nil, "")

	m2 := NewManager(WithStatePath(statePath))
	scoped := m2.GetActiveSessionForScope("telegram:dm:u1")
	if scoped == nil || scoped.SessionID != "persist_scope" {
		t.Fatalf("expected scope pointer to survive reload, got %+v", scoped)
	}
}

func TestCleanupInactiveDisabled(t *testing.T) {
	m := NewManager(WithCleanupInactiveAfterHours(0))
	m.CreateSession("u1", "c1", "", "claude", "s1", "", nil, "")
	if n := m.CleanupInactiveSessions(); n != 0 {
		t.Fatalf("expected cleanup disabled to remove nothing, removed %d", n)
	}
}

func TestCleanupStaleSessions(t *testing.T) {
	m := NewManager(WithCleanupInactiveAfterHours(1))
	m.CreateSession("u1", "c1", "", "claude", "s1", "", nil, "")
	s := m.GetSession("s1")
	s.LastActive = nowSeconds() - 7200

	if n := m.CleanupInactiveSessions(); n != 1 {
		t.Fatalf("expected 1 stale session removed, got %d", n)
	}
	if m.GetSession("s1") != nil {
		t.Fatal("expected stale session removed")
	}
}

func TestGenerateSessionIDFormat(t *testing.T) {
	sid := GenerateSessionID()
	if len(sid) != 8 {
		t.Fatalf("expected 8-char session id, got %q", sid)
	}
	for _, c := range sid {
		if !strings.ContainsRune("0123456789abcdef", c) {
			t.Fatalf("unexpected character %q in session id %q", c, sid)
		}
	}
}

func TestGenerateSessionIDUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		seen[GenerateSessionID()] = true
	}
	if len(seen) != 100 {
		t.Fatalf("expected 100 unique ids, got %d", len(seen))
	}
}

func TestAddHistoryBoundedAt20(t *testing.T) {
	m := NewManager()
	for i := 0; i < 25; i++ {
		m.AddHistory("s1", "user", "msg", 20, false)
	}
	if got := len(m.GetHistory("s1")); got != 20 {
		t.Fatalf("expected history bounded to 20 entries, got %d", got)
	}
}
