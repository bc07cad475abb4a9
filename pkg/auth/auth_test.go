package auth

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func newTestAuth() *Auth {
	return New(
		WithChannelAllowed(map[string][]string{
			"telegram": {"123"},
			"discord":  {"456"},
		}),
		WithAdminUsers([]string{"123"}),
	)
}

func TestCheckAllowedUser(t *testing.T) {
	a := newTestAuth()
	if !a.Check("123", "telegram") {
		t.Fatal("expected user 123 allowed on telegram")
	}
}

func TestCheckDisallowedUser(t *testing.T) {
	a := newTestAuth()
	if a.Check("999", "telegram") {
		t.Fatal("expected user 999 denied on telegram")
	}
}

func TestCheckWrongChannel(t *testing.T) {
	a := newTestAuth()
	if a.Check("123", "discord") {
		t.Fatal("user 123 is only allowed on telegram")
	}
}

func TestCheckNoChannelFallback(t *testing.T) {
	a := newTestAuth()
	if !a.Check("123", "") {
		t.Fatal("expected fallback check across channels to allow 123")
	}
	if a.Check("999", "") {
		t.Fatal("expected fallback check to deny 999")
	}
}

func TestCheckUnconfiguredChannel(t *testing.T) {
	a := newTestAuth()
	if a.Check("123", "sms") {
		t.Fatal("expected deny on channel with no allow-list")
	}
}

func TestRateLimitingBasic(t *testing.T) {
	a := New(WithChannelAllowed(map[string][]string{"telegram": {"1"}}), WithMaxRequestsPerMinute(3))
	for i := 0; i < 3; i++ {
		if !a.Check("1", "telegram") {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if a.Check("1", "telegram") {
		t.Fatal("4th request should be rate limited")
	}
}

func TestRateLimitingDisabled(t *testing.T) {
	a := New(WithChannelAllowed(map[string][]string{"telegram": {"1"}}), WithMaxRequestsPerMinute(0))
	for i := 0; i < 100; i++ {
		if !a.Check("1", "telegram") {
			t.Fatalf("request %d should be allowed with rate limiting disabled", i)
		}
	}
}

func TestCheckDetailedReasons(t *testing.T) {
	a := New(WithChannelAllowed(map[string][]string{"telegram": {"1"}}), WithMaxRequestsPerMinute(1))
	if reason, ok := a.CheckDetailed("1", "telegram"); !ok || reason != DenyNone {
		t.Fatalf("first request: got (%q, %v)", reason, ok)
	}
	if reason, ok := a.CheckDetailed("1", "telegram"); ok || reason != DenyRateLimited {
		t.Fatalf("second request: expected rate_limited, got (%q, %v)", reason, ok)
	}
	if reason, ok := a.CheckDetailed("2", "telegram"); ok || reason != DenyUnauthorized {
		t.Fatalf("unknown user: expected unauthorized, got (%q, %v)", reason, ok)
	}
}

func TestUserMutation(t *testing.T) {
	a := newTestAuth()
	a.AddUser("999", "telegram")
	if !a.Check("999", "telegram") {
		t.Fatal("expected 999 allowed after AddUser")
	}
	a.RemoveUser("123", "telegram")
	if a.Check("123", "telegram") {
		t.Fatal("expected 123 denied after RemoveUser")
	}
}

func TestRemoveUserRevokesSystemAdmin(t *testing.T) {
	a := newTestAuth()
	a.AddSystemAdmin("123")
	if !a.IsSystemAdmin("123") {
		t.Fatal("expected 123 to be system admin")
	}
	a.RemoveUser("123", "telegram")
	if a.IsSystemAdmin("123") {
		t.Fatal("expected system admin revoked once user has no channel membership")
	}
}

func TestAdminOperations(t *testing.T) {
	a := newTestAuth()
	if !a.IsAdmin("123") {
		t.Fatal("expected 123 to be admin")
	}
	a.AddAdmin("999")
	if !a.IsAdmin("999") {
		t.Fatal("expected 999 to be admin after AddAdmin")
	}
	a.RemoveAdmin("123")
	if a.IsAdmin("123") {
		t.Fatal("expected 123 not admin after RemoveAdmin")
	}
}

func TestSystemAdminOperations(t *testing.T) {
	a := newTestAuth()
	if a.IsSystemAdmin("123") {
		t.Fatal("expected 123 not system admin by default")
	}
	a.AddSystemAdmin("777")
	a.RemoveSystemAdmin("777")
	if a.IsSystemAdmin("777") {
		t.Fatal("expected 777 not system admin after remove")
	}
}

func TestAllowedUsersUnion(t *testing.T) {
	a := newTestAuth()
	users := a.AllowedUsers()
	if _, ok := users["123"]; !ok {
		t.Fatal("expected 123 in union")
	}
	if _, ok := users["456"]; !ok {
		t.Fatal("expected 456 in union")
	}
}

func TestStatePersistenceSaveLoad(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "auth.json")

	a1 := New(WithStatePath(statePath), WithChannelAllowed(map[string][]string{"telegram": {"1"}}), WithAdminUsers([]string{"1"}))
	a1.AddUser("2", "discord")
	a1.AddAdmin("2")
	a1.AddSystemAdmin("3")

	a2 := New(WithStatePath(statePath))
	if !a2.Check("1", "telegram") {
		t.Fatal("expected 1 allowed after reload")
	}
	if !a2.Check("2", "discord") {
		t.Fatal("expected 2 allowed after reload")
	}
	if !a2.IsAdmin("2") {
		t.Fatal("expected 2 admin after reload")
	}
	if !a2.IsSystemAdmin("3") {
		t.Fatal("expected 3 system admin after reload")
	}
}

func TestLegacyFormatMigration(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "auth.json")

	legacy := map[string]interface{}{"allowed_users": []string{"111", "222"}}
	data, err := json.Marshal(legacy)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(statePath, data, 0644); err != nil {
		t.Fatal(err)
	}

	a := New(WithStatePath(statePath))
	if !a.Check("111", "telegram") {
		t.Fatal("expected legacy user 111 migrated to telegram")
	}
	if !a.Check("222", "telegram") {
		t.Fatal("expected legacy user 222 migrated to telegram")
	}
}
