package privileged

import "testing"

func TestSudoWindowEnableThenStatus(t *testing.T) {
	w := NewSudoWindow(600)
	w.Enable("user-1", "telegram", "chat-1", 120)

	enabled, remaining := w.Status("user-1", "telegram", "chat-1")
	if !enabled {
		t.Fatal("expected sudo to be enabled")
	}
	if remaining <= 0 || remaining > 120 {
		t.Fatalf("remaining = %d, want in (0, 120]", remaining)
	}
}

func TestSudoWindowScopedPerChat(t *testing.T) {
	w := NewSudoWindow(600)
	w.Enable("user-1", "telegram", "chat-1", 120)

	if w.IsEnabled("user-1", "telegram", "chat-2") {
		t.Fatal("sudo window must not leak across chats")
	}
	if w.IsEnabled("user-2", "telegram", "chat-1") {
		t.Fatal("sudo window must not leak across users")
	}
}

func TestSudoWindowDisable(t *testing.T) {
	w := NewSudoWindow(600)
	w.Enable("user-1", "telegram", "chat-1", 120)

	if !w.Disable("user-1", "telegram", "chat-1") {
		t.Fatal("expected Disable to report an existing window")
	}
	if w.IsEnabled("user-1", "telegram", "chat-1") {
		t.Fatal("expected sudo to be disabled")
	}
	if w.Disable("user-1", "telegram", "chat-1") {
		t.Fatal("expected second Disable to report nothing to disable")
	}
}

func TestSudoWindowDefaultTTLAppliedWhenZero(t *testing.T) {
	w := NewSudoWindow(5)
	w.Enable("user-1", "telegram", "chat-1", 0)

	_, remaining := w.Status("user-1", "telegram", "chat-1")
	if remaining <= 0 || remaining > 5 {
		t.Fatalf("remaining = %d, want in (0, 5]", remaining)
	}
}
