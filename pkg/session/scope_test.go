package session

import (
	"testing"

	"github.com/kapy9250/cli-gateway-sub000/pkg/bus"
)

func TestBuildScopeIDPrivate(t *testing.T) {
	got := BuildScopeID(bus.IncomingMessage{Channel: "Telegram", IsPrivate: true, UserID: "42"})
	if want := "telegram:dm:42"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestBuildScopeIDGroup(t *testing.T) {
	got := BuildScopeID(bus.IncomingMessage{Channel: "telegram", IsPrivate: false, ChatID: "-100"})
	if want := "telegram:chat:-100"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestBuildScopeWorkspaceDirSanitizes(t *testing.T) {
	got := BuildScopeWorkspaceDir(bus.IncomingMessage{Channel: "telegram", IsPrivate: false, ChatID: "-100/weird id"})
	if want := "telegram_-100_weird_id"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestBuildScopeWorkspaceDirUnknownChannel(t *testing.T) {
	got := BuildScopeWorkspaceDir(bus.IncomingMessage{IsPrivate: true, UserID: "7"})
	if want := "unknown_user_7"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
