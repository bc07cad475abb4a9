package session

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/kapy9250/cli-gateway-sub000/pkg/bus"
)

var unsafeSegment = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func safeSegment(value string) string {
	text := strings.TrimSpace(value)
	if text == "" {
		return "unknown"
	}
	return unsafeSegment.ReplaceAllString(text, "_")
}

// BuildScopeID derives the stable (channel, dm-or-chat) key used for
// per-scope active-session routing.
func BuildScopeID(msg bus.IncomingMessage) string {
	channel := strings.ToLower(strings.TrimSpace(msg.Channel))
	if channel == "" {
		channel = "unknown"
	}
	if msg.IsPrivate {
		return fmt.Sprintf("%s:dm:%s", channel, msg.UserID)
	}
	return fmt.Sprintf("%s:chat:%s", channel, msg.ChatID)
}

// BuildScopeWorkspaceDir derives the per-scope workspace subdirectory
// name used when provisioning an agent's working directory.
func BuildScopeWorkspaceDir(msg bus.IncomingMessage) string {
	channel := safeSegment(strings.ToLower(strings.TrimSpace(msg.Channel)))
	if channel == "" {
		channel = "unknown"
	}
	if msg.IsPrivate {
		return fmt.Sprintf("%s_user_%s", channel, safeSegment(msg.UserID))
	}
	return fmt.Sprintf("%s_%s", channel, safeSegment(msg.ChatID))
}
