// Package channels implements the chat-channel adapter contract (spec.md
// §6): start/stop lifecycle, send_text/send_file/send_typing/edit_message,
// a supports_streaming capability flag, and delivery of normalized
// IncomingMessage records to the router via pkg/bus. Concrete platform
// bindings (Telegram, Discord) are adapted from the teacher's
// pkg/channels/telegram.go; email is an interface-only stub per spec.md §1.
package channels

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/kapy9250/cli-gateway-sub000/pkg/bus"
)

// ChatChannel is the contract the router and StreamingDelivery consume.
// Concrete bindings are not part of the specified core; only this
// interface and the normalized records crossing it are.
type ChatChannel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, chatID, text string) (string, error)
	SendFile(ctx context.Context, chatID, path, caption string) error
	SendTyping(ctx context.Context, chatID string) error
	EditMessage(ctx context.Context, chatID, messageID, text string) error

	SupportsStreaming() bool
	IsRunning() bool
	IsAllowed(senderID string) bool
}

// BaseChannel holds the fields shared by every concrete binding:
// allowlist matching, running flag, and the bus used to publish
// normalized inbound messages to the router.
type BaseChannel struct {
	config    interface{}
	bus       *bus.MessageBus
	running   atomic.Bool
	name      string
	allowList []string
}

func NewBaseChannel(name string, config interface{}, messageBus *bus.MessageBus, allowList []string) *BaseChannel {
	return &BaseChannel{
		config:    config,
		bus:       messageBus,
		name:      name,
		allowList: allowList,
	}
}

func (c *BaseChannel) Name() string      { return c.name }
func (c *BaseChannel) IsRunning() bool    { return c.running.Load() }
func (c *BaseChannel) SetRunning(v bool) { c.running.Store(v) }

func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}
	_, matched := c.matchAllowEntry(senderID)
	return matched
}

// ResolveAgentID returns the agent ID suffix from the matching allow_from
// entry, or "" if no suffix or no match. Format: "user:agentID" -> "agentID".
func (c *BaseChannel) ResolveAgentID(senderID string) string {
	entry, matched := c.matchAllowEntry(senderID)
	if !matched {
		return ""
	}
	trimmed := strings.TrimPrefix(entry, "@")
	if idx := strings.LastIndex(trimmed, ":"); idx > 0 {
		return trimmed[idx+1:]
	}
	return ""
}

func (c *BaseChannel) matchAllowEntry(senderID string) (string, bool) {
	idPart := senderID
	userPart := ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}

	for _, allowed := range c.allowList {
		trimmed := strings.TrimPrefix(allowed, "@")
		bare := trimmed
		if idx := strings.LastIndex(bare, ":"); idx > 0 {
			bare = bare[:idx]
		}

		allowedID := bare
		allowedUser := ""
		if idx := strings.Index(bare, "|"); idx > 0 {
			allowedID = bare[:idx]
			allowedUser = bare[idx+1:]
		}

		if senderID == bare ||
			idPart == bare ||
			idPart == allowedID ||
			(allowedUser != "" && senderID == allowedUser) ||
			(userPart != "" && (userPart == bare || userPart == allowedID || userPart == allowedUser)) {
			return allowed, true
		}
	}
	return "", false
}

// HandleMessage is the shared normalization path a concrete binding calls
// once it has decoded a platform-specific update into plain strings.
func (c *BaseChannel) HandleMessage(msg bus.IncomingMessage) {
	if !c.IsAllowed(msg.SenderID) {
		return
	}
	if agentID := c.ResolveAgentID(msg.SenderID); agentID != "" {
		if msg.Metadata == nil {
			msg.Metadata = map[string]string{}
		}
		msg.Metadata["agent_id"] = agentID
	}
	msg.Channel = c.name
	msg.SessionKey = fmt.Sprintf("%s:%s", c.name, msg.ChatID)
	if msg.UserID == "" {
		msg.UserID = msg.SenderID
	}
	c.bus.PublishInbound(msg)
}
