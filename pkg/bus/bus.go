// Package bus carries normalized messages between channel adapters and
// the router. The teacher repo (neoz-picoclaw) imports this package from
// nine call sites but the retrieval pack does not include its source; it
// is rebuilt here to the shape those call sites assume (PublishInbound,
// InboundMessage with Channel/SenderID/ChatID/Content/Media/SessionKey/
// Metadata) and widened to the richer IncomingMessage record spec.md §3
// requires (privacy flag, reply/mention flags, sender identity, session
// hint, attachments).
package bus

import "time"

// Attachment is a single file attached to an incoming message.
type Attachment struct {
	Filename  string
	Filepath  string
	MimeType  string
	SizeBytes int64
}

// IncomingMessage is the immutable per-request record produced by a
// channel adapter and consumed by the router.
type IncomingMessage struct {
	Channel  string
	ChatID   string
	UserID   string
	Text     string

	IsPrivate     bool
	IsReplyToBot  bool
	IsMentionBot  bool
	ReplyToText   string

	SenderUsername    string
	SenderDisplayName string
	SenderMention     string

	// SessionHint pins a reply to a prior session; only the email
	// channel populates this.
	SessionHint string

	Attachments []Attachment

	// Legacy teacher-shaped fields, kept so pkg/channels/base.go's
	// HandleMessage helper (adapted below) can still build one record
	// that serves both the old compound-senderID allowlist matching
	// and the new router contract.
	SenderID   string
	Media      []string
	SessionKey string
	Metadata   map[string]string

	ReceivedAt time.Time
}

// OutboundMessage is a reply a channel adapter is asked to deliver.
type OutboundMessage struct {
	ChatID  string
	Text    string
	Caption string
}

// MessageBus is a single-producer-many-channels, single-consumer queue
// connecting channel adapters to the router's dispatch loop.
type MessageBus struct {
	inbound chan IncomingMessage
}

// NewMessageBus creates a bus with the given inbound buffer size.
func NewMessageBus(bufSize int) *MessageBus {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &MessageBus{inbound: make(chan IncomingMessage, bufSize)}
}

// PublishInbound enqueues a message for the router. Never blocks
// indefinitely on a full buffer beyond the channel's own backpressure;
// callers run on a channel adapter's own goroutine so a full buffer is a
// legitimate signal to slow down upstream reads.
func (b *MessageBus) PublishInbound(msg IncomingMessage) {
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}
	b.inbound <- msg
}

// Inbound exposes the consumer side for the router's dispatch loop.
func (b *MessageBus) Inbound() <-chan IncomingMessage {
	return b.inbound
}

// Close shuts down the bus. Only the owner (main) should call this.
func (b *MessageBus) Close() {
	close(b.inbound)
}
