package streaming

import (
	"context"
	"time"

	"github.com/kapy9250/cli-gateway-sub000/pkg/channels"
)

// StreamUpdateInterval is the minimum gap between successive edit_message
// calls while relaying a streaming response.
const StreamUpdateInterval = 2 * time.Second

// DefaultIdleTimeout is used when a caller does not override Deliver's
// idle timeout.
const DefaultIdleTimeout = 300 * time.Second

// CancelSignal lets a caller interrupt an in-flight delivery (wired to
// the /cancel command's per-session cancel event).
type CancelSignal interface {
	IsSet() bool
}

// Delivery relays chunked agent output to a channel, either via periodic
// message edits (streaming channels) or a single batched send.
type Delivery struct {
	formatter *Formatter
}

func NewDelivery(formatter *Formatter) *Delivery {
	return &Delivery{formatter: formatter}
}

// Deliver consumes chunks (closed by the producer when done) and streams
// them to chatID via channel. Returns the full cleaned response text.
func (d *Delivery) Deliver(ctx context.Context, channel channels.ChatChannel, chatID string, chunks <-chan string, cancel CancelSignal, idleTimeout time.Duration) (string, error) {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if channel.SupportsStreaming() {
		return d.streamMode(ctx, channel, chatID, chunks, cancel, idleTimeout)
	}
	return d.batchMode(ctx, channel, chatID, chunks, cancel, idleTimeout)
}

func (d *Delivery) streamMode(ctx context.Context, channel channels.ChatChannel, chatID string, chunks <-chan string, cancel CancelSignal, idleTimeout time.Duration) (string, error) {
	var buffer string
	messageID := ""
	haveMessage := false
	lastUpdate := time.Time{}

loop:
	for {
		if cancel != nil && cancel.IsSet() {
			break
		}
		select {
		case chunk, ok := <-chunks:
			if !ok {
				break loop
			}
			if chunk == "" {
				continue
			}
			buffer += chunk
			now := time.Now()
			if lastUpdate.IsZero() || now.Sub(lastUpdate) >= StreamUpdateInterval {
				if !haveMessage {
					sent := buffer
					if sent == "" {
						sent = "processing..."
					}
					id, err := channel.SendText(ctx, chatID, sent)
					if err != nil {
						return buffer, err
					}
					messageID = id
					haveMessage = true
				} else {
					if err := channel.EditMessage(ctx, chatID, messageID, buffer); err != nil {
						return buffer, err
					}
				}
				lastUpdate = now
			}
		case <-time.After(idleTimeout):
			break loop
		case <-ctx.Done():
			break loop
		}
	}

	response := d.formatter.Clean(buffer)
	if response == "" {
		response = "done"
	}
	parts := d.formatter.SplitMessage(response)

	if !haveMessage {
		if _, err := channel.SendText(ctx, chatID, parts[0]); err != nil {
			return response, err
		}
	} else if err := channel.EditMessage(ctx, chatID, messageID, parts[0]); err != nil {
		return response, err
	}
	for _, part := range parts[1:] {
		if _, err := channel.SendText(ctx, chatID, part); err != nil {
			return response, err
		}
	}
	return response, nil
}

func (d *Delivery) batchMode(ctx context.Context, channel channels.ChatChannel, chatID string, chunks <-chan string, cancel CancelSignal, idleTimeout time.Duration) (string, error) {
	var buffer string

loop:
	for {
		if cancel != nil && cancel.IsSet() {
			break
		}
		select {
		case chunk, ok := <-chunks:
			if !ok {
				break loop
			}
			buffer += chunk
		case <-time.After(idleTimeout):
			break loop
		case <-ctx.Done():
			break loop
		}
	}

	response := d.formatter.Clean(buffer)
	if response == "" {
		response = "done"
	}
	for _, part := range d.formatter.SplitMessage(response) {
		if _, err := channel.SendText(ctx, chatID, part); err != nil {
			return response, err
		}
	}
	return response, nil
}
