package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/kapy9250/cli-gateway-sub000/pkg/bus"
	"github.com/kapy9250/cli-gateway-sub000/pkg/channels"
)

type fakeChannel struct {
	*channels.BaseChannel
	streaming bool
	sent      []string
	edits     []string
}

func newFakeChannel(streaming bool) *fakeChannel {
	return &fakeChannel{BaseChannel: channels.NewBaseChannel("fake", nil, bus.NewMessageBus(1), nil), streaming: streaming}
}

func (f *fakeChannel) Start(ctx context.Context) error { return nil }
func (f *fakeChannel) Stop(ctx context.Context) error   { return nil }
func (f *fakeChannel) SendText(ctx context.Context, chatID, text string) (string, error) {
	f.sent = append(f.sent, text)
	return "msg-1", nil
}
func (f *fakeChannel) SendFile(ctx context.Context, chatID, path, caption string) error { return nil }
func (f *fakeChannel) SendTyping(ctx context.Context, chatID string) error              { return nil }
func (f *fakeChannel) EditMessage(ctx context.Context, chatID, messageID, text string) error {
	f.edits = append(f.edits, text)
	return nil
}
func (f *fakeChannel) SupportsStreaming() bool { return f.streaming }

type neverCancel struct{}

func (neverCancel) IsSet() bool { return false }

func TestDeliverBatchMode(t *testing.T) {
	ch := newFakeChannel(false)
	d := NewDelivery(NewFormatter(4096, "HTML"))

	chunks := make(chan string, 4)
	chunks <- "hello "
	chunks <- "world"
	close(chunks)

	resp, err := d.Deliver(context.Background(), ch, "c1", chunks, neverCancel{}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if resp != "hello world" {
		t.Fatalf("unexpected response: %q", resp)
	}
	if len(ch.sent) != 1 || ch.sent[0] != "hello world" {
		t.Fatalf("unexpected sent messages: %v", ch.sent)
	}
}

func TestDeliverStreamModeSendsFinalEdit(t *testing.T) {
	ch := newFakeChannel(true)
	d := NewDelivery(NewFormatter(4096, "HTML"))

	chunks := make(chan string, 4)
	chunks <- "partial"
	close(chunks)

	resp, err := d.Deliver(context.Background(), ch, "c1", chunks, neverCancel{}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if resp != "partial" {
		t.Fatalf("unexpected response: %q", resp)
	}
	if len(ch.sent) != 1 || ch.sent[0] != "partial" {
		t.Fatalf("expected a single send for the first (only) message, got %v", ch.sent)
	}
}

func TestDeliverEmptyResponseFallsBackToDone(t *testing.T) {
	ch := newFakeChannel(false)
	d := NewDelivery(NewFormatter(4096, "HTML"))

	chunks := make(chan string)
	close(chunks)

	resp, err := d.Deliver(context.Background(), ch, "c1", chunks, neverCancel{}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if resp != "done" {
		t.Fatalf("expected fallback 'done', got %q", resp)
	}
}
