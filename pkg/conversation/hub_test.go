package conversation

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func TestHubBroadcastDeliversToSubscriber(t *testing.T) {
	h := NewHub(testLogger(), nil, 4)
	convID := uuid.New()

	sub := h.Subscribe(convID)
	defer h.Unsubscribe(convID, sub)

	h.Broadcast(context.Background(), convID, Frame{Type: FrameAck})

	select {
	case frame := <-sub.Frames():
		if frame.Type != FrameAck {
			t.Errorf("frame.Type = %v, want %v", frame.Type, FrameAck)
		}
	default:
		t.Fatal("expected a frame to be queued")
	}
}

func TestHubUnsubscribeStopsDelivery(t *testing.T) {
	h := NewHub(testLogger(), nil, 4)
	convID := uuid.New()

	sub := h.Subscribe(convID)
	h.Unsubscribe(convID, sub)

	h.Broadcast(context.Background(), convID, Frame{Type: FrameAck})

	select {
	case <-sub.Frames():
		t.Fatal("unsubscribed subscriber should not receive frames")
	default:
	}
}

func TestHubBroadcastDropsOnFullQueue(t *testing.T) {
	h := NewHub(testLogger(), nil, 1)
	convID := uuid.New()

	sub := h.Subscribe(convID)
	defer h.Unsubscribe(convID, sub)

	h.Broadcast(context.Background(), convID, Frame{Type: FrameStream, Content: "first"})
	h.Broadcast(context.Background(), convID, Frame{Type: FrameStream, Content: "second"})

	frame := <-sub.Frames()
	if frame.Content != "first" {
		t.Errorf("frame.Content = %q, want %q", frame.Content, "first")
	}
	select {
	case f, ok := <-sub.Frames():
		if ok {
			t.Fatalf("second frame %q should not have been delivered", f.Content)
		}
	default:
		t.Fatal("subscriber should have been dropped and its channel closed once the queue was full")
	}
}
