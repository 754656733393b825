package conversation

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// defaultSubscriberQueueSize is the bounded per-subscriber queue depth from
// spec.md §4.5; a subscriber that falls behind this far is dropped rather
// than blocking the broadcaster.
const defaultSubscriberQueueSize = 64

// Subscriber receives Frames for one conversation over one WS connection.
type Subscriber struct {
	id     uuid.UUID
	frames chan Frame
}

// Frames returns the channel the WS write loop should drain.
func (s *Subscriber) Frames() <-chan Frame { return s.frames }

// Hub is the in-memory subscriber registry: conversation_id → set<Subscriber>.
// Broadcast is non-blocking — a full subscriber queue causes that
// subscriber to be dropped, never the broadcaster to stall.
//
// Per OPEN QUESTION DECISION 1, every broadcast is additionally published
// to a redis channel so a second Hub instance can mirror it to its own
// local subscribers, without redis being required for single-instance use.
type Hub struct {
	mu          sync.Mutex
	subscribers map[uuid.UUID]map[uuid.UUID]*Subscriber
	queueSize   int
	logger      *slog.Logger
	rdb         *redis.Client
}

// NewHub creates an empty Hub. rdb may be nil to disable the redis mirror.
func NewHub(logger *slog.Logger, rdb *redis.Client, queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = defaultSubscriberQueueSize
	}
	return &Hub{
		subscribers: make(map[uuid.UUID]map[uuid.UUID]*Subscriber),
		queueSize:   queueSize,
		logger:      logger,
		rdb:         rdb,
	}
}

// Subscribe registers a new Subscriber for a conversation and returns it.
// Call Unsubscribe when the WS connection closes.
func (h *Hub) Subscribe(conversationID uuid.UUID) *Subscriber {
	sub := &Subscriber{id: uuid.New(), frames: make(chan Frame, h.queueSize)}

	h.mu.Lock()
	set, ok := h.subscribers[conversationID]
	if !ok {
		set = make(map[uuid.UUID]*Subscriber)
		h.subscribers[conversationID] = set
	}
	set[sub.id] = sub
	h.mu.Unlock()

	return sub
}

// Unsubscribe removes a Subscriber from a conversation's set.
func (h *Hub) Unsubscribe(conversationID uuid.UUID, sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subscribers[conversationID]
	if !ok {
		return
	}
	delete(set, sub.id)
	if len(set) == 0 {
		delete(h.subscribers, conversationID)
	}
}

// Broadcast delivers frame to every local subscriber of conversationID and
// mirrors it to redis for other Hub instances. Never blocks: a subscriber
// whose queue is full is removed and its frame channel closed.
func (h *Hub) Broadcast(ctx context.Context, conversationID uuid.UUID, frame Frame) {
	h.broadcastLocal(conversationID, frame)

	if h.rdb == nil {
		return
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("marshalling conversation frame for redis mirror", "error", err)
		return
	}
	if err := h.rdb.Publish(ctx, channelName(conversationID), payload).Err(); err != nil {
		h.logger.Error("publishing conversation frame to redis", "error", err, "conversation_id", conversationID)
	}
}

func (h *Hub) broadcastLocal(conversationID uuid.UUID, frame Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subscribers[conversationID]
	for id, sub := range set {
		select {
		case sub.frames <- frame:
		default:
			delete(set, id)
			close(sub.frames)
			h.logger.Warn("conversation subscriber queue full, dropping subscriber",
				"conversation_id", conversationID, "frame_type", frame.Type)
		}
	}
	if set != nil && len(set) == 0 {
		delete(h.subscribers, conversationID)
	}
}

// MirrorFromRedis subscribes to conversationID's redis channel and
// rebroadcasts received frames to this instance's local subscribers only
// (it never republishes, which would loop frames between instances). Runs
// until ctx is cancelled; callers typically invoke this once per locally
// subscribed conversation.
func (h *Hub) MirrorFromRedis(ctx context.Context, conversationID uuid.UUID) {
	if h.rdb == nil {
		return
	}
	pubsub := h.rdb.Subscribe(ctx, channelName(conversationID))
	defer func() { _ = pubsub.Close() }()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var frame Frame
			if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
				h.logger.Error("decoding mirrored conversation frame", "error", err)
				continue
			}
			h.broadcastLocal(conversationID, frame)
		}
	}
}

func channelName(conversationID uuid.UUID) string {
	return "conv:" + conversationID.String()
}
