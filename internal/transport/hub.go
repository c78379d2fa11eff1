package transport

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/satindergrewal/airwave/internal/logging"
	"github.com/satindergrewal/airwave/internal/metrics"
)

// subscriptionBuffer is the per-subscriber backlog: ~3 seconds of 20ms chunks.
const subscriptionBuffer = 150

// Hub is an in-process broadcast topic switch. It fans chunks out to every
// subscription of a topic; slow subscribers get chunks dropped rather than
// blocking the publisher.
type Hub struct {
	log     *zap.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	topics   map[string]map[*subscription]struct{}
	closed   bool
	onChange func(topic string, count int)
}

type subscription struct {
	owner string
	topic string
	c     chan []byte
	done  chan struct{}
	once  sync.Once
}

// NewHub creates an empty hub. m may be nil.
func NewHub(log *zap.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		log:     logging.OrNop(log).Named("hub"),
		metrics: m,
		topics:  make(map[string]map[*subscription]struct{}),
	}
}

// OnChange registers fn to be called after a topic's subscriber count changes.
// fn runs outside the hub lock.
func (h *Hub) OnChange(fn func(topic string, count int)) {
	h.mu.Lock()
	h.onChange = fn
	h.mu.Unlock()
}

// Publish implements Broadcast.
func (h *Hub) Publish(ctx context.Context, topic string, chunk []byte) error {
	return h.PublishFrom(ctx, "", topic, chunk)
}

// PublishFrom publishes on behalf of origin. Subscriptions owned by origin do
// not receive the chunk, so a peer never hears its own audio.
func (h *Hub) PublishFrom(ctx context.Context, origin, topic string, chunk []byte) error {
	if err := ctx.Err(); err != nil {
		return &TransportError{Op: "publish", Topic: topic, Err: err}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return &TransportError{Op: "publish", Topic: topic, Err: ErrClosed}
	}

	dropped := 0
	for s := range h.topics[topic] {
		if origin != "" && s.owner == origin {
			continue
		}
		select {
		case s.c <- chunk:
		default:
			// subscriber too slow, drop chunk to keep the topic moving
			dropped++
		}
	}
	if dropped > 0 {
		h.metrics.Dropped(metrics.ReasonSlowListener, dropped)
		h.log.Debug("dropped chunk for slow subscribers", zap.String("topic", topic), zap.Int("subscribers", dropped))
	}
	return nil
}

// Subscribe implements Broadcast.
func (h *Hub) Subscribe(topic string, fn Handler) (func(), error) {
	return h.SubscribeAs("", topic, fn)
}

// SubscribeAs registers fn on topic on behalf of owner. Each subscription has
// its own delivery goroutine, so a slow handler only affects itself.
func (h *Hub) SubscribeAs(owner, topic string, fn Handler) (func(), error) {
	s := &subscription{
		owner: owner,
		topic: topic,
		c:     make(chan []byte, subscriptionBuffer),
		done:  make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, &TransportError{Op: "subscribe", Topic: topic, Err: ErrClosed}
	}
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*subscription]struct{})
		h.topics[topic] = subs
	}
	subs[s] = struct{}{}
	count := len(subs)
	notify := h.onChange
	h.mu.Unlock()

	go func() {
		for {
			select {
			case <-s.done:
				return
			case chunk := <-s.c:
				fn(chunk)
			}
		}
	}()

	h.metrics.SetSubscribers(topic, count)
	if notify != nil {
		notify(topic, count)
	}
	return func() { h.unsubscribe(s) }, nil
}

func (h *Hub) unsubscribe(s *subscription) {
	removed := false
	s.once.Do(func() {
		close(s.done)
		removed = true
	})
	if !removed {
		return
	}

	h.mu.Lock()
	subs := h.topics[s.topic]
	delete(subs, s)
	count := len(subs)
	if count == 0 {
		delete(h.topics, s.topic)
	}
	notify := h.onChange
	closed := h.closed
	h.mu.Unlock()

	h.metrics.SetSubscribers(s.topic, count)
	if notify != nil && !closed {
		notify(s.topic, count)
	}
}

// SubscriberCount implements Broadcast.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// TopicCount pairs a topic with its subscriber count.
type TopicCount struct {
	Topic       string `json:"topic"`
	Subscribers int    `json:"subscribers"`
}

// Topics returns every topic with at least one subscriber, sorted by name.
func (h *Hub) Topics() []TopicCount {
	h.mu.RLock()
	out := make([]TopicCount, 0, len(h.topics))
	for topic, subs := range h.topics {
		out = append(out, TopicCount{Topic: topic, Subscribers: len(subs)})
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}

// Close cancels every subscription. Later publishes fail with ErrClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var all []*subscription
	for _, subs := range h.topics {
		for s := range subs {
			all = append(all, s)
		}
	}
	h.mu.Unlock()

	for _, s := range all {
		h.unsubscribe(s)
	}
}
