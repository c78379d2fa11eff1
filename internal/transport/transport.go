// Package transport moves chunks between peers. Two interchangeable variants
// feed the same ingress buffer:
//
//   - Broadcast: publish/subscribe on a named topic. Many-to-many, unordered,
//     lossy, at most once per subscriber. Implemented in-process by Hub and
//     across the network by HubServer/HubClient over WebSocket.
//   - Point-to-point: one ordered byte stream per peer (QUIC), carrying
//     length-prefixed frames. See Stream, Dialer and Listener.
package transport

import "context"

// Handler receives one chunk. Chunks are immutable; handlers must not modify
// them. Handlers for one subscription are called sequentially in arrival order.
type Handler func(chunk []byte)

// Broadcast is the publish/subscribe capability of the network substrate.
type Broadcast interface {
	// Publish sends chunk to every current subscriber of topic. Delivery is
	// best effort; an error means the chunk left nowhere.
	Publish(ctx context.Context, topic string, chunk []byte) error

	// Subscribe registers h for topic. The returned cancel func removes it and
	// is safe to call more than once.
	Subscribe(topic string, h Handler) (cancel func(), err error)

	// SubscriberCount returns the degree of topic: how many subscriptions
	// exist across all peers, including the caller's own.
	SubscriberCount(topic string) int
}
