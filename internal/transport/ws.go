package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/quic-go/quic-go/quicvarint"
	"go.uber.org/zap"

	"github.com/satindergrewal/airwave/internal/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// sendBuffer bounds the per-connection outbound queue. Chunks beyond it are
	// dropped, the same policy the hub applies to slow subscribers.
	sendBuffer = 256

	maxMessageSize = MaxFrameSize + 1024
)

// Control message types carried in WebSocket text frames.
const (
	msgSubscribe   = "subscribe"
	msgUnsubscribe = "unsubscribe"
	msgPeers       = "peers"
)

type controlMessage struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
	Count int    `json:"count,omitempty"`
}

type outMsg struct {
	kind int
	data []byte
}

// appendEnvelope frames a chunk for the wire: [varint topic len][topic][payload].
func appendEnvelope(buf []byte, topic string, payload []byte) []byte {
	buf = quicvarint.Append(buf, uint64(len(topic)))
	buf = append(buf, topic...)
	return append(buf, payload...)
}

func parseEnvelope(msg []byte) (string, []byte, error) {
	l, n, err := quicvarint.Parse(msg)
	if err != nil {
		return "", nil, fmt.Errorf("envelope topic length: %w", err)
	}
	if l == 0 || uint64(len(msg)-n) < l {
		return "", nil, fmt.Errorf("envelope topic of %d bytes, %d remain", l, len(msg)-n)
	}
	end := n + int(l)
	return string(msg[n:end]), msg[end:], nil
}

// HubServer exposes a Hub to remote peers over WebSocket. It is the relay
// node: every connection may publish to and subscribe on any topic, and every
// connection is told the subscriber count of each topic as it changes.
type HubServer struct {
	hub      *Hub
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*hubConn
}

type hubConn struct {
	id   string
	ws   *websocket.Conn
	send chan outMsg
	done chan struct{}
	log  *zap.Logger

	mu   sync.Mutex
	subs map[string]func()
}

// NewHubServer wraps hub. It takes over hub's OnChange hook.
func NewHubServer(hub *Hub, log *zap.Logger) *HubServer {
	s := &HubServer{
		hub: hub,
		log: logging.OrNop(log).Named("relay"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[string]*hubConn),
	}
	hub.OnChange(s.broadcastPeers)
	return s
}

// PeerCount returns the number of connected WebSocket peers.
func (s *HubServer) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *HubServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &hubConn{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan outMsg, sendBuffer),
		done: make(chan struct{}),
		subs: make(map[string]func()),
	}
	c.log = s.log.With(zap.String("peer", c.id))

	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	c.log.Info("peer connected", zap.String("remote", r.RemoteAddr))

	for _, tc := range s.hub.Topics() {
		c.control(controlMessage{Type: msgPeers, Topic: tc.Topic, Count: tc.Subscribers})
	}

	go c.writeLoop()
	s.readLoop(context.Background(), c)

	c.mu.Lock()
	for _, cancel := range c.subs {
		cancel()
	}
	c.subs = nil
	c.mu.Unlock()

	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
	close(c.done)
	c.log.Info("peer disconnected")
}

func (s *HubServer) readLoop(ctx context.Context, c *hubConn) {
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, msg, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("read failed", zap.Error(err))
			}
			return
		}

		switch kind {
		case websocket.BinaryMessage:
			topic, payload, err := parseEnvelope(msg)
			if err != nil {
				c.log.Warn("bad envelope", zap.Error(err))
				continue
			}
			if err := s.hub.PublishFrom(ctx, c.id, topic, payload); err != nil {
				c.log.Warn("relay publish failed", zap.Error(err))
			}
		case websocket.TextMessage:
			var m controlMessage
			if err := json.Unmarshal(msg, &m); err != nil {
				c.log.Warn("bad control message", zap.Error(err))
				continue
			}
			s.handleControl(c, m)
		}
	}
}

func (s *HubServer) handleControl(c *hubConn, m controlMessage) {
	switch m.Type {
	case msgSubscribe:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.subs == nil {
			return
		}
		if _, ok := c.subs[m.Topic]; ok {
			return
		}
		topic := m.Topic
		cancel, err := s.hub.SubscribeAs(c.id, topic, func(chunk []byte) {
			c.enqueue(outMsg{kind: websocket.BinaryMessage, data: appendEnvelope(nil, topic, chunk)})
		})
		if err != nil {
			c.log.Warn("subscribe failed", zap.String("topic", topic), zap.Error(err))
			return
		}
		c.subs[topic] = cancel
		c.log.Debug("subscribed", zap.String("topic", topic))
	case msgUnsubscribe:
		c.mu.Lock()
		cancel, ok := c.subs[m.Topic]
		delete(c.subs, m.Topic)
		c.mu.Unlock()
		if ok {
			cancel()
		}
	default:
		c.log.Warn("unknown control message", zap.String("type", m.Type))
	}
}

func (s *HubServer) broadcastPeers(topic string, count int) {
	s.mu.Lock()
	conns := make([]*hubConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.control(controlMessage{Type: msgPeers, Topic: topic, Count: count})
	}
}

func (c *hubConn) control(m controlMessage) {
	data, err := json.Marshal(m)
	if err != nil {
		return
	}
	c.enqueue(outMsg{kind: websocket.TextMessage, data: data})
}

func (c *hubConn) enqueue(m outMsg) {
	select {
	case c.send <- m:
	default:
		c.log.Debug("peer send queue full, dropping message")
	}
}

// writeLoop is the only goroutine that writes to the connection.
func (c *hubConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case m := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(m.kind, m.data); err != nil {
				c.log.Debug("write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// HubClient is a Broadcast backed by a remote HubServer.
type HubClient struct {
	url   string
	ws    *websocket.Conn
	log   *zap.Logger
	local *Hub
	send  chan outMsg

	mu     sync.Mutex
	counts map[string]int

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// DialHub connects to a relay's WebSocket endpoint.
func DialHub(ctx context.Context, url string, log *zap.Logger) (*HubClient, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, &DialError{Peer: url, Protocol: "websocket", Err: err}
	}
	log = logging.OrNop(log).Named("hubclient")
	c := &HubClient{
		url:    url,
		ws:     ws,
		log:    log,
		local:  NewHub(log, nil),
		send:   make(chan outMsg, sendBuffer),
		counts: make(map[string]int),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	go c.writeLoop()
	log.Info("connected to relay", zap.String("url", url))
	return c, nil
}

// Publish implements Broadcast. It fails once the connection is gone.
func (c *HubClient) Publish(ctx context.Context, topic string, chunk []byte) error {
	if len(chunk) > MaxFrameSize {
		return &TransportError{Op: "publish", Topic: topic, Err: ErrFrameTooLarge}
	}
	select {
	case <-c.done:
		return &TransportError{Op: "publish", Topic: topic, Err: c.closedErr()}
	default:
	}
	m := outMsg{kind: websocket.BinaryMessage, data: appendEnvelope(nil, topic, chunk)}
	select {
	case c.send <- m:
		return nil
	case <-c.done:
		return &TransportError{Op: "publish", Topic: topic, Err: c.closedErr()}
	case <-ctx.Done():
		return &TransportError{Op: "publish", Topic: topic, Err: ctx.Err()}
	}
}

// Subscribe implements Broadcast. The relay is asked for the topic on the
// first local subscription and released after the last one is cancelled.
func (c *HubClient) Subscribe(topic string, h Handler) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	first := c.local.SubscriberCount(topic) == 0
	cancel, err := c.local.Subscribe(topic, h)
	if err != nil {
		return nil, err
	}
	if first {
		if err := c.sendControl(controlMessage{Type: msgSubscribe, Topic: topic}); err != nil {
			cancel()
			return nil, err
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			cancel()
			if c.local.SubscriberCount(topic) == 0 {
				c.sendControl(controlMessage{Type: msgUnsubscribe, Topic: topic})
			}
		})
	}, nil
}

// SubscriberCount implements Broadcast using the relay's last report.
func (c *HubClient) SubscriberCount(topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[topic]
}

// Done is closed when the connection to the relay ends.
func (c *HubClient) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, or nil while it is open.
func (c *HubClient) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close disconnects from the relay and cancels local subscriptions.
func (c *HubClient) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

func (c *HubClient) closedErr() error {
	if err := c.Err(); err != nil {
		return err
	}
	return ErrClosed
}

func (c *HubClient) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
		c.local.Close()
	})
}

func (c *HubClient) sendControl(m controlMessage) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	select {
	case c.send <- outMsg{kind: websocket.TextMessage, data: data}:
		return nil
	case <-c.done:
		return &TransportError{Op: "subscribe", Topic: m.Topic, Err: c.closedErr()}
	}
}

func (c *HubClient) readLoop() {
	c.ws.SetReadLimit(maxMessageSize)
	for {
		kind, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				err = ErrClosed
			}
			c.shutdown(&TransportError{Op: "read", Err: err})
			return
		}

		switch kind {
		case websocket.BinaryMessage:
			topic, payload, err := parseEnvelope(msg)
			if err != nil {
				c.log.Warn("bad envelope from relay", zap.Error(err))
				continue
			}
			if err := c.local.Publish(context.Background(), topic, payload); err != nil && !errors.Is(err, ErrClosed) {
				c.log.Warn("local delivery failed", zap.Error(err))
			}
		case websocket.TextMessage:
			var m controlMessage
			if err := json.Unmarshal(msg, &m); err != nil {
				c.log.Warn("bad control message from relay", zap.Error(err))
				continue
			}
			if m.Type == msgPeers {
				c.mu.Lock()
				c.counts[m.Topic] = m.Count
				c.mu.Unlock()
				c.log.Debug("topic peers", zap.String("topic", m.Topic), zap.Int("count", m.Count))
			}
		}
	}
}

func (c *HubClient) writeLoop() {
	defer c.ws.Close()
	for {
		select {
		case m := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(m.kind, m.data); err != nil {
				c.shutdown(&TransportError{Op: "write", Err: err})
				return
			}
		case <-c.done:
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
