package egress

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/satindergrewal/airwave/internal/logging"
	"github.com/satindergrewal/airwave/internal/session"
	"github.com/satindergrewal/airwave/internal/transport"
)

// Handler serves WebRTC SDP negotiation. Each browser peer gets its own
// subscription to the topic and its own ingress queue, so one slow peer
// never holds back another. Browser peers count as subscribers.
type Handler struct {
	broadcast transport.Broadcast
	topic     string
	opts      session.Options
	log       *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	peers map[*webrtc.PeerConnection]context.CancelFunc
}

// NewHandler creates a handler forwarding topic from b.
func NewHandler(b transport.Broadcast, topic string, opts session.Options, log *zap.Logger) *Handler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		broadcast: b,
		topic:     topic,
		opts:      opts,
		log:       logging.OrNop(log).Named("webrtc"),
		ctx:       ctx,
		cancel:    cancel,
		peers:     make(map[*webrtc.PeerConnection]context.CancelFunc),
	}
}

// PeerCount returns the number of active WebRTC peers.
func (h *Handler) PeerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.WriteHeader(http.StatusOK)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	var offer webrtc.SessionDescription
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
		http.Error(w, "invalid SDP offer", http.StatusBadRequest)
		return
	}
	if h.ctx.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	id := uuid.NewString()
	log := h.log.With(zap.String("peer", id))

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		log.Error("create peer connection failed", zap.Error(err))
		http.Error(w, "create peer connection failed", http.StatusInternalServerError)
		return
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio",
		"airwave-"+h.topic,
	)
	if err != nil {
		pc.Close()
		http.Error(w, "create audio track failed", http.StatusInternalServerError)
		return
	}

	if _, err := pc.AddTrack(track); err != nil {
		pc.Close()
		http.Error(w, "add track failed", http.StatusInternalServerError)
		return
	}

	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		log.Warn("bad remote description", zap.Error(err))
		http.Error(w, "set remote description failed", http.StatusBadRequest)
		return
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		http.Error(w, "create answer failed", http.StatusInternalServerError)
		return
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		http.Error(w, "set local description failed", http.StatusInternalServerError)
		return
	}
	select {
	case <-gatherComplete:
	case <-r.Context().Done():
		pc.Close()
		return
	}

	ctx, cancel := context.WithCancel(h.ctx)
	h.mu.Lock()
	h.peers[pc] = cancel
	total := len(h.peers)
	h.mu.Unlock()
	log.Info("peer connected", zap.Int("peers", total))

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateFailed ||
			s == webrtc.PeerConnectionStateClosed ||
			s == webrtc.PeerConnectionStateDisconnected {
			cancel()
		}
	})

	go h.forward(ctx, pc, track, log)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	json.NewEncoder(w).Encode(pc.LocalDescription())
}

func (h *Handler) forward(ctx context.Context, pc *webrtc.PeerConnection, track *webrtc.TrackLocalStaticSample, log *zap.Logger) {
	sink := NewTrackSink(track, log)
	if err := session.RunBroadcast(ctx, log, h.broadcast, h.topic, sink, h.opts); err != nil {
		log.Info("peer stream ended", zap.Error(err))
	}
	h.removePeer(pc)
	pc.Close()
	log.Info("peer disconnected", zap.Int("peers", h.PeerCount()))
}

func (h *Handler) removePeer(pc *webrtc.PeerConnection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cancel, ok := h.peers[pc]; ok {
		cancel()
		delete(h.peers, pc)
	}
}

// Close disconnects every peer.
func (h *Handler) Close() {
	h.cancel()
}
