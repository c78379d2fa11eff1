package egress

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/satindergrewal/airwave/internal/audio"
	"github.com/satindergrewal/airwave/internal/codec"
	"github.com/satindergrewal/airwave/internal/session"
	"github.com/satindergrewal/airwave/internal/transport"
)

type sampleRecorder struct {
	mu      sync.Mutex
	samples []media.Sample
	err     error
}

func (r *sampleRecorder) WriteSample(s media.Sample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.samples = append(r.samples, s)
	return nil
}

func (r *sampleRecorder) snapshot() []media.Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]media.Sample(nil), r.samples...)
}

type countNotifier struct {
	mu       sync.Mutex
	opened   int
	complete int
}

func (n *countNotifier) Open()     { n.mu.Lock(); n.opened++; n.mu.Unlock() }
func (n *countNotifier) Complete() { n.mu.Lock(); n.complete++; n.mu.Unlock() }

func (n *countNotifier) completed() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.complete
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TOC bytes for a single 20ms SILK frame and a single 20ms CELT frame.
var (
	silk20 = []byte{0x08, 1, 2, 3}
	celt20 = []byte{0xfc, 4, 5}
)

func TestTrackSinkWritesEveryPacket(t *testing.T) {
	rec := &sampleRecorder{}
	sink := NewTrackSink(rec, nil)
	n := &countNotifier{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sink.Run(ctx, n)

	if err := sink.Append(codec.Pack([][]byte{silk20, celt20})); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "completion", func() bool { return n.completed() == 1 })

	got := rec.snapshot()
	if len(got) != 2 {
		t.Fatalf("wrote %d samples, want 2", len(got))
	}
	for i, s := range got {
		if s.Duration != audio.FrameDuration {
			t.Errorf("sample %d duration = %v, want %v", i, s.Duration, audio.FrameDuration)
		}
	}
	if !bytes.Equal(got[0].Data, silk20) || !bytes.Equal(got[1].Data, celt20) {
		t.Errorf("samples out of order: %v", got)
	}
}

func TestTrackSinkRejectsMalformedChunk(t *testing.T) {
	sink := NewTrackSink(&sampleRecorder{}, nil)
	if err := sink.Append([]byte{0xff}); !errors.Is(err, codec.ErrMalformedChunk) {
		t.Errorf("Append = %v, want ErrMalformedChunk", err)
	}
}

func TestTrackSinkBusy(t *testing.T) {
	sink := NewTrackSink(&sampleRecorder{}, nil)
	chunk := codec.Pack([][]byte{silk20})
	if err := sink.Append(chunk); err != nil {
		t.Fatal(err)
	}
	if err := sink.Append(chunk); !errors.Is(err, errBusy) {
		t.Errorf("second Append = %v, want busy", err)
	}
}

func TestTrackSinkWriteFailureEndsRun(t *testing.T) {
	rec := &sampleRecorder{err: errors.New("io: read/write on closed pipe")}
	sink := NewTrackSink(rec, nil)
	n := &countNotifier{}

	errc := make(chan error, 1)
	go func() { errc <- sink.Run(context.Background(), n) }()
	sink.Append(codec.Pack([][]byte{silk20}))

	select {
	case err := <-errc:
		if !errors.Is(err, rec.err) {
			t.Errorf("Run = %v, want %v", err, rec.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after write failure")
	}
	if n.completed() != 0 {
		t.Error("failed insertion reported as complete")
	}
}

func TestTrackSinkUnboundTrack(t *testing.T) {
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "test")
	if err != nil {
		t.Fatal(err)
	}
	sink := NewTrackSink(track, nil)
	if err := sink.write([][]byte{silk20}); err != nil {
		t.Errorf("write to unbound track = %v", err)
	}
}

func TestHandlerRejectsBadRequests(t *testing.T) {
	h := NewHandler(transport.NewHub(nil, nil), "room", session.Options{}, nil)
	defer h.Close()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/offer", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/offer", strings.NewReader("{not json")))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad JSON status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/offer", nil))
	if rec.Code != http.StatusOK || rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("preflight status = %d, headers = %v", rec.Code, rec.Header())
	}
}

func TestHandlerNegotiatesAndSubscribes(t *testing.T) {
	hub := transport.NewHub(nil, nil)
	defer hub.Close()
	h := NewHandler(hub, "room", session.Options{DrainTimeout: 50 * time.Millisecond}, nil)

	browser, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatal(err)
	}
	defer browser.Close()
	if _, err := browser.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
		t.Fatal(err)
	}
	offer, err := browser.CreateOffer(nil)
	if err != nil {
		t.Fatal(err)
	}
	gathered := webrtc.GatheringCompletePromise(browser)
	if err := browser.SetLocalDescription(offer); err != nil {
		t.Fatal(err)
	}
	<-gathered

	body, _ := json.Marshal(browser.LocalDescription())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/offer", bytes.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("offer status = %d: %s", rec.Code, rec.Body)
	}

	var answer webrtc.SessionDescription
	if err := json.NewDecoder(rec.Body).Decode(&answer); err != nil {
		t.Fatal(err)
	}
	if answer.Type != webrtc.SDPTypeAnswer {
		t.Errorf("answer type = %v", answer.Type)
	}

	if h.PeerCount() != 1 {
		t.Errorf("PeerCount = %d, want 1", h.PeerCount())
	}
	waitFor(t, "peer subscription", func() bool { return hub.SubscriberCount("room") == 1 })

	h.Close()
	waitFor(t, "peer cleanup", func() bool { return h.PeerCount() == 0 && hub.SubscriberCount("room") == 0 })
}
