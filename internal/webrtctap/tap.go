// Package webrtctap is the low-latency WebRTC listener path: it subscribes
// to the same decoded PCM a Stream feeds to its WebM encoder and re-encodes
// it, per peer, as Opus RTP samples. It has its own Opus encoder instance
// per peer, entirely independent of the WebM encoder's granule and packet
// numbering.
package webrtctap

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"gopkg.in/hraban/opus.v2"

	"github.com/opusmixd/opusmixd/internal/audio"
	"github.com/opusmixd/opusmixd/internal/stream"
)

// defaultBitrateBps is the WebRTC tap's own Opus bitrate, independent of
// the polled stream's configured WebM bitrate.
const defaultBitrateBps = 128000

// frameDuration is the RTP sample duration for one 40ms Opus frame.
const frameDuration = 40_000_000 // nanoseconds, matches the Stream tap's codec.FrameSamplesPerChannel (rate/25) frame

// Handler negotiates WebRTC peers against whichever Stream is passed to
// Offer and streams that Stream's decoded PCM to each of them as Opus.
type Handler struct {
	logger *slog.Logger
	format audio.Format

	mu    sync.Mutex
	peers []*webrtc.PeerConnection
}

// NewHandler constructs a Handler that encodes PCM at format's rate and
// channel count for every peer it negotiates.
func NewHandler(format audio.Format, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{format: format, logger: logger}
}

// PeerCount returns the number of currently connected WebRTC peers.
func (h *Handler) PeerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// Offer negotiates a new WebRTC peer against s given an SDP offer, and
// returns the SDP answer once ICE gathering completes. The peer is
// subscribed to s's Tap for the lifetime of the connection.
func (h *Handler) Offer(s *stream.Stream, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("webrtctap: create peer connection: %w", err)
	}

	audioTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio",
		"opusmixd",
	)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtctap: create audio track: %w", err)
	}

	if _, err := pc.AddTrack(audioTrack); err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtctap: add track: %w", err)
	}

	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtctap: set remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtctap: create answer: %w", err)
	}

	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtctap: set local description: %w", err)
	}

	<-webrtc.GatheringCompletePromise(pc)

	h.mu.Lock()
	h.peers = append(h.peers, pc)
	h.mu.Unlock()

	h.logger.Info("webrtc peer connected", "total", h.PeerCount())

	go h.streamToPeer(s, pc, audioTrack)

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		if st == webrtc.PeerConnectionStateFailed ||
			st == webrtc.PeerConnectionStateClosed ||
			st == webrtc.PeerConnectionStateDisconnected {
			h.removePeer(pc)
			pc.Close()
			h.logger.Info("webrtc peer disconnected", "remaining", h.PeerCount())
		}
	})

	return pc.LocalDescription(), nil
}

func (h *Handler) streamToPeer(s *stream.Stream, pc *webrtc.PeerConnection, track *webrtc.TrackLocalStaticSample) {
	listener := s.Tap()
	defer s.Untap(listener)
	h.streamListenerToPeer(listener, track)
}

// streamListenerToPeer drives one already-subscribed listener's encode/send
// loop: every PCM frame it receives is Opus-encoded and written to track,
// until the listener is unsubscribed (Done closes) or its channel closes.
// Split out from streamToPeer so the loop can be driven directly from a
// hand-fed listener in tests, without negotiating a real Stream subscription.
func (h *Handler) streamListenerToPeer(listener *stream.Listener, track *webrtc.TrackLocalStaticSample) {
	enc, err := opus.NewEncoder(h.format.SampleRateHz, h.format.Channels, opus.AppAudio)
	if err != nil {
		h.logger.Error("webrtc tap: opus encoder error", "err", err)
		return
	}
	if err := enc.SetBitrate(defaultBitrateBps); err != nil {
		h.logger.Warn("webrtc tap: set bitrate failed", "err", err)
	}

	opusBuf := make([]byte, 4000)

	for {
		select {
		case <-listener.Done():
			return
		case frame, ok := <-listener.Frames():
			if !ok {
				return
			}
			n, err := enc.EncodeFloat32(frame, opusBuf)
			if err != nil {
				h.logger.Warn("webrtc tap: opus encode error", "err", err)
				continue
			}
			if err := track.WriteSample(media.Sample{
				Data:     opusBuf[:n],
				Duration: frameDuration,
			}); err != nil {
				return
			}
		}
	}
}

func (h *Handler) removePeer(pc *webrtc.PeerConnection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, p := range h.peers {
		if p == pc {
			h.peers = append(h.peers[:i], h.peers[i+1:]...)
			return
		}
	}
}

// ServeOffer is the net/http handler for POST /stream/{id}/webrtc/offer: it
// decodes an SDP offer from the request body and writes the SDP answer as
// JSON.
func (h *Handler) ServeOffer(s *stream.Stream, w http.ResponseWriter, r *http.Request) {
	var offer webrtc.SessionDescription
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
		http.Error(w, "invalid SDP offer", http.StatusBadRequest)
		return
	}

	answer, err := h.Offer(s, offer)
	if err != nil {
		h.logger.Error("webrtc tap: negotiate offer failed", "err", err)
		http.Error(w, "negotiate offer failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(answer)
}
