package webrtctap

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opusmixd/opusmixd/internal/audio"
	"github.com/opusmixd/opusmixd/internal/stream"
)

func testFormat() audio.Format {
	return audio.Format{Channels: 2, SampleRateHz: 48000, BitDepth: 32, UseFloat: true, LittleEndian: true}
}

func TestNewHandlerStartsWithNoPeers(t *testing.T) {
	h := NewHandler(testFormat(), nil)
	assert.Equal(t, 0, h.PeerCount())
}

func TestRemovePeerIgnoresUnknownConnection(t *testing.T) {
	h := NewHandler(testFormat(), nil)
	h.removePeer(nil)
	assert.Equal(t, 0, h.PeerCount())
}

// TestOfferNegotiatesRealPeerConnection drives Handler.Offer against a real
// pion/webrtc client peer connection, doing a full loopback SDP exchange
// (host candidates only, no STUN/TURN needed for offer/answer negotiation
// itself) and checking the negotiated answer and peer bookkeeping.
func TestOfferNegotiatesRealPeerConnection(t *testing.T) {
	s, err := stream.NewStream(196000, testFormat())
	require.NoError(t, err)
	defer s.Close()

	client, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer client.Close()

	_, err = client.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	require.NoError(t, err)

	offer, err := client.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, client.SetLocalDescription(offer))
	<-webrtc.GatheringCompletePromise(client)

	h := NewHandler(testFormat(), nil)
	answer, err := h.Offer(s, *client.LocalDescription())
	require.NoError(t, err)
	require.NotNil(t, answer)

	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)
	assert.Equal(t, 1, h.PeerCount())
}

// TestStreamListenerToPeerEncodesFrameWithoutBlocking feeds a hand-crafted
// Listener a single PCM frame and confirms the encode/send loop consumes it
// (via an unbound track's no-op WriteSample) and exits promptly once the
// listener is unsubscribed, rather than blocking forever.
func TestStreamListenerToPeerEncodesFrameWithoutBlocking(t *testing.T) {
	b := stream.NewBroadcaster()
	listener := b.Subscribe()

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio",
		"test",
	)
	require.NoError(t, err)

	h := NewHandler(testFormat(), nil)

	done := make(chan struct{})
	go func() {
		h.streamListenerToPeer(listener, track)
		close(done)
	}()

	format := testFormat()
	frame := make([]float32, format.Channels*format.SampleRateHz/50) // one 20ms frame

	select {
	case listener.C <- frame:
	case <-time.After(time.Second):
		t.Fatal("listener channel should accept a frame without blocking")
	}

	b.Unsubscribe(listener)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("streamListenerToPeer did not return after the listener was unsubscribed")
	}
}

// installFakeTranscoder puts fake ffmpeg/ffprobe executables on PATH for the
// duration of the test: the fake ffmpeg ignores its arguments and emits
// silenceBytes of 48kHz/2ch/32-bit float PCM silence, and the fake ffprobe
// reports a fixed one-second WAV with no tags.
func installFakeTranscoder(t *testing.T, silenceBytes int) {
	t.Helper()
	dir := t.TempDir()

	ffmpeg := filepath.Join(dir, "ffmpeg")
	script := "#!/bin/sh\nhead -c " + strconv.Itoa(silenceBytes) + " /dev/zero\n"
	require.NoError(t, os.WriteFile(ffmpeg, []byte(script), 0o755))

	ffprobe := filepath.Join(dir, "ffprobe")
	probeScript := "#!/bin/sh\ncat <<'EOF'\n{\"format\":{\"format_name\":\"wav\",\"duration\":\"1.000000\",\"tags\":{}}}\nEOF\n"
	require.NoError(t, os.WriteFile(ffprobe, []byte(probeScript), 0o755))

	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

// TestStreamListenerToPeerAcceptsRealAdvanceFrames drives a real Stream's
// Advance across several seconds of decoded PCM into a tap listener, the
// same path streamToPeer subscribes in production, and confirms the tap's
// frame accumulation hands streamListenerToPeer's Opus encoder only
// legal-size frames: a size mismatch here would show up as a logged encode
// error, never a panic, so the log output itself is the assertion surface.
func TestStreamListenerToPeerAcceptsRealAdvanceFrames(t *testing.T) {
	format := testFormat()
	silenceBytes := 3 * format.SampleRateHz * format.FrameBytes()
	installFakeTranscoder(t, silenceBytes)

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "a.flac", []byte{}, 0o644))

	s, err := stream.NewStreamWithFS(196000, format, fs)
	require.NoError(t, err)
	defer s.Close()
	s.Append("a.flac", 0)

	listener := s.Tap()
	defer s.Untap(listener)

	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, nil))
	h := NewHandler(format, logger)

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio",
		"test",
	)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		h.streamListenerToPeer(listener, track)
		close(done)
	}()

	var out bytes.Buffer
	require.NoError(t, s.Advance(3, &out))

	s.Untap(listener)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("streamListenerToPeer did not return after the listener was unsubscribed")
	}

	assert.NotContains(t, logBuf.String(), "opus encode error")
}
