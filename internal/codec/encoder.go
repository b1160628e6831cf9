// Package codec implements the stateful Opus/WebM encoder: a frame
// accumulator feeding a real Opus encoder, muxed into a live-mode Matroska
// container whose packet numbering and granule position survive many feed
// calls.
package codec

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"gopkg.in/hraban/opus.v2"
)

// maxOpusPacketBytes bounds a single encoded frame; libopus never produces
// packets anywhere close to this size at any bitrate this package exposes.
const maxOpusPacketBytes = 4000

// switchWriter lets a single long-lived webmWriter (and the packet-numbering
// state bound to it) redirect its output to whichever sink the caller passed
// into the current feed/finalize call.
type switchWriter struct {
	w io.Writer
}

func (s *switchWriter) Write(p []byte) (int, error) {
	return s.w.Write(p)
}

// Encoder is the stateful Opus/WebM encoder described by Stream: constructed
// once per playlist's lifetime, fed PCM across many advance calls, and
// finalized exactly once.
type Encoder struct {
	rate, channels int
	frameSamples   int // samples per channel per frame

	mu          sync.Mutex
	accum       []float32 // interleaved, len == frameSamples*channels
	accumFilled int
	granule     uint64
	finalized   bool

	opusEnc *opus.Encoder
	sink    *switchWriter
	muxer   *webmWriter
}

// FrameSamplesPerChannel returns the number of samples per channel in one
// encoder frame at the given sample rate: a fixed 40ms, which lands on a
// legal Opus frame size at every rate this package is asked to run at
// (1920 samples at 48kHz). Anything that hands PCM to an Opus encoder --
// the WebM muxing path here, or the WebRTC Tap's own per-peer encoder --
// must batch to this size first.
func FrameSamplesPerChannel(rate int) int {
	return rate / 25
}

// NewEncoder constructs an Encoder fixed to (rate, channels). The container
// and its codec-private OpusHead blob are not written until the first feed
// or finalize call.
func NewEncoder(rate, channels int) (*Encoder, error) {
	if rate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("codec: invalid encoder parameters rate=%d channels=%d", rate, channels)
	}
	opusEnc, err := opus.NewEncoder(rate, channels, opus.AppAudio)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus encoder: %w", err)
	}
	frameSamples := FrameSamplesPerChannel(rate)
	return &Encoder{
		rate:         rate,
		channels:     channels,
		frameSamples: frameSamples,
		accum:        make([]float32, frameSamples*channels),
		opusEnc:      opusEnc,
		sink:         &switchWriter{},
	}, nil
}

// Granule reports the current granule position (total samples accounted for
// in completed frames).
func (e *Encoder) Granule() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.granule
}

// Finalized reports whether Finalize has already run.
func (e *Encoder) Finalized() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finalized
}

// Feed copies interleaved float PCM into the frame accumulator, encoding and
// muxing every frame it completes along the way, at the given bitrate
// (bits/second). Container bytes land in dst as they are produced. Feed is a
// no-op once the encoder has been finalized.
func (e *Encoder) Feed(pcm []float32, bitrateBps int, dst io.Writer) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finalized {
		return nil
	}
	if err := e.ensureMuxer(dst); err != nil {
		return err
	}
	return e.absorb(pcm, bitrateBps)
}

// Finalize pads and encodes the current partial frame, if any (an encoder
// that never fed a partial frame closes with no extra frame), closes out
// the container (writing whatever trailing elements the live-mode writer
// requires), and marks the encoder finalized. Further calls are no-ops.
func (e *Encoder) Finalize(bitrateBps int, dst io.Writer) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finalized {
		return nil
	}
	if err := e.ensureMuxer(dst); err != nil {
		return err
	}
	if e.accumFilled > 0 {
		for i := e.accumFilled; i < len(e.accum); i++ {
			e.accum[i] = 0
		}
		e.accumFilled = len(e.accum)
		if err := e.encodeAccumulatedFrame(bitrateBps); err != nil {
			return err
		}
	}
	if err := e.muxer.close(); err != nil {
		return err
	}
	e.finalized = true
	return nil
}

func (e *Encoder) ensureMuxer(dst io.Writer) error {
	if dst == nil {
		return errors.New("codec: nil sink")
	}
	e.sink.w = dst
	if e.muxer != nil {
		return nil
	}
	head := buildOpusHead(e.channels, e.rate)
	m, err := newWebmWriter(e.sink, e.channels, e.rate, e.frameSamples, head)
	if err != nil {
		return fmt.Errorf("codec: open webm container: %w", err)
	}
	e.muxer = m
	return nil
}

// absorb copies pcm into the accumulator in accumulator-sized chunks,
// encoding and flushing each frame as it fills.
func (e *Encoder) absorb(pcm []float32, bitrateBps int) error {
	i := 0
	for i < len(pcm) {
		n := copy(e.accum[e.accumFilled:], pcm[i:])
		e.accumFilled += n
		i += n
		if e.accumFilled == len(e.accum) {
			if err := e.encodeAccumulatedFrame(bitrateBps); err != nil {
				return err
			}
		}
	}
	return nil
}

// encodeAccumulatedFrame consumes one full accumulator's worth of samples:
// it sets the bitrate, encodes, and -- on success -- writes the packet to
// the container at the current granule's timestamp. The granule always
// advances by frameSamples, even when the encode is dropped, so timing
// downstream of a transient encoder failure never drifts.
func (e *Encoder) encodeAccumulatedFrame(bitrateBps int) error {
	if bitrateBps > 0 {
		_ = e.opusEnc.SetBitrate(bitrateBps)
	}

	out := make([]byte, maxOpusPacketBytes)
	n, err := e.opusEnc.EncodeFloat32(e.accum, out)
	if err == nil && n > 0 {
		timestampNs := e.granule * 1_000_000_000 / uint64(e.rate)
		timestampMs := int64(timestampNs / 1_000_000)
		if werr := e.muxer.writeFrame(timestampMs, out[:n]); werr != nil {
			return werr
		}
	}

	e.granule += uint64(e.frameSamples)
	e.accumFilled = 0
	return nil
}
