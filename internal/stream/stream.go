// Package stream implements the per-logical-stream playlist state machine:
// lazy decoder instantiation, the stateful Opus/WebM encoder it feeds, and
// the binary+JSON advance response framing.
package stream

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/afero"

	"github.com/opusmixd/opusmixd/internal/audio"
	"github.com/opusmixd/opusmixd/internal/codec"
)

// MetadataRecord is one entry in an advance response's JSON metadata array.
type MetadataRecord struct {
	Start    float64        `json:"start"`
	Filename string         `json:"filename"`
	Meta     audio.Metadata `json:"meta"`
}

// playlistEntry is a pending or in-progress source file on a Stream's
// playlist. decoder is nil until the advance that first consumes it.
type playlistEntry struct {
	filename      string
	offsetSeconds float64
	decoder       *audio.Decoder
}

// Status is a read-only snapshot of a Stream, returned by the status
// endpoint.
type Status struct {
	PlaylistLength  int    `json:"playlist_length"`
	CurrentFilename string `json:"current_filename"`
	SamplesEmitted  uint64 `json:"samples_emitted"`
	Finalized       bool   `json:"finalized"`
	WebRTCPeerCount int    `json:"webrtc_peer_count"`
}

// Stream holds one logical stream's playlist, its single Encoder, the
// sample cursor used to timestamp metadata records, and a broadcaster
// fanning the same decoded PCM out to any WebRTC Tap listeners.
type Stream struct {
	mu sync.Mutex

	format     audio.Format
	bitrateBps int

	playlist            []*playlistEntry
	encoder             *codec.Encoder
	samplesEmittedTotal uint64

	tap            *Broadcaster
	tapAccum       []float32 // interleaved, len == tap frame size
	tapAccumFilled int
	fs             afero.Fs

	// decMu guards currentDecoder and closed independently of mu, so that
	// Close can reach in and terminate the one decoder an in-flight Advance
	// may be blocked reading from, instead of deadlocking behind mu.
	decMu          sync.Mutex
	currentDecoder *audio.Decoder
	closed         bool
}

// NewStream constructs an empty Stream at the given target encoder bitrate,
// decoding every source file to format. format must describe 32-bit
// little-endian float PCM: that is what the Opus encoder and the WebRTC Tap
// both consume directly, with no further conversion.
func NewStream(bitrateBps int, format audio.Format) (*Stream, error) {
	return NewStreamWithFS(bitrateBps, format, afero.NewOsFs())
}

// NewStreamWithFS is NewStream with an injectable filesystem, used to check
// playlist filenames exist before spawning a decoder for them. Tests pass an
// afero.NewMemMapFs() to exercise missing-file handling without touching
// disk.
func NewStreamWithFS(bitrateBps int, format audio.Format, fs afero.Fs) (*Stream, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	if !format.UseFloat || format.BitDepth != 32 || !format.LittleEndian {
		return nil, errors.New("stream: format must be 32-bit little-endian float PCM")
	}
	enc, err := codec.NewEncoder(format.SampleRateHz, format.Channels)
	if err != nil {
		return nil, err
	}
	tapFrameSamples := codec.FrameSamplesPerChannel(format.SampleRateHz) * format.Channels
	return &Stream{
		format:     format,
		bitrateBps: bitrateBps,
		encoder:    enc,
		tap:        NewBroadcaster(),
		tapAccum:   make([]float32, tapFrameSamples),
		fs:         fs,
	}, nil
}

// Append pushes a new playlist entry at the tail. It never touches the
// filesystem or spawns a process.
func (s *Stream) Append(filename string, offsetSeconds float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playlist = append(s.playlist, &playlistEntry{filename: filename, offsetSeconds: offsetSeconds})
}

// Tap subscribes a new WebRTC Tap listener to this stream's decoded PCM.
func (s *Stream) Tap() *Listener {
	return s.tap.Subscribe()
}

// Untap removes a previously subscribed listener.
func (s *Stream) Untap(l *Listener) {
	s.tap.Unsubscribe(l)
}

// Status returns a read-only snapshot of the stream's current state.
func (s *Stream) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		PlaylistLength:  len(s.playlist),
		SamplesEmitted:  s.samplesEmittedTotal,
		Finalized:       s.encoder.Finalized(),
		WebRTCPeerCount: s.tap.ListenerCount(),
	}
	if len(s.playlist) > 0 {
		st.CurrentFilename = s.playlist[0].filename
	}
	return st
}

// Advance produces one framed meta+data response block covering
// approximately seconds of audio, writing it to sink.
func (s *Stream) Advance(seconds float64, sink io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	frameBytes := s.format.FrameBytes()
	targetBytes := int64(seconds*float64(s.format.SampleRateHz)) * int64(frameBytes)

	var metaRecords []MetadataRecord
	var data bytes.Buffer

	for targetBytes > 0 && len(s.playlist) > 0 && !s.isClosed() {
		entry := s.playlist[0]

		if entry.decoder == nil {
			if exists, err := afero.Exists(s.fs, entry.filename); err != nil || !exists {
				// A missing source file is treated as already exhausted: it
				// contributes no audio and no metadata record, and the rest
				// of the playlist is unaffected.
				s.playlist = s.playlist[1:]
				continue
			}
			dec, err := audio.NewDecoder(entry.filename, entry.offsetSeconds, s.format)
			if err != nil {
				// A file whose decoder can't even be spawned is treated as
				// already exhausted: it contributes no audio and no
				// metadata record, and the rest of the playlist is
				// unaffected.
				s.playlist = s.playlist[1:]
				continue
			}
			entry.decoder = dec
			s.setCurrentDecoder(dec)
			metaRecords = append(metaRecords, MetadataRecord{
				Start:    float64(s.samplesEmittedTotal) / float64(s.format.SampleRateHz),
				Filename: entry.filename,
				Meta:     audio.ProbeMetadata(entry.filename),
			})
		}

		want := targetBytes
		chunk := entry.decoder.Read(int(want))
		if len(chunk) > 0 {
			nSamples := len(chunk) / frameBytes
			pcm := bytesToFloat32(chunk[:nSamples*frameBytes])
			if err := s.encoder.Feed(pcm, s.bitrateBps, &data); err != nil {
				return fmt.Errorf("stream: encode: %w", err)
			}
			s.publishToTap(pcm)
			targetBytes -= int64(nSamples * frameBytes)
			s.samplesEmittedTotal += uint64(nSamples)
		}

		if int64(len(chunk)) < want {
			entry.decoder.Wait()
			s.setCurrentDecoder(nil)
			s.playlist = s.playlist[1:]
		}
	}

	if len(s.playlist) == 0 && !s.isClosed() {
		if err := s.encoder.Finalize(s.bitrateBps, &data); err != nil {
			return fmt.Errorf("stream: finalize: %w", err)
		}
		s.flushTapAccum()
	}

	return writeFramed(sink, metaRecords, data.Bytes())
}

// publishToTap batches pcm into the tap's accumulator and publishes it a
// frame at a time, mirroring codec.Encoder's own accum/accumFilled batching:
// a WebRTC listener's Opus encoder requires an exact legal frame size on
// every EncodeFloat32 call, and Advance's own read chunks carry no such
// guarantee. Each publish hands the listener a freshly-copied slice, since
// the accumulator itself is reused and mutated on the very next call.
func (s *Stream) publishToTap(pcm []float32) {
	i := 0
	for i < len(pcm) {
		n := copy(s.tapAccum[s.tapAccumFilled:], pcm[i:])
		s.tapAccumFilled += n
		i += n
		if s.tapAccumFilled == len(s.tapAccum) {
			frame := make([]float32, len(s.tapAccum))
			copy(frame, s.tapAccum)
			s.tap.Publish(frame)
			s.tapAccumFilled = 0
		}
	}
}

// flushTapAccum publishes any partial frame left in the tap accumulator,
// zero-padded to a full frame, once the playlist is exhausted and no more
// PCM is coming. Without this, a trailing partial frame shorter than one tap
// frame is silently dropped instead of reaching WebRTC listeners.
func (s *Stream) flushTapAccum() {
	if s.tapAccumFilled == 0 {
		return
	}
	frame := make([]float32, len(s.tapAccum))
	copy(frame, s.tapAccum[:s.tapAccumFilled])
	s.tap.Publish(frame)
	s.tapAccumFilled = 0
}

func (s *Stream) isClosed() bool {
	s.decMu.Lock()
	defer s.decMu.Unlock()
	return s.closed
}

func (s *Stream) setCurrentDecoder(d *audio.Decoder) {
	s.decMu.Lock()
	s.currentDecoder = d
	s.decMu.Unlock()
}

// Close terminates the decoder an in-flight Advance may be blocked reading
// from (without waiting for that Advance to release its own lock),
// disconnects any WebRTC Tap listeners, and empties the playlist. It is
// called when the owning Stream is destroyed.
//
// It signals the decoder's subprocess via Stop rather than Close: an
// Advance call may be the decoder's sole legitimate reader, blocked inside
// entry.decoder.Read under s.mu, and Stop -- unlike Close -- never calls
// Read itself, so it cannot race that in-flight read for the same bytes.
// The short read Stop's SIGINT produces is what lets that Advance call
// observe end-of-entry and run its own Wait to reap the exit status.
func (s *Stream) Close() {
	s.decMu.Lock()
	s.closed = true
	if s.currentDecoder != nil {
		s.currentDecoder.Stop()
		s.currentDecoder = nil
	}
	s.decMu.Unlock()

	s.tap.CloseAll()

	s.mu.Lock()
	s.playlist = nil
	s.mu.Unlock()
}
