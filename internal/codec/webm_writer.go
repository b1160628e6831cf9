package codec

import (
	"io"

	"github.com/at-wat/ebml-go/webm"
)

// webmWriter isolates the exact at-wat/ebml-go live-mode (SimpleBlock)
// writer API: a single audio track, opened on the encoder's first feed or
// finalize call, and closed exactly once on finalize.
//
// NewSimpleBlockWriter writes the EBML header, Segment, and Tracks elements
// immediately on construction, before any block is written -- this is what
// gives a freshly-opened encoder a non-empty container even if finalize is
// called without a single feed ever completing a frame.
type webmWriter struct {
	bw webm.BlockWriteCloser
}

const audioTrackNumber = 1
const audioTrackUID = 1

func newWebmWriter(w io.Writer, channels, sampleRate, frameSamplesPerChannel int, codecPrivate []byte) (*webmWriter, error) {
	bitDepth := uint64(16)
	defaultDuration := uint64(frameSamplesPerChannel) * 1_000_000_000 / uint64(sampleRate)
	writers, err := webm.NewSimpleBlockWriter(w, []webm.TrackEntry{
		{
			Name:            "Audio",
			TrackNumber:     audioTrackNumber,
			TrackUID:        audioTrackUID,
			CodecID:         "A_OPUS",
			TrackType:       2, // audio
			DefaultDuration: defaultDuration,
			CodecPrivate:    codecPrivate,
			Audio: &webm.Audio{
				SamplingFrequency: float64(sampleRate),
				Channels:          uint64(channels),
				BitDepth:          &bitDepth,
			},
		},
	})
	if err != nil {
		return nil, err
	}
	return &webmWriter{bw: writers[0]}, nil
}

// writeFrame adds one keyframe SimpleBlock at timestampMs to the audio track.
func (w *webmWriter) writeFrame(timestampMs int64, data []byte) error {
	_, err := w.bw.Write(true, timestampMs, data)
	return err
}

func (w *webmWriter) close() error {
	return w.bw.Close()
}
