// Package audio owns the PCM output format contract and the ffmpeg-backed
// Decoder that produces raw interleaved PCM for one playlist entry.
package audio

import "fmt"

// Format describes the raw PCM format a Decoder is asked to produce.
// Channels and SampleRateHz are fixed across a Stream's lifetime; the
// Encoder requires its input already match them exactly (see internal/codec).
type Format struct {
	Channels     int
	SampleRateHz int
	BitDepth     int
	UseFloat     bool
	LittleEndian bool
}

// DefaultFormat is the format the server produces and re-encodes at:
// 48kHz, stereo, 32-bit little-endian float.
func DefaultFormat() Format {
	return Format{
		Channels:     2,
		SampleRateHz: 48000,
		BitDepth:     32,
		UseFloat:     true,
		LittleEndian: true,
	}
}

// BytesPerSample returns the byte width of one sample in this format.
func (f Format) BytesPerSample() int {
	return f.BitDepth / 8
}

// FrameBytes returns the byte width of one interleaved sample across all
// channels.
func (f Format) FrameBytes() int {
	return f.BytesPerSample() * f.Channels
}

// ffmpegSampleFmt derives ffmpeg's -f format code for this PCM format,
// returning an error for any (bit depth, float-ness) pair ffmpeg has no
// sample format for. 24-bit float is deliberately rejected: it is not a
// sample format ffmpeg supports.
func (f Format) ffmpegSampleFmt() (string, error) {
	var code string
	if f.UseFloat {
		switch f.BitDepth {
		case 32:
			code = "f32"
		case 64:
			code = "f64"
		default:
			return "", fmt.Errorf("audio: invalid float bit depth %d (must be 32 or 64)", f.BitDepth)
		}
	} else {
		switch f.BitDepth {
		case 8:
			return "u8", nil
		case 16:
			code = "s16"
		case 24:
			code = "s24"
		case 32:
			code = "s32"
		default:
			return "", fmt.Errorf("audio: invalid integer bit depth %d (must be 8, 16, 24 or 32)", f.BitDepth)
		}
	}
	if f.LittleEndian {
		return code + "le", nil
	}
	return code + "be", nil
}

// Validate checks that the format describes a sample layout ffmpeg can
// produce, without actually invoking ffmpeg.
func (f Format) Validate() error {
	if f.Channels <= 0 {
		return fmt.Errorf("audio: channels must be positive, got %d", f.Channels)
	}
	if f.SampleRateHz <= 0 {
		return fmt.Errorf("audio: sample rate must be positive, got %d", f.SampleRateHz)
	}
	_, err := f.ffmpegSampleFmt()
	return err
}
