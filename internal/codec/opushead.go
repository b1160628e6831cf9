package codec

import "encoding/binary"

// opusHeadSize is the fixed size of the OpusHead codec-private blob: 8 bytes
// magic, 1 byte version, 1 byte channel count, 2 bytes pre-skip, 4 bytes
// sample rate, 2 bytes output gain, 1 byte channel mapping family.
const opusHeadSize = 19

// buildOpusHead packs the codec-private blob ffmpeg/libopus consumers expect
// on an A_OPUS track: magic "OpusHead", version 1, the given channel count
// and sample rate, and zeroed pre-skip/output-gain/mapping-family fields.
func buildOpusHead(channels, sampleRate int) []byte {
	buf := make([]byte, opusHeadSize)
	copy(buf[0:8], "OpusHead")
	buf[8] = 1
	buf[9] = byte(channels)
	binary.LittleEndian.PutUint16(buf[10:12], 0)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(sampleRate))
	binary.LittleEndian.PutUint16(buf[16:18], 0)
	buf[18] = 0
	return buf
}
