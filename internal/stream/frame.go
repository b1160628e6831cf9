package stream

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// writeFramed writes one advance response block to w: a "meta" tag followed
// by a u32 LE length and the JSON-encoded metadata array, then a "data" tag
// followed by a u32 LE length and the raw container payload.
func writeFramed(w io.Writer, meta []MetadataRecord, data []byte) error {
	if meta == nil {
		meta = []MetadataRecord{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("stream: marshal metadata: %w", err)
	}
	if err := writeBlock(w, "meta", metaJSON); err != nil {
		return err
	}
	return writeBlock(w, "data", data)
}

func writeBlock(w io.Writer, tag string, payload []byte) error {
	if _, err := io.WriteString(w, tag); err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
