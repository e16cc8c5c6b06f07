package store

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// zstd frame magic, little endian 0xFD2FB528.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil)
)

// Encode serializes a snapshot as zstd-compressed JSON.
func Encode(snap Snapshot) ([]byte, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return encoder.EncodeAll(raw, make([]byte, 0, len(raw)/4)), nil
}

// Decode reads a blob written by Encode. Plain JSON blobs from older
// versions are accepted as well.
func Decode(blob []byte) (Snapshot, error) {
	raw := blob
	if bytes.HasPrefix(blob, zstdMagic) {
		var err error
		raw, err = decoder.DecodeAll(blob, nil)
		if err != nil {
			return Snapshot{}, fmt.Errorf("decompress snapshot: %w", err)
		}
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}
