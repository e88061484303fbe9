package archive

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

var (
	encoder = mustEncoder()
	decoder = mustDecoder()
)

func mustEncoder() *zstd.Encoder {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		panic(fmt.Sprintf("archive: create zstd encoder: %v", err))
	}
	return enc
}

func mustDecoder() *zstd.Decoder {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("archive: create zstd decoder: %v", err))
	}
	return dec
}

// Compress zstd-compresses payload when it is larger than threshold bytes.
// It returns the original payload and false when threshold is not positive
// or compression does not shrink the data.
func Compress(payload []byte, threshold int) ([]byte, bool) {
	if threshold <= 0 || len(payload) <= threshold {
		return payload, false
	}

	compressed := encoder.EncodeAll(payload, make([]byte, 0, len(payload)))
	if len(compressed) >= len(payload) {
		return payload, false
	}
	return compressed, true
}

// Decompress reverses Compress for a stored payload.
func Decompress(data []byte) ([]byte, error) {
	return decoder.DecodeAll(data, nil)
}
