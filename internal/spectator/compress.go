package spectator

import (
	"fmt"

	"github.com/golang/snappy"
)

// Compressor applies symmetric compression to streamed frame payloads.
type Compressor interface {
	Name() string
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// snappyCompressor wraps block-mode snappy.
type snappyCompressor struct{}

// NewSnappyCompressor constructs the default frame compressor.
func NewSnappyCompressor() Compressor {
	return snappyCompressor{}
}

// Name reports the codec identifier advertised in stream payloads.
func (snappyCompressor) Name() string { return "snappy" }

// Compress encodes data as a snappy block.
func (snappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

// Decompress restores the original payload from a snappy block.
func (snappyCompressor) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("snappy decompress: empty payload")
	}
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("snappy decode: %w", err)
	}
	return out, nil
}
