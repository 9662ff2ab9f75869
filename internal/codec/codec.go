// Package codec implements the content-addressable hashing and
// lossless byte compression contract: SHA-256 over decoded text for
// identity, Zstandard for chunk-content storage.
package codec

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// DefaultLevel matches the original compression service's default.
const DefaultLevel = zstd.SpeedDefault

// HashContent returns the hex-encoded SHA-256 digest of decoded text
// content. Hashing the decoded text (not raw file bytes) means equal
// textual content hashes the same across line-ending normalizations.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Codec compresses and decompresses chunk content with a reusable
// pair of zstd encoder/decoder, since constructing either is not free.
type Codec struct {
	mu  sync.Mutex
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// New builds a Codec at the given zstd level (default level 3 /
// zstd.SpeedDefault if level is zero).
func New(level zstd.EncoderLevel) (*Codec, error) {
	if level == 0 {
		level = DefaultLevel
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, fmt.Errorf("codec: create encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("codec: create decoder: %w", err)
	}
	return &Codec{enc: enc, dec: dec}, nil
}

// Compress returns the zstd-compressed form of data. Compressing the
// empty slice round-trips to the empty slice.
func (c *Codec) Compress(data []byte) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enc.EncodeAll(data, make([]byte, 0, len(data)))
}

// Decompress reverses Compress.
func (c *Codec) Decompress(data []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("codec: decompress: %w", err)
	}
	return out, nil
}

// Close releases the encoder/decoder's internal resources.
func (c *Codec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enc.Close()
	c.dec.Close()
}
