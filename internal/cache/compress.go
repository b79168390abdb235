package cache

import (
	"github.com/klauspost/compress/zstd"

	"github.com/tiercache/tiercache/pkg/errors"
)

// compressor wraps a shared zstd encoder/decoder pair. EncodeAll and
// DecodeAll are safe for concurrent use, so one pair serves the whole
// coordinator.
type compressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newCompressor() (*compressor, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, errors.New(errors.ErrCodeCompressFailed, "create zstd encoder").WithCause(err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errors.New(errors.ErrCodeCompressFailed, "create zstd decoder").WithCause(err)
	}
	return &compressor{enc: enc, dec: dec}, nil
}

func (c *compressor) compress(value []byte) []byte {
	return c.enc.EncodeAll(value, make([]byte, 0, len(value)/2))
}

func (c *compressor) decompress(value []byte) ([]byte, error) {
	out, err := c.dec.DecodeAll(value, nil)
	if err != nil {
		return nil, errors.New(errors.ErrCodeCompressFailed, "zstd decompress").WithCause(err)
	}
	return out, nil
}

func (c *compressor) close() {
	c.enc.Close()
	c.dec.Close()
}
