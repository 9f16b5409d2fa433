package badger

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// codec serializes stored rows as zstd-compressed JSON.
type codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newCodec() (*codec, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	return &codec{encoder: encoder, decoder: decoder}, nil
}

func (c *codec) encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return c.encoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

func (c *codec) decode(data []byte, v any) error {
	plain, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return fmt.Errorf("decompression failed: %w", err)
	}
	return json.Unmarshal(plain, v)
}

func (c *codec) close() {
	c.encoder.Close()
	c.decoder.Close()
}
