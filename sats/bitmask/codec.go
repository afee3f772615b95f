package bitmask

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Blob format bytes. The first byte of an encoded blob says how the rest is stored.
const (
	formatRaw  byte = 0x00
	formatZstd byte = 0x01
)

var (
	encOnce sync.Once
	encoder *zstd.Encoder
	encErr  error

	decOnce sync.Once
	decoder *zstd.Decoder
	decErr  error
)

func zstdEncoder() (*zstd.Encoder, error) {
	encOnce.Do(func() {
		encoder, encErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	return encoder, encErr
}

func zstdDecoder() (*zstd.Decoder, error) {
	decOnce.Do(func() {
		decoder, decErr = zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(0),
			zstd.WithDecoderMaxMemory(MaxPixels/8),
		)
	})
	return decoder, decErr
}

// Encode serialises p for persistence. With compress set the little-endian words are
// zstd-compressed; anchor masks are mostly long runs and shrink well.
func Encode(p *Packed, compress bool) ([]byte, error) {
	raw := p.Bytes()
	if !compress {
		return append([]byte{formatRaw}, raw...), nil
	}
	enc, err := zstdEncoder()
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	return enc.EncodeAll(raw, []byte{formatZstd}), nil
}

// Decode parses a blob written by Encode and validates it against the stored metadata.
// Any malformed blob is reported as ErrCorrupt.
func Decode(blob []byte, nRows, nCols, nOK int) (*Packed, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("%w: empty blob", ErrCorrupt)
	}
	want, err := packedLen(nRows, nCols)
	if err != nil {
		return nil, err
	}
	switch blob[0] {
	case formatRaw:
		return FromBytes(blob[1:], nRows, nCols, nOK)
	case formatZstd:
		if len(blob) == 1 {
			// The encoder emits no frame for an empty mask.
			return FromBytes(nil, nRows, nCols, nOK)
		}
		var h zstd.Header
		if err := h.Decode(blob[1:]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if h.HasFCS && h.FrameContentSize != uint64(want) {
			return nil, fmt.Errorf("%w: frame holds %d bytes, want %d", ErrCorrupt, h.FrameContentSize, want)
		}
		dec, err := zstdDecoder()
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		raw, err := dec.DecodeAll(blob[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		return FromBytes(raw, nRows, nCols, nOK)
	default:
		return nil, fmt.Errorf("%w: unknown blob format 0x%02x", ErrCorrupt, blob[0])
	}
}
