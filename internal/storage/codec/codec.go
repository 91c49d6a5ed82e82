// Package codec compresses measurement channels and serializes batches.
//
// Each channel is a fixed-length float32 window. Compress XOR-deltas the
// IEEE-754 bit patterns against the previous value, transposes the result
// into byte planes and hands the planes to zstd at a fixed level. Slowly
// varying sensor data produces long zero runs in the high planes, which zstd
// collapses. The transform is lossless to the bit.
//
// Compressed channel layout:
//
//	[1 byte format][uvarint count][zstd frame of 4*count transposed bytes]
//
// The package is pure: it knows nothing about keys, configuration or
// calibration.
package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/kilnworks/dehydrator/config"
	"github.com/kilnworks/dehydrator/internal/errors"
)

// Level is the fixed zstd tuning level.
const Level = config.CodecLevel

// N is the number of samples per channel in a full batch.
const N = config.BatchSize

const (
	formatXorPlanes byte = 1

	// maxCount bounds decoded channel length so a corrupt header cannot
	// trigger a huge allocation.
	maxCount = 1 << 20
)

var (
	encOnce sync.Once
	encoder *zstd.Encoder
	encErr  error

	decOnce sync.Once
	decoder *zstd.Decoder
	decErr  error
)

func getEncoder() (*zstd.Encoder, error) {
	encOnce.Do(func() {
		encoder, encErr = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(Level)),
			zstd.WithEncoderConcurrency(1),
		)
	})
	return encoder, encErr
}

func getDecoder() (*zstd.Decoder, error) {
	decOnce.Do(func() {
		decoder, decErr = zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderMaxMemory(4*maxCount),
		)
	})
	return decoder, decErr
}

// Compress encodes one channel.
func Compress(values []float32) ([]byte, error) {
	if len(values) > maxCount {
		return nil, fmt.Errorf("channel of %d values exceeds %d: %w", len(values), maxCount, errors.ErrInvalidRequest)
	}

	out := []byte{formatXorPlanes}
	out = binary.AppendUvarint(out, uint64(len(values)))
	if len(values) == 0 {
		return out, nil
	}

	enc, err := getEncoder()
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	return enc.EncodeAll(transpose(xorDelta(values)), out), nil
}

// Decompress decodes a channel produced by Compress.
func Decompress(blob []byte) ([]float32, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("empty channel: %w", errors.ErrCorruptBlob)
	}
	if blob[0] != formatXorPlanes {
		return nil, fmt.Errorf("unknown channel format %d: %w", blob[0], errors.ErrCorruptBlob)
	}

	count, n := binary.Uvarint(blob[1:])
	if n <= 0 || count > maxCount {
		return nil, fmt.Errorf("bad channel length: %w", errors.ErrCorruptBlob)
	}
	body := blob[1+n:]
	if count == 0 {
		return []float32{}, nil
	}

	dec, err := getDecoder()
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	planes, err := dec.DecodeAll(body, make([]byte, 0, 4*count))
	if err != nil {
		return nil, fmt.Errorf("zstd: %v: %w", err, errors.ErrCorruptBlob)
	}
	if uint64(len(planes)) != 4*count {
		return nil, fmt.Errorf("channel holds %d bytes, want %d: %w", len(planes), 4*count, errors.ErrCorruptBlob)
	}
	return undoXorDelta(untranspose(planes, int(count))), nil
}

func xorDelta(values []float32) []uint32 {
	words := make([]uint32, len(values))
	var prev uint32
	for i, v := range values {
		bits := math.Float32bits(v)
		words[i] = bits ^ prev
		prev = bits
	}
	return words
}

func undoXorDelta(words []uint32) []float32 {
	values := make([]float32, len(words))
	var prev uint32
	for i, w := range words {
		prev ^= w
		values[i] = math.Float32frombits(prev)
	}
	return values
}

// transpose writes the most significant byte of every word first.
func transpose(words []uint32) []byte {
	n := len(words)
	out := make([]byte, 4*n)
	for i, w := range words {
		out[i] = byte(w >> 24)
		out[n+i] = byte(w >> 16)
		out[2*n+i] = byte(w >> 8)
		out[3*n+i] = byte(w)
	}
	return out
}

func untranspose(planes []byte, n int) []uint32 {
	words := make([]uint32, n)
	for i := range words {
		words[i] = uint32(planes[i])<<24 |
			uint32(planes[n+i])<<16 |
			uint32(planes[2*n+i])<<8 |
			uint32(planes[3*n+i])
	}
	return words
}
