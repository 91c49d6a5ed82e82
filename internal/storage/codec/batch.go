package codec

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/kilnworks/dehydrator/internal/errors"
)

// Channel identifies one of the six measured quantities.
type Channel int

const (
	InsideTemp Channel = iota
	InsideRH
	OutsideTemp
	OutsideRH
	Amps
	Grams

	NumChannels
)

var channelNames = [NumChannels]string{"i_T", "i_RH", "o_I", "o_RH", "amps", "grams"}

// String returns the export column name of the channel.
func (c Channel) String() string {
	if c < 0 || c >= NumChannels {
		return fmt.Sprintf("channel(%d)", int(c))
	}
	return channelNames[c]
}

// Batch is one window of samples in raw form.
type Batch struct {
	// Time is the Unix time in seconds at which the window closed.
	Time int64

	// Cutoffs counts samples whose inside absolute humidity was below the
	// configured threshold.
	Cutoffs int32

	Channels [NumChannels][]float32
}

// NewBatch returns an empty batch with room for N samples per channel.
func NewBatch() *Batch {
	b := &Batch{}
	for c := range b.Channels {
		b.Channels[c] = make([]float32, 0, N)
	}
	return b
}

// Len returns the number of samples, which is the length of the shortest channel.
func (b *Batch) Len() int {
	n := len(b.Channels[0])
	for _, ch := range b.Channels[1:] {
		n = min(n, len(ch))
	}
	return n
}

// Full reports whether the batch holds N samples.
func (b *Batch) Full() bool {
	return b.Len() >= N
}

// Reset empties the batch while keeping its buffers.
func (b *Batch) Reset() {
	b.Time = 0
	b.Cutoffs = 0
	for c := range b.Channels {
		b.Channels[c] = b.Channels[c][:0]
	}
}

// CompressedBatch is the persisted form of a Batch: per-channel blobs of
// independent length with time and cutoffs left uncompressed.
type CompressedBatch struct {
	Time     int64
	Cutoffs  int32
	Channels [NumChannels][]byte
}

// CompressBatch compresses every channel of b.
func CompressBatch(b *Batch) (*CompressedBatch, error) {
	out := &CompressedBatch{Time: b.Time, Cutoffs: b.Cutoffs}
	for c, values := range b.Channels {
		blob, err := Compress(values)
		if err != nil {
			return nil, fmt.Errorf("compress %s: %w", Channel(c), err)
		}
		out.Channels[c] = blob
	}
	return out, nil
}

// DecompressBatch restores the raw form of cb.
func DecompressBatch(cb *CompressedBatch) (*Batch, error) {
	out := &Batch{Time: cb.Time, Cutoffs: cb.Cutoffs}
	for c, blob := range cb.Channels {
		values, err := Decompress(blob)
		if err != nil {
			return nil, fmt.Errorf("decompress %s: %w", Channel(c), err)
		}
		out.Channels[c] = values
	}
	return out, nil
}

// =============================================================================
// Blob encoding
// =============================================================================

// Field numbers of the persisted batch message. Never renumber.
const (
	fieldTime         protowire.Number = 1
	fieldCutoffs      protowire.Number = 2
	fieldFirstChannel protowire.Number = 3 // channels occupy 3..8 in Channel order
)

// MarshalBatch serializes cb in protobuf wire format.
func MarshalBatch(cb *CompressedBatch) []byte {
	size := 24
	for _, ch := range cb.Channels {
		size += len(ch) + 4
	}
	buf := make([]byte, 0, size)

	buf = protowire.AppendTag(buf, fieldTime, protowire.VarintType)
	buf = protowire.AppendVarint(buf, protowire.EncodeZigZag(cb.Time))
	buf = protowire.AppendTag(buf, fieldCutoffs, protowire.VarintType)
	buf = protowire.AppendVarint(buf, protowire.EncodeZigZag(int64(cb.Cutoffs)))

	for c, ch := range cb.Channels {
		buf = protowire.AppendTag(buf, fieldFirstChannel+protowire.Number(c), protowire.BytesType)
		buf = protowire.AppendBytes(buf, ch)
	}
	return buf
}

// UnmarshalBatch parses a blob written by MarshalBatch. Unknown fields are
// skipped; a missing channel is an error.
func UnmarshalBatch(data []byte) (*CompressedBatch, error) {
	cb := &CompressedBatch{}
	var seen [NumChannels]bool

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, corrupt(protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldTime && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, corrupt(protowire.ParseError(n))
			}
			cb.Time = protowire.DecodeZigZag(v)
			data = data[n:]

		case num == fieldCutoffs && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, corrupt(protowire.ParseError(n))
			}
			cb.Cutoffs = int32(protowire.DecodeZigZag(v))
			data = data[n:]

		case num >= fieldFirstChannel && num < fieldFirstChannel+protowire.Number(NumChannels) && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, corrupt(protowire.ParseError(n))
			}
			c := num - fieldFirstChannel
			cb.Channels[c] = append([]byte(nil), v...)
			seen[c] = true
			data = data[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, corrupt(protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	for c, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("missing channel %s: %w", Channel(c), errors.ErrCorruptBlob)
		}
	}
	return cb, nil
}

func corrupt(err error) error {
	return fmt.Errorf("batch blob: %v: %w", err, errors.ErrCorruptBlob)
}

// Encode compresses and serializes b in one step.
func Encode(b *Batch) ([]byte, error) {
	cb, err := CompressBatch(b)
	if err != nil {
		return nil, err
	}
	return MarshalBatch(cb), nil
}

// Decode parses and decompresses a stored blob.
func Decode(blob []byte) (*Batch, error) {
	cb, err := UnmarshalBatch(blob)
	if err != nil {
		return nil, err
	}
	return DecompressBatch(cb)
}
