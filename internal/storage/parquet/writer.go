package parquet

import (
	"fmt"
	"io"
	"sync"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/kilnworks/dehydrator/internal/storage/codec"
	"github.com/kilnworks/dehydrator/internal/storage/key"
)

// Options configures the Parquet writer.
type Options struct {
	// Compression algorithm
	Compression CompressionType

	// PageBufferSize is the target page buffer size in bytes.
	PageBufferSize int
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// DefaultOptions returns default Parquet options.
func DefaultOptions() Options {
	return Options{
		Compression:    CompressionZstd,
		PageBufferSize: 256 * 1024,
	}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none", "":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

// getCompression returns the parquet-go compression codec.
func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// Row is one sample of a stored batch. Column names match the CSV export.
type Row struct {
	Key       string  `parquet:"j,dict"`
	Index     int32   `parquet:"i"`
	Time      int64   `parquet:"time"`
	Cutoffs   int32   `parquet:"cutoffs"`
	InsideT   float32 `parquet:"i_T"`
	InsideRH  float32 `parquet:"i_RH"`
	OutsideT  float32 `parquet:"o_I"`
	OutsideRH float32 `parquet:"o_RH"`
	Amps      float32 `parquet:"amps"`
	Grams     float32 `parquet:"grams"`
}

// BatchRows flattens a batch stored under k into one row per sample.
func BatchRows(k key.Key, b *codec.Batch) []Row {
	n := b.Len()
	rows := make([]Row, n)
	j := k.String()
	for i := 0; i < n; i++ {
		rows[i] = Row{
			Key:       j,
			Index:     int32(i),
			Time:      b.Time,
			Cutoffs:   b.Cutoffs,
			InsideT:   b.Channels[codec.InsideTemp][i],
			InsideRH:  b.Channels[codec.InsideRH][i],
			OutsideT:  b.Channels[codec.OutsideTemp][i],
			OutsideRH: b.Channels[codec.OutsideRH][i],
			Amps:      b.Channels[codec.Amps][i],
			Grams:     b.Channels[codec.Grams][i],
		}
	}
	return rows
}

// Writer writes measurement rows as a Parquet stream.
type Writer struct {
	mu       sync.Mutex
	writer   *parquet.GenericWriter[Row]
	rowCount int64
	closed   bool
}

// NewWriter creates a Parquet writer on w. The file footer is written by
// Close; w itself is not closed.
func NewWriter(w io.Writer, opts Options) *Writer {
	writerOpts := []parquet.WriterOption{
		parquet.Compression(getCompression(opts.Compression)),
	}
	if opts.PageBufferSize > 0 {
		writerOpts = append(writerOpts, parquet.PageBufferSize(opts.PageBufferSize))
	}

	return &Writer{writer: parquet.NewGenericWriter[Row](w, writerOpts...)}
}

// WriteBatch writes every sample of the batch stored under k.
func (w *Writer) WriteBatch(k key.Key, b *codec.Batch) error {
	return w.Write(BatchRows(k, b))
}

// Write writes rows.
func (w *Writer) Write(rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	n, err := w.writer.Write(rows)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}

	w.rowCount += int64(n)
	return nil
}

// Close flushes buffered rows and writes the footer.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

// RowCount returns the number of rows written.
func (w *Writer) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = fmt.Errorf("parquet writer is closed")
