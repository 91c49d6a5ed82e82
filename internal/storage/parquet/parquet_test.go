package parquet

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/kilnworks/dehydrator/internal/storage/codec"
	"github.com/kilnworks/dehydrator/internal/storage/key"
)

func testBatch(time int64, base float32) *codec.Batch {
	b := codec.NewBatch()
	b.Time = time
	b.Cutoffs = 7
	for i := 0; i < codec.N; i++ {
		for c := range b.Channels {
			b.Channels[c] = append(b.Channels[c], base+float32(c)*10+float32(i)/100)
		}
	}
	return b
}

func TestBatchRows(t *testing.T) {
	k := key.FromUint64(3)
	b := testBatch(1_700_000_000, 1)
	rows := BatchRows(k, b)

	if len(rows) != codec.N {
		t.Fatalf("expected %d rows, got %d", codec.N, len(rows))
	}
	r := rows[5]
	if r.Key != k.String() || r.Index != 5 || r.Time != 1_700_000_000 || r.Cutoffs != 7 {
		t.Errorf("row 5 = %+v", r)
	}
	if r.InsideT != b.Channels[codec.InsideTemp][5] || r.Grams != b.Channels[codec.Grams][5] {
		t.Errorf("row 5 values i_T=%v grams=%v", r.InsideT, r.Grams)
	}
}

func TestWriteAndRead(t *testing.T) {
	for _, ct := range []string{"zstd", "snappy", "none"} {
		t.Run(ct, func(t *testing.T) {
			var buf bytes.Buffer
			opts := DefaultOptions()
			opts.Compression = ParseCompressionType(ct)

			w := NewWriter(&buf, opts)
			if err := w.WriteBatch(key.Zero, testBatch(100, 0)); err != nil {
				t.Fatalf("WriteBatch: %v", err)
			}
			second := testBatch(200, 1000)
			if err := w.WriteBatch(key.Zero.Increment(), second); err != nil {
				t.Fatalf("WriteBatch: %v", err)
			}
			if err := w.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}
			if w.RowCount() != 2*codec.N {
				t.Errorf("RowCount = %d, want %d", w.RowCount(), 2*codec.N)
			}

			data := buf.Bytes()
			r, err := NewReader(bytes.NewReader(data), int64(len(data)))
			if err != nil {
				t.Fatalf("NewReader: %v", err)
			}
			defer r.Close()

			if r.NumRows() != 2*codec.N {
				t.Fatalf("NumRows = %d", r.NumRows())
			}
			rows, err := r.ReadAll()
			if err != nil {
				t.Fatalf("ReadAll: %v", err)
			}
			if len(rows) != 2*codec.N {
				t.Fatalf("read %d rows", len(rows))
			}

			last := rows[len(rows)-1]
			if last.Key != key.Zero.Increment().String() || last.Time != 200 || last.Index != codec.N-1 {
				t.Errorf("last row = %+v", last)
			}
			if want := second.Channels[codec.InsideTemp][codec.N-1]; last.InsideT != want {
				t.Errorf("last i_T = %v, want %v", last.InsideT, want)
			}
		})
	}
}

func TestWriteToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "measurement.parquet")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	w := NewWriter(f, DefaultOptions())
	if err := w.WriteBatch(key.Zero, testBatch(1, 0)); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("file Close: %v", err)
	}

	stat, err := os.Stat(path)
	if err != nil {
		t.Fatalf("file should exist: %v", err)
	}
	if stat.Size() == 0 {
		t.Error("file should not be empty")
	}
}

func TestWriterClosed(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, DefaultOptions())
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := w.Write([]Row{{Key: "x"}}); err != ErrWriterClosed {
		t.Errorf("Write after Close = %v, want ErrWriterClosed", err)
	}
	if err := w.Write(nil); err != nil {
		t.Errorf("empty Write = %v", err)
	}
}

func TestNewReader_Garbage(t *testing.T) {
	data := []byte("not a parquet file")
	if _, err := NewReader(bytes.NewReader(data), int64(len(data))); err == nil {
		t.Error("expected error for garbage input")
	}
}

func TestParseCompressionType(t *testing.T) {
	tests := map[string]CompressionType{
		"snappy":  CompressionSnappy,
		"zstd":    CompressionZstd,
		"lz4":     CompressionLZ4,
		"gzip":    CompressionGzip,
		"none":    CompressionNone,
		"":        CompressionNone,
		"unknown": CompressionZstd,
	}
	for in, want := range tests {
		if got := ParseCompressionType(in); got != want {
			t.Errorf("ParseCompressionType(%q) = %v, want %v", in, got, want)
		}
	}
}
