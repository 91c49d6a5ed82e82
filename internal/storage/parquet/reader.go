package parquet

import (
	"errors"
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"
)

// Reader reads measurement rows from a Parquet file.
type Reader struct {
	reader *parquet.GenericReader[Row]
}

// NewReader creates a reader over an exported file of size bytes.
func NewReader(r io.ReaderAt, size int64) (*Reader, error) {
	f, err := parquet.OpenFile(r, size)
	if err != nil {
		return nil, fmt.Errorf("open parquet: %w", err)
	}
	return &Reader{reader: parquet.NewGenericReader[Row](f)}, nil
}

// Read reads up to n rows.
func (r *Reader) Read(n int) ([]Row, error) {
	rows := make([]Row, n)
	count, err := r.reader.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return rows[:count], nil
}

// ReadAll reads every remaining row.
func (r *Reader) ReadAll() ([]Row, error) {
	return r.Read(int(r.reader.NumRows()))
}

// NumRows returns the total number of rows in the file.
func (r *Reader) NumRows() int64 {
	return r.reader.NumRows()
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.reader.Close()
}
