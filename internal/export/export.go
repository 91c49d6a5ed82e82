// Package export streams the measurement log out as CSV, Parquet or a
// per-channel statistics report.
package export

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"

	"github.com/kilnworks/dehydrator/internal/errors"
	"github.com/kilnworks/dehydrator/internal/logging"
	"github.com/kilnworks/dehydrator/internal/storage/aggregate"
	"github.com/kilnworks/dehydrator/internal/storage/codec"
	"github.com/kilnworks/dehydrator/internal/storage/key"
	"github.com/kilnworks/dehydrator/internal/storage/parquet"
)

var log = logging.Component("export")

// Source is a log of stored batches.
type Source interface {
	Range(ctx context.Context, fn func(k key.Key, b *codec.Batch) error) error
}

// =============================================================================
// CSV
// =============================================================================

// CSVHeader is the header row of the CSV export.
var CSVHeader = []string{"j", "i", "time", "i_T", "i_RH", "o_I", "o_RH", "amps", "grams"}

// csvChannels is the column order of the channel values.
var csvChannels = [...]codec.Channel{
	codec.InsideTemp, codec.InsideRH, codec.OutsideTemp, codec.OutsideRH, codec.Amps, codec.Grams,
}

// WriteCSV writes the header and one row per sample. j is the batch key,
// i the sample index in the batch and time the batch time. Rows reach w in
// buffered chunks; after an error the unflushed tail is dropped, so a failure
// before the first chunk leaves w untouched.
func WriteCSV(ctx context.Context, w io.Writer, src Source) (rows int, err error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return 0, err
	}

	record := make([]string, len(CSVHeader))
	err = src.Range(ctx, func(k key.Key, b *codec.Batch) error {
		j := k.String()
		t := strconv.FormatInt(b.Time, 10)
		for i := 0; i < b.Len(); i++ {
			record[0] = j
			record[1] = strconv.Itoa(i)
			record[2] = t
			for c, ch := range csvChannels {
				record[3+c] = strconv.FormatFloat(float64(b.Channels[ch][i]), 'g', -1, 32)
			}
			if err := cw.Write(record); err != nil {
				return err
			}
			rows++
		}
		return nil
	})

	if err == nil {
		cw.Flush()
		err = cw.Error()
	}
	if err != nil {
		log.Warn("csv export aborted", "rows", rows, "error", err)
	}
	return rows, err
}

// =============================================================================
// Parquet
// =============================================================================

// WriteParquet writes every stored sample as a Parquet file.
func WriteParquet(ctx context.Context, w io.Writer, src Source, opts parquet.Options) (int64, error) {
	pw := parquet.NewWriter(w, opts)
	err := src.Range(ctx, pw.WriteBatch)
	if cerr := pw.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		log.Warn("parquet export aborted", "rows", pw.RowCount(), "error", err)
		return pw.RowCount(), errors.Wrap(err, "parquet export")
	}
	return pw.RowCount(), nil
}

// =============================================================================
// Statistics
// =============================================================================

// Report summarises the whole log.
type Report struct {
	Batches   int64               `json:"batches"`
	Samples   int64               `json:"samples"`
	Cutoffs   int64               `json:"cutoffs"`
	FirstTime int64               `json:"first_time"`
	LastTime  int64               `json:"last_time"`
	Channels  []aggregate.Summary `json:"channels"`
}

// Stats aggregates every channel over the whole log.
func Stats(ctx context.Context, src Source) (*Report, error) {
	var aggs [codec.NumChannels]*aggregate.Aggregate
	for c := range aggs {
		aggs[c] = aggregate.New(codec.Channel(c).String())
	}

	r := &Report{}
	err := src.Range(ctx, func(_ key.Key, b *codec.Batch) error {
		if r.Batches == 0 || b.Time < r.FirstTime {
			r.FirstTime = b.Time
		}
		if r.Batches == 0 || b.Time > r.LastTime {
			r.LastTime = b.Time
		}
		r.Batches++
		r.Samples += int64(b.Len())
		r.Cutoffs += int64(b.Cutoffs)
		for c, a := range aggs {
			a.AddAll(b.Channels[c][:b.Len()])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.Channels = make([]aggregate.Summary, len(aggs))
	for c, a := range aggs {
		r.Channels[c] = a.Summary()
	}
	return r, nil
}
