// Package keylog implements the append-only measurement log.
//
// The log stores one encoded batch per key in a raw nvs namespace. Keys are
// assigned by incrementing the last committed key, starting at key.Zero for an
// empty log, so they strictly increase (modulo 2^128) and are never reused.
//
// Bounds are cached in memory. On open they come from a head marker kept in a
// second namespace; a log without a marker falls back to enumerating the data
// namespace, keeping the first and last entry visited, which is only correct
// while the store enumerates in write order.
package keylog

import (
	"context"
	"fmt"
	"sync"

	"github.com/kilnworks/dehydrator/internal/errors"
	"github.com/kilnworks/dehydrator/internal/logging"
	"github.com/kilnworks/dehydrator/internal/nvs"
	"github.com/kilnworks/dehydrator/internal/storage/codec"
	"github.com/kilnworks/dehydrator/internal/storage/key"
)

var log = logging.Component("keylog")

// Marker keys in the meta namespace.
var (
	markerFirst = []byte("first")
	markerLast  = []byte("last")
)

// Log is the keyed measurement log. Append must only be called by one writer;
// Range and Get may run concurrently with it.
type Log struct {
	data nvs.Namespace
	meta nvs.Namespace

	mu          sync.Mutex
	first, last key.Key
	nonEmpty    bool
	stats       Stats
}

// Stats holds log statistics.
type Stats struct {
	Appends        int64
	MarkerFailures int64
	SkippedMissing int64
	Source         string // "marker", "enumeration" or "empty"
}

// Open discovers the log bounds. meta may be nil, in which case no head marker
// is read or written.
func Open(data, meta nvs.Namespace) (*Log, error) {
	l := &Log{data: data, meta: meta}

	if meta != nil {
		found, err := l.loadMarker()
		if err != nil {
			return nil, err
		}
		if found {
			l.stats.Source = "marker"
			log.Info("log opened from marker", "first", l.first, "last", l.last)
			return l, nil
		}
	}

	if err := l.enumerate(); err != nil {
		return nil, err
	}
	if l.nonEmpty {
		l.stats.Source = "enumeration"
		log.Info("log opened by enumeration", "first", l.first, "last", l.last)
	} else {
		l.stats.Source = "empty"
		log.Info("log is empty")
	}
	return l, nil
}

// enumerate keeps the first and last entries visited.
func (l *Log) enumerate() error {
	err := l.data.Entries(func(raw []byte) bool {
		k, err := key.FromBytes(raw)
		if err != nil {
			log.Warn("ignoring foreign entry", "key", fmt.Sprintf("%x", raw))
			return true
		}
		if !l.nonEmpty {
			l.first = k
			l.nonEmpty = true
		}
		l.last = k
		return true
	})
	if err != nil {
		return fmt.Errorf("enumerate log: %w", err)
	}
	return nil
}

// loadMarker reads the head marker and reconciles it with the data namespace.
// It reports false when there is no usable marker.
func (l *Log) loadMarker() (bool, error) {
	first, ok, err := l.readMarker(markerFirst)
	if err != nil || !ok {
		return false, err
	}
	last, ok, err := l.readMarker(markerLast)
	if err != nil || !ok {
		return false, err
	}

	span, err := last.Sub(first)
	if err != nil {
		log.Warn("head marker spans an unrepresentable range", "first", first, "last", last)
		return false, nil
	}

	// A marker naming a blob that never made it to storage is walked back.
	for {
		present, err := l.has(last)
		if err != nil {
			return false, err
		}
		if present {
			break
		}
		if span == 0 {
			log.Warn("head marker names no stored batch", "first", first)
			return false, nil
		}
		log.Warn("head marker ahead of log, walking back", "last", last)
		last = last.Decrement()
		span--
	}

	// A put that landed before its marker update is rolled forward so the
	// next append does not overwrite it.
	for {
		next := last.Increment()
		if next == first {
			break
		}
		present, err := l.has(next)
		if err != nil {
			return false, err
		}
		if !present {
			break
		}
		log.Warn("head marker behind log, rolling forward", "last", next)
		last = next
	}

	l.first, l.last, l.nonEmpty = first, last, true
	return true, nil
}

func (l *Log) readMarker(name []byte) (key.Key, bool, error) {
	raw, err := l.meta.Get(name)
	if errors.IsNotFound(err) {
		return key.Key{}, false, nil
	}
	if err != nil {
		return key.Key{}, false, fmt.Errorf("read head marker %s: %w", name, err)
	}
	k, err := key.FromBytes(raw)
	if err != nil {
		log.Warn("ignoring malformed head marker", "name", string(name), "error", err)
		return key.Key{}, false, nil
	}
	return k, true, nil
}

func (l *Log) has(k key.Key) (bool, error) {
	_, err := l.data.Get(k.Bytes())
	if errors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("probe %s: %w", k, err)
	}
	return true, nil
}

// Bounds returns the first and last committed keys. ok is false for an empty log.
func (l *Log) Bounds() (first, last key.Key, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.first, l.last, l.nonEmpty
}

// Stats returns log statistics.
func (l *Log) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Append encodes b and stores it under the next key.
func (l *Log) Append(b *codec.Batch) (key.Key, error) {
	blob, err := codec.Encode(b)
	if err != nil {
		return key.Key{}, err
	}
	return l.AppendEncoded(blob)
}

// AppendEncoded stores an already encoded batch under the next key and
// returns that key. On failure nothing is cached and the same key is used
// by the next attempt.
func (l *Log) AppendEncoded(blob []byte) (key.Key, error) {
	l.mu.Lock()
	next := key.Zero
	if l.nonEmpty {
		next = l.last.Increment()
	}
	wasEmpty := !l.nonEmpty
	l.mu.Unlock()

	if err := l.data.Set(next.Bytes(), blob); err != nil {
		return key.Key{}, fmt.Errorf("append %s: %w", next, err)
	}

	l.mu.Lock()
	if wasEmpty {
		l.first = next
	}
	l.last = next
	l.nonEmpty = true
	l.stats.Appends++
	l.mu.Unlock()

	if l.meta != nil {
		if err := l.writeMarker(wasEmpty, next); err != nil {
			l.mu.Lock()
			l.stats.MarkerFailures++
			l.mu.Unlock()
			log.Warn("head marker not updated", "key", next, "error", err)
		}
	}
	return next, nil
}

func (l *Log) writeMarker(writeFirst bool, last key.Key) error {
	if writeFirst {
		if err := l.meta.Set(markerFirst, last.Bytes()); err != nil {
			return err
		}
	}
	return l.meta.Set(markerLast, last.Bytes())
}

// Get returns the batch stored at k. A key with no blob yields an error
// wrapping errors.ErrNotFound.
func (l *Log) Get(k key.Key) (*codec.Batch, error) {
	blob, err := l.data.Get(k.Bytes())
	if errors.IsNotFound(err) {
		return nil, fmt.Errorf("batch %s: %w", k, errors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read batch %s: %w", k, err)
	}
	b, err := codec.Decode(blob)
	if err != nil {
		return nil, fmt.Errorf("decode batch %s: %w", k, err)
	}
	return b, nil
}

// Range calls fn for every stored batch from first to last in key order.
// Keys without a blob are skipped. An unrepresentable span is treated as an
// empty log. Range stops at the first error from the store, the codec, fn or
// ctx.
func (l *Log) Range(ctx context.Context, fn func(k key.Key, b *codec.Batch) error) error {
	first, last, ok := l.Bounds()
	if !ok {
		return nil
	}

	span, err := last.Sub(first)
	if err != nil {
		log.Warn("log span unrepresentable, nothing to range", "first", first, "last", last)
		return nil
	}

	k := first
	for i := uint64(0); i <= span; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		b, err := l.Get(k)
		switch {
		case errors.IsNotFound(err):
			l.mu.Lock()
			l.stats.SkippedMissing++
			l.mu.Unlock()
			log.Debug("skipping missing batch", "key", k)
		case err != nil:
			return err
		default:
			if err := fn(k, b); err != nil {
				return err
			}
		}
		k = k.Increment()
	}
	return nil
}

// Len returns the number of keys between first and last inclusive, or 0 for
// an empty or unrepresentable log.
func (l *Log) Len() uint64 {
	first, last, ok := l.Bounds()
	if !ok {
		return 0
	}
	span, err := last.Sub(first)
	if err != nil {
		return 0
	}
	return span + 1
}
