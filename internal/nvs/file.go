package nvs

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/kilnworks/dehydrator/internal/errors"
	"github.com/kilnworks/dehydrator/internal/logging"
)

var log = logging.Component("nvs")

// FilePartition emulates a flash partition with an append-only record file.
// Every Set appends one record and syncs it; the latest record for a key wins.
// On open the file is replayed into memory. A torn or corrupt tail record,
// the result of power loss during a write, is cut off.
//
// File format:
//   - Header: 8 bytes magic + 4 bytes version
//   - Records: [4 bytes length][4 bytes crc32][payload]
//   - Payload: [2 bytes ns len][ns][2 bytes key len][key][blob]
type FilePartition struct {
	mu sync.Mutex

	path   string
	file   *os.File
	size   int64
	closed bool

	opts       FileOptions
	namespaces map[string]*index

	// Statistics
	stats FileStats
}

// FileOptions configures a FilePartition.
type FileOptions struct {
	// Sync forces an fsync after every record, the equivalent of an NVS commit.
	// Default: true
	Sync bool

	// MaxRecordSize rejects larger blobs.
	// Default: 1MB
	MaxRecordSize int
}

// DefaultFileOptions returns default partition options.
func DefaultFileOptions() FileOptions {
	return FileOptions{
		Sync:          true,
		MaxRecordSize: 1024 * 1024,
	}
}

// FileStats holds partition statistics.
type FileStats struct {
	RecordsReplayed int64
	RecordsWritten  int64
	BytesWritten    int64
	TruncatedBytes  int64
}

const (
	fileMagic        = 0x444859444e565301 // "DHYDNVS" + version 1
	fileVersion      = 1
	headerSize       = 12 // 8 bytes magic + 4 bytes version
	recordHeaderSize = 8  // 4 bytes length + 4 bytes crc
)

// OpenFile opens or creates the partition file dir/name.nvs.
func OpenFile(dir, name string, opts FileOptions) (*FilePartition, error) {
	if opts.MaxRecordSize <= 0 {
		opts.MaxRecordSize = DefaultFileOptions().MaxRecordSize
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create partition dir: %w", err)
	}

	path := filepath.Join(dir, name+".nvs")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open partition %s: %w", path, err)
	}

	p := &FilePartition{
		path:       path,
		file:       f,
		opts:       opts,
		namespaces: make(map[string]*index),
	}

	if err := p.load(); err != nil {
		f.Close()
		return nil, err
	}

	return p, nil
}

// load verifies or writes the header and replays every intact record.
func (p *FilePartition) load() error {
	info, err := p.file.Stat()
	if err != nil {
		return fmt.Errorf("stat partition: %w", err)
	}

	if info.Size() < headerSize {
		return p.writeHeader()
	}

	var header [headerSize]byte
	if _, err := io.ReadFull(p.file, header[:]); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	magic := binary.LittleEndian.Uint64(header[0:8])
	if magic != fileMagic {
		return fmt.Errorf("invalid magic: expected %x, got %x: %w", uint64(fileMagic), magic, errors.ErrStorage)
	}
	version := binary.LittleEndian.Uint32(header[8:12])
	if version != fileVersion {
		return fmt.Errorf("unsupported version %d: %w", version, errors.ErrStorage)
	}

	r := bufio.NewReader(p.file)
	offset := int64(headerSize)
	for {
		n, err := p.replayRecord(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Warn("dropping torn partition tail",
				"path", p.path, "offset", offset, "bytes", info.Size()-offset, "error", err)
			p.stats.TruncatedBytes = info.Size() - offset
			if err := p.file.Truncate(offset); err != nil {
				return fmt.Errorf("truncate partition: %w", err)
			}
			break
		}
		offset += n
	}

	p.size = offset
	if _, err := p.file.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek partition end: %w", err)
	}
	return nil
}

func (p *FilePartition) writeHeader() error {
	if err := p.file.Truncate(0); err != nil {
		return fmt.Errorf("reset partition: %w", err)
	}
	var header [headerSize]byte
	binary.LittleEndian.PutUint64(header[0:8], fileMagic)
	binary.LittleEndian.PutUint32(header[8:12], fileVersion)
	if _, err := p.file.WriteAt(header[:], 0); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if err := p.file.Sync(); err != nil {
		return fmt.Errorf("sync header: %w", err)
	}
	p.size = headerSize
	_, err := p.file.Seek(headerSize, io.SeekStart)
	return err
}

// replayRecord reads one record and applies it to the index.
// It returns the record's size on disk.
func (p *FilePartition) replayRecord(r io.Reader) (int64, error) {
	var header [recordHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return 0, io.EOF
		}
		return 0, fmt.Errorf("read record header: %w", err)
	}

	length := binary.LittleEndian.Uint32(header[0:4])
	expectedCRC := binary.LittleEndian.Uint32(header[4:8])

	if int(length) > p.opts.MaxRecordSize+2*MaxKeyLen+4 {
		return 0, fmt.Errorf("record too large: %d bytes", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, fmt.Errorf("read payload: %w", err)
	}

	if actual := crc32.ChecksumIEEE(payload); actual != expectedCRC {
		return 0, fmt.Errorf("CRC mismatch: expected %x, got %x", expectedCRC, actual)
	}

	ns, k, blob, err := decodeRecord(payload)
	if err != nil {
		return 0, err
	}
	p.indexFor(ns).put(k, blob)
	p.stats.RecordsReplayed++

	return int64(recordHeaderSize) + int64(length), nil
}

func (p *FilePartition) indexFor(ns string) *index {
	ix, ok := p.namespaces[ns]
	if !ok {
		ix = newIndex()
		p.namespaces[ns] = ix
	}
	return ix
}

// Namespace returns the named namespace of this partition.
func (p *FilePartition) Namespace(name string) (Namespace, error) {
	if name == "" || len(name) > MaxKeyLen {
		return nil, fmt.Errorf("namespace %q: %w", name, errors.ErrInvalidKey)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, errors.ErrStoreClosed
	}
	p.indexFor(name)
	return &fileNamespace{p: p, name: name}, nil
}

// Close closes the partition file.
func (p *FilePartition) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	return p.file.Close()
}

// Stats returns partition statistics.
func (p *FilePartition) Stats() FileStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Path returns the partition file path.
func (p *FilePartition) Path() string {
	return p.path
}

func (p *FilePartition) set(ns string, key, blob []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if len(blob) > p.opts.MaxRecordSize {
		return fmt.Errorf("blob of %d bytes exceeds %d: %w", len(blob), p.opts.MaxRecordSize, errors.ErrStorage)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errors.ErrStoreClosed
	}

	payload := encodeRecord(ns, key, blob)
	record := make([]byte, recordHeaderSize, recordHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(record[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(record[4:8], crc32.ChecksumIEEE(payload))
	record = append(record, payload...)

	if _, err := p.file.WriteAt(record, p.size); err != nil {
		return errors.Hardware(p.path, err)
	}
	if p.opts.Sync {
		if err := p.file.Sync(); err != nil {
			return errors.Hardware(p.path, err)
		}
	}

	p.size += int64(len(record))
	p.stats.RecordsWritten++
	p.stats.BytesWritten += int64(len(record))

	stored := make([]byte, len(blob))
	copy(stored, blob)
	p.indexFor(ns).put(string(key), stored)
	return nil
}

type fileNamespace struct {
	p    *FilePartition
	name string
}

func (n *fileNamespace) Get(key []byte) ([]byte, error) {
	n.p.mu.Lock()
	defer n.p.mu.Unlock()

	if n.p.closed {
		return nil, errors.ErrStoreClosed
	}
	v, ok := n.p.indexFor(n.name).get(string(key))
	if !ok {
		return nil, fmt.Errorf("%s/%x: %w", n.name, key, errors.ErrBlobNotFound)
	}
	return v, nil
}

func (n *fileNamespace) Set(key, blob []byte) error {
	return n.p.set(n.name, key, blob)
}

func (n *fileNamespace) Entries(fn func(key []byte) bool) error {
	n.p.mu.Lock()
	if n.p.closed {
		n.p.mu.Unlock()
		return errors.ErrStoreClosed
	}
	keys := n.p.indexFor(n.name).keys()
	n.p.mu.Unlock()

	for _, k := range keys {
		if !fn(k) {
			return nil
		}
	}
	return nil
}

// =============================================================================
// Record encoding
// =============================================================================

func encodeRecord(ns string, key, blob []byte) []byte {
	buf := make([]byte, 0, 4+len(ns)+len(key)+len(blob))
	buf = appendString(buf, ns)
	buf = appendString(buf, string(key))
	return append(buf, blob...)
}

func decodeRecord(data []byte) (ns, key string, blob []byte, err error) {
	ns, offset, err := readString(data, 0)
	if err != nil {
		return "", "", nil, fmt.Errorf("record namespace: %w", err)
	}
	key, offset, err = readString(data, offset)
	if err != nil {
		return "", "", nil, fmt.Errorf("record key: %w", err)
	}
	blob = make([]byte, len(data)-offset)
	copy(blob, data[offset:])
	return ns, key, blob, nil
}

// appendString appends a length-prefixed string to the buffer.
func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// readString reads a length-prefixed string from the buffer.
func readString(data []byte, offset int) (string, int, error) {
	if offset+2 > len(data) {
		return "", offset, fmt.Errorf("data too short for string length")
	}

	length := int(binary.LittleEndian.Uint16(data[offset:]))
	offset += 2

	if offset+length > len(data) {
		return "", offset, fmt.Errorf("data too short for string content")
	}

	s := string(data[offset : offset+length])
	return s, offset + length, nil
}
