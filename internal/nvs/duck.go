package nvs

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/kilnworks/dehydrator/internal/errors"
)

// DuckPartition keeps a partition in an embedded DuckDB database file.
// Entries carry the sequence number of their first write so enumeration
// follows write order, matching the file backend.
type DuckPartition struct {
	mu     sync.Mutex
	db     *sql.DB
	name   string
	closed bool

	queryTimeout time.Duration
}

const duckSchema = `
CREATE SEQUENCE IF NOT EXISTS entry_seq START 1;
CREATE TABLE IF NOT EXISTS entries (
	seq       BIGINT NOT NULL DEFAULT nextval('entry_seq'),
	namespace VARCHAR NOT NULL,
	key       BLOB NOT NULL,
	value     BLOB NOT NULL,
	PRIMARY KEY (namespace, key)
);
`

// OpenDuck opens or creates dir/name.duckdb.
func OpenDuck(dir, name string) (*DuckPartition, error) {
	path := filepath.Join(dir, name+".duckdb")
	return openDuckDSN(path, name)
}

// OpenDuckMemory opens a volatile DuckDB partition.
func OpenDuckMemory(name string) (*DuckPartition, error) {
	return openDuckDSN("", name)
}

func openDuckDSN(dsn, name string) (*DuckPartition, error) {
	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	// One connection: the partition is a non-reentrant primitive.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := db.ExecContext(ctx, duckSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &DuckPartition{
		db:           db,
		name:         name,
		queryTimeout: 5 * time.Second,
	}, nil
}

// Namespace returns the named namespace of this partition.
func (p *DuckPartition) Namespace(name string) (Namespace, error) {
	if name == "" || len(name) > MaxKeyLen {
		return nil, fmt.Errorf("namespace %q: %w", name, errors.ErrInvalidKey)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.ErrStoreClosed
	}
	return &duckNamespace{p: p, name: name}, nil
}

// Close closes the database.
func (p *DuckPartition) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	return p.db.Close()
}

type duckNamespace struct {
	p    *DuckPartition
	name string
}

func (n *duckNamespace) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), n.p.queryTimeout)
}

func (n *duckNamespace) Get(key []byte) ([]byte, error) {
	n.p.mu.Lock()
	defer n.p.mu.Unlock()

	if n.p.closed {
		return nil, errors.ErrStoreClosed
	}

	ctx, cancel := n.ctx()
	defer cancel()

	var value []byte
	err := n.p.db.QueryRowContext(ctx,
		`SELECT value FROM entries WHERE namespace = ? AND key = ?`,
		n.name, key).Scan(&value)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%x: %w", n.name, key, errors.ErrBlobNotFound)
	}
	if err != nil {
		return nil, errors.Hardware("duckdb "+n.p.name, err)
	}
	return value, nil
}

func (n *duckNamespace) Set(key, blob []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}

	n.p.mu.Lock()
	defer n.p.mu.Unlock()

	if n.p.closed {
		return errors.ErrStoreClosed
	}

	ctx, cancel := n.ctx()
	defer cancel()

	_, err := n.p.db.ExecContext(ctx,
		`INSERT INTO entries (namespace, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value`,
		n.name, key, blob)
	if err != nil {
		return errors.Hardware("duckdb "+n.p.name, err)
	}
	return nil
}

func (n *duckNamespace) Entries(fn func(key []byte) bool) error {
	keys, err := n.keys()
	if err != nil {
		return err
	}
	for _, k := range keys {
		if !fn(k) {
			return nil
		}
	}
	return nil
}

func (n *duckNamespace) keys() ([][]byte, error) {
	n.p.mu.Lock()
	defer n.p.mu.Unlock()

	if n.p.closed {
		return nil, errors.ErrStoreClosed
	}

	ctx, cancel := n.ctx()
	defer cancel()

	rows, err := n.p.db.QueryContext(ctx,
		`SELECT key FROM entries WHERE namespace = ? ORDER BY seq`, n.name)
	if err != nil {
		return nil, errors.Hardware("duckdb "+n.p.name, err)
	}
	defer rows.Close()

	var keys [][]byte
	for rows.Next() {
		var k []byte
		if err := rows.Scan(&k); err != nil {
			return nil, errors.Hardware("duckdb "+n.p.name, err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Hardware("duckdb "+n.p.name, err)
	}
	return keys, nil
}
