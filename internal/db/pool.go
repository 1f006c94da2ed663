// Package db opens the optional persistence database and splits it into
// writer and reader pools.
package db

import "github.com/jmoiron/sqlx"

// Pool pairs a write connection with a read pool.
//
// The store's workload is an append-heavy event mirror: many small INSERTs,
// an occasional status UPDATE, and reads only from tests and ad-hoc
// inspection. For SQLite in WAL mode the writer is pinned to a single
// connection so writes serialize without SQLITE_BUSY, while the reader pool
// serves concurrent SELECTs from WAL snapshots. For PostgreSQL both sides
// are the same *sqlx.DB; pgx pools internally.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool creates a Pool from writer and reader connections. Passing the
// same connection for both is valid (PostgreSQL).
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer returns the pool for INSERT, UPDATE, and DELETE.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the pool for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both pools, tolerating a shared underlying connection.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
