package dbpool

import (
	"database/sql"
	"fmt"

	"github.com/bundlepay/server/internal/config"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// SharedPool manages the PostgreSQL connection pools shared by the metadata
// store and the job queue. Writes always go to the writer pool; status reads
// can be directed at a read replica when one is configured.
type SharedPool struct {
	writer *sql.DB
	reader *sql.DB
}

// NewSharedPool creates the shared PostgreSQL pools. readerURL is optional;
// when empty, reads share the writer pool.
func NewSharedPool(writerURL, readerURL string, poolConfig config.PostgresPoolConfig) (*SharedPool, error) {
	writer, err := open(writerURL, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("writer pool: %w", err)
	}

	reader := writer
	if readerURL != "" && readerURL != writerURL {
		reader, err = open(readerURL, poolConfig)
		if err != nil {
			writer.Close()
			return nil, fmt.Errorf("reader pool: %w", err)
		}
	}

	return &SharedPool{writer: writer, reader: reader}, nil
}

func open(connectionString string, poolConfig config.PostgresPoolConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	// Apply connection pool settings from config
	config.ApplyPostgresPoolSettings(db, poolConfig)

	return db, nil
}

// DB returns the writer pool for use by repositories.
func (p *SharedPool) DB() *sql.DB {
	return p.writer
}

// Reader returns the pool for read-mostly queries (status lookups, offsets).
// Falls back to the writer when no replica is configured.
func (p *SharedPool) Reader() *sql.DB {
	return p.reader
}

// Close closes the shared connection pools.
// This should only be called once when the application shuts down.
// sql.DB.Close() is safe to call multiple times.
func (p *SharedPool) Close() error {
	var firstErr error
	if p.reader != nil && p.reader != p.writer {
		firstErr = p.reader.Close()
	}
	if err := p.writer.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
