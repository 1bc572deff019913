// Package wal implements write-ahead logging for the journal backend
package wal

import "github.com/cockroachdb/errors"

var (
	// ErrCorrupted indicates a CRC mismatch
	ErrCorrupted = errors.New("wal: corrupted entry")

	// ErrTruncated indicates an entry cut short, usually a torn write
	ErrTruncated = errors.New("wal: truncated entry")

	// ErrLogClosed indicates an operation on a closed WAL
	ErrLogClosed = errors.New("wal: log closed")

	// ErrEmptyTransaction is returned when committing no operations
	ErrEmptyTransaction = errors.New("wal: empty transaction")
)
