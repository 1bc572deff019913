package wal

import (
	"bufio"
	"io"
	"os"

	"github.com/cockroachdb/errors"
)

// Reader reads entries from one log file
type Reader struct {
	r      *bufio.Reader
	offset int64
}

// NewReader wraps r
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 64<<10)}
}

// Next returns the next entry, io.EOF at a clean end, or ErrTruncated /
// ErrCorrupted when the remaining bytes do not form an intact entry
func (r *Reader) Next() (*Entry, error) {
	header := make([]byte, EntryHeaderSize)
	n, err := io.ReadFull(r.r, header)
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		if n > 0 {
			return nil, ErrTruncated
		}
		return nil, err
	}

	payload, err := payloadLen(header)
	if err != nil {
		return nil, err
	}
	data := make([]byte, EntryHeaderSize+payload+4)
	copy(data, header)
	if _, err := io.ReadFull(r.r, data[EntryHeaderSize:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrTruncated
		}
		return nil, err
	}

	entry, err := DecodeEntry(data)
	if err != nil {
		return nil, err
	}
	r.offset += int64(len(data))
	return entry, nil
}

// Offset is the number of bytes consumed by intact entries so far
func (r *Reader) Offset() int64 { return r.offset }

// ReadFile reads the intact prefix of a log file. valid is the length of
// that prefix; anything after it is a torn or damaged tail.
func ReadFile(path string) (entries []*Entry, valid int64, err error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, 0, errors.Wrap(err, "open wal file")
	}
	defer fd.Close()

	reader := NewReader(fd)
	for {
		entry, err := reader.Next()
		if err == io.EOF || errors.Is(err, ErrTruncated) || errors.Is(err, ErrCorrupted) {
			return entries, reader.Offset(), nil
		}
		if err != nil {
			return nil, 0, errors.Wrap(err, "read wal file")
		}
		entries = append(entries, entry)
	}
}

// ReadAll reads the intact entries of every file in order
func ReadAll(files []string) ([]*Entry, error) {
	var all []*Entry
	for _, f := range files {
		entries, _, err := ReadFile(f)
		if err != nil {
			return nil, err
		}
		all = append(all, entries...)
	}
	return all, nil
}
