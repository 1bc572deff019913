package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"
)

// OpType represents the type of WAL operation
type OpType byte

const (
	OpPut    OpType = 1
	OpDelete OpType = 2

	// OpCommit closes a transaction; its value holds the operation count
	OpCommit OpType = 3

	// OpCheckpoint opens a log file written after a snapshot
	OpCheckpoint OpType = 4
)

const (
	// EntryHeaderSize is the fixed size of the entry header
	// Layout: LSN(8) + TxnID(8) + OpType(1) + Reserved(7) + KeyLen(4) + ValLen(4) + Timestamp(8)
	EntryHeaderSize = 40

	// MaxPayloadSize bounds key plus value so a damaged length field
	// cannot trigger a huge allocation
	MaxPayloadSize = 16 << 20
)

// Entry represents a single WAL entry
type Entry struct {
	LSN       uint64
	TxnID     uint64
	OpType    OpType
	Key       []byte
	Value     []byte
	Timestamp time.Time
}

// Encode serializes the entry with a trailing CRC32
// Format: [Header(40)] [Key] [Value] [CRC32(4)]
func (e *Entry) Encode() []byte {
	return e.AppendTo(make([]byte, 0, e.Size()))
}

// AppendTo appends the encoded entry to buf
func (e *Entry) AppendTo(buf []byte) []byte {
	start := len(buf)
	var header [EntryHeaderSize]byte
	binary.LittleEndian.PutUint64(header[0:8], e.LSN)
	binary.LittleEndian.PutUint64(header[8:16], e.TxnID)
	header[16] = byte(e.OpType)
	binary.LittleEndian.PutUint32(header[24:28], uint32(len(e.Key)))
	binary.LittleEndian.PutUint32(header[28:32], uint32(len(e.Value)))
	binary.LittleEndian.PutUint64(header[32:40], uint64(e.Timestamp.UnixNano()))

	buf = append(buf, header[:]...)
	buf = append(buf, e.Key...)
	buf = append(buf, e.Value...)

	crc := crc32.ChecksumIEEE(buf[start:])
	return binary.LittleEndian.AppendUint32(buf, crc)
}

// payloadLen reads key and value lengths from a header
func payloadLen(header []byte) (int, error) {
	keyLen := binary.LittleEndian.Uint32(header[24:28])
	valLen := binary.LittleEndian.Uint32(header[28:32])
	n := uint64(keyLen) + uint64(valLen)
	if n > MaxPayloadSize {
		return 0, ErrCorrupted
	}
	return int(n), nil
}

// DecodeEntry deserializes a WAL entry from bytes
func DecodeEntry(data []byte) (*Entry, error) {
	if len(data) < EntryHeaderSize+4 {
		return nil, ErrTruncated
	}
	n, err := payloadLen(data)
	if err != nil {
		return nil, err
	}
	if len(data) < EntryHeaderSize+n+4 {
		return nil, ErrTruncated
	}
	data = data[:EntryHeaderSize+n+4]

	end := len(data) - 4
	if binary.LittleEndian.Uint32(data[end:]) != crc32.ChecksumIEEE(data[:end]) {
		return nil, ErrCorrupted
	}

	entry := &Entry{
		LSN:       binary.LittleEndian.Uint64(data[0:8]),
		TxnID:     binary.LittleEndian.Uint64(data[8:16]),
		OpType:    OpType(data[16]),
		Timestamp: time.Unix(0, int64(binary.LittleEndian.Uint64(data[32:40]))).UTC(),
	}

	keyLen := int(binary.LittleEndian.Uint32(data[24:28]))
	offset := EntryHeaderSize
	if keyLen > 0 {
		entry.Key = append([]byte(nil), data[offset:offset+keyLen]...)
		offset += keyLen
	}
	if offset < end {
		entry.Value = append([]byte(nil), data[offset:end]...)
	}
	return entry, nil
}

// Size returns the encoded size of the entry
func (e *Entry) Size() int {
	return EntryHeaderSize + len(e.Key) + len(e.Value) + 4
}

// commitCount decodes the operation count of a commit entry
func (e *Entry) commitCount() (int, bool) {
	if e.OpType != OpCommit || len(e.Value) != 4 {
		return 0, false
	}
	return int(binary.LittleEndian.Uint32(e.Value)), true
}

func (e *Entry) String() string {
	opName := "UNKNOWN"
	switch e.OpType {
	case OpPut:
		opName = "PUT"
	case OpDelete:
		opName = "DELETE"
	case OpCommit:
		opName = "COMMIT"
	case OpCheckpoint:
		opName = "CHECKPOINT"
	}
	return fmt.Sprintf("WAL[LSN=%d TxnID=%d Op=%s KeyLen=%d ValLen=%d]",
		e.LSN, e.TxnID, opName, len(e.Key), len(e.Value))
}
