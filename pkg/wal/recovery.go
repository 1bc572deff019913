package wal

import (
	"github.com/cockroachdb/errors"
)

// ReplayFunc is called for each operation of a committed transaction
type ReplayFunc func(op OpType, key, value []byte) error

// RecoveryStats describes one replay
type RecoveryStats struct {
	TotalEntries       int
	CommittedTxns      int
	IncompleteTxns     int
	SkippedTxns        int
	ReplayedOperations int
	LastLSN            uint64
}

type transaction struct {
	id        uint64
	entries   []*Entry
	committed bool
	commitLSN uint64
}

// Replay applies, in commit order, every transaction whose commit marker
// is intact, whose operation count matches, and whose commit LSN is above
// horizon. Anything else is ignored: a transaction is all or nothing.
func Replay(entries []*Entry, horizon uint64, replay ReplayFunc) (*RecoveryStats, error) {
	stats := &RecoveryStats{TotalEntries: len(entries)}

	open := make(map[uint64]*transaction)
	var committed []*transaction

	for _, entry := range entries {
		if entry.LSN > stats.LastLSN {
			stats.LastLSN = entry.LSN
		}
		switch entry.OpType {
		case OpCheckpoint:
			continue
		case OpCommit:
			txn, ok := open[entry.TxnID]
			count, valid := entry.commitCount()
			if !ok || !valid || count != len(txn.entries) {
				stats.IncompleteTxns++
				delete(open, entry.TxnID)
				continue
			}
			txn.committed = true
			txn.commitLSN = entry.LSN
			committed = append(committed, txn)
			delete(open, entry.TxnID)
		case OpPut, OpDelete:
			txn, ok := open[entry.TxnID]
			if !ok {
				txn = &transaction{id: entry.TxnID}
				open[entry.TxnID] = txn
			}
			txn.entries = append(txn.entries, entry)
		}
	}
	stats.IncompleteTxns += len(open)

	for _, txn := range committed {
		if txn.commitLSN <= horizon {
			stats.SkippedTxns++
			continue
		}
		stats.CommittedTxns++
		for _, entry := range txn.entries {
			if err := replay(entry.OpType, entry.Key, entry.Value); err != nil {
				return stats, errors.Wrapf(err, "replay failed at LSN %d", entry.LSN)
			}
			stats.ReplayedOperations++
		}
	}
	return stats, nil
}

// Recover replays this log's files above horizon
func (w *WAL) Recover(horizon uint64, replay ReplayFunc) (*RecoveryStats, error) {
	entries, err := w.Entries()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read WAL entries")
	}
	return Replay(entries, horizon, replay)
}
