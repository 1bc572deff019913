// ABOUTME: Binary layout of script records for key-value backends
// ABOUTME: Keys sort by (guid, version) so a guid's history is one contiguous range

package version

import (
	"github.com/cockroachdb/errors"

	"github.com/nainya/scriptgov/pkg/codec"
)

// TableRecords is the key prefix for script records
const TableRecords = uint32(6000)

// recordFields is the number of tuple elements in an encoded record
const recordFields = 10

// RecordKey is the key of one version
func RecordKey(guid string, version int) []byte {
	return codec.Key(TableRecords, codec.String(guid), codec.Int64(int64(version)))
}

// HistoryStart and HistoryEnd bound every key of guid
func HistoryStart(guid string) []byte {
	return codec.Key(TableRecords, codec.String(guid))
}

func HistoryEnd(guid string) []byte {
	return codec.PrefixEnd(TableRecords, codec.String(guid))
}

// SplitRecordKey extracts guid and version from a record key
func SplitRecordKey(key []byte) (string, int, error) {
	table, vals, err := codec.SplitKey(key)
	if err != nil {
		return "", 0, err
	}
	if table != TableRecords || len(vals) != 2 {
		return "", 0, errors.Wrapf(codec.ErrMalformed, "not a record key")
	}
	return vals[0].String(), vals[1].Int(), nil
}

// EncodeRecord serializes every field of rec losslessly
func EncodeRecord(rec ScriptRecord) []byte {
	return codec.MustEncode(
		codec.String(rec.ScriptGuid),
		codec.Int64(int64(rec.Version)),
		codec.String(rec.ScriptName),
		codec.String(rec.Description),
		codec.String(rec.Category),
		codec.String(string(rec.RiskLevel)),
		codec.String(rec.ScriptContent),
		codec.String(rec.CreatedBy),
		codec.Time(rec.CreatedAtUtc),
		codec.String(rec.PolicyRevision),
	)
}

// DecodeRecord reverses EncodeRecord
func DecodeRecord(data []byte) (ScriptRecord, error) {
	vals, err := codec.Decode(data)
	if err != nil {
		return ScriptRecord{}, err
	}
	if len(vals) != recordFields {
		return ScriptRecord{}, errors.Wrapf(codec.ErrMalformed, "record has %d fields", len(vals))
	}
	return ScriptRecord{
		ScriptGuid:     vals[0].String(),
		Version:        vals[1].Int(),
		ScriptName:     vals[2].String(),
		Description:    vals[3].String(),
		Category:       vals[4].String(),
		RiskLevel:      RiskLevel(vals[5].String()),
		ScriptContent:  vals[6].String(),
		CreatedBy:      vals[7].String(),
		CreatedAtUtc:   vals[8].Time,
		PolicyRevision: vals[9].String(),
	}, nil
}
