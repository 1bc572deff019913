// ABOUTME: Redis version backend on go-redis
// ABOUTME: Each history is a hash keyed by version; mutations run as WATCH/MULTI/EXEC

package redisstore

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"github.com/nainya/scriptgov/pkg/version"
)

const DefaultPrefix = "scriptgov"

// Backend implements version.Backend on Redis
type Backend struct {
	client *redis.Client
	prefix string
}

var _ version.Backend = (*Backend)(nil)

// Open parses a redis:// URL, connects and pings
func Open(ctx context.Context, url, prefix string) (*Backend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "connect redis")
	}
	return New(client, prefix), nil
}

func New(client *redis.Client, prefix string) *Backend {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Backend{client: client, prefix: prefix}
}

func (b *Backend) historyKey(guid string) string {
	return b.prefix + ":script:" + guid
}

func (b *Backend) indexKey() string {
	return b.prefix + ":scripts"
}

func field(v int) string {
	return strconv.Itoa(v)
}

// conflict maps an aborted transaction to the store's retryable error
func conflict(err error, guid string) error {
	if errors.Is(err, redis.TxFailedErr) {
		return errors.Wrapf(version.ErrConcurrencyConflict, "history of %s changed during update", guid)
	}
	return err
}

func (b *Backend) Load(ctx context.Context, guid string) ([]version.ScriptRecord, error) {
	raw, err := b.client.HGetAll(ctx, b.historyKey(guid)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "load history of %s", guid)
	}
	records := make([]version.ScriptRecord, 0, len(raw))
	for f, data := range raw {
		rec, err := version.DecodeRecord([]byte(data))
		if err != nil {
			return nil, errors.Wrapf(err, "decode version %s of %s", f, guid)
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Version < records[j].Version })
	return records, nil
}

func (b *Backend) Append(ctx context.Context, rec version.ScriptRecord) error {
	key := b.historyKey(rec.ScriptGuid)
	err := b.client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.HExists(ctx, key, field(rec.Version)).Result()
		if err != nil {
			return err
		}
		if exists {
			return errors.Wrapf(version.ErrConcurrencyConflict, "version %d of %s exists", rec.Version, rec.ScriptGuid)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, field(rec.Version), version.EncodeRecord(rec))
			pipe.SAdd(ctx, b.indexKey(), rec.ScriptGuid)
			return nil
		})
		return err
	}, key)
	return conflict(err, rec.ScriptGuid)
}

// Truncate removes the newer versions with one HDEL inside MULTI/EXEC,
// aborted if the history changed after it was read
func (b *Backend) Truncate(ctx context.Context, guid string, keep, expected int) error {
	key := b.historyKey(guid)
	err := b.client.Watch(ctx, func(tx *redis.Tx) error {
		fields, err := tx.HKeys(ctx, key).Result()
		if err != nil {
			return err
		}
		var victims []string
		for _, f := range fields {
			v, err := strconv.Atoi(f)
			if err != nil {
				return errors.Wrapf(err, "bad version field %q in %s", f, key)
			}
			if v > keep {
				victims = append(victims, f)
			}
		}
		if len(victims) != expected {
			return errors.Wrapf(version.ErrConcurrencyConflict,
				"truncate of %s would remove %d versions, expected %d", guid, len(victims), expected)
		}
		if len(victims) == 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, key, victims...)
			return nil
		})
		return err
	}, key)
	return conflict(err, guid)
}

func (b *Backend) Remove(ctx context.Context, guid string) (int, error) {
	key := b.historyKey(guid)
	var removed int
	err := b.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.HLen(ctx, key).Result()
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.SRem(ctx, b.indexKey(), guid)
			return nil
		})
		removed = int(n)
		return err
	}, key)
	if err != nil {
		return 0, conflict(err, guid)
	}
	return removed, nil
}

func (b *Backend) Guids(ctx context.Context) ([]string, error) {
	guids, err := b.client.SMembers(ctx, b.indexKey()).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list script guids")
	}
	sort.Strings(guids)
	return guids, nil
}

func (b *Backend) Close() error {
	return b.client.Close()
}

// Ping reports whether the server answers
func (b *Backend) Ping(ctx context.Context) error {
	return errors.Wrap(b.client.Ping(ctx).Err(), "ping redis")
}
