package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const redisKeyPrefix = "streamflow:cache:"

// RedisBlobs keeps cached series blobs in Redis instead of the series_cache
// table. Each window is a hash holding the payload, the observation count and
// the write time. Staleness is still decided by the caller from the write
// time; expiry only bounds how long abandoned windows linger.
type RedisBlobs struct {
	client *redis.Client
	expiry time.Duration
	log    *zap.SugaredLogger
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Expiry is applied to every written key. Zero keeps keys forever.
	Expiry time.Duration
}

// NewRedisBlobs connects to Redis and checks the connection with a ping.
func NewRedisBlobs(ctx context.Context, opts RedisOptions, logger *zap.SugaredLogger) (*RedisBlobs, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", opts.Addr, err)
	}

	return &RedisBlobs{client: client, expiry: opts.Expiry, log: logger.Named("redis")}, nil
}

func (r *RedisBlobs) Close() error {
	return r.client.Close()
}

func redisKey(key CacheKey) string {
	return redisStationPrefix(key.StationID) + fmt.Sprintf("%s:%s:%s",
		key.Series, key.Start.Format(DateLayout), key.End.Format(DateLayout))
}

func redisStationPrefix(stationID string) string {
	// Glob metacharacters would widen the SCAN pattern used by delete.
	escaped := strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`, `\`, `\\`).Replace(stationID)
	return redisKeyPrefix + escaped + ":"
}

func (r *RedisBlobs) PutSeriesBlob(ctx context.Context, key CacheKey, payload []byte, count int, writtenAt time.Time) error {
	k := redisKey(key)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, k, map[string]interface{}{
			"payload":      payload,
			"count":        count,
			"last_written": writtenAt.UTC().Format(time.RFC3339Nano),
		})
		if r.expiry > 0 {
			pipe.Expire(ctx, k, r.expiry)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("put cache blob %s: %w", key, err)
	}
	return nil
}

// GetSeriesBlob returns nil, nil when the window has never been written.
func (r *RedisBlobs) GetSeriesBlob(ctx context.Context, key CacheKey) (*CacheRow, error) {
	fields, err := r.client.HGetAll(ctx, redisKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("get cache blob %s: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	row := CacheRow{Key: key, Payload: []byte(fields["payload"])}
	row.ObservationCount, err = strconv.Atoi(fields["count"])
	if err != nil {
		return nil, fmt.Errorf("cache blob %s: bad count %q", key, fields["count"])
	}
	row.LastWritten, err = time.Parse(time.RFC3339Nano, fields["last_written"])
	if err != nil {
		return nil, fmt.Errorf("cache blob %s: bad last_written: %w", key, err)
	}
	row.LastWritten = row.LastWritten.UTC()
	return &row, nil
}

// DeleteSeriesBlobs removes every cached window for a station.
func (r *RedisBlobs) DeleteSeriesBlobs(ctx context.Context, stationID string) (int64, error) {
	if stationID == "" {
		return 0, errors.New("station id is required")
	}

	var (
		cursor  uint64
		deleted int64
	)
	pattern := redisStationPrefix(stationID) + "*"
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return deleted, fmt.Errorf("scan cache keys: %w", err)
		}
		if len(keys) > 0 {
			n, err := r.client.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, fmt.Errorf("delete cache keys: %w", err)
			}
			deleted += n
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	r.log.Debugw("deleted cache windows", "station", stationID, "count", deleted)
	return deleted, nil
}
