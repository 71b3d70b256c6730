package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-redis/redis/v8"

	"github.com/tos-network/tos-miner/internal/config"
	"github.com/tos-network/tos-miner/internal/stats"
	"github.com/tos-network/tos-miner/internal/telemetry"
	"github.com/tos-network/tos-miner/internal/util"
)

const (
	defaultPrefix = "tos-miner:"

	maxRecentShares = 500
	maxRecentEvents = 1000
	maxHistory      = 2880

	// writeTimeout bounds writes made from the result and event paths
	writeTimeout = 2 * time.Second
)

// Key suffixes, joined to the configured prefix
const (
	keyStats        = "stats"
	keyCounters     = "stats:counters"
	keyHashrate     = "hashrate"
	keyHashrateHist = "hashrate:history"
	keySharesRecent = "shares:recent"
	keyWorkers      = "workers"
	keyEvents       = "events"
)

// RedisClient persists miner state in Redis
type RedisClient struct {
	client *redis.Client
	ctx    context.Context
	prefix string
	ttl    time.Duration
}

// NewRedisClient connects and pings Redis
func NewRedisClient(cfg *config.RedisConfig) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.URL,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	if !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}

	util.Info("Connected to Redis at ", cfg.URL)
	return &RedisClient{client: client, ctx: ctx, prefix: prefix, ttl: cfg.TTL}, nil
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}

func (r *RedisClient) key(suffix string) string {
	return r.prefix + suffix
}

// WriteShare records a finished result: status counters, the recent list
// and, when accepted, the difficulty used for hashrate estimation
func (r *RedisClient) WriteShare(share *Share, hashrateWindow time.Duration) error {
	data, err := sonic.Marshal(share)
	if err != nil {
		return err
	}
	ms := time.Now().UnixMilli()

	ctx, cancel := context.WithTimeout(r.ctx, writeTimeout)
	defer cancel()

	pipe := r.client.Pipeline()
	pipe.HIncrBy(ctx, r.key(keyCounters), share.Status, 1)

	// Format: "difficulty:worker:ms"
	if share.Status == "accepted" {
		member := fmt.Sprintf("%s:%s:%d", strconv.FormatFloat(share.Difficulty, 'f', -1, 64), share.Worker, ms)
		pipe.ZAdd(ctx, r.key(keyHashrate), &redis.Z{
			Score:  float64(share.Timestamp),
			Member: member,
		})
		pipe.Expire(ctx, r.key(keyHashrate), hashrateWindow)
	}

	pipe.LPush(ctx, r.key(keySharesRecent), data)
	pipe.LTrim(ctx, r.key(keySharesRecent), 0, maxRecentShares-1)

	_, err = pipe.Exec(ctx)
	return err
}

// GetShareCounters returns result counts by status
func (r *RedisClient) GetShareCounters() (map[string]uint64, error) {
	data, err := r.client.HGetAll(r.ctx, r.key(keyCounters)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]uint64, len(data))
	for k, v := range data {
		n, _ := strconv.ParseUint(v, 10, 64)
		out[k] = n
	}
	return out, nil
}

// GetRecentShares returns the newest shares first
func (r *RedisClient) GetRecentShares(limit int64) ([]*Share, error) {
	items, err := r.client.LRange(r.ctx, r.key(keySharesRecent), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	shares := make([]*Share, 0, len(items))
	for _, item := range items {
		var s Share
		if err := sonic.UnmarshalString(item, &s); err != nil {
			continue
		}
		shares = append(shares, &s)
	}
	return shares, nil
}

// GetHashrate estimates hashes/second from accepted shares in window
func (r *RedisClient) GetHashrate(window time.Duration) (float64, error) {
	minTime := time.Now().Add(-window).Unix()

	results, err := r.client.ZRangeByScore(r.ctx, r.key(keyHashrate), &redis.ZRangeBy{
		Min: strconv.FormatInt(minTime, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, err
	}

	var totalDiff float64
	for _, result := range results {
		parts := strings.Split(result, ":")
		diff, _ := strconv.ParseFloat(parts[0], 64)
		totalDiff += diff
	}
	return util.HashrateFromShares(totalDiff, window.Seconds()), nil
}

// PurgeStaleHashrate removes accepted shares older than window
func (r *RedisClient) PurgeStaleHashrate(window time.Duration) error {
	maxTime := time.Now().Add(-window).Unix()
	_, err := r.client.ZRemRangeByScore(r.ctx, r.key(keyHashrate), "-inf", "("+strconv.FormatInt(maxTime, 10)).Result()
	return err
}

// WriteStats stores the latest stats hash and appends a hashrate sample
func (r *RedisClient) WriteStats(ctx context.Context, s *MinerStats) error {
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.key(keyStats), map[string]interface{}{
		"state":             s.State,
		"pool":              s.Pool,
		"difficulty":        s.Difficulty,
		"hashrate":          s.Hashrate,
		"effectiveHashrate": s.EffectiveHashrate,
		"accepted":          s.Accepted,
		"rejected":          s.Rejected,
		"reconnects":        s.Reconnects,
		"restarts":          s.Restarts,
		"health":            s.Health,
		"lastBeat":          s.LastBeat,
	})
	if r.ttl > 0 {
		pipe.Expire(ctx, r.key(keyStats), r.ttl)
	}

	point := fmt.Sprintf("%d:%s", s.LastBeat, strconv.FormatFloat(s.Hashrate, 'f', -1, 64))
	pipe.ZAdd(ctx, r.key(keyHashrateHist), &redis.Z{Score: float64(s.LastBeat), Member: point})
	pipe.ZRemRangeByRank(ctx, r.key(keyHashrateHist), 0, -maxHistory-1)

	_, err := pipe.Exec(ctx)
	return err
}

// GetStats returns the last stored stats
func (r *RedisClient) GetStats() (*MinerStats, error) {
	data, err := r.client.HGetAll(r.ctx, r.key(keyStats)).Result()
	if err != nil {
		return nil, err
	}

	s := &MinerStats{
		State:  data["state"],
		Pool:   data["pool"],
		Health: data["health"],
	}
	s.Difficulty, _ = strconv.ParseFloat(data["difficulty"], 64)
	s.Hashrate, _ = strconv.ParseFloat(data["hashrate"], 64)
	s.EffectiveHashrate, _ = strconv.ParseFloat(data["effectiveHashrate"], 64)
	s.Accepted, _ = strconv.ParseUint(data["accepted"], 10, 64)
	s.Rejected, _ = strconv.ParseUint(data["rejected"], 10, 64)
	s.Reconnects, _ = strconv.ParseUint(data["reconnects"], 10, 64)
	s.Restarts, _ = strconv.Atoi(data["restarts"])
	s.LastBeat, _ = strconv.ParseInt(data["lastBeat"], 10, 64)
	return s, nil
}

// GetHashrateHistory returns samples newer than since, oldest first
func (r *RedisClient) GetHashrateHistory(since time.Time) ([]HashratePoint, error) {
	results, err := r.client.ZRangeByScore(r.ctx, r.key(keyHashrateHist), &redis.ZRangeBy{
		Min: strconv.FormatInt(since.Unix(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}

	points := make([]HashratePoint, 0, len(results))
	for _, result := range results {
		parts := strings.SplitN(result, ":", 2)
		if len(parts) != 2 {
			continue
		}
		ts, _ := strconv.ParseInt(parts[0], 10, 64)
		hr, _ := strconv.ParseFloat(parts[1], 64)
		points = append(points, HashratePoint{Timestamp: ts, Hashrate: hr})
	}
	return points, nil
}

// WriteWorkers replaces the per-process worker hash
func (r *RedisClient) WriteWorkers(ctx context.Context, workers []WorkerStats) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.key(keyWorkers))
	for _, w := range workers {
		data, err := sonic.Marshal(w)
		if err != nil {
			return err
		}
		pipe.HSet(ctx, r.key(keyWorkers), w.Name, data)
	}
	if r.ttl > 0 && len(workers) > 0 {
		pipe.Expire(ctx, r.key(keyWorkers), r.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// GetWorkers returns the stored workers
func (r *RedisClient) GetWorkers() (map[string]WorkerStats, error) {
	data, err := r.client.HGetAll(r.ctx, r.key(keyWorkers)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]WorkerStats, len(data))
	for name, v := range data {
		var w WorkerStats
		if err := sonic.UnmarshalString(v, &w); err != nil {
			continue
		}
		out[name] = w
	}
	return out, nil
}

// PushEvent appends an event to the capped event list
func (r *RedisClient) PushEvent(e telemetry.Event) error {
	data, err := sonic.Marshal(e)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(r.ctx, writeTimeout)
	defer cancel()

	pipe := r.client.Pipeline()
	pipe.LPush(ctx, r.key(keyEvents), data)
	pipe.LTrim(ctx, r.key(keyEvents), 0, maxRecentEvents-1)
	_, err = pipe.Exec(ctx)
	return err
}

// GetRecentEvents returns the newest events first as raw JSON
func (r *RedisClient) GetRecentEvents(limit int64) ([]string, error) {
	return r.client.LRange(r.ctx, r.key(keyEvents), 0, limit-1).Result()
}

// Name identifies the client as a sink and recorder
func (r *RedisClient) Name() string { return "redis" }

// Handle stores an event from the telemetry bus
func (r *RedisClient) Handle(e telemetry.Event) {
	if err := r.PushEvent(e); err != nil {
		util.Warnf("Failed to store event in Redis: %v", err)
	}
}

// Record stores a stats snapshot and its worker rows
func (r *RedisClient) Record(ctx context.Context, s *stats.Snapshot) error {
	if err := r.WriteStats(ctx, MinerStatsFromSnapshot(s)); err != nil {
		return err
	}
	return r.WriteWorkers(ctx, WorkersFromRecords(s.Processes))
}
