package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/tos-network/poc-miner/internal/util"
)

const (
	keyPrefix = "poc:"

	// Key patterns
	keyAccount   = keyPrefix + "accounts:%d"
	keyRounds    = keyPrefix + "rounds"
	keyConfirmed = keyPrefix + "confirmed"
	keyBlocksWon = keyPrefix + "blocks:won"
	keyStats     = keyPrefix + "stats"
)

// RedisClient wraps Redis operations for the miner
type RedisClient struct {
	client     *redis.Client
	ctx        context.Context
	accountTTL time.Duration
}

// NewRedisClient creates a new Redis client
func NewRedisClient(url, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     url,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	util.Channel(util.ChannelStorage).Infof("Connected to Redis at %s", url)
	return &RedisClient{client: client, ctx: ctx}, nil
}

// SetAccountTTL sets how long cached account details live. Zero keeps
// them until invalidated.
func (r *RedisClient) SetAccountTTL(ttl time.Duration) {
	r.accountTTL = ttl
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}

// LoadAccount reads cached account details.
func (r *RedisClient) LoadAccount(ctx context.Context, id uint64) (string, uint64, bool, error) {
	fields, err := r.client.HGetAll(ctx, fmt.Sprintf(keyAccount, id)).Result()
	if err != nil {
		return "", 0, false, err
	}
	if len(fields) == 0 {
		return "", 0, false, nil
	}

	recipient, _ := strconv.ParseUint(fields["recipient"], 10, 64)
	return fields["name"], recipient, true, nil
}

// SaveAccount caches account details.
func (r *RedisClient) SaveAccount(ctx context.Context, id uint64, name string, recipient uint64) error {
	key := fmt.Sprintf(keyAccount, id)

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"name":      name,
		"recipient": recipient,
		"updated":   time.Now().Unix(),
	})
	if r.accountTTL > 0 {
		pipe.Expire(ctx, key, r.accountTTL)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// InvalidateAccount drops the cached details of id.
func (r *RedisClient) InvalidateAccount(ctx context.Context, id uint64) error {
	return r.client.Del(ctx, fmt.Sprintf(keyAccount, id)).Err()
}

// WriteRound appends a finished round and keeps the newest keep rounds.
func (r *RedisClient) WriteRound(rec *RoundRecord, keep int64) error {
	data, err := util.MarshalJSON(rec)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(r.ctx, keyRounds, strconv.FormatUint(rec.Height, 10), strconv.FormatUint(rec.Height, 10))
	pipe.ZAdd(r.ctx, keyRounds, &redis.Z{
		Score:  float64(rec.Height),
		Member: data,
	})
	if keep > 0 {
		pipe.ZRemRangeByRank(r.ctx, keyRounds, 0, -keep-1)
	}
	pipe.HIncrBy(r.ctx, keyStats, StatRounds, 1)
	_, err = pipe.Exec(r.ctx)
	return err
}

// GetRounds returns up to limit rounds, newest first.
func (r *RedisClient) GetRounds(limit int64) ([]*RoundRecord, error) {
	results, err := r.client.ZRevRange(r.ctx, keyRounds, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}

	rounds := make([]*RoundRecord, 0, len(results))
	for _, result := range results {
		var rec RoundRecord
		if err := util.UnmarshalJSON([]byte(result), &rec); err == nil {
			rounds = append(rounds, &rec)
		}
	}
	return rounds, nil
}

// WriteConfirmed records a confirmed deadline and keeps the newest keep.
func (r *RedisClient) WriteConfirmed(c *ConfirmedDeadline, keep int64) error {
	if c.Timestamp == 0 {
		c.Timestamp = time.Now().Unix()
	}
	data, err := util.MarshalJSON(c)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.LPush(r.ctx, keyConfirmed, data)
	if keep > 0 {
		pipe.LTrim(r.ctx, keyConfirmed, 0, keep-1)
	}
	pipe.HIncrBy(r.ctx, keyStats, StatDeadlinesConfirmed, 1)
	_, err = pipe.Exec(r.ctx)
	return err
}

// GetConfirmed returns up to limit confirmed deadlines, newest first.
func (r *RedisClient) GetConfirmed(limit int64) ([]*ConfirmedDeadline, error) {
	results, err := r.client.LRange(r.ctx, keyConfirmed, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}

	confirmed := make([]*ConfirmedDeadline, 0, len(results))
	for _, result := range results {
		var c ConfirmedDeadline
		if err := util.UnmarshalJSON([]byte(result), &c); err == nil {
			confirmed = append(confirmed, &c)
		}
	}
	return confirmed, nil
}

// WriteWonBlock records a block forged by one of our accounts.
func (r *RedisClient) WriteWonBlock(b *WonBlock) error {
	if b.Timestamp == 0 {
		b.Timestamp = time.Now().Unix()
	}
	data, err := util.MarshalJSON(b)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.ZAdd(r.ctx, keyBlocksWon, &redis.Z{
		Score:  float64(b.Height),
		Member: data,
	})
	pipe.HIncrBy(r.ctx, keyStats, StatBlocksWon, 1)
	_, err = pipe.Exec(r.ctx)
	return err
}

// GetWonBlocks returns up to limit won blocks, newest first.
func (r *RedisClient) GetWonBlocks(limit int64) ([]*WonBlock, error) {
	results, err := r.client.ZRevRange(r.ctx, keyBlocksWon, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}

	blocks := make([]*WonBlock, 0, len(results))
	for _, result := range results {
		var b WonBlock
		if err := util.UnmarshalJSON([]byte(result), &b); err == nil {
			blocks = append(blocks, &b)
		}
	}
	return blocks, nil
}

// IncrStat increments a counter in the stats hash.
func (r *RedisClient) IncrStat(field string, n int64) error {
	return r.client.HIncrBy(r.ctx, keyStats, field, n).Err()
}

// GetStats returns every counter.
func (r *RedisClient) GetStats() (map[string]int64, error) {
	fields, err := r.client.HGetAll(r.ctx, keyStats).Result()
	if err != nil {
		return nil, err
	}

	stats := make(map[string]int64, len(fields))
	for k, v := range fields {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		stats[k] = n
	}
	return stats, nil
}
