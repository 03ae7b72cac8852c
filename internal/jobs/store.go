package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store はジョブレコードの永続化を担います。
// 書き込みはすべて単一レコード単位で原子的に行われます。
type Store interface {
	// Create は存在しない場合のみレコードを作成します。既存なら InvalidInput を返します。
	Create(ctx context.Context, record *Record) error
	// Get はレコードを返します。存在しなければ NotFound です。
	Get(ctx context.Context, jobID string) (*Record, error)
	// Update は現在状態が allowed に含まれる場合のみ mutate を適用して保存します。
	Update(ctx context.Context, jobID string, allowed []Status, mutate func(*Record) error) (*Record, error)
	// Delete はレコードを削除し、削除前の内容を返します。
	Delete(ctx context.Context, jobID string) (*Record, error)
	// ListByOwner は作成日時の降順で最大 limit 件を返します。
	ListByOwner(ctx context.Context, owner string, limit int) ([]*Record, error)
	// FindBySource は起動時スナップショットの位置が一致するジョブIDを最大 limit 件返します。
	FindBySource(ctx context.Context, source Location, limit int) ([]string, error)
}

const (
	jobKeyPrefix    = "job:"
	ownerKeyPrefix  = "jobs:owner:"
	sourceKeyPrefix = "jobs:source:"

	maxTxRetries = 16
)

// RedisStore はジョブ状態を Redis に保存します。
// レコード本体は JSON 文字列、所有者インデックスは ZSET、照合インデックスは SET です。
type RedisStore struct {
	rdb *redis.Client
	now func() time.Time
}

// NewRedisStore は RedisStore を作成します。
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{
		rdb: rdb,
		now: time.Now,
	}
}

// Create はレコードを新規作成します。
func (s *RedisStore) Create(ctx context.Context, record *Record) error {
	if err := CheckNew(record); err != nil {
		return err
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = record.CreatedAt
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}

	key := jobKey(record.JobID)
	return s.watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return jobExists(record.JobID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttl(record))
			pipe.ZAdd(ctx, ownerKey(record.Owner), redis.Z{
				Score:  ownerScore(record.CreatedAt),
				Member: record.JobID,
			})
			return nil
		})
		return err
	}, key)
}

// Get はジョブ情報を取得します。
func (s *RedisStore) Get(ctx context.Context, jobID string) (*Record, error) {
	if jobID == "" {
		return nil, invalidInput("job_id is required")
	}
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, notFound(jobID)
		}
		return nil, err
	}
	return decodeRecord(data)
}

// Update は WATCH/MULTI による条件付き更新です。競合時は再試行します。
func (s *RedisStore) Update(ctx context.Context, jobID string, allowed []Status, mutate func(*Record) error) (*Record, error) {
	key := jobKey(jobID)
	var updated *Record
	err := s.watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return notFound(jobID)
			}
			return err
		}
		prev, err := decodeRecord(data)
		if err != nil {
			return err
		}
		next, err := ApplyTransition(prev, allowed, mutate, s.now())
		if err != nil {
			return err
		}
		payload, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttl(next))
			if idx := next.SourceIndexKey(); idx != "" && idx != prev.SourceIndexKey() {
				pipe.SAdd(ctx, sourceKey(idx), next.JobID)
			}
			return nil
		})
		if err != nil {
			return err
		}
		updated = next
		return nil
	}, key)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete はレコードと各インデックスのエントリを削除します。
func (s *RedisStore) Delete(ctx context.Context, jobID string) (*Record, error) {
	key := jobKey(jobID)
	var removed *Record
	err := s.watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return notFound(jobID)
			}
			return err
		}
		record, err := decodeRecord(data)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.ZRem(ctx, ownerKey(record.Owner), record.JobID)
			if idx := record.SourceIndexKey(); idx != "" {
				pipe.SRem(ctx, sourceKey(idx), record.JobID)
			}
			return nil
		})
		if err != nil {
			return err
		}
		removed = record
		return nil
	}, key)
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// ListByOwner は所有者インデックスから新しい順に取得します。
// スコアはマイクロ秒なので、同じスコアのエントリは本体の created_at と job_id で並べ直します。
// 有効期限切れで本体が消えたエントリはインデックスからも取り除きます。
func (s *RedisStore) ListByOwner(ctx context.Context, owner string, limit int) ([]*Record, error) {
	if owner == "" {
		return nil, invalidInput("owner is required")
	}
	if limit <= 0 {
		return []*Record{}, nil
	}
	index := ownerKey(owner)
	entries, err := s.rdb.ZRevRangeWithScores(ctx, index, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return []*Record{}, nil
	}

	ids := make([]string, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, z := range entries {
		id, _ := z.Member.(string)
		ids = append(ids, id)
		seen[id] = struct{}{}
	}
	// 境界のスコアに同着があれば範囲外の分も候補に含める
	if len(entries) == limit {
		edge := strconv.FormatFloat(entries[len(entries)-1].Score, 'f', -1, 64)
		ties, err := s.rdb.ZRangeByScore(ctx, index, &redis.ZRangeBy{Min: edge, Max: edge}).Result()
		if err != nil {
			return nil, err
		}
		for _, id := range ties {
			if _, ok := seen[id]; !ok {
				ids = append(ids, id)
				seen[id] = struct{}{}
			}
		}
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	records := make([]*Record, 0, len(values))
	var stale []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		record, err := decodeRecord([]byte(raw))
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if len(stale) > 0 {
		_ = s.rdb.ZRem(ctx, index, stale...).Err()
	}

	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.JobID > b.JobID
	})
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// FindBySource は照合インデックスを参照します。
// 本体が消えたIDを取り除いてから limit 件で打ち切ります。
func (s *RedisStore) FindBySource(ctx context.Context, source Location, limit int) ([]string, error) {
	if source.IsZero() || limit <= 0 {
		return nil, nil
	}
	key := sourceKey(source.String())

	live := make([]string, 0, limit)
	var cursor uint64
	for {
		ids, next, err := s.rdb.SScan(ctx, key, cursor, "", int64(limit)).Result()
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			n, err := s.rdb.Exists(ctx, jobKey(id)).Result()
			if err != nil {
				return nil, err
			}
			if n == 0 {
				_ = s.rdb.SRem(ctx, key, id).Err()
				continue
			}
			if !slices.Contains(live, id) {
				live = append(live, id)
			}
			if len(live) == limit {
				return live, nil
			}
		}
		if next == 0 {
			return live, nil
		}
		cursor = next
	}
}

func (s *RedisStore) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("redis transaction retries exhausted for %v", keys)
}

// ttl は expires_at までの残り時間です。期限を過ぎていても書き込みは短時間保持します。
func (s *RedisStore) ttl(record *Record) time.Duration {
	if record.ExpiresAt.IsZero() {
		return 0
	}
	ttl := record.ExpiresAt.Sub(s.now())
	if ttl < time.Minute {
		return time.Minute
	}
	return ttl
}

func decodeRecord(data []byte) (*Record, error) {
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode job record: %w", err)
	}
	return &record, nil
}

// ownerScore は作成日時をマイクロ秒で表します。float64 で誤差なく表せる精度です。
func ownerScore(t time.Time) float64 {
	return float64(t.UnixMicro())
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}

func ownerKey(owner string) string {
	return ownerKeyPrefix + owner
}

func sourceKey(location string) string {
	return sourceKeyPrefix + location
}
