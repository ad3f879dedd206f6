package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/nearby-dispatch/internal/models"
)

// casAttempts bounds the optimistic-concurrency retry loop. Aborts signal
// benign contention, so the loop re-reads rather than erroring out.
const casAttempts = 8

const collectingKey = "dispatch:collecting"

// RedisState implements Store on redis: a hash per request for the status
// cell, a set for active providers (TTL-bounded to the round timeout), a
// hash for acceptances, SET NX for the finalize lock, and a ZSET of
// collection deadlines that the sweep scans.
type RedisState struct {
	client *redis.Client
}

func NewRedisState(client *redis.Client) *RedisState {
	return &RedisState{client: client}
}

func reqKey(id string) string    { return "request:" + id }
func candKey(id string) string   { return "request:" + id + ":candidates" }
func activeKey(id string) string { return "request:" + id + ":active" }
func accKey(id string) string    { return "request:" + id + ":acceptances" }
func lockKey(id string) string   { return "request:" + id + ":lock" }

func (s *RedisState) InitRound(ctx context.Context, requestID, requesterID string, cands []models.Candidate, ttl time.Duration) error {
	b, err := json.Marshal(cands)
	if err != nil {
		return fmt.Errorf("marshal candidates: %w", err)
	}
	members := make([]interface{}, 0, len(cands))
	for _, c := range cands {
		members = append(members, c.ProviderID)
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, reqKey(requestID), map[string]interface{}{
		"status":    string(models.StatusSearching),
		"requester": requesterID,
		"attempts":  1,
	})
	pipe.Expire(ctx, reqKey(requestID), roundKeyTTL)
	pipe.Set(ctx, candKey(requestID), b, roundKeyTTL)
	pipe.Del(ctx, activeKey(requestID))
	if len(members) > 0 {
		pipe.SAdd(ctx, activeKey(requestID), members...)
		pipe.Expire(ctx, activeKey(requestID), ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("init round %s: %w", requestID, err)
	}
	return nil
}

func (s *RedisState) Status(ctx context.Context, requestID string) (models.Status, error) {
	v, err := s.client.HGet(ctx, reqKey(requestID), "status").Result()
	if err == redis.Nil {
		return "", ErrNoRound
	}
	if err != nil {
		return "", fmt.Errorf("round status %s: %w", requestID, err)
	}
	return models.Status(v), nil
}

func (s *RedisState) Candidates(ctx context.Context, requestID string) ([]models.Candidate, error) {
	v, err := s.client.Get(ctx, candKey(requestID)).Result()
	if err == redis.Nil {
		return nil, ErrNoRound
	}
	if err != nil {
		return nil, fmt.Errorf("round candidates %s: %w", requestID, err)
	}
	var out []models.Candidate
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil, fmt.Errorf("unmarshal candidates %s: %w", requestID, err)
	}
	return out, nil
}

func (s *RedisState) Requester(ctx context.Context, requestID string) (string, error) {
	v, err := s.client.HGet(ctx, reqKey(requestID), "requester").Result()
	if err == redis.Nil {
		return "", ErrNoRound
	}
	if err != nil {
		return "", fmt.Errorf("round requester %s: %w", requestID, err)
	}
	return v, nil
}

func (s *RedisState) Attempts(ctx context.Context, requestID string) (int, error) {
	v, err := s.client.HGet(ctx, reqKey(requestID), "attempts").Result()
	if err == redis.Nil {
		return 0, ErrNoRound
	}
	if err != nil {
		return 0, fmt.Errorf("round attempts %s: %w", requestID, err)
	}
	n, _ := strconv.Atoi(v)
	return n, nil
}

func (s *RedisState) BeginCollection(ctx context.Context, requestID, requesterID string, deadline time.Time) (bool, error) {
	var won bool
	for i := 0; i < casAttempts; i++ {
		won = false
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			v, err := tx.HGet(ctx, reqKey(requestID), "status").Result()
			if err == redis.Nil {
				return ErrNoRound
			}
			if err != nil {
				return err
			}
			switch models.Status(v) {
			case models.StatusSearching:
				_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.HSet(ctx, reqKey(requestID), map[string]interface{}{
						"status":        string(models.StatusCollecting),
						"requester":     requesterID,
						"collect_until": deadline.UnixMilli(),
					})
					pipe.ZAdd(ctx, collectingKey, redis.Z{Score: float64(deadline.UnixMilli()), Member: requestID})
					return nil
				})
				if err != nil {
					return err
				}
				won = true
				return nil
			case models.StatusCollecting:
				return nil
			default:
				return ErrRoundClosed
			}
		}, reqKey(requestID))
		if err == redis.TxFailedErr {
			// stale snapshot, someone else moved the status; re-read
			continue
		}
		if err != nil {
			return false, err
		}
		return won, nil
	}
	return false, fmt.Errorf("begin collection %s: contention not resolved", requestID)
}

func (s *RedisState) AddAcceptance(ctx context.Context, requestID string, a models.Acceptance) error {
	b, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal acceptance: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, accKey(requestID), a.ProviderID, b)
	pipe.Expire(ctx, accKey(requestID), roundKeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add acceptance %s: %w", requestID, err)
	}
	return nil
}

func (s *RedisState) Acceptances(ctx context.Context, requestID string) ([]models.Acceptance, error) {
	m, err := s.client.HGetAll(ctx, accKey(requestID)).Result()
	if err != nil {
		return nil, fmt.Errorf("acceptances %s: %w", requestID, err)
	}
	out := make([]models.Acceptance, 0, len(m))
	for _, v := range m {
		var a models.Acceptance
		if err := json.Unmarshal([]byte(v), &a); err != nil {
			return nil, fmt.Errorf("unmarshal acceptance %s: %w", requestID, err)
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *RedisState) IsActive(ctx context.Context, requestID, providerID string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, activeKey(requestID), providerID).Result()
	if err != nil {
		return false, fmt.Errorf("is active %s: %w", requestID, err)
	}
	return ok, nil
}

func (s *RedisState) RemoveActive(ctx context.Context, requestID, providerID string) (int, error) {
	pipe := s.client.TxPipeline()
	pipe.SRem(ctx, activeKey(requestID), providerID)
	card := pipe.SCard(ctx, activeKey(requestID))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("remove active %s: %w", requestID, err)
	}
	return int(card.Val()), nil
}

func (s *RedisState) ActiveProviders(ctx context.Context, requestID string) ([]string, error) {
	out, err := s.client.SMembers(ctx, activeKey(requestID)).Result()
	if err != nil {
		return nil, fmt.Errorf("active providers %s: %w", requestID, err)
	}
	return out, nil
}

func (s *RedisState) MarkNoProvider(ctx context.Context, requestID string) (bool, error) {
	var did bool
	for i := 0; i < casAttempts; i++ {
		did = false
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			v, err := tx.HGet(ctx, reqKey(requestID), "status").Result()
			if err == redis.Nil {
				return ErrNoRound
			}
			if err != nil {
				return err
			}
			if models.Status(v).Terminal() {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, reqKey(requestID), "status", string(models.StatusNoProvider))
				pipe.ZRem(ctx, collectingKey, requestID)
				return nil
			})
			if err != nil {
				return err
			}
			did = true
			return nil
		}, reqKey(requestID))
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return false, err
		}
		return did, nil
	}
	return false, fmt.Errorf("mark no-provider %s: contention not resolved", requestID)
}

func (s *RedisState) SetAccepted(ctx context.Context, requestID string) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, reqKey(requestID), "status", string(models.StatusAccepted))
	pipe.ZRem(ctx, collectingKey, requestID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set accepted %s: %w", requestID, err)
	}
	return nil
}

func (s *RedisState) TryLock(ctx context.Context, requestID string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, lockKey(requestID), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lock %s: %w", requestID, err)
	}
	return ok, nil
}

func (s *RedisState) Unlock(ctx context.Context, requestID string) error {
	if err := s.client.Del(ctx, lockKey(requestID)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("unlock %s: %w", requestID, err)
	}
	return nil
}

func (s *RedisState) ExpiredCollections(ctx context.Context, now time.Time) ([]string, error) {
	ids, err := s.client.ZRangeByScore(ctx, collectingKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("expired collections: %w", err)
	}
	return ids, nil
}

func (s *RedisState) ClearRound(ctx context.Context, requestID string, audit time.Duration) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, candKey(requestID), activeKey(requestID), lockKey(requestID))
	pipe.ZRem(ctx, collectingKey, requestID)
	// status and acceptances stay readable for the audit window
	pipe.Expire(ctx, reqKey(requestID), audit)
	pipe.Expire(ctx, accKey(requestID), audit)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("clear round %s: %w", requestID, err)
	}
	return nil
}
