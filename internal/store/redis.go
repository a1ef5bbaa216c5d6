package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/0xRichardL/pool-relay/internal/domain"
	redis "github.com/redis/go-redis/v9"
)

// RedisStore keeps checkpoints in one hash (field per account), the chat
// session under its own key, and optionally extra accounts in a set of JSON
// members.
type RedisStore struct {
	client        *redis.Client
	checkpointKey string
	sessionKey    string
	accountsKey   string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "pool-relay"
	}
	return &RedisStore{
		client:        client,
		checkpointKey: prefix + ":checkpoints",
		sessionKey:    prefix + ":session",
		accountsKey:   prefix + ":accounts",
	}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) SaveCheckpoint(ctx context.Context, cp domain.Checkpoint) error {
	if cp.AccountID == "" {
		return errors.New("checkpoint without account id")
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := s.client.HSet(ctx, s.checkpointKey, cp.AccountID, data).Err(); err != nil {
		return fmt.Errorf("redis HSET %s: %w", s.checkpointKey, err)
	}
	return nil
}

// LoadCheckpoints returns every stored checkpoint ordered by account id.
// Undecodable fields are skipped.
func (s *RedisStore) LoadCheckpoints(ctx context.Context) ([]domain.Checkpoint, error) {
	fields, err := s.client.HGetAll(ctx, s.checkpointKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HGETALL %s: %w", s.checkpointKey, err)
	}
	res := make([]domain.Checkpoint, 0, len(fields))
	for id, raw := range fields {
		var cp domain.Checkpoint
		if err := json.Unmarshal([]byte(raw), &cp); err != nil || cp.AccountID != id {
			continue
		}
		res = append(res, cp)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].AccountID < res[j].AccountID })
	return res, nil
}

func (s *RedisStore) SaveSession(ctx context.Context, sess domain.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.client.Set(ctx, s.sessionKey, data, 0).Err(); err != nil {
		return fmt.Errorf("redis SET %s: %w", s.sessionKey, err)
	}
	return nil
}

func (s *RedisStore) LoadSession(ctx context.Context) (*domain.Session, error) {
	raw, err := s.client.Get(ctx, s.sessionKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET %s: %w", s.sessionKey, err)
	}
	var sess domain.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}

// AddAccount registers an extra account in the accounts set.
func (s *RedisStore) AddAccount(ctx context.Context, acc domain.Account) error {
	data, err := json.Marshal(acc)
	if err != nil {
		return fmt.Errorf("marshal account: %w", err)
	}
	if err := s.client.SAdd(ctx, s.accountsKey, string(data)).Err(); err != nil {
		return fmt.Errorf("redis SADD %s: %w", s.accountsKey, err)
	}
	return nil
}

// ListAccounts loads the extra accounts, ordered by id.
func (s *RedisStore) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	members, err := s.client.SMembers(ctx, s.accountsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis SMEMBERS %s: %w", s.accountsKey, err)
	}

	res := make([]domain.Account, 0, len(members))
	for _, m := range members {
		var acc domain.Account
		if err := json.Unmarshal([]byte(m), &acc); err != nil {
			// Skip malformed entries but continue.
			continue
		}
		if acc.ID == "" {
			continue
		}
		res = append(res, acc)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}
