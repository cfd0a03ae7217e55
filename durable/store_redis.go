package durable

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient captures the minimal commands the redis store needs.
type RedisClient interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Del(ctx context.Context, keys ...string) error
	HSet(ctx context.Context, key, field, value string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error
	SAdd(ctx context.Context, key, member string) error
	SRem(ctx context.Context, key, member string) error
	SMembers(ctx context.Context, key string) ([]string, error)
}

// RedisStore persists instances as JSON strings and history as one hash per
// instance. Version checks are serialized inside the process.
type RedisStore struct {
	client    RedisClient
	keyPrefix string
	mu        sync.Mutex
}

// NewRedisStore builds a store over client. The key prefix defaults to
// "watchdog:".
func NewRedisStore(client RedisClient, keyPrefix string) *RedisStore {
	keyPrefix = strings.TrimSpace(keyPrefix)
	if keyPrefix == "" {
		keyPrefix = "watchdog:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) LoadInstance(ctx context.Context, instanceID string) (*InstanceRecord, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("redis store not configured")
	}
	instanceID = strings.TrimSpace(instanceID)
	if instanceID == "" {
		return nil, nil
	}
	return s.load(ctx, instanceID)
}

func (s *RedisStore) SaveInstance(ctx context.Context, rec *InstanceRecord, expectedVersion int) (int, error) {
	if s == nil || s.client == nil {
		return 0, errors.New("redis store not configured")
	}
	next := cloneInstance(rec)
	if next == nil {
		return 0, cloneError(ErrInvalidInstance, "instance record required", nil, nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.load(ctx, strings.TrimSpace(next.InstanceID))
	if err != nil {
		return 0, err
	}
	version, err := applyVersionedUpdate(next, current, expectedVersion)
	if err != nil {
		return 0, err
	}
	payload, err := json.Marshal(next)
	if err != nil {
		return 0, err
	}
	if err := s.client.Set(ctx, s.instanceKey(next.InstanceID), string(payload)); err != nil {
		return 0, err
	}
	if err := s.client.SAdd(ctx, s.indexKey(), next.InstanceID); err != nil {
		return 0, err
	}
	return version, nil
}

func (s *RedisStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*InstanceRecord, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("redis store not configured")
	}
	ids, err := s.client.SMembers(ctx, s.indexKey())
	if err != nil {
		return nil, err
	}
	out := make([]*InstanceRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if filter.matches(rec) {
			out = append(out, rec)
		}
	}
	sortInstances(out)
	return out, nil
}

func (s *RedisStore) DeleteInstance(ctx context.Context, instanceID string) error {
	if s == nil || s.client == nil {
		return errors.New("redis store not configured")
	}
	instanceID = strings.TrimSpace(instanceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.client.Del(ctx, s.instanceKey(instanceID), s.historyKey(instanceID)); err != nil {
		return err
	}
	return s.client.SRem(ctx, s.indexKey(), instanceID)
}

func (s *RedisStore) PutEvent(ctx context.Context, evt HistoryEvent) error {
	if s == nil || s.client == nil {
		return errors.New("redis store not configured")
	}
	evt, err := normalizeEvent(evt)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.historyKey(evt.InstanceID), eventField(evt.Generation, evt.Seq), string(payload))
}

func (s *RedisStore) LoadHistory(ctx context.Context, instanceID string, generation int) ([]HistoryEvent, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("redis store not configured")
	}
	fields, err := s.client.HGetAll(ctx, s.historyKey(strings.TrimSpace(instanceID)))
	if err != nil {
		return nil, err
	}
	out := make([]HistoryEvent, 0, len(fields))
	for field, value := range fields {
		gen, _, ok := parseEventField(field)
		if !ok || gen != generation {
			continue
		}
		var evt HistoryEvent
		if err := json.Unmarshal([]byte(value), &evt); err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	sortEvents(out)
	return out, nil
}

func (s *RedisStore) TruncateHistory(ctx context.Context, instanceID string, belowGeneration int) error {
	if s == nil || s.client == nil {
		return errors.New("redis store not configured")
	}
	key := s.historyKey(strings.TrimSpace(instanceID))
	fields, err := s.client.HGetAll(ctx, key)
	if err != nil {
		return err
	}
	var stale []string
	for field := range fields {
		if gen, _, ok := parseEventField(field); ok && gen < belowGeneration {
			stale = append(stale, field)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	return s.client.HDel(ctx, key, stale...)
}

func (s *RedisStore) load(ctx context.Context, instanceID string) (*InstanceRecord, error) {
	value, err := s.client.Get(ctx, s.instanceKey(instanceID))
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	var rec InstanceRecord
	if err := json.Unmarshal([]byte(value), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *RedisStore) instanceKey(id string) string { return s.keyPrefix + "instance:" + id }
func (s *RedisStore) historyKey(id string) string  { return s.keyPrefix + "history:" + id }
func (s *RedisStore) indexKey() string             { return s.keyPrefix + "instances" }

func eventField(generation, seq int) string {
	return strconv.Itoa(generation) + ":" + strconv.Itoa(seq)
}

func parseEventField(field string) (int, int, bool) {
	genText, seqText, ok := strings.Cut(field, ":")
	if !ok {
		return 0, 0, false
	}
	gen, err := strconv.Atoi(genText)
	if err != nil {
		return 0, 0, false
	}
	seq, err := strconv.Atoi(seqText)
	if err != nil {
		return 0, 0, false
	}
	return gen, seq, true
}

// GoRedisClient adapts a go-redis client to RedisClient.
type GoRedisClient struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewGoRedisClient wraps client. A zero ttl keeps keys without expiry.
func NewGoRedisClient(client redis.UniversalClient, ttl time.Duration) *GoRedisClient {
	return &GoRedisClient{client: client, ttl: ttl}
}

func (c *GoRedisClient) Get(ctx context.Context, key string) (string, error) {
	value, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return value, err
}

func (c *GoRedisClient) Set(ctx context.Context, key, value string) error {
	return c.client.Set(ctx, key, value, c.ttl).Err()
}

func (c *GoRedisClient) Del(ctx context.Context, keys ...string) error {
	return c.client.Del(ctx, keys...).Err()
}

func (c *GoRedisClient) HSet(ctx context.Context, key, field, value string) error {
	if err := c.client.HSet(ctx, key, field, value).Err(); err != nil {
		return err
	}
	if c.ttl > 0 {
		return c.client.Expire(ctx, key, c.ttl).Err()
	}
	return nil
}

func (c *GoRedisClient) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.client.HGetAll(ctx, key).Result()
}

func (c *GoRedisClient) HDel(ctx context.Context, key string, fields ...string) error {
	return c.client.HDel(ctx, key, fields...).Err()
}

func (c *GoRedisClient) SAdd(ctx context.Context, key, member string) error {
	return c.client.SAdd(ctx, key, member).Err()
}

func (c *GoRedisClient) SRem(ctx context.Context, key, member string) error {
	return c.client.SRem(ctx, key, member).Err()
}

func (c *GoRedisClient) SMembers(ctx context.Context, key string) ([]string, error) {
	return c.client.SMembers(ctx, key).Result()
}
