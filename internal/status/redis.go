package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const recordKeyPrefix = "mediajobs:status:"

// Lua scripts keep create/transition atomic on the Redis side. State lives in
// a hash field so compare-and-set is a single HGET/HSET round trip.
var (
	createScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return "EXISTS"
end
redis.call("HSET", KEYS[1], "state", ARGV[1], "cancel_requested", "0", "updated_at", ARGV[2])
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return "OK"
`)

	transitionScript = redis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
if not state then
  return "NOTFOUND"
end
if state ~= ARGV[1] then
  return "CONFLICT"
end
redis.call("HSET", KEYS[1], "state", ARGV[2], "result", ARGV[3], "failure", ARGV[4], "updated_at", ARGV[5])
redis.call("PEXPIRE", KEYS[1], ARGV[6])
return "OK"
`)

	cancelScript = redis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
if not state then
  return "NOTFOUND"
end
if state == "SUCCESS" or state == "FAILURE" or state == "CANCELLED" then
  return "CONFLICT"
end
redis.call("HSET", KEYS[1], "cancel_requested", "1")
return "OK"
`)
)

// RedisStore implements Store on Redis. Expiration rides on key TTL, reset on
// every write so retention is measured from the last update.
type RedisStore struct {
	client    *redis.Client
	retention time.Duration
	logger    *slog.Logger
}

// NewRedisStore creates a RedisStore with the given retention window.
func NewRedisStore(client *redis.Client, retention time.Duration, logger *slog.Logger) *RedisStore {
	return &RedisStore{
		client:    client,
		retention: retention,
		logger:    logger,
	}
}

func recordKey(jobID string) string {
	return recordKeyPrefix + jobID
}

func (s *RedisStore) Create(ctx context.Context, jobID string, initial State) error {
	res, err := createScript.Run(ctx, s.client,
		[]string{recordKey(jobID)},
		string(initial),
		time.Now().UTC().Format(time.RFC3339Nano),
		s.retention.Milliseconds(),
	).Text()
	if err != nil {
		return fmt.Errorf("failed to create status record: %w", err)
	}
	if res == "EXISTS" {
		return ErrAlreadyExists
	}
	return nil
}

func (s *RedisStore) Transition(ctx context.Context, jobID string, expected, next State, result json.RawMessage, failure *FailureDetail) error {
	var failureJSON []byte
	if failure != nil {
		var err error
		failureJSON, err = json.Marshal(failure)
		if err != nil {
			return fmt.Errorf("failed to marshal failure detail: %w", err)
		}
	}

	res, err := transitionScript.Run(ctx, s.client,
		[]string{recordKey(jobID)},
		string(expected),
		string(next),
		string(result),
		string(failureJSON),
		time.Now().UTC().Format(time.RFC3339Nano),
		s.retention.Milliseconds(),
	).Text()
	if err != nil {
		return fmt.Errorf("failed to transition status record: %w", err)
	}

	switch res {
	case "NOTFOUND":
		return ErrNotFound
	case "CONFLICT":
		return ErrStateConflict
	}

	s.logger.Debug("Status record transitioned",
		slog.String("job_id", jobID),
		slog.String("from", string(expected)),
		slog.String("to", string(next)),
	)
	return nil
}

func (s *RedisStore) Get(ctx context.Context, jobID string) (*Record, error) {
	key := recordKey(jobID)

	pipe := s.client.Pipeline()
	fieldsCmd := pipe.HGetAll(ctx, key)
	ttlCmd := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read status record: %w", err)
	}

	fields := fieldsCmd.Val()
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	rec := &Record{
		JobID:           jobID,
		State:           State(fields["state"]),
		CancelRequested: fields["cancel_requested"] == "1",
	}
	if raw := fields["result"]; raw != "" {
		rec.Result = json.RawMessage(raw)
	}
	if raw := fields["failure"]; raw != "" {
		var detail FailureDetail
		if err := json.Unmarshal([]byte(raw), &detail); err != nil {
			return nil, fmt.Errorf("failed to unmarshal failure detail: %w", err)
		}
		rec.Failure = &detail
	}
	if raw := fields["updated_at"]; raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse updated_at: %w", err)
		}
		rec.UpdatedAt = ts
	}
	if ttl := ttlCmd.Val(); ttl > 0 {
		rec.ExpiresAt = time.Now().Add(ttl)
	}

	return rec, nil
}

func (s *RedisStore) RequestCancel(ctx context.Context, jobID string) error {
	res, err := cancelScript.Run(ctx, s.client, []string{recordKey(jobID)}).Text()
	if err != nil {
		return fmt.Errorf("failed to request cancellation: %w", err)
	}

	switch res {
	case "NOTFOUND":
		return ErrNotFound
	case "CONFLICT":
		return ErrStateConflict
	}
	return nil
}

func (s *RedisStore) Purge(ctx context.Context, jobID string) error {
	deleted, err := s.client.Del(ctx, recordKey(jobID)).Result()
	if err != nil {
		return fmt.Errorf("failed to purge status record: %w", err)
	}
	if deleted == 0 {
		return ErrNotFound
	}
	return nil
}
