package counter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/surveyloop/quota-engine/internal/models"
)

// admitScript is the whole admission step as one Lua script: the
// idempotency check, the stop-condition evaluation, the latch and the
// increment execute as a single indivisible operation on the Redis
// side, which is the per-cell serializing point.
//
// KEYS[1] counter value, KEYS[2] admitted-respondent set,
// KEYS[3] cap-reached latch, KEYS[4] last-admitted timestamp.
// ARGV: cap, stop condition, quota type, respondent id, now (RFC3339).
// Returns {admitted, count, capReached, tripped, replayed, warned}.
var admitScript = redis.NewScript(`
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
local latched = redis.call('EXISTS', KEYS[3]) == 1
local cap = tonumber(ARGV[1])
local op = ARGV[2]
local mode = ARGV[3]

if redis.call('SISMEMBER', KEYS[2], ARGV[4]) == 1 then
  local warned = 0
  if mode == 'soft' and latched then warned = 1 end
  return {1, count, latched and 1 or 0, 0, 1, warned}
end

local post = count + 1
local reached
if op == 'equal' then reached = post == cap
elseif op == 'less' then reached = post < cap
elseif op == 'greater_or_equal' then reached = post >= cap
else reached = post > cap end

if mode == 'hard' and reached then
  local tripped = 0
  if not latched then
    redis.call('SET', KEYS[3], '1')
    tripped = 1
  end
  return {0, count, 1, tripped, 0, 0}
end

redis.call('SET', KEYS[1], post)
redis.call('SADD', KEYS[2], ARGV[4])
redis.call('SET', KEYS[4], ARGV[5])

local tripped = 0
if reached and not latched then
  redis.call('SET', KEYS[3], '1')
  tripped = 1
end
local after = 0
if reached or latched then after = 1 end
local warned = 0
if mode == 'soft' and latched then warned = 1 end
return {1, post, after, tripped, 0, warned}
`)

// RedisStore implements Store against Redis. All mutation goes through
// admitScript so concurrent callers serialize on the cell's keys only.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies connectivity.
func NewRedisStore(address, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func countKey(cellID string) string   { return "quota:cell:" + cellID + ":count" }
func setKey(cellID string) string     { return "quota:cell:" + cellID + ":admitted" }
func reachedKey(cellID string) string { return "quota:cell:" + cellID + ":reached" }
func lastKey(cellID string) string    { return "quota:cell:" + cellID + ":last" }

// TryAdmit runs the conditional increment script.
func (s *RedisStore) TryAdmit(ctx context.Context, req AdmitRequest) (AdmitResult, error) {
	keys := []string{
		countKey(req.CellID),
		setKey(req.CellID),
		reachedKey(req.CellID),
		lastKey(req.CellID),
	}
	args := []interface{}{
		req.Cap,
		string(req.StopCondition),
		string(req.QuotaType),
		req.RespondentID,
		time.Now().UTC().Format(time.RFC3339Nano),
	}

	raw, err := admitScript.Run(ctx, s.client, keys, args...).Result()
	if err != nil {
		return AdmitResult{}, &StoreError{Op: "try_admit", Err: err}
	}

	reply, ok := raw.([]interface{})
	if !ok || len(reply) != 6 {
		return AdmitResult{}, &StoreError{Op: "try_admit", Err: fmt.Errorf("unexpected script reply: %v", raw)}
	}

	flag := func(i int) bool {
		n, _ := reply[i].(int64)
		return n == 1
	}
	count, _ := reply[1].(int64)

	return AdmitResult{
		Admitted:   flag(0),
		Count:      count,
		CapReached: flag(2),
		Tripped:    flag(3),
		Replayed:   flag(4),
		Warned:     flag(5),
	}, nil
}

// GetCounter reads the cell's counter state.
func (s *RedisStore) GetCounter(ctx context.Context, cellID string) (*models.CellCounter, error) {
	vals, err := s.client.MGet(ctx, countKey(cellID), reachedKey(cellID), lastKey(cellID)).Result()
	if err != nil {
		return nil, &StoreError{Op: "get_counter", Err: err}
	}

	counter := &models.CellCounter{CellID: cellID}

	if raw, ok := vals[0].(string); ok {
		fmt.Sscanf(raw, "%d", &counter.CurrentCount)
	}
	counter.CapReached = vals[1] != nil
	if raw, ok := vals[2].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			counter.LastAdmittedAt = &t
		}
	}

	return counter, nil
}

// Ping verifies Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
