package queue

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"github.com/slicingmelon/fetchengine/internal/item"
)

// RedisQueue is the concrete reference backing for Queue: a Redis list
// keyed by Name. Push is a head-insert (LPUSH), Pop is a pipelined batch of
// tail-removes (RPOP), so the list behaves as a FIFO: oldest items sit at
// the tail and are popped first, newest items are pushed at the head.
type RedisQueue struct {
	client *redis.Client
	Name   string

	active atomic.Bool
}

// NewRedisQueue wraps an existing *redis.Client. The queue starts active.
func NewRedisQueue(client *redis.Client, name string) *RedisQueue {
	q := &RedisQueue{client: client, Name: name}
	q.active.Store(true)
	return q
}

// Pop pipelines n RPOP calls into a single round-trip. It does not rely on
// server-side atomicity across the batch beyond each individual RPOP being
// atomic; ordering within the batch reflects the list's physical tail order
// at pipeline-execution time.
func (q *RedisQueue) Pop(ctx context.Context, n int, onDecodeError func(*DecodeError)) ([]*item.Item, error) {
	out := make([]*item.Item, 0, n)
	if !q.Active() || n <= 0 {
		return out, nil
	}

	pipe := q.client.Pipeline()
	cmds := make([]*redis.StringCmd, n)
	for i := 0; i < n; i++ {
		cmds[i] = pipe.RPop(ctx, q.Name)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("%w: pipeline exec: %v", ErrQueue, err)
	}

	for _, cmd := range cmds {
		raw, err := cmd.Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: rpop: %v", ErrQueue, err)
		}
		it, decErr := item.Decode(raw)
		if decErr != nil {
			if onDecodeError != nil {
				onDecodeError(&DecodeError{Cause: decErr})
			}
			continue
		}
		out = append(out, it)
	}
	return out, nil
}

// Push LPUSHes the items in the given order, left-end insertion for a
// FIFO tail-pop.
func (q *RedisQueue) Push(ctx context.Context, items ...*item.Item) error {
	if len(items) == 0 {
		return nil
	}
	encoded := make([]any, 0, len(items))
	for _, it := range items {
		b, err := it.Encode()
		if err != nil {
			return fmt.Errorf("%w: encode: %v", ErrQueue, err)
		}
		encoded = append(encoded, b)
	}
	if err := q.client.LPush(ctx, q.Name, encoded...).Err(); err != nil {
		return fmt.Errorf("%w: lpush: %v", ErrQueue, err)
	}
	return nil
}

// Clear deletes the queue's key. A missing key is a no-op (DEL on a
// nonexistent key just reports zero keys removed), the Redis-specific
// behavior spec.md leaves unspecified.
func (q *RedisQueue) Clear(ctx context.Context) error {
	if err := q.client.Del(ctx, q.Name).Err(); err != nil {
		return fmt.Errorf("%w: del: %v", ErrQueue, err)
	}
	return nil
}

func (q *RedisQueue) Active() bool     { return q.active.Load() }
func (q *RedisQueue) SetActive(v bool) { q.active.Store(v) }
