package queue

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/slicingmelon/fetchengine/internal/item"
)

func newTestQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedisQueue(client, "test_q")
}

func TestRedisQueuePopReturnsInPushOrder(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	it1, _ := item.New("get", "http://www.baidu.com/", item.WithRawInfo(map[string]any{"index": "1"}))
	it2, _ := item.New("get", "http://www.baidu.com/", item.WithRawInfo(map[string]any{"index": "2"}))

	if err := q.Push(ctx, it1); err != nil {
		t.Fatalf("push 1: %v", err)
	}
	if err := q.Push(ctx, it2); err != nil {
		t.Fatalf("push 2: %v", err)
	}

	got, err := q.Pop(ctx, 10, nil)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 items, got %d", len(got))
	}
	if !got[0].Equal(it1) || !got[1].Equal(it2) {
		t.Fatalf("items not in push order: got %v then %v", got[0].Dumps(), got[1].Dumps())
	}
}

func TestRedisQueuePopEmptyWhenDrained(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	got, err := q.Pop(ctx, 10, nil)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("want empty batch, got %d", len(got))
	}
}

func TestRedisQueueInactivePopsEmpty(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	it1, _ := item.New("get", "http://www.baidu.com/")
	_ = q.Push(ctx, it1)

	q.SetActive(false)
	got, err := q.Pop(ctx, 10, nil)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("want empty batch while inactive, got %d", len(got))
	}
}

func TestRedisQueueClearOnMissingKeyIsNoop(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if err := q.Clear(ctx); err != nil {
		t.Fatalf("clear on missing key should not error: %v", err)
	}
}

func TestRedisQueueDropsMalformedEntry(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if err := q.client.LPush(ctx, q.Name, []byte("not-msgpack-map")).Err(); err != nil {
		t.Fatalf("seed bad entry: %v", err)
	}
	good, _ := item.New("get", "http://www.baidu.com/")
	if err := q.Push(ctx, good); err != nil {
		t.Fatalf("push good: %v", err)
	}

	var decodeErrs int
	got, err := q.Pop(ctx, 10, func(*DecodeError) { decodeErrs++ })
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("want 1 surviving item, got %d", len(got))
	}
	if decodeErrs != 1 {
		t.Fatalf("want 1 decode error reported, got %d", decodeErrs)
	}
}
