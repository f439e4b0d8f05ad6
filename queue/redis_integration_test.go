//go:build integration

package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/vinayprograms/relay/envelope"
	"github.com/vinayprograms/relay/logging"
)

var (
	redisOnce sync.Once
	redisAddr string
	redisErr  error
)

func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	redisOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()
		c, err := testcontainers.Run(ctx, "redis:7",
			testcontainers.WithExposedPorts("6379/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("6379/tcp"),
				wait.ForLog("Ready to accept connections"),
			),
		)
		if err != nil {
			redisErr = err
			return
		}
		redisAddr, redisErr = c.Endpoint(ctx, "")
	})
	if redisErr != nil {
		t.Skipf("redis container unavailable: %v", redisErr)
	}
	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	t.Cleanup(func() { client.Close() })
	return client
}

func newRedisTestQueue(t *testing.T, client *redis.Client, name string) *RedisQueue {
	t.Helper()
	cfg := DefaultRedisOptions()
	cfg.Prefix = fmt.Sprintf("test-%d", time.Now().UnixNano())
	return NewRedisQueue(name, client, cfg,
		WithLogger(logging.Nop()),
		WithDefaultBlock(100*time.Millisecond),
		WithRetryBackoff(10*time.Millisecond))
}

func collect(t *testing.T, q *RedisQueue, n int, h Handler, opts ...ConsumeOption) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	count := 0
	err := q.Consume(ctx, func(ctx context.Context, env *envelope.Envelope) error {
		err := h(ctx, env)
		count++
		if count == n {
			q.Close()
		}
		return err
	}, opts...)
	if err != nil {
		t.Fatalf("Consume() = %v", err)
	}
	if count < n {
		t.Fatalf("handled %d, want %d", count, n)
	}
}

// consumeFor runs h until d elapses and returns how often it was called.
func consumeFor(t *testing.T, q Queue, d time.Duration, h Handler, opts ...ConsumeOption) int {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	var mu sync.Mutex
	count := 0
	err := q.Consume(ctx, func(ctx context.Context, env *envelope.Envelope) error {
		mu.Lock()
		count++
		mu.Unlock()
		return h(ctx, env)
	}, opts...)
	if err != nil {
		t.Fatalf("Consume() = %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	return count
}

func TestRedisQueue_LogOrderNotPriority(t *testing.T) {
	client := redisClient(t)
	q := newRedisTestQueue(t, client, "task")
	ctx := context.Background()

	for _, p := range []int{3, 9, 5} {
		if _, err := q.Publish(ctx, taskEnvelope(p)); err != nil {
			t.Fatalf("Publish() = %v", err)
		}
	}
	if d, _ := q.Depth(ctx); d != 3 {
		t.Fatalf("Depth() = %d, want 3", d)
	}

	var got []int
	collect(t, q, 3, func(ctx context.Context, env *envelope.Envelope) error {
		got = append(got, env.Header.Priority)
		return nil
	}, WithGroup("g1"))

	if fmt.Sprint(got) != "[3 9 5]" {
		t.Errorf("order = %v, want log order [3 9 5]", got)
	}
	// Entries stay in the stream but the group has nothing left.
	if n, _ := client.XLen(ctx, q.stream).Result(); n != 3 {
		t.Errorf("XLen() after ack = %d, want 3", n)
	}
	if d, _ := q.Depth(ctx); d != 0 {
		t.Errorf("Depth() after ack = %d, want 0", d)
	}
}

func TestRedisQueue_GroupsSeeFullStream(t *testing.T) {
	client := redisClient(t)
	q1 := newRedisTestQueue(t, client, "result")
	q2 := NewRedisQueue("result", client, q1.cfg, WithLogger(logging.Nop()), WithDefaultBlock(100*time.Millisecond))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		q1.Publish(ctx, taskEnvelope(5))
	}

	var a, b int
	collect(t, q1, 4, func(ctx context.Context, env *envelope.Envelope) error { a++; return nil }, WithGroup("correlator"))
	collect(t, q2, 4, func(ctx context.Context, env *envelope.Envelope) error { b++; return nil }, WithGroup("archive"))

	if a != 4 || b != 4 {
		t.Errorf("groups saw %d and %d entries, want 4 each", a, b)
	}
}

func TestRedisQueue_PendingReplayAfterRestart(t *testing.T) {
	client := redisClient(t)
	q := newRedisTestQueue(t, client, "task")
	ctx := context.Background()
	env := taskEnvelope(5)
	q.Publish(ctx, env)

	// First consumer dies mid-delivery.
	cctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(cctx, func(ctx context.Context, e *envelope.Envelope) error {
			cancel()
			<-ctx.Done()
			return ctx.Err()
		}, WithGroup("workers"), WithConsumerName("w1"))
	}()
	<-done

	// Same member name restarts and sees the entry again.
	restarted := NewRedisQueue("task", client, q.cfg, WithLogger(logging.Nop()), WithDefaultBlock(100*time.Millisecond))
	var got string
	collect(t, restarted, 1, func(ctx context.Context, e *envelope.Envelope) error {
		got = e.Header.MessageID
		return nil
	}, WithGroup("workers"), WithConsumerName("w1"))

	if got != env.Header.MessageID {
		t.Errorf("replayed %q, want %q", got, env.Header.MessageID)
	}
}

func TestRedisQueue_DeadLetterFields(t *testing.T) {
	client := redisClient(t)
	q := newRedisTestQueue(t, client, "task")
	ctx := context.Background()
	q.Publish(ctx, taskEnvelope(5, envelope.WithMaxRetries(1)))

	collect(t, q, 2, func(ctx context.Context, e *envelope.Envelope) error {
		return fmt.Errorf("still failing")
	}, WithGroup("g"))

	entries, err := client.XRange(ctx, q.dlqStream, "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange() = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(entries))
	}
	v := entries[0].Values
	if v[fieldOriginalQueue] != "task" || v[fieldFailedAt] == nil || v[fieldMessageID] == nil {
		t.Errorf("dead letter fields = %v", v)
	}
	dead, err := envelope.Unmarshal([]byte(v[fieldData].(string)))
	if err != nil {
		t.Fatalf("Unmarshal() = %v", err)
	}
	if dead.Header.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", dead.Header.RetryCount)
	}
}

func TestRedisQueue_UndecodableEntry(t *testing.T) {
	client := redisClient(t)
	q := newRedisTestQueue(t, client, "task")
	ctx := context.Background()

	client.XAdd(ctx, &redis.XAddArgs{Stream: q.stream, Values: map[string]interface{}{fieldData: "{not json"}})
	q.Publish(ctx, taskEnvelope(5))

	collect(t, q, 1, func(ctx context.Context, e *envelope.Envelope) error { return nil }, WithGroup("g"))

	n, _ := client.XLen(ctx, q.dlqStream).Result()
	if n != 1 {
		t.Errorf("dead letters = %d, want 1", n)
	}
}

func TestRedisQueue_RetryStaysWithGroup(t *testing.T) {
	client := redisClient(t)
	a := newRedisTestQueue(t, client, "result")
	b := NewRedisQueue("result", client, a.cfg, WithLogger(logging.Nop()), WithDefaultBlock(100*time.Millisecond))
	ctx := context.Background()
	if _, err := a.Publish(ctx, taskEnvelope(5, envelope.WithMaxRetries(3))); err != nil {
		t.Fatalf("Publish() = %v", err)
	}

	var retries []int
	calls := consumeFor(t, a, time.Second, func(ctx context.Context, env *envelope.Envelope) error {
		retries = append(retries, env.Header.RetryCount)
		if env.Header.RetryCount == 0 {
			return fmt.Errorf("transient")
		}
		return nil
	}, WithGroup("correlator"))
	if calls != 2 || fmt.Sprint(retries) != "[0 1]" {
		t.Fatalf("correlator calls = %d %v, want 2 [0 1]", calls, retries)
	}

	calls = consumeFor(t, b, time.Second, func(ctx context.Context, env *envelope.Envelope) error {
		return nil
	}, WithGroup("archive"))
	if calls != 1 {
		t.Errorf("archive calls = %d, want 1", calls)
	}

	for _, q := range []*RedisQueue{a, b} {
		if d, err := q.Depth(ctx); err != nil || d != 0 {
			t.Errorf("Depth(%s) = %d, %v, want 0", q.group, d, err)
		}
	}
}

func TestRedisQueue_DepthCountsSlowestGroup(t *testing.T) {
	client := redisClient(t)
	cfg := newRedisTestQueue(t, client, "task").cfg
	cfg.BatchSize = 1
	q := NewRedisQueue("task", client, cfg, WithLogger(logging.Nop()), WithDefaultBlock(100*time.Millisecond))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		q.Publish(ctx, taskEnvelope(5))
	}
	if d, _ := q.Depth(ctx); d != 3 {
		t.Fatalf("Depth() before any group = %d, want 3", d)
	}

	collect(t, q, 2, func(ctx context.Context, env *envelope.Envelope) error { return nil }, WithGroup("g"))
	if d, _ := q.Depth(ctx); d != 1 {
		t.Errorf("Depth() after two acks = %d, want 1", d)
	}
}
