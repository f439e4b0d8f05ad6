//go:build integration

package queue

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/vinayprograms/relay/envelope"
	"github.com/vinayprograms/relay/logging"
)

func getNATSURL() string {
	if url := os.Getenv("NATS_URL"); url != "" {
		return url
	}
	return nats.DefaultURL
}

func newJetStreamTestQueue(t *testing.T, name string) (*JetStreamQueue, jetstream.JetStream) {
	t.Helper()
	conn, err := nats.Connect(getNATSURL())
	if err != nil {
		t.Skipf("NATS not available: %v", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		t.Fatalf("jetstream.New() = %v", err)
	}
	cfg := DefaultJetStreamOptions()
	cfg.Prefix = fmt.Sprintf("test%d", time.Now().UnixNano())
	q, err := NewJetStreamQueue(context.Background(), name, js, cfg,
		WithLogger(logging.Nop()),
		WithDefaultBlock(200*time.Millisecond),
		WithRetryBackoff(10*time.Millisecond))
	if err != nil {
		conn.Close()
		t.Fatalf("NewJetStreamQueue() = %v", err)
	}
	t.Cleanup(func() {
		ctx := context.Background()
		js.DeleteStream(ctx, q.stream)
		js.DeleteStream(ctx, q.dlqStream)
		conn.Close()
	})
	return q, js
}

func TestJetStreamQueue_StreamNames(t *testing.T) {
	tests := []struct {
		prefix, lane, want string
	}{
		{"relay", "task", "RELAY_TASK"},
		{"relay", "structured_task.extraction", "RELAY_STRUCTURED_TASK_EXTRACTION"},
		{"relay", envelope.LaneDeadLetter, "RELAY_DEAD_LETTER"},
	}
	for _, tt := range tests {
		if got := streamName(tt.prefix, tt.lane); got != tt.want {
			t.Errorf("streamName(%q, %q) = %q, want %q", tt.prefix, tt.lane, got, tt.want)
		}
	}
}

func TestJetStreamQueue_PublishConsumeAck(t *testing.T) {
	q, _ := newJetStreamTestQueue(t, "task")
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
	consumeN(t, q, 3, func(ctx context.Context, env *envelope.Envelope) error {
		got = append(got, env.Header.Priority)
		return nil
	})
	if fmt.Sprint(got) != "[3 9 5]" {
		t.Errorf("order = %v, want stream order [3 9 5]", got)
	}
}

func TestJetStreamQueue_RetryThenDeadLetter(t *testing.T) {
	q, js := newJetStreamTestQueue(t, "task")
	ctx := context.Background()
	q.Publish(ctx, taskEnvelope(5, envelope.WithMaxRetries(1)))

	var counts []int
	consumeN(t, q, 2, func(ctx context.Context, env *envelope.Envelope) error {
		counts = append(counts, env.Header.RetryCount)
		return fmt.Errorf("still failing")
	})
	if fmt.Sprint(counts) != "[0 1]" {
		t.Errorf("retry counts = %v, want [0 1]", counts)
	}

	s, err := js.Stream(ctx, q.dlqStream)
	if err != nil {
		t.Fatalf("Stream() = %v", err)
	}
	raw, err := s.GetLastMsgForSubject(ctx, q.dlqSubject)
	if err != nil {
		t.Fatalf("GetLastMsgForSubject() = %v", err)
	}
	if raw.Header.Get(headerOriginalQueue) != "task" || raw.Header.Get(headerFailedAt) == "" {
		t.Errorf("dead letter headers = %v", raw.Header)
	}
	dead, err := envelope.Unmarshal(raw.Data)
	if err != nil {
		t.Fatalf("Unmarshal() = %v", err)
	}
	info, ok := DeadLetterInfoOf(dead)
	if !ok || info.Reason != ReasonRetriesExhausted {
		t.Errorf("dead letter info = %+v, %v", info, ok)
	}
}

func TestJetStreamQueue_UnknownAck(t *testing.T) {
	q, _ := newJetStreamTestQueue(t, "task")
	if err := q.Ack(context.Background(), "missing"); err == nil {
		t.Error("Ack(missing) = nil, want error")
	}
}

func TestJetStreamQueue_RetryStaysWithDurable(t *testing.T) {
	a, js := newJetStreamTestQueue(t, "result")
	b, err := NewJetStreamQueue(context.Background(), "result", js, a.cfg,
		WithLogger(logging.Nop()), WithDefaultBlock(200*time.Millisecond))
	if err != nil {
		t.Fatalf("NewJetStreamQueue() = %v", err)
	}
	ctx := context.Background()
	if _, err := a.Publish(ctx, taskEnvelope(5, envelope.WithMaxRetries(3))); err != nil {
		t.Fatalf("Publish() = %v", err)
	}

	var retries []int
	calls := consumeFor(t, a, 2*time.Second, func(ctx context.Context, env *envelope.Envelope) error {
		retries = append(retries, env.Header.RetryCount)
		if env.Header.RetryCount == 0 {
			return fmt.Errorf("transient")
		}
		return nil
	}, WithGroup("correlator"))
	if calls != 2 || fmt.Sprint(retries) != "[0 1]" {
		t.Fatalf("correlator calls = %d %v, want 2 [0 1]", calls, retries)
	}

	calls = consumeFor(t, b, 2*time.Second, func(ctx context.Context, env *envelope.Envelope) error {
		return nil
	}, WithGroup("archive"))
	if calls != 1 {
		t.Errorf("archive calls = %d, want 1", calls)
	}

	if d, err := a.Depth(ctx); err != nil || d != 0 {
		t.Errorf("Depth() = %d, %v, want 0", d, err)
	}
}
