package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func newTestIDGenerator(t *testing.T, now time.Time) (*RedisIDGenerator, *test.Hook) {
	t.Helper()
	_, client := getRedisClient(t)
	log, hook := test.NewNullLogger()
	g := NewRedisIDGenerator(client, log)
	g.now = func() time.Time { return now }
	return g, hook
}

func TestNextID_MonotonicWithinSecond(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	g, _ := newTestIDGenerator(t, now)
	ctx := context.Background()

	prev := int64(0)
	for i := 0; i < 100; i++ {
		id, err := g.NextID(ctx, "order")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if id <= prev {
			t.Fatalf("id %d not greater than %d", id, prev)
		}
		prev = id
	}

	if got := IDTime(prev); !got.Equal(now) {
		t.Errorf("expected embedded time %v, got %v", now, got)
	}
	if prev>>sequenceBits != now.Unix()-idEpoch {
		t.Errorf("unexpected timestamp bits in %d", prev)
	}
	if prev&maxSequence != 100 {
		t.Errorf("expected sequence 100, got %d", prev&maxSequence)
	}
}

func TestNextID_LaterSecondSortsAfter(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	g, _ := newTestIDGenerator(t, now)
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		last, _ = g.NextID(ctx, "order")
	}
	g.now = func() time.Time { return now.Add(time.Second) }
	next, err := g.NextID(ctx, "order")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next <= last {
		t.Errorf("expected %d > %d", next, last)
	}
}

func TestNextID_NamespacesIndependent(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	g, _ := newTestIDGenerator(t, now)
	ctx := context.Background()

	a, _ := g.NextID(ctx, "order")
	b, _ := g.NextID(ctx, "voucher")
	if a != b {
		t.Errorf("expected both namespaces to start at sequence 1, got %d and %d", a, b)
	}
}

func TestNextID_SequenceExhausted(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	_, client := getRedisClient(t)
	log, hook := test.NewNullLogger()
	g := NewRedisIDGenerator(client, log)
	g.now = func() time.Time { return now }

	key := fmt.Sprintf("icr:order:%d", now.Unix())
	client.Set(context.Background(), key, strconv.FormatInt(maxSequence, 10), 0)

	_, err := g.NextID(context.Background(), "order")
	if !errors.Is(err, ErrSequenceExhausted) {
		t.Fatalf("expected ErrSequenceExhausted, got %v", err)
	}
	if hook.LastEntry() == nil || hook.LastEntry().Level != logrus.ErrorLevel {
		t.Error("expected critical log entry")
	}
}

func TestNextID_BeforeEpoch(t *testing.T) {
	g, _ := newTestIDGenerator(t, time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC))
	if _, err := g.NextID(context.Background(), "order"); err == nil {
		t.Error("expected error for clock before epoch")
	}
}

func TestNextID_PastTimestampRange(t *testing.T) {
	last := time.Unix(idEpoch+maxTimestamp, 0)
	g, _ := newTestIDGenerator(t, last)
	id, err := g.NextID(context.Background(), "order")
	if err != nil {
		t.Fatalf("last representable second: %v", err)
	}
	if id <= 0 {
		t.Errorf("expected positive id, got %d", id)
	}

	g.now = func() time.Time { return last.Add(time.Second) }
	if _, err := g.NextID(context.Background(), "order"); err == nil {
		t.Error("expected error once the timestamp no longer fits")
	}
}
