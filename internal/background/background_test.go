package background

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardflow/internal/config"
	"cardflow/internal/models"
	"cardflow/internal/store"
)

type notePayload struct {
	Note string `json:"note"`
}

func newTestQueue(t *testing.T) (*miniredis.Miniredis, *RedisQueue, config.Config) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg := config.Config{
		BackgroundQueue:    "test:bg",
		DLQName:            "test:bg:dlq",
		VisibilityTimeout:  time.Minute,
		MaxAttempts:        2,
		BackoffInitial:     10 * time.Millisecond,
		BackoffMax:         20 * time.Millisecond,
		WorkerPollInterval: 10 * time.Millisecond,
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, NewRedisQueueWithClient(client, cfg), cfg
}

func TestWorkerHandlesAndAcks(t *testing.T) {
	ctx := context.Background()
	mr, q, cfg := newTestQueue(t)
	w := NewWorker(q, cfg, nil)

	var got notePayload
	w.RegisterHandler("note", func(_ context.Context, task Task) error {
		return task.Decode(&got)
	})

	task, err := NewTask("note", "t1", notePayload{Note: "hello"})
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, task))

	depth, err := q.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	processed, err := w.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, "hello", got.Note)
	assert.False(t, mr.Exists("test:bg:task:"+task.ID))

	processed, err = w.ProcessOne(ctx)
	require.NoError(t, err)
	assert.False(t, processed, "queue should be empty")
}

func TestWorkerRetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	_, q, cfg := newTestQueue(t)
	w := NewWorker(q, cfg, nil)
	base := time.Now()
	w.now = func() time.Time { return base }

	calls := 0
	w.RegisterHandler("flaky", func(context.Context, Task) error {
		calls++
		return errors.New("downstream unavailable")
	})
	task, err := NewTask("flaky", "t1", notePayload{})
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, task))

	processed, err := w.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)
	depth, _ := q.ReadyDepth(ctx)
	assert.Zero(t, depth, "retry waits in the schedule")

	base = base.Add(time.Minute)
	processed, err = w.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)
	assert.Equal(t, 2, calls)

	dead, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, task.ID, dead[0].ID)
	assert.Equal(t, 2, dead[0].Attempts)
	assert.Equal(t, "downstream unavailable", dead[0].LastError)
}

func TestWorkerDeadLettersUnknownKindAndPanics(t *testing.T) {
	ctx := context.Background()
	_, q, cfg := newTestQueue(t)
	cfg.MaxAttempts = 1
	w := NewWorker(q, cfg, nil)
	w.RegisterHandler("boom", func(context.Context, Task) error { panic("bad payload") })

	unknown, _ := NewTask("mystery", "t1", notePayload{})
	boom, _ := NewTask("boom", "t1", notePayload{})
	require.NoError(t, q.Enqueue(ctx, unknown))
	require.NoError(t, q.Enqueue(ctx, boom))

	for i := 0; i < 2; i++ {
		_, err := w.ProcessOne(ctx)
		require.NoError(t, err)
	}
	dead, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 2)
	assert.Contains(t, dead[0].LastError, `no handler registered for kind "mystery"`)
	assert.Equal(t, "panic: bad payload", dead[1].LastError)
}

func TestWorkerReclaimsExpiredLease(t *testing.T) {
	ctx := context.Background()
	_, q, cfg := newTestQueue(t)
	w := NewWorker(q, cfg, nil)

	handled := 0
	w.RegisterHandler("note", func(context.Context, Task) error {
		handled++
		return nil
	})
	task, _ := NewTask("note", "t1", notePayload{})
	require.NoError(t, q.Enqueue(ctx, task))

	// A consumer that crashed after leasing.
	leased, ok, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, task.ID, leased.ID)

	processed, err := w.ProcessOne(ctx)
	require.NoError(t, err)
	assert.False(t, processed, "lease still valid")

	w.now = func() time.Time { return time.Now().Add(time.Hour) }
	processed, err = w.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, 1, handled)
}

func TestInlineSwallowsFailures(t *testing.T) {
	ctx := context.Background()
	in := NewInline(nil)
	ran := false
	in.RegisterHandler("ok", func(context.Context, Task) error {
		ran = true
		return nil
	})
	in.RegisterHandler("bad", func(context.Context, Task) error { return errors.New("nope") })

	ok, _ := NewTask("ok", "t1", nil)
	bad, _ := NewTask("bad", "t1", nil)
	assert.NoError(t, in.Enqueue(ctx, ok))
	assert.NoError(t, in.Enqueue(ctx, bad))
	assert.True(t, ran)
}

func TestReflectionHandlerStores(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	h := ReflectionHandler(mem)

	task, err := NewTask(KindReflection, "t1", models.Reflection{
		RunID:      "run-1",
		Summary:    "Proposed 2 actions",
		Metrics:    map[string]any{"actions_proposed": 2},
		Hypotheses: "clean",
	})
	require.NoError(t, err)
	require.NoError(t, h(ctx, task))

	got := mem.Reflections()
	require.Len(t, got, 1)
	assert.Equal(t, "run-1", got[0].RunID)
	assert.Equal(t, "clean", got[0].Hypotheses)

	empty, _ := NewTask(KindReflection, "t1", models.Reflection{})
	assert.Error(t, h(ctx, empty))
}

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	assert.GreaterOrEqual(t, b1, base/2)
	assert.LessOrEqual(t, b1, base)

	b5 := backoffWithJitter(base, max, 5)
	assert.GreaterOrEqual(t, b5, max/2)
	assert.LessOrEqual(t, b5, max)
}
