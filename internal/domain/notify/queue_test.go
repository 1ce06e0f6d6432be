package notify_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"keyword-subscriber/internal/domain/notify"
	"keyword-subscriber/internal/domain/pipeline"
)

type recordingSender struct {
	mu        sync.Mutex
	delivered []pipeline.Notification
	failFirst bool
	failed    bool
}

func (s *recordingSender) Deliver(ctx context.Context, n pipeline.Notification) (notify.SendOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFirst && !s.failed {
		s.failed = true
		return notify.SendOutcome{}, errors.New("transient")
	}
	s.delivered = append(s.delivered, n)
	return notify.SendOutcome{}, nil
}

func (s *recordingSender) snapshot() []pipeline.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pipeline.Notification(nil), s.delivered...)
}

func newTestQueue(t *testing.T, sender notify.Sender) *notify.Queue {
	t.Helper()
	store, err := notify.NewStore(filepath.Join(t.TempDir(), "notify.json"), 10*time.Millisecond)
	require.NoError(t, err)
	q, err := notify.New(notify.Options{Sender: sender, Store: store, DrainInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	return q
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestDispatch_DeliversImmediately(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	q := newTestQueue(t, sender)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Close(context.Background())

	require.NoError(t, q.Dispatch(context.Background(), pipeline.Notification{UserID: 1}))
	waitFor(t, func() bool { return len(sender.snapshot()) == 1 })
}

func TestEnqueue_DeliversOnDrainTimer(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	q := newTestQueue(t, sender)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Close(context.Background())

	require.NoError(t, q.Enqueue(context.Background(), pipeline.Notification{UserID: 2}))
	waitFor(t, func() bool { return len(sender.snapshot()) == 1 })
}

func TestDeliver_RetriesOnTransientError(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{failFirst: true}
	q := newTestQueue(t, sender)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Close(context.Background())

	require.NoError(t, q.Dispatch(context.Background(), pipeline.Notification{UserID: 3}))
	waitFor(t, func() bool { return len(sender.snapshot()) == 1 })
}

func TestUrgentDrainsBeforeRegular(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	q := newTestQueue(t, sender)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, q.Enqueue(context.Background(), pipeline.Notification{UserID: 10}))
	require.NoError(t, q.Dispatch(context.Background(), pipeline.Notification{UserID: 20}))
	q.Start(ctx)
	defer q.Close(context.Background())

	waitFor(t, func() bool { return len(sender.snapshot()) == 2 })
	require.Equal(t, int64(20), sender.snapshot()[0].UserID, "the urgent item must be delivered before the regular one")
}
