package subscriptions_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"keyword-subscriber/internal/domain/subscriptions"
)

type fakeStore struct {
	calls int
	subs  []subscriptions.Subscription
}

func (f *fakeStore) ListByGroup(_ context.Context, _ int64) ([]subscriptions.Subscription, error) {
	f.calls++
	return f.subs, nil
}

func TestGet_CachesWithinTTL(t *testing.T) {
	t.Parallel()

	now := time.Now()
	clock := func() time.Time { return now }
	store := &fakeStore{subs: []subscriptions.Subscription{{ID: 1}}}
	cache := subscriptions.New(store, subscriptions.WithClock(clock), subscriptions.WithTTL(time.Minute))

	_, err := cache.Get(context.Background(), 100)
	require.NoError(t, err)
	_, err = cache.Get(context.Background(), 100)
	require.NoError(t, err)
	require.Equal(t, 1, store.calls, "second Get within TTL must hit cache, not store")

	now = now.Add(2 * time.Minute)
	_, err = cache.Get(context.Background(), 100)
	require.NoError(t, err)
	require.Equal(t, 2, store.calls, "Get past TTL must re-query store")
}

func TestInvalidate_ForcesRequery(t *testing.T) {
	t.Parallel()

	store := &fakeStore{subs: []subscriptions.Subscription{{ID: 1}}}
	cache := subscriptions.New(store)

	_, _ = cache.Get(context.Background(), 1)
	cache.Invalidate()
	store.subs = []subscriptions.Subscription{{ID: 1}, {ID: 2}}
	got, err := cache.Get(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, 2, store.calls)
}

func TestSubscription_AppliesToGroup(t *testing.T) {
	t.Parallel()

	s := subscriptions.Subscription{GroupIDs: []int64{10, 20}}
	require.True(t, s.AppliesToGroup(20))
	require.False(t, s.AppliesToGroup(30))
}
