package album_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"keyword-subscriber/internal/domain/album"
	"keyword-subscriber/internal/domain/messages"
)

type fakeFetcher struct {
	fragments []album.Fragment
	calls     int
}

func (f *fakeFetcher) FetchAlbumFragments(_ context.Context, _, _ int64) ([]album.Fragment, error) {
	f.calls++
	return f.fragments, nil
}

func TestProcess_S5_CaptionOnSecondFragment(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{fragments: []album.Fragment{
		{Caption: "", Media: []messages.Media{{Index: 0}}},
		{Caption: "the real caption", Media: []messages.Media{{Index: 1}}},
		{Caption: "", Media: []messages.Media{{Index: 2}}},
	}}
	a := album.New(fetcher)

	assembled, first, err := a.Process(context.Background(), 1, 42)
	require.NoError(t, err)
	require.True(t, first)
	require.Equal(t, "the real caption", assembled.Text)
	require.Len(t, assembled.Media, 3)
}

func TestProcess_SecondFragmentDropped(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{fragments: []album.Fragment{{Caption: "x"}}}
	a := album.New(fetcher)

	_, first, err := a.Process(context.Background(), 1, 42)
	require.NoError(t, err)
	require.True(t, first)
	require.Equal(t, 1, fetcher.calls)

	_, first, err = a.Process(context.Background(), 1, 42)
	require.NoError(t, err)
	require.False(t, first)
	require.Equal(t, 1, fetcher.calls, "second fragment of the same album must not re-fetch")
}

func TestProcess_DuplicateStillDroppedBeforeSweepRuns(t *testing.T) {
	t.Parallel()

	now := time.Now()
	clock := func() time.Time { return now }
	fetcher := &fakeFetcher{fragments: []album.Fragment{{Caption: "x"}}}
	a := album.New(fetcher, album.WithClock(clock), album.WithWindow(time.Second))

	_, first, _ := a.Process(context.Background(), 1, 42)
	require.True(t, first)

	now = now.Add(2 * time.Second)
	a.Stop() // no-op, never started; exercises idempotency guard
	_, first, _ = a.Process(context.Background(), 1, 42)
	require.False(t, first, "dedup is by presence, not age; only the background sweep frees the slot")
}
