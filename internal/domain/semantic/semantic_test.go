package semantic_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"keyword-subscriber/internal/domain/semantic"
)

type fakeEmbeddingService struct {
	vectors    map[string][]float32
	healthErr  error
	healthHits int
	embedHits  int
}

func (f *fakeEmbeddingService) Embed(_ context.Context, text string) ([]float32, error) {
	f.embedHits++
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 0}, nil
}

func (f *fakeEmbeddingService) Healthy(_ context.Context) error {
	f.healthHits++
	return f.healthErr
}

func TestScore_PositivePasses(t *testing.T) {
	t.Parallel()

	svc := &fakeEmbeddingService{vectors: map[string][]float32{
		"message": {1, 0, 0},
	}}
	m := semantic.New(svc)

	out, err := m.Score(context.Background(), "message", semantic.KeywordEmbeddings{
		Positive: map[string][]float32{"iphone": {1, 0, 0}},
	}, 0.5, 0.8)
	require.NoError(t, err)
	require.True(t, out.Passed)
}

func TestScore_NegativeBlocks(t *testing.T) {
	t.Parallel()

	svc := &fakeEmbeddingService{vectors: map[string][]float32{
		"message": {1, 0, 0},
	}}
	m := semantic.New(svc)

	out, err := m.Score(context.Background(), "message", semantic.KeywordEmbeddings{
		Positive: map[string][]float32{"iphone": {1, 0, 0}},
		Negative: map[string][]float32{"запчасти": {1, 0, 0}},
	}, 0.5, 0.1)
	require.NoError(t, err)
	require.False(t, out.Passed)
	require.Equal(t, "запчасти", out.BlockingKeyword)
}

func TestReachable_CachesHealthCheck(t *testing.T) {
	t.Parallel()

	now := time.Now()
	clock := func() time.Time { return now }
	svc := &fakeEmbeddingService{healthErr: nil}
	m := semantic.New(svc, semantic.WithClock(clock), semantic.WithHealthTTL(time.Minute))

	require.True(t, m.Reachable(context.Background()))
	require.True(t, m.Reachable(context.Background()))
	require.Equal(t, 1, svc.healthHits, "second call within TTL must not re-probe")

	now = now.Add(2 * time.Minute)
	require.True(t, m.Reachable(context.Background()))
	require.Equal(t, 2, svc.healthHits, "call past TTL must re-probe")
}

func TestScore_UnreachableSkipsEmbed(t *testing.T) {
	t.Parallel()

	svc := &fakeEmbeddingService{healthErr: errors.New("down")}
	m := semantic.New(svc)

	_, err := m.Score(context.Background(), "message", semantic.KeywordEmbeddings{}, 0.5, 0.5)
	require.ErrorIs(t, err, semantic.ErrUnreachable)
	require.Zero(t, svc.embedHits)
}
