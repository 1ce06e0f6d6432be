package lexical_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"keyword-subscriber/internal/domain/lexical"
)

func subscriptionInput() lexical.Input {
	return lexical.Input{
		PositiveKeywords: []string{"iphone", "продаю", "15", "pro"},
		Description:      "sale of iPhone 15 Pro",
		Query:            "продаю iphone 15 pro",
	}
}

func TestEvaluate_S1_Matches(t *testing.T) {
	t.Parallel()

	out := lexical.Evaluate("Продаю iPhone 15 Pro Max 256gb, идеал. Цена 80000.", subscriptionInput(), lexical.DefaultThreshold)
	require.True(t, out.Passed)
	require.Greater(t, out.Score, 0.4)
}

func TestEvaluate_S2_RejectedNegative(t *testing.T) {
	t.Parallel()

	in := subscriptionInput()
	in.NegativeKeywords = []string{"на запчасти"}

	out := lexical.Evaluate("Продаю iPhone 15 Pro на запчасти, 15000", in, lexical.DefaultThreshold)
	require.False(t, out.Passed)
	require.Equal(t, "на запчасти", out.RejectedNegative)
}

func TestEvaluate_S3_NonAdjacentNegativeDoesNotReject(t *testing.T) {
	t.Parallel()

	in := subscriptionInput()
	in.NegativeKeywords = []string{"на запчасти"}

	out := lexical.Evaluate("iPhone 15 Pro — звонил, спросил про запчасти у соседа", in, lexical.DefaultThreshold)
	require.Empty(t, out.RejectedNegative)
}

func TestEvaluate_S4_NoOverlapRejects(t *testing.T) {
	t.Parallel()

	in := lexical.Input{
		PositiveKeywords: []string{"samsung", "galaxy"},
		Description:      "",
		Query:            "samsung galaxy",
	}

	out := lexical.Evaluate("Продаю MacBook Pro M3 Max, 250000₽", in, lexical.DefaultThreshold)
	require.False(t, out.Passed)
	require.Less(t, out.Score, 0.1)
}

func TestEvaluate_EmptyKeywordsAndDescriptionAlwaysRejects(t *testing.T) {
	t.Parallel()

	out := lexical.Evaluate("любое сообщение какой угодно длины", lexical.Input{}, lexical.DefaultThreshold)
	require.False(t, out.Passed)
	require.Zero(t, out.Score)
}

func TestPhraseMatches_RequiresAdjacency(t *testing.T) {
	t.Parallel()

	adjacent := map[string]struct{}{"на ": {}, "а з": {}, " за": {}, "зап": {}, "апч": {}, "пча": {}, "час": {}, "аст": {}, "сти": {}}
	require.True(t, lexical.PhraseMatches(adjacent, "на запчасти", 0.85))

	nonAdjacent := map[string]struct{}{"на ": {}, " ры": {}, "зап": {}, "апч": {}}
	require.False(t, lexical.PhraseMatches(nonAdjacent, "на запчасти", 0.85))
}

func TestEvaluate_QueryFallback(t *testing.T) {
	t.Parallel()

	// A long, diluting keyword list fails binary coverage, but the user's short
	// original query still carries enough signal to pass via fallback.
	in := lexical.Input{
		PositiveKeywords: []string{"iphone", "самовывоз", "обмен", "торг", "состояние", "документы", "гарантия"},
		Description:      "",
		Query:            "iphone 15",
	}
	out := lexical.Evaluate("Продаю iPhone 15, всё работает отлично", in, lexical.DefaultThreshold)
	require.True(t, out.Passed)
	require.True(t, out.UsedQueryFallback)
}
