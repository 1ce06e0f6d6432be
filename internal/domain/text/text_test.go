package text_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"keyword-subscriber/internal/domain/text"
)

func TestTokenize(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want []string
	}{
		{name: "empty", in: "", want: []string{}},
		{name: "simple", in: "Продаю iPhone 15 Pro", want: []string{"продаю", "iphone", "15", "pro"}},
		{name: "punctuationCollapses", in: "где?! нет...", want: []string{"где", "нет"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := text.Tokenize(tc.in)
			if len(tc.want) == 0 {
				require.Empty(t, got)
				return
			}
			require.Equal(t, tc.want, got)
		})
	}
}

func TestBridgeNgrams(t *testing.T) {
	t.Parallel()

	// "на запчасти" should produce a bridge trigram spanning the space.
	grams := text.BridgeNgrams("на запчасти", 3)
	require.Contains(t, grams, "на ")
	require.Contains(t, grams, "а з")

	// Non-adjacent occurrence of the same words must not yield the same bridge.
	nonAdjacent := text.BridgeNgrams("на рынке есть запчасти", 3)
	require.NotContains(t, nonAdjacent, "а з")
}

func TestCoverageAndJaccard(t *testing.T) {
	t.Parallel()

	haystack := text.CharNgrams("продаю iphone 15 pro max", 3)
	needle := text.CharNgrams("iphone", 3)
	cov := text.Coverage(needle, haystack)
	require.Greater(t, cov, 0.9)

	require.Zero(t, text.Coverage(map[string]struct{}{}, haystack))
	require.Zero(t, text.JaccardSimilarity(map[string]struct{}{}, haystack))
}

func TestWordShingles(t *testing.T) {
	t.Parallel()

	shingles := text.WordShingles("продаю iphone 15 pro", 2)
	require.Contains(t, shingles, "продаю iphone")
	require.Contains(t, shingles, "15 pro")
	require.NotContains(t, shingles, "продаю 15")

	require.Empty(t, text.WordShingles("одно", 2))
}
