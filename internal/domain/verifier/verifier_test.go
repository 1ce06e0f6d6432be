package verifier

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"bare array", `[{"is_match":true}]`, `[{"is_match":true}]`},
		{"code fenced", "```json\n[{\"is_match\":true}]\n```", `[{"is_match":true}]`},
		{"surrounded by prose", "Sure, here it is: [{\"is_match\":true}] hope that helps", `[{"is_match":true}]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, extractJSON(tc.in))
		})
	}
}

func TestParseVerdicts_TotalFailureIsNonMatch(t *testing.T) {
	t.Parallel()

	out := parseVerdicts([]byte("not json at all"), 2)
	require.Len(t, out, 2)
	require.False(t, out[0].Match)
	require.False(t, out[1].Match)
}

func TestVerify_ParsesSingleObjectResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"is_match": true, "confidence": 0.9, "prose": "matches"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	v, err := c.Verify(context.Background(), Request{MessageText: "hello"})
	require.NoError(t, err)
	require.True(t, v.Match)
	require.InDelta(t, 0.9, v.Confidence, 1e-9)
}

func TestVerify_ClientErrorReturnsError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	_, err := c.Verify(context.Background(), Request{MessageText: "hello"})
	require.Error(t, err)
}
