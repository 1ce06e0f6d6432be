package enrich_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"keyword-subscriber/internal/domain/enrich"
)

func TestIsURLOnly(t *testing.T) {
	t.Parallel()

	urls, ok := enrich.IsURLOnly("https://example.com/some-article")
	require.True(t, ok)
	require.Len(t, urls, 1)

	_, ok = enrich.IsURLOnly("check this out https://example.com/some-article it's amazing")
	require.False(t, ok)

	_, ok = enrich.IsURLOnly("no links here at all")
	require.False(t, ok)
}

func TestEnrich_NonURLOnlyPassesThrough(t *testing.T) {
	t.Parallel()

	f := enrich.New()
	text := "Продаю iPhone 15 Pro, отличное состояние"
	out, ok := f.Enrich(context.Background(), text)
	require.True(t, ok)
	require.Equal(t, text, out)
}

func TestEnrich_FetchesAndSubstitutes(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><head><title>Selling an iPhone 15 Pro</title>
<meta name="description" content="A great phone for sale"></head>
<body><article><p>Selling an iPhone 15 Pro, barely used, great condition.</p></article></body></html>`))
	}))
	defer srv.Close()

	f := enrich.New()
	out, ok := f.Enrich(context.Background(), srv.URL)
	require.True(t, ok)
	require.Contains(t, out, "iPhone 15 Pro")
}

func TestEnrich_AllFetchesFailSkipsMessage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := enrich.New()
	_, ok := f.Enrich(context.Background(), srv.URL)
	require.False(t, ok, "every fetch failing must signal the message should be skipped entirely")
}
