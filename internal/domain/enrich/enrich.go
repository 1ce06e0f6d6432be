// Package enrich подменяет текст "URL-only" сообщений (тех, где после удаления
// ссылок остаётся меньше десяти символов содержимого) извлечённым текстом
// страницы: заголовок, meta-описание и статья без скриптов/стилей/навигации.
// Оригинальный текст сохраняется для отображения — подмена нужна только для
// сопоставления. Если ни один из первых двух URL не удалось получить, сообщение
// должно быть пропущено целиком (см. Enrich, второй возврат).
package enrich

import (
	"bytes"
	"context"
	"io"
	"net/http"
	nurl "net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"
)

const (
	// maxURLs — сколько первых ссылок в тексте пытаемся получить.
	maxURLs = 2
	// urlOnlyThreshold — порог "URL-only": меньше этого числа символов контента
	// после вычитания ссылок считается отсутствием собственного текста.
	urlOnlyThreshold = 10
	// maxContentBytes ограничивает объём читаемого тела страницы на один URL.
	maxContentBytes = 512 * 1024
	// maxTotalChars ограничивает суммарную длину подставляемого текста.
	maxTotalChars = 4000
	// DefaultTimeout — таймаут на один HTTP-запрос.
	DefaultTimeout = 8 * time.Second
)

var urlPattern = regexp.MustCompile(`https?://\S+`)

// fetchStatusError — страница ответила, но статусом ошибки; в отличие от сетевого
// сбоя, это решённый факт "контента нет", а не временная проблема.
type fetchStatusError struct{ status int }

func (e fetchStatusError) Error() string {
	return "enrich: unexpected status " + http.StatusText(e.status)
}

// ExtractURLs возвращает все URL, найденные в тексте, в порядке появления.
func ExtractURLs(text string) []string {
	return urlPattern.FindAllString(text, -1)
}

// stripURLs удаляет все вхождения URL из текста.
func stripURLs(text string) string {
	return urlPattern.ReplaceAllString(text, "")
}

// IsURLOnly сообщает, является ли текст "URL-only": содержит хотя бы один URL, а
// остаток после его вычитания короче urlOnlyThreshold символов. Возвращает
// найденные URL вместе с решением.
func IsURLOnly(text string) (urls []string, ok bool) {
	urls = ExtractURLs(text)
	if len(urls) == 0 {
		return nil, false
	}
	remainder := strings.TrimSpace(stripURLs(text))
	return urls, utf8.RuneCountInString(remainder) < urlOnlyThreshold
}

// Fetcher получает и извлекает читаемый текст веб-страниц.
type Fetcher struct {
	client  *http.Client
	timeout time.Duration
}

// Option настраивает Fetcher при создании.
type Option func(*Fetcher)

// WithHTTPClient подменяет HTTP-транспорт.
func WithHTTPClient(hc *http.Client) Option {
	return func(f *Fetcher) {
		if hc != nil {
			f.client = hc
		}
	}
}

// WithTimeout переопределяет таймаут одного запроса.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// New создаёт Fetcher.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{client: http.DefaultClient, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Enrich проверяет, является ли text "URL-only", и если да — заменяет его текстом,
// извлечённым из первых maxURLs ссылок. Второй возврат false означает "сообщение
// нужно полностью пропустить" (ни одна ссылка не была получена); в этом случае
// первый возврат не имеет значения. Для текста, не являющегося URL-only, Enrich
// возвращает исходный текст без изменений и true.
func (f *Fetcher) Enrich(ctx context.Context, text string) (string, bool) {
	urls, urlOnly := IsURLOnly(text)
	if !urlOnly {
		return text, true
	}
	if len(urls) > maxURLs {
		urls = urls[:maxURLs]
	}

	var parts []string
	for _, u := range urls {
		page, err := f.fetchOne(ctx, u)
		if err != nil || page == "" {
			continue
		}
		parts = append(parts, page)
	}
	if len(parts) == 0 {
		return "", false
	}

	combined := strings.Join(parts, "\n\n")
	if len(combined) > maxTotalChars {
		combined = combined[:maxTotalChars]
	}
	return combined, true
}

// fetchOne скачивает страницу по адресу rawURL (ограниченные таймаут и объём),
// вырезает скрипты/стили/навигацию через goquery и извлекает текст статьи через
// go-readability; возвращает заголовок, meta-описание и текст статьи, склеенные
// через перенос строки.
func (f *Fetcher) fetchOne(ctx context.Context, rawURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return "", fetchStatusError{status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxContentBytes))
	if err != nil {
		return "", err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, nav, noscript").Remove()

	title := strings.TrimSpace(doc.Find("title").First().Text())
	metaDescription, _ := doc.Find(`meta[name="description"]`).Attr("content")
	metaDescription = strings.TrimSpace(metaDescription)

	parsedURL, err := nurl.Parse(rawURL)
	if err != nil {
		parsedURL = &nurl.URL{}
	}
	article, err := readability.FromReader(bytes.NewReader(body), parsedURL)
	articleText := ""
	if err == nil {
		articleText = strings.TrimSpace(article.TextContent)
	}

	var b strings.Builder
	for _, s := range []string{title, metaDescription, articleText} {
		if s == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(s)
	}
	return b.String(), nil
}
