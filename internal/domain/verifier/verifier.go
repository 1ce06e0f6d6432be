// Package verifier — клиент внешнего языкового-модельного сервиса, последнего и
// самого дорогого этапа каскада. Отправляет текст сообщения и дескриптор подписки,
// получает структурированный вердикт. Транспорт ретраится с экспоненциальным
// бэкофом через github.com/cenkalti/backoff/v4; разбор ответа терпим к
// code-fenced, голому или слегка повреждённому JSON (см. extractJSON).
//
// Пакет не интерпретирует прозу вердикта — только извлекает структуру.
package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// Request — вход для одной проверки: текст сообщения плюс дескриптор подписки.
type Request struct {
	MessageText             string
	MediaDescriptors        []string
	SubscriptionQuery       string
	SubscriptionDescription string
}

// Verdict — структурированный результат проверки. Пакет не трактует Prose.
type Verdict struct {
	Match               bool
	Confidence          float64
	Prose               string
	MatchedItems        []string
	MatchedPhotoIndices []int
}

// wireVerdict — форма ответа сервиса на проводе.
type wireVerdict struct {
	IsMatch             bool     `json:"is_match"`
	Confidence          float64  `json:"confidence"`
	Prose               string   `json:"prose"`
	MatchedItems        []string `json:"matched_items"`
	MatchedPhotoIndices []int    `json:"matched_photo_indices"`
}

func (w wireVerdict) toVerdict() Verdict {
	return Verdict{
		Match:               w.IsMatch,
		Confidence:          w.Confidence,
		Prose:               w.Prose,
		MatchedItems:        w.MatchedItems,
		MatchedPhotoIndices: w.MatchedPhotoIndices,
	}
}

const (
	// DefaultMaxElapsed ограничивает суммарное время ретраев одной проверки.
	DefaultMaxElapsed = 20 * time.Second
	// DefaultTimeout — таймаут одного HTTP-запроса.
	DefaultTimeout = 10 * time.Second
	// DefaultRPS — сервис верификации самый дорогой этап каскада; по умолчанию
	// ограничиваем его вызовами не чаще этой частоты, независимо от того,
	// сколько кандидатов одновременно проходят screen().
	DefaultRPS   = 5
	DefaultBurst = 5
)

// Client — HTTP-клиент сервиса верификации.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	maxElapsed time.Duration
	limiter    *rate.Limiter
}

// Option настраивает Client при создании.
type Option func(*Client)

// WithHTTPClient подменяет транспорт (используется в тестах с httptest.Server).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithMaxElapsed переопределяет суммарный бюджет времени на ретраи.
func WithMaxElapsed(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.maxElapsed = d
		}
	}
}

// WithRateLimit переопределяет ограничение частоты вызовов Verify/VerifyMany.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps > 0 && burst > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// New создаёт Client для сервиса по адресу baseURL, аутентифицирующийся token'ом.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		maxElapsed: DefaultMaxElapsed,
		limiter:    rate.NewLimiter(rate.Limit(DefaultRPS), DefaultBurst),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Verify отправляет одну проверку. Транспортные ошибки ретраятся с экспоненциальным
// бэкофом в пределах maxElapsed; если сервис так и не ответил, возвращается
// транспортная ошибка — вызывающий конвейер решает, падать ли на lexical-fallback.
// Если сервис ответил, но тело не удаётся разобрать ни в каком виде, это НЕ
// транспортная ошибка: возвращается Verdict{Match: false} без ошибки.
func (c *Client) Verify(ctx context.Context, req Request) (Verdict, error) {
	results, err := c.VerifyMany(ctx, []Request{req})
	if err != nil {
		return Verdict{}, err
	}
	return results[0], nil
}

// VerifyMany отправляет пакет проверок одним запросом и возвращает вердикты по
// индексу входного среза. Используется ретроспективным сканированием, которое
// заранее сортирует и ограничивает число кандидатов, доходящих до верификатора.
func (c *Client) VerifyMany(ctx context.Context, reqs []Request) (map[int]Verdict, error) {
	if len(reqs) == 0 {
		return map[int]Verdict{}, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("verifier: rate limit wait: %w", err)
	}

	var rawBody []byte
	op := func() error {
		body, err := c.doRequest(ctx, reqs)
		if err != nil {
			return err
		}
		rawBody = body
		return nil
	}

	bo := backoff.WithContext(c.retryPolicy(), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, fmt.Errorf("verifier: transport failed after retries: %w", err)
	}

	return parseVerdicts(rawBody, len(reqs)), nil
}

// retryPolicy — экспоненциальный бэкоф, ограниченный по суммарному времени. Число
// попыток не фиксируется напрямую: maxElapsed — более надёжная граница для
// HTTP-вызовов с переменной латентностью, чем число попыток.
func (c *Client) retryPolicy() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.MaxElapsedTime = c.maxElapsed
	return eb
}

func (c *Client) doRequest(ctx context.Context, reqs []Request) ([]byte, error) {
	payload, err := json.Marshal(toWireRequests(reqs))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("verifier: encode request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/verify", bytes.NewReader(payload))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("verifier: build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err // network error: retryable
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("verifier: server error %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, backoff.Permanent(fmt.Errorf("verifier: client error %d", resp.StatusCode))
	}

	return body, nil
}

type wireRequest struct {
	MessageText             string   `json:"message_text"`
	MediaDescriptors        []string `json:"media_descriptors,omitempty"`
	SubscriptionQuery       string   `json:"subscription_query"`
	SubscriptionDescription string   `json:"subscription_description"`
}

func toWireRequests(reqs []Request) []wireRequest {
	out := make([]wireRequest, len(reqs))
	for i, r := range reqs {
		out[i] = wireRequest{
			MessageText:             r.MessageText,
			MediaDescriptors:        r.MediaDescriptors,
			SubscriptionQuery:       r.SubscriptionQuery,
			SubscriptionDescription: r.SubscriptionDescription,
		}
	}
	return out
}

// parseVerdicts разбирает тело ответа (ожидается JSON-массив вердиктов, по одному
// на запрос) с терпимостью к code fences и постороннему тексту вокруг JSON.
// На полной неудаче разбора каждая позиция получает Verdict{Match: false}.
func parseVerdicts(body []byte, n int) map[int]Verdict {
	repaired := extractJSON(string(body))

	var wire []wireVerdict
	if err := json.Unmarshal([]byte(repaired), &wire); err != nil {
		// Возможно, сервис вернул единственный объект, а не массив (один запрос).
		var single wireVerdict
		if n == 1 && json.Unmarshal([]byte(repaired), &single) == nil {
			return map[int]Verdict{0: single.toVerdict()}
		}
		out := make(map[int]Verdict, n)
		for i := 0; i < n; i++ {
			out[i] = Verdict{}
		}
		return out
	}

	out := make(map[int]Verdict, n)
	for i := 0; i < n; i++ {
		if i < len(wire) {
			out[i] = wire[i].toVerdict()
		} else {
			out[i] = Verdict{}
		}
	}
	return out
}

// extractJSON извлекает JSON-подстроку из произвольного ответа модели: снимает
// код-ограждения (```json ... ``` или ``` ... ```) и, если после этого текст всё
// ещё не выглядит как чистый JSON, вырезает всё от первой '[' или '{' до
// последней ']' или '}' соответственно. Возвращает вход как есть, если ничего
// похожего на JSON не найдено — json.Unmarshal тогда сам вернёт ошибку разбора,
// что вызывающий код трактует как полную неудачу.
func extractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	s = stripCodeFence(s)
	s = strings.TrimSpace(s)

	if len(s) == 0 {
		return s
	}
	switch s[0] {
	case '[', '{':
		return s
	}

	if start := strings.IndexByte(s, '['); start >= 0 {
		if end := strings.LastIndexByte(s, ']'); end > start {
			return s[start : end+1]
		}
	}
	if start := strings.IndexByte(s, '{'); start >= 0 {
		if end := strings.LastIndexByte(s, '}'); end > start {
			return s[start : end+1]
		}
	}
	return s
}

// stripCodeFence убирает обрамляющий ``` или ```json код-блок, если он есть.
func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.IndexByte(s, '\n'); idx >= 0 && idx < len("json")+1 {
		s = s[idx+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return s
}
