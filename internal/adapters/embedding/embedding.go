// Package embedding — HTTP-клиент внешнего сервиса эмбеддингов, реализующий
// semantic.EmbeddingService. Транспорт ретраится тем же способом, что и клиент
// верификатора: экспоненциальный бэкоф с общим бюджетом времени на попытку, без
// отдельного лимита числа попыток.
package embedding

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
)

const (
	// DefaultMaxElapsed ограничивает суммарное время ретраев одного запроса.
	DefaultMaxElapsed = 10 * time.Second
	// DefaultTimeout — таймаут одного HTTP-запроса.
	DefaultTimeout = 5 * time.Second
)

// Client — HTTP-клиент сервера эмбеддингов.
type Client struct {
	httpClient *http.Client
	baseURL    string
	maxElapsed time.Duration
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

// New создаёт Client для сервиса по адресу baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		maxElapsed: DefaultMaxElapsed,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type embedRequest struct {
	Text string `json:"text"`
}

type embedResponse struct {
	Vector []float32 `json:"vector"`
}

// Embed возвращает вектор эмбеддинга text. Транспортные и серверные ошибки
// ретраятся с экспоненциальным бэкофом в пределах maxElapsed.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	var vector []float32
	op := func() error {
		v, err := c.doEmbed(ctx, text)
		if err != nil {
			return err
		}
		vector = v
		return nil
	}

	bo := backoff.WithContext(c.retryPolicy(), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, fmt.Errorf("embedding: transport failed after retries: %w", err)
	}
	return vector, nil
}

// Healthy выполняет лёгкую проверку доступности сервера, без ретраев: вызывающий
// код (semantic.Matcher) сам решает, как часто перепроверять и как кэшировать.
func (c *Client) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("embedding: build health request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("embedding: health check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("embedding: health check returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) retryPolicy() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.MaxElapsedTime = c.maxElapsed
	return eb
}

func (c *Client) doEmbed(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(embedRequest{Text: text})
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("embedding: encode request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed", bytes.NewReader(payload))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("embedding: build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

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
		return nil, fmt.Errorf("embedding: server error %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, backoff.Permanent(fmt.Errorf("embedding: client error %d", resp.StatusCode))
	}

	var wire embedResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("embedding: decode response: %w", err))
	}
	return wire.Vector, nil
}
