// Package semantic реализует второй, более дорогой этап каскадного классификатора:
// когда лексический матчер отклоняет пару, а подписка располагает эмбеддингами
// ключевых слов, текст сообщения отправляется во внешний embedding-сервис и
// сравнивается по косинусной близости. Доступность сервиса кэшируется на
// фиксированный интервал (по умолчанию ~60с), чтобы хронически недоступный сервер
// не стопорил обработку каждого сообщения — см. ErrUnreachable.
package semantic

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"
)

// ErrUnreachable возвращается Score, когда embedding-сервис признан недоступным по
// кэшированному результату последней проверки. Вызывающий код (конвейер) должен
// трактовать это как "семантический матчер недоступен в этом окне" и опираться
// только на лексический результат.
var ErrUnreachable = errors.New("semantic: embedding service unreachable")

// EmbeddingService — внешняя зависимость: HTTP-клиент сервера эмбеддингов.
type EmbeddingService interface {
	// Embed возвращает вектор эмбеддинга для произвольного текста.
	Embed(ctx context.Context, text string) ([]float32, error)
	// Healthy выполняет лёгкую проверку доступности сервера (например, ping-эндпоинт).
	Healthy(ctx context.Context) error
}

// KeywordEmbeddings группирует предвычисленные эмбеддинги позитивных и негативных
// ключевых слов одной подписки.
type KeywordEmbeddings struct {
	Positive map[string][]float32
	Negative map[string][]float32
}

// Outcome — результат одного семантического прохода.
type Outcome struct {
	Passed bool
	// Score — сумма насыщенных (saturating) позитивных косинусных близостей.
	Score float64
	// BlockingKeyword непусто, если пара отклонена негативным ключевым словом.
	BlockingKeyword string
}

const (
	// DefaultHealthTTL — по умолчанию результат проверки доступности считается
	// актуальным это время (см. §6 внешних интерфейсов: "кэшировано ~60с").
	DefaultHealthTTL = 60 * time.Second
)

// Matcher оборачивает EmbeddingService кэшем доступности и чистой арифметикой
// косинусной близости. Безопасен для конкурентного использования.
type Matcher struct {
	client EmbeddingService
	ttl    time.Duration
	clock  func() time.Time

	mu          sync.Mutex
	lastChecked time.Time
	lastHealthy bool
	checked     bool
}

// Option настраивает Matcher при создании.
type Option func(*Matcher)

// WithHealthTTL переопределяет интервал кэширования доступности.
func WithHealthTTL(ttl time.Duration) Option {
	return func(m *Matcher) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithClock подменяет источник времени (для детерминированных тестов).
func WithClock(clock func() time.Time) Option {
	return func(m *Matcher) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// New создаёт Matcher поверх переданного EmbeddingService.
func New(client EmbeddingService, opts ...Option) *Matcher {
	m := &Matcher{
		client: client,
		ttl:    DefaultHealthTTL,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Reachable возвращает кэшированную доступность сервиса, обновляя её через
// client.Healthy не чаще одного раза за ttl.
func (m *Matcher) Reachable(ctx context.Context) bool {
	m.mu.Lock()
	now := m.clock()
	if m.checked && now.Sub(m.lastChecked) < m.ttl {
		healthy := m.lastHealthy
		m.mu.Unlock()
		return healthy
	}
	m.mu.Unlock()

	err := m.client.Healthy(ctx)
	healthy := err == nil

	m.mu.Lock()
	m.lastChecked = m.clock()
	m.lastHealthy = healthy
	m.checked = true
	m.mu.Unlock()

	return healthy
}

// Invalidate сбрасывает кэш доступности, заставляя следующий Reachable выполнить
// реальную проверку. Полезно после явного переподключения к embedding-серверу.
func (m *Matcher) Invalidate() {
	m.mu.Lock()
	m.checked = false
	m.mu.Unlock()
}

// Score получает эмбеддинг text и сравнивает его с эмбеддингами ключевых слов
// подписки. Негативное ключевое слово с близостью выше negThreshold немедленно
// отклоняет пару. Иначе насыщенные (не выше posThreshold) позитивные близости
// суммируются; пара проходит, если сумма достигает posThreshold.
//
// Возвращает ErrUnreachable без обращения к Embed, если Reachable(ctx) ложно —
// это то самое "падение на лексику" для недоступного сервиса.
func (m *Matcher) Score(ctx context.Context, message string, kw KeywordEmbeddings, posThreshold, negThreshold float64) (Outcome, error) {
	if !m.Reachable(ctx) {
		return Outcome{}, ErrUnreachable
	}

	vec, err := m.client.Embed(ctx, message)
	if err != nil {
		m.Invalidate()
		return Outcome{}, err
	}

	var (
		negMax     float64
		negKeyword string
	)
	for kwText, emb := range kw.Negative {
		sim := cosineSimilarity(vec, emb)
		if sim > negMax {
			negMax = sim
			negKeyword = kwText
		}
	}
	if negMax > negThreshold {
		return Outcome{Passed: false, BlockingKeyword: negKeyword}, nil
	}

	var posSum float64
	for _, emb := range kw.Positive {
		sim := cosineSimilarity(vec, emb)
		if sim < 0 {
			sim = 0
		}
		if sim > posThreshold {
			sim = posThreshold
		}
		posSum += sim
	}

	return Outcome{Passed: posSum >= posThreshold, Score: posSum}, nil
}

// cosineSimilarity считает косинусную близость между двумя векторами одним проходом
// (скалярное произведение и обе нормы одновременно). Векторы разной длины или
// нулевой нормы дают 0 — не совпадение, а не деление на ноль.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		av := float64(a[i])
		bv := float64(b[i])
		dot += av * bv
		normA += av * av
		normB += bv * bv
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
