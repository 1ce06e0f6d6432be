// Package subscriptions хранит модель подписки и per-group кэш с TTL-обновлением
// поверх внешнего хранилища подписок. Частота сообщений в популярной группе
// измеряется сотнями в минуту — поэтому обращение к хранилищу на каждое сообщение
// недопустимо, а единственный писатель кэша — сам Cache, обновляющий запись под
// коротким мьютексом (см. внутреннюю инвариантность RWMutex-снапшота, как у
// RWMutex-движка фильтров, на который этот пакет ориентируется).
package subscriptions

import (
	"context"
	"sync"
	"time"
)

// Subscription — хранимый запрос, принадлежащий одному пользователю.
type Subscription struct {
	ID     int64
	UserID int64

	// Query — исходная формулировка пользователя ("продаю iphone 15 в белграде").
	Query string

	PositiveKeywords []string
	NegativeKeywords []string
	Description      string

	// PositiveEmbeddings/NegativeEmbeddings — по одному вектору на ключевое слово,
	// генерируются один раз на ревизию набора ключевых слов; могут быть пустыми,
	// если подписка ещё не прошла эмбеддинг.
	PositiveEmbeddings map[string][]float32
	NegativeEmbeddings map[string][]float32

	Active   bool
	GroupIDs []int64
}

// AppliesToGroup сообщает, входит ли groupID в список групп подписки — подписка
// является кандидатом для сообщения только если этот список его содержит.
func (s Subscription) AppliesToGroup(groupID int64) bool {
	for _, g := range s.GroupIDs {
		if g == groupID {
			return true
		}
	}
	return false
}

// Store — источник истины для подписок, внешний по отношению к этому пакету
// (администрируется внешней поверхностью управления).
type Store interface {
	ListByGroup(ctx context.Context, groupID int64) ([]Subscription, error)
}

// DefaultTTL — по умолчанию запись кэша считается свежей это время (см. §4.5).
const DefaultTTL = time.Minute

type cacheEntry struct {
	subs        []Subscription
	refreshedAt time.Time
}

// Cache — per-group список активных подписок с TTL-обновлением и явной
// инвалидацией. Безопасен для конкурентного использования.
type Cache struct {
	store Store
	ttl   time.Duration
	clock func() time.Time

	mu      sync.RWMutex
	entries map[int64]cacheEntry
}

// Option настраивает Cache при создании.
type Option func(*Cache)

// WithTTL переопределяет время жизни записи кэша.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock подменяет источник времени (для детерминированных тестов).
func WithClock(clock func() time.Time) Option {
	return func(c *Cache) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// New создаёт Cache поверх store.
func New(store Store, opts ...Option) *Cache {
	c := &Cache{
		store:   store,
		ttl:     DefaultTTL,
		clock:   time.Now,
		entries: make(map[int64]cacheEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get возвращает список подписок для groupID. Промах кэша или запись старше TTL
// вызывает повторный запрос к store; результат кэшируется перед возвратом.
func (c *Cache) Get(ctx context.Context, groupID int64) ([]Subscription, error) {
	if subs, ok := c.fresh(groupID); ok {
		return subs, nil
	}

	subs, err := c.store.ListByGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[groupID] = cacheEntry{subs: subs, refreshedAt: c.clock()}
	c.mu.Unlock()

	return subs, nil
}

func (c *Cache) fresh(groupID int64) ([]Subscription, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[groupID]
	if !ok {
		return nil, false
	}
	if c.clock().Sub(entry.refreshedAt) >= c.ttl {
		return nil, false
	}
	return entry.subs, true
}

// Invalidate очищает все записи кэша. Следующий Get для любой группы перечитает
// store. Используется внешней поверхностью, изменяющей подписки.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.entries = make(map[int64]cacheEntry)
	c.mu.Unlock()
}
