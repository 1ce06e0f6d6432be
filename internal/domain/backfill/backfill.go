// Package backfill реализует разовый проход по истории каждой группы при
// старте процесса: тянет сообщения страницами, прогоняет каждое через тот же
// каскад сопоставления, что и живые события (см. Processor), сохраняет курсор
// после каждой успешно полученной страницы (рестарт продолжает с места
// останова, а не с начала), обходит темы форума по отдельности, и помечает
// группу готовой для ретроспективного поиска, когда её проход завершён (в том
// числе если отдельные темы прерваны ошибкой); проход, прерванный отменой
// контекста, группу готовой не помечает.
// Ошибки троттлинга не
// расходуют бюджет попыток ретраев — это единственный вид ошибки, который не
// продвигает экспоненциальный бэкофф; прочие транзитные ошибки продвигают
// бэкофф и инициируют переподключение перед следующей попыткой; перманентные
// прерывают текущую тему и переходят к следующей.
package backfill

import (
	"context"
	"errors"
	"time"

	"keyword-subscriber/internal/domain/messages"
	"keyword-subscriber/internal/infra/logger"
	"keyword-subscriber/internal/infra/throttle"
)

const (
	// DefaultLimit — по умолчанию читается не более этого числа сообщений на
	// группу за весь backfill.
	DefaultLimit = 1000
	// DefaultPageSize — размер одной страницы истории.
	DefaultPageSize = 100
	// DefaultInterGroupDelay — пауза между группами, чтобы не исчерпать лимиты
	// запросов Telegram одним резким залпом при старте.
	DefaultInterGroupDelay = 2 * time.Second
	// DefaultMaxAttempts — лимит повторных попыток одной страницы после
	// транзитной ошибки (троттлинг не считается): тема прерывается на
	// DefaultMaxAttempts+1-й подряд транзитной ошибке вместо бесконечных ретраев.
	DefaultMaxAttempts = 10
	// throttleRate — номинальный темп запросов страниц истории; реальную
	// паузу между попытками диктует не токен-бакет, а экспоненциальный
	// бэкофф троттлера и явные указания подождать из ошибок троттлинга.
	throttleRate = 20
)

// RateLimited — ошибки апстрима, требующие подождать конкретное время и
// повторить запрос без учёта в бюджете попыток (flood-wait).
type RateLimited interface {
	RetryAfter() time.Duration
}

// Permanent — ошибки апстрима, не имеющие смысла повторять (невалидный канал,
// доступ отозван и т.п.): тема пропускается целиком.
type Permanent interface {
	Permanent() bool
}

// Source — апстрим-зависимость: постраничное чтение истории и список тем форума.
type Source interface {
	// FetchHistoryPage возвращает до limit сообщений группы topicID (0 — вне
	// форумных тем, весь групповой чат), старше beforeMessageID (0 — начиная с
	// самого нового). Пустой срез без ошибки означает "история исчерпана".
	FetchHistoryPage(ctx context.Context, groupID, topicID, beforeMessageID int64, limit int) ([]messages.Message, error)
	// ListTopics возвращает идентификаторы тем форума группы; для обычной
	// группы (не форума) возвращает nil без ошибки.
	ListTopics(ctx context.Context, groupID int64) ([]int64, error)
}

// Reconnector восстанавливает сессию апстрима после транзитной ошибки
// соединения, перед очередной попыткой.
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

// CursorStore — персистентный курсор возобновления на пару (группа, тема).
type CursorStore interface {
	LoadCursor(groupID, topicID int64) (messageID int64, ok bool, err error)
	SaveCursor(groupID, topicID, messageID int64) error
}

// Processor прогоняет одно архивное сообщение через тот же каскад
// сопоставления, что и живые события апстрима — см. pipeline.Pipeline.Process.
// Ошибка возвращается только для сбоев инфраструктуры; отказ конкретной
// подписки никогда не всплывает как ошибка (тот же контракт, что у Process).
type Processor interface {
	Process(ctx context.Context, msg messages.Message) error
}

// Config настраивает пороги Backfiller.
type Config struct {
	Limit           int
	PageSize        int
	InterGroupDelay time.Duration
	MaxAttempts     int
}

// DefaultConfig возвращает пороги по умолчанию.
func DefaultConfig() Config {
	return Config{
		Limit:           DefaultLimit,
		PageSize:        DefaultPageSize,
		InterGroupDelay: DefaultInterGroupDelay,
		MaxAttempts:     DefaultMaxAttempts,
	}
}

// Backfiller проводит разовый проход по истории списка групп.
type Backfiller struct {
	source      Source
	reconnector Reconnector
	cursors     CursorStore
	cache       *messages.Cache
	processor   Processor
	cfg         Config
	sleep       func(ctx context.Context, d time.Duration) error
}

// Option настраивает Backfiller при создании.
type Option func(*Backfiller)

// WithConfig переопределяет пороги по умолчанию.
func WithConfig(cfg Config) Option {
	return func(b *Backfiller) { b.cfg = cfg }
}

// WithSleep подменяет функцию ожидания между группами (для детерминированных
// тестов — не дожидаться реального времени).
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(b *Backfiller) {
		if sleep != nil {
			b.sleep = sleep
		}
	}
}

// New создаёт Backfiller. reconnector может быть nil, если апстрим не требует
// явного переподключения между попытками. processor прогоняет каждое архивное
// сообщение через тот же каскад, что и живые события (см. Processor).
func New(source Source, reconnector Reconnector, cursors CursorStore, cache *messages.Cache, processor Processor, opts ...Option) *Backfiller {
	b := &Backfiller{
		source:      source,
		reconnector: reconnector,
		cursors:     cursors,
		cache:       cache,
		processor:   processor,
		cfg:         DefaultConfig(),
		sleep:       ctxSleep,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run обходит groupIDs по очереди, с паузой InterGroupDelay между ними.
// Ошибка одной группы не прерывает обход остальных — она логируется и обход
// продолжается со следующей группы.
func (b *Backfiller) Run(ctx context.Context, groupIDs []int64) {
	for i, groupID := range groupIDs {
		if ctx.Err() != nil {
			return
		}
		b.replayGroup(ctx, groupID)
		if ctx.Err() != nil {
			return
		}
		b.cache.MarkReady(groupID)

		if i < len(groupIDs)-1 {
			if err := b.sleep(ctx, b.cfg.InterGroupDelay); err != nil {
				return
			}
		}
	}
}

// replayGroup обходит все темы группы (либо единственную псевдо-тему 0 для
// не-форумных групп) и реплеит историю каждой до исчерпания или Limit.
func (b *Backfiller) replayGroup(ctx context.Context, groupID int64) {
	topics, err := b.source.ListTopics(ctx, groupID)
	if err != nil {
		logger.Warnf("backfill: list topics for group %d: %v", groupID, err)
		topics = nil
	}
	if len(topics) == 0 {
		topics = []int64{0}
	}

	read := 0
	for _, topicID := range topics {
		n, err := b.replayTopic(ctx, groupID, topicID, b.cfg.Limit-read)
		read += n
		if err != nil {
			logger.Warnf("backfill: group %d topic %d: %v", groupID, topicID, err)
			continue
		}
		if read >= b.cfg.Limit {
			break
		}
	}
}

// stopError оборачивает перманентную ошибку апстрима, чтобы троттлер прекратил
// ретраи немедленно (реализует throttle.StopRetryer).
type stopError struct{ err error }

func (s stopError) Error() string   { return s.err.Error() }
func (s stopError) StopRetry() bool { return true }
func (s stopError) Unwrap() error   { return s.err }

// replayTopic тянет страницы истории одной темы начиная с сохранённого курсора,
// используя общий троттлер для пагинга retry-after и экспоненциального
// бэкоффа транзитных ошибок.
func (b *Backfiller) replayTopic(ctx context.Context, groupID, topicID int64, remaining int) (int, error) {
	if remaining <= 0 {
		return 0, nil
	}

	cursor, _, err := b.cursors.LoadCursor(groupID, topicID)
	if err != nil {
		logger.Warnf("backfill: load cursor for group %d topic %d: %v", groupID, topicID, err)
	}

	th := throttle.New(throttleRate,
		throttle.WithMaxRetries(b.cfg.MaxAttempts),
		throttle.WithWaitExtractors(rateLimitWaitExtractor),
	)
	th.Start(ctx)
	defer th.Stop()

	read := 0
	needsReconnect := false

	for read < remaining {
		if ctx.Err() != nil {
			return read, ctx.Err()
		}

		pageSize := b.cfg.PageSize
		if remaining-read < pageSize {
			pageSize = remaining - read
		}

		var page []messages.Message
		fetch := func() error {
			if needsReconnect {
				needsReconnect = false
				if b.reconnector != nil {
					if rerr := b.reconnector.Reconnect(ctx); rerr != nil {
						logger.Warnf("backfill: reconnect after error for group %d: %v", groupID, rerr)
					}
				}
			}
			p, ferr := b.source.FetchHistoryPage(ctx, groupID, topicID, cursor, pageSize)
			if ferr != nil {
				if isPermanent(ferr) {
					return stopError{ferr}
				}
				if _, rateLimited := asRateLimited(ferr); !rateLimited {
					needsReconnect = true
				}
				return ferr
			}
			page = p
			return nil
		}

		if doErr := th.Do(ctx, fetch); doErr != nil {
			return read, doErr
		}

		if len(page) == 0 {
			return read, nil
		}
		for _, m := range page {
			b.cache.Upsert(m)
			if err := b.processor.Process(ctx, m); err != nil {
				logger.Warnf("backfill: process message %d in group %d topic %d: %v", m.ID, groupID, topicID, err)
			}
			cursor = m.ID
			read++
		}
		if err := b.cursors.SaveCursor(groupID, topicID, cursor); err != nil {
			logger.Warnf("backfill: save cursor for group %d topic %d: %v", groupID, topicID, err)
		}
	}
	return read, nil
}

func rateLimitWaitExtractor(err error) (time.Duration, bool) {
	if rl, ok := asRateLimited(err); ok {
		return rl.RetryAfter(), true
	}
	return 0, false
}

func asRateLimited(err error) (RateLimited, bool) {
	var rl RateLimited
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

func isPermanent(err error) bool {
	var p Permanent
	if errors.As(err, &p) {
		return p.Permanent()
	}
	return false
}
