// Package app собирает ядро сопоставления ключевых слов из его частей:
// MTProto-клиент, кэш подписок, каскадный классификатор, журнал идемпотентности,
// очередь уведомлений и разовый backfill истории при старте. Отсюда же
// управляется graceful shutdown в порядке, обратном запуску.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"keyword-subscriber/internal/adapters/cli"
	"keyword-subscriber/internal/adapters/cursorstore"
	"keyword-subscriber/internal/adapters/embedding"
	"keyword-subscriber/internal/adapters/mediastore"
	"keyword-subscriber/internal/adapters/subsstore"
	telegramnotifier "keyword-subscriber/internal/adapters/telegram/notifier"
	"keyword-subscriber/internal/adapters/upstream"
	"keyword-subscriber/internal/domain/album"
	"keyword-subscriber/internal/domain/backfill"
	"keyword-subscriber/internal/domain/enrich"
	"keyword-subscriber/internal/domain/ledger"
	"keyword-subscriber/internal/domain/messages"
	"keyword-subscriber/internal/domain/notify"
	"keyword-subscriber/internal/domain/pipeline"
	"keyword-subscriber/internal/domain/semantic"
	"keyword-subscriber/internal/domain/subscriptions"
	"keyword-subscriber/internal/domain/verifier"
	"keyword-subscriber/internal/infra/config"
	"keyword-subscriber/internal/infra/logger"
)

const shutdownTimeout = 10 * time.Second

// App агрегирует зависимости ядра сопоставления и управляет их жизненным циклом.
type App struct {
	client  *upstream.Client
	cache   *messages.Cache
	subs    *subscriptions.Cache
	ledger  *ledger.Ledger
	notif   *notify.Queue
	album   *album.Assembler
	backfil *backfill.Backfiller
	cursors *cursorstore.Store
	pipe    *pipeline.Pipeline
	cli     *cli.Service

	ctx  context.Context
	stop context.CancelFunc

	clientWG  sync.WaitGroup
	clientErr error
}

// NewApp создаёт пустой каркас приложения. Фактическая сборка выполняется в Init.
func NewApp() *App {
	return &App{}
}

// Init связывает компоненты приложения:
//  1. кэш сообщений, кэш подписок поверх внешнего JSON-хранилища,
//  2. журнал идемпотентности и хранилище курсоров backfill,
//  3. MTProto-клиент (его sink получает остальные зависимости по мере
//     их готовности — события не приходят, пока клиент не запущен в Run),
//  4. внешние сервисы каскада (эмбеддинги, верификатор, обогащение URL),
//  5. очередь уведомлений поверх клиента как транспорта,
//  6. конвейер и его привязка к sink клиента,
//  7. backfill и операторская консоль.
func (a *App) Init(ctx context.Context, stop context.CancelFunc) error {
	logger.Info("app: initializing...")
	a.ctx = ctx
	a.stop = stop

	env := config.Env()

	a.cache = messages.New()

	subsStore := subsstore.New(env.SubscriptionsFile)
	a.subs = subscriptions.New(subsStore, subscriptions.WithTTL(time.Duration(env.SubscriptionCacheTTLSec)*time.Second))

	led, err := ledger.Open(env.LedgerDBFile)
	if err != nil {
		return fmt.Errorf("app: open ledger: %w", err)
	}
	a.ledger = led

	cursors, err := cursorstore.Open(env.CursorDBFile)
	if err != nil {
		return fmt.Errorf("app: open cursor store: %w", err)
	}
	a.cursors = cursors

	sink := &routingSink{cache: a.cache}

	client, err := upstream.New(ctx, sink)
	if err != nil {
		return fmt.Errorf("app: init upstream client: %w", err)
	}
	a.client = client

	a.album = album.New(client, album.WithWindow(time.Duration(env.AlbumWindowMS)*time.Millisecond))
	sink.album = a.album

	embedClient := embedding.New(env.EmbeddingServerURL)
	semMatcher := semantic.New(embedClient)

	verifClient := verifier.New(env.VerifierURL, env.VerifierToken)

	enricher := enrich.New()

	media := mediastore.New(client, env.MediaDir)

	notifyStore, err := notify.NewStore(env.NotifyQueueFile, time.Second)
	if err != nil {
		return fmt.Errorf("app: init notify store: %w", err)
	}
	sender := telegramnotifier.New(client)
	queue, err := notify.New(notify.Options{Sender: sender, Store: notifyStore})
	if err != nil {
		return fmt.Errorf("app: init notify queue: %w", err)
	}
	a.notif = queue

	policy := notify.NewCooldownPolicy(notify.DefaultCooldown)

	pipelineCfg := pipeline.Config{
		LexicalThreshold:     env.LexicalThreshold,
		SemanticPosThreshold: env.SemanticPosThreshold,
		SemanticNegThreshold: env.SemanticNegThreshold,
	}
	pipe := pipeline.New(a.subs, semMatcher, verifClient, a.ledger, enricher, media, policy, a.notif, pipelineCfg)
	sink.pipeline = pipe
	a.pipe = pipe

	a.backfil = backfill.New(client, client, a.cursors, a.cache, a.pipe,
		backfill.WithConfig(backfill.Config{
			Limit:           env.HistoryBackfillLimit,
			PageSize:        backfill.DefaultPageSize,
			InterGroupDelay: time.Duration(env.HistoryInterGroupDelayMS) * time.Millisecond,
			MaxAttempts:     backfill.DefaultMaxAttempts,
		}))

	a.cli = cli.NewService(a.stop, a.subs, a.notif, a.ledger, a.backfil, a.pipe, a.cache, env.VerifierBatchCap)

	return nil
}

// Run стартует все фоновые сервисы и блокирует до завершения контекста
// приложения (сигнал ОС или команда "exit" консоли).
func (a *App) Run() error {
	a.album.Start(a.ctx)
	a.notif.Start(a.ctx)
	a.cli.Start(a.ctx)

	a.clientWG.Add(1)
	go func() {
		defer a.clientWG.Done()
		a.clientErr = a.client.Start(a.ctx, a.onReady)
	}()

	<-a.ctx.Done()
	a.shutdown()

	if a.clientErr != nil && a.ctx.Err() == nil {
		return a.clientErr
	}
	return nil
}

// onReady запускается один раз, сразу после успешного логина: это первый
// момент, когда вызовы апстрима (IterDialogs, FetchHistoryPage) гарантированно
// работают, поэтому разовый backfill стартует отсюда, в своей горутине, чтобы
// не блокировать основной цикл клиента.
func (a *App) onReady(ctx context.Context) {
	logger.Info("app: session ready, starting backfill")
	go func() {
		dialogs, err := a.client.IterDialogs(ctx)
		if err != nil {
			logger.Errorf("app: list dialogs for backfill: %v", err)
			return
		}
		groupIDs := make([]int64, 0, len(dialogs))
		for _, d := range dialogs {
			groupIDs = append(groupIDs, d.GroupID)
		}
		a.backfil.Run(ctx, groupIDs)
	}()
}

// shutdown останавливает сервисы в порядке, обратном запуску: сначала
// консоль и альбомная сборка (источники команд и событий, опирающихся на тот
// же клиент), затем очередь уведомлений (дренирует оставшееся на диск перед
// закрытием), затем сам апстрим-клиент, и в конце — хранилища.
func (a *App) shutdown() {
	logger.Debug("app: shutting down")

	a.cli.Stop()
	a.album.Stop()

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.notif.Close(closeCtx); err != nil {
		logger.Errorf("app: close notify queue: %v", err)
	}

	a.clientWG.Wait()

	if err := a.cursors.Close(); err != nil {
		logger.Errorf("app: close cursor store: %v", err)
	}
	if err := a.ledger.Close(); err != nil {
		logger.Errorf("app: close ledger: %v", err)
	}

	logger.Info("app: shutdown complete")
}
