package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"keyword-subscriber/internal/domain/pipeline"
	"keyword-subscriber/internal/infra/logger"
)

// warnIfLargeSize — бэклог такого размера уже заслуживает внимания оператора.
const warnIfLargeSize = 1000

// DefaultDrainInterval — по умолчанию отложенная очередь дренируется с этим
// периодом, если не сконфигурирован собственный интервал.
const DefaultDrainInterval = 30 * time.Second

// SendOutcome — результат попытки доставки одного уведомления.
type SendOutcome struct {
	// Retry — стоит повторить попытку позднее (например, временная ошибка транспорта).
	Retry bool
	// PermanentError — уведомление не может быть доставлено этому получателю
	// в принципе (забанен бот, пользователь не начал диалог и т.п.).
	PermanentError error
}

// Sender — транспорт доставки одного уведомления пользователю.
type Sender interface {
	Deliver(ctx context.Context, n pipeline.Notification) (SendOutcome, error)
}

// Options собирает зависимости и параметры Queue.
type Options struct {
	Sender        Sender
	Store         *Store
	DrainInterval time.Duration
	Clock         func() time.Time
}

// Queue реализует pipeline.Dispatcher: Dispatch доставляет немедленно (срочный
// путь), Enqueue откладывает до следующего дренирования. Оба пути персистентны
// и переживают рестарт процесса. Структура напрямую отражает urgent/regular
// устройство очереди рассылок исходной системы.
type Queue struct {
	sender Sender
	store  *Store
	drain  time.Duration
	now    func() time.Time

	mu    sync.Mutex
	state State

	urgentCh chan struct{}
	regularCh chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	runOnce sync.Once
}

// New собирает Queue из Options, восстанавливая состояние с диска. Не
// запускает воркер — для этого вызовите Start.
func New(opts Options) (*Queue, error) {
	if opts.Sender == nil {
		return nil, errors.New("notify: sender is nil")
	}
	if opts.Store == nil {
		return nil, errors.New("notify: store is nil")
	}

	state, err := opts.Store.Load()
	if err != nil {
		return nil, err
	}

	drain := opts.DrainInterval
	if drain <= 0 {
		drain = DefaultDrainInterval
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	return &Queue{
		sender:    opts.Sender,
		store:     opts.Store,
		drain:     drain,
		now:       now,
		state:     state,
		urgentCh:  make(chan struct{}, 1),
		regularCh: make(chan struct{}, 1),
	}, nil
}

// Start запускает воркер и таймер дренирования; повторные вызовы игнорируются.
func (q *Queue) Start(ctx context.Context) {
	q.runOnce.Do(func() {
		q.ctx, q.cancel = context.WithCancel(ctx)
		q.store.Start()
		q.wg.Add(2)
		go q.workerLoop()
		go q.drainTimerLoop()

		q.mu.Lock()
		hasUrgent := len(q.state.Urgent) > 0
		hasRegular := len(q.state.Regular) > 0
		q.mu.Unlock()
		if hasUrgent {
			logger.Infof("notify: restoring %d urgent notification(s) from disk", len(q.state.Urgent))
			q.signalUrgent()
		}
		if hasRegular {
			q.signalRegular()
		}
	})
}

// Close останавливает воркеры и форсирует Flush стора.
func (q *Queue) Close(ctx context.Context) error {
	if q.cancel != nil {
		q.cancel()
	}
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return q.store.Flush(ctx)
}

// Stats — снимок текущих размеров бэклогов очереди, для операторской консоли.
type Stats struct {
	Urgent      int
	Regular     int
	LastFlushAt time.Time
	LastDrainAt time.Time
}

// Stats возвращает текущий снимок состояния очереди.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Urgent:      len(q.state.Urgent),
		Regular:     len(q.state.Regular),
		LastFlushAt: q.state.LastFlushAt,
		LastDrainAt: q.state.LastDrainAt,
	}
}

// FlushNow инициирует внеплановое дренирование отложенной очереди немедленно,
// не дожидаясь следующего тика таймера.
func (q *Queue) FlushNow() {
	q.signalRegular()
}

// Dispatch ставит уведомление в срочную очередь и сразу же сигналит воркеру.
func (q *Queue) Dispatch(ctx context.Context, n pipeline.Notification) error {
	q.enqueue(n, true)
	return nil
}

// Enqueue ставит уведомление в отложенную очередь, доставляемую при следующем
// дренировании.
func (q *Queue) Enqueue(ctx context.Context, n pipeline.Notification) error {
	q.enqueue(n, false)
	return nil
}

func (q *Queue) enqueue(n pipeline.Notification, urgent bool) {
	item := QueuedItem{Payload: n}

	q.mu.Lock()
	item.ID = q.state.NextID
	item.CreatedAt = q.now().UTC()
	q.state.NextID++

	var size int
	if urgent {
		q.state.Urgent = append(q.state.Urgent, item)
		size = len(q.state.Urgent)
	} else {
		q.state.Regular = append(q.state.Regular, item)
		size = len(q.state.Regular)
	}
	q.state.LastFlushAt = q.now().UTC()
	q.store.SchedulePersist(q.state.Clone())
	q.mu.Unlock()

	if size >= warnIfLargeSize {
		logger.Warnf("notify: %s backlog reached %d item(s)", backlogName(urgent), size)
	}
	if urgent {
		q.signalUrgent()
	}
}

func backlogName(urgent bool) string {
	if urgent {
		return "urgent"
	}
	return "regular"
}

func (q *Queue) signalUrgent() {
	select {
	case q.urgentCh <- struct{}{}:
	default:
	}
}

func (q *Queue) signalRegular() {
	select {
	case q.regularCh <- struct{}{}:
	default:
	}
}

// drainTimerLoop периодически сигналит дренирование отложенной очереди.
func (q *Queue) drainTimerLoop() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.drain)
	defer ticker.Stop()
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			q.signalRegular()
		}
	}
}

// workerLoop — главный цикл доставки: приоритет завершению контекста, затем
// срочным уведомлениям, затем дренированию отложенных.
func (q *Queue) workerLoop() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.urgentCh:
			q.drainUrgent()
		case <-q.regularCh:
			q.drainRegular()
		}
	}
}

func (q *Queue) drainUrgent() {
	for {
		item, ok := q.pop(true)
		if !ok {
			return
		}
		if q.deliver(item, true) {
			return
		}
	}
}

func (q *Queue) drainRegular() {
	for {
		if item, ok := q.pop(true); ok {
			if q.deliver(item, true) {
				return
			}
			continue
		}
		item, ok := q.pop(false)
		if !ok {
			q.mu.Lock()
			q.state.LastDrainAt = q.now().UTC()
			q.store.SchedulePersist(q.state.Clone())
			q.mu.Unlock()
			return
		}
		if q.deliver(item, false) {
			return
		}
	}
}

func (q *Queue) pop(urgent bool) (QueuedItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	list := &q.state.Regular
	if urgent {
		list = &q.state.Urgent
	}
	if len(*list) == 0 {
		return QueuedItem{}, false
	}
	item := (*list)[0]
	*list = (*list)[1:]
	q.store.SchedulePersist(q.state.Clone())
	return item, true
}

// deliver вызывает Sender и решает, нужно ли прервать текущее дренирование
// (requeue при временной ошибке/отмене контекста). Возвращает true, если
// дренирование было прервано.
func (q *Queue) deliver(item QueuedItem, urgent bool) bool {
	outcome, err := q.sender.Deliver(q.ctx, item.Payload)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			q.requeueFront(item, urgent)
			return true
		}
		logger.Errorf("notify: delivery error for item %d: %v", item.ID, err)
		q.requeueFront(item, urgent)
		return true
	}
	if outcome.Retry {
		logger.Warnf("notify: sender requested retry for item %d", item.ID)
		q.requeueFront(item, urgent)
		return true
	}
	if outcome.PermanentError != nil {
		logger.Errorf("notify: item %d permanently undeliverable: %v", item.ID, outcome.PermanentError)
	}
	return false
}

func (q *Queue) requeueFront(item QueuedItem, urgent bool) {
	q.mu.Lock()
	if urgent {
		q.state.Urgent = append([]QueuedItem{item.Clone()}, q.state.Urgent...)
	} else {
		q.state.Regular = append([]QueuedItem{item.Clone()}, q.state.Regular...)
	}
	q.store.SchedulePersist(q.state.Clone())
	q.mu.Unlock()

	if urgent {
		q.signalUrgent()
	}
}
