// Package album ассемблирует фрагменты одного логического поста, разнесённые
// апстримом на несколько сообщений с общим album-id. Фрагменты приходят вперемешку
// в коротком окне (обычно ≤2с); альбом считается завершённым при первом же
// замеченном фрагменте — остальные лишь подтверждают дедупликацию. Таблица
// "уже обработанных" album-id выселяется по TTL фоновой горутиной, тем же приёмом,
// что и TTL-карта дедупликации сообщений в инфраструктурном слое.
package album

import (
	"context"
	"sync"
	"time"

	"keyword-subscriber/internal/domain/messages"
)

// DefaultWindow — окно, после которого запись album-id считается устаревшей и
// подлежит выселению (см. §4.7: "evicted after a 30-second window").
const DefaultWindow = 30 * time.Second

// Fragment — один кусок альбома, каким его возвращает апстрим.
type Fragment struct {
	Caption string
	Media   []messages.Media
}

// Assembled — результат сборки: единое сообщение из всех фрагментов альбома.
type Assembled struct {
	Text  string
	Media []messages.Media
}

// FragmentFetcher получает все фрагменты альбома одним вызовом апстрима.
type FragmentFetcher interface {
	FetchAlbumFragments(ctx context.Context, groupID, albumID int64) ([]Fragment, error)
}

// Assembler отслеживает, какие album-id уже обработаны, и собирает первый
// встреченный фрагмент каждого альбома в единое сообщение.
type Assembler struct {
	fetcher FragmentFetcher
	window  time.Duration
	clock   func() time.Time

	mu   sync.Mutex
	seen map[int64]time.Time

	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Option настраивает Assembler при создании.
type Option func(*Assembler)

// WithWindow переопределяет окно выселения album-id.
func WithWindow(d time.Duration) Option {
	return func(a *Assembler) {
		if d > 0 {
			a.window = d
		}
	}
}

// WithClock подменяет источник времени (для детерминированных тестов).
func WithClock(clock func() time.Time) Option {
	return func(a *Assembler) {
		if clock != nil {
			a.clock = clock
		}
	}
}

// New создаёт Assembler поверх fetcher.
func New(fetcher FragmentFetcher, opts ...Option) *Assembler {
	a := &Assembler{
		fetcher: fetcher,
		window:  DefaultWindow,
		clock:   time.Now,
		seen:    make(map[int64]time.Time),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start запускает фоновую горутину выселения устаревших записей. Идемпотентен
// относительно повторного Stop, но повторный Start после Stop не предусмотрен —
// как и у родственных TTL-таблиц в этом кодовом слое, Assembler одноразовый.
func (a *Assembler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.wg.Add(1)
	go a.sweepLoop(ctx)
}

// Stop останавливает фоновую горутину выселения и ждёт её завершения.
func (a *Assembler) Stop() {
	a.stopOnce.Do(func() {
		if a.cancel != nil {
			a.cancel()
		}
		a.wg.Wait()
	})
}

func (a *Assembler) sweepLoop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sweep()
		}
	}
}

func (a *Assembler) sweep() {
	cutoff := a.clock().Add(-a.window)
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, at := range a.seen {
		if at.Before(cutoff) {
			delete(a.seen, id)
		}
	}
}

// Process обрабатывает один входящий фрагмент с albumID. Если albumID уже замечен
// в пределах окна, возвращает (Assembled{}, false, nil) — второе значение "first",
// и вызывающий код должен отбросить фрагмент без дальнейшей обработки. Иначе
// запись фиксируется по времени, запрашиваются все фрагменты альбома одним
// вызовом, медиа конкатенируются в порядке фрагментов, а текстом становится
// первая непустая подпись среди фрагментов.
func (a *Assembler) Process(ctx context.Context, groupID, albumID int64) (Assembled, bool, error) {
	a.mu.Lock()
	if _, ok := a.seen[albumID]; ok {
		a.mu.Unlock()
		return Assembled{}, false, nil
	}
	a.seen[albumID] = a.clock()
	a.mu.Unlock()

	fragments, err := a.fetcher.FetchAlbumFragments(ctx, groupID, albumID)
	if err != nil {
		return Assembled{}, true, err
	}

	assembled := Assembled{}
	for _, f := range fragments {
		if assembled.Text == "" && f.Caption != "" {
			assembled.Text = f.Caption
		}
		assembled.Media = append(assembled.Media, f.Media...)
	}
	return assembled, true, nil
}
