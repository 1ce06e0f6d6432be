package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"keyword-subscriber/internal/infra/logger"
	"keyword-subscriber/internal/infra/storage"
)

// flushRequest используется для синхронного завершения отложенной записи.
type flushRequest struct {
	reply chan error
}

// Store — фоновый сервис персиста состояния очереди в JSON: атомарная запись,
// дебаунс (чтобы не молотить диск при бурстах совпадений) и неблокирующий
// backpressure — в канале обновлений держится только самый свежий снапшот.
type Store struct {
	path     string
	debounce time.Duration

	updates chan State
	flushCh chan flushRequest
	stopCh  chan struct{}
	doneCh  chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
	errMu     sync.Mutex
	finalErr  error
}

// DefaultDebounce — интервал по умолчанию между персистами при частых обновлениях.
const DefaultDebounce = 500 * time.Millisecond

// NewStore подготавливает файловое хранилище по path, создавая его с
// DefaultState(), если оно ещё не существует или повреждено. Не запускает фон;
// для этого вызовите Start().
func NewStore(path string, debounce time.Duration) (*Store, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	clean := filepath.Clean(path)
	if _, err := ensureStateFile(clean); err != nil {
		return nil, err
	}
	return &Store{
		path:     clean,
		debounce: debounce,
		updates:  make(chan State, 1),
		flushCh:  make(chan flushRequest),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

func ensureStateFile(path string) (State, error) {
	raw, errRead := os.ReadFile(path)
	if os.IsNotExist(errRead) || len(raw) == 0 {
		st := DefaultState()
		return st, writeStateFile(path, st)
	}
	if errRead != nil {
		return DefaultState(), fmt.Errorf("notify: read state: %w", errRead)
	}

	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		logger.Warnf("notify: corrupt state file %s, resetting: %v", path, err)
		st = DefaultState()
		return st, writeStateFile(path, st)
	}
	if st.NextID <= 0 {
		st.NextID = 1
	}
	return st, nil
}

func writeStateFile(path string, st State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("notify: encode state: %w", err)
	}
	return storage.AtomicWriteFile(path, data)
}

// Start запускает фоновую горутину персиста. Повторные вызовы игнорируются.
func (s *Store) Start() {
	s.startOnce.Do(func() { go s.loop() })
}

// Load возвращает текущий снимок состояния, леча файл при повреждении.
func (s *Store) Load() (State, error) {
	return ensureStateFile(s.path)
}

// SchedulePersist ставит state на запись в фоне; устаревший необработанный
// снапшот в буфере заменяется более свежим, чтобы не копить бэклог записей.
func (s *Store) SchedulePersist(state State) {
	clone := state.Clone()
	for {
		select {
		case <-s.stopCh:
			return
		case s.updates <- clone:
			return
		default:
			select {
			case <-s.stopCh:
				return
			case <-s.updates:
			default:
			}
		}
	}
}

// Flush блокируется до завершения последней отложенной записи или отмены ctx.
func (s *Store) Flush(ctx context.Context) error {
	req := flushRequest{reply: make(chan error, 1)}
	select {
	case <-s.stopCh:
		return errors.New("notify: store is closed")
	case s.flushCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close останавливает фоновую запись и дожидается завершения.
func (s *Store) Close(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.stopCh) })
	select {
	case <-s.doneCh:
		return s.finalError()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) loop() {
	defer close(s.doneCh)
	var (
		pending *State
		timer   *time.Timer
		timerC  <-chan time.Time
	)

	for {
		select {
		case state := <-s.updates:
			pending = &state
			if timer == nil {
				timer = time.NewTimer(s.debounce)
				timerC = timer.C
			} else {
				stopAndDrainTimer(timer)
				timer.Reset(s.debounce)
			}

		case <-timerC:
			s.consumePending(&pending)
			timerC = nil
			timer = nil

		case req := <-s.flushCh:
			if timer != nil {
				stopAndDrainTimer(timer)
				timer = nil
				timerC = nil
			}
			req.reply <- s.consumePending(&pending)

		case <-s.stopCh:
			stopAndDrainTimer(timer)
			s.consumePending(&pending)
			return
		}
	}
}

func stopAndDrainTimer(t *time.Timer) {
	if t == nil {
		return
	}
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func (s *Store) consumePending(pending **State) error {
	if *pending == nil {
		return nil
	}
	err := writeStateFile(s.path, **pending)
	if err != nil {
		s.setFinalErr(err)
	}
	*pending = nil
	return err
}

func (s *Store) setFinalErr(err error) {
	s.errMu.Lock()
	if s.finalErr == nil {
		s.finalErr = err
	}
	s.errMu.Unlock()
}

func (s *Store) finalError() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}
