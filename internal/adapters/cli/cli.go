// Package cli — интерактивная операторская консоль поверх readline. Сервис
// стартует фоном, читает команды построчно и обращается к подсистемам ядра
// сопоставления: запуск выборочного backfill группы, инвалидация кэша
// подписок, снимок статистики очереди/журнала, внеплановый слив очереди.
package cli

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"keyword-subscriber/internal/domain/backfill"
	"keyword-subscriber/internal/domain/ledger"
	"keyword-subscriber/internal/domain/messages"
	"keyword-subscriber/internal/domain/notify"
	"keyword-subscriber/internal/domain/subscriptions"
	"keyword-subscriber/internal/infra/logger"
	"keyword-subscriber/internal/infra/pr"
)

// Scanner переигрывает уже кэшированную историю одной группы против её
// текущих подписок одним пакетным вызовом верификатора — см.
// internal/domain/pipeline.Pipeline.ScanGroup. Выделено в интерфейс, чтобы cli
// не тянул весь граф зависимостей pipeline.
type Scanner interface {
	ScanGroup(ctx context.Context, groupID int64, cache *messages.Cache, batchCap int) (int, error)
}

// commandDescriptor описывает одну CLI-команду: её имя и краткое описание для help.
type commandDescriptor struct {
	name        string
	description string
}

var commandDescriptors = []commandDescriptor{
	{name: "help", description: "Show available commands with short descriptions"},
	{name: "backfill <group>", description: "Replay history for one group through the pipeline"},
	{name: "rescan <group>", description: "Re-screen cached messages of one group against its current subscriptions"},
	{name: "cache invalidate", description: "Clear the subscription cache"},
	{name: "stats", description: "Print queue and ledger statistics"},
	{name: "queue flush", description: "Drain the regular notification queue immediately"},
	{name: "exit", description: "Stop the console and terminate the process"},
}

// Service инкапсулирует операторскую консоль и интегрируется в lifecycle
// приложения. Имеет собственный cancel, запускает цикл чтения команд в
// отдельной горутине и синхронно закрывается через Stop().
type Service struct {
	stopApp context.CancelFunc
	subs    *subscriptions.Cache
	notif   *notify.Queue
	ledger  *ledger.Ledger
	backfil *backfill.Backfiller
	scanner Scanner
	cache   *messages.Cache
	batchCap int

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	onceStart sync.Once
	onceStop  sync.Once
}

// NewService создаёт консоль. stopApp используется командой "exit" и Ctrl-C на
// пустой строке как общая остановка приложения. batchCap ограничивает число
// кандидатов, которое команда "rescan" отдаёт верификатору за один вызов (см.
// Pipeline.ScanGroup); 0 означает отсутствие ограничения.
func NewService(
	stopApp context.CancelFunc,
	subs *subscriptions.Cache,
	notif *notify.Queue,
	led *ledger.Ledger,
	backfil *backfill.Backfiller,
	scanner Scanner,
	cache *messages.Cache,
	batchCap int,
) *Service {
	return &Service{
		stopApp:  stopApp,
		subs:     subs,
		notif:    notif,
		ledger:   led,
		backfil:  backfil,
		scanner:  scanner,
		cache:    cache,
		batchCap: batchCap,
	}
}

// Start запускает основной цикл консоли в отдельной горутине. Повторные
// вызовы безопасно игнорируются.
func (s *Service) Start(ctx context.Context) {
	s.onceStart.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.run(runCtx)
		}()
	})
}

// Stop завершает консоль: посылает внешнюю остановку приложения, прерывает
// readline, отменяет локальный контекст и дожидается завершения run-цикла.
func (s *Service) Stop() {
	s.onceStop.Do(func() {
		if s.stopApp != nil {
			s.stopApp()
		}
		if rl := pr.Rl(); rl != nil {
			pr.InterruptReadline()
		}
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

// run — основной цикл обработчика консоли. Печатает подсказки, устанавливает
// обработчики клавиш и в цикле читает команды построчно.
func (s *Service) run(ctx context.Context) {
	logger.Debug("cli: run started")
	pr.SetPrompt("> ")
	pr.Println("Console started. Enter commands:", joinCommandNames(commandDescriptors))
	pr.Println("Press '?' or type 'help' for detailed descriptions.")
	installKeyHandlers(s.stopApp)

	defer func() {
		if rl := pr.Rl(); rl != nil {
			_ = rl.Close()
		}
	}()

	for {
		if ctx.Err() != nil {
			logger.Debug("cli: context canceled")
			return
		}

		line, err := pr.Rl().Readline()
		if err != nil {
			logger.Debug("cli: deactivated (io.EOF)")
			return
		}

		cmd := strings.TrimSpace(line)
		if s.handleCommand(ctx, cmd) {
			logger.Debugf("cli: command %q requested exit", cmd)
			return
		}
	}
}

// installKeyHandlers подключает обработчики специальных клавиш для readline:
//   - '?' — печать help без отправки символа в текущую строку;
//   - Ctrl-C на пустой строке — мягкая остановка приложения;
//   - Ctrl-C на непустой строке — очистка текущей строки.
func installKeyHandlers(stop context.CancelFunc) {
	rl := pr.Rl()
	if rl == nil || rl.Config == nil {
		return
	}

	prev := rl.Config.Listener
	rl.Config.SetListener(func(line []rune, pos int, key rune) ([]rune, int, bool) {
		if key == '?' {
			printCommandHelp()
			if pos > 0 && pos <= len(line) {
				trimmed := append([]rune{}, line[:pos-1]...)
				trimmed = append(trimmed, line[pos:]...)
				return trimmed, pos - 1, true
			}
			return line, pos, true
		}
		if key == 3 { //nolint: mnd // Ctrl-C (ETX, rune value 3)
			trimmed := strings.TrimSpace(string(line))
			if trimmed == "" {
				if stop != nil {
					stop()
				}
				pr.InterruptReadline()
				return line, pos, true
			}
			return []rune{}, 0, true
		}
		if prev != nil {
			return prev.OnChange(line, pos, key)
		}
		return nil, 0, false
	})
}

func printCommandHelp() {
	for _, text := range buildCommandHelpLines(commandDescriptors) {
		pr.Println(text)
	}
}

// handleCommand разбирает введённую команду и выполняет соответствующее
// действие. Возвращает true, если команда инициирует завершение консоли.
func (s *Service) handleCommand(ctx context.Context, cmd string) bool {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return false
	}

	switch fields[0] {
	case "help":
		printCommandHelp()
	case "backfill":
		s.handleBackfill(ctx, fields)
	case "rescan":
		s.handleRescan(ctx, fields)
	case "cache":
		s.handleCache(fields)
	case "queue":
		s.handleQueue(fields)
	case "stats":
		s.handleStats()
	case "exit":
		if s.stopApp != nil {
			s.stopApp()
		}
		return true
	default:
		pr.Println("unknown command:", cmd)
	}
	return false
}

func (s *Service) handleBackfill(ctx context.Context, fields []string) {
	if s.backfil == nil {
		pr.ErrPrintln("backfill is not available")
		return
	}
	if len(fields) != 2 {
		pr.ErrPrintln("usage: backfill <group-id>")
		return
	}
	groupID, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		pr.ErrPrintln("invalid group id:", fields[1])
		return
	}
	pr.Printf("Replaying history for group %d...\n", groupID)
	go s.backfil.Run(ctx, []int64{groupID})
}

func (s *Service) handleRescan(ctx context.Context, fields []string) {
	if s.scanner == nil || s.cache == nil {
		pr.ErrPrintln("rescan is not available")
		return
	}
	if len(fields) != 2 {
		pr.ErrPrintln("usage: rescan <group-id>")
		return
	}
	groupID, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		pr.ErrPrintln("invalid group id:", fields[1])
		return
	}
	pr.Printf("Rescanning cached messages for group %d...\n", groupID)
	matched, err := s.scanner.ScanGroup(ctx, groupID, s.cache, s.batchCap)
	if err != nil {
		pr.ErrPrintln("rescan failed:", err)
		return
	}
	pr.Printf("Rescan complete: %d new match(es).\n", matched)
}

func (s *Service) handleCache(fields []string) {
	if len(fields) != 2 || fields[1] != "invalidate" {
		pr.ErrPrintln("usage: cache invalidate")
		return
	}
	if s.subs == nil {
		pr.ErrPrintln("subscription cache is not available")
		return
	}
	s.subs.Invalidate()
	pr.Println("Subscription cache invalidated.")
}

func (s *Service) handleQueue(fields []string) {
	if len(fields) != 2 || fields[1] != "flush" {
		pr.ErrPrintln("usage: queue flush")
		return
	}
	if s.notif == nil {
		pr.ErrPrintln("queue is not available")
		return
	}
	s.notif.FlushNow()
	pr.Println("Queue flush requested.")
}

func (s *Service) handleStats() {
	if s.notif != nil {
		st := s.notif.Stats()
		pr.Printf("Queue: urgent=%d regular=%d\n", st.Urgent, st.Regular)
		if !st.LastDrainAt.IsZero() {
			pr.Printf("Last regular drain: %s\n", st.LastDrainAt.Format(time.RFC3339))
		} else {
			pr.Println("Last regular drain: <never>")
		}
	} else {
		pr.ErrPrintln("queue is not available")
	}

	if s.ledger != nil {
		st, err := s.ledger.Stats()
		if err != nil {
			pr.ErrPrintln("ledger stats error:", err)
			return
		}
		pr.Printf("Ledger: analyses=%d notified=%d\n", st.Analyses, st.Notified)
	} else {
		pr.ErrPrintln("ledger is not available")
	}
}

// joinCommandNames собирает строку имён команд, разделённых запятыми.
func joinCommandNames(descriptors []commandDescriptor) string {
	names := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		names = append(names, d.name)
	}
	return strings.Join(names, ", ")
}

// buildCommandHelpLines генерирует строки помощи вида "<name> - <description>".
func buildCommandHelpLines(descriptors []commandDescriptor) []string {
	lines := make([]string, 0, len(descriptors)+1)
	lines = append(lines, "Available commands:")
	for _, descriptor := range descriptors {
		lines = append(lines, "  "+descriptor.name+" - "+descriptor.description)
	}
	return lines
}
