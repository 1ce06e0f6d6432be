package cli

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"keyword-subscriber/internal/domain/messages"
)

type recordingScanner struct {
	calls    int
	groupID  int64
	batchCap int
	matched  int
	err      error
}

func (s *recordingScanner) ScanGroup(ctx context.Context, groupID int64, cache *messages.Cache, batchCap int) (int, error) {
	s.calls++
	s.groupID = groupID
	s.batchCap = batchCap
	return s.matched, s.err
}

// TestHandleRescan_ParsesGroupAndInvokesScanner покрывает happy path команды
// "rescan": аргумент парсится в id группы, сканер вызывается ровно один раз с
// настроенным batchCap.
func TestHandleRescan_ParsesGroupAndInvokesScanner(t *testing.T) {
	t.Parallel()

	scanner := &recordingScanner{matched: 3}
	s := &Service{scanner: scanner, cache: messages.New(), batchCap: 20}

	done := s.handleCommand(context.Background(), "rescan 555")
	require.False(t, done)

	require.Equal(t, 1, scanner.calls)
	require.Equal(t, int64(555), scanner.groupID)
	require.Equal(t, 20, scanner.batchCap)
}

// TestHandleRescan_RejectsMissingArgument покрывает граничный случай: команда
// без аргумента группы не обращается к сканеру.
func TestHandleRescan_RejectsMissingArgument(t *testing.T) {
	t.Parallel()

	scanner := &recordingScanner{}
	s := &Service{scanner: scanner, cache: messages.New()}

	s.handleCommand(context.Background(), "rescan")
	require.Equal(t, 0, scanner.calls)
}

// TestHandleRescan_WithoutScannerIsNoop покрывает граничный случай: сервис,
// собранный без сканера (например, Pipeline ещё не готов), сообщает об
// отсутствии возможности вместо паники.
func TestHandleRescan_WithoutScannerIsNoop(t *testing.T) {
	t.Parallel()

	s := &Service{}
	require.NotPanics(t, func() {
		s.handleCommand(context.Background(), "rescan 1")
	})
}
