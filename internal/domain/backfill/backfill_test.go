package backfill_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"keyword-subscriber/internal/domain/backfill"
	"keyword-subscriber/internal/domain/messages"
)

type fakeRateLimit struct{ after time.Duration }

func (e fakeRateLimit) Error() string          { return "rate limited" }
func (e fakeRateLimit) RetryAfter() time.Duration { return e.after }

type fakePermanent struct{}

func (fakePermanent) Error() string  { return "permanent" }
func (fakePermanent) Permanent() bool { return true }

type fakeTransient struct{}

func (fakeTransient) Error() string { return "transient" }

// fakeSource serves a fixed in-memory page per group/topic, optionally
// injecting scripted errors on the first N calls before succeeding.
type fakeSource struct {
	mu        sync.Mutex
	pages     map[int64][][]messages.Message // keyed by groupID*100000+topicID, pages in order
	topics    map[int64][]int64
	errsQueue map[int64][]error
	calls     int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		pages:     make(map[int64][][]messages.Message),
		topics:    make(map[int64][]int64),
		errsQueue: make(map[int64][]error),
	}
}

func key(groupID, topicID int64) int64 { return groupID*100000 + topicID }

func (f *fakeSource) setPages(groupID, topicID int64, pages [][]messages.Message) {
	f.pages[key(groupID, topicID)] = pages
}

func (f *fakeSource) setTopics(groupID int64, topics []int64) {
	f.topics[groupID] = topics
}

func (f *fakeSource) queueErrs(groupID, topicID int64, errs ...error) {
	f.errsQueue[key(groupID, topicID)] = errs
}

func (f *fakeSource) FetchHistoryPage(ctx context.Context, groupID, topicID, beforeMessageID int64, limit int) ([]messages.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	k := key(groupID, topicID)
	if errs := f.errsQueue[k]; len(errs) > 0 {
		f.errsQueue[k] = errs[1:]
		return nil, errs[0]
	}

	pages := f.pages[k]
	if len(pages) == 0 {
		return nil, nil
	}
	page := pages[0]
	f.pages[k] = pages[1:]
	return page, nil
}

func (f *fakeSource) ListTopics(ctx context.Context, groupID int64) ([]int64, error) {
	return f.topics[groupID], nil
}

type memCursors struct {
	mu      sync.Mutex
	cursors map[int64]int64
}

func newMemCursors() *memCursors {
	return &memCursors{cursors: make(map[int64]int64)}
}

func (c *memCursors) LoadCursor(groupID, topicID int64) (int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.cursors[key(groupID, topicID)]
	return v, ok, nil
}

func (c *memCursors) SaveCursor(groupID, topicID, messageID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursors[key(groupID, topicID)] = messageID
	return nil
}

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func msg(id int64) messages.Message {
	return messages.Message{ID: id, GroupID: 1, Text: "m"}
}

// recordingProcessor records every message handed to it by replayTopic, in
// order, so tests can assert that backfill actually drives the same pipeline
// as live events rather than only updating the cache and cursor.
type recordingProcessor struct {
	mu        sync.Mutex
	processed []messages.Message
	err       error
}

func (p *recordingProcessor) Process(ctx context.Context, msg messages.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.processed = append(p.processed, msg)
	return p.err
}

func (p *recordingProcessor) ids() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int64, len(p.processed))
	for i, m := range p.processed {
		out[i] = m.ID
	}
	return out
}

func TestRun_ReplaysHistoryAndMarksReady(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	src.setPages(1, 0, [][]messages.Message{
		{msg(10), msg(9), msg(8)},
		{},
	})
	cursors := newMemCursors()
	cache := messages.New()
	proc := &recordingProcessor{}

	b := backfill.New(src, nil, cursors, cache, proc, backfill.WithSleep(noSleep))
	b.Run(context.Background(), []int64{1})

	require.True(t, cache.IsReady(1))
	all := cache.Get(1)
	require.Len(t, all, 3)

	cursor, ok, err := cursors.LoadCursor(1, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(8), cursor)

	require.ElementsMatch(t, []int64{10, 9, 8}, proc.ids(), "every fetched message must be driven through the processor, same as a live event")
}

func TestRun_RateLimitDoesNotConsumeAttemptBudget(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	// Three consecutive rate-limit errors, well above MaxAttempts, must not
	// exhaust the attempt budget since they are not counted.
	src.queueErrs(1, 0, fakeRateLimit{after: time.Millisecond}, fakeRateLimit{after: time.Millisecond}, fakeRateLimit{after: time.Millisecond})
	src.setPages(1, 0, [][]messages.Message{
		{msg(5)},
		{},
	})
	cursors := newMemCursors()
	cache := messages.New()

	cfg := backfill.DefaultConfig()
	cfg.MaxAttempts = 1
	proc := &recordingProcessor{}
	b := backfill.New(src, nil, cursors, cache, proc, backfill.WithSleep(noSleep), backfill.WithConfig(cfg))
	b.Run(context.Background(), []int64{1})

	require.True(t, cache.IsReady(1))
	require.Len(t, cache.Get(1), 1)
	require.Equal(t, []int64{5}, proc.ids())
}

func TestRun_PermanentErrorSkipsTopicWithoutRetry(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	src.queueErrs(1, 0, fakePermanent{})
	cursors := newMemCursors()
	cache := messages.New()
	proc := &recordingProcessor{}

	b := backfill.New(src, nil, cursors, cache, proc, backfill.WithSleep(noSleep))
	b.Run(context.Background(), []int64{1})

	require.True(t, cache.IsReady(1))
	require.Equal(t, 1, src.calls, "a permanent error must not be retried")
}

func TestRun_TransientErrorExhaustsAttemptsAndMovesOn(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	src.queueErrs(1, 0, fakeTransient{}, fakeTransient{}, fakeTransient{})
	cursors := newMemCursors()
	cache := messages.New()

	cfg := backfill.DefaultConfig()
	cfg.MaxAttempts = 2
	proc := &recordingProcessor{}
	b := backfill.New(src, nil, cursors, cache, proc, backfill.WithSleep(noSleep), backfill.WithConfig(cfg))
	b.Run(context.Background(), []int64{1})

	require.True(t, cache.IsReady(1), "group must still be marked ready after exhausting a topic's attempts")
	require.Equal(t, 3, src.calls)
}

func TestRun_MultipleTopicsEachGetOwnCursor(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	src.setTopics(1, []int64{100, 200})
	src.setPages(1, 100, [][]messages.Message{{msg(1)}, {}})
	src.setPages(1, 200, [][]messages.Message{{msg(2)}, {}})
	cursors := newMemCursors()
	cache := messages.New()
	proc := &recordingProcessor{}

	b := backfill.New(src, nil, cursors, cache, proc, backfill.WithSleep(noSleep))
	b.Run(context.Background(), []int64{1})

	c1, ok, _ := cursors.LoadCursor(1, 100)
	require.True(t, ok)
	require.Equal(t, int64(1), c1)

	c2, ok, _ := cursors.LoadCursor(1, 200)
	require.True(t, ok)
	require.Equal(t, int64(2), c2)

	require.ElementsMatch(t, []int64{1, 2}, proc.ids(), "both topics' messages must be driven through the processor")
}

// TestRun_ProcessorErrorDoesNotStopReplay покрывает граничный случай: ошибка
// процессора (инфраструктурный сбой пайплайна на одном сообщении) не должна
// прерывать реплей остальной истории ни курсором, ни числом прочитанных
// сообщений — она только логируется.
func TestRun_ProcessorErrorDoesNotStopReplay(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	src.setPages(1, 0, [][]messages.Message{
		{msg(10), msg(9), msg(8)},
		{},
	})
	cursors := newMemCursors()
	cache := messages.New()
	proc := &recordingProcessor{err: context.DeadlineExceeded}

	b := backfill.New(src, nil, cursors, cache, proc, backfill.WithSleep(noSleep))
	b.Run(context.Background(), []int64{1})

	require.True(t, cache.IsReady(1))
	require.Len(t, cache.Get(1), 3)
	require.Len(t, proc.ids(), 3, "processor must still be called for every message despite returning an error")

	cursor, ok, err := cursors.LoadCursor(1, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(8), cursor)
}
