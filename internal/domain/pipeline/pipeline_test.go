package pipeline_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"keyword-subscriber/internal/domain/ledger"
	"keyword-subscriber/internal/domain/messages"
	"keyword-subscriber/internal/domain/pipeline"
	"keyword-subscriber/internal/domain/subscriptions"
	"keyword-subscriber/internal/domain/verifier"
)

type staticStore struct{ subs []subscriptions.Subscription }

func (s staticStore) ListByGroup(ctx context.Context, groupID int64) ([]subscriptions.Subscription, error) {
	var out []subscriptions.Subscription
	for _, sub := range s.subs {
		if sub.AppliesToGroup(groupID) {
			out = append(out, sub)
		}
	}
	return out, nil
}

type scriptedVerifier struct {
	verdict    verifier.Verdict
	err        error
	calls      int
	batchCalls int
	lastBatch  []verifier.Request
}

func (v *scriptedVerifier) Verify(ctx context.Context, req verifier.Request) (verifier.Verdict, error) {
	v.calls++
	return v.verdict, v.err
}

func (v *scriptedVerifier) VerifyMany(ctx context.Context, reqs []verifier.Request) (map[int]verifier.Verdict, error) {
	v.batchCalls++
	v.lastBatch = reqs
	if v.err != nil {
		return nil, v.err
	}
	out := make(map[int]verifier.Verdict, len(reqs))
	for i := range reqs {
		out[i] = v.verdict
	}
	return out, nil
}

type noopEnricher struct{}

func (noopEnricher) Enrich(ctx context.Context, text string) (string, bool) { return text, true }

type noopMedia struct{}

func (noopMedia) Persist(ctx context.Context, groupID, messageID int64, media []messages.Media) error {
	return nil
}

type noDelay struct{}

func (noDelay) Decide(ctx context.Context, userID, groupID int64) (bool, bool) { return false, false }

type recordingDispatcher struct {
	dispatched []pipeline.Notification
	enqueued   []pipeline.Notification
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, n pipeline.Notification) error {
	d.dispatched = append(d.dispatched, n)
	return nil
}

func (d *recordingDispatcher) Enqueue(ctx context.Context, n pipeline.Notification) error {
	d.enqueued = append(d.enqueued, n)
	return nil
}

func openTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func sub(id, userID int64, groupID int64, keywords []string) subscriptions.Subscription {
	return subscriptions.Subscription{
		ID:               id,
		UserID:           userID,
		Query:            "iphone 15",
		PositiveKeywords: keywords,
		Active:           true,
		GroupIDs:         []int64{groupID},
	}
}

func msg(groupID, messageID int64, text string) messages.Message {
	return messages.Message{ID: messageID, GroupID: groupID, Text: text}
}

// TestProcess_MatchDispatchesAndRecordsAnalysis покрывает счастливый путь:
// единственная подписка, лексика проходит, верификатор подтверждает совпадение.
func TestProcess_MatchDispatchesAndRecordsAnalysis(t *testing.T) {
	t.Parallel()

	l := openTestLedger(t)
	store := staticStore{subs: []subscriptions.Subscription{sub(1, 100, 5, []string{"iphone", "15"})}}
	v := &scriptedVerifier{verdict: verifier.Verdict{Match: true, Confidence: 0.9}}
	dispatcher := &recordingDispatcher{}

	p := pipeline.New(
		subscriptions.New(store),
		nil, v, l, noopEnricher{}, noopMedia{}, noDelay{}, dispatcher,
		pipeline.DefaultConfig(),
	)

	m := msg(5, 42, "продаю iphone 15 про макс, отличное состояние")
	require.NoError(t, p.Process(context.Background(), m))

	require.Len(t, dispatcher.dispatched, 1)
	require.Equal(t, int64(100), dispatcher.dispatched[0].UserID)

	matched, err := l.IsAnalysisMatched(ledger.AnalysisKey{SubscriptionID: 1, MessageID: 42, GroupID: 5})
	require.NoError(t, err)
	require.True(t, matched)
}

// TestProcess_LexicalRejectionRecordsNgramVerdict покрывает S4: сообщение без
// пересечения с ключевыми словами подписки отклоняется ещё на лексическом этапе,
// верификатор не вызывается вовсе.
func TestProcess_LexicalRejectionRecordsNgramVerdict(t *testing.T) {
	t.Parallel()

	l := openTestLedger(t)
	store := staticStore{subs: []subscriptions.Subscription{
		{ID: 1, UserID: 100, PositiveKeywords: []string{"диван"}, Active: true, GroupIDs: []int64{5}},
	}}
	v := &scriptedVerifier{verdict: verifier.Verdict{Match: true}}
	dispatcher := &recordingDispatcher{}

	p := pipeline.New(
		subscriptions.New(store),
		nil, v, l, noopEnricher{}, noopMedia{}, noDelay{}, dispatcher,
		pipeline.DefaultConfig(),
	)

	m := msg(5, 7, "продаю велосипед в отличном состоянии")
	require.NoError(t, p.Process(context.Background(), m))

	require.Empty(t, dispatcher.dispatched)
	require.Equal(t, 0, v.calls)

	rec, ok, err := l.GetAnalysis(ledger.AnalysisKey{SubscriptionID: 1, MessageID: 7, GroupID: 5})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ledger.VerdictRejectedNgram, rec.Verdict)
}

// TestProcess_S6_SecondSubscriptionSuppressedButRecorded покрывает S6: два
// подписки одного пользователя совпадают с одним сообщением; первая доставляет
// уведомление, вторая подавляется предикатом "пользователь уже уведомлён", но
// всё равно получает собственную запись matched в журнале.
func TestProcess_S6_SecondSubscriptionSuppressedButRecorded(t *testing.T) {
	t.Parallel()

	l := openTestLedger(t)
	store := staticStore{subs: []subscriptions.Subscription{
		sub(1, 100, 5, []string{"iphone"}),
		sub(2, 100, 5, []string{"15", "про", "макс"}),
	}}
	v := &scriptedVerifier{verdict: verifier.Verdict{Match: true, Confidence: 0.9}}
	dispatcher := &recordingDispatcher{}

	p := pipeline.New(
		subscriptions.New(store),
		nil, v, l, noopEnricher{}, noopMedia{}, noDelay{}, dispatcher,
		pipeline.DefaultConfig(),
	)

	m := msg(5, 9, "продаю iphone 15 про макс")
	require.NoError(t, p.Process(context.Background(), m))

	require.Len(t, dispatcher.dispatched, 1, "the same user must receive exactly one notification for this message")

	for _, subID := range []int64{1, 2} {
		matched, err := l.IsAnalysisMatched(ledger.AnalysisKey{SubscriptionID: subID, MessageID: 9, GroupID: 5})
		require.NoError(t, err)
		require.Truef(t, matched, "subscription %d must still have its own matched analysis record", subID)
	}
}

// TestProcess_VerifierTransportErrorFallsBackOnHighLexicalScore покрывает
// §4.10: когда верификатор недоступен, высокий лексический счёт приводит к
// "matched" без вызова LLM.
func TestProcess_VerifierTransportErrorFallsBackOnHighLexicalScore(t *testing.T) {
	t.Parallel()

	l := openTestLedger(t)
	s := sub(1, 100, 5, []string{"iphone", "15", "про", "макс"})
	s.Description = "продаю iphone 15 про макс, новый, в коробке"
	store := staticStore{subs: []subscriptions.Subscription{s}}
	v := &scriptedVerifier{err: context.DeadlineExceeded}
	dispatcher := &recordingDispatcher{}

	p := pipeline.New(
		subscriptions.New(store),
		nil, v, l, noopEnricher{}, noopMedia{}, noDelay{}, dispatcher,
		pipeline.DefaultConfig(),
	)

	// Текст сообщения почти дословно совпадает с описанием подписки, поэтому
	// итоговый лексический счёт (ключевые слова + описание) уходит далеко за
	// порог отката на верификатор.
	m := msg(5, 11, "продаю iphone 15 про макс, новый, в коробке")
	require.NoError(t, p.Process(context.Background(), m))

	require.Len(t, dispatcher.dispatched, 1, "high lexical score must fall back to a match when the verifier is unreachable")
}

// TestProcess_NoSubscriptionsIsNoop проверяет граничный случай: группа без
// подписок не делает ничего, включая обращения к журналу.
func TestProcess_NoSubscriptionsIsNoop(t *testing.T) {
	t.Parallel()

	l := openTestLedger(t)
	store := staticStore{}
	v := &scriptedVerifier{}
	dispatcher := &recordingDispatcher{}

	p := pipeline.New(
		subscriptions.New(store),
		nil, v, l, noopEnricher{}, noopMedia{}, noDelay{}, dispatcher,
		pipeline.DefaultConfig(),
	)

	require.NoError(t, p.Process(context.Background(), msg(5, 1, "что угодно")))
	require.Empty(t, dispatcher.dispatched)
	require.Equal(t, 0, v.calls)
}

// TestScanGroup_BatchesCachedMessagesThroughOneVerifyManyCall покрывает
// ретроспективный поиск: две кэшированные сообщения группы проходят лексику,
// и оба кандидата уходят к верификатору одним пакетным вызовом.
func TestScanGroup_BatchesCachedMessagesThroughOneVerifyManyCall(t *testing.T) {
	t.Parallel()

	l := openTestLedger(t)
	store := staticStore{subs: []subscriptions.Subscription{sub(1, 100, 5, []string{"iphone"})}}
	v := &scriptedVerifier{verdict: verifier.Verdict{Match: true, Confidence: 0.9}}
	dispatcher := &recordingDispatcher{}

	p := pipeline.New(
		subscriptions.New(store),
		nil, v, l, noopEnricher{}, noopMedia{}, noDelay{}, dispatcher,
		pipeline.DefaultConfig(),
	)

	cache := messages.New()
	cache.Upsert(msg(5, 1, "продаю iphone 13"))
	cache.Upsert(msg(5, 2, "продаю iphone 14"))
	cache.Upsert(msg(5, 3, "продаю велосипед"))

	matched, err := p.ScanGroup(context.Background(), 5, cache, 0)
	require.NoError(t, err)
	require.Equal(t, 2, matched)
	require.Equal(t, 1, v.batchCalls, "all candidates across cached messages must reach the verifier in one call")
	require.Len(t, v.lastBatch, 2)
	require.Len(t, dispatcher.dispatched, 2)
}

// TestScanGroup_BatchCapDropsLowestScoringCandidates покрывает ограничение
// batchCap: кандидаты сортируются по убыванию лексического счёта, и только
// первые batchCap доходят до верификатора.
func TestScanGroup_BatchCapDropsLowestScoringCandidates(t *testing.T) {
	t.Parallel()

	l := openTestLedger(t)
	store := staticStore{subs: []subscriptions.Subscription{sub(1, 100, 5, []string{"iphone"})}}
	v := &scriptedVerifier{verdict: verifier.Verdict{Match: true, Confidence: 0.9}}
	dispatcher := &recordingDispatcher{}

	p := pipeline.New(
		subscriptions.New(store),
		nil, v, l, noopEnricher{}, noopMedia{}, noDelay{}, dispatcher,
		pipeline.DefaultConfig(),
	)

	cache := messages.New()
	for i := int64(1); i <= 5; i++ {
		cache.Upsert(msg(5, i, "продаю iphone, отличное состояние, полный комплект"))
	}

	matched, err := p.ScanGroup(context.Background(), 5, cache, 2)
	require.NoError(t, err)
	require.Equal(t, 2, matched)
	require.Len(t, v.lastBatch, 2)
}

// TestScanGroup_NoCachedMessagesIsNoop покрывает граничный случай: группа без
// кэшированных сообщений не обращается к верификатору.
func TestScanGroup_NoCachedMessagesIsNoop(t *testing.T) {
	t.Parallel()

	l := openTestLedger(t)
	store := staticStore{subs: []subscriptions.Subscription{sub(1, 100, 5, []string{"iphone"})}}
	v := &scriptedVerifier{verdict: verifier.Verdict{Match: true}}
	dispatcher := &recordingDispatcher{}

	p := pipeline.New(
		subscriptions.New(store),
		nil, v, l, noopEnricher{}, noopMedia{}, noDelay{}, dispatcher,
		pipeline.DefaultConfig(),
	)

	matched, err := p.ScanGroup(context.Background(), 5, messages.New(), 0)
	require.NoError(t, err)
	require.Equal(t, 0, matched)
	require.Equal(t, 0, v.batchCalls)
}
