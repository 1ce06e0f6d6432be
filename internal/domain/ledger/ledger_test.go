package ledger_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"keyword-subscriber/internal/domain/ledger"
)

func openTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := ledger.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestRecordAnalysis_IdempotentInsert(t *testing.T) {
	t.Parallel()

	l := openTestLedger(t)
	key := ledger.AnalysisKey{SubscriptionID: 1, MessageID: 2, GroupID: 3}

	require.NoError(t, l.RecordAnalysis(key, ledger.AnalysisRecord{Verdict: ledger.VerdictMatched, LexicalScore: 0.5}))
	require.NoError(t, l.RecordAnalysis(key, ledger.AnalysisRecord{Verdict: ledger.VerdictRejectedNgram, LexicalScore: 0.0}))

	rec, ok, err := l.GetAnalysis(key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ledger.VerdictMatched, rec.Verdict, "second insert must be a no-op, not an overwrite")
}

func TestIsAnalysisMatched(t *testing.T) {
	t.Parallel()

	l := openTestLedger(t)
	key := ledger.AnalysisKey{SubscriptionID: 1, MessageID: 2, GroupID: 3}

	matched, err := l.IsAnalysisMatched(key)
	require.NoError(t, err)
	require.False(t, matched)

	require.NoError(t, l.RecordAnalysis(key, ledger.AnalysisRecord{Verdict: ledger.VerdictMatched}))
	matched, err = l.IsAnalysisMatched(key)
	require.NoError(t, err)
	require.True(t, matched)
}

func TestNotifiedRecord_IdempotentAndScopedByUser(t *testing.T) {
	t.Parallel()

	l := openTestLedger(t)
	key := ledger.NotifiedKey{UserID: 10, MessageID: 2, GroupID: 3}

	notified, err := l.IsNotifiedToUser(key)
	require.NoError(t, err)
	require.False(t, notified)

	require.NoError(t, l.RecordNotified(key, ledger.NotifiedRecord{}))
	require.NoError(t, l.RecordNotified(key, ledger.NotifiedRecord{}))

	notified, err = l.IsNotifiedToUser(key)
	require.NoError(t, err)
	require.True(t, notified)

	otherUser := ledger.NotifiedKey{UserID: 11, MessageID: 2, GroupID: 3}
	notified, err = l.IsNotifiedToUser(otherUser)
	require.NoError(t, err)
	require.False(t, notified)
}
