package messages_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"keyword-subscriber/internal/domain/messages"
)

func TestUpsertGetDelete(t *testing.T) {
	t.Parallel()

	c := messages.New()
	c.Upsert(messages.Message{ID: 1, GroupID: 10, Text: "hello"})
	c.Upsert(messages.Message{ID: 2, GroupID: 10, Text: "world"})

	got := c.Get(10)
	require.Len(t, got, 2)

	c.Delete(10, 1)
	got = c.Get(10)
	require.Len(t, got, 1)
	require.Equal(t, int64(2), got[0].ID)
}

func TestReadinessFlag(t *testing.T) {
	t.Parallel()

	c := messages.New()
	require.False(t, c.IsReady(5))
	c.MarkReady(5)
	require.True(t, c.IsReady(5))
	require.False(t, c.IsReady(6))
}

func TestUpsertOverwritesEdit(t *testing.T) {
	t.Parallel()

	c := messages.New()
	c.Upsert(messages.Message{ID: 1, GroupID: 10, Text: "original"})
	c.Upsert(messages.Message{ID: 1, GroupID: 10, Text: "edited"})

	got := c.Get(10)
	require.Len(t, got, 1)
	require.Equal(t, "edited", got[0].Text)
}
