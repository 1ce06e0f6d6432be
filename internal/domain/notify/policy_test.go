package notify_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"keyword-subscriber/internal/domain/notify"
)

func TestCooldownPolicy_DelaysWithinWindow(t *testing.T) {
	t.Parallel()

	p := notify.NewCooldownPolicy(time.Minute)

	delay, _ := p.Decide(context.Background(), 1, 5)
	require.False(t, delay, "first notification for a user must never be delayed")
	delay, _ = p.Decide(context.Background(), 1, 5)
	require.True(t, delay, "a second notification within the cooldown must be delayed")
}

func TestCooldownPolicy_ScopedPerUser(t *testing.T) {
	t.Parallel()

	p := notify.NewCooldownPolicy(time.Minute)
	delay, hasCompetition := p.Decide(context.Background(), 1, 5)
	require.False(t, delay)
	require.False(t, hasCompetition, "plain cooldown policy never reports priority competition")
	delay, _ = p.Decide(context.Background(), 2, 5)
	require.False(t, delay, "cooldown must not leak across users")
}
