package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devhowyalike/rapgpt-sub001/internal/engine"
)

var t0 = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func newBattle(id string) engine.Battle {
	return engine.NewBattle(id, "Test", []engine.Persona{{ID: "a", Name: "A"}, {ID: "b", Name: "B"}}, 3, t0)
}

func TestMemory_CreateGetUpdate(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.CreateBattle(ctx, newBattle("B1")))
	assert.ErrorIs(t, m.CreateBattle(ctx, newBattle("B1")), ErrExists)

	_, err := m.GetBattle(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	b, err := m.GetBattle(ctx, "B1")
	require.NoError(t, err)
	require.NoError(t, m.Commit(ctx, b, Change{Verse: &engine.Verse{PersonaID: "a", Round: 1, Text: "bars"}}))

	b.IsLive = true
	b.Phase = engine.PhaseReading
	// Commit leaves the append-only records alone even when handed stale slices.
	b.Verses = nil
	require.NoError(t, m.Commit(ctx, b, Change{}))

	got, err := m.GetBattle(ctx, "B1")
	require.NoError(t, err)
	assert.True(t, got.IsLive)
	assert.Equal(t, engine.PhaseReading, got.Phase)
	assert.Len(t, got.Verses, 1)
}

func TestMemory_VoteUniquePerRoundAndUser(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	b := newBattle("B1")
	require.NoError(t, m.CreateBattle(ctx, b))

	require.NoError(t, m.Commit(ctx, b, Change{Vote: &engine.Vote{Round: 1, PersonaID: "a", UserID: "u1"}}))
	assert.ErrorIs(t, m.Commit(ctx, b, Change{Vote: &engine.Vote{Round: 1, PersonaID: "b", UserID: "u1"}}), engine.ErrAlreadyVoted)
	require.NoError(t, m.Commit(ctx, b, Change{Vote: &engine.Vote{Round: 2, PersonaID: "b", UserID: "u1"}}))
}

func TestMemory_RejectedCommitWritesNothing(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	b := newBattle("B1")
	require.NoError(t, m.CreateBattle(ctx, b))
	require.NoError(t, m.Commit(ctx, b, Change{Vote: &engine.Vote{Round: 1, PersonaID: "a", UserID: "u1"}}))

	changed := b
	changed.Phase = engine.PhaseVoting
	err := m.Commit(ctx, changed, Change{Vote: &engine.Vote{Round: 1, PersonaID: "b", UserID: "u1"}})
	require.ErrorIs(t, err, engine.ErrAlreadyVoted)

	got, err := m.GetBattle(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, engine.PhaseIdle, got.Phase)
	require.Len(t, got.Votes, 1)
	assert.Equal(t, "a", got.Votes[0].PersonaID)

	assert.ErrorIs(t, m.Commit(ctx, newBattle("missing"), Change{}), ErrNotFound)
}

func TestMemory_CommentRetryIgnored(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	b := newBattle("B1")
	require.NoError(t, m.CreateBattle(ctx, b))

	c := engine.Comment{ID: "c1", UserID: "u1", Text: "fire"}
	require.NoError(t, m.Commit(ctx, b, Change{Comment: &c}))
	require.NoError(t, m.Commit(ctx, b, Change{Comment: &c}))

	b, _ = m.GetBattle(ctx, "B1")
	assert.Len(t, b.Comments, 1)
}

func TestMemory_ListLiveBattles(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	live := newBattle("B2")
	live.IsLive = true
	require.NoError(t, m.CreateBattle(ctx, newBattle("B1")))
	require.NoError(t, m.CreateBattle(ctx, live))

	got, err := m.ListLiveBattles(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "B2", got[0].ID)
}

func TestBattleRow_RoundTrip(t *testing.T) {
	b := newBattle("B1")
	b.Phase = engine.PhaseVoting
	b.PhaseDuration = 10 * time.Second
	b.PhaseStartedAt = t0.Add(time.Minute)
	b.AutoPlay.Enabled = true

	got := fromBattleRow(toBattleRow(b))
	assert.Equal(t, b.Phase, got.Phase)
	assert.Equal(t, b.PhaseDuration, got.PhaseDuration)
	assert.True(t, b.PhaseStartedAt.Equal(got.PhaseStartedAt))
	assert.Equal(t, b.AutoPlay, got.AutoPlay)

	idle := fromBattleRow(toBattleRow(newBattle("B2")))
	assert.True(t, idle.PhaseStartedAt.IsZero())
}

func TestIsUniqueViolation(t *testing.T) {
	wrapped := fmt.Errorf("insert vote: %w", &pgconn.PgError{Code: "23505"})

	assert.True(t, isUniqueViolation(wrapped))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("other")))
	assert.False(t, isUniqueViolation(nil))
}
