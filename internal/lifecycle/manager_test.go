package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/foldtale/foldtale/internal/gamekit"
	"github.com/foldtale/foldtale/internal/timeout"
)

type memDB struct {
	mu    sync.Mutex
	turns map[string]gamekit.Turn
}

func newMemDB(turns ...gamekit.Turn) *memDB {
	d := &memDB{turns: make(map[string]gamekit.Turn)}
	for _, t := range turns {
		d.turns[t.ID] = t.Clone()
	}
	return d
}

func (d *memDB) GetTurn(_ context.Context, turnID string) (gamekit.Turn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.turns[turnID]
	if !ok {
		return gamekit.Turn{}, gamekit.ErrTurnNotFound
	}
	return t.Clone(), nil
}

func (d *memDB) ListSeasonTurns(_ context.Context, seasonID string) ([]gamekit.Turn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var res []gamekit.Turn
	for _, t := range d.turns {
		if t.SeasonID == seasonID {
			res = append(res, t.Clone())
		}
	}
	return res, nil
}

func (d *memDB) UpdateTurnIf(_ context.Context, turn gamekit.Turn, expect gamekit.TurnStatus) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.turns[turn.ID]
	if !ok || cur.Status != expect {
		return false, nil
	}
	d.turns[turn.ID] = turn.Clone()
	return true, nil
}

var _ DB = (*memDB)(nil)

type memSched struct {
	mu           sync.Mutex
	jobs         map[string]timeout.Job
	failSchedule bool
	failPhase    timeout.Phase
}

func newMemSched() *memSched {
	return &memSched{jobs: make(map[string]timeout.Job)}
}

func (s *memSched) Schedule(_ context.Context, job timeout.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSchedule || (s.failPhase != "" && job.Phase == s.failPhase) {
		return fmt.Errorf("%w: forced failure", timeout.ErrScheduling)
	}
	s.jobs[job.ID] = job
	return nil
}

func (s *memSched) Cancel(_ context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[jobID]
	delete(s.jobs, jobID)
	return ok, nil
}

func (s *memSched) has(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[jobID]
	return ok
}

var _ Scheduler = (*memSched)(nil)

func testConfig() gamekit.SeasonConfig {
	var cfg gamekit.SeasonConfig
	cfg.FillDefaults()
	return cfg
}

func availableTurn(id string) gamekit.Turn {
	return gamekit.Turn{
		ID:         id,
		GameID:     "game",
		SeasonID:   "season",
		TurnNumber: 1,
		Type:       gamekit.TurnWriting,
		Status:     gamekit.TurnAvailable,
	}
}

func newTestManager(t *testing.T, turns ...gamekit.Turn) (*Manager, *memDB, *memSched) {
	t.Helper()
	db := newMemDB(turns...)
	sched := newMemSched()
	return New(slog.Default(), db, sched), db, sched
}

func TestTurnHappyPath(t *testing.T) {
	ctx := context.Background()
	m, db, sched := newTestManager(t, availableTurn("t1"))
	player := gamekit.Player{ID: "alice"}
	cfg := testConfig()

	offered, err := m.Offer(ctx, mustGet(t, db, "t1"), player, cfg)
	require.NoError(t, err)
	require.Equal(t, gamekit.TurnOffered, offered.Status)
	require.NotNil(t, offered.PlayerID)
	require.Equal(t, "alice", *offered.PlayerID)
	require.NotNil(t, offered.OfferedAt)
	require.True(t, sched.has(timeout.JobID(timeout.PhaseClaim, "t1")))

	claimed, err := m.Claim(ctx, "t1", "alice", cfg)
	require.NoError(t, err)
	require.Equal(t, gamekit.TurnPending, claimed.Status)
	require.NotNil(t, claimed.ClaimedAt)
	require.False(t, sched.has(timeout.JobID(timeout.PhaseClaim, "t1")))
	require.True(t, sched.has(timeout.JobID(timeout.PhaseSubmission, "t1")))

	done, err := m.Submit(ctx, "t1", "alice", "once upon a time", gamekit.ContentText)
	require.NoError(t, err)
	require.Equal(t, gamekit.TurnCompleted, done.Status)
	require.NotNil(t, done.Content)
	require.Equal(t, "once upon a time", *done.Content)
	require.NotNil(t, done.CompletedAt)
	require.False(t, sched.has(timeout.JobID(timeout.PhaseSubmission, "t1")))
}

func TestOfferRollbackOnScheduleFailure(t *testing.T) {
	ctx := context.Background()
	m, db, sched := newTestManager(t, availableTurn("t1"))
	sched.failSchedule = true

	_, err := m.Offer(ctx, mustGet(t, db, "t1"), gamekit.Player{ID: "alice"}, testConfig())
	require.ErrorIs(t, err, timeout.ErrScheduling)

	cur := mustGet(t, db, "t1")
	require.Equal(t, gamekit.TurnAvailable, cur.Status)
	require.Nil(t, cur.PlayerID)
	require.Nil(t, cur.OfferedAt)
}

func TestClaimRefusedWithPendingTurnElsewhere(t *testing.T) {
	ctx := context.Background()
	second := availableTurn("t2")
	second.GameID = "other-game"
	m, db, _ := newTestManager(t, availableTurn("t1"), second)
	alice := gamekit.Player{ID: "alice"}
	cfg := testConfig()

	// Two offers to the same player in different games are legal.
	_, err := m.Offer(ctx, mustGet(t, db, "t1"), alice, cfg)
	require.NoError(t, err)
	_, err = m.Offer(ctx, mustGet(t, db, "t2"), alice, cfg)
	require.NoError(t, err)

	_, err = m.Claim(ctx, "t1", "alice", cfg)
	require.NoError(t, err)

	// Claiming the second offer would give the player two pending
	// turns in the season, so it must be refused.
	_, err = m.Claim(ctx, "t2", "alice", cfg)
	require.ErrorIs(t, err, gamekit.ErrInvalidState)
	require.Equal(t, gamekit.TurnOffered, mustGet(t, db, "t2").Status)

	// Once the first turn is done, the second claim goes through.
	_, err = m.Submit(ctx, "t1", "alice", "a fold", gamekit.ContentText)
	require.NoError(t, err)
	_, err = m.Claim(ctx, "t2", "alice", cfg)
	require.NoError(t, err)
}

func TestClaimRollbackOnScheduleFailure(t *testing.T) {
	ctx := context.Background()
	m, db, sched := newTestManager(t, availableTurn("t1"))
	cfg := testConfig()
	_, err := m.Offer(ctx, mustGet(t, db, "t1"), gamekit.Player{ID: "alice"}, cfg)
	require.NoError(t, err)

	sched.failPhase = timeout.PhaseSubmission
	_, err = m.Claim(ctx, "t1", "alice", cfg)
	require.ErrorIs(t, err, timeout.ErrScheduling)

	// The turn is back to offered with its claim timer re-armed.
	cur := mustGet(t, db, "t1")
	require.Equal(t, gamekit.TurnOffered, cur.Status)
	require.Nil(t, cur.ClaimedAt)
	require.NotNil(t, cur.PlayerID)
	require.Equal(t, "alice", *cur.PlayerID)
	require.True(t, sched.has(timeout.JobID(timeout.PhaseClaim, "t1")))
	require.False(t, sched.has(timeout.JobID(timeout.PhaseSubmission, "t1")))

	// With the scheduler healthy again, the claim succeeds.
	sched.failPhase = ""
	claimed, err := m.Claim(ctx, "t1", "alice", cfg)
	require.NoError(t, err)
	require.Equal(t, gamekit.TurnPending, claimed.Status)
}

func TestClaimOwnership(t *testing.T) {
	ctx := context.Background()
	m, db, _ := newTestManager(t, availableTurn("t1"))
	cfg := testConfig()
	_, err := m.Offer(ctx, mustGet(t, db, "t1"), gamekit.Player{ID: "alice"}, cfg)
	require.NoError(t, err)

	_, err = m.Claim(ctx, "t1", "bob", cfg)
	require.ErrorIs(t, err, gamekit.ErrInvalidState)

	_, err = m.Claim(ctx, "t1", "alice", cfg)
	require.NoError(t, err)

	// A second claim finds the turn no longer offered.
	_, err = m.Claim(ctx, "t1", "alice", cfg)
	require.ErrorIs(t, err, gamekit.ErrInvalidState)
}

func TestConcurrentClaimsSingleWinner(t *testing.T) {
	ctx := context.Background()
	m, db, _ := newTestManager(t, availableTurn("t1"))
	cfg := testConfig()
	_, err := m.Offer(ctx, mustGet(t, db, "t1"), gamekit.Player{ID: "alice"}, cfg)
	require.NoError(t, err)

	const workers = 16
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = m.Claim(ctx, "t1", "alice", cfg)
		}()
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			require.ErrorIs(t, err, gamekit.ErrInvalidState)
		}
	}
	require.Equal(t, 1, wins)
	require.Equal(t, gamekit.TurnPending, mustGet(t, db, "t1").Status)
}

func TestSubmitValidation(t *testing.T) {
	ctx := context.Background()
	m, db, _ := newTestManager(t, availableTurn("t1"))
	cfg := testConfig()
	_, err := m.Offer(ctx, mustGet(t, db, "t1"), gamekit.Player{ID: "alice"}, cfg)
	require.NoError(t, err)
	_, err = m.Claim(ctx, "t1", "alice", cfg)
	require.NoError(t, err)

	// Writing turn refuses image content.
	_, err = m.Submit(ctx, "t1", "alice", "blob", gamekit.ContentImage)
	require.ErrorIs(t, err, gamekit.ErrValidation)

	_, err = m.Submit(ctx, "t1", "alice", "", gamekit.ContentText)
	require.ErrorIs(t, err, gamekit.ErrValidation)

	_, err = m.Submit(ctx, "t1", "bob", "story", gamekit.ContentText)
	require.ErrorIs(t, err, gamekit.ErrInvalidState)

	// The failed attempts must not have moved the turn.
	require.Equal(t, gamekit.TurnPending, mustGet(t, db, "t1").Status)
}

func TestDismissClearsBinding(t *testing.T) {
	ctx := context.Background()
	m, db, sched := newTestManager(t, availableTurn("t1"))
	cfg := testConfig()
	_, err := m.Offer(ctx, mustGet(t, db, "t1"), gamekit.Player{ID: "alice"}, cfg)
	require.NoError(t, err)

	dismissed, err := m.Dismiss(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, gamekit.TurnAvailable, dismissed.Status)
	require.Nil(t, dismissed.PlayerID)
	require.Nil(t, dismissed.OfferedAt)
	require.False(t, sched.has(timeout.JobID(timeout.PhaseClaim, "t1")))

	// Only offered turns can be dismissed.
	_, err = m.Dismiss(ctx, "t1")
	require.ErrorIs(t, err, gamekit.ErrInvalidState)
}

func TestSkip(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()

	t.Run("Offered", func(t *testing.T) {
		m, db, sched := newTestManager(t, availableTurn("t1"))
		_, err := m.Offer(ctx, mustGet(t, db, "t1"), gamekit.Player{ID: "alice"}, cfg)
		require.NoError(t, err)

		skipped, err := m.Skip(ctx, "t1")
		require.NoError(t, err)
		require.Equal(t, gamekit.TurnSkipped, skipped.Status)
		require.NotNil(t, skipped.SkippedAt)
		require.False(t, sched.has(timeout.JobID(timeout.PhaseClaim, "t1")))
	})

	t.Run("Pending", func(t *testing.T) {
		m, db, sched := newTestManager(t, availableTurn("t1"))
		_, err := m.Offer(ctx, mustGet(t, db, "t1"), gamekit.Player{ID: "alice"}, cfg)
		require.NoError(t, err)
		_, err = m.Claim(ctx, "t1", "alice", cfg)
		require.NoError(t, err)

		skipped, err := m.Skip(ctx, "t1")
		require.NoError(t, err)
		require.Equal(t, gamekit.TurnSkipped, skipped.Status)
		require.False(t, sched.has(timeout.JobID(timeout.PhaseSubmission, "t1")))
	})

	t.Run("TerminalIsIdempotent", func(t *testing.T) {
		m, db, _ := newTestManager(t, availableTurn("t1"))
		_, err := m.Offer(ctx, mustGet(t, db, "t1"), gamekit.Player{ID: "alice"}, cfg)
		require.NoError(t, err)
		_, err = m.Skip(ctx, "t1")
		require.NoError(t, err)

		again, err := m.Skip(ctx, "t1")
		require.NoError(t, err)
		require.Equal(t, gamekit.TurnSkipped, again.Status)
	})

	t.Run("AvailableRefused", func(t *testing.T) {
		m, _, _ := newTestManager(t, availableTurn("t1"))
		_, err := m.Skip(ctx, "t1")
		require.ErrorIs(t, err, gamekit.ErrInvalidState)
	})
}

func TestOfferNonAvailableRefused(t *testing.T) {
	ctx := context.Background()
	turn := availableTurn("t1")
	turn.Status = gamekit.TurnCompleted
	m, _, _ := newTestManager(t, turn)
	_, err := m.Offer(ctx, turn, gamekit.Player{ID: "alice"}, testConfig())
	require.ErrorIs(t, err, gamekit.ErrInvalidState)
}

func mustGet(t *testing.T, db *memDB, turnID string) gamekit.Turn {
	t.Helper()
	turn, err := db.GetTurn(context.Background(), turnID)
	require.NoError(t, err)
	return turn
}
