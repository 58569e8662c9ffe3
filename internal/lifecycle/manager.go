package lifecycle

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/foldtale/foldtale/internal/gamekit"
	"github.com/foldtale/foldtale/internal/timeout"
	"github.com/foldtale/foldtale/internal/util/slogx"
	"github.com/foldtale/foldtale/internal/util/timeutil"
)

// Manager drives the turn state machine. Every transition is a guarded
// conditional update: it applies only while the stored status still
// matches the precondition, so concurrent calls on the same turn
// resolve to exactly one winner and gamekit.ErrInvalidState for the
// rest. Offering and claiming arm durable timeout jobs; terminal
// transitions disarm them.
type Manager struct {
	db    DB
	sched Scheduler
	log   *slog.Logger
}

func New(log *slog.Logger, db DB, sched Scheduler) *Manager {
	return &Manager{
		db:    db,
		sched: sched,
		log:   log,
	}
}

// Offer moves an available turn to offered for the given player and
// arms the claim timeout. If the timeout cannot be armed, the turn is
// rolled back to available so that no offer exists without a timer.
func (m *Manager) Offer(ctx context.Context, turn gamekit.Turn, player gamekit.Player, cfg gamekit.SeasonConfig) (gamekit.Turn, error) {
	if turn.Status != gamekit.TurnAvailable {
		return gamekit.Turn{}, fmt.Errorf("%w: offer %v turn", gamekit.ErrInvalidState, turn.Status)
	}
	now := timeutil.NowUTC()
	next := turn.Clone()
	next.Status = gamekit.TurnOffered
	next.PlayerID = &player.ID
	next.OfferedAt = &now

	ok, err := m.db.UpdateTurnIf(ctx, next, gamekit.TurnAvailable)
	if err != nil {
		return gamekit.Turn{}, fmt.Errorf("offer turn: %w", err)
	}
	if !ok {
		return gamekit.Turn{}, fmt.Errorf("%w: turn no longer available", gamekit.ErrInvalidState)
	}

	job := timeout.Job{
		ID:       timeout.JobID(timeout.PhaseClaim, turn.ID),
		Phase:    timeout.PhaseClaim,
		RunAt:    now.Add(cfg.ClaimTimeout()),
		TurnID:   turn.ID,
		PlayerID: player.ID,
	}
	if err := m.sched.Schedule(ctx, job); err != nil {
		m.log.Error("could not arm claim timeout, rolling back offer",
			slog.String("turn_id", turn.ID), slogx.Err(err))
		rollback := turn.Clone()
		if ok, rbErr := m.db.UpdateTurnIf(ctx, rollback, gamekit.TurnOffered); rbErr != nil || !ok {
			m.log.Error("could not roll back offer", slog.String("turn_id", turn.ID))
		}
		return gamekit.Turn{}, fmt.Errorf("arm claim timeout: %w", err)
	}

	m.log.Info("turn offered",
		slog.String("turn_id", turn.ID),
		slog.String("player_id", player.ID),
	)
	return next, nil
}

// Claim moves an offered turn to pending for the claiming player,
// disarms the claim timeout and arms the submission timeout. The claim
// is refused while the player holds a pending turn anywhere in the
// season. If the submission timeout cannot be armed, the turn is
// rolled back to offered with the claim timer re-armed, so that no
// pending turn exists without a timer.
func (m *Manager) Claim(ctx context.Context, turnID, playerID string, cfg gamekit.SeasonConfig) (gamekit.Turn, error) {
	turn, err := m.db.GetTurn(ctx, turnID)
	if err != nil {
		return gamekit.Turn{}, err
	}
	if turn.Status != gamekit.TurnOffered {
		return gamekit.Turn{}, fmt.Errorf("%w: claim %v turn", gamekit.ErrInvalidState, turn.Status)
	}
	if turn.PlayerID != nil && *turn.PlayerID != playerID {
		return gamekit.Turn{}, fmt.Errorf("%w: turn offered to another player", gamekit.ErrInvalidState)
	}

	// A player holds at most one pending turn across the whole season.
	// Offers elsewhere do not block the claim; pending ones do.
	seasonTurns, err := m.db.ListSeasonTurns(ctx, turn.SeasonID)
	if err != nil {
		return gamekit.Turn{}, fmt.Errorf("list season turns: %w", err)
	}
	for _, t := range seasonTurns {
		if t.ID != turn.ID && t.Status == gamekit.TurnPending && t.PlayerID != nil && *t.PlayerID == playerID {
			return gamekit.Turn{}, fmt.Errorf("%w: player already has a pending turn", gamekit.ErrInvalidState)
		}
	}

	now := timeutil.NowUTC()
	next := turn.Clone()
	next.Status = gamekit.TurnPending
	next.PlayerID = &playerID
	next.ClaimedAt = &now

	ok, err := m.db.UpdateTurnIf(ctx, next, gamekit.TurnOffered)
	if err != nil {
		return gamekit.Turn{}, fmt.Errorf("claim turn: %w", err)
	}
	if !ok {
		return gamekit.Turn{}, fmt.Errorf("%w: turn no longer offered", gamekit.ErrInvalidState)
	}

	if _, err := m.sched.Cancel(ctx, timeout.JobID(timeout.PhaseClaim, turnID)); err != nil {
		m.log.Error("could not cancel claim timeout", slog.String("turn_id", turnID), slogx.Err(err))
	}
	job := timeout.Job{
		ID:       timeout.JobID(timeout.PhaseSubmission, turnID),
		Phase:    timeout.PhaseSubmission,
		RunAt:    now.Add(cfg.SubmissionTimeout(turn.Type)),
		TurnID:   turnID,
		PlayerID: playerID,
	}
	if err := m.sched.Schedule(ctx, job); err != nil {
		m.log.Error("could not arm submission timeout, rolling back claim",
			slog.String("turn_id", turnID), slogx.Err(err))
		rollback := turn.Clone()
		if ok, rbErr := m.db.UpdateTurnIf(ctx, rollback, gamekit.TurnPending); rbErr != nil || !ok {
			m.log.Error("could not roll back claim", slog.String("turn_id", turnID))
		} else if rbErr := m.sched.Schedule(ctx, timeout.Job{
			ID:       timeout.JobID(timeout.PhaseClaim, turnID),
			Phase:    timeout.PhaseClaim,
			RunAt:    now.Add(cfg.ClaimTimeout()),
			TurnID:   turnID,
			PlayerID: playerID,
		}); rbErr != nil {
			m.log.Error("could not re-arm claim timeout", slog.String("turn_id", turnID), slogx.Err(rbErr))
		}
		return gamekit.Turn{}, fmt.Errorf("arm submission timeout: %w", err)
	}

	m.log.Info("turn claimed",
		slog.String("turn_id", turnID),
		slog.String("player_id", playerID),
	)
	return next, nil
}

// Submit completes a pending turn with the given content and disarms
// the submission timeout. The content type must match the turn type.
func (m *Manager) Submit(ctx context.Context, turnID, playerID string, content string, contentType gamekit.ContentType) (gamekit.Turn, error) {
	turn, err := m.db.GetTurn(ctx, turnID)
	if err != nil {
		return gamekit.Turn{}, err
	}
	if turn.Status != gamekit.TurnPending {
		return gamekit.Turn{}, fmt.Errorf("%w: submit %v turn", gamekit.ErrInvalidState, turn.Status)
	}
	if turn.PlayerID == nil || *turn.PlayerID != playerID {
		return gamekit.Turn{}, fmt.Errorf("%w: turn pending for another player", gamekit.ErrInvalidState)
	}
	if contentType != turn.Type.ContentType() {
		return gamekit.Turn{}, fmt.Errorf("%w: %v content for %v turn", gamekit.ErrValidation, contentType, turn.Type)
	}
	if content == "" {
		return gamekit.Turn{}, fmt.Errorf("%w: empty content", gamekit.ErrValidation)
	}

	now := timeutil.NowUTC()
	next := turn.Clone()
	next.Status = gamekit.TurnCompleted
	next.CompletedAt = &now
	next.Content = &content

	ok, err := m.db.UpdateTurnIf(ctx, next, gamekit.TurnPending)
	if err != nil {
		return gamekit.Turn{}, fmt.Errorf("submit turn: %w", err)
	}
	if !ok {
		return gamekit.Turn{}, fmt.Errorf("%w: turn no longer pending", gamekit.ErrInvalidState)
	}

	if _, err := m.sched.Cancel(ctx, timeout.JobID(timeout.PhaseSubmission, turnID)); err != nil {
		m.log.Error("could not cancel submission timeout", slog.String("turn_id", turnID), slogx.Err(err))
	}

	m.log.Info("turn completed",
		slog.String("turn_id", turnID),
		slog.String("player_id", playerID),
	)
	return next, nil
}

// Dismiss returns an offered turn to available, clearing the player
// binding, and disarms the claim timeout.
func (m *Manager) Dismiss(ctx context.Context, turnID string) (gamekit.Turn, error) {
	turn, err := m.db.GetTurn(ctx, turnID)
	if err != nil {
		return gamekit.Turn{}, err
	}
	if turn.Status != gamekit.TurnOffered {
		return gamekit.Turn{}, fmt.Errorf("%w: dismiss %v turn", gamekit.ErrInvalidState, turn.Status)
	}

	next := turn.Clone()
	next.Status = gamekit.TurnAvailable
	next.PlayerID = nil
	next.OfferedAt = nil

	ok, err := m.db.UpdateTurnIf(ctx, next, gamekit.TurnOffered)
	if err != nil {
		return gamekit.Turn{}, fmt.Errorf("dismiss turn: %w", err)
	}
	if !ok {
		return gamekit.Turn{}, fmt.Errorf("%w: turn no longer offered", gamekit.ErrInvalidState)
	}

	if _, err := m.sched.Cancel(ctx, timeout.JobID(timeout.PhaseClaim, turnID)); err != nil {
		m.log.Error("could not cancel claim timeout", slog.String("turn_id", turnID), slogx.Err(err))
	}

	m.log.Info("turn dismissed", slog.String("turn_id", turnID))
	return next, nil
}

// Skip terminates an offered or pending turn and disarms any
// outstanding timeout. Skipping an already terminal turn is an
// idempotent no-op returning the turn unchanged.
func (m *Manager) Skip(ctx context.Context, turnID string) (gamekit.Turn, error) {
	turn, err := m.db.GetTurn(ctx, turnID)
	if err != nil {
		return gamekit.Turn{}, err
	}
	if turn.Status.IsTerminal() {
		return turn, nil
	}
	if turn.Status != gamekit.TurnOffered && turn.Status != gamekit.TurnPending {
		return gamekit.Turn{}, fmt.Errorf("%w: skip %v turn", gamekit.ErrInvalidState, turn.Status)
	}

	phase := timeout.PhaseClaim
	if turn.Status == gamekit.TurnPending {
		phase = timeout.PhaseSubmission
	}

	now := timeutil.NowUTC()
	next := turn.Clone()
	next.Status = gamekit.TurnSkipped
	next.SkippedAt = &now

	ok, err := m.db.UpdateTurnIf(ctx, next, turn.Status)
	if err != nil {
		return gamekit.Turn{}, fmt.Errorf("skip turn: %w", err)
	}
	if !ok {
		return gamekit.Turn{}, fmt.Errorf("%w: turn changed concurrently", gamekit.ErrInvalidState)
	}

	if _, err := m.sched.Cancel(ctx, timeout.JobID(phase, turnID)); err != nil {
		m.log.Error("could not cancel timeout", slog.String("turn_id", turnID), slogx.Err(err))
	}

	m.log.Info("turn skipped", slog.String("turn_id", turnID))
	return next, nil
}
