package lifecycle

import (
	"context"

	"github.com/foldtale/foldtale/internal/gamekit"
	"github.com/foldtale/foldtale/internal/timeout"
)

type DB interface {
	GetTurn(ctx context.Context, turnID string) (gamekit.Turn, error)
	ListSeasonTurns(ctx context.Context, seasonID string) ([]gamekit.Turn, error)
	// UpdateTurnIf overwrites the stored turn only while its current
	// status still equals expect, and reports whether the write landed.
	// The check must be atomic at the store level; it is the sole
	// concurrency-safety mechanism for turn transitions.
	UpdateTurnIf(ctx context.Context, turn gamekit.Turn, expect gamekit.TurnStatus) (bool, error)
}

type Scheduler interface {
	Schedule(ctx context.Context, job timeout.Job) error
	Cancel(ctx context.Context, jobID string) (bool, error)
}
