package timeout

import (
	"fmt"

	"github.com/foldtale/foldtale/internal/util/timeutil"
)

type Phase string

const (
	PhaseClaim      Phase = "claim"
	PhaseSubmission Phase = "submission"
)

// JobID builds the deterministic job ID for a turn timeout, so that
// re-arming a timer for the same turn and phase replaces the old one.
func JobID(phase Phase, turnID string) string {
	return fmt.Sprintf("turn-%s-timeout-%s", phase, turnID)
}

type Job struct {
	ID       string           `gorm:"primaryKey"`
	Phase    Phase            `gorm:"index"`
	RunAt    timeutil.UTCTime `gorm:"index"`
	TurnID   string           `gorm:"index"`
	PlayerID string
}
