package selector

import (
	"github.com/foldtale/foldtale/internal/gamekit"
	"github.com/foldtale/foldtale/internal/util/sliceutil"
)

// Rule narrows a candidate set. Rules are pure and applied in order;
// a rule that would leave nobody is skipped by the caller.
type Rule func(cs []Candidate) []Candidate

func filter(cs []Candidate, keep func(Candidate) bool) []Candidate {
	return sliceutil.FilterMap(cs, func(c Candidate) (Candidate, bool) {
		return c, keep(c)
	})
}

// AntiRepeatRule avoids offering a turn to the player who took the
// immediately preceding turn of the same game. This is a single-game
// lookback only; season-wide repeat-sequence tracking is a follow-up.
func AntiRepeatRule(prevPlayerID *string) Rule {
	return func(cs []Candidate) []Candidate {
		if prevPlayerID == nil {
			return cs
		}
		return filter(cs, func(c Candidate) bool {
			return c.Player.ID != *prevPlayerID
		})
	}
}

// QuotaCapRule drops candidates who already hold at least
// floor(totalPlayers/2) turns of the requested type this season.
func QuotaCapRule(turnType gamekit.TurnType, totalPlayers int) Rule {
	threshold := totalPlayers / 2
	return func(cs []Candidate) []Candidate {
		return filter(cs, func(c Candidate) bool {
			return c.CountFor(turnType) < threshold
		})
	}
}

// MinCountRule keeps only the candidates with the globally minimal
// count of turns of the requested type.
func MinCountRule(turnType gamekit.TurnType) Rule {
	return func(cs []Candidate) []Candidate {
		if len(cs) == 0 {
			return cs
		}
		best := cs[0].CountFor(turnType)
		for _, c := range cs[1:] {
			best = min(best, c.CountFor(turnType))
		}
		return filter(cs, func(c Candidate) bool {
			return c.CountFor(turnType) == best
		})
	}
}

// FewestPendingRule keeps only the candidates with the minimal number
// of pending turns.
func FewestPendingRule() Rule {
	return func(cs []Candidate) []Candidate {
		if len(cs) == 0 {
			return cs
		}
		best := cs[0].Pending
		for _, c := range cs[1:] {
			best = min(best, c.Pending)
		}
		return filter(cs, func(c Candidate) bool {
			return c.Pending == best
		})
	}
}
