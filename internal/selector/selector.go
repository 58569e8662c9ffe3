package selector

import (
	"cmp"
	"errors"
	"slices"

	"github.com/foldtale/foldtale/internal/gamekit"
)

var ErrNoEligiblePlayers = errors.New("no eligible players")

// Candidate carries the season-wide turn statistics for one player.
// Writing and Drawing count turns in any assigned status (offered,
// pending, completed or skipped); Pending counts pending turns across
// the whole season.
type Candidate struct {
	Player       gamekit.Player
	Writing      int
	Drawing      int
	Pending      int
	PlayedInGame bool
}

func (c Candidate) CountFor(t gamekit.TurnType) int {
	switch t {
	case gamekit.TurnDrawing:
		return c.Drawing
	default:
		return c.Writing
	}
}

// BuildCandidates computes per-player statistics from all turns of a
// season. PlayedInGame is set for players holding any assigned turn
// within the target game.
func BuildCandidates(players []gamekit.Player, seasonTurns []gamekit.Turn, gameID string) []Candidate {
	byID := make(map[string]*Candidate, len(players))
	res := make([]Candidate, len(players))
	for i, p := range players {
		res[i] = Candidate{Player: p}
		byID[p.ID] = &res[i]
	}
	for _, t := range seasonTurns {
		if t.PlayerID == nil || !t.Status.Assigned() {
			continue
		}
		c, ok := byID[*t.PlayerID]
		if !ok {
			continue
		}
		switch t.Type {
		case gamekit.TurnWriting:
			c.Writing++
		case gamekit.TurnDrawing:
			c.Drawing++
		}
		if t.Status == gamekit.TurnPending {
			c.Pending++
		}
		if t.GameID == gameID {
			c.PlayedInGame = true
		}
	}
	return res
}

// Select returns the player that should be offered the next turn of the
// given type. prevPlayerID, when non-nil, is the player who took the
// immediately preceding turn of the same game. Hard constraints are
// applied first and may leave nobody; the remaining rules only narrow
// the candidate set and are skipped whenever they would empty it. Ties
// are broken by ascending player ID, so selection is deterministic.
func Select(candidates []Candidate, turnType gamekit.TurnType, prevPlayerID *string) (gamekit.Player, error) {
	totalPlayers := len(candidates)

	cs := mustEligible(candidates)
	if len(cs) == 0 {
		return gamekit.Player{}, ErrNoEligiblePlayers
	}

	rules := []Rule{
		AntiRepeatRule(prevPlayerID),
		QuotaCapRule(turnType, totalPlayers),
		MinCountRule(turnType),
		FewestPendingRule(),
	}
	for _, rule := range rules {
		cs = narrow(cs, rule)
	}

	slices.SortFunc(cs, func(a, b Candidate) int {
		return cmp.Compare(a.Player.ID, b.Player.ID)
	})
	return cs[0].Player, nil
}

// mustEligible applies the hard constraints: a player never gets a
// second turn in the same game and never holds more than one pending
// turn across the season.
func mustEligible(cs []Candidate) []Candidate {
	res := make([]Candidate, 0, len(cs))
	for _, c := range cs {
		if c.PlayedInGame || c.Pending > 0 {
			continue
		}
		res = append(res, c)
	}
	return res
}

func narrow(cs []Candidate, rule Rule) []Candidate {
	out := rule(cs)
	if len(out) == 0 {
		return cs
	}
	return out
}
