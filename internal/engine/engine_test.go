package engine_test

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/foldtale/foldtale/internal/database"
	"github.com/foldtale/foldtale/internal/engine"
	"github.com/foldtale/foldtale/internal/event"
	"github.com/foldtale/foldtale/internal/gamekit"
	"github.com/foldtale/foldtale/internal/lifecycle"
	"github.com/foldtale/foldtale/internal/timeout"
)

type testRig struct {
	eng   *engine.Engine
	db    *database.DB
	bus   *event.Bus
	sched *timeout.Scheduler
	evs   <-chan event.Event
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	log := slog.Default()
	path := fmt.Sprintf("file:%v?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := database.New(log, database.Options{Path: path})
	require.NoError(t, err)
	t.Cleanup(db.Close)

	bus := event.NewBus(256)
	evs, unsub := bus.Subscribe()
	t.Cleanup(unsub)

	sched := timeout.New(log, db, timeout.Options{})
	t.Cleanup(sched.Close)
	life := lifecycle.New(log, db, sched)
	eng := engine.New(log, db, life, sched, bus)
	eng.Bind(sched)
	require.NoError(t, sched.Recover(context.Background()))

	return &testRig{eng: eng, db: db, bus: bus, sched: sched, evs: evs}
}

func (r *testRig) eventKinds() map[event.Kind]int {
	kinds := make(map[event.Kind]int)
	for {
		select {
		case e := <-r.evs:
			kinds[e.Kind]++
		default:
			return kinds
		}
	}
}

// startedSeason creates a two-player writing-only season and starts it.
func startedSeason(t *testing.T, r *testRig) (gamekit.Season, []gamekit.Player, []gamekit.Game) {
	t.Helper()
	ctx := context.Background()
	season, err := r.eng.CreateSeason(ctx, "test season", gamekit.SeasonConfig{
		MinPlayers:  2,
		MaxPlayers:  4,
		TurnPattern: []gamekit.TurnType{gamekit.TurnWriting},
	})
	require.NoError(t, err)
	require.Equal(t, gamekit.SeasonSetup, season.Status)

	p1, err := r.eng.JoinSeason(ctx, season.ID, "ext-1", "Alice")
	require.NoError(t, err)
	p2, err := r.eng.JoinSeason(ctx, season.ID, "ext-2", "Bob")
	require.NoError(t, err)

	require.NoError(t, r.eng.StartSeason(ctx, season.ID))
	season, err = r.db.GetSeason(ctx, season.ID)
	require.NoError(t, err)
	require.Equal(t, gamekit.SeasonActive, season.Status)

	games, err := r.db.ListSeasonGames(ctx, season.ID)
	require.NoError(t, err)
	require.Len(t, games, 2)

	return season, []gamekit.Player{p1, p2}, games
}

func offeredTurn(t *testing.T, r *testRig, gameID string) gamekit.Turn {
	t.Helper()
	turns, err := r.db.ListGameTurns(context.Background(), gameID)
	require.NoError(t, err)
	for _, turn := range turns {
		if turn.Status == gamekit.TurnOffered {
			require.NotNil(t, turn.PlayerID)
			return turn
		}
	}
	t.Fatalf("no offered turn in game %v", gameID)
	return gamekit.Turn{}
}

// playTurn claims and submits the currently offered turn of the game,
// returning the player who took it.
func playTurn(t *testing.T, r *testRig, gameID string) string {
	t.Helper()
	ctx := context.Background()
	turn := offeredTurn(t, r, gameID)
	player := *turn.PlayerID

	claimed, err := r.eng.Claim(ctx, turn.ID, player)
	require.NoError(t, err)
	require.Equal(t, gamekit.TurnPending, claimed.Status)

	done, err := r.eng.Submit(ctx, turn.ID, player, "and then it rained", gamekit.ContentText)
	require.NoError(t, err)
	require.Equal(t, gamekit.TurnCompleted, done.Status)
	return player
}

func TestJoinSeason(t *testing.T) {
	ctx := context.Background()
	r := newTestRig(t)

	season, err := r.eng.CreateSeason(ctx, "", gamekit.SeasonConfig{MinPlayers: 2, MaxPlayers: 2})
	require.NoError(t, err)
	require.NotEmpty(t, season.Name, "a missing name gets generated")

	_, err = r.eng.JoinSeason(ctx, season.ID, "ext-1", "Alice")
	require.NoError(t, err)
	cur, err := r.db.GetSeason(ctx, season.ID)
	require.NoError(t, err)
	require.Equal(t, gamekit.SeasonSetup, cur.Status)

	_, err = r.eng.JoinSeason(ctx, season.ID, "ext-2", "Bob")
	require.NoError(t, err)
	cur, err = r.db.GetSeason(ctx, season.ID)
	require.NoError(t, err)
	require.Equal(t, gamekit.SeasonOpen, cur.Status, "season opens at min players")

	_, err = r.eng.JoinSeason(ctx, season.ID, "ext-1", "Alice")
	require.ErrorIs(t, err, gamekit.ErrAlreadyJoined)

	_, err = r.eng.JoinSeason(ctx, season.ID, "ext-3", "Carol")
	require.ErrorIs(t, err, gamekit.ErrSeasonFull)

	_, err = r.eng.JoinSeason(ctx, "missing", "ext-4", "Dave")
	require.ErrorIs(t, err, gamekit.ErrSeasonNotFound)
}

func TestStartSeasonOffersFirstTurns(t *testing.T) {
	ctx := context.Background()
	r := newTestRig(t)
	_, players, games := startedSeason(t, r)

	offered := make(map[string]bool)
	for _, game := range games {
		cur, err := r.db.GetGame(ctx, game.ID)
		require.NoError(t, err)
		require.Equal(t, gamekit.GameActive, cur.Status)

		turn := offeredTurn(t, r, game.ID)
		require.Equal(t, 1, turn.TurnNumber)
		require.Equal(t, gamekit.TurnWriting, turn.Type)
		require.NotNil(t, turn.OfferedAt)
		offered[*turn.PlayerID] = true

		// Every offer arms a durable claim timer.
		jobs, err := r.db.ListJobs(ctx)
		require.NoError(t, err)
		require.Contains(t, jobIDs(jobs), timeout.JobID(timeout.PhaseClaim, turn.ID))
	}
	require.Len(t, offered, len(players), "first turns go to distinct players")

	kinds := r.eventKinds()
	require.Equal(t, 1, kinds[event.KindSeasonStarted])
	require.Equal(t, len(games), kinds[event.KindTurnOffered])
}

func TestStartSeasonRequiresOpen(t *testing.T) {
	ctx := context.Background()
	r := newTestRig(t)
	season, err := r.eng.CreateSeason(ctx, "early", gamekit.SeasonConfig{MinPlayers: 2, MaxPlayers: 4})
	require.NoError(t, err)

	err = r.eng.StartSeason(ctx, season.ID)
	require.ErrorIs(t, err, gamekit.ErrInvalidState)
}

func TestFullGameFlow(t *testing.T) {
	ctx := context.Background()
	r := newTestRig(t)
	season, players, games := startedSeason(t, r)

	for _, game := range games {
		first := playTurn(t, r, game.ID)
		second := playTurn(t, r, game.ID)
		require.NotEqual(t, first, second, "a player folds into each tale once")

		cur, err := r.db.GetGame(ctx, game.ID)
		require.NoError(t, err)
		require.Equal(t, gamekit.GameCompleted, cur.Status)

		complete, err := r.eng.IsComplete(ctx, game.ID)
		require.NoError(t, err)
		require.True(t, complete)
	}

	cur, err := r.db.GetSeason(ctx, season.ID)
	require.NoError(t, err)
	require.Equal(t, gamekit.SeasonCompleted, cur.Status)

	// Nothing left armed once every tale is told.
	jobs, err := r.db.ListJobs(ctx)
	require.NoError(t, err)
	require.Empty(t, jobs)

	kinds := r.eventKinds()
	require.Equal(t, len(players)*len(games), kinds[event.KindTurnCompleted])
	require.Equal(t, len(games), kinds[event.KindGameCompleted])
	require.Equal(t, 1, kinds[event.KindSeasonCompleted])
}

func TestAlternatingPatternSeason(t *testing.T) {
	ctx := context.Background()
	r := newTestRig(t)

	season, err := r.eng.CreateSeason(ctx, "alternating", gamekit.SeasonConfig{
		MinPlayers:  4,
		MaxPlayers:  4,
		TurnPattern: []gamekit.TurnType{gamekit.TurnWriting, gamekit.TurnDrawing},
	})
	require.NoError(t, err)

	var playerIDs []string
	for i := 1; i <= 4; i++ {
		p, err := r.eng.JoinSeason(ctx, season.ID, fmt.Sprintf("ext-%v", i), fmt.Sprintf("Player %v", i))
		require.NoError(t, err)
		playerIDs = append(playerIDs, p.ID)
	}
	require.NoError(t, r.eng.StartSeason(ctx, season.ID))

	games, err := r.db.ListSeasonGames(ctx, season.ID)
	require.NoError(t, err)
	require.Len(t, games, 4)

	// The very first offer sees four equally eligible players, so the
	// deterministic tie-break picks the lowest player ID.
	lowest := playerIDs[0]
	for _, id := range playerIDs[1:] {
		if id < lowest {
			lowest = id
		}
	}
	first := offeredTurn(t, r, games[0].ID)
	require.Equal(t, gamekit.TurnWriting, first.Type)
	require.Equal(t, lowest, *first.PlayerID)

	firstPlayer := playTurn(t, r, games[0].ID)

	// The second turn follows the pattern and goes to somebody else.
	second := offeredTurn(t, r, games[0].ID)
	require.Equal(t, 2, second.TurnNumber)
	require.Equal(t, gamekit.TurnDrawing, second.Type)
	require.NotEqual(t, firstPlayer, *second.PlayerID)

	// An unclaimed offer times out, is dismissed and re-offered.
	r.eng.HandleClaimTimeout(ctx, timeout.Job{
		ID:       timeout.JobID(timeout.PhaseClaim, second.ID),
		Phase:    timeout.PhaseClaim,
		TurnID:   second.ID,
		PlayerID: *second.PlayerID,
	})
	again := offeredTurn(t, r, games[0].ID)
	require.Equal(t, second.ID, again.ID)
	require.NotEqual(t, firstPlayer, *again.PlayerID)

	// Drawing turns take image content.
	claimed, err := r.eng.Claim(ctx, again.ID, *again.PlayerID)
	require.NoError(t, err)
	_, err = r.eng.Submit(ctx, claimed.ID, *claimed.PlayerID, "a story", gamekit.ContentText)
	require.ErrorIs(t, err, gamekit.ErrValidation)
	done, err := r.eng.Submit(ctx, claimed.ID, *claimed.PlayerID, "attachment://fold-2.png", gamekit.ContentImage)
	require.NoError(t, err)
	require.Equal(t, gamekit.TurnCompleted, done.Status)
}

func TestClaimByWrongPlayer(t *testing.T) {
	ctx := context.Background()
	r := newTestRig(t)
	_, _, games := startedSeason(t, r)

	turn := offeredTurn(t, r, games[0].ID)
	_, err := r.eng.Claim(ctx, turn.ID, "not-the-offered-player")
	require.ErrorIs(t, err, gamekit.ErrInvalidState)
}

func TestClaimTimeoutReoffers(t *testing.T) {
	ctx := context.Background()
	r := newTestRig(t)
	_, _, games := startedSeason(t, r)

	turn := offeredTurn(t, r, games[0].ID)
	firstPlayer := *turn.PlayerID

	r.eng.HandleClaimTimeout(ctx, timeout.Job{
		ID:       timeout.JobID(timeout.PhaseClaim, turn.ID),
		Phase:    timeout.PhaseClaim,
		TurnID:   turn.ID,
		PlayerID: firstPlayer,
	})

	// The turn is back in play, offered again.
	again := offeredTurn(t, r, games[0].ID)
	require.Equal(t, turn.ID, again.ID)
	require.NotNil(t, again.PlayerID)

	kinds := r.eventKinds()
	require.GreaterOrEqual(t, kinds[event.KindTurnDismissed], 1)
}

func TestClaimTimeoutLosesRace(t *testing.T) {
	ctx := context.Background()
	r := newTestRig(t)
	_, _, games := startedSeason(t, r)

	turn := offeredTurn(t, r, games[0].ID)
	player := *turn.PlayerID
	_, err := r.eng.Claim(ctx, turn.ID, player)
	require.NoError(t, err)

	// A late claim timeout finds the turn already pending and backs off.
	r.eng.HandleClaimTimeout(ctx, timeout.Job{
		ID:       timeout.JobID(timeout.PhaseClaim, turn.ID),
		Phase:    timeout.PhaseClaim,
		TurnID:   turn.ID,
		PlayerID: player,
	})

	cur, err := r.db.GetTurn(ctx, turn.ID)
	require.NoError(t, err)
	require.Equal(t, gamekit.TurnPending, cur.Status)
	require.Equal(t, player, *cur.PlayerID)
}

func TestSubmissionTimeoutSkips(t *testing.T) {
	ctx := context.Background()
	r := newTestRig(t)
	_, _, games := startedSeason(t, r)

	turn := offeredTurn(t, r, games[0].ID)
	player := *turn.PlayerID
	_, err := r.eng.Claim(ctx, turn.ID, player)
	require.NoError(t, err)

	r.eng.HandleSubmissionTimeout(ctx, timeout.Job{
		ID:       timeout.JobID(timeout.PhaseSubmission, turn.ID),
		Phase:    timeout.PhaseSubmission,
		TurnID:   turn.ID,
		PlayerID: player,
	})

	cur, err := r.db.GetTurn(ctx, turn.ID)
	require.NoError(t, err)
	require.Equal(t, gamekit.TurnSkipped, cur.Status)
	require.NotNil(t, cur.SkippedAt)
	require.Equal(t, player, *cur.PlayerID, "a skipped turn keeps its player for statistics")

	// The game moved on to the next turn.
	next := offeredTurn(t, r, games[0].ID)
	require.Equal(t, turn.TurnNumber+1, next.TurnNumber)
	require.NotEqual(t, player, *next.PlayerID)

	kinds := r.eventKinds()
	require.GreaterOrEqual(t, kinds[event.KindTurnSkipped], 1)
}

func TestSkipIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := newTestRig(t)
	_, _, games := startedSeason(t, r)

	turn := offeredTurn(t, r, games[0].ID)
	skipped, err := r.eng.Skip(ctx, turn.ID)
	require.NoError(t, err)
	require.Equal(t, gamekit.TurnSkipped, skipped.Status)

	again, err := r.eng.Skip(ctx, turn.ID)
	require.NoError(t, err)
	require.Equal(t, gamekit.TurnSkipped, again.Status)
	require.WithinDuration(t, skipped.SkippedAt.UTC(), again.SkippedAt.UTC(), time.Second)
}

func TestGameState(t *testing.T) {
	ctx := context.Background()
	r := newTestRig(t)
	_, _, games := startedSeason(t, r)

	game, turns, err := r.eng.GameState(ctx, games[0].ID)
	require.NoError(t, err)
	require.Equal(t, games[0].ID, game.ID)
	require.Len(t, turns, 1)
	require.Equal(t, gamekit.TurnOffered, turns[0].Status)

	_, _, err = r.eng.GameState(ctx, "missing")
	require.ErrorIs(t, err, gamekit.ErrGameNotFound)
}

func TestTerminateSeason(t *testing.T) {
	ctx := context.Background()
	r := newTestRig(t)
	season, _, games := startedSeason(t, r)

	require.NoError(t, r.eng.TerminateSeason(ctx, season.ID))

	cur, err := r.db.GetSeason(ctx, season.ID)
	require.NoError(t, err)
	require.Equal(t, gamekit.SeasonTerminated, cur.Status)
	for _, game := range games {
		g, err := r.db.GetGame(ctx, game.ID)
		require.NoError(t, err)
		require.Equal(t, gamekit.GameTerminated, g.Status)
	}

	// Outstanding claim timers are disarmed and their records consumed.
	jobs, err := r.db.ListJobs(ctx)
	require.NoError(t, err)
	require.Empty(t, jobs)

	// Terminating twice is a no-op.
	require.NoError(t, r.eng.TerminateSeason(ctx, season.ID))

	// A terminated game refuses further offers without failing.
	_, ok, err := r.eng.OfferNext(ctx, games[0].ID, "poke")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDismissReoffers(t *testing.T) {
	ctx := context.Background()
	r := newTestRig(t)
	_, _, games := startedSeason(t, r)

	turn := offeredTurn(t, r, games[0].ID)
	dismissed, err := r.eng.Dismiss(ctx, turn.ID)
	require.NoError(t, err)
	require.Nil(t, dismissed.PlayerID)

	again := offeredTurn(t, r, games[0].ID)
	require.Equal(t, turn.ID, again.ID)
}

func TestClaimRefusedWhileHoldingPendingTurn(t *testing.T) {
	ctx := context.Background()
	r := newTestRig(t)

	season, err := r.eng.CreateSeason(ctx, "three tales", gamekit.SeasonConfig{
		MinPlayers:  3,
		MaxPlayers:  3,
		TurnPattern: []gamekit.TurnType{gamekit.TurnWriting},
	})
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		_, err := r.eng.JoinSeason(ctx, season.ID, fmt.Sprintf("ext-%v", i), fmt.Sprintf("Player %v", i))
		require.NoError(t, err)
	}
	require.NoError(t, r.eng.StartSeason(ctx, season.ID))
	games, err := r.db.ListSeasonGames(ctx, season.ID)
	require.NoError(t, err)
	require.Len(t, games, 3)

	// Completing the first turn of one game offers its second turn to a
	// player who still holds the opening offer of another game.
	playTurn(t, r, games[0].ID)
	second := offeredTurn(t, r, games[0].ID)
	player := *second.PlayerID

	var elsewhere gamekit.Turn
	for _, game := range games[1:] {
		if turn := offeredTurn(t, r, game.ID); *turn.PlayerID == player {
			elsewhere = turn
		}
	}
	require.NotEmpty(t, elsewhere.ID, "first offers go to distinct players")

	_, err = r.eng.Claim(ctx, second.ID, player)
	require.NoError(t, err)

	// The second claim would give the player two pending turns at once.
	_, err = r.eng.Claim(ctx, elsewhere.ID, player)
	require.ErrorIs(t, err, gamekit.ErrInvalidState)

	all, err := r.db.ListSeasonTurns(ctx, season.ID)
	require.NoError(t, err)
	count := 0
	for _, turn := range all {
		if turn.Status == gamekit.TurnPending && turn.PlayerID != nil && *turn.PlayerID == player {
			count++
		}
	}
	require.Equal(t, 1, count)
	cur, err := r.db.GetTurn(ctx, elsewhere.ID)
	require.NoError(t, err)
	require.Equal(t, gamekit.TurnOffered, cur.Status)

	// Once the pending turn is submitted, the held-back offer opens up.
	_, err = r.eng.Submit(ctx, second.ID, player, "and then it rained", gamekit.ContentText)
	require.NoError(t, err)
	claimed, err := r.eng.Claim(ctx, elsewhere.ID, player)
	require.NoError(t, err)
	require.Equal(t, gamekit.TurnPending, claimed.Status)
}

func TestInvariantsUnderRandomOperations(t *testing.T) {
	ctx := context.Background()
	r := newTestRig(t)

	season, err := r.eng.CreateSeason(ctx, "randomized", gamekit.SeasonConfig{
		MinPlayers:  4,
		MaxPlayers:  4,
		TurnPattern: []gamekit.TurnType{gamekit.TurnWriting, gamekit.TurnDrawing},
	})
	require.NoError(t, err)
	var playerIDs []string
	for i := 1; i <= 4; i++ {
		p, err := r.eng.JoinSeason(ctx, season.ID, fmt.Sprintf("ext-%v", i), fmt.Sprintf("Player %v", i))
		require.NoError(t, err)
		playerIDs = append(playerIDs, p.ID)
	}
	require.NoError(t, r.eng.StartSeason(ctx, season.ID))
	games, err := r.db.ListSeasonGames(ctx, season.ID)
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(7, 7))
	pick := func(turns []gamekit.Turn) gamekit.Turn { return turns[rng.IntN(len(turns))] }
	tolerate := func(err error) {
		if err != nil {
			require.ErrorIs(t, err, gamekit.ErrInvalidState)
		}
	}

	for step := 0; step < 400; step++ {
		cur, err := r.db.GetSeason(ctx, season.ID)
		require.NoError(t, err)
		if cur.Status.IsFinished() {
			break
		}

		all, err := r.db.ListSeasonTurns(ctx, season.ID)
		require.NoError(t, err)
		var offered, pending []gamekit.Turn
		for _, turn := range all {
			switch turn.Status {
			case gamekit.TurnOffered:
				offered = append(offered, turn)
			case gamekit.TurnPending:
				pending = append(pending, turn)
			}
		}

		switch op := rng.IntN(8); {
		case op == 0:
			_, _, err := r.eng.OfferNext(ctx, games[rng.IntN(len(games))].ID, "nudge")
			require.NoError(t, err)
		case op <= 2 && len(offered) > 0:
			turn := pick(offered)
			player := *turn.PlayerID
			if rng.IntN(4) == 0 {
				player = playerIDs[rng.IntN(len(playerIDs))]
			}
			_, err := r.eng.Claim(ctx, turn.ID, player)
			tolerate(err)
		case op == 3 && len(pending) > 0:
			turn := pick(pending)
			content, contentType := "a fold", gamekit.ContentText
			if turn.Type == gamekit.TurnDrawing {
				content, contentType = "attachment://fold.png", gamekit.ContentImage
			}
			_, err := r.eng.Submit(ctx, turn.ID, *turn.PlayerID, content, contentType)
			tolerate(err)
		case op == 4 && len(offered) > 0:
			_, err := r.eng.Dismiss(ctx, pick(offered).ID)
			tolerate(err)
		case op == 5 && len(offered)+len(pending) > 0:
			turns := append(append([]gamekit.Turn{}, offered...), pending...)
			_, err := r.eng.Skip(ctx, pick(turns).ID)
			tolerate(err)
		case op == 6 && len(offered) > 0:
			turn := pick(offered)
			r.eng.HandleClaimTimeout(ctx, timeout.Job{
				ID:       timeout.JobID(timeout.PhaseClaim, turn.ID),
				Phase:    timeout.PhaseClaim,
				TurnID:   turn.ID,
				PlayerID: *turn.PlayerID,
			})
		case op == 7 && len(pending) > 0:
			turn := pick(pending)
			r.eng.HandleSubmissionTimeout(ctx, timeout.Job{
				ID:       timeout.JobID(timeout.PhaseSubmission, turn.ID),
				Phase:    timeout.PhaseSubmission,
				TurnID:   turn.ID,
				PlayerID: *turn.PlayerID,
			})
		}

		all, err = r.db.ListSeasonTurns(ctx, season.ID)
		require.NoError(t, err)
		assertTurnInvariants(t, all)
	}
}

// assertTurnInvariants checks that no player holds more than one pending
// turn in the season and that no player appears twice in one game.
func assertTurnInvariants(t *testing.T, turns []gamekit.Turn) {
	t.Helper()
	pendingPer := make(map[string]int)
	assignedPer := make(map[[2]string]int)
	for _, turn := range turns {
		if turn.PlayerID == nil {
			continue
		}
		if turn.Status == gamekit.TurnPending {
			pendingPer[*turn.PlayerID]++
		}
		if turn.Status.Assigned() {
			assignedPer[[2]string{turn.GameID, *turn.PlayerID}]++
		}
	}
	for player, n := range pendingPer {
		require.LessOrEqualf(t, n, 1, "player %v holds %v pending turns", player, n)
	}
	for key, n := range assignedPer {
		require.LessOrEqualf(t, n, 1, "player %v folded %v times into game %v", key[1], n, key[0])
	}
}

func jobIDs(jobs []timeout.Job) []string {
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	return ids
}
