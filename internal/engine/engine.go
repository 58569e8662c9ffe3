package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	petname "github.com/dustinkirkland/golang-petname"

	"github.com/foldtale/foldtale/internal/event"
	"github.com/foldtale/foldtale/internal/gamekit"
	"github.com/foldtale/foldtale/internal/lifecycle"
	"github.com/foldtale/foldtale/internal/selector"
	"github.com/foldtale/foldtale/internal/timeout"
	"github.com/foldtale/foldtale/internal/util/idgen"
	"github.com/foldtale/foldtale/internal/util/slogx"
	"github.com/foldtale/foldtale/internal/util/timeutil"
)

// Engine is the single long-lived orchestrator. It owns the season and
// game flow, asks the selector for the next eligible player, drives the
// turn lifecycle and evaluates game completion. One instance serves the
// whole process; all collaborators are injected at construction.
type Engine struct {
	db    DB
	life  *lifecycle.Manager
	sched lifecycle.Scheduler
	bus   *event.Bus
	log   *slog.Logger
}

func New(log *slog.Logger, db DB, life *lifecycle.Manager, sched lifecycle.Scheduler, bus *event.Bus) *Engine {
	return &Engine{
		db:    db,
		life:  life,
		sched: sched,
		bus:   bus,
		log:   log,
	}
}

// Bind registers the engine's timeout handlers on the scheduler. Call
// before Scheduler.Recover, so recovered jobs find their handlers.
func (e *Engine) Bind(s *timeout.Scheduler) {
	s.Handle(timeout.PhaseClaim, e.HandleClaimTimeout)
	s.Handle(timeout.PhaseSubmission, e.HandleSubmissionTimeout)
}

func (e *Engine) CreateSeason(ctx context.Context, name string, cfg gamekit.SeasonConfig) (gamekit.Season, error) {
	cfg.FillDefaults()
	if err := cfg.Validate(); err != nil {
		return gamekit.Season{}, fmt.Errorf("%w: %v", gamekit.ErrValidation, err)
	}
	if name == "" {
		name = petname.Generate(2, " ")
	}
	season := gamekit.Season{
		ID:        idgen.ID(),
		Name:      name,
		Status:    gamekit.SeasonSetup,
		Config:    cfg,
		CreatedAt: timeutil.NowUTC(),
	}
	if err := e.db.CreateSeason(ctx, season); err != nil {
		return gamekit.Season{}, fmt.Errorf("create season: %w", err)
	}
	e.log.Info("season created",
		slog.String("season_id", season.ID),
		slog.String("name", season.Name),
	)
	return season, nil
}

// JoinSeason registers a player (created lazily on first interaction)
// as a season member. The season flips from setup to open once the
// minimum player count is reached.
func (e *Engine) JoinSeason(ctx context.Context, seasonID, externalID, displayName string) (gamekit.Player, error) {
	season, err := e.db.GetSeason(ctx, seasonID)
	if err != nil {
		return gamekit.Player{}, err
	}
	if !season.Status.Joinable() {
		return gamekit.Player{}, fmt.Errorf("%w: join %v season", gamekit.ErrInvalidState, season.Status)
	}
	players, err := e.db.ListSeasonPlayers(ctx, seasonID)
	if err != nil {
		return gamekit.Player{}, fmt.Errorf("list season players: %w", err)
	}
	if len(players) >= season.Config.MaxPlayers {
		return gamekit.Player{}, gamekit.ErrSeasonFull
	}

	if displayName == "" {
		displayName = petname.Generate(2, " ")
	}
	player, err := e.db.UpsertPlayer(ctx, gamekit.Player{
		ID:          idgen.ID(),
		ExternalID:  externalID,
		DisplayName: displayName,
	})
	if err != nil {
		return gamekit.Player{}, fmt.Errorf("upsert player: %w", err)
	}
	if err := e.db.AddSeasonMember(ctx, gamekit.SeasonMember{
		SeasonID: seasonID,
		PlayerID: player.ID,
		JoinedAt: timeutil.NowUTC(),
	}); err != nil {
		return gamekit.Player{}, err
	}

	if season.Status == gamekit.SeasonSetup && len(players)+1 >= season.Config.MinPlayers {
		if _, err := e.db.UpdateSeasonStatusIf(ctx, seasonID, gamekit.SeasonSetup, gamekit.SeasonOpen); err != nil {
			e.log.Error("could not open season", slog.String("season_id", seasonID), slogx.Err(err))
		}
	}

	e.log.Info("player joined season",
		slog.String("season_id", seasonID),
		slog.String("player_id", player.ID),
	)
	return player, nil
}

// StartSeason activates an open season and creates one game per member,
// each with its first turn available and immediately offered.
func (e *Engine) StartSeason(ctx context.Context, seasonID string) error {
	ok, err := e.db.UpdateSeasonStatusIf(ctx, seasonID, gamekit.SeasonOpen, gamekit.SeasonActive)
	if err != nil {
		return fmt.Errorf("activate season: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: season not open", gamekit.ErrInvalidState)
	}

	season, err := e.db.GetSeason(ctx, seasonID)
	if err != nil {
		return err
	}
	players, err := e.db.ListSeasonPlayers(ctx, seasonID)
	if err != nil {
		return fmt.Errorf("list season players: %w", err)
	}

	for range players {
		game := gamekit.Game{
			ID:        idgen.ID(),
			SeasonID:  seasonID,
			Name:      petname.Generate(2, "-"),
			Status:    gamekit.GamePendingStart,
			CreatedAt: timeutil.NowUTC(),
		}
		if err := e.db.CreateGame(ctx, game); err != nil {
			return fmt.Errorf("create game: %w", err)
		}
		if err := e.db.CreateTurn(ctx, gamekit.Turn{
			ID:         idgen.ID(),
			GameID:     game.ID,
			SeasonID:   seasonID,
			TurnNumber: 1,
			Type:       season.Config.TypeAt(1),
			Status:     gamekit.TurnAvailable,
		}); err != nil {
			return fmt.Errorf("create first turn: %w", err)
		}
		if _, _, err := e.OfferNext(ctx, game.ID, "season started"); err != nil {
			e.log.Error("could not offer first turn",
				slog.String("game_id", game.ID), slogx.Err(err))
		}
	}

	e.bus.Publish(event.Event{Kind: event.KindSeasonStarted, SeasonID: seasonID})
	e.log.Info("season started",
		slog.String("season_id", seasonID),
		slog.Int("games", len(players)),
	)
	return nil
}

// OfferNext finds the game's lowest-numbered available turn and offers
// it to the selected player. When no turn is available it evaluates
// game completion instead. A NoEligiblePlayers outcome is non-fatal:
// the game stalls with no offer made, signalled by ok == false, and is
// not retried by the engine itself.
func (e *Engine) OfferNext(ctx context.Context, gameID, reason string) (gamekit.Turn, bool, error) {
	log := e.log.With(slog.String("game_id", gameID), slog.String("reason", reason))

	game, err := e.db.GetGame(ctx, gameID)
	if err != nil {
		return gamekit.Turn{}, false, err
	}
	if game.Status.IsFinished() {
		log.Info("not offering turn in finished game")
		return gamekit.Turn{}, false, nil
	}

	turns, err := e.db.ListGameTurns(ctx, gameID)
	if err != nil {
		return gamekit.Turn{}, false, fmt.Errorf("list game turns: %w", err)
	}
	var target *gamekit.Turn
	for i := range turns {
		if turns[i].Status == gamekit.TurnAvailable {
			target = &turns[i]
			break
		}
	}
	if target == nil {
		if _, err := e.evaluateCompletion(ctx, game); err != nil {
			return gamekit.Turn{}, false, err
		}
		return gamekit.Turn{}, false, nil
	}

	season, err := e.db.GetSeason(ctx, game.SeasonID)
	if err != nil {
		return gamekit.Turn{}, false, err
	}
	players, err := e.db.ListSeasonPlayers(ctx, game.SeasonID)
	if err != nil {
		return gamekit.Turn{}, false, fmt.Errorf("list season players: %w", err)
	}
	seasonTurns, err := e.db.ListSeasonTurns(ctx, game.SeasonID)
	if err != nil {
		return gamekit.Turn{}, false, fmt.Errorf("list season turns: %w", err)
	}

	var prevPlayerID *string
	for i := range turns {
		if turns[i].TurnNumber == target.TurnNumber-1 {
			prevPlayerID = turns[i].PlayerID
			break
		}
	}

	candidates := selector.BuildCandidates(players, seasonTurns, gameID)
	player, err := selector.Select(candidates, target.Type, prevPlayerID)
	if err != nil {
		if errors.Is(err, selector.ErrNoEligiblePlayers) {
			log.Warn("no eligible players, game stalls",
				slog.String("turn_id", target.ID),
				slog.String("turn_type", target.Type.String()),
			)
			e.bus.Publish(event.Event{
				Kind:     event.KindOfferStalled,
				SeasonID: game.SeasonID,
				GameID:   gameID,
				TurnID:   target.ID,
				Reason:   reason,
			})
			return gamekit.Turn{}, false, nil
		}
		return gamekit.Turn{}, false, fmt.Errorf("select player: %w", err)
	}

	offered, err := e.life.Offer(ctx, *target, player, season.Config)
	if err != nil {
		return gamekit.Turn{}, false, fmt.Errorf("offer turn: %w", err)
	}
	if _, err := e.db.UpdateGameStatusIf(ctx, gameID, gamekit.GamePendingStart, gamekit.GameActive); err != nil {
		log.Error("could not activate game", slogx.Err(err))
	}

	e.bus.Publish(event.Event{
		Kind:     event.KindTurnOffered,
		SeasonID: game.SeasonID,
		GameID:   gameID,
		TurnID:   offered.ID,
		PlayerID: player.ID,
		Reason:   reason,
	})
	return offered, true, nil
}

func (e *Engine) Claim(ctx context.Context, turnID, playerID string) (gamekit.Turn, error) {
	season, err := e.seasonForTurn(ctx, turnID)
	if err != nil {
		return gamekit.Turn{}, err
	}
	turn, err := e.life.Claim(ctx, turnID, playerID, season.Config)
	if err != nil {
		return gamekit.Turn{}, err
	}
	e.bus.Publish(event.Event{
		Kind:     event.KindTurnClaimed,
		SeasonID: turn.SeasonID,
		GameID:   turn.GameID,
		TurnID:   turn.ID,
		PlayerID: playerID,
	})
	return turn, nil
}

func (e *Engine) Submit(ctx context.Context, turnID, playerID, content string, contentType gamekit.ContentType) (gamekit.Turn, error) {
	turn, err := e.life.Submit(ctx, turnID, playerID, content, contentType)
	if err != nil {
		return gamekit.Turn{}, err
	}
	e.bus.Publish(event.Event{
		Kind:     event.KindTurnCompleted,
		SeasonID: turn.SeasonID,
		GameID:   turn.GameID,
		TurnID:   turn.ID,
		PlayerID: playerID,
	})
	if err := e.advance(ctx, turn, "turn completed"); err != nil {
		e.log.Error("could not advance game after submission",
			slog.String("game_id", turn.GameID), slogx.Err(err))
	}
	return turn, nil
}

func (e *Engine) Dismiss(ctx context.Context, turnID string) (gamekit.Turn, error) {
	turn, err := e.life.Dismiss(ctx, turnID)
	if err != nil {
		return gamekit.Turn{}, err
	}
	e.bus.Publish(event.Event{
		Kind:     event.KindTurnDismissed,
		SeasonID: turn.SeasonID,
		GameID:   turn.GameID,
		TurnID:   turn.ID,
		Reason:   "dismissed by user",
	})
	if _, _, err := e.OfferNext(ctx, turn.GameID, "dismissed by user"); err != nil {
		e.log.Error("could not re-offer after dismissal",
			slog.String("game_id", turn.GameID), slogx.Err(err))
	}
	return turn, nil
}

func (e *Engine) Skip(ctx context.Context, turnID string) (gamekit.Turn, error) {
	cur, err := e.db.GetTurn(ctx, turnID)
	if err != nil {
		return gamekit.Turn{}, err
	}
	if cur.Status.IsTerminal() {
		return cur, nil
	}
	turn, err := e.life.Skip(ctx, turnID)
	if err != nil {
		return gamekit.Turn{}, err
	}
	e.bus.Publish(event.Event{
		Kind:     event.KindTurnSkipped,
		SeasonID: turn.SeasonID,
		GameID:   turn.GameID,
		TurnID:   turn.ID,
	})
	if err := e.advance(ctx, turn, "turn skipped"); err != nil {
		e.log.Error("could not advance game after skip",
			slog.String("game_id", turn.GameID), slogx.Err(err))
	}
	return turn, nil
}

// IsComplete reports whether every season player holds a terminal turn
// in the game. The first true evaluation flips the game status and, when
// it was the season's last running game, the season status.
func (e *Engine) IsComplete(ctx context.Context, gameID string) (bool, error) {
	game, err := e.db.GetGame(ctx, gameID)
	if err != nil {
		return false, err
	}
	return e.evaluateCompletion(ctx, game)
}

// GameState returns the game and its ordered turn sequence along with
// the current completion verdict, without flipping any status.
func (e *Engine) GameState(ctx context.Context, gameID string) (gamekit.Game, []gamekit.Turn, error) {
	game, err := e.db.GetGame(ctx, gameID)
	if err != nil {
		return gamekit.Game{}, nil, err
	}
	turns, err := e.db.ListGameTurns(ctx, gameID)
	if err != nil {
		return gamekit.Game{}, nil, fmt.Errorf("list game turns: %w", err)
	}
	return game, turns, nil
}

// HandleClaimTimeout fires when an offered turn was not claimed in
// time: the turn is dismissed back to available and re-offered.
func (e *Engine) HandleClaimTimeout(ctx context.Context, job timeout.Job) {
	log := e.log.With(slog.String("turn_id", job.TurnID))
	turn, err := e.life.Dismiss(ctx, job.TurnID)
	if err != nil {
		if errors.Is(err, gamekit.ErrInvalidState) {
			log.Info("claim timeout lost the race, turn already moved on")
			return
		}
		log.Error("could not dismiss turn on claim timeout", slogx.Err(err))
		return
	}
	e.bus.Publish(event.Event{
		Kind:     event.KindTurnDismissed,
		SeasonID: turn.SeasonID,
		GameID:   turn.GameID,
		TurnID:   turn.ID,
		PlayerID: job.PlayerID,
		Reason:   "claim timeout",
	})
	if _, _, err := e.OfferNext(ctx, turn.GameID, "claim timeout"); err != nil {
		log.Error("could not re-offer after claim timeout", slogx.Err(err))
	}
}

// HandleSubmissionTimeout fires when a claimed turn was not submitted
// in time: the turn is skipped and the game moves to the next turn.
func (e *Engine) HandleSubmissionTimeout(ctx context.Context, job timeout.Job) {
	log := e.log.With(slog.String("turn_id", job.TurnID))
	cur, err := e.db.GetTurn(ctx, job.TurnID)
	if err != nil {
		log.Error("could not fetch turn on submission timeout", slogx.Err(err))
		return
	}
	if cur.Status.IsTerminal() {
		log.Info("submission timeout lost the race, turn already terminal")
		return
	}
	turn, err := e.life.Skip(ctx, job.TurnID)
	if err != nil {
		if errors.Is(err, gamekit.ErrInvalidState) {
			log.Info("submission timeout lost the race, turn already moved on")
			return
		}
		log.Error("could not skip turn on submission timeout", slogx.Err(err))
		return
	}
	e.bus.Publish(event.Event{
		Kind:     event.KindTurnSkipped,
		SeasonID: turn.SeasonID,
		GameID:   turn.GameID,
		TurnID:   turn.ID,
		PlayerID: job.PlayerID,
		Reason:   "submission timeout",
	})
	if err := e.advance(ctx, turn, "submission timeout"); err != nil {
		log.Error("could not advance game after submission timeout", slogx.Err(err))
	}
}

// TerminateGame forcibly finishes a game, disarming any outstanding
// turn timers.
func (e *Engine) TerminateGame(ctx context.Context, gameID string) error {
	game, err := e.db.GetGame(ctx, gameID)
	if err != nil {
		return err
	}
	if game.Status.IsFinished() {
		return nil
	}
	ok, err := e.db.UpdateGameStatusIf(ctx, gameID, game.Status, gamekit.GameTerminated)
	if err != nil {
		return fmt.Errorf("terminate game: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: game changed concurrently", gamekit.ErrInvalidState)
	}
	turns, err := e.db.ListGameTurns(ctx, gameID)
	if err != nil {
		return fmt.Errorf("list game turns: %w", err)
	}
	for _, t := range turns {
		switch t.Status {
		case gamekit.TurnOffered:
			e.cancelTimer(ctx, timeout.JobID(timeout.PhaseClaim, t.ID))
		case gamekit.TurnPending:
			e.cancelTimer(ctx, timeout.JobID(timeout.PhaseSubmission, t.ID))
		}
	}
	e.log.Info("game terminated", slog.String("game_id", gameID))
	return nil
}

// TerminateSeason forcibly finishes a season and all its games.
func (e *Engine) TerminateSeason(ctx context.Context, seasonID string) error {
	season, err := e.db.GetSeason(ctx, seasonID)
	if err != nil {
		return err
	}
	if season.Status.IsFinished() {
		return nil
	}
	ok, err := e.db.UpdateSeasonStatusIf(ctx, seasonID, season.Status, gamekit.SeasonTerminated)
	if err != nil {
		return fmt.Errorf("terminate season: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: season changed concurrently", gamekit.ErrInvalidState)
	}
	games, err := e.db.ListSeasonGames(ctx, seasonID)
	if err != nil {
		return fmt.Errorf("list season games: %w", err)
	}
	for _, g := range games {
		if g.Status.IsFinished() {
			continue
		}
		if err := e.TerminateGame(ctx, g.ID); err != nil {
			e.log.Error("could not terminate game", slog.String("game_id", g.ID), slogx.Err(err))
		}
	}
	e.log.Info("season terminated", slog.String("season_id", seasonID))
	return nil
}

func (e *Engine) cancelTimer(ctx context.Context, jobID string) {
	if _, err := e.sched.Cancel(ctx, jobID); err != nil {
		e.log.Error("could not cancel timer", slog.String("job_id", jobID), slogx.Err(err))
	}
}

func (e *Engine) seasonForTurn(ctx context.Context, turnID string) (gamekit.Season, error) {
	turn, err := e.db.GetTurn(ctx, turnID)
	if err != nil {
		return gamekit.Season{}, err
	}
	return e.db.GetSeason(ctx, turn.SeasonID)
}

// advance runs after a turn reaches a terminal state: it either detects
// game completion or creates the following turn and offers it.
func (e *Engine) advance(ctx context.Context, turn gamekit.Turn, reason string) error {
	game, err := e.db.GetGame(ctx, turn.GameID)
	if err != nil {
		return err
	}
	if game.Status.IsFinished() {
		return nil
	}
	complete, err := e.evaluateCompletion(ctx, game)
	if err != nil {
		return err
	}
	if complete {
		return nil
	}

	turns, err := e.db.ListGameTurns(ctx, game.ID)
	if err != nil {
		return fmt.Errorf("list game turns: %w", err)
	}
	hasAvailable := false
	lastNumber := 0
	for _, t := range turns {
		lastNumber = max(lastNumber, t.TurnNumber)
		if t.Status == gamekit.TurnAvailable {
			hasAvailable = true
		}
	}
	if !hasAvailable {
		season, err := e.db.GetSeason(ctx, game.SeasonID)
		if err != nil {
			return err
		}
		if err := e.db.CreateTurn(ctx, gamekit.Turn{
			ID:         idgen.ID(),
			GameID:     game.ID,
			SeasonID:   game.SeasonID,
			TurnNumber: lastNumber + 1,
			Type:       season.Config.TypeAt(lastNumber + 1),
			Status:     gamekit.TurnAvailable,
		}); err != nil {
			return fmt.Errorf("create next turn: %w", err)
		}
	}
	if _, _, err := e.OfferNext(ctx, game.ID, reason); err != nil {
		return err
	}
	return nil
}

func (e *Engine) evaluateCompletion(ctx context.Context, game gamekit.Game) (bool, error) {
	if game.Status.IsFinished() {
		return true, nil
	}
	players, err := e.db.ListSeasonPlayers(ctx, game.SeasonID)
	if err != nil {
		return false, fmt.Errorf("list season players: %w", err)
	}
	turns, err := e.db.ListGameTurns(ctx, game.ID)
	if err != nil {
		return false, fmt.Errorf("list game turns: %w", err)
	}
	done := make(map[string]struct{})
	for _, t := range turns {
		if t.PlayerID != nil && t.Status.IsTerminal() {
			done[*t.PlayerID] = struct{}{}
		}
	}
	for _, p := range players {
		if _, ok := done[p.ID]; !ok {
			return false, nil
		}
	}

	ok, err := e.db.UpdateGameStatusIf(ctx, game.ID, game.Status, gamekit.GameCompleted)
	if err != nil {
		return false, fmt.Errorf("complete game: %w", err)
	}
	if ok {
		e.bus.Publish(event.Event{
			Kind:     event.KindGameCompleted,
			SeasonID: game.SeasonID,
			GameID:   game.ID,
		})
		e.log.Info("game completed", slog.String("game_id", game.ID))
		if err := e.maybeCompleteSeason(ctx, game.SeasonID); err != nil {
			e.log.Error("could not complete season",
				slog.String("season_id", game.SeasonID), slogx.Err(err))
		}
	}
	return true, nil
}

func (e *Engine) maybeCompleteSeason(ctx context.Context, seasonID string) error {
	games, err := e.db.ListSeasonGames(ctx, seasonID)
	if err != nil {
		return fmt.Errorf("list season games: %w", err)
	}
	for _, g := range games {
		if !g.Status.IsFinished() {
			return nil
		}
	}
	ok, err := e.db.UpdateSeasonStatusIf(ctx, seasonID, gamekit.SeasonActive, gamekit.SeasonCompleted)
	if err != nil {
		return fmt.Errorf("complete season: %w", err)
	}
	if ok {
		e.bus.Publish(event.Event{
			Kind:     event.KindSeasonCompleted,
			SeasonID: seasonID,
		})
		e.log.Info("season completed", slog.String("season_id", seasonID))
	}
	return nil
}
