package engine

import (
	"context"

	"github.com/foldtale/foldtale/internal/gamekit"
)

type DB interface {
	CreateSeason(ctx context.Context, season gamekit.Season) error
	GetSeason(ctx context.Context, seasonID string) (gamekit.Season, error)
	UpdateSeasonStatusIf(ctx context.Context, seasonID string, from, to gamekit.SeasonStatus) (bool, error)
	ListSeasonPlayers(ctx context.Context, seasonID string) ([]gamekit.Player, error)
	// UpsertPlayer finds the player by external ID or creates it with
	// the supplied identity. Players are immutable once created, except
	// that an empty stored display name is backfilled.
	UpsertPlayer(ctx context.Context, player gamekit.Player) (gamekit.Player, error)
	AddSeasonMember(ctx context.Context, member gamekit.SeasonMember) error

	CreateGame(ctx context.Context, game gamekit.Game) error
	GetGame(ctx context.Context, gameID string) (gamekit.Game, error)
	ListSeasonGames(ctx context.Context, seasonID string) ([]gamekit.Game, error)
	UpdateGameStatusIf(ctx context.Context, gameID string, from, to gamekit.GameStatus) (bool, error)

	CreateTurn(ctx context.Context, turn gamekit.Turn) error
	GetTurn(ctx context.Context, turnID string) (gamekit.Turn, error)
	ListGameTurns(ctx context.Context, gameID string) ([]gamekit.Turn, error)
	ListSeasonTurns(ctx context.Context, seasonID string) ([]gamekit.Turn, error)
}
