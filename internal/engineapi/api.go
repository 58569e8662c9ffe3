package engineapi

import (
	"context"
	"errors"
	"fmt"

	"github.com/foldtale/foldtale/internal/gamekit"
)

type ErrorCode int

const (
	ErrInvalidCode ErrorCode = iota
	ErrNotFound
	ErrInvalidState
	ErrValidation
	ErrSeasonFull
	ErrAlreadyJoined
	ErrBadToken
)

type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("engine error %v: %v", e.Code, e.Message)
}

var _ error = (*Error)(nil)

func MatchesError(err error, code ErrorCode) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Engine is the surface the API server exposes over HTTP. Implemented
// by engine.Engine.
type Engine interface {
	CreateSeason(ctx context.Context, name string, cfg gamekit.SeasonConfig) (gamekit.Season, error)
	JoinSeason(ctx context.Context, seasonID, externalID, displayName string) (gamekit.Player, error)
	StartSeason(ctx context.Context, seasonID string) error
	TerminateSeason(ctx context.Context, seasonID string) error
	OfferNext(ctx context.Context, gameID, reason string) (gamekit.Turn, bool, error)
	Claim(ctx context.Context, turnID, playerID string) (gamekit.Turn, error)
	Submit(ctx context.Context, turnID, playerID, content string, contentType gamekit.ContentType) (gamekit.Turn, error)
	Dismiss(ctx context.Context, turnID string) (gamekit.Turn, error)
	Skip(ctx context.Context, turnID string) (gamekit.Turn, error)
	IsComplete(ctx context.Context, gameID string) (bool, error)
	GameState(ctx context.Context, gameID string) (gamekit.Game, []gamekit.Turn, error)
}

type CreateSeasonRequest struct {
	Name   string               `json:"name,omitempty"`
	Config gamekit.SeasonConfig `json:"config"`
}

type CreateSeasonResponse struct {
	Season gamekit.Season `json:"season"`
}

type JoinSeasonRequest struct {
	SeasonID    string `json:"season_id"`
	ExternalID  string `json:"external_id"`
	DisplayName string `json:"display_name,omitempty"`
}

type JoinSeasonResponse struct {
	Player gamekit.Player `json:"player"`
}

type StartSeasonRequest struct {
	SeasonID string `json:"season_id"`
}

type StartSeasonResponse struct{}

type TerminateSeasonRequest struct {
	SeasonID string `json:"season_id"`
}

type TerminateSeasonResponse struct{}

type OfferNextRequest struct {
	GameID string `json:"game_id"`
	Reason string `json:"reason,omitempty"`
}

type OfferNextResponse struct {
	Offered bool          `json:"offered"`
	Turn    *gamekit.Turn `json:"turn,omitempty"`
}

type ClaimRequest struct {
	TurnID   string `json:"turn_id"`
	PlayerID string `json:"player_id"`
}

type ClaimResponse struct {
	Turn gamekit.Turn `json:"turn"`
}

type SubmitRequest struct {
	TurnID      string              `json:"turn_id"`
	PlayerID    string              `json:"player_id"`
	Content     string              `json:"content"`
	ContentType gamekit.ContentType `json:"content_type"`
}

type SubmitResponse struct {
	Turn gamekit.Turn `json:"turn"`
}

type DismissRequest struct {
	TurnID string `json:"turn_id"`
}

type DismissResponse struct {
	Turn gamekit.Turn `json:"turn"`
}

type SkipRequest struct {
	TurnID string `json:"turn_id"`
}

type SkipResponse struct {
	Turn gamekit.Turn `json:"turn"`
}

type IsCompleteRequest struct {
	GameID string `json:"game_id"`
}

type IsCompleteResponse struct {
	Complete bool `json:"complete"`
}

type GameStateRequest struct {
	GameID string `json:"game_id"`
}

type GameStateResponse struct {
	Game     gamekit.Game   `json:"game"`
	Turns    []gamekit.Turn `json:"turns"`
	Complete bool           `json:"complete"`
}
