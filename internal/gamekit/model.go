package gamekit

import (
	"errors"

	"github.com/foldtale/foldtale/internal/util/clone"
	"github.com/foldtale/foldtale/internal/util/timeutil"
)

var (
	ErrPlayerNotFound = errors.New("no such player")
	ErrSeasonNotFound = errors.New("no such season")
	ErrGameNotFound   = errors.New("no such game")
	ErrTurnNotFound   = errors.New("no such turn")

	ErrInvalidState  = errors.New("invalid state for transition")
	ErrValidation    = errors.New("invalid submission")
	ErrSeasonFull    = errors.New("season is full")
	ErrAlreadyJoined = errors.New("player already joined")
)

type TurnType int

const (
	TurnUnknownType TurnType = iota
	TurnWriting
	TurnDrawing
)

func (t TurnType) String() string {
	switch t {
	case TurnWriting:
		return "writing"
	case TurnDrawing:
		return "drawing"
	default:
		return "?"
	}
}

func (t TurnType) ContentType() ContentType {
	switch t {
	case TurnWriting:
		return ContentText
	case TurnDrawing:
		return ContentImage
	default:
		return ContentUnknown
	}
}

type ContentType int

const (
	ContentUnknown ContentType = iota
	ContentText
	ContentImage
)

func (c ContentType) String() string {
	switch c {
	case ContentText:
		return "text"
	case ContentImage:
		return "image"
	default:
		return "?"
	}
}

type TurnStatus int

const (
	TurnUnknownStatus TurnStatus = iota
	TurnAvailable
	TurnOffered
	TurnPending
	TurnCompleted
	TurnSkipped
)

func (s TurnStatus) String() string {
	switch s {
	case TurnAvailable:
		return "available"
	case TurnOffered:
		return "offered"
	case TurnPending:
		return "pending"
	case TurnCompleted:
		return "completed"
	case TurnSkipped:
		return "skipped"
	default:
		return "?"
	}
}

func (s TurnStatus) IsTerminal() bool {
	return s == TurnCompleted || s == TurnSkipped
}

// Assigned reports whether the status binds the turn to its player for
// the purposes of season statistics and per-game uniqueness.
func (s TurnStatus) Assigned() bool {
	return s == TurnOffered || s == TurnPending || s == TurnCompleted || s == TurnSkipped
}

type SeasonStatus int

const (
	SeasonUnknownStatus SeasonStatus = iota
	SeasonSetup
	SeasonOpen
	SeasonActive
	SeasonCompleted
	SeasonTerminated
)

func (s SeasonStatus) String() string {
	switch s {
	case SeasonSetup:
		return "setup"
	case SeasonOpen:
		return "open"
	case SeasonActive:
		return "active"
	case SeasonCompleted:
		return "completed"
	case SeasonTerminated:
		return "terminated"
	default:
		return "?"
	}
}

func (s SeasonStatus) IsFinished() bool {
	return s == SeasonCompleted || s == SeasonTerminated
}

func (s SeasonStatus) Joinable() bool {
	return s == SeasonSetup || s == SeasonOpen
}

type GameStatus int

const (
	GameUnknownStatus GameStatus = iota
	GamePendingStart
	GameActive
	GameCompleted
	GameTerminated
)

func (s GameStatus) String() string {
	switch s {
	case GamePendingStart:
		return "pending_start"
	case GameActive:
		return "active"
	case GameCompleted:
		return "completed"
	case GameTerminated:
		return "terminated"
	default:
		return "?"
	}
}

func (s GameStatus) IsFinished() bool {
	return s == GameCompleted || s == GameTerminated
}

type Player struct {
	ID          string `gorm:"primaryKey" json:"id"`
	ExternalID  string `gorm:"uniqueIndex" json:"external_id"`
	DisplayName string `json:"display_name"`
}

type Season struct {
	ID        string           `gorm:"primaryKey" json:"id"`
	Name      string           `json:"name"`
	Status    SeasonStatus     `gorm:"index" json:"status"`
	Config    SeasonConfig     `gorm:"embedded;embeddedPrefix:config_" json:"config"`
	CreatedAt timeutil.UTCTime `json:"created_at"`
}

func (s Season) Clone() Season {
	s.Config = s.Config.Clone()
	return s
}

type SeasonMember struct {
	SeasonID string           `gorm:"primaryKey" json:"season_id"`
	PlayerID string           `gorm:"primaryKey" json:"player_id"`
	JoinedAt timeutil.UTCTime `json:"joined_at"`
}

type Game struct {
	ID        string           `gorm:"primaryKey" json:"id"`
	SeasonID  string           `gorm:"index" json:"season_id"`
	Name      string           `json:"name"`
	Status    GameStatus       `gorm:"index" json:"status"`
	CreatedAt timeutil.UTCTime `json:"created_at"`
}

type Turn struct {
	ID          string            `gorm:"primaryKey" json:"id"`
	GameID      string            `gorm:"index" json:"game_id"`
	SeasonID    string            `gorm:"index" json:"season_id"`
	TurnNumber  int               `json:"turn_number"`
	Type        TurnType          `json:"type"`
	Status      TurnStatus        `gorm:"index" json:"status"`
	PlayerID    *string           `gorm:"index" json:"player_id,omitempty"`
	OfferedAt   *timeutil.UTCTime `json:"offered_at,omitempty"`
	ClaimedAt   *timeutil.UTCTime `json:"claimed_at,omitempty"`
	CompletedAt *timeutil.UTCTime `json:"completed_at,omitempty"`
	SkippedAt   *timeutil.UTCTime `json:"skipped_at,omitempty"`
	Content     *string           `json:"content,omitempty"`
}

func (t Turn) Clone() Turn {
	t.PlayerID = clone.TrivialPtr(t.PlayerID)
	t.OfferedAt = clone.TrivialPtr(t.OfferedAt)
	t.ClaimedAt = clone.TrivialPtr(t.ClaimedAt)
	t.CompletedAt = clone.TrivialPtr(t.CompletedAt)
	t.SkippedAt = clone.TrivialPtr(t.SkippedAt)
	t.Content = clone.TrivialPtr(t.Content)
	return t
}

// HeldBy reports whether the turn is bound to the given player in any
// assigned status.
func (t *Turn) HeldBy(playerID string) bool {
	return t.PlayerID != nil && *t.PlayerID == playerID && t.Status.Assigned()
}
