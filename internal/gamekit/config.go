package gamekit

import (
	"fmt"
	"time"
)

type SeasonConfig struct {
	MinPlayers            int        `toml:"min-players" json:"min_players"`
	MaxPlayers            int        `toml:"max-players" json:"max_players"`
	TurnPattern           []TurnType `toml:"turn-pattern" gorm:"serializer:json" json:"turn_pattern"`
	ClaimTimeoutMinutes   int        `toml:"claim-timeout-minutes" json:"claim_timeout_minutes"`
	WritingTimeoutMinutes int        `toml:"writing-timeout-minutes" json:"writing_timeout_minutes"`
	DrawingTimeoutMinutes int        `toml:"drawing-timeout-minutes" json:"drawing_timeout_minutes"`
}

func (c SeasonConfig) Clone() SeasonConfig {
	c.TurnPattern = append([]TurnType(nil), c.TurnPattern...)
	return c
}

func (c *SeasonConfig) FillDefaults() {
	if c.MinPlayers == 0 {
		c.MinPlayers = 4
	}
	if c.MaxPlayers == 0 {
		c.MaxPlayers = 12
	}
	if len(c.TurnPattern) == 0 {
		c.TurnPattern = []TurnType{TurnWriting, TurnDrawing}
	}
	if c.ClaimTimeoutMinutes == 0 {
		c.ClaimTimeoutMinutes = 60
	}
	if c.WritingTimeoutMinutes == 0 {
		c.WritingTimeoutMinutes = 24 * 60
	}
	if c.DrawingTimeoutMinutes == 0 {
		c.DrawingTimeoutMinutes = 48 * 60
	}
}

func (c *SeasonConfig) Validate() error {
	if c.MinPlayers < 2 {
		return fmt.Errorf("min players must be at least 2")
	}
	if c.MaxPlayers < c.MinPlayers {
		return fmt.Errorf("max players below min players")
	}
	if len(c.TurnPattern) == 0 {
		return fmt.Errorf("empty turn pattern")
	}
	for _, t := range c.TurnPattern {
		if t != TurnWriting && t != TurnDrawing {
			return fmt.Errorf("bad turn type in pattern: %v", int(t))
		}
	}
	if c.ClaimTimeoutMinutes <= 0 {
		return fmt.Errorf("non-positive claim timeout")
	}
	if c.WritingTimeoutMinutes <= 0 {
		return fmt.Errorf("non-positive writing timeout")
	}
	if c.DrawingTimeoutMinutes <= 0 {
		return fmt.Errorf("non-positive drawing timeout")
	}
	return nil
}

// TypeAt returns the turn type for the given 1-based turn number, cycling
// through the configured pattern.
func (c *SeasonConfig) TypeAt(turnNumber int) TurnType {
	if turnNumber < 1 || len(c.TurnPattern) == 0 {
		return TurnUnknownType
	}
	return c.TurnPattern[(turnNumber-1)%len(c.TurnPattern)]
}

func (c *SeasonConfig) ClaimTimeout() time.Duration {
	return time.Duration(c.ClaimTimeoutMinutes) * time.Minute
}

func (c *SeasonConfig) SubmissionTimeout(t TurnType) time.Duration {
	switch t {
	case TurnDrawing:
		return time.Duration(c.DrawingTimeoutMinutes) * time.Minute
	default:
		return time.Duration(c.WritingTimeoutMinutes) * time.Minute
	}
}
