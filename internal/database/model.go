package database

import (
	"github.com/foldtale/foldtale/internal/gamekit"
	"github.com/foldtale/foldtale/internal/timeout"
)

var models = []any{
	&gamekit.Player{},
	&gamekit.Season{},
	&gamekit.SeasonMember{},
	&gamekit.Game{},
	&gamekit.Turn{},
	&timeout.Job{},
}
