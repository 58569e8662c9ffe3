package database

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/foldtale/foldtale/internal/engine"
	"github.com/foldtale/foldtale/internal/gamekit"
	"github.com/foldtale/foldtale/internal/lifecycle"
	"github.com/foldtale/foldtale/internal/timeout"
	"github.com/foldtale/foldtale/internal/util/slogx"
)

type Options struct {
	Path          string        `toml:"path"`
	Debug         bool          `toml:"debug"`
	SlowThreshold time.Duration `toml:"slow-threshold"`
	BusyTimeout   time.Duration `toml:"busy-timeout"`
	UseWAL        bool          `toml:"use-wal"`
}

func (o *Options) FillDefaults() {
	if o.SlowThreshold == 0 {
		o.SlowThreshold = 200 * time.Millisecond
	}
	if o.BusyTimeout == 0 {
		o.BusyTimeout = 1 * time.Minute
	}
}

type DB struct {
	db  *gorm.DB
	log *slog.Logger
}

var (
	_ lifecycle.DB = (*DB)(nil)
	_ timeout.DB   = (*DB)(nil)
	_ engine.DB    = (*DB)(nil)
)

func (d *DB) Close() {
	db, err := d.db.DB()
	if err != nil {
		d.log.Error("could not get underlying db", slogx.Err(err))
		return
	}
	err = db.Close()
	if err != nil {
		d.log.Error("could not close db", slogx.Err(err))
	}
}

func buildPath(o Options) string {
	var params []string
	if o.UseWAL {
		params = append(params, "_journal_mode=WAL")
		params = append(params, "_synchronous=NORMAL")
	}
	params = append(params, fmt.Sprintf("_busy_timeout=%v", o.BusyTimeout.Milliseconds()))
	params = append(params, "_foreign_keys=1")
	paramStr := strings.Join(params, "&")
	sep := "?"
	if strings.Contains(o.Path, "?") {
		sep = "&"
	}
	return o.Path + sep + paramStr
}

func New(log *slog.Logger, o Options) (*DB, error) {
	o.FillDefaults()

	log.Info("opening db")
	db, err := gorm.Open(sqlite.Open(buildPath(o)), &gorm.Config{
		Logger: Logger(log, o),
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	d := &DB{db: db, log: log}

	log.Info("migrating db")
	if err := db.AutoMigrate(models...); err != nil {
		d.Close()
		return nil, fmt.Errorf("migrate db: %w", err)
	}

	log.Info("db opened")
	return d, nil
}

func (d *DB) CreateSeason(ctx context.Context, season gamekit.Season) error {
	err := d.db.WithContext(ctx).Create(&season).Error
	if err != nil {
		return fmt.Errorf("create season: %w", err)
	}
	return nil
}

func (d *DB) GetSeason(ctx context.Context, seasonID string) (gamekit.Season, error) {
	var seasons []gamekit.Season
	err := d.db.WithContext(ctx).Where("id = ?", seasonID).Limit(1).Find(&seasons).Error
	if err != nil {
		return gamekit.Season{}, fmt.Errorf("get season: %w", err)
	}
	if len(seasons) == 0 {
		return gamekit.Season{}, gamekit.ErrSeasonNotFound
	}
	return seasons[0], nil
}

func (d *DB) UpdateSeasonStatusIf(ctx context.Context, seasonID string, from, to gamekit.SeasonStatus) (bool, error) {
	tx := d.db.WithContext(ctx).Model(&gamekit.Season{}).
		Where("id = ? AND status = ?", seasonID, from).
		Update("status", to)
	if tx.Error != nil {
		return false, fmt.Errorf("update season status: %w", tx.Error)
	}
	return tx.RowsAffected > 0, nil
}

func (d *DB) ListSeasonPlayers(ctx context.Context, seasonID string) ([]gamekit.Player, error) {
	var players []gamekit.Player
	err := d.db.WithContext(ctx).Model(&gamekit.Player{}).
		Joins("JOIN season_members ON season_members.player_id = players.id").
		Where("season_members.season_id = ?", seasonID).
		Order("season_members.joined_at ASC").
		Find(&players).Error
	if err != nil {
		return nil, fmt.Errorf("list season players: %w", err)
	}
	return players, nil
}

func (d *DB) UpsertPlayer(ctx context.Context, player gamekit.Player) (gamekit.Player, error) {
	var res gamekit.Player
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []gamekit.Player
		err := tx.Where("external_id = ?", player.ExternalID).Limit(1).Find(&existing).Error
		if err != nil {
			return fmt.Errorf("find player: %w", err)
		}
		if len(existing) != 0 {
			res = existing[0]
			if res.DisplayName == "" && player.DisplayName != "" {
				res.DisplayName = player.DisplayName
				if err := tx.Save(&res).Error; err != nil {
					return fmt.Errorf("update player name: %w", err)
				}
			}
			return nil
		}
		if err := tx.Create(&player).Error; err != nil {
			return fmt.Errorf("create player: %w", err)
		}
		res = player
		return nil
	})
	if err != nil {
		return gamekit.Player{}, err
	}
	return res, nil
}

func (d *DB) GetPlayer(ctx context.Context, playerID string) (gamekit.Player, error) {
	var players []gamekit.Player
	err := d.db.WithContext(ctx).Where("id = ?", playerID).Limit(1).Find(&players).Error
	if err != nil {
		return gamekit.Player{}, fmt.Errorf("get player: %w", err)
	}
	if len(players) == 0 {
		return gamekit.Player{}, gamekit.ErrPlayerNotFound
	}
	return players[0], nil
}

func (d *DB) AddSeasonMember(ctx context.Context, member gamekit.SeasonMember) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []gamekit.SeasonMember
		err := tx.Where("season_id = ? AND player_id = ?", member.SeasonID, member.PlayerID).
			Limit(1).Find(&existing).Error
		if err != nil {
			return fmt.Errorf("find season member: %w", err)
		}
		if len(existing) != 0 {
			return gamekit.ErrAlreadyJoined
		}
		if err := tx.Create(&member).Error; err != nil {
			return fmt.Errorf("create season member: %w", err)
		}
		return nil
	})
}

func (d *DB) CreateGame(ctx context.Context, game gamekit.Game) error {
	err := d.db.WithContext(ctx).Create(&game).Error
	if err != nil {
		return fmt.Errorf("create game: %w", err)
	}
	return nil
}

func (d *DB) GetGame(ctx context.Context, gameID string) (gamekit.Game, error) {
	var games []gamekit.Game
	err := d.db.WithContext(ctx).Where("id = ?", gameID).Limit(1).Find(&games).Error
	if err != nil {
		return gamekit.Game{}, fmt.Errorf("get game: %w", err)
	}
	if len(games) == 0 {
		return gamekit.Game{}, gamekit.ErrGameNotFound
	}
	return games[0], nil
}

func (d *DB) ListSeasonGames(ctx context.Context, seasonID string) ([]gamekit.Game, error) {
	var games []gamekit.Game
	err := d.db.WithContext(ctx).Where("season_id = ?", seasonID).
		Order("created_at ASC").Find(&games).Error
	if err != nil {
		return nil, fmt.Errorf("list season games: %w", err)
	}
	return games, nil
}

func (d *DB) UpdateGameStatusIf(ctx context.Context, gameID string, from, to gamekit.GameStatus) (bool, error) {
	tx := d.db.WithContext(ctx).Model(&gamekit.Game{}).
		Where("id = ? AND status = ?", gameID, from).
		Update("status", to)
	if tx.Error != nil {
		return false, fmt.Errorf("update game status: %w", tx.Error)
	}
	return tx.RowsAffected > 0, nil
}

func (d *DB) CreateTurn(ctx context.Context, turn gamekit.Turn) error {
	err := d.db.WithContext(ctx).Create(&turn).Error
	if err != nil {
		return fmt.Errorf("create turn: %w", err)
	}
	return nil
}

func (d *DB) GetTurn(ctx context.Context, turnID string) (gamekit.Turn, error) {
	var turns []gamekit.Turn
	err := d.db.WithContext(ctx).Where("id = ?", turnID).Limit(1).Find(&turns).Error
	if err != nil {
		return gamekit.Turn{}, fmt.Errorf("get turn: %w", err)
	}
	if len(turns) == 0 {
		return gamekit.Turn{}, gamekit.ErrTurnNotFound
	}
	return turns[0], nil
}

// UpdateTurnIf is the compare-and-swap primitive for turn transitions:
// the write applies only while the stored status still equals expect.
// All mutable turn fields are written explicitly, so clearing a field
// to null (e.g. the player on dismissal) takes effect.
func (d *DB) UpdateTurnIf(ctx context.Context, turn gamekit.Turn, expect gamekit.TurnStatus) (bool, error) {
	tx := d.db.WithContext(ctx).Model(&gamekit.Turn{}).
		Where("id = ? AND status = ?", turn.ID, expect).
		Updates(map[string]any{
			"status":       turn.Status,
			"player_id":    turn.PlayerID,
			"offered_at":   turn.OfferedAt,
			"claimed_at":   turn.ClaimedAt,
			"completed_at": turn.CompletedAt,
			"skipped_at":   turn.SkippedAt,
			"content":      turn.Content,
		})
	if tx.Error != nil {
		return false, fmt.Errorf("update turn: %w", tx.Error)
	}
	return tx.RowsAffected > 0, nil
}

func (d *DB) ListGameTurns(ctx context.Context, gameID string) ([]gamekit.Turn, error) {
	var turns []gamekit.Turn
	err := d.db.WithContext(ctx).Where("game_id = ?", gameID).
		Order("turn_number ASC").Find(&turns).Error
	if err != nil {
		return nil, fmt.Errorf("list game turns: %w", err)
	}
	return turns, nil
}

func (d *DB) ListSeasonTurns(ctx context.Context, seasonID string) ([]gamekit.Turn, error) {
	var turns []gamekit.Turn
	err := d.db.WithContext(ctx).Where("season_id = ?", seasonID).Find(&turns).Error
	if err != nil {
		return nil, fmt.Errorf("list season turns: %w", err)
	}
	return turns, nil
}

// UpsertJob replaces an existing job with the same ID, so re-arming a
// timer never leaves duplicates behind.
func (d *DB) UpsertJob(ctx context.Context, job timeout.Job) error {
	err := d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&job).Error
	if err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	return nil
}

func (d *DB) DeleteJob(ctx context.Context, jobID string) (bool, error) {
	tx := d.db.WithContext(ctx).Delete(&timeout.Job{ID: jobID})
	if tx.Error != nil {
		return false, fmt.Errorf("delete job: %w", tx.Error)
	}
	return tx.RowsAffected > 0, nil
}

func (d *DB) ListJobs(ctx context.Context) ([]timeout.Job, error) {
	var jobs []timeout.Job
	err := d.db.WithContext(ctx).Order("run_at ASC").Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}
