package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("room not found")

type roomModel struct {
	GameID    string `gorm:"primaryKey;column:game_id"`
	Status    string `gorm:"column:status"`
	HostID    string `gorm:"column:host_id"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (roomModel) TableName() string { return "rooms" }

type roomPlayerModel struct {
	GameID      string `gorm:"primaryKey;column:game_id"`
	UserID      string `gorm:"primaryKey;column:user_id"`
	Username    string `gorm:"column:username"`
	IsReady     bool   `gorm:"column:is_ready"`
	Team        *int   `gorm:"column:team"`
	IsConnected bool   `gorm:"column:is_connected"`
	JoinedAt    time.Time
}

func (roomPlayerModel) TableName() string { return "room_players" }

type GormRooms struct {
	db *gorm.DB
}

func Open(dsn string) (*GormRooms, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.AutoMigrate(&roomModel{}, &roomPlayerModel{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &GormRooms{db: db}, nil
}

func NewGormRooms(db *gorm.DB) *GormRooms { return &GormRooms{db: db} }

func (g *GormRooms) FindByID(ctx context.Context, gameID string) (*RoomRecord, error) {
	var rm roomModel
	err := g.db.WithContext(ctx).First(&rm, "game_id = ?", gameID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var pms []roomPlayerModel
	if err := g.db.WithContext(ctx).Where("game_id = ?", gameID).Order("joined_at, user_id").Find(&pms).Error; err != nil {
		return nil, err
	}
	rec := &RoomRecord{GameID: rm.GameID, Status: rm.Status, HostID: rm.HostID, CreatedAt: rm.CreatedAt}
	for _, pm := range pms {
		rec.Players = append(rec.Players, PlayerRecord{
			UserID:      pm.UserID,
			Username:    pm.Username,
			IsReady:     pm.IsReady,
			Team:        pm.Team,
			IsConnected: pm.IsConnected,
			JoinedAt:    pm.JoinedAt,
		})
	}
	return rec, nil
}

func (g *GormRooms) Create(ctx context.Context, rec RoomRecord) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rm := roomModel{GameID: rec.GameID, Status: rec.Status, HostID: rec.HostID, CreatedAt: rec.CreatedAt}
		if err := tx.Create(&rm).Error; err != nil {
			return err
		}
		for _, p := range rec.Players {
			pm := roomPlayerModel{
				GameID:      rec.GameID,
				UserID:      p.UserID,
				Username:    p.Username,
				IsReady:     p.IsReady,
				Team:        p.Team,
				IsConnected: p.IsConnected,
				JoinedAt:    p.JoinedAt,
			}
			if err := tx.Create(&pm).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (g *GormRooms) Delete(ctx context.Context, gameID string) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("game_id = ?", gameID).Delete(&roomPlayerModel{}).Error; err != nil {
			return err
		}
		return tx.Where("game_id = ?", gameID).Delete(&roomModel{}).Error
	})
}

func (g *GormRooms) Atomic(ctx context.Context, gameID string, fn func(tx RoomTx) error) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rm roomModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&rm, "game_id = ?", gameID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return fn(&gormRoomTx{tx: tx, gameID: gameID})
	})
}

type gormRoomTx struct {
	tx     *gorm.DB
	gameID string
}

func (t *gormRoomTx) UpdateStatus(status string) error {
	return t.tx.Model(&roomModel{}).Where("game_id = ?", t.gameID).
		Update("status", status).Error
}

func (t *gormRoomTx) SetHost(userID string) error {
	return t.tx.Model(&roomModel{}).Where("game_id = ?", t.gameID).
		Update("host_id", userID).Error
}

func (t *gormRoomTx) SetPlayerReady(userID string, ready bool) error {
	return t.tx.Model(&roomPlayerModel{}).
		Where("game_id = ? AND user_id = ?", t.gameID, userID).
		Update("is_ready", ready).Error
}

func (t *gormRoomTx) SetPlayerTeam(userID string, team *int) error {
	return t.tx.Model(&roomPlayerModel{}).
		Where("game_id = ? AND user_id = ?", t.gameID, userID).
		Update("team", team).Error
}

func (t *gormRoomTx) SetPlayerConnected(userID string, connected bool) error {
	return t.tx.Model(&roomPlayerModel{}).
		Where("game_id = ? AND user_id = ?", t.gameID, userID).
		Update("is_connected", connected).Error
}

func (t *gormRoomTx) AddPlayer(p PlayerRecord) error {
	pm := roomPlayerModel{
		GameID:      t.gameID,
		UserID:      p.UserID,
		Username:    p.Username,
		IsReady:     p.IsReady,
		Team:        p.Team,
		IsConnected: p.IsConnected,
		JoinedAt:    p.JoinedAt,
	}
	return t.tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&pm).Error
}

func (t *gormRoomTx) RemovePlayer(userID string) error {
	return t.tx.Where("game_id = ? AND user_id = ?", t.gameID, userID).
		Delete(&roomPlayerModel{}).Error
}

func (t *gormRoomTx) FormTeams() ([]string, []string, error) {
	var pms []roomPlayerModel
	if err := t.tx.Where("game_id = ?", t.gameID).Order("joined_at, user_id").Find(&pms).Error; err != nil {
		return nil, nil, err
	}
	ids := make([]string, len(pms))
	for i, pm := range pms {
		ids[i] = pm.UserID
	}
	team1, team2 := SplitTeams(ids)
	for _, id := range team1 {
		one := 1
		if err := t.SetPlayerTeam(id, &one); err != nil {
			return nil, nil, err
		}
	}
	for _, id := range team2 {
		two := 2
		if err := t.SetPlayerTeam(id, &two); err != nil {
			return nil, nil, err
		}
	}
	return team1, team2, nil
}

// SplitTeams shuffles ids and partitions them ceil(n/2) / floor(n/2).
func SplitTeams(ids []string) (team1, team2 []string) {
	shuffled := append([]string(nil), ids...)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	cut := (len(shuffled) + 1) / 2
	return shuffled[:cut:cut], shuffled[cut:]
}
