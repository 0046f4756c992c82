package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/devhowyalike/rapgpt-sub001/internal/engine"
)

const uniqueViolation = "23505"

type battleRow struct {
	ID              string `gorm:"primaryKey"`
	Title           string
	CurrentRound    int
	MaxRounds       int
	Phase           string
	PhaseDurationMs int64
	PhaseStartedAt  *time.Time
	IsLive          bool `gorm:"index"`
	Status          string
	WinnerID        string

	AutoPlayEnabled     bool
	VerseDelayMs        int64
	ReadingDurationMs   int64
	VotingDurationMs    int64
	AutoPlayAutoAdvance bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (battleRow) TableName() string { return "battles" }

type personaRow struct {
	BattleID string `gorm:"primaryKey"`
	ID       string `gorm:"primaryKey"`
	Position int
	Name     string
	Style    string
}

func (personaRow) TableName() string { return "personas" }

type verseRow struct {
	ID               uint   `gorm:"primaryKey"`
	BattleID         string `gorm:"uniqueIndex:idx_verse_slot"`
	Round            int    `gorm:"uniqueIndex:idx_verse_slot"`
	PersonaID        string `gorm:"uniqueIndex:idx_verse_slot"`
	Text             string
	PromptTokens     int
	CompletionTokens int
	CreatedAt        time.Time
}

func (verseRow) TableName() string { return "verses" }

type voteRow struct {
	ID        uint   `gorm:"primaryKey"`
	BattleID  string `gorm:"uniqueIndex:idx_vote_user"`
	Round     int    `gorm:"uniqueIndex:idx_vote_user"`
	UserID    string `gorm:"uniqueIndex:idx_vote_user"`
	PersonaID string
	CreatedAt time.Time
}

func (voteRow) TableName() string { return "votes" }

type commentRow struct {
	ID        string `gorm:"primaryKey"`
	BattleID  string `gorm:"index"`
	UserID    string
	Author    string
	Text      string
	Round     int
	CreatedAt time.Time
}

func (commentRow) TableName() string { return "comments" }

type Postgres struct {
	db *gorm.DB
}

// OpenPostgres connects and migrates the schema.
func OpenPostgres(dsn string) (*Postgres, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.AutoMigrate(&battleRow{}, &personaRow{}, &verseRow{}, &voteRow{}, &commentRow{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (p *Postgres) CreateBattle(ctx context.Context, b engine.Battle) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := toBattleRow(b)
		if err := tx.Create(&row).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrExists
			}
			return err
		}
		for i, ps := range b.Personas {
			if err := tx.Create(&personaRow{BattleID: b.ID, ID: ps.ID, Position: i, Name: ps.Name, Style: ps.Style}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *Postgres) GetBattle(ctx context.Context, id string) (engine.Battle, error) {
	db := p.db.WithContext(ctx)

	var row battleRow
	if err := db.First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return engine.Battle{}, ErrNotFound
		}
		return engine.Battle{}, err
	}
	return p.load(db, row)
}

func (p *Postgres) load(db *gorm.DB, row battleRow) (engine.Battle, error) {
	var (
		personas []personaRow
		verses   []verseRow
		votes    []voteRow
		comments []commentRow
	)
	if err := db.Where("battle_id = ?", row.ID).Order("position").Find(&personas).Error; err != nil {
		return engine.Battle{}, err
	}
	if err := db.Where("battle_id = ?", row.ID).Order("id").Find(&verses).Error; err != nil {
		return engine.Battle{}, err
	}
	if err := db.Where("battle_id = ?", row.ID).Order("id").Find(&votes).Error; err != nil {
		return engine.Battle{}, err
	}
	if err := db.Where("battle_id = ?", row.ID).Order("created_at, id").Find(&comments).Error; err != nil {
		return engine.Battle{}, err
	}

	b := fromBattleRow(row)
	for _, ps := range personas {
		b.Personas = append(b.Personas, engine.Persona{ID: ps.ID, Name: ps.Name, Style: ps.Style})
	}
	for _, v := range verses {
		b.Verses = append(b.Verses, engine.Verse{
			PersonaID: v.PersonaID,
			Round:     v.Round,
			Text:      v.Text,
			Usage:     engine.Usage{PromptTokens: v.PromptTokens, CompletionTokens: v.CompletionTokens},
			CreatedAt: v.CreatedAt,
		})
	}
	for _, v := range votes {
		b.Votes = append(b.Votes, engine.Vote{Round: v.Round, PersonaID: v.PersonaID, UserID: v.UserID, CreatedAt: v.CreatedAt})
	}
	for _, c := range comments {
		b.Comments = append(b.Comments, engine.Comment{
			ID: c.ID, UserID: c.UserID, Author: c.Author, Text: c.Text, Round: c.Round, CreatedAt: c.CreatedAt,
		})
	}
	return b, nil
}

func (p *Postgres) Commit(ctx context.Context, b engine.Battle, c Change) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		switch {
		case c.Verse != nil:
			err = saveVerse(tx, b.ID, *c.Verse)
		case c.Vote != nil:
			err = saveVote(tx, b.ID, *c.Vote)
		case c.Comment != nil:
			err = saveComment(tx, b.ID, *c.Comment)
		}
		if err != nil {
			return err
		}
		return updateBattle(tx, b)
	})
}

func updateBattle(tx *gorm.DB, b engine.Battle) error {
	row := toBattleRow(b)
	res := tx.Model(&battleRow{}).Where("id = ?", b.ID).Select("*").Omit("id", "created_at").Updates(&row)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func saveVerse(tx *gorm.DB, battleID string, v engine.Verse) error {
	return tx.Create(&verseRow{
		BattleID:         battleID,
		Round:            v.Round,
		PersonaID:        v.PersonaID,
		Text:             v.Text,
		PromptTokens:     v.Usage.PromptTokens,
		CompletionTokens: v.Usage.CompletionTokens,
		CreatedAt:        v.CreatedAt,
	}).Error
}

func saveVote(tx *gorm.DB, battleID string, v engine.Vote) error {
	err := tx.Create(&voteRow{
		BattleID:  battleID,
		Round:     v.Round,
		UserID:    v.UserID,
		PersonaID: v.PersonaID,
		CreatedAt: v.CreatedAt,
	}).Error
	if isUniqueViolation(err) {
		return engine.ErrAlreadyVoted
	}
	return err
}

// saveComment ignores a retried comment id.
func saveComment(tx *gorm.DB, battleID string, c engine.Comment) error {
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&commentRow{
		ID:        c.ID,
		BattleID:  battleID,
		UserID:    c.UserID,
		Author:    c.Author,
		Text:      c.Text,
		Round:     c.Round,
		CreatedAt: c.CreatedAt,
	}).Error
}

func (p *Postgres) ListLiveBattles(ctx context.Context) ([]engine.Battle, error) {
	db := p.db.WithContext(ctx)
	var rows []battleRow
	if err := db.Where("is_live = ?", true).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]engine.Battle, 0, len(rows))
	for _, row := range rows {
		b, err := p.load(db, row)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func toBattleRow(b engine.Battle) battleRow {
	row := battleRow{
		ID:                  b.ID,
		Title:               b.Title,
		CurrentRound:        b.CurrentRound,
		MaxRounds:           b.MaxRounds,
		Phase:               string(b.Phase),
		PhaseDurationMs:     b.PhaseDuration.Milliseconds(),
		IsLive:              b.IsLive,
		Status:              string(b.Status),
		WinnerID:            b.WinnerID,
		AutoPlayEnabled:     b.AutoPlay.Enabled,
		VerseDelayMs:        b.AutoPlay.VerseDelay.Milliseconds(),
		ReadingDurationMs:   b.AutoPlay.ReadingDuration.Milliseconds(),
		VotingDurationMs:    b.AutoPlay.VotingDuration.Milliseconds(),
		AutoPlayAutoAdvance: b.AutoPlay.AutoAdvance,
		CreatedAt:           b.CreatedAt,
		UpdatedAt:           b.UpdatedAt,
	}
	if !b.PhaseStartedAt.IsZero() {
		t := b.PhaseStartedAt
		row.PhaseStartedAt = &t
	}
	return row
}

func fromBattleRow(row battleRow) engine.Battle {
	b := engine.Battle{
		ID:            row.ID,
		Title:         row.Title,
		CurrentRound:  row.CurrentRound,
		MaxRounds:     row.MaxRounds,
		Phase:         engine.Phase(row.Phase),
		PhaseDuration: time.Duration(row.PhaseDurationMs) * time.Millisecond,
		IsLive:        row.IsLive,
		Status:        engine.Status(row.Status),
		WinnerID:      row.WinnerID,
		AutoPlay: engine.AutoPlay{
			Enabled:         row.AutoPlayEnabled,
			VerseDelay:      time.Duration(row.VerseDelayMs) * time.Millisecond,
			ReadingDuration: time.Duration(row.ReadingDurationMs) * time.Millisecond,
			VotingDuration:  time.Duration(row.VotingDurationMs) * time.Millisecond,
			AutoAdvance:     row.AutoPlayAutoAdvance,
		},
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
	if row.PhaseStartedAt != nil {
		b.PhaseStartedAt = *row.PhaseStartedAt
	}
	return b
}
