package store

import (
	"context"
	"errors"

	"github.com/devhowyalike/rapgpt-sub001/internal/engine"
)

var ErrNotFound = errors.New("battle not found")
var ErrExists = errors.New("battle already exists")

// Change is the append-only record, if any, that a battle update carries.
// At most one field is set.
type Change struct {
	Verse   *engine.Verse
	Vote    *engine.Vote
	Comment *engine.Comment
}

// Store persists battles.
//
// Commit writes the battle's own fields and the change's record in one
// transaction; the verses, votes and comments slices of b are ignored. A
// vote by a user who already voted in that round fails the whole commit
// with engine.ErrAlreadyVoted, so the database constraint and the engine
// agree. A retried comment id is ignored.
type Store interface {
	CreateBattle(ctx context.Context, b engine.Battle) error
	GetBattle(ctx context.Context, id string) (engine.Battle, error)
	Commit(ctx context.Context, b engine.Battle, c Change) error
	ListLiveBattles(ctx context.Context) ([]engine.Battle, error)
}
