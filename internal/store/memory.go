package store

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/devhowyalike/rapgpt-sub001/internal/engine"
)

// Memory keeps battles in process memory. Used when no DATABASE_URL is set
// and in tests.
type Memory struct {
	mu      sync.RWMutex
	battles map[string]engine.Battle
}

func NewMemory() *Memory {
	return &Memory{battles: make(map[string]engine.Battle)}
}

func (m *Memory) CreateBattle(_ context.Context, b engine.Battle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.battles[b.ID]; ok {
		return ErrExists
	}
	m.battles[b.ID] = copyBattle(b)
	return nil
}

func (m *Memory) GetBattle(_ context.Context, id string) (engine.Battle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.battles[id]
	if !ok {
		return engine.Battle{}, ErrNotFound
	}
	return copyBattle(b), nil
}

func (m *Memory) Commit(_ context.Context, b engine.Battle, c Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.battles[b.ID]
	if !ok {
		return ErrNotFound
	}
	next := copyBattle(b)
	next.Verses, next.Votes, next.Comments = slices.Clone(cur.Verses), slices.Clone(cur.Votes), slices.Clone(cur.Comments)

	switch {
	case c.Verse != nil:
		next.Verses = append(next.Verses, *c.Verse)
	case c.Vote != nil:
		v := *c.Vote
		if slices.ContainsFunc(next.Votes, func(e engine.Vote) bool {
			return e.Round == v.Round && e.UserID == v.UserID
		}) {
			return engine.ErrAlreadyVoted
		}
		next.Votes = append(next.Votes, v)
	case c.Comment != nil:
		if !slices.ContainsFunc(next.Comments, func(e engine.Comment) bool { return e.ID == c.Comment.ID }) {
			next.Comments = append(next.Comments, *c.Comment)
		}
	}
	m.battles[b.ID] = next
	return nil
}

func (m *Memory) ListLiveBattles(_ context.Context) ([]engine.Battle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []engine.Battle
	for _, b := range m.battles {
		if b.IsLive {
			out = append(out, copyBattle(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func copyBattle(b engine.Battle) engine.Battle {
	b.Personas = slices.Clone(b.Personas)
	b.Verses = slices.Clone(b.Verses)
	b.Votes = slices.Clone(b.Votes)
	b.Comments = slices.Clone(b.Comments)
	return b
}
