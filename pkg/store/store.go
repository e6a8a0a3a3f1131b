// Package store defines how rooms load and persist the records of the
// players that join them.
package store

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"
)

var ErrPlayerNotFound = errors.New("player not found")

// Player is the persisted record of one member. Data is opaque to rooms.
type Player struct {
	ID        string
	Data      map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PlayerStore is implemented by persistence backends.
type PlayerStore interface {
	GetPlayer(ctx context.Context, id string) (*Player, error)
	SavePlayer(ctx context.Context, p *Player) error
	UpdatePlayer(ctx context.Context, id string, data map[string]any) error
}

// Memory is a PlayerStore kept in process memory.
type Memory struct {
	mu      sync.RWMutex
	players map[string]*Player
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		players: make(map[string]*Player),
		now:     time.Now,
	}
}

func (m *Memory) GetPlayer(ctx context.Context, id string) (*Player, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.players[id]
	if !ok {
		return nil, ErrPlayerNotFound
	}
	return clone(p), nil
}

// SavePlayer inserts or replaces p.
func (m *Memory) SavePlayer(ctx context.Context, p *Player) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c := clone(p)
	now := m.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	m.players[p.ID] = c
	return nil
}

// UpdatePlayer merges data into the record's data.
func (m *Memory) UpdatePlayer(ctx context.Context, id string, data map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.players[id]
	if !ok {
		return ErrPlayerNotFound
	}
	if p.Data == nil {
		p.Data = make(map[string]any, len(data))
	}
	maps.Copy(p.Data, data)
	p.UpdatedAt = m.now()
	return nil
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.players)
}

func clone(p *Player) *Player {
	c := *p
	c.Data = maps.Clone(p.Data)
	return &c
}
