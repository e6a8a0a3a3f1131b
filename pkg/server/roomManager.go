package server

import (
	"context"
	"sync"
)

type roomDefinition struct {
	factory RoomFactory
	opts    RoomOptions
}

type roomManager struct {
	defs  map[string]roomDefinition
	rooms map[string]*Room
	mu    sync.RWMutex
}

func newRoomManager() *roomManager {
	return &roomManager{
		defs:  make(map[string]roomDefinition),
		rooms: make(map[string]*Room),
	}
}

func (m *roomManager) define(typ string, factory RoomFactory, opts RoomOptions) {
	m.mu.Lock()
	m.defs[typ] = roomDefinition{factory: factory, opts: opts}
	m.mu.Unlock()
}

func (m *roomManager) definition(typ string) (roomDefinition, bool) {
	m.mu.RLock()
	d, ok := m.defs[typ]
	m.mu.RUnlock()
	return d, ok
}

func (m *roomManager) set(r *Room) {
	m.mu.Lock()
	m.rooms[r.ID()] = r
	m.mu.Unlock()
}

func (m *roomManager) get(id string) (*Room, bool) {
	m.mu.RLock()
	r, ok := m.rooms[id]
	m.mu.RUnlock()
	return r, ok
}

func (m *roomManager) delete(id string) {
	m.mu.Lock()
	delete(m.rooms, id)
	m.mu.Unlock()
}

func (m *roomManager) count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

func (m *roomManager) all() []*Room {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	return rooms
}

// joinable returns a running room of typ with a free seat.
func (m *roomManager) joinable(typ string) *Room {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.rooms {
		if r.typ != typ || r.Status() != RoomRunning {
			continue
		}
		if r.opts.MaxMembers > 0 && r.MemberCount() >= r.opts.MaxMembers {
			continue
		}
		return r
	}
	return nil
}

// waitAll blocks until every room is disposed or ctx is done.
func (m *roomManager) waitAll(ctx context.Context) error {
	for _, r := range m.all() {
		select {
		case <-r.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
