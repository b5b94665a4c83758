package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"coderoom/internal/blocks"
	"coderoom/internal/protocol"
)

// ErrRoomNotFound means the template provider has no code block for the
// requested room id; no room is created.
var ErrRoomNotFound = errors.New("room not found")

// Registry maps room ids to live rooms. Rooms are created lazily on first
// join, seeded from the template provider, and removed once empty. The
// provider fetch runs outside the map lock so a slow fetch for one room
// never stalls traffic to others.
type Registry struct {
	provider blocks.Provider
	log      *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	once sync.Once
	room *Room
	err  error
}

func NewRegistry(provider blocks.Provider, logger *slog.Logger) *Registry {
	return &Registry{
		provider: provider,
		log:      logger,
		entries:  make(map[string]*entry),
	}
}

// GetOrCreate resolves a room, creating it from the template provider on
// first use. Concurrent first joins share a single fetch. A failed fetch
// registers nothing: the next join retries from scratch.
func (r *Registry) GetOrCreate(ctx context.Context, id string) (*Room, error) {
	r.mu.RLock()
	e := r.entries[id]
	r.mu.RUnlock()

	if e == nil {
		r.mu.Lock()
		if e = r.entries[id]; e == nil {
			e = &entry{}
			r.entries[id] = e
		}
		r.mu.Unlock()
	}

	e.once.Do(func() {
		b, err := r.provider.Block(ctx, id)
		if err != nil {
			if errors.Is(err, blocks.ErrNotFound) {
				e.err = fmt.Errorf("room %s: %w", id, ErrRoomNotFound)
			} else {
				e.err = fmt.Errorf("room %s: fetch template: %w", id, err)
			}
			return
		}
		e.room = New(id, b.Name, b.Template, b.Solution)
		r.log.Info("room.created", "room", id, "name", b.Name)
	})

	if e.err != nil {
		r.mu.Lock()
		if r.entries[id] == e {
			delete(r.entries, id)
		}
		r.mu.Unlock()
		return nil, e.err
	}
	return e.room, nil
}

// Remove drops a room from the registry. The room pointer guards against
// removing a fresh room that reused the id after rm was closed.
func (r *Registry) Remove(id string, rm *Room) {
	r.mu.Lock()
	if e, ok := r.entries[id]; ok && e.room == rm {
		delete(r.entries, id)
		r.log.Info("room.closed", "room", id)
	}
	r.mu.Unlock()
}

// ListActive returns a stable-ordered snapshot of every room with at least
// one member. Numeric ids sort numerically, everything else lexically.
func (r *Registry) ListActive() []protocol.RoomSummary {
	r.mu.RLock()
	rooms := make([]*Room, 0, len(r.entries))
	for _, e := range r.entries {
		if e.room != nil {
			rooms = append(rooms, e.room)
		}
	}
	r.mu.RUnlock()

	active := make([]protocol.RoomSummary, 0, len(rooms))
	for _, rm := range rooms {
		if s, ok := rm.Summary(); ok {
			active = append(active, s)
		}
	}

	sort.Slice(active, func(i, j int) bool {
		a, aerr := strconv.ParseInt(active[i].ID, 10, 64)
		b, berr := strconv.ParseInt(active[j].ID, 10, 64)
		if aerr == nil && berr == nil {
			return a < b
		}
		return active[i].ID < active[j].ID
	})
	return active
}

// Len reports the number of registered rooms, including ones still being
// created.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
