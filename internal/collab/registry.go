package collab

import (
	"context"
	"log"
	"sort"
	"sync"
)

// Registry maps document ids to live rooms. Rooms are created on first join
// and remove themselves after their empty-grace period; there is no other
// process-wide collaboration state.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*Room
	opts  Options
}

func NewRegistry(opts Options) *Registry {
	return &Registry{
		rooms: make(map[string]*Room),
		opts:  opts,
	}
}

// Get returns the active room for a document id, or ErrRoomNotFound.
func (g *Registry) Get(documentID string) (*Room, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	room, ok := g.rooms[documentID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return room, nil
}

// GetOrCreate returns the room for a document id, starting one seeded from
// the version sink when none is active.
func (g *Registry) GetOrCreate(ctx context.Context, documentID string) (*Room, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if room, ok := g.rooms[documentID]; ok {
		return room, nil
	}
	room := NewRoom(documentID, g.opts, g.remove)
	if g.opts.Sink != nil {
		entities, err := g.opts.Sink.Load(ctx, documentID)
		if err != nil {
			return nil, err
		}
		room.Seed(entities)
	}
	g.rooms[documentID] = room
	room.Start()
	log.Printf("collab: room %s created", documentID)
	return room, nil
}

// remove is the room's dispose callback; it runs on the room's goroutine.
func (g *Registry) remove(room *Room) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if current, ok := g.rooms[room.DocumentID()]; ok && current == room {
		delete(g.rooms, room.DocumentID())
	}
}

// Stats lists active rooms sorted by document id.
func (g *Registry) Stats() []RoomStats {
	g.mu.Lock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, room := range g.rooms {
		rooms = append(rooms, room)
	}
	g.mu.Unlock()

	out := make([]RoomStats, 0, len(rooms))
	for _, room := range rooms {
		stats, err := room.Stats()
		if err != nil {
			continue
		}
		out = append(out, stats)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocumentID < out[j].DocumentID })
	return out
}

// Close stops every active room.
func (g *Registry) Close() {
	g.mu.Lock()
	rooms := make([]*Room, 0, len(g.rooms))
	for id, room := range g.rooms {
		rooms = append(rooms, room)
		delete(g.rooms, id)
	}
	g.mu.Unlock()
	for _, room := range rooms {
		room.Stop()
	}
}
