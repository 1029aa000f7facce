package relay

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var (
	ErrUnknownRoom = errors.New("relay: unknown room")
	ErrRoomID      = errors.New("relay: room id is empty")
)

// Registry maps room ids to their pools. Rooms are either declared up front
// (and live as long as the registry) or created on first join when
// autoCreate is set; the latter are evicted after staying empty for
// idleTimeout.
type Registry struct {
	autoCreate  bool
	idleTimeout time.Duration
	sendBuffer  int
	log         zerolog.Logger

	mu       sync.Mutex
	rooms    map[string]*RoomPool
	declared map[string]bool
	closed   bool
}

func NewRegistry(s Settings, logger zerolog.Logger) *Registry {
	r := &Registry{
		autoCreate:  s.AutoCreateRooms,
		idleTimeout: s.IdleTimeout,
		sendBuffer:  s.SendBuffer,
		log:         logger,
		rooms:       map[string]*RoomPool{},
		declared:    map[string]bool{},
	}
	for _, id := range s.Rooms {
		_ = r.Create(id)
	}
	return r
}

// Create declares roomID. Declared rooms are never evicted.
func (r *Registry) Create(roomID string) error {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return ErrRoomID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("relay: registry closed")
	}
	r.declared[roomID] = true
	if _, ok := r.rooms[roomID]; !ok {
		r.rooms[roomID] = NewRoomPool(roomID, 0, r.sendBuffer, nil, r.log)
	}
	return nil
}

// Lookup returns the pool for roomID, creating it when auto-creation is on.
func (r *Registry) Lookup(roomID string) (*RoomPool, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return nil, ErrRoomID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.Wrapf(ErrUnknownRoom, "room %q", roomID)
	}
	if rp, ok := r.rooms[roomID]; ok {
		return rp, nil
	}
	if !r.autoCreate {
		return nil, errors.Wrapf(ErrUnknownRoom, "room %q", roomID)
	}
	rp := NewRoomPool(roomID, r.idleTimeout, r.sendBuffer, r.evict, r.log)
	r.rooms[roomID] = rp
	r.log.Info().Str("room_id", roomID).Msg("room created on join")
	return rp, nil
}

// Rooms returns the ids of all live rooms, sorted.
func (r *Registry) Rooms() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (r *Registry) Participants() int {
	r.mu.Lock()
	pools := make([]*RoomPool, 0, len(r.rooms))
	for _, rp := range r.rooms {
		pools = append(pools, rp)
	}
	r.mu.Unlock()
	n := 0
	for _, rp := range pools {
		n += rp.Count()
	}
	return n
}

// Close disconnects everyone and drops every room.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	pools := r.rooms
	r.rooms = map[string]*RoomPool{}
	r.mu.Unlock()
	for _, rp := range pools {
		rp.CloseAll()
	}
}

func (r *Registry) evict(rp *RoomPool) {
	r.mu.Lock()
	current, ok := r.rooms[rp.ID()]
	if !ok || current != rp || r.declared[rp.ID()] || rp.Count() != 0 {
		r.mu.Unlock()
		return
	}
	delete(r.rooms, rp.ID())
	r.mu.Unlock()

	rp.CloseAll()
	r.log.Info().Str("room_id", rp.ID()).Msg("evicted idle room")
}
