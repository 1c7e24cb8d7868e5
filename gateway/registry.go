package gateway

import "sync"

// Sink is one connected client as seen by the broadcast side. Send must
// never block; it reports whether the event was accepted.
type Sink interface {
	ID() string
	Send(evt Event) bool
}

type set map[string]struct{}

// Registry tracks live sessions and channel membership. A session's
// connection is stored once even when it sits in several channels, so
// dropping it tears everything down in one place.
type Registry struct {
	mu          sync.RWMutex
	sessions    map[string]Sink
	roomMembers map[string]set
	memberRooms map[string]set
}

func NewRegistry() *Registry {
	return &Registry{
		sessions:    make(map[string]Sink),
		roomMembers: make(map[string]set),
		memberRooms: make(map[string]set),
	}
}

func (r *Registry) Register(sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sink.ID()] = sink
}

func (r *Registry) Join(sessionID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.roomMembers[room]; !ok {
		r.roomMembers[room] = make(set)
	}
	r.roomMembers[room][sessionID] = struct{}{}

	if _, ok := r.memberRooms[sessionID]; !ok {
		r.memberRooms[sessionID] = make(set)
	}
	r.memberRooms[sessionID][room] = struct{}{}
}

func (r *Registry) Leave(sessionID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(sessionID, room)
}

// Drop removes the session from every channel it joined and from the
// session directory, returning the rooms it was in so the caller can
// announce the departure.
func (r *Registry) Drop(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var rooms []string
	for room := range r.memberRooms[sessionID] {
		rooms = append(rooms, room)
		r.leaveLocked(sessionID, room)
	}
	delete(r.sessions, sessionID)
	return rooms
}

// leaveLocked removes empty sets entirely so long-running processes do
// not accumulate entries for every channel ever visited.
func (r *Registry) leaveLocked(sessionID, room string) {
	if members, ok := r.roomMembers[room]; ok {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(r.roomMembers, room)
		}
	}
	if rooms, ok := r.memberRooms[sessionID]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(r.memberRooms, sessionID)
		}
	}
}

func (r *Registry) InRoom(sessionID, room string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.roomMembers[room][sessionID]
	return ok
}

func (r *Registry) MemberCount(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.roomMembers[room])
}

// SinksForRoom resolves the room's member ids into their live sinks.
// Members whose session already vanished are skipped.
func (r *Registry) SinksForRoom(room string) []Sink {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members, ok := r.roomMembers[room]
	if !ok {
		return nil
	}
	sinks := make([]Sink, 0, len(members))
	for sessionID := range members {
		if sink, exists := r.sessions[sessionID]; exists {
			sinks = append(sinks, sink)
		}
	}
	return sinks
}
