package queue

import (
	"fmt"
	"sync"
)

// RoomAssigner picks the room or station announced with a called ticket.
type RoomAssigner interface {
	Assign(sectorID int64) string
}

// RoundRobinRooms cycles through a fixed room list independently per sector.
// The rotation is process-local; rooms are display hints and carry no
// consistency guarantee.
type RoundRobinRooms struct {
	mu    sync.Mutex
	rooms []string
	next  map[int64]int
}

func NewRoundRobinRooms(rooms []string) *RoundRobinRooms {
	if len(rooms) == 0 {
		rooms = DefaultRooms()
	}
	return &RoundRobinRooms{rooms: rooms, next: make(map[int64]int)}
}

func DefaultRooms() []string {
	rooms := make([]string, 0, 5)
	for i := 1; i <= 5; i++ {
		rooms = append(rooms, fmt.Sprintf("Consultório %d", i))
	}
	return rooms
}

func (r *RoundRobinRooms) Assign(sectorID int64) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.next[sectorID]
	r.next[sectorID] = (idx + 1) % len(r.rooms)
	return r.rooms[idx]
}
