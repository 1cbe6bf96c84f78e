package server

import "sync"

// Hub serializes commands per session code. Locks are created on demand and
// dropped once nobody holds or waits for them.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	mu   sync.Mutex
	refs int
}

func NewHub() *Hub {
	return &Hub{
		rooms: make(map[string]*room),
	}
}

// Lock blocks until the caller owns code and returns the matching unlock.
func (h *Hub) Lock(code string) (unlock func()) {
	h.mu.Lock()
	r, ok := h.rooms[code]
	if !ok {
		r = &room{}
		h.rooms[code] = r
	}
	r.refs++
	h.mu.Unlock()

	r.mu.Lock()

	return func() {
		r.mu.Unlock()

		h.mu.Lock()
		r.refs--
		if r.refs == 0 {
			delete(h.rooms, code)
		}
		h.mu.Unlock()
	}
}

// Rooms is the number of codes currently locked or awaited.
func (h *Hub) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}
