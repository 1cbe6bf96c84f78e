package server

import (
	"sync"
	"time"

	"github.com/samber/oops"
	"golang.org/x/time/rate"

	"rummi-server/internal/session"
)

// RateLimiter keeps one token bucket per connection.
type RateLimiter struct {
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
}

// NewRateLimiter allows perSecond messages per connection on average, with
// bursts of up to burst messages.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (r *RateLimiter) Allow(connectionID string) bool {
	r.mu.Lock()
	l, ok := r.limiters[connectionID]
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters[connectionID] = l
	}
	r.mu.Unlock()

	return l.Allow()
}

func (r *RateLimiter) RemoveConnection(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.limiters, connectionID)
}

// ConnectionHealth tracks the last time each connection sent anything.
type ConnectionHealth struct {
	lastActivity map[string]time.Time
	now          func() time.Time
	mu           sync.RWMutex
}

func NewConnectionHealth() *ConnectionHealth {
	return &ConnectionHealth{
		lastActivity: make(map[string]time.Time),
		now:          time.Now,
	}
}

func (h *ConnectionHealth) UpdateActivity(connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastActivity[connectionID] = h.now()
}

func (h *ConnectionHealth) GetInactiveConnections(timeout time.Duration) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	inactive := make([]string, 0)
	now := h.now()
	for connID, lastActivity := range h.lastActivity {
		if now.Sub(lastActivity) > timeout {
			inactive = append(inactive, connID)
		}
	}
	return inactive
}

func (h *ConnectionHealth) RemoveConnection(connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.lastActivity, connectionID)
}

// Inbound message types.
const (
	MsgPing             = "ping"
	MsgCreateGame       = "create-game"
	MsgJoinGame         = "join-game"
	MsgStartGame        = "start-game"
	MsgDrawFromPool     = "draw-from-pool"
	MsgDrawFromNeighbor = "draw-from-neighbor"
	MsgDropTile         = "drop-tile"
	MsgAnnounceWin      = "announce-win"
	MsgLeaveGame        = "leave-game"
	MsgRequestSkipTurn  = "request-skip-turn"
	MsgReconnectGame    = "reconnect-game"
)

var validTypes = map[string]bool{
	MsgPing:             true,
	MsgCreateGame:       true,
	MsgJoinGame:         true,
	MsgStartGame:        true,
	MsgDrawFromPool:     true,
	MsgDrawFromNeighbor: true,
	MsgDropTile:         true,
	MsgAnnounceWin:      true,
	MsgLeaveGame:        true,
	MsgRequestSkipTurn:  true,
	MsgReconnectGame:    true,
}

// Gateway error codes. Their messages are shown to the client as is.
const (
	CodeInvalidMessageType = "INVALID_MESSAGE_TYPE"
	CodeInvalidPayload     = "INVALID_PAYLOAD"
	CodeRateLimited        = "RATE_LIMITED"
)

func ValidateMessageType(msgType string) error {
	if !validTypes[msgType] {
		return oops.Code(CodeInvalidMessageType).Errorf("Unknown message type: %s", msgType)
	}
	return nil
}

func isGatewayRejection(err error) bool {
	switch session.ErrorCode(err) {
	case CodeInvalidMessageType, CodeInvalidPayload, CodeRateLimited:
		return true
	}
	return false
}

// publicMessage is the text sent in an error event for err.
func publicMessage(err error) string {
	if isGatewayRejection(err) {
		oopsErr, _ := oops.AsOops(err)
		return oopsErr.Error()
	}
	return session.PublicMessage(err)
}

func invalidPayload(msgType string) error {
	return oops.Code(CodeInvalidPayload).Errorf("Invalid %s payload", msgType)
}
