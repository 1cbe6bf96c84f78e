package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"rummi-server/internal/session"
)

const writeTimeout = 5 * time.Second

// ConnectionManager maps connection ids to open sockets.
type ConnectionManager struct {
	connections map[string]*websocket.Conn
	logger      *slog.Logger
	mu          sync.RWMutex
}

func NewConnectionManager(logger *slog.Logger) *ConnectionManager {
	return &ConnectionManager{
		connections: make(map[string]*websocket.Conn),
		logger:      logger,
	}
}

func (cm *ConnectionManager) AddConnection(id string, conn *websocket.Conn) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.connections[id] = conn
}

func (cm *ConnectionManager) RemoveConnection(id string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	delete(cm.connections, id)
}

func (cm *ConnectionManager) GetConnection(id string) *websocket.Conn {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.connections[id]
}

func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.connections)
}

// Send writes one message to id. A connection that is already gone is
// skipped silently.
func (cm *ConnectionManager) Send(ctx context.Context, id string, msg ServerMessage) error {
	conn := cm.GetConnection(id)
	if conn == nil {
		return nil
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// Deliver sends every outbound event in order. A player whose session moved
// to another connection has the old socket closed after the notice is sent.
func (cm *ConnectionManager) Deliver(ctx context.Context, out []session.Outbound) {
	for _, o := range out {
		msg := ServerMessage{Type: o.Event.Name, Payload: o.Event.Payload}
		if err := cm.Send(ctx, o.ConnID, msg); err != nil {
			cm.logger.WarnContext(ctx, "failed to deliver event",
				"event", o.Event.Name, "conn_id", o.ConnID, "error", err)
		}

		if o.Event.Name == session.EventDisconnectedElsewhere {
			if conn := cm.GetConnection(o.ConnID); conn != nil {
				// Close waits for the peer's close frame.
				go conn.Close(websocket.StatusNormalClosure, "Connected from another device")
			}
		}
	}
}

// CloseAll closes every open socket with reason.
func (cm *ConnectionManager) CloseAll(reason string) {
	cm.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(cm.connections))
	for _, c := range cm.connections {
		conns = append(conns, c)
	}
	cm.mu.RUnlock()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Close(websocket.StatusGoingAway, reason)
		}()
	}
	wg.Wait()
}
