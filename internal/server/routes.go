package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/oops"

	"rummi-server/internal/logging"
	"rummi-server/internal/session"
)

func (s *Server) RegisterRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.rootHandler)

	mux.HandleFunc("/health", s.healthHandler)

	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	mux.HandleFunc("/websocket", s.websocketHandler)

	return s.corsMiddleware(mux)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")
		w.Header().Set("Access-Control-Allow-Credentials", "false")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "Failed to marshal response", http.StatusInternalServerError)
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(data)
	return err
}

func (s *Server) rootHandler(w http.ResponseWriter, r *http.Request) {
	if err := writeJSON(w, http.StatusOK, map[string]string{"message": "rummi-server"}); err != nil {
		s.logger.WarnContext(r.Context(), "failed to write response", "error", err)
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "up", Connections: s.connectionManager.Count()}
	status := http.StatusOK
	if err := s.backend.Ping(ctx); err != nil {
		resp.Status = "down"
		resp.Error = err.Error()
		status = http.StatusServiceUnavailable
	}

	if err := writeJSON(w, status, resp); err != nil {
		s.logger.WarnContext(r.Context(), "failed to write response", "error", err)
	}
}

func (s *Server) websocketHandler(w http.ResponseWriter, r *http.Request) {
	socket, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.opts.AllowedOrigins,
	})
	if err != nil {
		s.logger.WarnContext(r.Context(), "failed to open websocket", "error", err)
		return
	}
	defer socket.Close(websocket.StatusGoingAway, "Server closing")

	ctx := r.Context()

	connectionID := uuid.New().String()
	s.logger.InfoContext(ctx, "new connection", "conn_id", connectionID)
	s.connectionManager.AddConnection(connectionID, socket)
	s.connectionHealth.UpdateActivity(connectionID)
	s.metrics.ConnectionsActive.Inc()
	defer func() {
		s.connectionManager.RemoveConnection(connectionID)
		s.rateLimiter.RemoveConnection(connectionID)
		s.connectionHealth.RemoveConnection(connectionID)
		s.metrics.ConnectionsActive.Dec()
		s.logger.InfoContext(ctx, "connection closed", "conn_id", connectionID)

		// The request context is already canceled here.
		s.handleDisconnect(context.WithoutCancel(ctx), connectionID)
	}()

	for {
		msgType, data, err := socket.Read(ctx)
		if err != nil {
			s.logger.DebugContext(ctx, "connection read ended", "conn_id", connectionID, "error", err)
			return
		}
		s.connectionHealth.UpdateActivity(connectionID)

		if msgType != websocket.MessageText {
			s.logger.DebugContext(ctx, "non-text input", "conn_id", connectionID)
			continue
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendError(ctx, connectionID, "Invalid JSON")
			continue
		}

		if !s.rateLimiter.Allow(connectionID) {
			s.fail(ctx, connectionID, msg.Type, oops.Code(CodeRateLimited).Errorf("Rate limit exceeded"))
			continue
		}

		s.handleMessage(ctx, connectionID, msg)
	}
}

// handleMessage runs one command. Commands naming a session run under that
// session's lock, and their events are delivered before the lock is released
// so every player sees them in commit order.
func (s *Server) handleMessage(ctx context.Context, connectionID string, msg ClientMessage) {
	s.logger.DebugContext(ctx, "message received", "type", msg.Type, "conn_id", connectionID)

	var err error
	defer func() {
		if r := recover(); r != nil {
			err = oops.Code("PANIC").With("type", msg.Type).Errorf("panic in handler: %v", r)
			s.fail(ctx, connectionID, msg.Type, err)
		}
	}()

	if err = ValidateMessageType(msg.Type); err != nil {
		s.fail(ctx, connectionID, msg.Type, err)
		return
	}

	var req CodeRequest
	if len(msg.Payload) > 0 {
		if err = json.Unmarshal(msg.Payload, &req); err != nil {
			s.fail(ctx, connectionID, msg.Type, invalidPayload(msg.Type))
			return
		}
	}

	if code := session.NormalizeCode(req.Code); code != "" {
		unlock := s.hub.Lock(code)
		defer unlock()
	}

	var out []session.Outbound
	out, err = s.run(ctx, func(ctx context.Context) ([]session.Outbound, error) {
		return s.dispatch(ctx, connectionID, msg)
	})
	if err != nil {
		s.fail(ctx, connectionID, msg.Type, err)
		return
	}

	s.metrics.CommandsTotal.WithLabelValues(msg.Type, statusOK).Inc()
	s.metrics.ObserveGameOver(out)
	s.connectionManager.Deliver(ctx, out)
}

// run calls fn under the command deadline.
func (s *Server) run(ctx context.Context, fn func(ctx context.Context) ([]session.Outbound, error)) ([]session.Outbound, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.CommandTimeout)
	defer cancel()
	return fn(ctx)
}

func decode(msg ClientMessage, v any) error {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return invalidPayload(msg.Type)
	}
	return nil
}

func (s *Server) dispatch(ctx context.Context, connID string, msg ClientMessage) ([]session.Outbound, error) {
	c := s.controller

	switch msg.Type {
	case MsgPing:
		return []session.Outbound{{ConnID: connID, Event: session.Event{Name: "pong", Payload: struct{}{}}}}, nil

	case MsgCreateGame:
		return c.Create(ctx, connID)

	case MsgJoinGame:
		var req JoinGameRequest
		if err := decode(msg, &req); err != nil {
			return nil, err
		}
		return c.Join(ctx, connID, req.Code, req.PlayerName)

	case MsgDropTile:
		var req DropTileRequest
		if err := decode(msg, &req); err != nil {
			return nil, err
		}
		return c.DropTile(ctx, connID, req.Code, req.TileID)

	case MsgAnnounceWin:
		var req AnnounceWinRequest
		if err := decode(msg, &req); err != nil {
			return nil, err
		}
		return c.AnnounceWin(ctx, connID, req.Code, req.Melds)

	case MsgReconnectGame:
		var req ReconnectRequest
		if err := decode(msg, &req); err != nil {
			return nil, err
		}
		return c.Reconnect(ctx, connID, req.Code, req.PlayerID)
	}

	var req CodeRequest
	if err := decode(msg, &req); err != nil {
		return nil, err
	}

	switch msg.Type {
	case MsgStartGame:
		return c.Start(ctx, connID, req.Code)
	case MsgDrawFromPool:
		return c.DrawFromPool(ctx, connID, req.Code)
	case MsgDrawFromNeighbor:
		return c.DrawFromNeighbor(ctx, connID, req.Code)
	case MsgLeaveGame:
		return c.Leave(ctx, connID, req.Code)
	case MsgRequestSkipTurn:
		return c.RequestSkipTurn(ctx, connID, req.Code)
	}

	return nil, ValidateMessageType(msg.Type)
}

// fail records a failed command and tells the caller. Rule rejections are
// expected traffic; anything else is logged with its full context.
func (s *Server) fail(ctx context.Context, connID, msgType string, err error) {
	status := commandStatus(err)
	label := msgType
	if !validTypes[label] {
		label = "unknown"
	}
	s.metrics.CommandsTotal.WithLabelValues(label, status).Inc()

	if status == statusFailed {
		logging.LogError(ctx, s.logger, "command failed", err)
	} else {
		s.logger.DebugContext(ctx, "command rejected", "type", msgType, "conn_id", connID, "error", err)
	}

	s.sendError(ctx, connID, publicMessage(err))
}

func (s *Server) sendError(ctx context.Context, connID, message string) {
	msg := ServerMessage{Type: session.EventError, Payload: ErrorMessage{Message: message}}
	if err := s.connectionManager.Send(ctx, connID, msg); err != nil {
		s.logger.WarnContext(ctx, "failed to send error message", "conn_id", connID, "error", err)
	}
}

// handleDisconnect tells the rest of the connection's game, if any, that the
// player went away.
func (s *Server) handleDisconnect(ctx context.Context, connID string) {
	lookupCtx, cancel := context.WithTimeout(ctx, s.opts.CommandTimeout)
	code, err := s.backend.Lookup(lookupCtx, connID)
	cancel()
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			logging.LogError(ctx, s.logger, "disconnect lookup failed", err)
		}
		return
	}

	unlock := s.hub.Lock(code)
	defer unlock()

	out, err := s.run(ctx, func(ctx context.Context) ([]session.Outbound, error) {
		return s.controller.Disconnect(ctx, connID)
	})
	if err != nil {
		logging.LogError(ctx, s.logger, "disconnect failed", err)
		return
	}
	s.connectionManager.Deliver(ctx, out)
}
