package server

import "rummi-server/internal/meld"

// ============================================================================
// ERROR RESPONSES
// ============================================================================
type ErrorMessage struct {
	Message string `json:"message"`
}

// ============================================================================
// SESSION COMMANDS
// ============================================================================

// CodeRequest is the payload of start-game, draw-from-pool,
// draw-from-neighbor, leave-game and request-skip-turn. Every other request
// embeds it.
type CodeRequest struct {
	Code string `json:"code"`
}

type JoinGameRequest struct {
	CodeRequest
	PlayerName string `json:"playerName"`
}

type DropTileRequest struct {
	CodeRequest
	TileID string `json:"tileId"`
}

type AnnounceWinRequest struct {
	CodeRequest
	Melds []meld.Meld `json:"melds"`
}

type ReconnectRequest struct {
	CodeRequest
	PlayerID string `json:"playerId"`
}

// ============================================================================
// HTTP
// ============================================================================
type HealthResponse struct {
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
	Connections int    `json:"connections"`
}
