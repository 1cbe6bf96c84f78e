package session

import (
	"rummi-server/internal/meld"
	"rummi-server/internal/tiles"
)

// Outbound event names.
const (
	EventGameCreated           = "game-created"
	EventPlayerJoined          = "player-joined"
	EventGameStarted           = "game-started"
	EventTurnChanged           = "turn-changed"
	EventTileDrawn             = "tile-drawn"
	EventPlayerDrewTile        = "player-drew-tile"
	EventNeighborTileTaken     = "neighbor-tile-taken"
	EventTileDropped           = "tile-dropped"
	EventGameOver              = "game-over"
	EventInvalidAnnounce       = "invalid-announce"
	EventPlayerLeft            = "player-left"
	EventTurnSkipped           = "turn-skipped"
	EventReconnectSuccess      = "reconnect-success"
	EventPlayerReconnected     = "player-reconnected"
	EventReconnectFailed       = "reconnect-failed"
	EventPlayerDisconnected    = "player-disconnected"
	EventDisconnectedElsewhere = "disconnected-elsewhere"
	EventError                 = "error"
)

type Event struct {
	Name    string `json:"type"`
	Payload any    `json:"payload"`
}

// Outbound is one event addressed to one connection.
type Outbound struct {
	ConnID string
	Event  Event
}

type GameCreatedPayload struct {
	Code string `json:"code"`
}

type PlayerJoinedPayload struct {
	Player    PlayerView `json:"player"`
	GameState GameState  `json:"gameState"`
}

type GameStatePayload struct {
	GameState GameState `json:"gameState"`
}

type TurnChangedPayload struct {
	CurrentPlayerIndex int `json:"currentPlayerIndex"`
}

type TileDrawnPayload struct {
	Tile      tiles.Tile `json:"tile"`
	GameState GameState  `json:"gameState"`
}

// PlayerDrewTilePayload tells the other players about a pool draw.
// DiscardReturned means the drawer's left neighbor lost their face-up tile to
// the pool.
type PlayerDrewTilePayload struct {
	PlayerIndex     int  `json:"playerIndex"`
	PoolSize        int  `json:"poolSize"`
	DiscardReturned bool `json:"discardReturned,omitempty"`
}

type NeighborTileTakenPayload struct {
	TakerIndex    int `json:"takerIndex"`
	NeighborIndex int `json:"neighborIndex"`
}

type TileDroppedPayload struct {
	PlayerIndex int        `json:"playerIndex"`
	Tile        tiles.Tile `json:"tile"`
	GameState   GameState  `json:"gameState"`
}

type GameOverPayload struct {
	WinnerID     *string     `json:"winnerId"`
	GameState    GameState   `json:"gameState"`
	IsDraw       bool        `json:"isDraw,omitempty"`
	WinningMelds []meld.Meld `json:"winningMelds,omitempty"`
	Forfeit      bool        `json:"forfeit,omitempty"`
}

type ReasonPayload struct {
	Reason string `json:"reason"`
}

type PlayerLeftPayload struct {
	PlayerID   string    `json:"playerId"`
	PlayerName string    `json:"playerName"`
	GameState  GameState `json:"gameState"`
}

type TurnSkippedPayload struct {
	SkippedPlayerID   string    `json:"skippedPlayerId"`
	SkippedPlayerName string    `json:"skippedPlayerName"`
	GameState         GameState `json:"gameState"`
}

type ReconnectSuccessPayload struct {
	Player    PlayerView `json:"player"`
	GameState GameState  `json:"gameState"`
}

type PlayerReconnectedPayload struct {
	PlayerID  string    `json:"playerId"`
	GameState GameState `json:"gameState"`
}

type PlayerDisconnectedPayload struct {
	PlayerID   string    `json:"playerId"`
	PlayerName string    `json:"playerName"`
	GameState  GameState `json:"gameState"`
}

type MessagePayload struct {
	Message string `json:"message"`
}

func ErrorEvent(message string) Event {
	return Event{Name: EventError, Payload: MessagePayload{Message: message}}
}
