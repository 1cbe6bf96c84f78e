package session

import (
	"errors"

	"github.com/samber/oops"
)

// Store-level sentinels.
var (
	ErrNotFound  = errors.New("not found")
	ErrConflict  = errors.New("session was modified concurrently")
	ErrCodeTaken = errors.New("session code already in use")
)

// Codes for rejected commands. The message of each rejection is the text the
// player sees.
const (
	CodeGameNotFound    = "GAME_NOT_FOUND"
	CodePlayerNotFound  = "PLAYER_NOT_FOUND"
	CodeNotInGame       = "NOT_IN_GAME"
	CodeAlreadyInGame   = "ALREADY_IN_GAME"
	CodeAlreadyStarted  = "GAME_ALREADY_STARTED"
	CodeGameFull        = "ROOM_FULL"
	CodeNotEnoughPlayer = "NOT_ENOUGH_PLAYERS"
	CodeNotPlaying      = "GAME_NOT_PLAYING"
	CodeNotYourTurn     = "NOT_YOUR_TURN"
	CodeAlreadyDrew     = "ALREADY_DREW"
	CodeMustDrawFirst   = "MUST_DRAW_FIRST"
	CodeNoTileAvailable = "NO_TILE_AVAILABLE"
	CodeTileNotInRack   = "TILE_NOT_IN_RACK"
	CodeStillConnected  = "STILL_CONNECTED"
	CodeSkipTooEarly    = "SKIP_TOO_EARLY"
	CodeNameInvalid     = "USERNAME_INVALID"
	CodeNameTaken       = "USERNAME_TAKEN"
	CodeStore           = "STORE_FAILURE"
)

const genericMessage = "Something went wrong"

var publicCodes = map[string]bool{
	CodeGameNotFound:    true,
	CodePlayerNotFound:  true,
	CodeNotInGame:       true,
	CodeAlreadyInGame:   true,
	CodeAlreadyStarted:  true,
	CodeGameFull:        true,
	CodeNotEnoughPlayer: true,
	CodeNotPlaying:      true,
	CodeNotYourTurn:     true,
	CodeAlreadyDrew:     true,
	CodeMustDrawFirst:   true,
	CodeNoTileAvailable: true,
	CodeTileNotInRack:   true,
	CodeStillConnected:  true,
	CodeSkipTooEarly:    true,
	CodeNameInvalid:     true,
	CodeNameTaken:       true,
}

func reject(code, msg string, args ...any) error {
	return oops.Code(code).Errorf(msg, args...)
}

func storeFailure(op, code string, err error) error {
	return oops.Code(CodeStore).With("operation", op).With("code", code).Wrap(err)
}

// ErrorCode returns the machine code attached to err, or "".
func ErrorCode(err error) string {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}
	code, _ := oopsErr.Code().(string)
	return code
}

// IsRejection reports whether err is a game rule rejecting a command, as
// opposed to an infrastructure failure.
func IsRejection(err error) bool {
	return publicCodes[ErrorCode(err)]
}

// PublicMessage is the text shown to a player for err. Anything that is not a
// rule rejection collapses to a generic failure.
func PublicMessage(err error) string {
	if err == nil {
		return ""
	}
	if !IsRejection(err) {
		return genericMessage
	}
	oopsErr, _ := oops.AsOops(err)
	return oopsErr.Error()
}
