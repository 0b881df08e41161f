package game

import "fmt"

// Business-rule violations are typed so the dispatch boundary can translate
// them into user-visible notices instead of dropping the session.

type AlreadyInGameError struct {
	Username string
}

func (e *AlreadyInGameError) Error() string {
	return fmt.Sprintf("%s is already in a game", e.Username)
}

type GameFullError struct {
	MaxPlayers int
}

func (e *GameFullError) Error() string {
	return fmt.Sprintf("Game is full (%d players max)", e.MaxPlayers)
}

type PingTooHighError struct {
	PingMs    uint32
	MaxPingMs uint32
}

func (e *PingTooHighError) Error() string {
	return fmt.Sprintf("Your ping is too high to join: %dms (limit %dms)", e.PingMs, e.MaxPingMs)
}

type ConnectionTypeMismatchError struct {
	Required uint8
	Actual   uint8
}

func (e *ConnectionTypeMismatchError) Error() string {
	return fmt.Sprintf("Your connection type (%d) does not match the game's (%d)", e.Actual, e.Required)
}

type EmulatorMismatchError struct {
	Required string
	Actual   string
}

func (e *EmulatorMismatchError) Error() string {
	return fmt.Sprintf("Your emulator (%s) does not match the game's (%s)", e.Actual, e.Required)
}

type PreviouslyKickedError struct{}

func (e *PreviouslyKickedError) Error() string {
	return "You were kicked from this game"
}

type GameInProgressError struct{}

func (e *GameInProgressError) Error() string {
	return "Game is already in progress"
}

type JoinSpamError struct{}

func (e *JoinSpamError) Error() string {
	return "Joining too frequently - slow down"
}

type NotOwnerError struct {
	Username string
}

func (e *NotOwnerError) Error() string {
	return fmt.Sprintf("%s is not the game owner", e.Username)
}

type NotInGameError struct {
	Username string
}

func (e *NotInGameError) Error() string {
	return fmt.Sprintf("%s is not in this game", e.Username)
}

type WrongStateError struct {
	Operation string
	Status    Status
}

func (e *WrongStateError) Error() string {
	return fmt.Sprintf("Cannot %s while game is %s", e.Operation, e.Status)
}

type SinglePlayerNotAllowedError struct{}

func (e *SinglePlayerNotAllowedError) Error() string {
	return "Single-player games are not allowed on this server"
}

type BufferFullError struct {
	Capacity  int
	Requested int
}

func (e *BufferFullError) Error() string {
	return fmt.Sprintf("Input buffer cannot take %d more bytes (capacity %d)", e.Requested, e.Capacity)
}

type PlayerNotFoundError struct {
	UserId uint16
}

func (e *PlayerNotFoundError) Error() string {
	return fmt.Sprintf("No player with id %d in this game", e.UserId)
}
