package sticks

import "errors"

// ErrorKind separates requests the engine could not understand from moves
// the rules forbid.
type ErrorKind int

const (
	KindRule ErrorKind = iota
	KindMalformed
)

// Error is a rejection returned by the engine. Rejections never change the
// game state.
type Error struct {
	Code string
	Kind ErrorKind
	msg  string
}

func (e *Error) Error() string {
	return e.msg
}

func newError(kind ErrorKind, code, msg string) *Error {
	return &Error{Code: code, Kind: kind, msg: msg}
}

// Malformed requests.
var (
	ErrInvalidPlayer   = newError(KindMalformed, "invalid_player", "player must be 0 or 1")
	ErrInvalidSide     = newError(KindMalformed, "invalid_side", "hand must be 'left' or 'right'")
	ErrMalformedAmount = newError(KindMalformed, "malformed_amount", "fingers must be an integer")
	ErrUnknownMove     = newError(KindMalformed, "unknown_move", "move must be tap, swap or reset")
)

// Rule violations.
var (
	ErrWrongTurn            = newError(KindRule, "wrong_turn", "it is not this player's turn")
	ErrSourceHandEmpty      = newError(KindRule, "source_hand_empty", "cannot move from an empty hand")
	ErrSameHand             = newError(KindRule, "same_hand", "a hand cannot tap itself")
	ErrTargetHandEmpty      = newError(KindRule, "target_hand_empty", "cannot move to an empty hand")
	ErrInvalidAmount        = newError(KindRule, "invalid_amount", "swap amount must be positive")
	ErrCannotSwapAllFingers = newError(KindRule, "cannot_swap_all_fingers", "cannot swap all / more fingers than you have")
	ErrGameAlreadyOver      = newError(KindRule, "game_already_over", "game is already over")
	ErrNoLiveHands          = newError(KindRule, "no_live_hands", "player has no live hands and loses")
)

// AsError unwraps err to the engine rejection it carries, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsMalformed reports whether err is a malformed-request rejection.
func IsMalformed(err error) bool {
	e, ok := AsError(err)
	return ok && e.Kind == KindMalformed
}

// IsRuleViolation reports whether err is a rule rejection.
func IsRuleViolation(err error) bool {
	e, ok := AsError(err)
	return ok && e.Kind == KindRule
}
