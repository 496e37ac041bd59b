package sticks

import (
	"fmt"
	"strings"
)

// DefaultModulus is the finger count at which a hand wraps back to zero.
const DefaultModulus = 5

// MaxModulus bounds the modulus so board values stay small.
const MaxModulus = 1 << 16

// Side names one of a player's two hands.
type Side string

const (
	Left  Side = "left"
	Right Side = "right"
)

// Sides lists both hands in board order.
var Sides = [2]Side{Left, Right}

// ParseSide accepts "left" or "right" in any case.
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case Left:
		return Left, nil
	case Right:
		return Right, nil
	}
	return "", fmt.Errorf("%w: got %q", ErrInvalidSide, s)
}

func (s Side) Valid() bool {
	return s == Left || s == Right
}

// Other returns the opposite hand.
func (s Side) Other() Side {
	if s == Left {
		return Right
	}
	return Left
}

// Hand is a finger count in [0, modulus). Zero is a dead hand.
type Hand int

func (h Hand) Alive() bool {
	return h > 0
}

func (h Hand) Fingers() int {
	return int(h)
}

// add returns the hand after receiving n fingers, wrapping at modulus.
// h and n must lie in [0, modulus); h+n is never computed.
func (h Hand) add(n, modulus int) Hand {
	if n >= modulus-int(h) {
		return Hand(int(h) - (modulus - n))
	}
	return Hand(int(h) + n)
}
