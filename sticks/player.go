package sticks

import (
	"fmt"
	"strconv"
	"strings"
)

// PlayerID is a seat at the board: 0 or 1.
type PlayerID int

// NoPlayer marks the absence of a winner.
const NoPlayer PlayerID = -1

// ParsePlayer accepts "0" or "1".
func ParsePlayer(s string) (PlayerID, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return NoPlayer, fmt.Errorf("%w: got %q", ErrInvalidPlayer, s)
	}
	p := PlayerID(n)
	if !p.Valid() {
		return NoPlayer, fmt.Errorf("%w: got %d", ErrInvalidPlayer, n)
	}
	return p, nil
}

func (p PlayerID) Valid() bool {
	return p == 0 || p == 1
}

// Opponent returns the other seat.
func (p PlayerID) Opponent() PlayerID {
	return 1 - p
}

// Player holds one seat's two hands.
type Player struct {
	Left  Hand `json:"left"`
	Right Hand `json:"right"`
}

func NewPlayer() Player {
	return Player{Left: 1, Right: 1}
}

func (p Player) Hand(side Side) Hand {
	if side == Left {
		return p.Left
	}
	return p.Right
}

func (p *Player) setHand(side Side, h Hand) {
	if side == Left {
		p.Left = h
		return
	}
	p.Right = h
}

// Alive reports whether the player has at least one live hand.
func (p Player) Alive() bool {
	return p.Left.Alive() || p.Right.Alive()
}

// Lives is the total number of fingers the player holds.
func (p Player) Lives() int {
	return p.Left.Fingers() + p.Right.Fingers()
}
