package sticks

import (
	"fmt"
	"strconv"
	"strings"
)

type MoveKind string

const (
	MoveTap   MoveKind = "tap"
	MoveSwap  MoveKind = "swap"
	MoveReset MoveKind = "reset"
)

// Move is one command against a game, in a form that can be logged, stored
// and sent over the wire.
type Move struct {
	Kind       MoveKind `json:"kind"`
	Player     PlayerID `json:"player"`
	Side       Side     `json:"side,omitempty"`
	Target     PlayerID `json:"target_player"`
	TargetSide Side     `json:"target_side,omitempty"`
	Amount     int      `json:"amount,omitempty"`
}

func TapMove(p PlayerID, side Side, target PlayerID, targetSide Side) Move {
	return Move{Kind: MoveTap, Player: p, Side: side, Target: target, TargetSide: targetSide}
}

func SwapMove(p PlayerID, side Side, amount int) Move {
	return Move{Kind: MoveSwap, Player: p, Side: side, Amount: amount}
}

func ResetMove() Move {
	return Move{Kind: MoveReset}
}

func (m Move) String() string {
	switch m.Kind {
	case MoveTap:
		return fmt.Sprintf("tap %d %s %d %s", m.Player, m.Side, m.Target, m.TargetSide)
	case MoveSwap:
		return fmt.Sprintf("swap %d %s %d", m.Player, m.Side, m.Amount)
	case MoveReset:
		return "reset"
	}
	return fmt.Sprintf("unknown move %q", string(m.Kind))
}

// Apply dispatches m to the matching engine call.
func Apply(r Rules, m Move) (GameState, error) {
	switch m.Kind {
	case MoveTap:
		return r.Tap(m.Player, m.Side, m.Target, m.TargetSide)
	case MoveSwap:
		return r.Swap(m.Player, m.Side, m.Amount)
	case MoveReset:
		return r.Reset(), nil
	}
	return r.State(), fmt.Errorf("%w: got %q", ErrUnknownMove, string(m.Kind))
}

// ParseMove reads the text form produced by Move.String:
//
//	tap <player> <side> <target player> <target side>
//	swap <player> <side> <amount>
//	reset
func ParseMove(s string) (Move, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return Move{}, fmt.Errorf("%w: empty input", ErrUnknownMove)
	}
	switch MoveKind(strings.ToLower(fields[0])) {
	case MoveTap:
		if len(fields) != 5 {
			return Move{}, fmt.Errorf("%w: usage: tap <player> <side> <target player> <target side>", ErrUnknownMove)
		}
		p, err := ParsePlayer(fields[1])
		if err != nil {
			return Move{}, err
		}
		side, err := ParseSide(fields[2])
		if err != nil {
			return Move{}, err
		}
		target, err := ParsePlayer(fields[3])
		if err != nil {
			return Move{}, err
		}
		targetSide, err := ParseSide(fields[4])
		if err != nil {
			return Move{}, err
		}
		return TapMove(p, side, target, targetSide), nil
	case MoveSwap:
		if len(fields) != 4 {
			return Move{}, fmt.Errorf("%w: usage: swap <player> <side> <amount>", ErrUnknownMove)
		}
		p, err := ParsePlayer(fields[1])
		if err != nil {
			return Move{}, err
		}
		side, err := ParseSide(fields[2])
		if err != nil {
			return Move{}, err
		}
		amount, err := ParseAmount(fields[3])
		if err != nil {
			return Move{}, err
		}
		return SwapMove(p, side, amount), nil
	case MoveReset:
		return ResetMove(), nil
	}
	return Move{}, fmt.Errorf("%w: got %q", ErrUnknownMove, fields[0])
}

// ParseAmount reads a swap amount. Only the integer form is checked here;
// the engine decides whether the value is legal.
func ParseAmount(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: got %q", ErrMalformedAmount, s)
	}
	return n, nil
}
