package sticks

import (
	"errors"
	"fmt"
)

// GameState is a snapshot of the board. It is a plain value: copies never
// alias the engine's state.
type GameState struct {
	Modulus int       `json:"modulus"`
	Players [2]Player `json:"players"`
	Turn    PlayerID  `json:"turn"`
	Winner  PlayerID  `json:"winner"` // NoPlayer while in progress
	Moves   int       `json:"moves"`
}

// NewGameState returns the opening position for the given modulus.
func NewGameState(modulus int) GameState {
	return GameState{
		Modulus: modulus,
		Players: [2]Player{NewPlayer(), NewPlayer()},
		Turn:    0,
		Winner:  NoPlayer,
	}
}

// Over reports whether a winner has been decided.
func (s GameState) Over() bool {
	return s.Winner != NoPlayer
}

func (s GameState) Hand(p PlayerID, side Side) Hand {
	return s.Players[p].Hand(side)
}

// Validate checks the invariants every reachable state satisfies.
func (s GameState) Validate() error {
	if s.Modulus < 2 || s.Modulus > MaxModulus {
		return fmt.Errorf("modulus %d is outside [2, %d]", s.Modulus, MaxModulus)
	}
	for p, player := range s.Players {
		for _, side := range Sides {
			h := player.Hand(side)
			if h < 0 || int(h) >= s.Modulus {
				return fmt.Errorf("player %d %s hand %d is outside [0, %d)", p, side, h, s.Modulus)
			}
		}
	}
	if !s.Turn.Valid() {
		return fmt.Errorf("turn %d is not a player", s.Turn)
	}
	if s.Moves < 0 {
		return fmt.Errorf("move count %d is negative", s.Moves)
	}
	switch {
	case s.Winner == NoPlayer:
		// the last mover would already have won against a handless opponent
		if !s.Players[s.Turn.Opponent()].Alive() {
			return errors.New("player without live hands is not on turn and no winner is set")
		}
	case !s.Winner.Valid():
		return fmt.Errorf("winner %d is not a player", s.Winner)
	case s.Players[s.Winner.Opponent()].Alive():
		return fmt.Errorf("winner %d still has a live opponent", s.Winner)
	}
	return nil
}

// Rules is the command surface consumed by transports.
type Rules interface {
	Reset() GameState
	State() GameState
	Tap(attacker PlayerID, side Side, target PlayerID, targetSide Side) (GameState, error)
	Swap(player PlayerID, side Side, amount int) (GameState, error)
}

var _ Rules = (*Engine)(nil)

// Engine owns one authoritative GameState. It is not safe for concurrent use;
// callers serialize access per game.
type Engine struct {
	state GameState
}

// NewEngine returns an engine at the opening position.
func NewEngine(modulus int) (*Engine, error) {
	if modulus < 2 || modulus > MaxModulus {
		return nil, fmt.Errorf("modulus must be in [2, %d], got %d", MaxModulus, modulus)
	}
	return &Engine{state: NewGameState(modulus)}, nil
}

// Restore rebuilds an engine from a stored snapshot.
func Restore(state GameState) (*Engine, error) {
	if err := state.Validate(); err != nil {
		return nil, fmt.Errorf("restore game state: %w", err)
	}
	return &Engine{state: state}, nil
}

// Reset returns the board to the opening position, keeping the modulus.
func (e *Engine) Reset() GameState {
	e.state = NewGameState(e.state.Modulus)
	return e.state
}

func (e *Engine) State() GameState {
	return e.state
}

// Tap adds the fingers of the attacking hand to the target hand, which may
// be the attacker's other hand or either of the opponent's. On rejection the
// current state is returned together with the error.
func (e *Engine) Tap(attacker PlayerID, side Side, target PlayerID, targetSide Side) (GameState, error) {
	if err := validate(attacker, side); err != nil {
		return e.state, err
	}
	if err := validate(target, targetSide); err != nil {
		return e.state, err
	}
	if err := e.checkTurn(attacker); err != nil {
		return e.state, err
	}

	source := e.state.Hand(attacker, side)
	if !source.Alive() {
		return e.state, fmt.Errorf("%w: player %d %s", ErrSourceHandEmpty, attacker, side)
	}
	if attacker == target && side == targetSide {
		return e.state, ErrSameHand
	}
	dest := e.state.Hand(target, targetSide)
	if !dest.Alive() {
		return e.state, fmt.Errorf("%w: player %d %s", ErrTargetHandEmpty, target, targetSide)
	}

	e.state.Players[target].setHand(targetSide, dest.add(source.Fingers(), e.state.Modulus))
	e.endMove(attacker)
	return e.state, nil
}

// Swap moves amount fingers from side to the player's other hand. The
// sending hand must keep at least one finger.
func (e *Engine) Swap(player PlayerID, side Side, amount int) (GameState, error) {
	if err := validate(player, side); err != nil {
		return e.state, err
	}
	if err := e.checkTurn(player); err != nil {
		return e.state, err
	}
	if amount <= 0 {
		return e.state, fmt.Errorf("%w: got %d", ErrInvalidAmount, amount)
	}
	from := e.state.Hand(player, side)
	if amount > from.Fingers()-1 {
		return e.state, fmt.Errorf("%w: %s hand holds %d, asked to move %d", ErrCannotSwapAllFingers, side, from, amount)
	}

	to := e.state.Hand(player, side.Other())
	p := &e.state.Players[player]
	p.setHand(side, from-Hand(amount))
	p.setHand(side.Other(), to.add(amount, e.state.Modulus))
	e.endMove(player)
	return e.state, nil
}

func validate(p PlayerID, side Side) error {
	if !p.Valid() {
		return fmt.Errorf("%w: got %d", ErrInvalidPlayer, p)
	}
	if !side.Valid() {
		return fmt.Errorf("%w: got %q", ErrInvalidSide, side)
	}
	return nil
}

// checkTurn gates every action. A player on turn without a live hand loses
// here; that is the only rejection that changes state.
func (e *Engine) checkTurn(p PlayerID) error {
	if e.state.Over() {
		return ErrGameAlreadyOver
	}
	if p != e.state.Turn {
		return fmt.Errorf("%w: it is player %d's turn", ErrWrongTurn, e.state.Turn)
	}
	if !e.state.Players[p].Alive() {
		e.state.Winner = p.Opponent()
		return fmt.Errorf("%w: player %d", ErrNoLiveHands, p)
	}
	return nil
}

// endMove counts the accepted move, then either records the mover as winner
// or passes the turn.
func (e *Engine) endMove(mover PlayerID) {
	e.state.Moves++
	if !e.state.Players[mover.Opponent()].Alive() {
		e.state.Winner = mover
		return
	}
	e.state.Turn = mover.Opponent()
}
