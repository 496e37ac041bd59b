// Package sticks implements the rules of chopsticks, the two-player finger
// counting game.
//
// Each player starts with one finger raised on each hand. On their turn a
// player either taps: adds the fingers of one live hand to any other live
// hand on the board, or swaps: moves fingers between their own two hands,
// keeping at least one on the sending hand. Counts wrap at the modulus
// (5 by default) and a hand at zero is dead. A player wins when both of the
// opponent's hands are dead.
//
// Engine holds one game and is not safe for concurrent use:
//
//	e, _ := sticks.NewEngine(sticks.DefaultModulus)
//	state, err := e.Tap(0, sticks.Left, 1, sticks.Right)
//	if sticks.IsRuleViolation(err) {
//		// illegal move; state is unchanged
//	}
package sticks
