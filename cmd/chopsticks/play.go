package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pgolbus/chopsticks/sticks"
)

const playHelp = `commands:
  tap <player> <side> <target player> <target side>
  swap <player> <side> <amount>
  reset
  state
  quit
`

// PlayOptions holds flags for the play command.
type PlayOptions struct {
	*RootOptions
	Modulus int
}

func NewPlayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PlayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "play",
		Short: "Play a hot-seat game in the terminal",
		Long: `Play both seats of a local game, one command per line.

Example:
  chopsticks play
  chopsticks play --modulus 7`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			modulus := opts.Modulus
			if !cmd.Flags().Changed("modulus") {
				cfg, err := opts.load()
				if err != nil {
					return err
				}
				modulus = cfg.Game.Modulus
			}
			engine, err := sticks.NewEngine(modulus)
			if err != nil {
				return err
			}
			return play(engine, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntVar(&opts.Modulus, "modulus", sticks.DefaultModulus, "fingers at which a hand dies")

	return cmd
}

// play reads commands from in until quit or EOF.
func play(engine *sticks.Engine, in io.Reader, out io.Writer) error {
	fmt.Fprint(out, renderBoard(engine.State()))

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, prompt(engine.State()))
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		switch strings.ToLower(line) {
		case "":
			continue
		case "quit", "exit":
			return nil
		case "help", "?":
			fmt.Fprint(out, playHelp)
			continue
		case "state", "board":
			fmt.Fprint(out, renderBoard(engine.State()))
			continue
		}

		move, err := sticks.ParseMove(line)
		if err == nil {
			_, err = sticks.Apply(engine, move)
		}
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		fmt.Fprint(out, renderBoard(engine.State()))
	}
}

func prompt(s sticks.GameState) string {
	if s.Over() {
		return "> "
	}
	return fmt.Sprintf("player %d> ", s.Turn)
}

// renderBoard draws both players' hands. Dead hands show as "-".
func renderBoard(s sticks.GameState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-10s%4s %5s\n", "", "left", "right")
	for i, p := range s.Players {
		marker := ""
		if !s.Over() && sticks.PlayerID(i) == s.Turn {
			marker = "  <- to move"
		}
		fmt.Fprintf(&b, "%-10s%4s %5s%s\n", fmt.Sprintf("player %d", i), handText(p.Left), handText(p.Right), marker)
	}
	if s.Over() {
		fmt.Fprintf(&b, "player %d wins after %d moves\n", s.Winner, s.Moves)
	}
	return b.String()
}

func handText(h sticks.Hand) string {
	if !h.Alive() {
		return "-"
	}
	return strconv.Itoa(h.Fingers())
}
