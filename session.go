package chopsticks

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/pgolbus/chopsticks/sticks"
	"github.com/pgolbus/chopsticks/store"
)

// Status is the coarse lifecycle of a session.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusFinished   Status = "finished"
)

var ErrSequenceGap = errors.New("move sequence gap")

// errSessionClosed is returned by a session the broker has dropped. Callers
// holding the old pointer see it as a missing game.
var errSessionClosed = fmt.Errorf("%w: session closed", ErrGameNotFound)

// Command is a move plus an optional client sequence number. Seq 0 skips
// duplicate detection; otherwise it must be the session's next sequence
// number, and numbers already applied are answered without reapplying.
type Command struct {
	Seq  int         `json:"seq,omitempty"`
	Move sticks.Move `json:"move"`
}

// Result is the outcome of a command.
type Result struct {
	GameID    string           `json:"game_id"`
	State     sticks.GameState `json:"state"`
	Seq       int              `json:"seq"`
	Duplicate bool             `json:"duplicate,omitempty"`
}

// Session is one game: an engine plus the bookkeeping the engine leaves to
// its callers. All access goes through the session's mutex.
type Session struct {
	ID        string
	Seats     [2]string
	CreatedAt time.Time

	mu        sync.Mutex
	engine    *sticks.Engine
	seq       int
	history   []store.Entry
	updatedAt time.Time
	now       func() time.Time
	closed    bool

	// persist runs under the lock after every state change so stored
	// snapshots are written in order.
	persist func(context.Context, store.Record)
}

func NewSession(id string, seats [2]string, modulus int) (*Session, error) {
	engine, err := sticks.NewEngine(modulus)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &Session{
		ID:        id,
		Seats:     seats,
		CreatedAt: now,
		engine:    engine,
		updatedAt: now,
		now:       time.Now,
	}, nil
}

// RestoreSession rebuilds a session from its stored record.
func RestoreSession(rec store.Record) (*Session, error) {
	engine, err := sticks.Restore(rec.State)
	if err != nil {
		return nil, fmt.Errorf("game %s: %w", rec.ID, err)
	}
	return &Session{
		ID:        rec.ID,
		Seats:     rec.Seats,
		CreatedAt: rec.CreatedAt,
		engine:    engine,
		seq:       rec.Seq,
		history:   slices.Clone(rec.History),
		updatedAt: rec.UpdatedAt,
		now:       time.Now,
	}, nil
}

// Apply runs cmd against the engine.
func (s *Session) Apply(ctx context.Context, cmd Command) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Result{GameID: s.ID, Seq: s.seq}, errSessionClosed
	}
	if cmd.Seq > 0 {
		if cmd.Seq <= s.seq {
			return s.result(s.engine.State(), true), nil
		}
		if cmd.Seq > s.seq+1 {
			return s.result(s.engine.State(), false),
				fmt.Errorf("%w: expected %d, got %d", ErrSequenceGap, s.seq+1, cmd.Seq)
		}
	}

	state, err := sticks.Apply(s.engine, cmd.Move)
	if err != nil {
		if errors.Is(err, sticks.ErrNoLiveHands) {
			s.updatedAt = s.now()
			s.save(ctx)
		}
		return s.result(state, false), err
	}

	s.seq++
	s.updatedAt = s.now()
	s.history = append(s.history, store.Entry{Seq: s.seq, Move: cmd.Move, At: s.updatedAt})
	s.save(ctx)
	return s.result(state, false), nil
}

// close stops the session from accepting or persisting further commands.
// A command already holding the lock finishes first.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// closeIfIdle closes the session when it has not changed since cutoff.
func (s *Session) closeIfIdle(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.updatedAt.Before(cutoff) {
		return false
	}
	s.closed = true
	return true
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) result(state sticks.GameState, dup bool) Result {
	return Result{GameID: s.ID, State: state, Seq: s.seq, Duplicate: dup}
}

func (s *Session) save(ctx context.Context) {
	if s.persist != nil {
		s.persist(ctx, s.snapshot())
	}
}

func (s *Session) State() sticks.GameState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.State()
}

// Seq is the number of commands applied so far.
func (s *Session) Seq() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

func (s *Session) Status() Status {
	if s.State().Over() {
		return StatusFinished
	}
	return StatusInProgress
}

func (s *Session) History() []store.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history)
}

func (s *Session) UpdatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}

// SeatOf returns the seat held by playerID.
func (s *Session) SeatOf(playerID string) (sticks.PlayerID, bool) {
	for seat, id := range s.Seats {
		if id != "" && id == playerID {
			return sticks.PlayerID(seat), true
		}
	}
	return sticks.NoPlayer, false
}

// Snapshot returns the storable form of the session.
func (s *Session) Snapshot() store.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

func (s *Session) snapshot() store.Record {
	return store.Record{
		ID:        s.ID,
		State:     s.engine.State(),
		Seq:       s.seq,
		Seats:     s.Seats,
		History:   slices.Clone(s.history),
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.updatedAt,
	}
}
