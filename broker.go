// Package chopsticks hosts chopsticks games: sessions that wrap the rules
// engine with sequencing and history, and a broker that owns their
// lifecycle.
package chopsticks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pgolbus/chopsticks/sticks"
	"github.com/pgolbus/chopsticks/store"
)

var (
	ErrAtCapacity         = errors.New("server at capacity")
	ErrGameNotFound       = errors.New("game not found")
	ErrBrokerStopped      = errors.New("broker is shutting down")
	ErrQueueFull          = errors.New("matchmaking queue is full")
	ErrMatchmakingTimeout = errors.New("matchmaking timeout")
	ErrSuperseded         = errors.New("matchmaking request superseded")
)

// MatchmakingRequest represents a player's request to join a game
type MatchmakingRequest struct {
	PlayerID string
	Response chan *MatchmakingResponse
	ctx      context.Context
}

// MatchmakingResponse contains the result of matchmaking
type MatchmakingResponse struct {
	Session *Session
	Seat    sticks.PlayerID
	Error   error
}

// Options configures a GameBroker. Zero durations fall back to defaults.
type Options struct {
	MaxGames           int
	MatchmakingTimeout time.Duration
	IdleTimeout        time.Duration
	CleanupInterval    time.Duration
	MonitorInterval    time.Duration
	Modulus            int
	Store              store.Store
	Logger             *slog.Logger
}

func (o *Options) setDefaults() {
	if o.MaxGames <= 0 {
		o.MaxGames = 1000
	}
	if o.MatchmakingTimeout <= 0 {
		o.MatchmakingTimeout = 30 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 30 * time.Minute
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = time.Minute
	}
	if o.MonitorInterval <= 0 {
		o.MonitorInterval = 10 * time.Second
	}
	if o.Modulus == 0 {
		o.Modulus = sticks.DefaultModulus
	}
	if o.Store == nil {
		o.Store = store.NewMemory()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Stats is a point-in-time view of broker load.
type Stats struct {
	ActiveGames    int `json:"active_games"`
	QueueSize      int `json:"queue_size"`
	AvailableSlots int `json:"available_slots"`
	MaxGames       int `json:"max_games"`
}

// UpdateFunc observes every accepted command.
type UpdateFunc func(Result)

// GameBroker handles matchmaking and game lifecycle management
type GameBroker struct {
	opts   Options
	store  store.Store
	logger *slog.Logger

	// Matchmaking queue
	queue chan *MatchmakingRequest

	// Sessions resident in memory; the store holds every game.
	sessions   map[string]*Session
	gamesMutex sync.RWMutex

	// Limits resident games
	gameSemaphore chan struct{}

	listenersMu sync.RWMutex
	listeners   []UpdateFunc

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewGameBroker creates a new game broker
func NewGameBroker(opts Options) *GameBroker {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	return &GameBroker{
		opts:          opts,
		store:         opts.Store,
		logger:        opts.Logger.With("component", "broker"),
		queue:         make(chan *MatchmakingRequest, 1000),
		sessions:      make(map[string]*Session),
		gameSemaphore: make(chan struct{}, opts.MaxGames),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start begins the matchmaking, cleanup and monitoring workers
func (gb *GameBroker) Start() {
	gb.wg.Add(3)
	go gb.matchmakingWorker()
	go gb.gameCleanupWorker()
	go gb.monitoringWorker()

	gb.logger.Info("broker started", "max_games", gb.opts.MaxGames, "modulus", gb.opts.Modulus)
}

// Stop gracefully shuts down the broker and closes its store. Sessions are
// already persisted after each move, so they are simply dropped from memory.
func (gb *GameBroker) Stop() {
	gb.stopOnce.Do(func() {
		gb.cancel()
		gb.wg.Wait()

		gb.gamesMutex.Lock()
		for id, session := range gb.sessions {
			session.close()
			delete(gb.sessions, id)
			gb.release()
		}
		gb.gamesMutex.Unlock()

		if err := gb.store.Close(); err != nil {
			gb.logger.Error("close store", "error", err)
		}
		gb.logger.Info("broker stopped")
	})
}

// OnUpdate registers fn to be called after every accepted command.
func (gb *GameBroker) OnUpdate(fn UpdateFunc) {
	gb.listenersMu.Lock()
	defer gb.listenersMu.Unlock()
	gb.listeners = append(gb.listeners, fn)
}

func (gb *GameBroker) notify(res Result) {
	gb.listenersMu.RLock()
	defer gb.listenersMu.RUnlock()
	for _, fn := range gb.listeners {
		fn(res)
	}
}

// CreateGame starts a new game with the given seats.
func (gb *GameBroker) CreateGame(ctx context.Context, seats [2]string) (*Session, error) {
	if gb.ctx.Err() != nil {
		return nil, ErrBrokerStopped
	}
	if !gb.acquire() {
		return nil, ErrAtCapacity
	}

	session, err := NewSession(uuid.Must(uuid.NewV7()).String(), seats, gb.opts.Modulus)
	if err != nil {
		gb.release()
		return nil, err
	}
	session.persist = gb.persist

	if err := gb.store.Save(ctx, session.Snapshot()); err != nil {
		gb.release()
		return nil, fmt.Errorf("save game %s: %w", session.ID, err)
	}

	gb.gamesMutex.Lock()
	gb.sessions[session.ID] = session
	gb.gamesMutex.Unlock()

	gb.logger.Info("game created", "game_id", session.ID, "seats", seats)
	return session, nil
}

// RequestGame queues playerID for matchmaking and blocks until an opponent
// arrives, the matchmaking timeout passes or ctx is done.
func (gb *GameBroker) RequestGame(ctx context.Context, playerID string) (*Session, sticks.PlayerID, error) {
	if gb.ctx.Err() != nil {
		return nil, sticks.NoPlayer, ErrBrokerStopped
	}
	reqCtx, cancel := context.WithTimeout(ctx, gb.opts.MatchmakingTimeout)
	defer cancel()

	request := &MatchmakingRequest{
		PlayerID: playerID,
		Response: make(chan *MatchmakingResponse, 1),
		ctx:      reqCtx,
	}

	select {
	case gb.queue <- request:
	case <-reqCtx.Done():
		return nil, sticks.NoPlayer, gb.requestErr(ctx, ErrQueueFull)
	case <-gb.ctx.Done():
		return nil, sticks.NoPlayer, ErrBrokerStopped
	}

	select {
	case response := <-request.Response:
		return response.Session, response.Seat, response.Error
	case <-reqCtx.Done():
		return nil, sticks.NoPlayer, gb.requestErr(ctx, ErrMatchmakingTimeout)
	case <-gb.ctx.Done():
		return nil, sticks.NoPlayer, ErrBrokerStopped
	}
}

// requestErr reports the caller's own cancellation in preference to the
// matchmaking timeout.
func (gb *GameBroker) requestErr(ctx context.Context, timeout error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return timeout
}

// matchmakingWorker pairs queued players in arrival order. Requests whose
// caller has gone away are dropped instead of matched.
func (gb *GameBroker) matchmakingWorker() {
	defer gb.wg.Done()

	var waiting *MatchmakingRequest

	for {
		select {
		case request := <-gb.queue:
			if waiting != nil && waiting.ctx.Err() != nil {
				waiting = nil
			}
			switch {
			case request.ctx.Err() != nil:
			case waiting == nil:
				waiting = request
				gb.logger.Debug("player waiting for match", "player_id", request.PlayerID)
			case waiting.PlayerID == request.PlayerID:
				waiting.Response <- &MatchmakingResponse{Seat: sticks.NoPlayer, Error: ErrSuperseded}
				waiting = request
			default:
				gb.createMatch(waiting, request)
				waiting = nil
			}

		case <-gb.ctx.Done():
			if waiting != nil {
				waiting.Response <- &MatchmakingResponse{Seat: sticks.NoPlayer, Error: ErrBrokerStopped}
			}
			return
		}
	}
}

// createMatch creates a game between two queued players. The first to
// arrive takes seat 0.
func (gb *GameBroker) createMatch(first, second *MatchmakingRequest) {
	session, err := gb.CreateGame(gb.ctx, [2]string{first.PlayerID, second.PlayerID})
	if err != nil {
		gb.logger.Warn("matchmaking failed", "error", err)
		first.Response <- &MatchmakingResponse{Seat: sticks.NoPlayer, Error: err}
		second.Response <- &MatchmakingResponse{Seat: sticks.NoPlayer, Error: err}
		return
	}

	first.Response <- &MatchmakingResponse{Session: session, Seat: 0}
	second.Response <- &MatchmakingResponse{Session: session, Seat: 1}

	gb.logger.Info("players matched", "game_id", session.ID,
		"player0", first.PlayerID, "player1", second.PlayerID)
}

// Get returns the session for id, loading it from the store if it is not
// resident.
func (gb *GameBroker) Get(ctx context.Context, id string) (*Session, error) {
	gb.gamesMutex.RLock()
	session, ok := gb.sessions[id]
	gb.gamesMutex.RUnlock()
	if ok {
		if session.isClosed() {
			return nil, fmt.Errorf("%w: %s", ErrGameNotFound, id)
		}
		return session, nil
	}

	rec, err := gb.store.Load(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrGameNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	gb.gamesMutex.Lock()
	defer gb.gamesMutex.Unlock()
	if session, ok := gb.sessions[id]; ok {
		if session.isClosed() {
			return nil, fmt.Errorf("%w: %s", ErrGameNotFound, id)
		}
		return session, nil
	}
	if !gb.acquire() {
		return nil, ErrAtCapacity
	}
	session, err = RestoreSession(rec)
	if err != nil {
		gb.release()
		return nil, err
	}
	session.persist = gb.persist
	gb.sessions[id] = session

	gb.logger.Debug("game loaded", "game_id", id, "seq", rec.Seq)
	return session, nil
}

// Apply runs cmd against game id. A session evicted while the command was
// in flight is reloaded once from the store.
func (gb *GameBroker) Apply(ctx context.Context, id string, cmd Command) (Result, error) {
	session, err := gb.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}

	res, err := session.Apply(ctx, cmd)
	if errors.Is(err, errSessionClosed) {
		if session, err = gb.Get(ctx, id); err != nil {
			return Result{}, err
		}
		res, err = session.Apply(ctx, cmd)
	}
	if err != nil {
		if errors.Is(err, sticks.ErrNoLiveHands) {
			gb.notify(res)
		}
		return res, err
	}
	if !res.Duplicate {
		gb.notify(res)
		if res.State.Over() {
			gb.logger.Info("game finished", "game_id", id, "winner", res.State.Winner, "moves", res.State.Moves)
		}
	}
	return res, nil
}

// persist saves a snapshot. Failures are logged; the in-memory session
// stays authoritative until it is evicted.
func (gb *GameBroker) persist(ctx context.Context, rec store.Record) {
	if err := gb.store.Save(context.WithoutCancel(ctx), rec); err != nil {
		gb.logger.Error("persist game", "game_id", rec.ID, "seq", rec.Seq, "error", err)
	}
}

// Delete removes a game from memory and from the store. The resident
// session is closed before the store delete so no in-flight command can
// write it back.
func (gb *GameBroker) Delete(ctx context.Context, id string) error {
	gb.gamesMutex.RLock()
	session, ok := gb.sessions[id]
	gb.gamesMutex.RUnlock()
	if ok {
		session.close()
	}

	err := gb.store.Delete(ctx, id)
	gb.evict(id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrGameNotFound, id)
	}
	return err
}

// List returns the ids of all stored games, most recently updated first.
func (gb *GameBroker) List(ctx context.Context) ([]string, error) {
	return gb.store.List(ctx)
}

func (gb *GameBroker) evict(id string) bool {
	gb.gamesMutex.Lock()
	defer gb.gamesMutex.Unlock()
	if _, ok := gb.sessions[id]; !ok {
		return false
	}
	delete(gb.sessions, id)
	gb.release()
	return true
}

func (gb *GameBroker) acquire() bool {
	select {
	case gb.gameSemaphore <- struct{}{}:
		return true
	default:
		return false
	}
}

func (gb *GameBroker) release() {
	<-gb.gameSemaphore
}

// gameCleanupWorker periodically evicts idle games
func (gb *GameBroker) gameCleanupWorker() {
	defer gb.wg.Done()

	ticker := time.NewTicker(gb.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			gb.cleanupStaleGames(time.Now())
		case <-gb.ctx.Done():
			return
		}
	}
}

// cleanupStaleGames drops games untouched for longer than the idle timeout
// from memory. They stay in the store and are reloaded on next access.
func (gb *GameBroker) cleanupStaleGames(now time.Time) int {
	gb.gamesMutex.Lock()
	defer gb.gamesMutex.Unlock()

	evicted := 0
	cutoff := now.Add(-gb.opts.IdleTimeout)
	for id, session := range gb.sessions {
		if session.closeIfIdle(cutoff) {
			delete(gb.sessions, id)
			gb.release()
			evicted++
			gb.logger.Info("evicted idle game", "game_id", id, "status", session.Status())
		}
	}
	return evicted
}

// monitoringWorker periodically logs broker metrics
func (gb *GameBroker) monitoringWorker() {
	defer gb.wg.Done()

	ticker := time.NewTicker(gb.opts.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s := gb.Stats()
			gb.logger.Info("broker metrics",
				"active_games", s.ActiveGames,
				"queue", s.QueueSize,
				"available_slots", s.AvailableSlots)
		case <-gb.ctx.Done():
			return
		}
	}
}

// Stats returns current broker load
func (gb *GameBroker) Stats() Stats {
	gb.gamesMutex.RLock()
	active := len(gb.sessions)
	gb.gamesMutex.RUnlock()

	return Stats{
		ActiveGames:    active,
		QueueSize:      len(gb.queue),
		AvailableSlots: cap(gb.gameSemaphore) - len(gb.gameSemaphore),
		MaxGames:       cap(gb.gameSemaphore),
	}
}
