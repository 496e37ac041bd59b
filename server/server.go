package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	chopsticks "github.com/pgolbus/chopsticks"
	"github.com/pgolbus/chopsticks/auth"
	"github.com/pgolbus/chopsticks/sticks"
	"github.com/pgolbus/chopsticks/store"
	"github.com/pgolbus/chopsticks/websocket"
)

// Options configures a GameServer.
type Options struct {
	Broker *chopsticks.GameBroker
	Hub    *websocket.Hub
	// Issuer signs and checks seat tokens. Nil disables auth.
	Issuer         *auth.Issuer
	AllowedOrigins []string
	Logger         *slog.Logger
}

// GameServer exposes the broker over HTTP and WebSocket. It holds no game
// rules; every move goes through the broker.
type GameServer struct {
	broker    *chopsticks.GameBroker
	hub       *websocket.Hub
	issuer    *auth.Issuer
	origins   []string
	logger    *slog.Logger
	router    *mux.Router
	startTime time.Time
}

// NewGameServer creates a game server and subscribes it to broker updates.
func NewGameServer(opts Options) *GameServer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Hub == nil {
		opts.Hub = websocket.NewHub(opts.Logger)
	}
	gs := &GameServer{
		broker:    opts.Broker,
		hub:       opts.Hub,
		issuer:    opts.Issuer,
		origins:   opts.AllowedOrigins,
		logger:    opts.Logger.With("component", "server"),
		router:    mux.NewRouter(),
		startTime: time.Now(),
	}
	gs.broker.OnUpdate(gs.publish)
	gs.setupRoutes()
	return gs
}

// Handler returns the routes wrapped in logging and CORS.
func (gs *GameServer) Handler() http.Handler {
	return RequestLogger(gs.logger)(Cors(gs.origins)(gs.router))
}

// setupRoutes configures HTTP routes
func (gs *GameServer) setupRoutes() {
	gs.router.HandleFunc("/chopsticks/health", gs.handleServiceHealth).Methods(http.MethodGet)
	gs.router.HandleFunc("/chopsticks/healthcheck", gs.handleServiceHealth).Methods(http.MethodGet)

	api := gs.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", gs.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/stats", gs.handleStats).Methods(http.MethodGet)

	api.Handle("/games", PlayerID(http.HandlerFunc(gs.handleCreateGame))).Methods(http.MethodPost)
	api.HandleFunc("/games", gs.handleListGames).Methods(http.MethodGet)
	api.HandleFunc("/games/{id}", gs.handleGetGame).Methods(http.MethodGet)
	api.HandleFunc("/games/{id}", gs.handleDeleteGame).Methods(http.MethodDelete)
	api.HandleFunc("/games/{id}/current_player", gs.handleCurrentPlayer).Methods(http.MethodGet)
	api.HandleFunc("/games/{id}/hands/{player}/{side}", gs.handleHand).Methods(http.MethodGet)
	api.HandleFunc("/games/{id}/move/{player}/{side}/{target_player}/{target_side}", gs.handleTap).Methods(http.MethodPost)
	api.HandleFunc("/games/{id}/swap/{player}/{side}/{amount}", gs.handleSwap).Methods(http.MethodPost)
	api.HandleFunc("/games/{id}/reset", gs.handleReset).Methods(http.MethodPost)
	api.HandleFunc("/games/{id}/history", gs.handleHistory).Methods(http.MethodGet)

	api.HandleFunc("/ws", gs.handleWebSocket)
	api.Handle("/ws/match", PlayerID(http.HandlerFunc(gs.handleMatch)))
}

// GameView is the board plus session metadata.
type GameView struct {
	GameID    string            `json:"game_id"`
	State     sticks.GameState  `json:"state"`
	Seq       int               `json:"seq"`
	Status    chopsticks.Status `json:"status"`
	Seats     [2]string         `json:"seats"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func newGameView(s *chopsticks.Session) GameView {
	rec := s.Snapshot()
	status := chopsticks.StatusInProgress
	if rec.State.Over() {
		status = chopsticks.StatusFinished
	}
	return GameView{
		GameID:    rec.ID,
		State:     rec.State,
		Seq:       rec.Seq,
		Status:    status,
		Seats:     rec.Seats,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}

// CreateGameRequest names the seat owners of a new game. Missing names
// default to the caller's player id.
type CreateGameRequest struct {
	Players [2]string `json:"players"`
}

type CreateGameResponse struct {
	GameView
	Tokens *[2]string `json:"tokens,omitempty"`
}

func (gs *GameServer) handleCreateGame(w http.ResponseWriter, r *http.Request) {
	var req CreateGameRequest
	if err := decodeBody(r, &req); err != nil {
		gs.respondError(w, err)
		return
	}
	playerID := getPlayerIDFromContext(r.Context())
	for i := range req.Players {
		if req.Players[i] == "" {
			req.Players[i] = playerID
		}
	}

	session, err := gs.broker.CreateGame(r.Context(), req.Players)
	if err != nil {
		gs.respondError(w, err)
		return
	}

	resp := CreateGameResponse{GameView: newGameView(session)}
	if gs.issuer != nil {
		tokens, err := gs.issuer.IssueSeats(session.ID, session.Seats)
		if err != nil {
			gs.respondError(w, err)
			return
		}
		resp.Tokens = &tokens
	}
	respondJSON(w, http.StatusCreated, resp)
}

func (gs *GameServer) handleListGames(w http.ResponseWriter, r *http.Request) {
	ids, err := gs.broker.List(r.Context())
	if err != nil {
		gs.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"count": len(ids),
		"games": ids,
	})
}

func (gs *GameServer) handleGetGame(w http.ResponseWriter, r *http.Request) {
	session, err := gs.broker.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		gs.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, newGameView(session))
}

func (gs *GameServer) handleDeleteGame(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := gs.authorize(r, id, sticks.NoPlayer); err != nil {
		gs.respondError(w, err)
		return
	}
	if err := gs.broker.Delete(r.Context(), id); err != nil {
		gs.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Game %s deleted", id),
	})
}

func (gs *GameServer) handleCurrentPlayer(w http.ResponseWriter, r *http.Request) {
	session, err := gs.broker.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		gs.respondError(w, err)
		return
	}
	state := session.State()
	respondJSON(w, http.StatusOK, map[string]any{
		"current_player": state.Turn,
		"winner":         state.Winner,
	})
}

func (gs *GameServer) handleHand(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	player, side, err := parseHand(vars["player"], vars["side"])
	if err != nil {
		gs.respondError(w, err)
		return
	}
	session, err := gs.broker.Get(r.Context(), vars["id"])
	if err != nil {
		gs.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"player":  player,
		"side":    side,
		"fingers": session.State().Hand(player, side).Fingers(),
	})
}

func (gs *GameServer) handleTap(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	player, side, err := parseHand(vars["player"], vars["side"])
	if err != nil {
		gs.respondError(w, err)
		return
	}
	target, targetSide, err := parseHand(vars["target_player"], vars["target_side"])
	if err != nil {
		gs.respondError(w, err)
		return
	}
	gs.applyMove(w, r, sticks.TapMove(player, side, target, targetSide))
}

func (gs *GameServer) handleSwap(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	player, side, err := parseHand(vars["player"], vars["side"])
	if err != nil {
		gs.respondError(w, err)
		return
	}
	amount, err := sticks.ParseAmount(vars["amount"])
	if err != nil {
		gs.respondError(w, err)
		return
	}
	gs.applyMove(w, r, sticks.SwapMove(player, side, amount))
}

func (gs *GameServer) handleReset(w http.ResponseWriter, r *http.Request) {
	gs.applyMove(w, r, sticks.ResetMove())
}

// applyMove authorizes the acting seat, then runs the move through the
// broker. Reset may be issued from either seat.
func (gs *GameServer) applyMove(w http.ResponseWriter, r *http.Request, move sticks.Move) {
	id := mux.Vars(r)["id"]
	seq, err := moveSeq(r)
	if err != nil {
		gs.respondError(w, err)
		return
	}
	if err := gs.authorize(r, id, actingSeat(move)); err != nil {
		gs.respondError(w, err)
		return
	}

	res, err := gs.broker.Apply(r.Context(), id, chopsticks.Command{Seq: seq, Move: move})
	if err != nil {
		gs.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (gs *GameServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	session, err := gs.broker.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		gs.respondError(w, err)
		return
	}
	history := session.History()
	if history == nil {
		history = []store.Entry{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"game_id": session.ID,
		"seq":     session.Seq(),
		"history": history,
	})
}

// handleServiceHealth answers the legacy health probes.
func (gs *GameServer) handleServiceHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

func (gs *GameServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(gs.startTime).String(),
	})
}

func (gs *GameServer) handleStats(w http.ResponseWriter, _ *http.Request) {
	stats := gs.broker.Stats()
	respondJSON(w, http.StatusOK, map[string]any{
		"active_games":    stats.ActiveGames,
		"queue_size":      stats.QueueSize,
		"available_slots": stats.AvailableSlots,
		"max_games":       stats.MaxGames,
		"ws_clients":      gs.hub.Count(),
		"timestamp":       time.Now().Unix(),
	})
}

// authorize checks the bearer token against game id and seat. A seat of
// NoPlayer accepts a token for either seat.
func (gs *GameServer) authorize(r *http.Request, gameID string, seat sticks.PlayerID) error {
	if gs.issuer == nil {
		return nil
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return ErrMissingToken
	}
	_, err := gs.issuer.Authorize(token, gameID, seat)
	return err
}

func parseHand(player, side string) (sticks.PlayerID, sticks.Side, error) {
	p, err := sticks.ParsePlayer(player)
	if err != nil {
		return sticks.NoPlayer, "", err
	}
	sd, err := sticks.ParseSide(side)
	if err != nil {
		return sticks.NoPlayer, "", err
	}
	return p, sd, nil
}

func actingSeat(m sticks.Move) sticks.PlayerID {
	if m.Kind == sticks.MoveReset {
		return sticks.NoPlayer
	}
	return m.Player
}

// moveSeq reads the optional client sequence number from the X-Move-Seq
// header or the seq query parameter.
func moveSeq(r *http.Request) (int, error) {
	v := r.Header.Get("X-Move-Seq")
	if v == "" {
		v = r.URL.Query().Get("seq")
	}
	if v == "" {
		return 0, nil
	}
	seq, err := strconv.Atoi(v)
	if err != nil || seq < 0 {
		return 0, fmt.Errorf("%w: got %q", ErrInvalidSeq, v)
	}
	return seq, nil
}

// decodeBody decodes an optional JSON body.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrBadRequest, err)
}

func (gs *GameServer) respondError(w http.ResponseWriter, err error) {
	status, body := errorBody(err)
	if status == http.StatusInternalServerError {
		gs.logger.Error("request failed", "error", err)
	}
	respondJSON(w, status, body)
}
