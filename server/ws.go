package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	chopsticks "github.com/pgolbus/chopsticks"
	"github.com/pgolbus/chopsticks/sticks"
	"github.com/pgolbus/chopsticks/websocket"
)

type MessageType string

const (
	MessageTypeTap       MessageType = "tap"
	MessageTypeSwap      MessageType = "swap"
	MessageTypeReset     MessageType = "reset"
	MessageTypeGameState MessageType = "game_state"
	MessageTypeMatched   MessageType = "game_matched"
	MessageTypeError     MessageType = "error"
)

// Message is the envelope for both directions. Clients send tap, swap and
// reset with the move fields in Data; the server sends game_state,
// game_matched and error.
type Message struct {
	Type  MessageType     `json:"type"`
	Seq   int             `json:"seq,omitempty"`
	Token string          `json:"token,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// MatchData greets a player paired by matchmaking.
type MatchData struct {
	GameID string           `json:"game_id"`
	Seat   sticks.PlayerID  `json:"seat"`
	Token  string           `json:"token,omitempty"`
	State  sticks.GameState `json:"state"`
}

// moveData is the Data of a tap or swap message. Player fields are pointers
// so a missing seat is rejected instead of decoding as seat 0.
type moveData struct {
	Player     *sticks.PlayerID `json:"player"`
	Side       sticks.Side      `json:"side"`
	Target     *sticks.PlayerID `json:"target_player"`
	TargetSide sticks.Side      `json:"target_side"`
	Amount     *int             `json:"amount"`
}

func (d moveData) move(t MessageType) (sticks.Move, error) {
	if d.Player == nil {
		return sticks.Move{}, fmt.Errorf("%w: %s needs player", ErrBadRequest, t)
	}
	switch t {
	case MessageTypeTap:
		if d.Target == nil {
			return sticks.Move{}, fmt.Errorf("%w: tap needs target_player", ErrBadRequest)
		}
		return sticks.TapMove(*d.Player, d.Side, *d.Target, d.TargetSide), nil
	default:
		if d.Amount == nil {
			return sticks.Move{}, fmt.Errorf("%w: swap needs amount", ErrBadRequest)
		}
		return sticks.SwapMove(*d.Player, d.Side, *d.Amount), nil
	}
}

func encodeMessage(t MessageType, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Type: t, Data: raw})
}

// publish pushes every accepted command to the game's subscribers.
func (gs *GameServer) publish(res chopsticks.Result) {
	b, err := encodeMessage(MessageTypeGameState, res)
	if err != nil {
		gs.logger.Error("encode game state", "game_id", res.GameID, "error", err)
		return
	}
	// nolint:errcheck
	gs.hub.Publish(res.GameID, b)
}

// handleWebSocket subscribes the connection to an existing game.
func (gs *GameServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("game")
	if id == "" {
		gs.respondError(w, fmt.Errorf("%w: game query parameter is required", ErrBadRequest))
		return
	}
	session, err := gs.broker.Get(r.Context(), id)
	if err != nil {
		gs.respondError(w, err)
		return
	}
	snap := session.Snapshot()
	greeting, err := encodeMessage(MessageTypeGameState, chopsticks.Result{
		GameID: snap.ID,
		State:  snap.State,
		Seq:    snap.Seq,
	})
	if err != nil {
		gs.respondError(w, err)
		return
	}
	gs.serveGame(session.ID, greeting).ServeHTTP(w, r)
}

// handleMatch queues the caller for matchmaking and, once paired, upgrades
// the connection subscribed to the new game.
func (gs *GameServer) handleMatch(w http.ResponseWriter, r *http.Request) {
	playerID := getPlayerIDFromContext(r.Context())
	session, seat, err := gs.broker.RequestGame(r.Context(), playerID)
	if err != nil {
		gs.respondError(w, err)
		return
	}

	data := MatchData{GameID: session.ID, Seat: seat, State: session.State()}
	if gs.issuer != nil {
		if data.Token, err = gs.issuer.Issue(session.ID, seat, playerID); err != nil {
			gs.respondError(w, err)
			return
		}
	}
	greeting, err := encodeMessage(MessageTypeMatched, data)
	if err != nil {
		gs.respondError(w, err)
		return
	}
	gs.serveGame(session.ID, greeting).ServeHTTP(w, r)
}

func (gs *GameServer) serveGame(gameID string, greeting []byte) http.Handler {
	return websocket.ServeWS(websocket.Options{
		Upgrader: websocket.DefaultUpgrader(gs.origins),
		Topic:    func(*http.Request) (string, error) { return gameID, nil },
		OnCreate: func(ctx context.Context, cancel context.CancelFunc, c websocket.Client) {
			gs.hub.Register(ctx, cancel, c)
			// nolint:errcheck
			c.Write(greeting)
		},
		OnDestroy: gs.hub.Unregister,
		Handlers:  []websocket.MessageHandler{gs.handleClientMessage},
		Logger:    gs.logger,
	})
}

// handleClientMessage applies a move sent over the socket. Accepted moves
// reach the sender through the topic broadcast; everything else is answered
// directly.
func (gs *GameServer) handleClientMessage(c websocket.Client, payload []byte) {
	gameID := c.Topic()
	res, err := gs.clientCommand(gameID, payload)
	switch {
	case err != nil:
		_, body := errorBody(err)
		b, _ := encodeMessage(MessageTypeError, body)
		// nolint:errcheck
		c.Write(b)
	case res.Duplicate:
		b, _ := encodeMessage(MessageTypeGameState, res)
		// nolint:errcheck
		c.Write(b)
	}
}

func (gs *GameServer) clientCommand(gameID string, payload []byte) (chopsticks.Result, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return chopsticks.Result{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	var move sticks.Move
	switch msg.Type {
	case MessageTypeTap, MessageTypeSwap:
		if len(msg.Data) == 0 {
			return chopsticks.Result{}, fmt.Errorf("%w: %s needs data", ErrBadRequest, msg.Type)
		}
		var data moveData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return chopsticks.Result{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
		m, err := data.move(msg.Type)
		if err != nil {
			return chopsticks.Result{}, err
		}
		move = m
	case MessageTypeReset:
		move = sticks.ResetMove()
	default:
		return chopsticks.Result{}, fmt.Errorf("%w: got %q", sticks.ErrUnknownMove, msg.Type)
	}
	if msg.Seq < 0 {
		return chopsticks.Result{}, fmt.Errorf("%w: got %d", ErrInvalidSeq, msg.Seq)
	}

	if gs.issuer != nil {
		if msg.Token == "" {
			return chopsticks.Result{}, ErrMissingToken
		}
		if _, err := gs.issuer.Authorize(msg.Token, gameID, actingSeat(move)); err != nil {
			return chopsticks.Result{}, err
		}
	}

	return gs.broker.Apply(context.Background(), gameID, chopsticks.Command{Seq: msg.Seq, Move: move})
}
