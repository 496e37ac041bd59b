package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gwebsocket "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	chopsticks "github.com/pgolbus/chopsticks"
	"github.com/pgolbus/chopsticks/auth"
	"github.com/pgolbus/chopsticks/sticks"
	"github.com/pgolbus/chopsticks/store"
	"github.com/pgolbus/chopsticks/websocket"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, brokerOpts chopsticks.Options, issuer *auth.Issuer) (*GameServer, *chopsticks.GameBroker) {
	t.Helper()
	brokerOpts.Store = store.NewMemory()
	brokerOpts.Logger = discard()
	broker := chopsticks.NewGameBroker(brokerOpts)
	t.Cleanup(broker.Stop)

	gs := NewGameServer(Options{
		Broker:         broker,
		Hub:            websocket.NewHub(discard()),
		Issuer:         issuer,
		AllowedOrigins: []string{"http://localhost:3000"},
		Logger:         discard(),
	})
	return gs, broker
}

type request struct {
	method  string
	path    string
	body    string
	headers map[string]string
}

func do(t *testing.T, h http.Handler, req request, out any) int {
	t.Helper()
	var body io.Reader
	if req.body != "" {
		body = strings.NewReader(req.body)
	}
	r := httptest.NewRequest(req.method, req.path, body)
	for k, v := range req.headers {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if out != nil {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), out), w.Body.String())
	}
	return w.Code
}

func createGame(t *testing.T, h http.Handler) CreateGameResponse {
	t.Helper()
	var resp CreateGameResponse
	code := do(t, h, request{method: http.MethodPost, path: "/api/games", body: `{"players":["alice","bob"]}`}, &resp)
	require.Equal(t, http.StatusCreated, code)
	require.NotEmpty(t, resp.GameID)
	return resp
}

func TestGameServer_Health(t *testing.T) {
	gs, _ := newTestServer(t, chopsticks.Options{}, nil)
	h := gs.Handler()

	for _, path := range []string{"/chopsticks/health", "/chopsticks/healthcheck"} {
		var body map[string]string
		assert.Equal(t, http.StatusOK, do(t, h, request{method: http.MethodGet, path: path}, &body))
		assert.Equal(t, "OK", body["status"])
	}

	var body map[string]any
	assert.Equal(t, http.StatusOK, do(t, h, request{method: http.MethodGet, path: "/api/health"}, &body))
	assert.Equal(t, "ok", body["status"])
}

func TestGameServer_Play(t *testing.T) {
	gs, _ := newTestServer(t, chopsticks.Options{}, nil)
	h := gs.Handler()
	game := createGame(t, h)
	assert.Equal(t, [2]string{"alice", "bob"}, game.Seats)
	assert.Equal(t, sticks.NewGameState(sticks.DefaultModulus), game.State)
	assert.Nil(t, game.Tokens)

	base := "/api/games/" + game.GameID

	var res chopsticks.Result
	code := do(t, h, request{method: http.MethodPost, path: base + "/move/0/left/1/left"}, &res)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, res.Seq)
	assert.Equal(t, sticks.Hand(2), res.State.Players[1].Left)

	code = do(t, h, request{method: http.MethodPost, path: base + "/swap/1/left/1"}, &res)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, sticks.Player{Left: 1, Right: 2}, res.State.Players[1])

	var current map[string]int
	do(t, h, request{method: http.MethodGet, path: base + "/current_player"}, &current)
	assert.Equal(t, 0, current["current_player"])
	assert.Equal(t, -1, current["winner"])

	var hand map[string]any
	do(t, h, request{method: http.MethodGet, path: base + "/hands/1/RIGHT"}, &hand)
	assert.EqualValues(t, 2, hand["fingers"])
	assert.Equal(t, "right", hand["side"])

	var view GameView
	do(t, h, request{method: http.MethodGet, path: base}, &view)
	assert.Equal(t, 2, view.Seq)
	assert.Equal(t, chopsticks.StatusInProgress, view.Status)

	var history struct {
		Seq     int           `json:"seq"`
		History []store.Entry `json:"history"`
	}
	do(t, h, request{method: http.MethodGet, path: base + "/history"}, &history)
	require.Len(t, history.History, 2)
	assert.Equal(t, sticks.TapMove(0, sticks.Left, 1, sticks.Left), history.History[0].Move)
	assert.Equal(t, sticks.SwapMove(1, sticks.Left, 1), history.History[1].Move)

	code = do(t, h, request{method: http.MethodPost, path: base + "/reset"}, &res)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, sticks.NewGameState(sticks.DefaultModulus), res.State)
	assert.Equal(t, 3, res.Seq)
}

func TestGameServer_Errors(t *testing.T) {
	gs, _ := newTestServer(t, chopsticks.Options{}, nil)
	h := gs.Handler()
	base := "/api/games/" + createGame(t, h).GameID

	tests := []struct {
		name       string
		req        request
		wantStatus int
		wantCode   string
	}{
		{
			name:       "unknown game",
			req:        request{method: http.MethodGet, path: "/api/games/missing"},
			wantStatus: http.StatusNotFound,
			wantCode:   "game_not_found",
		},
		{
			name:       "move on unknown game",
			req:        request{method: http.MethodPost, path: "/api/games/missing/reset"},
			wantStatus: http.StatusNotFound,
			wantCode:   "game_not_found",
		},
		{
			name:       "invalid player",
			req:        request{method: http.MethodPost, path: base + "/move/2/left/1/left"},
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_player",
		},
		{
			name:       "invalid side",
			req:        request{method: http.MethodPost, path: base + "/move/0/up/1/left"},
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_side",
		},
		{
			name:       "invalid hand lookup",
			req:        request{method: http.MethodGet, path: base + "/hands/0/middle"},
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_side",
		},
		{
			name:       "non integer amount",
			req:        request{method: http.MethodPost, path: base + "/swap/0/left/two"},
			wantStatus: http.StatusBadRequest,
			wantCode:   "malformed_amount",
		},
		{
			name:       "wrong turn",
			req:        request{method: http.MethodPost, path: base + "/move/1/left/0/left"},
			wantStatus: http.StatusConflict,
			wantCode:   "wrong_turn",
		},
		{
			name:       "same hand",
			req:        request{method: http.MethodPost, path: base + "/move/0/left/0/left"},
			wantStatus: http.StatusConflict,
			wantCode:   "same_hand",
		},
		{
			name:       "zero amount",
			req:        request{method: http.MethodPost, path: base + "/swap/0/left/0"},
			wantStatus: http.StatusConflict,
			wantCode:   "invalid_amount",
		},
		{
			name:       "swap all fingers",
			req:        request{method: http.MethodPost, path: base + "/swap/0/left/1"},
			wantStatus: http.StatusConflict,
			wantCode:   "cannot_swap_all_fingers",
		},
		{
			name:       "invalid seq",
			req:        request{method: http.MethodPost, path: base + "/reset", headers: map[string]string{"X-Move-Seq": "abc"}},
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_seq",
		},
		{
			name:       "sequence gap",
			req:        request{method: http.MethodPost, path: base + "/reset?seq=5"},
			wantStatus: http.StatusConflict,
			wantCode:   "sequence_gap",
		},
		{
			name:       "bad body",
			req:        request{method: http.MethodPost, path: "/api/games", body: `{"players":`},
			wantStatus: http.StatusBadRequest,
			wantCode:   "bad_request",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body ErrorResponse
			assert.Equal(t, tt.wantStatus, do(t, h, tt.req, &body))
			assert.Equal(t, tt.wantCode, body.Code)
			assert.NotEmpty(t, body.Error)
		})
	}

	var view GameView
	do(t, h, request{method: http.MethodGet, path: base}, &view)
	assert.Equal(t, 0, view.Seq, "rejected requests must not change the game")
	assert.Equal(t, sticks.NewGameState(sticks.DefaultModulus), view.State)
}

func TestGameServer_DuplicateSeq(t *testing.T) {
	gs, _ := newTestServer(t, chopsticks.Options{}, nil)
	h := gs.Handler()
	path := "/api/games/" + createGame(t, h).GameID + "/move/0/left/1/left"
	seq := map[string]string{"X-Move-Seq": "1"}

	var first, second chopsticks.Result
	require.Equal(t, http.StatusOK, do(t, h, request{method: http.MethodPost, path: path, headers: seq}, &first))
	require.Equal(t, http.StatusOK, do(t, h, request{method: http.MethodPost, path: path, headers: seq}, &second))

	assert.False(t, first.Duplicate)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.State, second.State)
	assert.Equal(t, 1, second.State.Moves)
}

func TestGameServer_Auth(t *testing.T) {
	issuer := auth.NewIssuer("test-secret", time.Hour)
	gs, _ := newTestServer(t, chopsticks.Options{}, issuer)
	h := gs.Handler()
	game := createGame(t, h)
	require.NotNil(t, game.Tokens)
	base := "/api/games/" + game.GameID
	bearer := func(tok string) map[string]string {
		return map[string]string{"Authorization": "Bearer " + tok}
	}

	tests := []struct {
		name       string
		req        request
		wantStatus int
		wantCode   string
	}{
		{
			name:       "missing token",
			req:        request{method: http.MethodPost, path: base + "/move/0/left/1/left"},
			wantStatus: http.StatusUnauthorized,
			wantCode:   "missing_token",
		},
		{
			name:       "garbage token",
			req:        request{method: http.MethodPost, path: base + "/move/0/left/1/left", headers: bearer("garbage")},
			wantStatus: http.StatusUnauthorized,
			wantCode:   "invalid_token",
		},
		{
			name:       "other seat",
			req:        request{method: http.MethodPost, path: base + "/move/0/left/1/left", headers: bearer(game.Tokens[1])},
			wantStatus: http.StatusForbidden,
			wantCode:   "forbidden",
		},
		{
			name:       "own seat",
			req:        request{method: http.MethodPost, path: base + "/move/0/left/1/left", headers: bearer(game.Tokens[0])},
			wantStatus: http.StatusOK,
		},
		{
			name:       "reset from either seat",
			req:        request{method: http.MethodPost, path: base + "/reset", headers: bearer(game.Tokens[1])},
			wantStatus: http.StatusOK,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body ErrorResponse
			assert.Equal(t, tt.wantStatus, do(t, h, tt.req, &body))
			assert.Equal(t, tt.wantCode, body.Code)
		})
	}

	other := createGame(t, h)
	var body ErrorResponse
	code := do(t, h, request{
		method:  http.MethodPost,
		path:    "/api/games/" + other.GameID + "/reset",
		headers: bearer(game.Tokens[0]),
	}, &body)
	assert.Equal(t, http.StatusForbidden, code, "token for another game")

	// reads stay open
	assert.Equal(t, http.StatusOK, do(t, h, request{method: http.MethodGet, path: base}, nil))
}

func TestGameServer_ListAndDelete(t *testing.T) {
	gs, _ := newTestServer(t, chopsticks.Options{}, nil)
	h := gs.Handler()
	a := createGame(t, h)
	b := createGame(t, h)

	var list struct {
		Count int      `json:"count"`
		Games []string `json:"games"`
	}
	do(t, h, request{method: http.MethodGet, path: "/api/games"}, &list)
	assert.Equal(t, 2, list.Count)
	assert.ElementsMatch(t, []string{a.GameID, b.GameID}, list.Games)

	assert.Equal(t, http.StatusOK, do(t, h, request{method: http.MethodDelete, path: "/api/games/" + a.GameID}, nil))
	assert.Equal(t, http.StatusNotFound, do(t, h, request{method: http.MethodGet, path: "/api/games/" + a.GameID}, nil))
	assert.Equal(t, http.StatusNotFound, do(t, h, request{method: http.MethodDelete, path: "/api/games/" + a.GameID}, nil))
}

func TestGameServer_Capacity(t *testing.T) {
	gs, _ := newTestServer(t, chopsticks.Options{MaxGames: 1}, nil)
	h := gs.Handler()
	createGame(t, h)

	var body ErrorResponse
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, request{method: http.MethodPost, path: "/api/games"}, &body))
	assert.Equal(t, "at_capacity", body.Code)

	var stats map[string]any
	do(t, h, request{method: http.MethodGet, path: "/api/stats"}, &stats)
	assert.EqualValues(t, 1, stats["active_games"])
	assert.EqualValues(t, 0, stats["available_slots"])
}

func TestGameServer_PlayerCookie(t *testing.T) {
	gs, _ := newTestServer(t, chopsticks.Options{}, nil)
	h := gs.Handler()

	r := httptest.NewRequest(http.MethodPost, "/api/games", nil)
	r.AddCookie(&http.Cookie{Name: playerIDCookie, Value: "carol"})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.Equal(t, http.StatusCreated, w.Code)

	var resp CreateGameResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, [2]string{"carol", "carol"}, resp.Seats)
}

func TestCors(t *testing.T) {
	gs, _ := newTestServer(t, chopsticks.Options{}, nil)
	h := gs.Handler()

	tests := []struct {
		name       string
		origin     string
		wantHeader string
	}{
		{name: "allowed", origin: "http://localhost:3000", wantHeader: "http://localhost:3000"},
		{name: "not allowed", origin: "http://evil.test", wantHeader: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodOptions, "/api/games", nil)
			r.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)
			assert.Equal(t, http.StatusNoContent, w.Code)
			assert.Equal(t, tt.wantHeader, w.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

func readMessage(t *testing.T, conn *gwebsocket.Conn) Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func wsURL(s *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + path
}

func TestGameServer_WebSocket(t *testing.T) {
	gs, _ := newTestServer(t, chopsticks.Options{}, nil)
	s := httptest.NewServer(gs.Handler())
	defer s.Close()

	game := createGame(t, gs.Handler())

	_, resp, err := gwebsocket.DefaultDialer.Dial(wsURL(s, "/api/ws?game=missing"), nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	conn, _, err := gwebsocket.DefaultDialer.Dial(wsURL(s, "/api/ws?game="+game.GameID), nil)
	require.NoError(t, err)
	defer conn.Close()
	watcher, _, err := gwebsocket.DefaultDialer.Dial(wsURL(s, "/api/ws?game="+game.GameID), nil)
	require.NoError(t, err)
	defer watcher.Close()

	for _, c := range []*gwebsocket.Conn{conn, watcher} {
		msg := readMessage(t, c)
		assert.Equal(t, MessageTypeGameState, msg.Type)
	}

	require.NoError(t, conn.WriteJSON(Message{
		Type: MessageTypeTap,
		Seq:  1,
		Data: json.RawMessage(`{"player":0,"side":"left","target_player":1,"target_side":"right"}`),
	}))
	for _, c := range []*gwebsocket.Conn{conn, watcher} {
		msg := readMessage(t, c)
		require.Equal(t, MessageTypeGameState, msg.Type)
		var res chopsticks.Result
		require.NoError(t, json.Unmarshal(msg.Data, &res))
		assert.Equal(t, 1, res.Seq)
		assert.Equal(t, sticks.Hand(2), res.State.Players[1].Right)
	}

	require.NoError(t, conn.WriteJSON(Message{
		Type: MessageTypeSwap,
		Data: json.RawMessage(`{"player":0,"side":"left","amount":1}`),
	}))
	msg := readMessage(t, conn)
	require.Equal(t, MessageTypeError, msg.Type)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(msg.Data, &body))
	assert.Equal(t, "wrong_turn", body.Code)

	require.NoError(t, conn.WriteJSON(Message{Type: "jump"}))
	msg = readMessage(t, conn)
	require.Equal(t, MessageTypeError, msg.Type)
	require.NoError(t, json.Unmarshal(msg.Data, &body))
	assert.Equal(t, "unknown_move", body.Code)

	snap := readGreeting(t, s, game.GameID)
	assert.Equal(t, 1, snap.Seq)
	assert.Equal(t, sticks.Hand(2), snap.State.Players[1].Right)
}

func readGreeting(t *testing.T, s *httptest.Server, gameID string) chopsticks.Result {
	t.Helper()
	conn, _, err := gwebsocket.DefaultDialer.Dial(wsURL(s, "/api/ws?game="+gameID), nil)
	require.NoError(t, err)
	defer conn.Close()
	msg := readMessage(t, conn)
	require.Equal(t, MessageTypeGameState, msg.Type)
	var res chopsticks.Result
	require.NoError(t, json.Unmarshal(msg.Data, &res))
	return res
}

func TestGameServer_WebSocketMissingFields(t *testing.T) {
	gs, broker := newTestServer(t, chopsticks.Options{}, nil)
	s := httptest.NewServer(gs.Handler())
	defer s.Close()

	game := createGame(t, gs.Handler())
	conn, _, err := gwebsocket.DefaultDialer.Dial(wsURL(s, "/api/ws?game="+game.GameID), nil)
	require.NoError(t, err)
	defer conn.Close()
	readMessage(t, conn)

	tests := []struct {
		name string
		msg  Message
	}{
		{
			name: "tap without target player",
			msg:  Message{Type: MessageTypeTap, Data: json.RawMessage(`{"player":0,"side":"left","target_side":"right"}`)},
		},
		{
			name: "tap without player",
			msg:  Message{Type: MessageTypeTap, Data: json.RawMessage(`{"side":"left","target_player":1,"target_side":"right"}`)},
		},
		{
			name: "swap without amount",
			msg:  Message{Type: MessageTypeSwap, Data: json.RawMessage(`{"player":0,"side":"left"}`)},
		},
		{
			name: "no data",
			msg:  Message{Type: MessageTypeTap},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, conn.WriteJSON(tt.msg))
			msg := readMessage(t, conn)
			require.Equal(t, MessageTypeError, msg.Type)
			var body ErrorResponse
			require.NoError(t, json.Unmarshal(msg.Data, &body))
			assert.Equal(t, "bad_request", body.Code)
		})
	}

	session, err := broker.Get(context.Background(), game.GameID)
	require.NoError(t, err)
	assert.Equal(t, 0, session.Seq())
}

func TestGameServer_Match(t *testing.T) {
	gs, broker := newTestServer(t, chopsticks.Options{MatchmakingTimeout: 5 * time.Second}, auth.NewIssuer("secret", time.Hour))
	broker.Start()
	s := httptest.NewServer(gs.Handler())
	defer s.Close()

	type dialed struct {
		conn *gwebsocket.Conn
		err  error
	}
	results := make(chan dialed, 2)
	for i := 0; i < 2; i++ {
		go func() {
			conn, _, err := gwebsocket.DefaultDialer.Dial(wsURL(s, "/api/ws/match"), nil)
			results <- dialed{conn, err}
		}()
	}

	var matches []MatchData
	for i := 0; i < 2; i++ {
		d := <-results
		require.NoError(t, d.err)
		defer d.conn.Close()

		msg := readMessage(t, d.conn)
		require.Equal(t, MessageTypeMatched, msg.Type)
		var data MatchData
		require.NoError(t, json.Unmarshal(msg.Data, &data))
		matches = append(matches, data)
	}

	assert.Equal(t, matches[0].GameID, matches[1].GameID)
	assert.ElementsMatch(t, []sticks.PlayerID{0, 1}, []sticks.PlayerID{matches[0].Seat, matches[1].Seat})
	for _, m := range matches {
		_, err := gs.issuer.Authorize(m.Token, m.GameID, m.Seat)
		assert.NoError(t, err)
	}
}
