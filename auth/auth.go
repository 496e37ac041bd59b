// Package auth issues and checks seat tokens: HS256 JWTs that bind a
// bearer to one seat of one game.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pgolbus/chopsticks/sticks"
)

var (
	ErrInvalidToken = errors.New("invalid seat token")
	ErrWrongGame    = errors.New("token is for another game")
	ErrWrongSeat    = errors.New("token is for the other seat")
)

// SeatClaims identify the game and seat a token may act for. Subject holds
// the player id.
type SeatClaims struct {
	GameID string          `json:"game"`
	Seat   sticks.PlayerID `json:"seat"`
	jwt.RegisteredClaims
}

type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs a token for one seat.
func (i *Issuer) Issue(gameID string, seat sticks.PlayerID, playerID string) (string, error) {
	now := i.now()
	claims := SeatClaims{
		GameID: gameID,
		Seat:   seat,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   playerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign seat token: %w", err)
	}
	return signed, nil
}

// IssueSeats signs tokens for both seats of a game.
func (i *Issuer) IssueSeats(gameID string, players [2]string) ([2]string, error) {
	var tokens [2]string
	for seat, player := range players {
		tok, err := i.Issue(gameID, sticks.PlayerID(seat), player)
		if err != nil {
			return tokens, err
		}
		tokens[seat] = tok
	}
	return tokens, nil
}

// Parse verifies the signature and expiry of a token.
func (i *Issuer) Parse(token string) (*SeatClaims, error) {
	claims := &SeatClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !claims.Seat.Valid() {
		return nil, fmt.Errorf("%w: seat %d", ErrInvalidToken, claims.Seat)
	}
	return claims, nil
}

// Authorize checks that token may act as seat in gameID. A seat of
// sticks.NoPlayer accepts either seat of the game.
func (i *Issuer) Authorize(token, gameID string, seat sticks.PlayerID) (*SeatClaims, error) {
	claims, err := i.Parse(token)
	if err != nil {
		return nil, err
	}
	if claims.GameID != gameID {
		return nil, ErrWrongGame
	}
	if seat != sticks.NoPlayer && claims.Seat != seat {
		return nil, ErrWrongSeat
	}
	return claims, nil
}
