package sticks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMove(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Move
		wantErr error
	}{
		{name: "tap", in: "tap 0 left 1 right", want: TapMove(0, Left, 1, Right)},
		{name: "swap", in: "SWAP 1 right 2", want: SwapMove(1, Right, 2)},
		{name: "reset", in: "reset", want: ResetMove()},
		{name: "empty", in: "  ", wantErr: ErrUnknownMove},
		{name: "unknown verb", in: "punch 0 left", wantErr: ErrUnknownMove},
		{name: "short tap", in: "tap 0 left", wantErr: ErrUnknownMove},
		{name: "bad player", in: "tap 3 left 1 right", wantErr: ErrInvalidPlayer},
		{name: "bad side", in: "swap 0 elbow 1", wantErr: ErrInvalidSide},
		{name: "non-integer amount", in: "swap 0 left two", wantErr: ErrMalformedAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMove(tt.in)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.True(t, IsMalformed(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMove_StringRoundTrip(t *testing.T) {
	for _, m := range []Move{TapMove(1, Right, 0, Left), SwapMove(0, Left, 3), ResetMove()} {
		got, err := ParseMove(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
}

func TestApply(t *testing.T) {
	e := newTestEngine(t)

	s, err := Apply(e, TapMove(0, Left, 1, Left))
	require.NoError(t, err)
	assert.Equal(t, Hand(2), s.Hand(1, Left))

	_, err = Apply(e, Move{Kind: "kick"})
	assert.ErrorIs(t, err, ErrUnknownMove)

	s, err = Apply(e, ResetMove())
	require.NoError(t, err)
	assert.Equal(t, NewGameState(DefaultModulus), s)
}
