package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProtectiveStateEncode(t *testing.T) {
	tests := []struct {
		name  string
		state ProtectiveOrderState
		want  string
	}{
		{name: "none", state: ProtectiveOrderState{}, want: ""},
		{name: "single order", state: SingleOrder("12345"), want: "12345"},
		{name: "position level", state: PositionLevel(), want: "POSITION"},
		{
			name:  "ladder",
			state: Ladder([]LadderRung{{Level: 1, OrderID: "a"}, {Level: 2, OrderID: "b"}, {Level: 3, OrderID: "c"}}),
			want:  "1:a|2:b|3:c",
		},
		{
			name:  "ladder sorts rungs by level",
			state: Ladder([]LadderRung{{Level: 3, OrderID: "c"}, {Level: 1, OrderID: "a"}}),
			want:  "1:a|3:c",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.state.Encode())
		})
	}
}

func TestDecodeProtectiveState(t *testing.T) {
	t.Run("round trips every variant", func(t *testing.T) {
		states := []ProtectiveOrderState{
			{},
			SingleOrder("987654"),
			PositionLevel(),
			Ladder([]LadderRung{{Level: 1, OrderID: "a"}, {Level: 2, OrderID: "b"}}),
		}
		for _, s := range states {
			assert.Equal(t, s, DecodeProtectiveState(s.Encode()))
		}
	})

	t.Run("skips unparseable ladder entries", func(t *testing.T) {
		got := DecodeProtectiveState("1:a|garbage|x:b|3:c")
		require.Equal(t, ProtectiveLadder, got.Kind)
		assert.Equal(t, []LadderRung{{Level: 1, OrderID: "a"}, {Level: 3, OrderID: "c"}}, got.Rungs)
	})

	t.Run("whitespace only means none", func(t *testing.T) {
		assert.True(t, DecodeProtectiveState("  ").IsNone())
	})

	t.Run("unrecognized text is treated as a single order id", func(t *testing.T) {
		got := DecodeProtectiveState("abc-def")
		assert.Equal(t, SingleOrder("abc-def"), got)
	})
}

func TestAsRungs(t *testing.T) {
	assert.Nil(t, ProtectiveOrderState{}.AsRungs())
	assert.Nil(t, PositionLevel().AsRungs())
	assert.Equal(t, []LadderRung{{Level: 1, OrderID: "x"}}, SingleOrder("x").AsRungs())

	rungs := []LadderRung{{Level: 1, OrderID: "a"}, {Level: 2, OrderID: "b"}}
	assert.Equal(t, rungs, Ladder(rungs).AsRungs())
}
