package channel

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_StartsIdleInactive(t *testing.T) {
	c := New(1, "Kanal 1", 0, 10, 1, "bar")

	assert.Equal(t, Idle, c.Status)
	assert.False(t, c.Active)
	assert.Equal(t, 1.0, c.Setpoint())
}

func TestNew_ClampsDefaultSetpoint(t *testing.T) {
	c := New(1, "Kanal 1", 0, 10, 42, "bar")
	assert.Equal(t, 10.0, c.Setpoint())
}

func TestNew_SwapsReversedBounds(t *testing.T) {
	c := New(1, "Kanal 1", 10, 0, 5, "bar")
	assert.Equal(t, 0.0, c.Min())
	assert.Equal(t, 10.0, c.Max())
}

func TestSetSetpoint_Clamp(t *testing.T) {
	c := New(2, "Kanal 2", -1, 7, 0, "bar")

	tests := []struct {
		in   float64
		want float64
	}{
		{3.25, 3.25},
		{-5, -1},
		{7.000001, 7},
		{math.Inf(1), 7},
		{math.Inf(-1), -1},
		{math.NaN(), -1},
	}
	for _, tt := range tests {
		got := c.SetSetpoint(tt.in)
		assert.Equal(t, tt.want, got, "input %v", tt.in)
		assert.GreaterOrEqual(t, c.Setpoint(), c.Min())
		assert.LessOrEqual(t, c.Setpoint(), c.Max())
	}
}

func TestDeviation_IsDerived(t *testing.T) {
	c := New(1, "Kanal 1", 0, 10, 1, "bar")
	c.Actual = 1.5
	assert.InDelta(t, 0.5, c.Deviation(), 1e-12)

	c.SetSetpoint(2)
	assert.InDelta(t, -0.5, c.Deviation(), 1e-12)
}

func TestClassify(t *testing.T) {
	const setpoint = 1.0

	assert.Equal(t, Running, Classify(Stabilizing, 1.005-setpoint))
	assert.Equal(t, Stabilizing, Classify(Running, 1.05-setpoint))
	assert.Equal(t, Stabilizing, Classify(Stabilizing, 1.5-setpoint))
	assert.Equal(t, Running, Classify(Running, 1.5-setpoint))
	assert.Equal(t, Error, Classify(Error, -3))
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(Idle, Running))
	assert.True(t, CanTransition(Running, Stabilizing))
	assert.True(t, CanTransition(Stabilizing, Idle))
	assert.True(t, CanTransition(Venting, Error))
	assert.True(t, CanTransition(Venting, Idle))
	assert.True(t, CanTransition(Error, Running))

	assert.False(t, CanTransition(Venting, Running))
	assert.False(t, CanTransition(Idle, Stabilizing))
	assert.False(t, CanTransition(Venting, Stabilizing))
}

func TestSnapshot(t *testing.T) {
	c := New(1, "Kanal 1", 0, 10, 2, "bar")
	c.Actual = 2.5
	c.Status = Stabilizing

	s := c.Snapshot()
	assert.Equal(t, 1, s.ID)
	assert.Equal(t, 2.0, s.Setpoint)
	assert.InDelta(t, 0.5, s.Deviation, 1e-12)
	assert.Equal(t, "stabilizing", s.Status.String())
}

func TestStatusText(t *testing.T) {
	for _, s := range []Status{Idle, Running, Stabilizing, Error, Venting} {
		b, err := s.MarshalText()
		require.NoError(t, err)
		var back Status
		require.NoError(t, back.UnmarshalText(b))
		assert.Equal(t, s, back)
	}
	_, err := ParseStatus("boiling")
	assert.Error(t, err)
}
