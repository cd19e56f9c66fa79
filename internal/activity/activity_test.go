package activity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/davlens/bidsync/internal/clock"
)

func newTracker(t *testing.T, clk clock.Clock) *Tracker {
	t.Helper()
	tr := NewTracker(clk, 5*time.Minute, zaptest.NewLogger(t))
	t.Cleanup(tr.Close)
	return tr
}

func TestTracker_DefaultsEligible(t *testing.T) {
	tr := newTracker(t, clock.NewFake())
	assert.True(t, tr.EligibleToSync())
	assert.Equal(t, State{Foreground: true, UserActive: true}, tr.State())
}

func TestTracker_InactivityExpiry(t *testing.T) {
	clk := clock.NewFake()
	tr := newTracker(t, clk)

	tr.RecordInput()
	clk.Advance(4 * time.Minute)
	assert.True(t, tr.EligibleToSync())

	// Input resets the timer, so 4+4 minutes without a gap stays eligible.
	tr.RecordInput()
	clk.Advance(4 * time.Minute)
	assert.True(t, tr.EligibleToSync())

	clk.Advance(2 * time.Minute)
	assert.False(t, tr.EligibleToSync())
	assert.True(t, tr.State().Foreground)
	assert.False(t, tr.State().UserActive)

	tr.RecordInput()
	assert.True(t, tr.EligibleToSync())
}

func TestTracker_BackgroundGates(t *testing.T) {
	clk := clock.NewFake()
	tr := newTracker(t, clk)

	tr.SetForeground(false)
	assert.False(t, tr.EligibleToSync())

	tr.SetForeground(true)
	assert.True(t, tr.EligibleToSync())
}

func TestTracker_OnChangeEdges(t *testing.T) {
	clk := clock.NewFake()
	tr := newTracker(t, clk)

	var events []State
	unsub := tr.OnChange(func(s State) { events = append(events, s) })

	tr.SetForeground(false)
	tr.SetForeground(false) // no edge, no event
	tr.SetForeground(true)

	tr.RecordInput() // already active, no event
	clk.Advance(6 * time.Minute)
	tr.RecordInput()

	assert.Equal(t, []State{
		{Foreground: false, UserActive: true},
		{Foreground: true, UserActive: true},
		{Foreground: true, UserActive: false},
		{Foreground: true, UserActive: true},
	}, events)

	unsub()
	tr.SetForeground(false)
	assert.Len(t, events, 4)
}

func TestTracker_CloseStopsTimer(t *testing.T) {
	clk := clock.NewFake()
	tr := NewTracker(clk, 5*time.Minute, zaptest.NewLogger(t))

	fired := false
	tr.OnChange(func(State) { fired = true })
	tr.RecordInput()
	tr.Close()

	clk.Advance(time.Hour)
	assert.False(t, fired)
}
