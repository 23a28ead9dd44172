package pacer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualScheduler_firesInDueOrder(t *testing.T) {
	s := NewManualScheduler(time.Unix(0, 0))

	var fired []string
	s.Schedule(300*time.Millisecond, func() { fired = append(fired, `c`) })
	s.Schedule(100*time.Millisecond, func() { fired = append(fired, `a`) })
	s.Schedule(200*time.Millisecond, func() { fired = append(fired, `b`) })

	s.Advance(150 * time.Millisecond)
	require.Equal(t, []string{`a`}, fired)

	s.Advance(150 * time.Millisecond)
	require.Equal(t, []string{`a`, `b`, `c`}, fired)
}

func TestManualScheduler_fifoForEqualDueTimes(t *testing.T) {
	s := NewManualScheduler(time.Unix(0, 0))

	var fired []int
	for i := 0; i < 5; i++ {
		i := i
		s.Schedule(time.Second, func() { fired = append(fired, i) })
	}

	s.Advance(time.Second)
	require.Equal(t, []int{0, 1, 2, 3, 4}, fired)
}

func TestManualScheduler_callbackSeesAdvancedClock(t *testing.T) {
	s := NewManualScheduler(time.Unix(0, 0))

	var at time.Time
	s.Schedule(time.Second, func() { at = s.Now() })

	// advancing beyond the due time: the callback observes its due time,
	// not the target
	s.Advance(time.Minute)
	require.Equal(t, time.Unix(0, 0).Add(time.Second), at)
	require.Equal(t, time.Unix(0, 0).Add(time.Minute), s.Now())
}

func TestManualScheduler_stop(t *testing.T) {
	s := NewManualScheduler(time.Unix(0, 0))

	var fired int
	handle := s.Schedule(time.Second, func() { fired++ })

	require.True(t, handle.Stop())
	require.False(t, handle.Stop())

	s.Advance(time.Minute)
	require.Zero(t, fired)
	require.Zero(t, s.Pending())
}

func TestManualScheduler_stopAfterFire(t *testing.T) {
	s := NewManualScheduler(time.Unix(0, 0))

	handle := s.Schedule(time.Second, func() {})
	s.Advance(time.Second)

	require.False(t, handle.Stop())
}

func TestManualScheduler_callbackSchedulesWithinAdvance(t *testing.T) {
	s := NewManualScheduler(time.Unix(0, 0))

	var fired []time.Duration
	var reschedule func()
	reschedule = func() {
		fired = append(fired, s.Now().Sub(time.Unix(0, 0)))
		if len(fired) < 3 {
			s.Schedule(time.Second, reschedule)
		}
	}
	s.Schedule(time.Second, reschedule)

	// chained timers falling inside the advance all fire
	s.Advance(5 * time.Second)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, fired)
}

func TestManualScheduler_zeroDelay(t *testing.T) {
	s := NewManualScheduler(time.Unix(0, 0))

	var fired bool
	s.Schedule(0, func() { fired = true })
	require.False(t, fired)

	s.Advance(0)
	require.True(t, fired)
}

func TestManualScheduler_advanceToPastIsNoOp(t *testing.T) {
	s := NewManualScheduler(time.Unix(0, 0).Add(time.Hour))

	s.AdvanceTo(time.Unix(0, 0))
	assert.Equal(t, time.Unix(0, 0).Add(time.Hour), s.Now())
}

func TestManualScheduler_negativeAdvancePanics(t *testing.T) {
	s := NewManualScheduler(time.Unix(0, 0))
	require.Panics(t, func() { s.Advance(-time.Second) })
}

func TestSystemScheduler_scheduleAndStop(t *testing.T) {
	s := SystemScheduler()

	done := make(chan struct{})
	s.Schedule(time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal(`timer did not fire`)
	}

	handle := s.Schedule(time.Hour, func() {})
	require.True(t, handle.Stop())

	require.NotZero(t, s.Now())
}

func TestDefaultScheduler(t *testing.T) {
	require.Equal(t, SystemScheduler(), DefaultScheduler(nil))

	manual := NewManualScheduler(time.Unix(0, 0))
	require.Equal(t, Scheduler(manual), DefaultScheduler(manual))
}
