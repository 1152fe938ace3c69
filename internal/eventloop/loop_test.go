package eventloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/moldbus/internal/scheduler"
)

func TestRunOnceFiresDueTimer(t *testing.T) {
	var now int64
	clock := func() int64 { return now }

	sched := scheduler.New(nil)
	loop := New(nil, sched, WithClock(clock))

	fired := false
	sched.ScheduleIn(now, 0, 10, func() { fired = true }, "x", 0)

	now = 10
	loop.RunOnce()

	assert.True(t, fired)
}

func TestReadinessRunsBeforeTimer(t *testing.T) {
	var now int64
	clock := func() int64 { return now }

	sched := scheduler.New(nil)
	loop := New(nil, sched, WithClock(clock))

	var order []string
	sched.ScheduleIn(now, 0, 5, func() { order = append(order, "timer") }, "timer", 0)
	loop.Post(func() { order = append(order, "io") })

	now = 10
	loop.RunOnce()

	require.Equal(t, []string{"io", "timer"}, order)
}

func TestRunStopsOnExit(t *testing.T) {
	sched := scheduler.New(nil)
	loop := New(nil, sched)

	done := make(chan struct{})
	go func() {
		loop.Run()
		close(done)
	}()

	loop.Exit()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Exit")
	}
}
