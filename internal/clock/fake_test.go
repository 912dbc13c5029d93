package clock

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFake_AfterFuncFiresOnAdvance(t *testing.T) {
	c := NewFake(epoch)
	var fired atomic.Int32

	c.AfterFunc(2*time.Second, func() { fired.Add(1) })
	assert.Equal(t, 1, c.Pending())

	c.Advance(time.Second)
	assert.Equal(t, int32(0), fired.Load())

	c.Advance(time.Second)
	assert.Equal(t, int32(1), fired.Load())
	assert.Equal(t, 0, c.Pending())

	c.Advance(10 * time.Second)
	assert.Equal(t, int32(1), fired.Load(), "one-shot timers fire once")
}

func TestFake_StopPreventsFiring(t *testing.T) {
	c := NewFake(epoch)
	called := false
	timer := c.AfterFunc(time.Second, func() { called = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	c.Advance(time.Minute)
	assert.False(t, called)
}

func TestFake_CallbacksRunInDeadlineOrder(t *testing.T) {
	c := NewFake(epoch)
	var order []int
	c.AfterFunc(3*time.Second, func() { order = append(order, 3) })
	c.AfterFunc(1*time.Second, func() { order = append(order, 1) })
	c.AfterFunc(2*time.Second, func() { order = append(order, 2) })

	c.Advance(5 * time.Second)
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestFake_CallbackMayScheduleAnotherTimer(t *testing.T) {
	c := NewFake(epoch)
	count := 0
	var schedule func()
	schedule = func() {
		count++
		if count < 3 {
			c.AfterFunc(time.Second, schedule)
		}
	}
	c.AfterFunc(time.Second, schedule)

	c.Advance(time.Second)
	c.Advance(time.Second)
	c.Advance(time.Second)
	assert.Equal(t, 3, count)
}

func TestFake_Ticker(t *testing.T) {
	c := NewFake(epoch)
	ticker := c.NewTicker(time.Second)
	defer ticker.Stop()

	c.Advance(time.Second)
	select {
	case ts := <-ticker.C:
		assert.Equal(t, epoch.Add(time.Second), ts)
	default:
		t.Fatal("expected a tick")
	}

	c.Advance(500 * time.Millisecond)
	select {
	case <-ticker.C:
		t.Fatal("unexpected tick")
	default:
	}
}

func TestFake_AfterAndNow(t *testing.T) {
	c := NewFake(epoch)
	ch := c.After(time.Minute)

	c.Advance(time.Minute)
	require.Equal(t, epoch.Add(time.Minute), c.Now())
	select {
	case <-ch:
	default:
		t.Fatal("After channel did not fire")
	}
}

func TestFake_WaitForTimers(t *testing.T) {
	c := NewFake(epoch)
	done := make(chan struct{})
	go func() {
		<-c.After(time.Second)
		close(done)
	}()

	c.WaitForTimers(1)
	c.Advance(time.Second)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine was not released")
	}
}
