package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func TestMock_AfterFuncFiresOnAdvance(t *testing.T) {
	c := NewMock(epoch)
	fired := 0
	c.AfterFunc(time.Second, func() { fired++ })

	c.Advance(999 * time.Millisecond)
	assert.Equal(t, 0, fired)
	assert.Equal(t, 1, c.Pending())

	c.Advance(time.Millisecond)
	assert.Equal(t, 1, fired)
	assert.Equal(t, 0, c.Pending())

	c.Advance(time.Hour)
	assert.Equal(t, 1, fired, "timers fire once")
}

func TestMock_Stop(t *testing.T) {
	c := NewMock(epoch)
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())
	c.Advance(2 * time.Second)
	assert.False(t, fired)
}

func TestMock_StopAfterFire(t *testing.T) {
	c := NewMock(epoch)
	timer := c.AfterFunc(time.Second, func() {})
	c.Advance(time.Second)
	assert.False(t, timer.Stop())
}

func TestMock_FiresInDeadlineOrder(t *testing.T) {
	c := NewMock(epoch)
	var order []string
	c.AfterFunc(3*time.Second, func() { order = append(order, "c") })
	c.AfterFunc(time.Second, func() { order = append(order, "a") })
	c.AfterFunc(2*time.Second, func() { order = append(order, "b") })

	c.Advance(5 * time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestMock_AfterAndSince(t *testing.T) {
	c := NewMock(epoch)
	ch := c.After(time.Minute)

	select {
	case <-ch:
		t.Fatal("After fired early")
	default:
	}

	c.Advance(time.Minute)
	assert.Equal(t, epoch.Add(time.Minute), <-ch)
	assert.Equal(t, time.Minute, c.Since(epoch))
}

func TestMock_TimerScheduledFromCallback(t *testing.T) {
	c := NewMock(epoch)
	fired := 0
	c.AfterFunc(time.Second, func() {
		c.AfterFunc(time.Second, func() { fired++ })
	})

	c.Advance(time.Second)
	assert.Equal(t, 1, c.Pending())
	c.Advance(time.Second)
	assert.Equal(t, 1, fired)
}
