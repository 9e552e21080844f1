package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFuncFiresOnAdvance(t *testing.T) {
	c := Fake(epoch)
	fired := 0
	c.AfterFunc(2*time.Second, func() { fired++ })

	c.Advance(time.Second)
	assert.Equal(t, 0, fired)
	c.Advance(time.Second)
	assert.Equal(t, 1, fired)
	c.Advance(time.Minute)
	assert.Equal(t, 1, fired, "one-shot timers fire once")
	assert.Equal(t, 0, c.Pending())
}

func TestFakeTimerStopAndReset(t *testing.T) {
	c := Fake(epoch)
	fired := 0
	timer := c.AfterFunc(time.Second, func() { fired++ })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())
	c.Advance(2 * time.Second)
	assert.Equal(t, 0, fired)

	assert.False(t, timer.Reset(time.Second), "reset of a stopped timer reports it was inactive")
	c.Advance(time.Second)
	assert.Equal(t, 1, fired)
}

func TestFakeResetPushesDeadline(t *testing.T) {
	c := Fake(epoch)
	fired := 0
	timer := c.AfterFunc(time.Second, func() { fired++ })

	c.Advance(900 * time.Millisecond)
	assert.True(t, timer.Reset(time.Second))
	c.Advance(900 * time.Millisecond)
	assert.Equal(t, 0, fired)
	c.Advance(100 * time.Millisecond)
	assert.Equal(t, 1, fired)
}

func TestFakeTickerDropsUnreadTicks(t *testing.T) {
	c := Fake(epoch)
	ticker := c.NewTicker(time.Second)
	defer ticker.Stop()

	c.Advance(3 * time.Second)

	select {
	case got := <-ticker.C:
		assert.Equal(t, epoch.Add(time.Second), got)
	default:
		t.Fatal("expected a tick")
	}
	select {
	case <-ticker.C:
		t.Fatal("ticks beyond channel capacity should be dropped")
	default:
	}
	assert.Equal(t, epoch.Add(3*time.Second), c.Now())
}

func TestFakeCallbacksRunInDeadlineOrder(t *testing.T) {
	c := Fake(epoch)
	var order []string
	c.AfterFunc(3*time.Second, func() { order = append(order, "late") })
	c.AfterFunc(time.Second, func() { order = append(order, "early") })

	c.Advance(5 * time.Second)
	assert.Equal(t, []string{"early", "late"}, order)
}
