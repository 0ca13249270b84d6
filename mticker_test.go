package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMTickerSubscribe(t *testing.T) {
	ticker := newMTicker(time.Hour)
	defer ticker.stop()

	// assert no subscribers
	assert.Empty(t, ticker.subscribers)

	ticker.subscribe()
	assert.Len(t, ticker.subscribers, 1)
}

func TestMTickerUnsubscribe(t *testing.T) {
	ticker := newMTicker(time.Hour)
	defer ticker.stop()
	sub := ticker.subscribe()
	require.Len(t, ticker.subscribers, 1)

	ticker.unsubscribe(sub)
	assert.Empty(t, ticker.subscribers)

	// assert chan closed
	_, ok := <-sub.tick
	assert.False(t, ok, "tick channel should be closed")

	// A second unsubscribe is harmless.
	ticker.unsubscribe(sub)
}

func TestMTickerTick(t *testing.T) {
	ticker := newMTicker(10 * time.Millisecond)
	defer ticker.stop()
	sub1 := ticker.subscribe()
	sub2 := ticker.subscribe()
	sub3 := ticker.subscribe()

	// assert time stamps are passed
	// to subscribing channels
	t1, ok1 := <-sub1.tick
	t2, ok2 := <-sub2.tick
	t3, ok3 := <-sub3.tick

	require.True(t, ok1 && ok2 && ok3)
	assert.True(t, t1.Equal(t2) && t1.Equal(t3), "all subscribers receive identical time stamps: %v %v %v", t1, t2, t3)
}

func TestMTickerDropsTicksForSlowSubscribers(t *testing.T) {
	ticker := newMTicker(time.Millisecond)
	defer ticker.stop()
	ticker.subscribe()

	assert.Eventually(t, func() bool { return ticker.droppedTicks() > 0 }, time.Second, time.Millisecond)
}

func TestMTickerStop(t *testing.T) {
	ticker := newMTicker(time.Hour)
	sub1 := ticker.subscribe()
	sub2 := ticker.subscribe()

	ticker.stop()
	ticker.stop()

	// assert all subscribing channels closed
	_, ok1 := <-sub1.tick
	_, ok2 := <-sub2.tick
	assert.False(t, ok1 || ok2, "all tick channels should be closed")

	ticker.unsubscribe(sub1)
	_, ok := <-ticker.subscribe().tick
	assert.False(t, ok, "subscribing to a stopped ticker yields a closed channel")
}
