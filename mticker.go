package main

import (
	"sync"
	"time"
)

// mTicker is one time.Ticker shared by many subscribers. Ticks a subscriber
// is not ready to receive are dropped and counted.
type mTicker struct {
	mux         sync.Mutex // Protects subscribers and dropped
	subscribers subscribers
	dropped     int

	tickerMux sync.Mutex // Used to sync start/stop
	ticker    *time.Ticker
	stopCh    chan struct{}
	stopped   bool
}

type subscribers map[*subscriber]struct{}

type subscriber struct {
	tick chan time.Time
}

// newMTicker creates and starts a ticker firing every interval.
func newMTicker(interval time.Duration) *mTicker {
	t := &mTicker{
		subscribers: make(subscribers),
		ticker:      time.NewTicker(interval),
		stopCh:      make(chan struct{}),
	}
	go t.tick()
	return t
}

// subscribe returns a subscriber whose tick channel receives the ticks. The
// channel is closed on unsubscribe or stop.
func (t *mTicker) subscribe() *subscriber {
	t.mux.Lock()
	defer t.mux.Unlock()

	sub := &subscriber{tick: make(chan time.Time, 1)}
	if t.subscribers == nil {
		close(sub.tick)
		return sub
	}
	t.subscribers[sub] = struct{}{}
	return sub
}

func (t *mTicker) unsubscribe(sub *subscriber) {
	t.mux.Lock()
	defer t.mux.Unlock()

	if _, ok := t.subscribers[sub]; !ok {
		return
	}
	close(sub.tick)
	delete(t.subscribers, sub)
}

// stop halts the ticker and closes every subscribed channel. Later calls do
// nothing.
func (t *mTicker) stop() {
	t.tickerMux.Lock()
	defer t.tickerMux.Unlock()

	if t.stopped {
		return
	}
	t.stopped = true
	t.ticker.Stop()
	close(t.stopCh)

	t.mux.Lock()
	defer t.mux.Unlock()
	for sub := range t.subscribers {
		close(sub.tick)
	}
	t.subscribers = nil
}

func (t *mTicker) droppedTicks() int {
	t.mux.Lock()
	defer t.mux.Unlock()
	return t.dropped
}

func (t *mTicker) tick() {
	for {
		select {
		case tick := <-t.ticker.C:
			t.mux.Lock()
			for sub := range t.subscribers {
				select {
				case sub.tick <- tick:
				default:
					t.dropped++
				}
			}
			t.mux.Unlock()
		case <-t.stopCh:
			return
		}
	}
}
