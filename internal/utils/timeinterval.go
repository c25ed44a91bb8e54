package utils

import (
	"sync"
	"time"
)

type IntervalTimer interface {
	// Stop halts the timer and waits for an in-flight tick to return.
	// It must not be called from inside the tick function.
	Stop()
}

type timeInterval struct {
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

func (t *timeInterval) Stop() {
	t.once.Do(func() { close(t.quit) })
	<-t.done
}

func SetIntervalTimer(duration time.Duration, function func()) IntervalTimer {
	ticker := time.NewTicker(duration)
	t := &timeInterval{
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go func() {
		defer close(t.done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				function()
			case <-t.quit:
				return
			}
		}
	}()
	return t
}
