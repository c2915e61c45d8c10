package pkg

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const loopScanIntervalMin = 100 * time.Millisecond

// pollLoop runs iterate until the context is done. When an iteration found
// work the next one starts almost immediately, otherwise the loop rests.
type pollLoop struct {
	log          logrus.FieldLogger
	restInterval time.Duration
	iterate      func(ctx context.Context) (bool, error)

	lock   sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (l *pollLoop) start(ctx context.Context) {
	l.lock.Lock()
	defer l.lock.Unlock()

	if l.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})

	go l.run(ctx, l.done)
}

func (l *pollLoop) stop() {
	l.lock.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.lock.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (l *pollLoop) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		start := time.Now()

		found, err := l.iterate(ctx)
		if err != nil && ctx.Err() == nil {
			l.log.WithError(err).Warn("loop iteration failed")
		}

		// How long should we wait before the next loop?
		// If we found data, process fast, otherwise use the at-rest delay
		delay := l.restInterval
		if found {
			delay = loopScanIntervalMin
		}
		delay -= time.Since(start)
		if delay < 0 {
			delay = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}
