package backend

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	lagSampleInterval = 500 * time.Millisecond
	lagWarnThreshold  = 100 * time.Millisecond
)

// lagTracker samples how late timers fire. Sustained drift means the process is
// starved and calls are about to get slow; it is logged, not acted on.
type lagTracker struct {
	log      *zap.SugaredLogger
	stopCh   chan struct{}
	stopOnce sync.Once
}

func newLagTracker(log *zap.SugaredLogger) *lagTracker {
	return &lagTracker{
		log:    log.Named("lag"),
		stopCh: make(chan struct{}),
	}
}

func (t *lagTracker) start() {
	go func() {
		ticker := time.NewTicker(lagSampleInterval)
		defer ticker.Stop()
		last := time.Now()
		for {
			select {
			case <-t.stopCh:
				return
			case <-ticker.C:
			}
			now := time.Now()
			lag := now.Sub(last) - lagSampleInterval
			if lag > lagWarnThreshold {
				t.log.Warnw("scheduler lag detected", "lag", lag)
			}
			last = now
		}
	}()
}

func (t *lagTracker) stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}
