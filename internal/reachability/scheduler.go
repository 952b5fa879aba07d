package reachability

import (
	"context"
	"errors"
	"time"
)

// ErrObserverExited is returned by Run when neighbor notifications stopped
// while the context was still live.
var ErrObserverExited = errors.New("neighbor observer exited")

// Run blocks until ctx ends or the observer exits, probing every watched
// neighbor each interval. A zero interval disables periodic probing.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) error {
	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.done:
			if ctx.Err() != nil {
				return nil
			}
			return ErrObserverExited
		case <-tick:
			m.ProbeAll()
		}
	}
}
