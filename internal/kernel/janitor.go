package kernel

import (
	"context"
	"time"

	"github.com/thinkaurelius/titan-kernel/internal/worker"
)

// janitorTask evicts expired entries and reschedules itself.
func (k *Kernel) janitorTask() worker.Task {
	return worker.Task{
		Name: "retention janitor",
		Run: func(ctx context.Context) error {
			trackers, killed := k.EvictExpired(k.now())
			if trackers > 0 || killed > 0 {
				k.logger.Debug("evicted expired entries", "trackers", trackers, "killed", killed)
			}
			if _, err := k.schedule(k.janitorInterval, k.janitorTask()); err != nil {
				k.logger.Debug("retention janitor stopped", "error", err)
			}
			return nil
		},
	}
}

// EvictExpired drops DONE trackers and killed seeds older than the
// retention period as of now. It returns how many of each were dropped.
func (k *Kernel) EvictExpired(now time.Time) (trackers, killed int) {
	cutoff := now.Add(-k.retention)

	k.trackersMu.Lock()
	for seed, t := range k.trackers {
		if t.Status() != StatusDone {
			continue
		}
		if doneAt := t.DoneAt(); doneAt.Before(cutoff) {
			delete(k.trackers, seed)
			trackers++
		}
	}
	k.trackersMu.Unlock()

	k.killedMu.Lock()
	for seed, at := range k.killed {
		if at.Before(cutoff) {
			delete(k.killed, seed)
			killed++
		}
	}
	k.killedMu.Unlock()

	if trackers > 0 {
		k.updateGauges()
	}
	return trackers, killed
}
