package base

import (
	"time"
)

// runIdleReaper periodically shuts down workers that have not seen a
// request for longer than the idle timeout
func (t *ServerTransport) runIdleReaper() {
	cfg := t.config.Transport
	interval := cfg.IdleCheckInterval
	if interval <= 0 {
		interval = cfg.IdleTimeout / 2
	}
	if interval <= 0 {
		interval = cfg.IdleTimeout
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case now := <-ticker.C:
			t.reapIdleWorkers(now)
		}
	}
}

// reapIdleWorkers shuts down every idle worker in the clientpool and the
// threadpool. Workers executing a handler are skipped. Shut down workers
// are removed from both pools, so they are never reused.
func (t *ServerTransport) reapIdleWorkers(now time.Time) int {
	idleTimeout := t.config.Transport.IdleTimeout

	t.mu.Lock()
	if t.stopping {
		t.mu.Unlock()
		return 0
	}

	reaped := 0
	for _, w := range t.clientpool.Entries() {
		if w.processing.Load() || now.Sub(w.lastActive()) <= idleTimeout {
			continue
		}
		t.clientpool.Remove(w)
		w.shutdownLocked()
		reaped++
	}

	kept := t.threadpool[:0]
	for _, w := range t.threadpool {
		if now.Sub(w.lastActive()) > idleTimeout {
			w.shutdownLocked()
			reaped++
			continue
		}
		kept = append(kept, w)
	}
	for i := len(kept); i < len(t.threadpool); i++ {
		t.threadpool[i] = nil
	}
	t.threadpool = kept
	t.mu.Unlock()

	if reaped > 0 {
		serverReaped.Add(reaped)
		Logger.Debugf("Idle reaper shut down %d worker(s) idle for more than %s", reaped, idleTimeout)
		t.notifySlotFreed()
	}
	return reaped
}
