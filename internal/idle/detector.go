// Package idle shuts the server down after it has held no sessions for a
// configured period.
package idle

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultCheckInterval is used when DetectorConfig.CheckInterval is unset.
const DefaultCheckInterval = 30 * time.Second

// DetectorConfig holds configuration for the idle detector.
type DetectorConfig struct {
	// Timeout is how long the server may sit with no sessions. Zero disables
	// idle shutdown.
	Timeout       time.Duration
	CheckInterval time.Duration
	// ActiveCount reports the number of live sessions. A nil func counts as
	// zero.
	ActiveCount func() int
}

// Detector tracks session activity and requests shutdown once idle.
type Detector struct {
	timeout       time.Duration
	checkInterval time.Duration
	activeCount   func() int

	lastActivity time.Time
	mu           sync.RWMutex

	done         chan struct{}
	stopOnce     sync.Once
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// NewDetector creates a new idle detector.
func NewDetector(cfg DetectorConfig) *Detector {
	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	return &Detector{
		timeout:       cfg.Timeout,
		checkInterval: interval,
		activeCount:   cfg.ActiveCount,
		lastActivity:  time.Now(),
		done:          make(chan struct{}),
		shutdownCh:    make(chan struct{}),
	}
}

// Start runs the idle check loop until Stop is called or shutdown has been
// requested.
func (d *Detector) Start() {
	if d.timeout <= 0 {
		<-d.done
		return
	}

	ticker := time.NewTicker(d.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			if d.check(time.Now()) {
				return
			}
		}
	}
}

// check requests shutdown when the server is idle at now.
func (d *Detector) check(now time.Time) bool {
	if d.timeout <= 0 || d.active() > 0 {
		return false
	}
	idleFor := now.Sub(d.GetLastActivity())
	if idleFor < d.timeout {
		return false
	}
	slog.Info("Idle timeout reached, requesting shutdown", "idle", idleFor.Round(time.Second), "timeout", d.timeout)
	d.requestShutdown()
	return true
}

func (d *Detector) active() int {
	if d.activeCount == nil {
		return 0
	}
	return d.activeCount()
}

func (d *Detector) requestShutdown() {
	d.shutdownOnce.Do(func() { close(d.shutdownCh) })
}

// Stop stops the idle detector. Safe to call more than once.
func (d *Detector) Stop() {
	d.stopOnce.Do(func() { close(d.done) })
}

// Done returns a channel closed when the detector is stopped.
func (d *Detector) Done() <-chan struct{} {
	return d.done
}

// RecordActivity resets the idle clock.
func (d *Detector) RecordActivity() {
	d.mu.Lock()
	d.lastActivity = time.Now()
	d.mu.Unlock()
}

// GetLastActivity returns the last activity time.
func (d *Detector) GetLastActivity() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastActivity
}

// GetIdleTime returns how long the server has gone without activity.
func (d *Detector) GetIdleTime() time.Duration {
	return time.Since(d.GetLastActivity())
}

// GetDeadline returns when the server will shut down if nothing happens, or
// the zero time when idle shutdown is disabled or sessions are live.
func (d *Detector) GetDeadline() time.Time {
	if d.timeout <= 0 || d.active() > 0 {
		return time.Time{}
	}
	return d.GetLastActivity().Add(d.timeout)
}

// ShutdownChannel returns a channel that's closed when shutdown is requested.
func (d *Detector) ShutdownChannel() <-chan struct{} {
	return d.shutdownCh
}
