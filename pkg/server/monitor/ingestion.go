package monitor

import (
	"sync"
	"time"
)

// maxConsecutiveErrors is how many failed cycles in a row are tolerated.
const maxConsecutiveErrors = 3

// IngestionMonitor tracks scheduler health and failures.
type IngestionMonitor struct {
	mu                sync.RWMutex
	interval          time.Duration
	now               func() time.Time
	lastSuccess       time.Time
	lastAttempt       time.Time
	lastSkip          time.Time
	skips             int
	consecutiveErrors int
	lastError         string
}

// NewIngestionMonitor creates a monitor for a scheduler running every interval.
func NewIngestionMonitor(interval time.Duration) *IngestionMonitor {
	return &IngestionMonitor{interval: interval, now: time.Now}
}

// RecordSuccess records a stored reading.
func (m *IngestionMonitor) RecordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.lastSuccess = now
	m.lastAttempt = now
	m.consecutiveErrors = 0
	m.lastError = ""
}

// RecordSkip records a cycle that reached storage but stored nothing,
// e.g. because the device had not produced a new reading.
func (m *IngestionMonitor) RecordSkip(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.lastSkip = now
	m.lastAttempt = now
	m.skips++
	m.consecutiveErrors = 0
	m.lastError = ""
}

// RecordFailure records a failed cycle.
func (m *IngestionMonitor) RecordFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastAttempt = m.now()
	m.consecutiveErrors++
	if err != nil {
		m.lastError = err.Error()
	}
}

// IsHealthy returns true if ingestion is working properly.
// A skipped cycle reached the device and storage, so it counts as
// liveness the same as a stored reading. Unhealthy conditions:
//   - No cycle has ever completed
//   - No completed cycle for more than three intervals
//   - More than 3 consecutive failures
func (m *IngestionMonitor) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthyLocked()
}

func (m *IngestionMonitor) healthyLocked() bool {
	alive := m.lastAliveLocked()
	if alive.IsZero() {
		return false
	}
	if m.interval > 0 && m.now().Sub(alive) > 3*m.interval {
		return false
	}
	return m.consecutiveErrors <= maxConsecutiveErrors
}

// lastAliveLocked is the most recent cycle that stored or skipped.
func (m *IngestionMonitor) lastAliveLocked() time.Time {
	if m.lastSkip.After(m.lastSuccess) {
		return m.lastSkip
	}
	return m.lastSuccess
}

// IngestionStatus is the scheduler section of the health report.
type IngestionStatus struct {
	Healthy           bool   `json:"healthy"`
	LastSuccess       string `json:"last_success,omitempty"`
	TimeSinceSuccess  string `json:"time_since_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	LastSkip          string `json:"last_skip,omitempty"`
	Skips             int    `json:"skips,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Status returns current ingestion status for health checks.
func (m *IngestionMonitor) Status() IngestionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := IngestionStatus{
		Healthy: m.healthyLocked(),
		Skips:   m.skips,
	}

	if !m.lastSuccess.IsZero() {
		status.LastSuccess = m.lastSuccess.UTC().Format(time.RFC3339)
		status.TimeSinceSuccess = m.now().Sub(m.lastSuccess).Round(time.Second).String()
	}
	if !m.lastAttempt.IsZero() {
		status.LastAttempt = m.lastAttempt.UTC().Format(time.RFC3339)
	}
	if !m.lastSkip.IsZero() {
		status.LastSkip = m.lastSkip.UTC().Format(time.RFC3339)
	}
	if m.consecutiveErrors > 0 {
		status.ConsecutiveErrors = m.consecutiveErrors
		status.LastError = m.lastError
	}

	return status
}
