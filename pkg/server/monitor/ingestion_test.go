package monitor

import (
	"errors"
	"testing"
	"time"
)

func TestIngestionMonitor_RecordSuccess(t *testing.T) {
	m := NewIngestionMonitor(10 * time.Minute)
	m.RecordSuccess()

	status := m.Status()
	if !status.Healthy {
		t.Error("Status should be healthy after success")
	}
	if status.ConsecutiveErrors != 0 {
		t.Errorf("ConsecutiveErrors = %d, want 0", status.ConsecutiveErrors)
	}
	if status.LastError != "" {
		t.Errorf("LastError = %q, want empty", status.LastError)
	}
}

func TestIngestionMonitor_RecordFailure(t *testing.T) {
	m := NewIngestionMonitor(10 * time.Minute)
	m.RecordFailure(errors.New("upstream down"))

	status := m.Status()
	if status.ConsecutiveErrors != 1 {
		t.Errorf("ConsecutiveErrors = %d, want 1", status.ConsecutiveErrors)
	}
	if status.LastError != "upstream down" {
		t.Errorf("LastError = %q, want %q", status.LastError, "upstream down")
	}
	if status.LastAttempt == "" {
		t.Error("LastAttempt should be set")
	}
}

func TestIngestionMonitor_RecordSkip(t *testing.T) {
	m := NewIngestionMonitor(10 * time.Minute)
	m.RecordSuccess()
	m.RecordFailure(errors.New("boom"))
	m.RecordSkip("duplicate instant")

	status := m.Status()
	if status.Skips != 1 {
		t.Errorf("Skips = %d, want 1", status.Skips)
	}
	if status.ConsecutiveErrors != 0 {
		t.Errorf("ConsecutiveErrors = %d, want 0 after skip", status.ConsecutiveErrors)
	}
	if status.LastSkip == "" {
		t.Error("LastSkip should be set")
	}
}

func TestIngestionMonitor_IsHealthy(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		setup    func(*IngestionMonitor, *time.Time)
		expected bool
	}{
		{
			name:     "never succeeded",
			setup:    func(*IngestionMonitor, *time.Time) {},
			expected: false,
		},
		{
			name: "recent success",
			setup: func(m *IngestionMonitor, _ *time.Time) {
				m.RecordSuccess()
			},
			expected: true,
		},
		{
			name: "stale success",
			setup: func(m *IngestionMonitor, now *time.Time) {
				m.RecordSuccess()
				*now = now.Add(31 * time.Minute)
			},
			expected: false,
		},
		{
			name: "only skips",
			setup: func(m *IngestionMonitor, _ *time.Time) {
				m.RecordSkip("duplicate instant")
			},
			expected: true,
		},
		{
			name: "old success with recent skip",
			setup: func(m *IngestionMonitor, now *time.Time) {
				m.RecordSuccess()
				*now = now.Add(30 * time.Minute)
				m.RecordSkip("duplicate instant")
				*now = now.Add(time.Minute)
			},
			expected: true,
		},
		{
			name: "stale skip",
			setup: func(m *IngestionMonitor, now *time.Time) {
				m.RecordSuccess()
				*now = now.Add(5 * time.Minute)
				m.RecordSkip("duplicate instant")
				*now = now.Add(31 * time.Minute)
			},
			expected: false,
		},
		{
			name: "tolerated failures",
			setup: func(m *IngestionMonitor, _ *time.Time) {
				m.RecordSuccess()
				for i := 0; i < 3; i++ {
					m.RecordFailure(errors.New("error"))
				}
			},
			expected: true,
		},
		{
			name: "too many consecutive errors",
			setup: func(m *IngestionMonitor, _ *time.Time) {
				m.RecordSuccess()
				for i := 0; i < 4; i++ {
					m.RecordFailure(errors.New("error"))
				}
			},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := base
			m := NewIngestionMonitor(10 * time.Minute)
			m.now = func() time.Time { return now }
			tt.setup(m, &now)
			if got := m.IsHealthy(); got != tt.expected {
				t.Errorf("IsHealthy() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestIngestionMonitor_Status(t *testing.T) {
	m := NewIngestionMonitor(10 * time.Minute)
	m.RecordSuccess()

	status := m.Status()
	if !status.Healthy {
		t.Error("Status should be healthy")
	}
	if status.LastSuccess == "" {
		t.Error("LastSuccess should be set")
	}
	if status.TimeSinceSuccess == "" {
		t.Error("TimeSinceSuccess should be set")
	}
}
