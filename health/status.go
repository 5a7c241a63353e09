// Package health aggregates component health into one process-level status
// suitable for exposure over HTTP.
package health

import (
	"regexp"
	"sync"
	"time"
)

// Status is the aggregate health level
type Status string

// Possible status values
const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// ComponentStatus is the health of one component
type ComponentStatus struct {
	Name        string    `json:"name"`
	Healthy     bool      `json:"healthy"`
	Error       string    `json:"error,omitempty"`
	LastChecked time.Time `json:"last_checked"`
}

// Report is a point-in-time snapshot of process health
type Report struct {
	Status     Status            `json:"status"`
	Components []ComponentStatus `json:"components"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Tracker collects per-component health signals
type Tracker struct {
	mu         sync.RWMutex
	components map[string]ComponentStatus
	// components whose failure makes the whole process unhealthy rather
	// than degraded
	critical map[string]bool
}

// NewTracker creates an empty tracker. Components named in critical make the
// aggregate unhealthy when they fail; others only degrade it.
func NewTracker(critical ...string) *Tracker {
	c := make(map[string]bool, len(critical))
	for _, name := range critical {
		c[name] = true
	}
	return &Tracker{
		components: make(map[string]ComponentStatus),
		critical:   c,
	}
}

// SetHealthy marks a component healthy
func (t *Tracker) SetHealthy(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.components[name] = ComponentStatus{
		Name:        name,
		Healthy:     true,
		LastChecked: time.Now().UTC(),
	}
}

// SetUnhealthy marks a component unhealthy with a sanitized error message
func (t *Tracker) SetUnhealthy(name string, err error) {
	msg := ""
	if err != nil {
		msg = sanitizeErrorMessage(err.Error())
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.components[name] = ComponentStatus{
		Name:        name,
		Healthy:     false,
		Error:       msg,
		LastChecked: time.Now().UTC(),
	}
}

// Snapshot returns the current aggregate report
func (t *Tracker) Snapshot() Report {
	t.mu.RLock()
	defer t.mu.RUnlock()

	report := Report{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
	}

	for _, c := range t.components {
		report.Components = append(report.Components, c)
		if c.Healthy {
			continue
		}
		if t.critical[c.Name] {
			report.Status = StatusUnhealthy
		} else if report.Status == StatusHealthy {
			report.Status = StatusDegraded
		}
	}

	return report
}

// Patterns that would leak credentials or internal addresses if surfaced
var (
	urlCredsPattern = regexp.MustCompile(`://[^@/\s]+@`)
	tokenPattern    = regexp.MustCompile(`(?i)(token|secret|password|key)=[^\s&]+`)
	hostPortPattern = regexp.MustCompile(`\b\d{1,3}(\.\d{1,3}){3}:\d+\b`)
)

// sanitizeErrorMessage strips secrets and internal endpoints from an error
// before it leaves the process
func sanitizeErrorMessage(msg string) string {
	msg = urlCredsPattern.ReplaceAllString(msg, "://[redacted]@")
	msg = tokenPattern.ReplaceAllString(msg, "$1=[redacted]")
	msg = hostPortPattern.ReplaceAllString(msg, "[redacted]")
	return msg
}
