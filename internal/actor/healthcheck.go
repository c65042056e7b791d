package actor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// HealthStatus represents the health status of an actor
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

const (
	mailboxPressure = 90.0
	errorWindow     = 5 * time.Minute
)

// HealthMetrics contains health-related metrics for an actor
type HealthMetrics struct {
	MailboxDepth    int     `json:"mailbox_depth"`
	MailboxCapacity int     `json:"mailbox_capacity"`
	MailboxUsage    float64 `json:"mailbox_usage"` // percentage

	LastActivityTime time.Time `json:"last_activity_time"`
	StartTime        time.Time `json:"start_time"`
	UptimeSeconds    float64   `json:"uptime_seconds"`

	ErrorCount   int64      `json:"error_count"`
	LastError    *time.Time `json:"last_error,omitempty"`
	LastErrorMsg string     `json:"last_error_msg,omitempty"`
}

// HealthReport contains the complete health assessment of an actor
type HealthReport struct {
	ActorID   string        `json:"actor_id"`
	Status    HealthStatus  `json:"status"`
	Metrics   HealthMetrics `json:"metrics"`
	Message   string        `json:"message"`
	Timestamp time.Time     `json:"timestamp"`
}

// HealthCheckRequest asks the mailbox loop for a report. It is answered by
// the loop itself and never reaches Receive.
type HealthCheckRequest struct {
	ResponseChan chan HealthReport
}

func (HealthCheckRequest) Type() string {
	return "HealthCheckRequest"
}

// HealthCheckable tracks activity and errors of one actor
type HealthCheckable struct {
	id           string
	mu           sync.RWMutex
	mailbox      chan Message
	startTime    time.Time
	lastActivity time.Time
	errorCount   int64
	lastError    time.Time
	lastErrorMsg string
}

// NewHealthCheckable creates a new health checkable component
func NewHealthCheckable(id string, mailbox chan Message) *HealthCheckable {
	now := time.Now()
	return &HealthCheckable{
		id:           id,
		mailbox:      mailbox,
		startTime:    now,
		lastActivity: now,
	}
}

// GetHealthMetrics returns current health metrics
func (h *HealthCheckable) GetHealthMetrics() HealthMetrics {
	h.mu.RLock()
	defer h.mu.RUnlock()

	depth := len(h.mailbox)
	capacity := cap(h.mailbox)
	var usage float64
	if capacity > 0 {
		usage = float64(depth) / float64(capacity) * 100
	}

	metrics := HealthMetrics{
		MailboxDepth:     depth,
		MailboxCapacity:  capacity,
		MailboxUsage:     usage,
		LastActivityTime: h.lastActivity,
		StartTime:        h.startTime,
		UptimeSeconds:    time.Since(h.startTime).Seconds(),
		ErrorCount:       h.errorCount,
		LastErrorMsg:     h.lastErrorMsg,
	}
	if !h.lastError.IsZero() {
		last := h.lastError
		metrics.LastError = &last
	}
	return metrics
}

// RecordActivity updates the last activity timestamp
func (h *HealthCheckable) RecordActivity() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastActivity = time.Now()
}

// RecordError records an error occurrence
func (h *HealthCheckable) RecordError(err error) {
	if err == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.errorCount++
	h.lastError = time.Now()
	h.lastErrorMsg = err.Error()
}

// GenerateHealthReport creates a complete health report
func (h *HealthCheckable) GenerateHealthReport() HealthReport {
	metrics := h.GetHealthMetrics()

	var issues []string
	if metrics.MailboxUsage > mailboxPressure {
		issues = append(issues, fmt.Sprintf("high mailbox usage (%.1f%%)", metrics.MailboxUsage))
	}
	if metrics.LastError != nil && time.Since(*metrics.LastError) < errorWindow {
		issues = append(issues, fmt.Sprintf("recent error: %s", metrics.LastErrorMsg))
	}

	report := HealthReport{
		ActorID:   h.id,
		Status:    HealthStatusHealthy,
		Metrics:   metrics,
		Message:   "Actor is operating normally",
		Timestamp: time.Now(),
	}
	switch len(issues) {
	case 0:
	case 1:
		report.Status = HealthStatusDegraded
		report.Message = issues[0]
	default:
		report.Status = HealthStatusUnhealthy
		report.Message = strings.Join(issues, "; ")
	}
	return report
}

// HealthCheckHandler answers a health check request
func (h *HealthCheckable) HealthCheckHandler(ctx context.Context, req HealthCheckRequest) {
	select {
	case req.ResponseChan <- h.GenerateHealthReport():
	case <-ctx.Done():
	}
}
