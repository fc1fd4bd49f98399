package health

import (
	"context"
	"time"
)

// HealthStatus represents the overall health status of the host.
type HealthStatus string

const (
	// StatusHealthy indicates all metrics are within acceptable ranges.
	StatusHealthy HealthStatus = "healthy"
	// StatusWarning indicates some metrics are concerning but not critical.
	StatusWarning HealthStatus = "warning"
	// StatusCritical indicates jobs are failing or about to.
	StatusCritical HealthStatus = "critical"
	// StatusUnknown indicates health cannot be determined.
	StatusUnknown HealthStatus = "unknown"
)

// Thresholds defines the thresholds for health evaluation.
type Thresholds struct {
	// Disk thresholds (percentage used)
	DiskWarning  float64 // Default: 85%
	DiskCritical float64 // Default: 95%

	// Memory thresholds (percentage used)
	MemoryWarning  float64 // Default: 90%
	MemoryCritical float64 // Default: 98%
}

// DefaultThresholds returns the default health thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		DiskWarning:    85.0,
		DiskCritical:   95.0,
		MemoryWarning:  90.0,
		MemoryCritical: 98.0,
	}
}

// CheckResult contains the detailed health check result.
type CheckResult struct {
	Status    HealthStatus `json:"status"`
	Message   string       `json:"message"`
	Issues    []Issue      `json:"issues,omitempty"`
	Metrics   *Metrics     `json:"metrics,omitempty"`
	CheckedAt time.Time    `json:"checked_at"`
}

// Issue represents a specific health issue.
type Issue struct {
	Component string       `json:"component"` // disk, memory, restic
	Severity  HealthStatus `json:"severity"`
	Message   string       `json:"message"`
	Value     float64      `json:"value,omitempty"`
	Threshold float64      `json:"threshold,omitempty"`
}

// Checker evaluates host health based on metrics.
type Checker struct {
	thresholds Thresholds
}

// NewChecker creates a new health checker with the given thresholds.
func NewChecker(thresholds Thresholds) *Checker {
	return &Checker{thresholds: thresholds}
}

// NewCheckerWithDefaults creates a new health checker with default thresholds.
func NewCheckerWithDefaults() *Checker {
	return NewChecker(DefaultThresholds())
}

// EvaluateMetrics evaluates health based on current metrics.
func (c *Checker) EvaluateMetrics(m *Metrics) *CheckResult {
	result := &CheckResult{
		Status:    StatusHealthy,
		Metrics:   m,
		CheckedAt: time.Now(),
		Issues:    make([]Issue, 0),
	}

	if m == nil {
		result.Status = StatusUnknown
		result.Message = "No metrics available"
		return result
	}

	result.Issues = appendThresholdIssue(result.Issues, "disk", m.DiskUsage,
		c.thresholds.DiskWarning, c.thresholds.DiskCritical,
		"Disk space running low", "Disk space critically low")
	result.Issues = appendThresholdIssue(result.Issues, "memory", m.MemoryUsage,
		c.thresholds.MemoryWarning, c.thresholds.MemoryCritical,
		"Memory usage high", "Memory usage critically high")

	// Without restic every job fails at launch.
	if !m.ResticAvailable {
		result.Issues = append(result.Issues, Issue{
			Component: "restic",
			Severity:  StatusCritical,
			Message:   "Restic binary not available",
		})
	}

	result.Status = determineOverallStatus(result.Issues)
	result.Message = generateMessage(result.Status)

	return result
}

func appendThresholdIssue(issues []Issue, component string, value, warning, critical float64, warnMsg, critMsg string) []Issue {
	switch {
	case value >= critical:
		return append(issues, Issue{
			Component: component,
			Severity:  StatusCritical,
			Message:   critMsg,
			Value:     value,
			Threshold: critical,
		})
	case value >= warning:
		return append(issues, Issue{
			Component: component,
			Severity:  StatusWarning,
			Message:   warnMsg,
			Value:     value,
			Threshold: warning,
		})
	}
	return issues
}

// determineOverallStatus determines the overall health status from issues.
func determineOverallStatus(issues []Issue) HealthStatus {
	status := StatusHealthy
	for _, issue := range issues {
		switch issue.Severity {
		case StatusCritical:
			return StatusCritical
		case StatusWarning:
			status = StatusWarning
		}
	}
	return status
}

// generateMessage generates a human-readable status message.
func generateMessage(status HealthStatus) string {
	switch status {
	case StatusHealthy:
		return "All systems operational"
	case StatusWarning:
		return "Some metrics require attention"
	case StatusCritical:
		return "Critical issues detected"
	default:
		return "Health status unknown"
	}
}

// Monitor collects and evaluates host metrics on demand.
type Monitor struct {
	collector *Collector
	checker   *Checker
}

// NewMonitor creates a Monitor.
func NewMonitor(collector *Collector, checker *Checker) *Monitor {
	return &Monitor{collector: collector, checker: checker}
}

// Check collects fresh metrics and evaluates them.
func (m *Monitor) Check(ctx context.Context) *CheckResult {
	return m.checker.EvaluateMetrics(m.collector.Collect(ctx))
}
