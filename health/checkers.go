package health

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"time"
)

// ListeningProbe is implemented by the subscriber server
type ListeningProbe interface {
	Listening() bool
	ActiveQueues() []string
}

// ListeningChecker reports the broker channel state of a subscriber server
type ListeningChecker struct {
	probe ListeningProbe
}

// NewListeningChecker creates a new listening checker
func NewListeningChecker(probe ListeningProbe) *ListeningChecker {
	return &ListeningChecker{probe: probe}
}

func (c *ListeningChecker) Name() string {
	return "rabbitmq"
}

func (c *ListeningChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	listening := c.probe.Listening()
	result.Details["listening"] = listening

	if !listening {
		result.Status = StatusUnhealthy
		result.Message = "Not connected to RabbitMQ"
	} else {
		result.Status = StatusHealthy
		result.Message = "Connected to RabbitMQ"
	}

	result.Duration = time.Since(start)
	return result
}

// QueuesChecker reports queues that are expected to be consumed but are not.
// A partially bound server is degraded, not down.
type QueuesChecker struct {
	probe    ListeningProbe
	expected []string
}

// NewQueuesChecker creates a checker for the given queue names
func NewQueuesChecker(probe ListeningProbe, expected []string) *QueuesChecker {
	return &QueuesChecker{probe: probe, expected: append([]string(nil), expected...)}
}

func (c *QueuesChecker) Name() string {
	return "consumers"
}

func (c *QueuesChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	active := make(map[string]struct{})
	for _, q := range c.probe.ActiveQueues() {
		active[q] = struct{}{}
	}

	var missing []string
	for _, q := range c.expected {
		if _, ok := active[q]; !ok {
			missing = append(missing, q)
		}
	}
	sort.Strings(missing)

	result.Details["expected"] = len(c.expected)
	result.Details["active"] = len(active)

	switch {
	case len(missing) == 0:
		result.Status = StatusHealthy
		result.Message = "All queues are consumed"
	case len(missing) == len(c.expected):
		result.Status = StatusUnhealthy
		result.Message = "No queue is consumed"
		result.Details["missing"] = missing
	default:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d of %d queues are not consumed", len(missing), len(c.expected))
		result.Details["missing"] = missing
	}

	result.Duration = time.Since(start)
	return result
}

// GoroutineChecker flags runaway handler concurrency
type GoroutineChecker struct {
	warningThreshold  int
	criticalThreshold int
}

// NewGoroutineChecker creates a new goroutine checker
func NewGoroutineChecker(warningThreshold, criticalThreshold int) *GoroutineChecker {
	return &GoroutineChecker{
		warningThreshold:  warningThreshold,
		criticalThreshold: criticalThreshold,
	}
}

func (c *GoroutineChecker) Name() string {
	return "runtime"
}

func (c *GoroutineChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case goroutines > c.criticalThreshold:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case goroutines > c.warningThreshold:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Runtime is normal"
	}

	result.Duration = time.Since(start)
	return result
}
