package alerts

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/binlift/binlift/pkg/log"
	"github.com/binlift/binlift/pkg/types"
)

// Severity classifies how urgent an alert is
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Status is the lifecycle state of an alert
type Status string

const (
	StatusActive       Status = "active"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
)

// Alert is one threshold crossing. Alerts are deduplicated by rule: a
// condition that keeps firing updates the existing alert instead of
// raising a new one.
type Alert struct {
	ID        string   `json:"id"`
	Rule      string   `json:"rule"`
	Severity  Severity `json:"severity"`
	Status    Status   `json:"status"`
	Message   string   `json:"message"`
	Value     float64  `json:"value"`
	Threshold float64  `json:"threshold"`

	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

// Thresholds are the rule trigger points. Zero-valued thresholds disable
// the rule.
type Thresholds struct {
	QueueDepthWarning    int     `yaml:"queue_depth_warning"`
	QueueDepthCritical   int     `yaml:"queue_depth_critical"`
	FailureRatioWarning  float64 `yaml:"failure_ratio_warning"`
	FailureRatioCritical float64 `yaml:"failure_ratio_critical"`
	OpenBreakersWarning  int     `yaml:"open_breakers_warning"`
	BlobBytesWarning     int64   `yaml:"blob_bytes_warning"`
}

// DefaultThresholds returns the built-in trigger points.
func DefaultThresholds() Thresholds {
	return Thresholds{
		QueueDepthWarning:    50,
		QueueDepthCritical:   200,
		FailureRatioWarning:  0.25,
		FailureRatioCritical: 0.50,
		OpenBreakersWarning:  1,
		BlobBytesWarning:     10 << 30,
	}
}

// failureRatioMinSample is the minimum number of finished jobs before the
// failure-ratio rule fires, so a single early failure does not alert.
const failureRatioMinSample = 10

// retainedResolved caps how many resolved alerts List keeps around.
const retainedResolved = 100

// Manager evaluates system stats against thresholds and tracks the
// resulting alerts through their acknowledge/resolve lifecycle.
type Manager struct {
	mu         sync.Mutex
	thresholds Thresholds
	firing     map[string]*Alert // rule -> unresolved alert
	resolved   []*Alert
}

// NewManager creates an alert manager with the given thresholds.
func NewManager(th Thresholds) *Manager {
	return &Manager{
		thresholds: th,
		firing:     make(map[string]*Alert),
	}
}

// finding is one rule evaluation that crossed its threshold.
type finding struct {
	rule      string
	severity  Severity
	message   string
	value     float64
	threshold float64
}

func (m *Manager) evaluate(stats *types.SystemStats) []finding {
	var out []finding
	th := m.thresholds

	if th.QueueDepthWarning > 0 && stats.JobsPending >= th.QueueDepthWarning {
		sev, limit := SeverityWarning, th.QueueDepthWarning
		if th.QueueDepthCritical > 0 && stats.JobsPending >= th.QueueDepthCritical {
			sev, limit = SeverityCritical, th.QueueDepthCritical
		}
		out = append(out, finding{
			rule:      "queue_depth",
			severity:  sev,
			message:   fmt.Sprintf("%d jobs pending (threshold %d)", stats.JobsPending, limit),
			value:     float64(stats.JobsPending),
			threshold: float64(limit),
		})
	}

	finished := stats.JobsCompleted + stats.JobsFailed
	if th.FailureRatioWarning > 0 && finished >= failureRatioMinSample {
		ratio := float64(stats.JobsFailed) / float64(finished)
		if ratio >= th.FailureRatioWarning {
			sev, limit := SeverityWarning, th.FailureRatioWarning
			if th.FailureRatioCritical > 0 && ratio >= th.FailureRatioCritical {
				sev, limit = SeverityCritical, th.FailureRatioCritical
			}
			out = append(out, finding{
				rule:      "failure_ratio",
				severity:  sev,
				message:   fmt.Sprintf("%.0f%% of jobs failing (threshold %.0f%%)", ratio*100, limit*100),
				value:     ratio,
				threshold: limit,
			})
		}
	}

	if th.OpenBreakersWarning > 0 && stats.OpenBreakers >= th.OpenBreakersWarning {
		out = append(out, finding{
			rule:      "open_breakers",
			severity:  SeverityWarning,
			message:   fmt.Sprintf("%d circuit breakers open", stats.OpenBreakers),
			value:     float64(stats.OpenBreakers),
			threshold: float64(th.OpenBreakersWarning),
		})
	}

	if th.BlobBytesWarning > 0 && stats.BlobBytesUsed >= th.BlobBytesWarning {
		out = append(out, finding{
			rule:      "blob_usage",
			severity:  SeverityWarning,
			message:   fmt.Sprintf("blob tier holds %d bytes (threshold %d)", stats.BlobBytesUsed, th.BlobBytesWarning),
			value:     float64(stats.BlobBytesUsed),
			threshold: float64(th.BlobBytesWarning),
		})
	}

	return out
}

// Check evaluates the stats sample. New crossings raise alerts, repeated
// crossings update the existing alert in place, and rules that stopped
// firing auto-resolve. It returns the alerts currently firing.
func (m *Manager) Check(stats *types.SystemStats) []*Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	found := m.evaluate(stats)
	logger := log.WithComponent("alerts")

	seen := make(map[string]bool, len(found))
	for _, f := range found {
		seen[f.rule] = true
		if a, ok := m.firing[f.rule]; ok {
			if f.severity == SeverityCritical && a.Severity == SeverityWarning {
				a.Severity = SeverityCritical
				logger.Warn().Str("rule", f.rule).Msg("Alert escalated to critical")
			}
			a.Message = f.message
			a.Value = f.value
			a.Threshold = f.threshold
			a.UpdatedAt = now
			continue
		}
		a := &Alert{
			ID:        uuid.New().String(),
			Rule:      f.rule,
			Severity:  f.severity,
			Status:    StatusActive,
			Message:   f.message,
			Value:     f.value,
			Threshold: f.threshold,
			CreatedAt: now,
			UpdatedAt: now,
		}
		m.firing[f.rule] = a
		logger.Warn().
			Str("rule", f.rule).
			Str("severity", string(f.severity)).
			Float64("value", f.value).
			Msg("Alert raised")
	}

	for rule, a := range m.firing {
		if !seen[rule] {
			m.resolveLocked(a, now)
			logger.Info().Str("rule", rule).Msg("Alert auto-resolved")
		}
	}

	out := make([]*Alert, 0, len(m.firing))
	for _, a := range m.firing {
		out = append(out, cloned(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// List returns all unresolved alerts plus recently resolved ones,
// newest first.
func (m *Manager) List() []*Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Alert, 0, len(m.firing)+len(m.resolved))
	for _, a := range m.firing {
		out = append(out, cloned(a))
	}
	for _, a := range m.resolved {
		out = append(out, cloned(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Acknowledge marks an active alert as seen by an operator. The alert
// stays listed until the condition clears or it is resolved.
func (m *Manager) Acknowledge(id string) (*Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.findLocked(id)
	if a == nil {
		return nil, fmt.Errorf("%w: alert %s", types.ErrNotFound, id)
	}
	if a.Status == StatusResolved {
		return nil, fmt.Errorf("%w: alert %s is already resolved", types.ErrConflict, id)
	}
	now := time.Now().UTC()
	a.Status = StatusAcknowledged
	a.AcknowledgedAt = &now
	a.UpdatedAt = now
	return cloned(a), nil
}

// Resolve closes an alert regardless of whether the condition cleared.
func (m *Manager) Resolve(id string) (*Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.findLocked(id)
	if a == nil {
		return nil, fmt.Errorf("%w: alert %s", types.ErrNotFound, id)
	}
	if a.Status == StatusResolved {
		return nil, fmt.Errorf("%w: alert %s is already resolved", types.ErrConflict, id)
	}
	m.resolveLocked(a, time.Now().UTC())
	return cloned(a), nil
}

// Run evaluates on a fixed interval until the context is cancelled. The
// source callback supplies a fresh stats sample per tick.
func (m *Manager) Run(ctx context.Context, interval time.Duration, source func() *types.SystemStats) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if stats := source(); stats != nil {
				m.Check(stats)
			}
		}
	}
}

func (m *Manager) findLocked(id string) *Alert {
	for _, a := range m.firing {
		if a.ID == id {
			return a
		}
	}
	for _, a := range m.resolved {
		if a.ID == id {
			return a
		}
	}
	return nil
}

func (m *Manager) resolveLocked(a *Alert, now time.Time) {
	delete(m.firing, a.Rule)
	a.Status = StatusResolved
	a.ResolvedAt = &now
	a.UpdatedAt = now
	m.resolved = append(m.resolved, a)
	if len(m.resolved) > retainedResolved {
		m.resolved = m.resolved[len(m.resolved)-retainedResolved:]
	}
}

func cloned(a *Alert) *Alert {
	c := *a
	return &c
}
