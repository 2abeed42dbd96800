// Package alerts is the escalation surface: detectors raise alerts, each
// with a severity-derived SLA deadline, and operators resolve them. Cluster
// alerts carry a membership hash used to suppress duplicates for the same
// group of users.
package alerts

import (
	"context"
	"time"
)

// Alert types raised by the detectors.
const (
	TypeFraudCluster      = "FRAUD_CLUSTER"
	TypeLeakageConfirmed  = "LEAKAGE_CONFIRMED"
	TypeScoreCritical     = "SCORE_CRITICAL"
	TypeAnomalousActivity = "ANOMALOUS_ACTIVITY"
	TypeDLQExhausted      = "DLQ_EXHAUSTED"
)

// Severity orders alerts for triage. Each severity carries an SLA: the
// wall-clock budget before the alert counts as breached.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// slaBudgets maps severity to the response-time budget.
var slaBudgets = map[Severity]time.Duration{
	SeverityCritical: time.Hour,
	SeverityHigh:     4 * time.Hour,
	SeverityMedium:   24 * time.Hour,
	SeverityLow:      72 * time.Hour,
}

// SLADeadline returns the response deadline for an alert created at the
// given time. Unknown severities get the low budget.
func SLADeadline(sev Severity, createdAt time.Time) time.Time {
	budget, ok := slaBudgets[sev]
	if !ok {
		budget = slaBudgets[SeverityLow]
	}
	return createdAt.Add(budget)
}

// Rank orders severities for escalation comparisons.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// Alert statuses.
const (
	StatusOpen     = "open"
	StatusResolved = "resolved"
)

// Alert is one actionable finding.
type Alert struct {
	ID          string                 `json:"id"`
	AlertType   string                 `json:"alert_type"`
	Severity    Severity               `json:"severity"`
	Title       string                 `json:"title"`
	Details     map[string]interface{} `json:"details"`
	UserIDs     []string               `json:"user_ids"`
	ClusterHash string                 `json:"cluster_hash,omitempty"`
	Status      string                 `json:"status"`
	SLADeadline time.Time              `json:"sla_deadline"`
	CreatedAt   time.Time              `json:"created_at"`
	ResolvedAt  *time.Time             `json:"resolved_at,omitempty"`
}

// Breached reports whether the alert is open past its SLA deadline.
func (a *Alert) Breached(now time.Time) bool {
	return a.Status == StatusOpen && now.After(a.SLADeadline)
}

// Store persists alerts.
type Store interface {
	// Insert creates an open alert, filling ID, Status, CreatedAt, and
	// SLADeadline when unset.
	Insert(ctx context.Context, a *Alert) error

	// HasRecentClusterAlert reports whether an alert with the given
	// cluster hash was created since the cutoff. Used to suppress
	// re-alerting on an unchanged cluster.
	HasRecentClusterAlert(ctx context.Context, clusterHash string, since time.Time) (bool, error)

	// Open returns open alerts, newest first, up to limit.
	Open(ctx context.Context, limit int) ([]*Alert, error)

	// Resolve closes an alert. Resolving an unknown or already resolved
	// alert is an error.
	Resolve(ctx context.Context, id string, at time.Time) error

	// Escalate raises an open alert's severity and tightens its SLA
	// deadline accordingly. Lowering severity is a no-op.
	Escalate(ctx context.Context, id string, to Severity) error
}
