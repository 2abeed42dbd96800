package leakage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/trustwire/trustwire/internal/alerts"
	"github.com/trustwire/trustwire/internal/events"
)

// AlerterName is the stable dead-letter retry name for the alerter.
const AlerterName = "leakage-alerter"

// Alerter raises operator alerts when a funnel reaches confirmation or
// leakage. Earlier stages are tracking state, not actionable findings.
type Alerter struct {
	alerts alerts.Store
	logger *slog.Logger
}

func NewAlerter(alertStore alerts.Store, logger *slog.Logger) *Alerter {
	return &Alerter{alerts: alertStore, logger: logger}
}

// Register attaches the alerter to the bus.
func (a *Alerter) Register(bus events.Bus) {
	bus.RegisterConsumer(events.Consumer{
		Name:       AlerterName,
		EventTypes: []events.EventType{events.LeakageStageAdvanced},
		Handler:    a.Handle,
	})
}

func (a *Alerter) Handle(ctx context.Context, ev *events.Envelope) error {
	stage := ev.String("new_stage")

	var severity alerts.Severity
	switch stage {
	case StageConfirmation:
		severity = alerts.SeverityHigh
	case StageLeakage:
		severity = alerts.SeverityCritical
	default:
		return nil
	}

	user, counterparty := ev.String("user_id"), ev.String("counterparty_id")
	alert := &alerts.Alert{
		AlertType: alerts.TypeLeakageConfirmed,
		Severity:  severity,
		Title:     fmt.Sprintf("off-platform leakage at stage %s for %s/%s", stage, user, counterparty),
		UserIDs:   []string{user, counterparty},
		Details: map[string]interface{}{
			"leakage_event_id":     ev.String("leakage_event_id"),
			"previous_stage":       ev.String("previous_stage"),
			"new_stage":            stage,
			"platform_destination": ev.String("platform_destination"),
		},
	}
	if err := a.alerts.Insert(ctx, alert); err != nil {
		return fmt.Errorf("insert leakage alert: %w", err)
	}
	a.logger.Warn("leakage alert raised",
		"alert_id", alert.ID, "stage", stage, "user_id", user, "counterparty_id", counterparty)
	return nil
}
