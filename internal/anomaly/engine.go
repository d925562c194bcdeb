package anomaly

import (
	"context"
	"fmt"
	"time"

	"github.com/keyfort/keyfort/internal/audit"
)

const defaultLookback = time.Hour

// Engine runs detection rules over recent audit events. It is strictly
// advisory: evaluation reads the event index and produces alerts, nothing
// else. Acting on an alert is the caller's decision.
type Engine struct {
	store    *audit.Store
	rules    []Rule
	lookback time.Duration
}

// NewEngine builds an engine over the given event index. lookback bounds
// how far back Evaluate reads; <= 0 uses the default.
func NewEngine(store *audit.Store, rules []Rule, lookback time.Duration) *Engine {
	if lookback <= 0 {
		lookback = defaultLookback
	}
	return &Engine{store: store, rules: rules, lookback: lookback}
}

// Evaluate fetches events inside the lookback window and runs every rule
// over the same batch. Alerts from all rules are concatenated; duplicates
// across rules are intentional.
func (e *Engine) Evaluate(ctx context.Context) ([]Alert, error) {
	now := time.Now()
	events, err := e.store.Query(ctx, audit.Filter{Since: now.Add(-e.lookback)})
	if err != nil {
		return nil, fmt.Errorf("anomaly: query events: %w", err)
	}

	var alerts []Alert
	for _, r := range e.rules {
		alerts = append(alerts, r.Evaluate(events, now)...)
	}
	return alerts, nil
}
