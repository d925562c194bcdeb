package anomaly

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/keyfort/keyfort/internal/audit"
)

// Alert is the advisory output of a detection rule. Alerts never act on
// records themselves; revocation always requires a separate explicit call.
type Alert struct {
	Rule         string    `json:"rule"`
	IdentityHash string    `json:"identity_hash"`
	Reason       string    `json:"reason"`
	Count        int       `json:"count"`
	DetectedAt   time.Time `json:"detected_at"`
	EventIDs     []string  `json:"event_ids,omitempty"`
}

// Rule examines a batch of recent audit events and emits zero or more
// alerts. Rules are independent: several may fire on the same events and
// the engine never deduplicates across them.
type Rule interface {
	Name() string
	Evaluate(events []audit.Event, now time.Time) []Alert
}

// FrequencyRule flags an identity whose operation count within the window
// exceeds the threshold.
type FrequencyRule struct {
	MaxOps int
	Window time.Duration
}

func (r FrequencyRule) Name() string { return "frequency" }

func (r FrequencyRule) Evaluate(events []audit.Event, now time.Time) []Alert {
	if r.MaxOps <= 0 || r.Window <= 0 {
		return nil
	}
	cutoff := now.Add(-r.Window)

	byIdentity := make(map[string][]audit.Event)
	for _, e := range events {
		ts, err := time.Parse(audit.TimestampFormat, e.Timestamp)
		if err != nil || ts.Before(cutoff) || e.IdentityHash == "" {
			continue
		}
		byIdentity[e.IdentityHash] = append(byIdentity[e.IdentityHash], e)
	}

	var alerts []Alert
	for hash, group := range byIdentity {
		if len(group) <= r.MaxOps {
			continue
		}
		alerts = append(alerts, Alert{
			Rule:         r.Name(),
			IdentityHash: hash,
			Reason: fmt.Sprintf("%d operations in %s window (threshold %d)",
				len(group), r.Window, r.MaxOps),
			Count:      len(group),
			DetectedAt: now,
			EventIDs:   eventIDs(group),
		})
	}
	sortAlerts(alerts)
	return alerts
}

// TemporalRule flags operations that occur outside the configured
// normal-activity window. Start and End are local wall-clock times in
// "15:04" form; a window crossing midnight (Start > End) is allowed.
type TemporalRule struct {
	Start string
	End   string
}

func (r TemporalRule) Name() string { return "temporal" }

func (r TemporalRule) Evaluate(events []audit.Event, now time.Time) []Alert {
	start, err1 := time.Parse("15:04", r.Start)
	end, err2 := time.Parse("15:04", r.End)
	if err1 != nil || err2 != nil {
		return nil
	}
	startMin := start.Hour()*60 + start.Minute()
	endMin := end.Hour()*60 + end.Minute()

	byIdentity := make(map[string][]audit.Event)
	for _, e := range events {
		ts, err := time.Parse(audit.TimestampFormat, e.Timestamp)
		if err != nil || e.IdentityHash == "" {
			continue
		}
		local := ts.Local()
		min := local.Hour()*60 + local.Minute()

		inWindow := false
		if startMin <= endMin {
			inWindow = min >= startMin && min <= endMin
		} else {
			inWindow = min >= startMin || min <= endMin
		}
		if !inWindow {
			byIdentity[e.IdentityHash] = append(byIdentity[e.IdentityHash], e)
		}
	}

	var alerts []Alert
	for hash, group := range byIdentity {
		alerts = append(alerts, Alert{
			Rule:         r.Name(),
			IdentityHash: hash,
			Reason: fmt.Sprintf("%d operation(s) outside activity window %s-%s",
				len(group), r.Start, r.End),
			Count:      len(group),
			DetectedAt: now,
			EventIDs:   eventIDs(group),
		})
	}
	sortAlerts(alerts)
	return alerts
}

// FailureClusterRule flags repeated permission-denied or not-found results
// for one identity within the window, suggestive of credential guessing.
type FailureClusterRule struct {
	MaxFailures int
	Window      time.Duration
}

func (r FailureClusterRule) Name() string { return "failure_cluster" }

func (r FailureClusterRule) Evaluate(events []audit.Event, now time.Time) []Alert {
	if r.MaxFailures <= 0 || r.Window <= 0 {
		return nil
	}
	cutoff := now.Add(-r.Window)

	byIdentity := make(map[string][]audit.Event)
	for _, e := range events {
		if e.Success || e.IdentityHash == "" || !isProbingFailure(e.Error) {
			continue
		}
		ts, err := time.Parse(audit.TimestampFormat, e.Timestamp)
		if err != nil || ts.Before(cutoff) {
			continue
		}
		byIdentity[e.IdentityHash] = append(byIdentity[e.IdentityHash], e)
	}

	var alerts []Alert
	for hash, group := range byIdentity {
		if len(group) < r.MaxFailures {
			continue
		}
		alerts = append(alerts, Alert{
			Rule:         r.Name(),
			IdentityHash: hash,
			Reason: fmt.Sprintf("%d denied/not-found results in %s window (threshold %d)",
				len(group), r.Window, r.MaxFailures),
			Count:      len(group),
			DetectedAt: now,
			EventIDs:   eventIDs(group),
		})
	}
	sortAlerts(alerts)
	return alerts
}

// isProbingFailure matches the error taxonomy strings for failures that
// suggest enumeration rather than infrastructure trouble. Unavailable and
// corrupted results are operational noise, not guessing.
func isProbingFailure(msg string) bool {
	return strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "secret not found")
}

func eventIDs(events []audit.Event) []string {
	ids := make([]string, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.EventID)
	}
	return ids
}

func sortAlerts(alerts []Alert) {
	sort.Slice(alerts, func(i, j int) bool {
		return alerts[i].IdentityHash < alerts[j].IdentityHash
	})
}
