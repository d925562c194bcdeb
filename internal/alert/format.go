package alert

import (
	"encoding/json"
	"fmt"
)

// FormatPayload builds the webhook body for the given format.
func FormatPayload(format string, event AlertEvent) ([]byte, error) {
	switch format {
	case "slack":
		return formatSlack(event)
	case "pagerduty":
		return formatPagerDuty(event)
	default:
		return formatGeneric(event)
	}
}

func formatGeneric(event AlertEvent) ([]byte, error) {
	return json.Marshal(event)
}

func formatSlack(event AlertEvent) ([]byte, error) {
	payload := map[string]any{
		"blocks": []any{
			map[string]any{
				"type": "header",
				"text": map[string]any{
					"type": "plain_text",
					"text": fmt.Sprintf("keyfort: %s", event.Type),
				},
			},
			map[string]any{
				"type": "section",
				"fields": []any{
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Rule:* %s", event.Rule)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Identity:* %s", event.IdentityHash)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Count:* %d", event.Count)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Reason:* %s", event.Reason)},
				},
			},
		},
	}
	return json.Marshal(payload)
}

func formatPagerDuty(event AlertEvent) ([]byte, error) {
	payload := map[string]any{
		"event_action": "trigger",
		"payload": map[string]any{
			"summary":  fmt.Sprintf("keyfort %s: %s", event.Type, event.Reason),
			"severity": severityFor(event),
			"source":   "keyfort",
			"custom_details": map[string]any{
				"rule":          event.Rule,
				"identity_hash": event.IdentityHash,
				"count":         event.Count,
				"reason":        event.Reason,
			},
		},
	}
	return json.Marshal(payload)
}

func severityFor(event AlertEvent) string {
	if event.Type == "revocation" {
		return "critical"
	}
	switch event.Rule {
	case "failure_cluster":
		return "error"
	case "frequency":
		return "warning"
	default:
		return "info"
	}
}
