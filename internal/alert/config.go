package alert

// AlertConfig defines a webhook alert destination.
type AlertConfig struct {
	URL     string            `yaml:"url"     json:"url"`
	Format  string            `yaml:"format"  json:"format"` // "generic", "slack", "pagerduty"
	Events  []string          `yaml:"events"  json:"events"` // ["anomaly", "revocation", "frequency", ...]
	Headers map[string]string `yaml:"headers" json:"headers"`
}

// AlertEvent is the payload sent to webhook endpoints. Only the identity
// hash ever leaves the process; raw service/account pairs and secret
// values are never part of an alert.
type AlertEvent struct {
	Timestamp    string `json:"timestamp"`
	Type         string `json:"type"` // "anomaly" or "revocation"
	Rule         string `json:"rule,omitempty"`
	IdentityHash string `json:"identity_hash,omitempty"`
	Reason       string `json:"reason"`
	Count        int    `json:"count,omitempty"`
	ConfigHash   string `json:"config_hash,omitempty"`
}
