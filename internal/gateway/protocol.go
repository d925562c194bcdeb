package gateway

// The gateway speaks newline-delimited JSON: one Request line in, one
// Response line out. Secret values only ever appear in a Response with
// Status "ok" after the consent gate has passed.

// Request is one operation from a peer.
type Request struct {
	Operation string `json:"operation"` // "get" or "list"
	Service   string `json:"service,omitempty"`
	Account   string `json:"account,omitempty"`
}

// Response statuses. A denial is distinguishable from not-found by
// status, but the two take the same time to produce.
const (
	StatusOK       = "ok"
	StatusDenied   = "denied"
	StatusNotFound = "not_found"
	StatusRevoked  = "revoked"
	StatusError    = "error"
)

// IdentityRef names one stored identity in a list response.
type IdentityRef struct {
	Service string `json:"service"`
	Account string `json:"account"`
}

// Response is the reply to one Request.
type Response struct {
	Status     string        `json:"status"`
	Value      string        `json:"value,omitempty"`
	Identities []IdentityRef `json:"identities,omitempty"`
	Error      string        `json:"error,omitempty"`
}
