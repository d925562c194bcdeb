package keyfort

import "errors"

// Identity names a credential without exposing its value.
type Identity struct {
	Service string `json:"service"`
	Account string `json:"account"`
}

// Sentinel errors mapping the gateway's response statuses.
var (
	// ErrDenied means the consent gate declined the release.
	ErrDenied = errors.New("keyfort: consent denied")

	// ErrNotFound means no backend holds the credential.
	ErrNotFound = errors.New("keyfort: secret not found")

	// ErrRevoked means the credential was emergency-revoked and no
	// replacement has been issued.
	ErrRevoked = errors.New("keyfort: secret revoked")
)

// wire protocol, matching the gateway's newline-JSON framing
type request struct {
	Operation string `json:"operation"`
	Service   string `json:"service,omitempty"`
	Account   string `json:"account,omitempty"`
}

type response struct {
	Status     string     `json:"status"`
	Value      string     `json:"value,omitempty"`
	Identities []Identity `json:"identities,omitempty"`
	Error      string     `json:"error,omitempty"`
}

const (
	statusOK       = "ok"
	statusDenied   = "denied"
	statusNotFound = "not_found"
	statusRevoked  = "revoked"
)
