// Package keyfort is the Go client for a running keyfort gateway. It
// speaks the newline-delimited JSON protocol over the gateway's unix
// socket, so every retrieval passes the daemon's ownership check and
// consent gate.
//
// Usage:
//
//	kf, err := keyfort.New(keyfort.WithSocketPath("/run/keyfort/gateway.sock"))
//	value, err := kf.Get(ctx, "github", "ci-bot")
//	if errors.Is(err, keyfort.ErrDenied) {
//	    // the user declined the consent request
//	}
//
// The Transport helper injects a stored credential into outgoing HTTP
// requests so application code never touches the raw value:
//
//	client := &http.Client{Transport: kf.Transport("github", "ci-bot")}
package keyfort
