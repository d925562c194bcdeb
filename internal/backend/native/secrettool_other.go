//go:build !linux

package native

// Platform returns nil on hosts without a supported secret service; the
// native adapter then probes as unavailable and detection skips it.
func Platform() PlatformStore { return nil }
