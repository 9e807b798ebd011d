// Package hostnames normalizes the network-address and name components
// the Control-Plane Client mirrors into the Topology Store. The teacher
// used the same IDNA/lower-case normalization to compare virtual-host
// patterns for its SNI router; a control-plane-sourced BackendInstance
// address or ClusterKey component needs the identical hygiene so two
// events naming the "same" host in different case or with a trailing dot
// don't produce two InstanceKeys.
package hostnames

import (
	"strings"

	"golang.org/x/net/idna"
)

// Normalize converts a hostname or address host part to its canonical
// ASCII lower-case form: trims spaces, drops a trailing dot, applies
// IDNA Lookup ToASCII mapping, and lower-cases the result. Falls back to
// the trimmed input unchanged if IDNA mapping fails, since a malformed
// label should not make an otherwise-valid instance address unusable.
func Normalize(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}
	host = strings.TrimSuffix(host, ".")
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil || ascii == "" {
		ascii = host
	}
	return strings.ToLower(ascii)
}

// NormalizeAddress normalizes just the host part of a "host:port" or
// bare-host address, leaving a trailing ":port" untouched.
func NormalizeAddress(address string) string {
	host, port, ok := strings.Cut(address, ":")
	if !ok {
		return Normalize(address)
	}
	return Normalize(host) + ":" + port
}
