package util

import (
	"net"
	"strings"
)

// TrimInput strips surrounding whitespace from a request field.
// Addresses are compared byte-for-byte by the ledger, so nothing else is normalized.
func TrimInput(s string) string {
	return strings.TrimSpace(s)
}

// ClientIP extracts the host part of a RemoteAddr. Values without a port are returned unchanged.
func ClientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return strings.TrimSpace(remoteAddr)
	}
	return host
}
