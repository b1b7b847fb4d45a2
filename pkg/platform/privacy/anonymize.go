// Package privacy reduces identifying values to forms that are safe to log.
package privacy

import (
	"net/netip"
)

// AnonymizeIP truncates an address to its network: /24 for IPv4, /48 for IPv6.
// Returns "unknown" for empty input and "invalid" for unparseable input.
func AnonymizeIP(ip string) string {
	if ip == "" || ip == "unknown" {
		return "unknown"
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "invalid"
	}
	addr = addr.Unmap()
	bits := 48
	if addr.Is4() {
		bits = 24
	}
	prefix, err := addr.Prefix(bits)
	if err != nil {
		return "invalid"
	}
	return prefix.Addr().String()
}

// RedactFingerprint keeps the first 8 hex characters of an identity fingerprint,
// enough to correlate log lines without reproducing the ledger anchor.
func RedactFingerprint(fp string) string {
	if len(fp) <= 8 {
		return fp
	}
	return fp[:8] + "…"
}

// RedactAddress shortens a ledger address to its first and last 4 characters.
func RedactAddress(addr string) string {
	if len(addr) <= 10 {
		return addr
	}
	return addr[:4] + "…" + addr[len(addr)-4:]
}
