package transport

import "strings"

const schemeSep = "://"

// Scheme returns the scheme of address, or "" for a bare host:port.
func Scheme(address string) string {
	i := strings.Index(address, schemeSep)
	if i <= 0 {
		return ""
	}
	return address[:i]
}

// HasScheme reports whether address starts with scheme://.
func HasScheme(address, scheme string) bool {
	return strings.HasPrefix(address, scheme+schemeSep)
}

// StripScheme removes a leading scheme:// if present.
func StripScheme(address, scheme string) string {
	return strings.TrimPrefix(address, scheme+schemeSep)
}

// WithScheme joins scheme and a bare address.
func WithScheme(scheme, address string) string {
	return scheme + schemeSep + address
}
