package identity

import (
	"regexp"
	"strings"
)

var addressPattern = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// NormalizeAddress trims and lowercases a 0x-prefixed 20-byte hex address.
// It reports false when value is not an address.
func NormalizeAddress(value string) (string, bool) {
	value = strings.TrimSpace(value)
	if !addressPattern.MatchString(value) {
		return "", false
	}
	return strings.ToLower(value), true
}

// SameAddress reports whether both values are addresses and equal after normalization.
func SameAddress(a, b string) bool {
	na, ok := NormalizeAddress(a)
	if !ok {
		return false
	}
	nb, ok := NormalizeAddress(b)
	return ok && na == nb
}
