// Package util holds small helpers shared across packages.
package util

import "strings"

// SafeTruncate returns at most maxLen leading characters of s. It is used to
// log prefixes of tokens and codes without exposing the full value.
// A negative maxLen yields an empty string.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL strips trailing slashes so issuer and endpoint URLs compare
// equal regardless of a trailing "/".
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}
