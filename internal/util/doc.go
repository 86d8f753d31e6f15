// Package util holds small helpers shared across packages: safe string
// truncation for logging token prefixes and URL normalization for issuer
// comparison.
package util
