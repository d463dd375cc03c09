// Package email provides the syntax checks and normalization applied to
// contact fragments before they reach the resolver.
package email

import (
	"net/mail"
	"strings"
)

// Normalize lowercases and trims an email address so lookups are
// case-insensitive. Matching happens on the normalized form only.
func Normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// Valid reports whether the address parses as a bare RFC 5322 address.
// Display names ("A <a@x.com>") are rejected; callers submit plain addresses.
func Valid(address string) bool {
	parsed, err := mail.ParseAddress(address)
	if err != nil {
		return false
	}
	return parsed.Address == address
}
