package handler

import (
	"strings"

	"idlink/internal/contact/models"
	dErrors "idlink/pkg/domain-errors"
	"idlink/pkg/email"
)

// sanitizeRequest normalizes and validates fragment syntax so the resolver
// only ever sees well-formed, canonical values. Empty strings are treated the
// same as absent fields.
func sanitizeRequest(req models.IdentifyRequest) (models.Fragment, error) {
	var fragment models.Fragment

	if req.Email != nil {
		normalized := email.Normalize(*req.Email)
		if normalized != "" {
			if !email.Valid(normalized) {
				return fragment, dErrors.New(dErrors.CodeBadRequest, "invalid email address")
			}
			fragment.Email = &normalized
		}
	}

	if req.PhoneNumber != nil {
		normalized := normalizePhone(*req.PhoneNumber)
		if normalized != "" {
			if !validPhone(normalized) {
				return fragment, dErrors.New(dErrors.CodeBadRequest, "invalid phone number")
			}
			fragment.PhoneNumber = &normalized
		}
	}

	if fragment.Email == nil && fragment.PhoneNumber == nil {
		return fragment, dErrors.New(dErrors.CodeBadRequest, "at least one of email or phoneNumber is required")
	}
	return fragment, nil
}

// normalizePhone strips the formatting characters people paste in. Digits and
// a leading plus survive; matching happens on this canonical form.
func normalizePhone(s string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(s) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
			// formatting only
		default:
			// Preserve the junk so validation rejects it.
			b.WriteRune(r)
		}
	}
	return b.String()
}

func validPhone(s string) bool {
	digits := strings.TrimPrefix(s, "+")
	if len(digits) < 4 || len(digits) > 15 {
		return false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
