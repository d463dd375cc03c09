package models

import (
	dErrors "idlink/pkg/domain-errors"
)

// Fragment is the partial identity information submitted in one resolution
// request. Nil means the field was absent from the request, not empty.
type Fragment struct {
	Email       *string
	PhoneNumber *string
}

// Validate rejects fragments carrying no information at all. Shape validation
// (email syntax, phone digits) belongs to the transport layer; the resolver
// only defends against the empty fragment.
func (f Fragment) Validate() error {
	if f.Email == nil && f.PhoneNumber == nil {
		return dErrors.New(dErrors.CodeBadRequest, "at least one of email or phoneNumber is required")
	}
	return nil
}

// IdentifyRequest is the wire shape accepted by POST /identify.
type IdentifyRequest struct {
	Email       *string `json:"email"`
	PhoneNumber *string `json:"phoneNumber"`
}

// ConsolidatedView is the response projection for one resolved identity.
// Emails and phone numbers list the primary's values first, then secondaries
// in ascending creation order, duplicates removed. SecondaryContactIDs is
// sorted ascending.
type ConsolidatedView struct {
	PrimaryContactID    int64    `json:"primaryContactId"`
	Emails              []string `json:"emails"`
	PhoneNumbers        []string `json:"phoneNumbers"`
	SecondaryContactIDs []int64  `json:"secondaryContactIds"`
}

// IdentifyResponse wraps the consolidated view the way callers expect it.
type IdentifyResponse struct {
	Contact ConsolidatedView `json:"contact"`
}
