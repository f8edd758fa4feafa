package webhook

import (
	"fmt"
	"strings"
)

// FieldError names a required field that is missing or malformed.
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// ValidationErrors collects every problem found in one content document.
type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for _, fe := range v {
		parts = append(parts, fe.Error())
	}
	return "webhook: invalid content: " + strings.Join(parts, "; ")
}

// HasContactAnchor reports whether the contact can be resolved at all.
func (c *ContactRef) HasContactAnchor() bool {
	if c == nil {
		return false
	}
	return nonEmpty(c.ID) || nonEmpty(c.PhoneNumber)
}

// Validate checks the fields the normalizer requires on a chat document.
func (c *ChatContent) Validate() error {
	var errs ValidationErrors
	if strings.TrimSpace(c.ID) == "" {
		errs = append(errs, FieldError{Field: "Content.Id", Reason: "required"})
	}
	if !c.Contact.HasContactAnchor() {
		errs = append(errs, FieldError{Field: "Content.Contact", Reason: "Id or PhoneNumber required"})
	}
	for i, m := range c.AllMessages() {
		if strings.TrimSpace(m.ID) == "" {
			errs = append(errs, FieldError{Field: fmt.Sprintf("Messages[%d].Id", i), Reason: "required"})
		}
		if m.EventAtUTC == nil || m.EventAtUTC.IsZero() {
			if m.CreatedAtUTC == nil || m.CreatedAtUTC.IsZero() {
				errs = append(errs, FieldError{Field: fmt.Sprintf("Messages[%d].EventAtUTC", i), Reason: "required"})
			}
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Validate checks a contact-only document.
func (c *ContactContent) Validate() error {
	if !c.ContactRef.HasContactAnchor() {
		return ValidationErrors{{Field: "Content", Reason: "Id or PhoneNumber required"}}
	}
	return nil
}

// EventAt returns the authoritative source timestamp, falling back to the
// creation time when EventAtUTC is absent.
func (m MessageModel) EventAt() Time {
	if m.EventAtUTC != nil && !m.EventAtUTC.IsZero() {
		return *m.EventAtUTC
	}
	if m.CreatedAtUTC != nil {
		return *m.CreatedAtUTC
	}
	return Time{}
}

func nonEmpty(s *string) bool {
	return s != nil && strings.TrimSpace(*s) != ""
}
