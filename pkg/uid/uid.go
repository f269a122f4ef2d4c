// Package uid generates identifiers for requests, activity sessions and purchase receipts.
package uid

import "github.com/google/uuid"

// New generates a random identifier.
func New() string {
	return uuid.New().String()
}

// NewReceipt generates a time-ordered identifier, so receipts sort by the
// moment they were issued. Falls back to a random one if the clock source
// fails.
func NewReceipt() string {
	id, err := uuid.NewV7()
	if err != nil {
		return New()
	}
	return id.String()
}

// IsValid checks if a string is a valid UUID.
func IsValid(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
