// Package id generates observation identifiers.
//
// IDs are UUIDv7: they sort by creation time, so records from one run can be
// ordered by ID alone.
package id

import "github.com/google/uuid"

// New returns a new time-ordered identifier.
func New() string {
	u, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return u.String()
}
