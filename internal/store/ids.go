package store

import "github.com/google/uuid"

// newID generates a fresh identifier for rows created inside the store
// (currently only the get-or-create run path).
func newID() string {
	return uuid.New().String()
}
