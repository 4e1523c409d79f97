package cid

import "github.com/google/uuid"

// New returns a random UUIDv4 formatted as 36 hyphenated hex characters.
func New() string {
	return uuid.NewString()
}
