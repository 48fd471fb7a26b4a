// Package uuid names uploads and process instances.
package uuid

import (
	"github.com/google/uuid"
)

// NewString returns a new time-ordered (V7) UUID string, so upload
// directories sort by creation time. It panics if the random source fails.
func NewString() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Valid reports whether s is a uuid in its canonical string form. Upload
// ids arrive in request paths and are checked before they name a
// directory.
func Valid(s string) bool {
	u, err := uuid.Parse(s)
	return err == nil && u.String() == s
}
