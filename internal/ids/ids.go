package ids

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// New returns a lexicographically sortable identifier suitable for storage keys.
// ulid.Make draws from a process-wide monotonic source and is goroutine-safe.
func New() string {
	return ulid.Make().String()
}

// Valid reports whether s has the shape of an identifier produced by New.
func Valid(s string) bool {
	_, err := ulid.ParseStrict(strings.ToUpper(strings.TrimSpace(s)))
	return err == nil
}
