package ids

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// New returns a ULID string. IDs created by one process sort by creation
// time, including IDs minted within the same millisecond.
func New() string {
	return ulid.Make().String()
}

// Valid reports whether s is a canonical ULID.
func Valid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}

// Time returns the creation time encoded in id.
func Time(id string) (time.Time, bool) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(u.Time()), true
}
