package model

import "github.com/oklog/ulid/v2"

// NewID generates a new ULID string. Entries and runs are identified this way
// so that journal rows sort in creation order.
func NewID() string {
	return ulid.Make().String()
}
