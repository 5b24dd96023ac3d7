// Package idgen hands out opaque, globally-unique identifiers for orders,
// trades, order events and idempotency records. Lexical order carries no
// meaning; only collision-freedom matters (spec.md §4.7).
package idgen

import "github.com/google/uuid"

// New returns a fresh globally-unique identifier.
func New() string {
	return uuid.New().String()
}
