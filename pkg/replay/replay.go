// Package replay tracks consumed assertion IDs so that a captured response
// cannot be presented twice. Entries live until the assertion's own
// NotOnOrAfter instant; after that the assertion is rejected as expired
// before the replay check runs, so the entry no longer matters.
package replay

import (
	"context"
	"time"
)

// Cache records assertion IDs with first-accept semantics.
type Cache interface {
	// Remember records the assertion ID if it has not been seen before.
	// Returns true exactly once per ID across all concurrent callers;
	// every subsequent call returns false until the entry expires at
	// notOnOrAfter.
	Remember(ctx context.Context, assertionID string, notOnOrAfter time.Time) (bool, error)
}
