package engine

import (
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Eligible reports whether an order can be matched right now: still
// pending, unassigned, and past its pickup time if one is set. It is a
// pure predicate evaluated lazily on every match attempt; there is no
// timer waking scheduled orders up, the next driver poll after the pickup
// time simply finds them eligible.
func Eligible(o models.Order, assigned bool, now time.Time) bool {
	if assigned {
		return false
	}
	if !o.Status.Pending() {
		return false
	}
	if o.PickupTime != nil && now.Before(*o.PickupTime) {
		return false
	}
	return true
}
