package models

type OrderStatus string

const (
	StatusNew        OrderStatus = "new"
	StatusProcessing OrderStatus = "processing"
	StatusAccepted   OrderStatus = "accepted"
	StatusInProgress OrderStatus = "in_progress"
	StatusCompleted  OrderStatus = "completed"
	StatusCanceled   OrderStatus = "canceled"
)

func (s OrderStatus) String() string { return string(s) }

// Terminal statuses admit no further transition or assignment.
func (s OrderStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCanceled
}

// Pending statuses are eligible for matching. "processing" is a transient
// marker meaning an assignment search is in flight; observers may see
// either it or "new" while an order waits for a driver.
func (s OrderStatus) Pending() bool {
	return s == StatusNew || s == StatusProcessing
}

// allowedTransitions encodes the order state flow. The new<->processing
// flip-flop is internal to the engine; everything else is client-driven.
// Completion is reachable from every non-terminal status: rider apps
// finish short rides without ever reporting accepted or in_progress.
var allowedTransitions = map[OrderStatus][]OrderStatus{
	StatusNew:        {StatusProcessing, StatusAccepted, StatusCompleted, StatusCanceled},
	StatusProcessing: {StatusNew, StatusAccepted, StatusCompleted, StatusCanceled},
	StatusAccepted:   {StatusInProgress, StatusCompleted, StatusCanceled},
	StatusInProgress: {StatusCompleted, StatusCanceled},
}

func CanTransition(from, to OrderStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionSources lists every status from which "to" is reachable. The
// engine derives its compare-and-swap from-sets here, so the transition
// table stays the single encoding of the state machine.
func TransitionSources(to OrderStatus) []OrderStatus {
	var out []OrderStatus
	for from, tos := range allowedTransitions {
		for _, t := range tos {
			if t == to {
				out = append(out, from)
				break
			}
		}
	}
	return out
}

// ParseOrderStatus validates a client-supplied status string.
func ParseOrderStatus(s string) (OrderStatus, bool) {
	switch OrderStatus(s) {
	case StatusNew, StatusProcessing, StatusAccepted, StatusInProgress, StatusCompleted, StatusCanceled:
		return OrderStatus(s), true
	}
	return "", false
}
