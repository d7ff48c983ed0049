package domain

import "fmt"

// Event is a lifecycle trigger applied to an order.
type Event string

const (
	EventDeductStarted   Event = "deduct_started"
	EventDeductCommitted Event = "deduct_committed"
	EventFulfilled       Event = "fulfilled"
	EventFailed          Event = "failed"
	EventCancelled       Event = "cancelled"
)

type transitionKey struct {
	from  Status
	event Event
}

// transitions is the single source of truth for the order lifecycle.
// Handlers never encode "next valid states" themselves; they ask Next.
var transitions = map[transitionKey]Status{
	{StatusCreated, EventDeductStarted}:          StatusStockDeducting,
	{StatusStockDeducting, EventDeductCommitted}: StatusStockDeducted,
	{StatusStockDeducted, EventFulfilled}:        StatusCompleted,
	{StatusCreated, EventCancelled}:              StatusCancelled,

	{StatusCreated, EventFailed}:        StatusFailed,
	{StatusStockDeducting, EventFailed}: StatusFailed,
	{StatusStockDeducted, EventFailed}:  StatusFailed,
}

// Next resolves the transition table. An unknown (state, event) pair is a
// data inconsistency: the event is rejected, never partially applied.
func Next(from Status, event Event) (Status, error) {
	next, ok := transitions[transitionKey{from: from, event: event}]
	if !ok {
		return "", fmt.Errorf("%w: no transition from %q on %q", ErrDataInconsistency, from, event)
	}
	return next, nil
}

// EventForStatus maps an externally reported target status onto the
// lifecycle event that would produce it.
func EventForStatus(target Status) (Event, error) {
	switch target {
	case StatusStockDeducting:
		return EventDeductStarted, nil
	case StatusStockDeducted:
		return EventDeductCommitted, nil
	case StatusCompleted:
		return EventFulfilled, nil
	case StatusFailed:
		return EventFailed, nil
	case StatusCancelled:
		return EventCancelled, nil
	default:
		return "", fmt.Errorf("%w: unknown target status %q", ErrDataInconsistency, target)
	}
}
