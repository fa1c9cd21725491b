// Package lifecycle implements the order state machine: the declared
// transition table, per-order serialized mutation, fill accounting, and
// typed event emission.
package lifecycle

import "github.com/rcmckee/tradewire/internal/domain"

// Transition event labels.
const (
	LabelSubmit      = "submit"
	LabelAccept      = "accept"
	LabelPartialFill = "partial_fill"
	LabelFill        = "fill"
	LabelCancel      = "cancel"
	LabelReject      = "reject"
	LabelExpire      = "expire"
)

type transitionKey struct {
	from, to domain.OrderStatus
}

// declared is the complete legal transition set. Terminal states have no
// outgoing entries.
var declared = map[transitionKey]string{
	{domain.OrderStatusPending, domain.OrderStatusSubmitted}: LabelSubmit,
	{domain.OrderStatusPending, domain.OrderStatusRejected}:  LabelReject,
	{domain.OrderStatusPending, domain.OrderStatusCanceled}:  LabelCancel,

	{domain.OrderStatusSubmitted, domain.OrderStatusAccepted}: LabelAccept,
	{domain.OrderStatusSubmitted, domain.OrderStatusRejected}: LabelReject,
	{domain.OrderStatusSubmitted, domain.OrderStatusCanceled}: LabelCancel,

	{domain.OrderStatusAccepted, domain.OrderStatusPartiallyFilled}: LabelPartialFill,
	{domain.OrderStatusAccepted, domain.OrderStatusFilled}:          LabelFill,
	{domain.OrderStatusAccepted, domain.OrderStatusCanceled}:        LabelCancel,
	{domain.OrderStatusAccepted, domain.OrderStatusRejected}:        LabelReject,
	{domain.OrderStatusAccepted, domain.OrderStatusExpired}:         LabelExpire,

	{domain.OrderStatusPartiallyFilled, domain.OrderStatusPartiallyFilled}: LabelPartialFill,
	{domain.OrderStatusPartiallyFilled, domain.OrderStatusFilled}:          LabelFill,
	{domain.OrderStatusPartiallyFilled, domain.OrderStatusCanceled}:        LabelCancel,
	{domain.OrderStatusPartiallyFilled, domain.OrderStatusExpired}:         LabelExpire,
}

// Declared reports whether from→to is a legal transition and returns its
// event label.
func Declared(from, to domain.OrderStatus) (string, bool) {
	label, ok := declared[transitionKey{from, to}]
	return label, ok
}

// ValidTargets returns the states reachable from the given state.
func ValidTargets(from domain.OrderStatus) []domain.OrderStatus {
	var targets []domain.OrderStatus
	for k := range declared {
		if k.from == from {
			targets = append(targets, k.to)
		}
	}
	return targets
}

// ValidSequence reports whether every consecutive pair in states is declared.
// A state repeated in place is skipped rather than checked against the table.
func ValidSequence(states []domain.OrderStatus) bool {
	for i := 0; i+1 < len(states); i++ {
		if states[i] == states[i+1] {
			continue
		}
		if _, ok := Declared(states[i], states[i+1]); !ok {
			return false
		}
	}
	return true
}
