package statemachine

import (
	"errors"
	"fmt"

	"github.com/smallbiznis/payflow/internal/payment/domain"
)

var ErrInvalidTransition = errors.New("invalid_transition")

// TransitionError names the rejected edge.
type TransitionError struct {
	From domain.Status
	To   domain.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s", ErrInvalidTransition, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

var graph = map[domain.Status][]domain.Status{
	domain.StatusPending:           {domain.StatusProcessing, domain.StatusFailed, domain.StatusCancelled, domain.StatusHeld},
	domain.StatusProcessing:        {domain.StatusAuthorized, domain.StatusCompleted, domain.StatusFailed, domain.StatusCancelled, domain.StatusHeld},
	domain.StatusAuthorized:        {domain.StatusCompleted, domain.StatusFailed, domain.StatusCancelled},
	domain.StatusHeld:              {domain.StatusPending, domain.StatusCancelled},
	domain.StatusCompleted:         {domain.StatusPartiallyRefunded, domain.StatusRefunded, domain.StatusRefundFailed},
	domain.StatusPartiallyRefunded: {domain.StatusRefunded},
	domain.StatusRefundFailed:      {domain.StatusPartiallyRefunded, domain.StatusRefunded},
	domain.StatusFailed:            nil,
	domain.StatusCancelled:         nil,
	domain.StatusRefunded:          nil,
}

// Statuses lists every known status.
func Statuses() []domain.Status {
	return []domain.Status{
		domain.StatusPending,
		domain.StatusProcessing,
		domain.StatusAuthorized,
		domain.StatusHeld,
		domain.StatusCompleted,
		domain.StatusFailed,
		domain.StatusCancelled,
		domain.StatusPartiallyRefunded,
		domain.StatusRefunded,
		domain.StatusRefundFailed,
	}
}

func Known(status domain.Status) bool {
	_, ok := graph[status]
	return ok
}

func CanTransitionTo(current, target domain.Status) bool {
	for _, next := range graph[current] {
		if next == target {
			return true
		}
	}
	return false
}

// IsTerminal reports absorbing statuses.
func IsTerminal(status domain.Status) bool {
	next, ok := graph[status]
	return ok && len(next) == 0
}

func IsRefundable(status domain.Status) bool {
	switch status {
	case domain.StatusCompleted, domain.StatusPartiallyRefunded, domain.StatusRefundFailed:
		return true
	}
	return false
}

// IsSettled reports whether the money has moved, i.e. the payment reached
// completed at some point.
func IsSettled(status domain.Status) bool {
	return IsRefundable(status) || status == domain.StatusRefunded
}

// Route returns the shortest legal path from current to target, excluding
// current. The same status yields an empty route. A route never passes
// through held: a freeze is only entered as the target and only left from
// the start, so no route leads back to pending from a later status.
func Route(current, target domain.Status) ([]domain.Status, error) {
	if !Known(current) || !Known(target) {
		return nil, &TransitionError{From: current, To: target}
	}
	if current == target {
		return nil, nil
	}

	prev := map[domain.Status]domain.Status{current: current}
	queue := []domain.Status{current}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, next := range graph[node] {
			if _, seen := prev[next]; seen {
				continue
			}
			prev[next] = node
			if next == target {
				return unwind(prev, current, target), nil
			}
			if next == domain.StatusHeld {
				continue
			}
			queue = append(queue, next)
		}
	}
	return nil, &TransitionError{From: current, To: target}
}

func unwind(prev map[domain.Status]domain.Status, from, to domain.Status) []domain.Status {
	var path []domain.Status
	for node := to; node != from; node = prev[node] {
		path = append([]domain.Status{node}, path...)
	}
	return path
}
