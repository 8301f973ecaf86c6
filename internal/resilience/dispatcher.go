package resilience

import (
	"context"

	"github.com/memovoz/memovoz/internal/conversation"
	"github.com/memovoz/memovoz/internal/dispatch"
)

// backend is the slice of the dispatch client the breaker wraps.
type backend interface {
	Send(ctx context.Context, message string, history []conversation.Message) (dispatch.Result, error)
	SaveConversation(ctx context.Context, messages []conversation.Message) error
}

// BreakerDispatcher wraps the backend client in a single circuit breaker
// shared by both operations: when the backend is down for dispatches it is
// down for saves too. While the circuit is open, calls fail immediately
// with [ErrCircuitOpen] and the session controller's failure backoff takes
// it from there.
type BreakerDispatcher struct {
	next    backend
	breaker *CircuitBreaker
}

// NewBreakerDispatcher wraps next with a circuit breaker.
func NewBreakerDispatcher(next backend, cfg CircuitBreakerConfig) *BreakerDispatcher {
	if cfg.Name == "" {
		cfg.Name = "backend"
	}
	return &BreakerDispatcher{
		next:    next,
		breaker: NewCircuitBreaker(cfg),
	}
}

// Send dispatches through the breaker.
func (d *BreakerDispatcher) Send(ctx context.Context, message string, history []conversation.Message) (dispatch.Result, error) {
	var res dispatch.Result
	err := d.breaker.Execute(func() error {
		var innerErr error
		res, innerErr = d.next.Send(ctx, message, history)
		return innerErr
	})
	if err != nil {
		return dispatch.Result{}, err
	}
	return res, nil
}

// SaveConversation persists through the breaker.
func (d *BreakerDispatcher) SaveConversation(ctx context.Context, messages []conversation.Message) error {
	return d.breaker.Execute(func() error {
		return d.next.SaveConversation(ctx, messages)
	})
}

// State exposes the breaker state for readiness reporting.
func (d *BreakerDispatcher) State() State {
	return d.breaker.State()
}
