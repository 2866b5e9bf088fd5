package events

import "context"

// Pending is a single-slot handle for the widget's asynchronous result.
// It resolves at most once.
type Pending struct {
	ch chan Payload
}

func newPending() *Pending {
	return &Pending{ch: make(chan Payload, 1)}
}

func (p *Pending) resolve(payload Payload) bool {
	select {
	case p.ch <- payload:
		return true
	default:
		return false
	}
}

// Await blocks until the handle is resolved or ctx is done.
func (p *Pending) Await(ctx context.Context) (Payload, error) {
	select {
	case payload := <-p.ch:
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
