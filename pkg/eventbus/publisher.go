package eventbus

import (
	"context"
	"errors"
)

// Publisher delivers outcomes to downstream consumers.
// Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, outcome *Outcome) error
	Close() error
}

// NopPublisher discards every outcome
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, *Outcome) error { return nil }
func (NopPublisher) Close() error                            { return nil }

// MultiPublisher fans an outcome out to several publishers
type MultiPublisher struct {
	publishers []Publisher
}

// NewMultiPublisher creates a fan-out publisher. Nil entries are skipped.
func NewMultiPublisher(publishers ...Publisher) *MultiPublisher {
	m := &MultiPublisher{}
	for _, p := range publishers {
		if p != nil {
			m.publishers = append(m.publishers, p)
		}
	}
	return m
}

// Add appends a publisher. It is not safe to call concurrently with Publish.
func (m *MultiPublisher) Add(p Publisher) {
	if p != nil {
		m.publishers = append(m.publishers, p)
	}
}

// Len returns the number of wrapped publishers
func (m *MultiPublisher) Len() int {
	return len(m.publishers)
}

// Publish delivers to every publisher and joins their errors
func (m *MultiPublisher) Publish(ctx context.Context, outcome *Outcome) error {
	var errs []error
	for _, p := range m.publishers {
		if err := p.Publish(ctx, outcome); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every publisher and joins their errors
func (m *MultiPublisher) Close() error {
	var errs []error
	for _, p := range m.publishers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ Publisher = NopPublisher{}
	_ Publisher = (*MultiPublisher)(nil)
)
