package notify

import (
	"context"
	"errors"
	"fmt"

	"qms/sector-queue/internal/metrics"
)

type namedPublisher struct {
	name      string
	publisher Publisher
}

// Fanout publishes each event to every registered transport. A failing
// transport does not stop delivery to the others.
type Fanout struct {
	publishers []namedPublisher
}

func NewFanout() *Fanout {
	return &Fanout{}
}

func (f *Fanout) Add(name string, publisher Publisher) {
	f.publishers = append(f.publishers, namedPublisher{name: name, publisher: publisher})
}

func (f *Fanout) Len() int {
	return len(f.publishers)
}

func (f *Fanout) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range f.publishers {
		if err := p.publisher.Publish(ctx, event); err != nil {
			metrics.PublishFailures.WithLabelValues(p.name).Inc()
			errs = append(errs, fmt.Errorf("%s: %w", p.name, err))
		}
	}
	return errors.Join(errs...)
}
