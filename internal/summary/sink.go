package summary

import (
	"context"

	"github.com/JakeFAU/crawl-scheduler/internal/progress"
)

// Sink requests an automatic summary whenever a batch ends a cycle with a
// terminal status. The aggregator's cool-down suppresses bursts.
type Sink struct {
	agg *Aggregator
}

// NewSink wires an Aggregator to the progress hub.
func NewSink(agg *Aggregator) *Sink {
	return &Sink{agg: agg}
}

// Consume implements progress.Sink.
func (s *Sink) Consume(ctx context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageCycleDone, progress.StageCycleError, progress.StageTriggerFailed:
			s.agg.Generate(ctx, false)
			return nil
		}
	}
	return nil
}

// Close implements progress.Sink.
func (s *Sink) Close(context.Context) error {
	return nil
}
