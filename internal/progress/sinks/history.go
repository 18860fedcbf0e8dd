package sinks

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/progress"
	"github.com/JakeFAU/crawl-scheduler/internal/store"
)

// HistorySink records adopted, skipped and final cycle events in a
// store.HistoryRepository.
type HistorySink struct {
	repo   store.HistoryRepository
	logger *zap.Logger
}

// NewHistorySink constructs a HistorySink for the provided repository.
func NewHistorySink(repo store.HistoryRepository, logger *zap.Logger) *HistorySink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistorySink{repo: repo, logger: logger}
}

// Consume writes one record per relevant event, stopping at the first
// repository error after attempting the rest of the batch.
func (s *HistorySink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		outcome, ok := outcomeFor(evt)
		if !ok {
			continue
		}
		rec := store.CycleRecord{
			CycleID:     evt.CycleID,
			TenantID:    evt.TenantID,
			WebsiteID:   evt.WebsiteID,
			WebsiteName: evt.WebsiteName,
			RunID:       evt.RunID,
			Outcome:     outcome,
			Status:      evt.Status,
			RecordedAt:  evt.TS,
			Error:       evt.Note,
		}
		if outcome == store.OutcomeComplete || outcome == store.OutcomeAdopted || outcome == store.OutcomeSkipped {
			rec.Error = ""
		}
		if err := s.repo.RecordCycle(ctx, rec); err != nil {
			s.logger.Warn("record cycle failed", zap.String("cycle_id", evt.CycleID), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func outcomeFor(evt progress.Event) (store.Outcome, bool) {
	switch evt.Stage {
	case progress.StageCycleAdopted:
		return store.OutcomeAdopted, true
	case progress.StageCycleSkipped:
		return store.OutcomeSkipped, true
	case progress.StageCycleDone:
		return store.OutcomeComplete, true
	case progress.StageCycleAbandoned:
		return store.OutcomeAbandoned, true
	case progress.StageTriggerFailed:
		return store.OutcomeTriggerFailed, true
	case progress.StageCycleError:
		return store.OutcomeFailed, true
	default:
		return "", false
	}
}

// Close implements the Sink interface; it performs no action.
func (s *HistorySink) Close(context.Context) error {
	return nil
}
