package sinks

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
	"github.com/JakeFAU/crawl-scheduler/internal/progress"
)

// Notification is the message published when a crawl cycle ends.
type Notification struct {
	CycleID     string         `json:"cycle_id"`
	TenantID    string         `json:"tenant_id"`
	WebsiteID   string         `json:"website_id"`
	WebsiteName string         `json:"website_name,omitempty"`
	RunID       string         `json:"run_id,omitempty"`
	Stage       progress.Stage `json:"stage"`
	Status      crawler.Status `json:"status"`
	Error       string         `json:"error,omitempty"`
	FinishedAt  time.Time      `json:"finished_at"`
	DurationSec float64        `json:"duration_seconds"`
}

// Attributes exposes routing attributes for Pub/Sub subscribers.
func (n Notification) Attributes() map[string]string {
	return map[string]string{
		"tenant_id": n.TenantID,
		"status":    string(n.Status),
	}
}

// PublisherSink publishes a Notification for every final cycle event other
// than skips.
type PublisherSink struct {
	pub    crawler.Publisher
	topic  string
	logger *zap.Logger
}

// NewPublisherSink constructs a PublisherSink publishing to topic.
func NewPublisherSink(pub crawler.Publisher, topic string, logger *zap.Logger) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{pub: pub, topic: topic, logger: logger}
}

// Consume publishes one notification per final event.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.pub == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if !evt.Stage.Final() || evt.Stage == progress.StageCycleSkipped {
			continue
		}
		n := Notification{
			CycleID:     evt.CycleID,
			TenantID:    evt.TenantID,
			WebsiteID:   evt.WebsiteID,
			WebsiteName: evt.WebsiteName,
			RunID:       evt.RunID,
			Stage:       evt.Stage,
			Status:      evt.Status,
			Error:       evt.Note,
			FinishedAt:  evt.TS,
			DurationSec: evt.Dur.Seconds(),
		}
		id, err := s.pub.Publish(ctx, s.topic, n)
		if err != nil {
			s.logger.Warn("publish cycle notification failed", zap.String("cycle_id", evt.CycleID), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		s.logger.Debug("published cycle notification", zap.String("cycle_id", evt.CycleID), zap.String("message_id", id))
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; the publisher is closed by its owner.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
