package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
)

// Stage denotes the crawl-cycle milestone represented by an Event.
type Stage string

// Supported cycle stages.
const (
	StageCycleStart     Stage = "CYCLE_START"
	StageCycleAdopted   Stage = "CYCLE_ADOPTED"
	StageCycleSkipped   Stage = "CYCLE_SKIPPED"
	StageCycleTriggered Stage = "CYCLE_TRIGGERED"
	StageCycleQueued    Stage = "CYCLE_QUEUED"
	StageCyclePoll      Stage = "CYCLE_POLL"
	StageCycleDone      Stage = "CYCLE_DONE"
	StageCycleError     Stage = "CYCLE_ERROR"
	StageTriggerFailed  Stage = "CYCLE_TRIGGER_FAILED"
	StageCycleAbandoned Stage = "CYCLE_ABANDONED"
)

// Final reports whether no further events follow for the cycle.
func (s Stage) Final() bool {
	switch s {
	case StageCycleSkipped, StageCycleDone, StageCycleError, StageTriggerFailed, StageCycleAbandoned:
		return true
	default:
		return false
	}
}

// Event captures a single crawl-cycle milestone.
type Event struct {
	// CycleID identifies one executor invocation (UUIDv7).
	CycleID string `json:"cycle_id"`
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time `json:"ts"`
	Stage Stage     `json:"stage"`

	TenantID    string `json:"tenant_id"`
	WebsiteID   string `json:"website_id"`
	WebsiteName string `json:"website_name,omitempty"`
	RunID       string `json:"run_id,omitempty"`
	// Status is the registry status after the milestone.
	Status crawler.Status `json:"status,omitempty"`
	// Dur is the time since the cycle started.
	Dur time.Duration `json:"duration_ns,omitempty"`
	// Note carries low-volume context such as an error message.
	Note string `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.CycleID == "" {
		return errors.New("cycle id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.TenantID == "" || e.WebsiteID == "" {
		return errors.New("tenant and website are required")
	}
	switch e.Stage {
	case StageCycleStart, StageCycleAdopted, StageCycleSkipped, StageCycleTriggered,
		StageCycleQueued, StageCyclePoll, StageCycleDone, StageCycleAbandoned:
	case StageCycleError, StageTriggerFailed:
		if e.Note == "" {
			return errors.New("cycle error requires a note")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
