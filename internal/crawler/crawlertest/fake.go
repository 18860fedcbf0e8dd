// Package crawlertest provides an in-memory crawler.CrawlService for tests.
package crawlertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
)

// Service is a scriptable crawler.CrawlService. The zero value is not usable;
// construct it with New.
type Service struct {
	mu sync.Mutex

	spaces   []crawler.Space
	spaceID  string
	websites []crawler.Website
	listErr  error

	latest    map[string]crawler.LatestCrawl
	latestErr error
	runs      map[string]map[string]crawler.Status
	runsErr   error
	triggers  map[string]crawler.TriggerResult

	triggerCalls map[string]int
	latestCalls  map[string]int
	runCalls     map[string]int
}

var _ crawler.CrawlService = (*Service)(nil)

// New returns a Service resolving to spaceID and listing websites.
func New(spaceID string, websites ...crawler.Website) *Service {
	return &Service{
		spaceID:      spaceID,
		spaces:       []crawler.Space{{ID: spaceID, Name: spaceID}},
		websites:     websites,
		latest:       make(map[string]crawler.LatestCrawl),
		runs:         make(map[string]map[string]crawler.Status),
		triggers:     make(map[string]crawler.TriggerResult),
		triggerCalls: make(map[string]int),
		latestCalls:  make(map[string]int),
		runCalls:     make(map[string]int),
	}
}

// SetSpaces replaces the spaces returned by ListSpaces and GetSpace.
func (s *Service) SetSpaces(spaces ...crawler.Space) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spaces = spaces
}

// SetWebsites replaces the website list.
func (s *Service) SetWebsites(websites ...crawler.Website) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.websites = websites
}

// FailList makes ListWebsites return err (nil clears it).
func (s *Service) FailList(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listErr = err
}

// SetLatest sets the latest crawl reported for a website.
func (s *Service) SetLatest(websiteID string, lc crawler.LatestCrawl) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest[websiteID] = lc
}

// FailLatest makes LatestCrawl return err (nil clears it).
func (s *Service) FailLatest(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latestErr = err
}

// SetRun records a run status for a website.
func (s *Service) SetRun(websiteID, runID string, status crawler.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runs[websiteID] == nil {
		s.runs[websiteID] = make(map[string]crawler.Status)
	}
	s.runs[websiteID][runID] = status
}

// FailRuns makes RunStatus return err (nil clears it).
func (s *Service) FailRuns(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runsErr = err
}

// SetTrigger fixes the result of TriggerCrawl for a website. Without one the
// fake starts run "run-<websiteID>" and records it as running.
func (s *Service) SetTrigger(websiteID string, res crawler.TriggerResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers[websiteID] = res
}

// TriggerCalls reports how often TriggerCrawl ran for a website.
func (s *Service) TriggerCalls(websiteID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.triggerCalls[websiteID]
}

// LatestCalls reports how often LatestCrawl ran for a website.
func (s *Service) LatestCalls(websiteID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latestCalls[websiteID]
}

// RunCalls reports how often RunStatus ran for a website.
func (s *Service) RunCalls(websiteID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runCalls[websiteID]
}

// ListSpaces implements crawler.CrawlService.
func (s *Service) ListSpaces(ctx context.Context) ([]crawler.Space, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]crawler.Space(nil), s.spaces...), nil
}

// GetSpace implements crawler.CrawlService.
func (s *Service) GetSpace(ctx context.Context, spaceID string) (crawler.Space, error) {
	if err := ctx.Err(); err != nil {
		return crawler.Space{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sp := range s.spaces {
		if sp.ID == spaceID {
			return sp, nil
		}
	}
	return crawler.Space{}, fmt.Errorf("space %s: %w", spaceID, crawler.ErrSpaceNotFound)
}

// ResolveSpaceID implements crawler.CrawlService.
func (s *Service) ResolveSpaceID(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.spaceID == "" {
		return "", crawler.ErrSpaceNotFound
	}
	return s.spaceID, nil
}

// ListWebsites implements crawler.CrawlService.
func (s *Service) ListWebsites(ctx context.Context) ([]crawler.Website, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	return append([]crawler.Website(nil), s.websites...), nil
}

// LatestCrawl implements crawler.CrawlService.
func (s *Service) LatestCrawl(ctx context.Context, websiteID string) (crawler.LatestCrawl, error) {
	if err := ctx.Err(); err != nil {
		return crawler.LatestCrawl{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latestCalls[websiteID]++
	if s.latestErr != nil {
		return crawler.LatestCrawl{}, s.latestErr
	}
	return s.latest[websiteID], nil
}

// TriggerCrawl implements crawler.CrawlService.
func (s *Service) TriggerCrawl(ctx context.Context, websiteID string) crawler.TriggerResult {
	if err := ctx.Err(); err != nil {
		return crawler.TriggerFailure(err.Error())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggerCalls[websiteID]++
	if res, ok := s.triggers[websiteID]; ok {
		return res
	}
	runID := "run-" + websiteID
	if s.runs[websiteID] == nil {
		s.runs[websiteID] = make(map[string]crawler.Status)
	}
	s.runs[websiteID][runID] = crawler.StatusRunning
	return crawler.Started(runID)
}

// RunStatus implements crawler.CrawlService.
func (s *Service) RunStatus(ctx context.Context, websiteID, runID string) (crawler.Status, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runCalls[websiteID]++
	if s.runsErr != nil {
		return "", false, s.runsErr
	}
	status, ok := s.runs[websiteID][runID]
	return status, ok, nil
}
