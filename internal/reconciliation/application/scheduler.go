package application

import (
	"context"
	"log"
	"time"
)

// Scheduler triggers a daily reconciliation of the previous day for each
// configured site.
type Scheduler struct {
	service   *Service
	sites     []string
	dailyAt   string
	authority string
	logger    *log.Logger
}

// NewScheduler constructs a Scheduler.
func NewScheduler(service *Service, sites []string, dailyAt, authority string, logger *log.Logger) *Scheduler {
	return &Scheduler{
		service:   service,
		sites:     sites,
		dailyAt:   dailyAt,
		authority: authority,
		logger:    logger,
	}
}

// Start begins the scheduler loop.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.service == nil {
		return
	}
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if !s.shouldRun(now.UTC()) {
				continue
			}
			s.runOnce(ctx, now.UTC())
		}
	}
}

func (s *Scheduler) shouldRun(now time.Time) bool {
	hour, minute, err := parseDailyAt(s.dailyAt)
	if err != nil {
		return false
	}
	return now.Hour() == hour && now.Minute() == minute
}

func (s *Scheduler) runOnce(ctx context.Context, now time.Time) {
	if len(s.sites) == 0 {
		return
	}
	to := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	from := to.AddDate(0, 0, -1)
	for _, siteID := range s.sites {
		if siteID == "" {
			continue
		}
		req := RunRequest{SiteID: siteID, From: from, To: to, TariffAuthority: s.authority}
		if _, err := s.service.Run(ctx, req); err != nil && s.logger != nil {
			s.logger.Printf("event=schedule_run_failed site_id=%s error=%v", siteID, err)
		}
	}
}

func parseDailyAt(value string) (int, int, error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, 0, err
	}
	return t.Hour(), t.Minute(), nil
}
