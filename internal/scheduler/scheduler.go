// Package scheduler fires the sync engine's background triggers on IST
// wall-clock schedules.
package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mehtaportfolio/mehta-ao-prices/internal/notify"
	"github.com/mehtaportfolio/mehta-ao-prices/internal/session"
	"github.com/mehtaportfolio/mehta-ao-prices/internal/syncer"
)

// Cron expressions, evaluated in the exchange's local zone.
const (
	// CMP every 5 minutes; the cycle itself re-checks the live window.
	specCMP = "*/5 * * * *"
	// LCP once daily at 16:30, after the 15:30 close.
	specLCP = "30 16 * * *"
	// Fresh session at 08:00, before the trading day.
	specDailyLogin = "0 8 * * *"
)

// Scheduler owns the cron runner and the engine's standard triggers.
type Scheduler struct {
	cron *cron.Cron
	zone *time.Location
}

// New creates a scheduler whose expressions evaluate in zone.
func New(zone *time.Location) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithLocation(zone)),
		zone: zone,
	}
}

// AddJob registers fn under a cron expression.
func (s *Scheduler) AddJob(spec, name string, fn func()) error {
	_, err := s.cron.AddFunc(spec, func() {
		log.Printf("[scheduler] %s triggered at %s", name, time.Now().In(s.zone).Format("2006-01-02 15:04:05 MST"))
		fn()
	})
	if err != nil {
		return err
	}
	log.Printf("[scheduler] registered %s (%s)", name, spec)
	return nil
}

// RegisterSyncJobs wires the three standard triggers: periodic CMP, daily
// LCP, and the daily pre-open session refresh.
func (s *Scheduler) RegisterSyncJobs(sync *syncer.Syncer, sessions *session.Manager, notifier notify.Notifier) error {
	if err := s.AddJob(specCMP, "cmp-sync", func() {
		sync.RunCMP(context.Background())
	}); err != nil {
		return err
	}
	if err := s.AddJob(specLCP, "lcp-sync", func() {
		sync.RunLCP(context.Background())
	}); err != nil {
		return err
	}
	return s.AddJob(specDailyLogin, "daily-login", func() {
		ctx := context.Background()
		log.Printf("[scheduler] automated daily login at 8:00 AM IST")
		sessions.Invalidate()
		err := sessions.Login(ctx, "")
		if err != nil {
			notifier.NotifyStatus(ctx, false, "daily automated login failed: "+err.Error(), sessions.Authenticated())
			return
		}
		notifier.NotifyStatus(ctx, true, "daily automated login successful", sessions.Authenticated())
	})
}

// Start begins firing jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	log.Printf("[scheduler] started")
}

// Stop stops the runner and waits for in-flight jobs to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	log.Printf("[scheduler] stopped")
}
