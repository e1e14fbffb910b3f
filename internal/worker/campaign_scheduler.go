package worker

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/ignite/audience-dispatch/internal/service/campaign"
)

// DefaultSchedulerPollInterval is how often to check for due campaigns.
const DefaultSchedulerPollInterval = 30 * time.Second

// DueLister finds scheduled campaigns whose time has come.
type DueLister interface {
	DueScheduled(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// Launcher starts a campaign's dispatch in the background.
type Launcher interface {
	SendAsync(ctx context.Context, id string) error
}

// CampaignScheduler polls for scheduled campaigns that are due and hands
// them to the dispatcher.
type CampaignScheduler struct {
	due          DueLister
	launcher     Launcher
	pollInterval time.Duration
	batchLimit   int
	now          func() time.Time

	launched int64
	errors   int64
}

// NewCampaignScheduler creates a scheduler.
func NewCampaignScheduler(due DueLister, launcher Launcher, pollInterval time.Duration, batchLimit int) *CampaignScheduler {
	if pollInterval <= 0 {
		pollInterval = DefaultSchedulerPollInterval
	}
	if batchLimit <= 0 {
		batchLimit = 10
	}
	return &CampaignScheduler{
		due:          due,
		launcher:     launcher,
		pollInterval: pollInterval,
		batchLimit:   batchLimit,
		now:          time.Now,
	}
}

// Start polls until ctx is cancelled.
func (cs *CampaignScheduler) Start(ctx context.Context) {
	log.Printf("[CampaignScheduler] Starting with poll interval: %v", cs.pollInterval)

	ticker := time.NewTicker(cs.pollInterval)
	defer ticker.Stop()

	cs.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Println("[CampaignScheduler] Stopping")
			return
		case <-ticker.C:
			cs.RunOnce(ctx)
		}
	}
}

// RunOnce launches every due campaign and returns how many started.
// Campaigns another process already claimed are skipped quietly.
func (cs *CampaignScheduler) RunOnce(ctx context.Context) int {
	ids, err := cs.due.DueScheduled(ctx, cs.now().UTC(), cs.batchLimit)
	if err != nil {
		atomic.AddInt64(&cs.errors, 1)
		log.Printf("[CampaignScheduler] Error finding due campaigns: %v", err)
		return 0
	}

	started := 0
	for _, id := range ids {
		err := cs.launcher.SendAsync(ctx, id)
		var conflict *campaign.StateConflictError
		switch {
		case err == nil:
			started++
			scheduledLaunches.Inc()
			log.Printf("[CampaignScheduler] Launched campaign %s", id)
		case errors.Is(err, ErrLeaseHeld), errors.As(err, &conflict):
			log.Printf("[CampaignScheduler] Campaign %s already claimed: %v", id, err)
		default:
			atomic.AddInt64(&cs.errors, 1)
			log.Printf("[CampaignScheduler] Error launching campaign %s: %v", id, err)
		}
	}
	atomic.AddInt64(&cs.launched, int64(started))
	return started
}

// Stats returns launch and error counts since start.
func (cs *CampaignScheduler) Stats() (launched, errs int64) {
	return atomic.LoadInt64(&cs.launched), atomic.LoadInt64(&cs.errors)
}
