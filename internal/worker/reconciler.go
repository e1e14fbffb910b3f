package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ignite/audience-dispatch/internal/domain"
	"github.com/ignite/audience-dispatch/internal/pkg/distlock"
)

const (
	DefaultReconcileInterval = 5 * time.Minute
	DefaultStaleAfter        = 15 * time.Minute
)

// ReconcileStore is the send storage the reconciler needs.
type ReconcileStore interface {
	CountStaleQueued(ctx context.Context, campaignID string, cutoff time.Time) (int, error)
	// CompleteStuck reclassifies stale queued sends as sent, recomputes
	// counters and completes the campaign in one transaction.
	CompleteStuck(ctx context.Context, campaignID string, cutoff time.Time) (int, bool, error)
	StuckCampaignIDs(ctx context.Context, cutoff time.Time) ([]string, error)
}

// CampaignReader loads campaigns.
type CampaignReader interface {
	Get(ctx context.Context, id string) (*domain.Campaign, error)
}

// RepairRecorder stores an audit entry for every real repair.
type RepairRecorder interface {
	RecordRepair(ctx context.Context, r *domain.RepairReport) error
}

// Reconciler finishes campaigns whose dispatch loop died mid-run: the
// campaign sits in sending with queued sends nobody will complete. It
// never contacts a provider. A queued send means the provider call was
// made or about to be, so stale ones are treated as sent.
type Reconciler struct {
	campaigns  CampaignReader
	sends      ReconcileStore
	locks      distlock.Factory
	audit      RepairRecorder
	interval   time.Duration
	staleAfter time.Duration
	dryRun     bool
	now        func() time.Time
}

// NewReconciler creates a reconciler. audit may be nil.
func NewReconciler(campaigns CampaignReader, sends ReconcileStore, locks distlock.Factory, audit RepairRecorder, interval, staleAfter time.Duration) *Reconciler {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Reconciler{
		campaigns:  campaigns,
		sends:      sends,
		locks:      locks,
		audit:      audit,
		interval:   interval,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// SetDryRun makes the periodic loop report without repairing.
func (r *Reconciler) SetDryRun(dryRun bool) {
	r.dryRun = dryRun
}

// FixStuck checks one campaign and, unless dryRun, repairs it. Running it
// again right after a repair reports not stuck.
func (r *Reconciler) FixStuck(ctx context.Context, id string, dryRun bool) (*domain.RepairReport, error) {
	c, err := r.campaigns.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := r.now().UTC()
	report := &domain.RepairReport{
		CampaignID:  id,
		DryRun:      dryRun,
		FromStatus:  c.Status,
		StaleBefore: now.Add(-r.staleAfter),
		CheckedAt:   now,
	}

	if c.Status != domain.CampaignSending {
		report.Reason = fmt.Sprintf("campaign is %s, not sending", c.Status)
		reconcilerRepairs.WithLabelValues("not_stuck").Inc()
		return report, nil
	}
	n, err := r.sends.CountStaleQueued(ctx, id, report.StaleBefore)
	if err != nil {
		return nil, err
	}
	report.StaleSends = n
	if n == 0 {
		report.Reason = fmt.Sprintf("no queued sends older than %s", r.staleAfter)
		reconcilerRepairs.WithLabelValues("not_stuck").Inc()
		return report, nil
	}

	lease := r.locks(distlock.CampaignKey(id))
	ok, err := lease.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("check dispatch lease: %w", err)
	}
	if !ok {
		report.Reason = "a dispatcher holds the campaign lease"
		reconcilerRepairs.WithLabelValues("not_stuck").Inc()
		return report, nil
	}
	defer func() {
		relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lease.Release(relCtx); err != nil {
			log.Printf("[Reconciler] releasing lease for %s: %v", id, err)
		}
	}()

	report.Stuck = true
	report.TargetStatus = domain.CampaignSent
	if dryRun {
		reconcilerRepairs.WithLabelValues("dry_run").Inc()
		return report, nil
	}

	fixed, done, err := r.sends.CompleteStuck(ctx, id, report.StaleBefore)
	if err != nil {
		return nil, fmt.Errorf("repair campaign %s: %w", id, err)
	}
	if !done {
		report.Stuck = false
		report.TargetStatus = ""
		report.Reason = "campaign left sending during repair"
		reconcilerRepairs.WithLabelValues("not_stuck").Inc()
		return report, nil
	}
	report.Reclassified = fixed
	reconcilerRepairs.WithLabelValues("repaired").Inc()
	log.Printf("[Reconciler] campaign %s repaired: %d queued sends reclassified as sent", id, fixed)

	if r.audit != nil {
		if err := r.audit.RecordRepair(ctx, report); err != nil {
			log.Printf("[Reconciler] audit record for %s failed: %v", id, err)
		}
	}
	return report, nil
}

// Start runs RunOnce every interval until ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	log.Printf("[Reconciler] Starting (interval=%s, stale_after=%s, dry_run=%v)", r.interval, r.staleAfter, r.dryRun)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[Reconciler] Stopping")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce checks every campaign that looks stuck and returns the reports.
func (r *Reconciler) RunOnce(ctx context.Context) []*domain.RepairReport {
	ids, err := r.sends.StuckCampaignIDs(ctx, r.now().UTC().Add(-r.staleAfter))
	if err != nil {
		log.Printf("[Reconciler] finding stuck campaigns: %v", err)
		return nil
	}
	var reports []*domain.RepairReport
	for _, id := range ids {
		rep, err := r.FixStuck(ctx, id, r.dryRun)
		if err != nil {
			log.Printf("[Reconciler] campaign %s: %v", id, err)
			continue
		}
		reports = append(reports, rep)
	}
	if len(ids) > 0 {
		log.Printf("[Reconciler] checked %d stuck campaign(s)", len(ids))
	}
	return reports
}
