package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/audience-dispatch/internal/domain"
	"github.com/ignite/audience-dispatch/internal/mailing"
	"github.com/ignite/audience-dispatch/internal/pkg/distlock"
	"github.com/ignite/audience-dispatch/internal/pkg/logger"
	"github.com/ignite/audience-dispatch/internal/service/campaign"
	"github.com/ignite/audience-dispatch/internal/service/sending"
)

const (
	DefaultBatchSize        = 50
	DefaultDispatchWorkers  = 10
	DefaultTestSendMaxUsers = 10
	testPrefix              = "[TEST] "
)

// ErrLeaseHeld means another dispatcher holds the campaign's lease.
var ErrLeaseHeld = errors.New("campaign dispatch already in progress")

// CampaignStore is the campaign storage the dispatcher needs.
type CampaignStore interface {
	Get(ctx context.Context, id string) (*domain.Campaign, error)
	TransitionStatus(ctx context.Context, id string, from []domain.CampaignStatus, to domain.CampaignStatus) (bool, error)
	GetTemplate(ctx context.Context, id string) (*domain.MessageTemplate, error)
}

// SendStore records dispatch attempts.
type SendStore interface {
	CreateQueued(ctx context.Context, s *domain.Send) error
	MarkSent(ctx context.Context, id, externalID string, at time.Time) error
	MarkFailed(ctx context.Context, id, code, message string, at time.Time) error
	AttemptedRecipientIDs(ctx context.Context, campaignID string) (map[string]bool, error)
	RecomputeCounters(ctx context.Context, campaignID string) error
}

// AudienceResolver expands audience rules into recipients.
type AudienceResolver interface {
	Resolve(ctx context.Context, channel domain.Channel, rules domain.AudienceRules) ([]domain.ResolvedRecipient, error)
}

// UserStore loads internal users for test sends.
type UserStore interface {
	ListInternalUsers(ctx context.Context, ids []string) ([]domain.InternalUser, error)
}

// DispatcherConfig tunes batching.
type DispatcherConfig struct {
	BatchSize        int
	Workers          int
	BatchDelay       time.Duration
	TestSendMaxUsers int
	// LeaseTTL is how long each lease extension lasts on backends that
	// expire leases.
	LeaseTTL time.Duration
}

func (c *DispatcherConfig) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Workers <= 0 {
		c.Workers = DefaultDispatchWorkers
	}
	if c.TestSendMaxUsers <= 0 || c.TestSendMaxUsers > DefaultTestSendMaxUsers {
		c.TestSendMaxUsers = DefaultTestSendMaxUsers
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Minute
	}
}

// DispatchResult summarizes one dispatch loop.
type DispatchResult struct {
	CampaignID string `json:"campaign_id"`
	Attempted  int    `json:"attempted"`
	Sent       int    `json:"sent"`
	Failed     int    `json:"failed"`
	Skipped    int    `json:"skipped"`
	Batches    []int  `json:"batches"`
	Paused     bool   `json:"paused"`
}

// TestSendResult is the outcome for one internal user.
type TestSendResult struct {
	UserID     string `json:"user_id"`
	Address    string `json:"address,omitempty"`
	Success    bool   `json:"success"`
	ProviderID string `json:"provider_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Dispatcher resolves a campaign's audience once and delivers it in
// sequential batches, with bounded concurrency inside each batch. A
// per-campaign lease plus a status compare-and-swap guarantee one loop per
// campaign.
type Dispatcher struct {
	campaigns    CampaignStore
	sends        SendStore
	audience     AudienceResolver
	users        UserStore
	personalizer *mailing.Personalizer
	providers    sending.Registry
	limiter      sending.RateLimiter
	locks        distlock.Factory
	cfg          DispatcherConfig

	wg     sync.WaitGroup
	halt   context.Context
	cancel context.CancelFunc
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
}

// NewDispatcher wires a dispatcher.
func NewDispatcher(
	campaigns CampaignStore,
	sends SendStore,
	audience AudienceResolver,
	users UserStore,
	personalizer *mailing.Personalizer,
	providers sending.Registry,
	locks distlock.Factory,
	cfg DispatcherConfig,
) *Dispatcher {
	cfg.applyDefaults()
	halt, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		campaigns:    campaigns,
		sends:        sends,
		audience:     audience,
		users:        users,
		personalizer: personalizer,
		providers:    providers,
		locks:        locks,
		cfg:          cfg,
		halt:         halt,
		cancel:       cancel,
		sleep:        sleepCtx,
		now:          time.Now,
	}
}

// SetRateLimiter makes every provider call wait on limiter first.
func (d *Dispatcher) SetRateLimiter(limiter sending.RateLimiter) {
	d.limiter = limiter
}

// run is a claimed dispatch: the lease is held and the campaign is sending.
type run struct {
	campaign *domain.Campaign
	provider sending.Provider
	lease    distlock.DistLock
	skip     map[string]bool
}

// Send claims a draft or scheduled campaign and runs the dispatch loop to
// completion or pause.
func (d *Dispatcher) Send(ctx context.Context, id string) (*DispatchResult, error) {
	r, err := d.claim(ctx, id, domain.SendableStatuses(), "send")
	if err != nil {
		return nil, err
	}
	return d.execute(ctx, r)
}

// SendAsync claims the campaign, then runs the loop in the background.
func (d *Dispatcher) SendAsync(ctx context.Context, id string) error {
	r, err := d.claim(ctx, id, domain.SendableStatuses(), "send")
	if err != nil {
		return err
	}
	d.background(ctx, r)
	return nil
}

// Resume claims a paused campaign and continues the loop, skipping every
// recipient that already has a send.
func (d *Dispatcher) Resume(ctx context.Context, id string) (*DispatchResult, error) {
	r, err := d.claim(ctx, id, []domain.CampaignStatus{domain.CampaignPaused}, "resume")
	if err != nil {
		return nil, err
	}
	return d.execute(ctx, r)
}

// ResumeAsync is Resume with the loop in the background.
func (d *Dispatcher) ResumeAsync(ctx context.Context, id string) error {
	r, err := d.claim(ctx, id, []domain.CampaignStatus{domain.CampaignPaused}, "resume")
	if err != nil {
		return err
	}
	d.background(ctx, r)
	return nil
}

// Wait blocks until every background loop has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Shutdown cancels background loops and waits for them. An interrupted
// campaign is parked in paused so Resume continues where it stopped.
func (d *Dispatcher) Shutdown() {
	d.cancel()
	d.wg.Wait()
}

// background detaches the loop from the caller's context; only Shutdown
// stops it.
func (d *Dispatcher) background(ctx context.Context, r *run) {
	bg, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(d.halt, cancel)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer stop()
		defer cancel()
		res, err := d.execute(bg, r)
		if err != nil {
			log.Printf("[Dispatcher] campaign %s: %v", r.campaign.ID, err)
			return
		}
		log.Printf("[Dispatcher] campaign %s finished: attempted=%d sent=%d failed=%d paused=%v",
			res.CampaignID, res.Attempted, res.Sent, res.Failed, res.Paused)
	}()
}

// claim validates the campaign, takes the lease and moves it to sending.
func (d *Dispatcher) claim(ctx context.Context, id string, from []domain.CampaignStatus, op string) (*run, error) {
	c, err := d.campaigns.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !statusIn(c.Status, from) {
		return nil, &campaign.StateConflictError{Op: op, Current: c.Status}
	}
	provider, err := d.providers.For(c.Channel)
	if err != nil {
		return nil, err
	}

	lease := d.locks(distlock.CampaignKey(id))
	ok, err := lease.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire dispatch lease: %w", err)
	}
	if !ok {
		return nil, ErrLeaseHeld
	}

	swapped, err := d.campaigns.TransitionStatus(ctx, id, from, domain.CampaignSending)
	if err == nil && !swapped {
		if cur, gerr := d.campaigns.Get(ctx, id); gerr == nil {
			err = &campaign.StateConflictError{Op: op, Current: cur.Status}
		} else {
			err = gerr
		}
	}
	if err != nil {
		d.release(lease)
		return nil, err
	}
	c.Status = domain.CampaignSending

	r := &run{campaign: c, provider: provider, lease: lease}
	if statusIn(domain.CampaignPaused, from) {
		r.skip, err = d.sends.AttemptedRecipientIDs(ctx, id)
		if err != nil {
			d.abort(ctx, c.ID)
			d.release(lease)
			return nil, fmt.Errorf("load attempted recipients: %w", err)
		}
	}
	return r, nil
}

// execute runs the batch loop for a claimed campaign and releases the lease.
func (d *Dispatcher) execute(ctx context.Context, r *run) (*DispatchResult, error) {
	defer d.release(r.lease)
	dispatchesInFlight.Inc()
	defer dispatchesInFlight.Dec()

	c := r.campaign
	res := &DispatchResult{CampaignID: c.ID}
	content := d.content(ctx, c)

	recipients, err := d.audience.Resolve(ctx, c.Channel, c.AudienceRules)
	if err != nil {
		d.abort(ctx, c.ID)
		return nil, fmt.Errorf("resolve audience: %w", err)
	}
	if len(r.skip) > 0 {
		pending := recipients[:0:0]
		for _, rc := range recipients {
			if r.skip[rc.ID] {
				res.Skipped++
				continue
			}
			pending = append(pending, rc)
		}
		recipients = pending
	}
	log.Printf("[Dispatcher] campaign %s: %d recipients (%d already attempted), batch size %d",
		c.ID, len(recipients), res.Skipped, d.cfg.BatchSize)

	for start := 0; start < len(recipients); start += d.cfg.BatchSize {
		if start > 0 && d.cfg.BatchDelay > 0 {
			if err := d.sleep(ctx, d.cfg.BatchDelay); err != nil {
				return d.interrupt(ctx, c.ID, res, err)
			}
		}
		if err := ctx.Err(); err != nil {
			return d.interrupt(ctx, c.ID, res, err)
		}
		cur, err := d.campaigns.Get(ctx, c.ID)
		if err != nil {
			return res, fmt.Errorf("re-read campaign status: %w", err)
		}
		if cur.Status != domain.CampaignSending {
			log.Printf("[Dispatcher] campaign %s is %s, stopping before batch %d", c.ID, cur.Status, len(res.Batches)+1)
			res.Paused = true
			break
		}

		end := start + d.cfg.BatchSize
		if end > len(recipients) {
			end = len(recipients)
		}
		sent, failed := d.processBatch(ctx, c, r.provider, content, recipients[start:end])
		res.Batches = append(res.Batches, end-start)
		res.Attempted += end - start
		res.Sent += sent
		res.Failed += failed
		d.extend(ctx, r.lease)
	}

	if err := d.sends.RecomputeCounters(ctx, c.ID); err != nil {
		logger.Error("recompute counters failed", "campaign_id", c.ID, "error", err)
	}
	if res.Paused {
		return res, nil
	}
	ok, err := d.campaigns.TransitionStatus(ctx, c.ID, []domain.CampaignStatus{domain.CampaignSending}, domain.CampaignSent)
	if err != nil {
		return res, fmt.Errorf("complete campaign: %w", err)
	}
	if !ok {
		// Paused after the last batch started; Resume will find nothing left.
		res.Paused = true
	}
	return res, nil
}

// processBatch delivers one batch with at most cfg.Workers in flight.
// Per-recipient failures are recorded and never abort the batch.
func (d *Dispatcher) processBatch(ctx context.Context, c *domain.Campaign, provider sending.Provider, content mailing.Content, batch []domain.ResolvedRecipient) (sent, failed int) {
	start := time.Now()
	defer func() { batchDuration.WithLabelValues(string(c.Channel)).Observe(time.Since(start).Seconds()) }()

	var nSent, nFailed int64
	sem := make(chan struct{}, d.cfg.Workers)
	var wg sync.WaitGroup
	for i := range batch {
		rc := batch[i]
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer func() { <-sem; wg.Done() }()
			if d.deliver(ctx, c, provider, content, rc) {
				atomic.AddInt64(&nSent, 1)
			} else {
				atomic.AddInt64(&nFailed, 1)
			}
		}()
	}
	wg.Wait()
	return int(nSent), int(nFailed)
}

// deliver renders, records and sends one message. It reports success.
func (d *Dispatcher) deliver(ctx context.Context, c *domain.Campaign, provider sending.Provider, content mailing.Content, rc domain.ResolvedRecipient) bool {
	channel := string(c.Channel)
	msg := d.personalizer.RenderMessage(c.Channel, content, rc.Address, rc.MergeFields)

	s := &domain.Send{CampaignID: c.ID, RecipientID: rc.ID, Destination: rc.Address}
	if err := d.sends.CreateQueued(ctx, s); err != nil {
		logger.Error("recording send failed", "campaign_id", c.ID, "recipient_id", rc.ID, "error", err)
		sendsTotal.WithLabelValues(channel, "failed").Inc()
		return false
	}

	// Outcomes are persisted even when the run is being cancelled.
	record := context.WithoutCancel(ctx)
	fail := func(pe *sending.ProviderError) bool {
		if err := d.sends.MarkFailed(record, s.ID, pe.Code, pe.Message, d.now().UTC()); err != nil {
			logger.Error("marking send failed", "send_id", s.ID, "error", err)
		}
		sendsTotal.WithLabelValues(channel, "failed").Inc()
		return false
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx, c.Channel, 1); err != nil {
			return fail(&sending.ProviderError{Code: "rate_limited", Message: err.Error()})
		}
	}

	result, err := provider.Send(ctx, &sending.Message{
		To:             rc.Address,
		From:           c.FromAddress,
		Subject:        msg.Subject,
		Body:           msg.Body,
		HTMLBody:       msg.HTMLBody,
		UnsubscribeURL: msg.UnsubscribeURL,
		CampaignID:     c.ID,
		RecipientID:    rc.ID,
	})
	if err != nil {
		pe := sending.AsProviderError(err)
		logger.Warn("provider rejected message", "campaign_id", c.ID, "to", rc.Address, "code", pe.Code)
		return fail(pe)
	}

	at := result.SentAt
	if at.IsZero() {
		at = d.now()
	}
	if err := d.sends.MarkSent(record, s.ID, result.ProviderID, at.UTC()); err != nil {
		logger.Error("marking send sent", "send_id", s.ID, "error", err)
	}
	sendsTotal.WithLabelValues(channel, "sent").Inc()
	return true
}

// TestSend renders the campaign for each internal user and sends it
// directly through the provider with a [TEST] marker. No sends are
// recorded and campaign state is untouched.
func (d *Dispatcher) TestSend(ctx context.Context, id string, userIDs []string) ([]TestSendResult, error) {
	ids := dedupe(userIDs)
	if len(ids) == 0 || len(ids) > d.cfg.TestSendMaxUsers {
		return nil, campaign.NewValidationError("user_ids",
			fmt.Sprintf("between 1 and %d users are required", d.cfg.TestSendMaxUsers))
	}
	c, err := d.campaigns.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	provider, err := d.providers.For(c.Channel)
	if err != nil {
		return nil, err
	}
	users, err := d.users.ListInternalUsers(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	byID := make(map[string]domain.InternalUser, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}

	content := d.content(ctx, c)
	results := make([]TestSendResult, 0, len(ids))
	for _, uid := range ids {
		res := TestSendResult{UserID: uid}
		u, ok := byID[uid]
		if !ok {
			res.Error = "user not found or inactive"
			results = append(results, res)
			continue
		}
		res.Address = u.AddressFor(c.Channel)
		if res.Address == "" {
			res.Error = "user has no " + string(c.Channel) + " address"
			results = append(results, res)
			continue
		}

		msg := d.personalizer.RenderMessage(c.Channel, content, res.Address, u.MergeFields())
		if c.Channel == domain.ChannelEmail {
			msg.Subject = testPrefix + msg.Subject
		} else {
			msg.Body = testPrefix + msg.Body
		}
		out, err := provider.Send(ctx, &sending.Message{
			To:             res.Address,
			From:           c.FromAddress,
			Subject:        msg.Subject,
			Body:           msg.Body,
			HTMLBody:       msg.HTMLBody,
			UnsubscribeURL: msg.UnsubscribeURL,
			CampaignID:     c.ID,
		})
		if err != nil {
			res.Error = sending.AsProviderError(err).Error()
		} else {
			res.Success = true
			res.ProviderID = out.ProviderID
		}
		results = append(results, res)
	}
	logger.Info("test send", "campaign_id", c.ID, "users", len(ids))
	return results, nil
}

// content is the campaign content with template fields filled in.
func (d *Dispatcher) content(ctx context.Context, c *domain.Campaign) mailing.Content {
	if c.TemplateID != nil {
		t, err := d.campaigns.GetTemplate(ctx, *c.TemplateID)
		if err != nil {
			logger.Warn("template unavailable, using campaign content", "campaign_id", c.ID, "template_id", *c.TemplateID, "error", err)
		} else {
			cp := *c
			cp.ApplyTemplate(t)
			return mailing.Content{Subject: cp.Subject, Body: cp.Body, HTMLBody: cp.HTMLBody}
		}
	}
	return mailing.Content{Subject: c.Subject, Body: c.Body, HTMLBody: c.HTMLBody}
}

// abort returns a campaign that could not start its loop to paused so an
// operator can resume it.
func (d *Dispatcher) abort(ctx context.Context, id string) {
	if _, err := d.campaigns.TransitionStatus(ctx, id, []domain.CampaignStatus{domain.CampaignSending}, domain.CampaignPaused); err != nil {
		logger.Error("pausing aborted campaign", "campaign_id", id, "error", err)
	}
}

// interrupt parks a cancelled run in paused. Every created send has its
// outcome recorded, so Resume picks up exactly the untouched recipients.
func (d *Dispatcher) interrupt(ctx context.Context, id string, res *DispatchResult, cause error) (*DispatchResult, error) {
	detached := context.WithoutCancel(ctx)
	d.abort(detached, id)
	if err := d.sends.RecomputeCounters(detached, id); err != nil {
		logger.Error("recompute counters failed", "campaign_id", id, "error", err)
	}
	res.Paused = true
	log.Printf("[Dispatcher] campaign %s interrupted after %d recipients, paused", id, res.Attempted)
	return res, cause
}

type extender interface {
	Extend(ctx context.Context, ttl time.Duration) error
}

func (d *Dispatcher) extend(ctx context.Context, lease distlock.DistLock) {
	if e, ok := lease.(extender); ok {
		if err := e.Extend(ctx, d.cfg.LeaseTTL); err != nil {
			logger.Warn("extending dispatch lease", "error", err)
		}
	}
}

func (d *Dispatcher) release(lease distlock.DistLock) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := lease.Release(ctx); err != nil {
		logger.Warn("releasing dispatch lease", "error", err)
	}
}

func statusIn(s domain.CampaignStatus, set []domain.CampaignStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
