package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dmrelay/internal/content"
	"dmrelay/internal/domain"
	"dmrelay/internal/metrics"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Delivery is the delivery-facing process: it ingests inbound DMs into NEW
// jobs and runs the protected-send loop over READY_TO_SEND jobs.
type Delivery struct {
	selfID       int64
	pollInterval time.Duration
	staleAfter   time.Duration

	jobs    domain.JobStore
	configs domain.ConfigStore
	msgr    domain.Messenger
	logger  *slog.Logger
	backoff *Backoff

	created   *metrics.Counter
	delivered *metrics.Counter
	failed    *metrics.Counter
	recovered *metrics.Counter

	queueNew   *metrics.Gauge
	queueReady *metrics.Gauge
}

type DeliveryDeps struct {
	SelfID       int64 // the delivery identity's own user id
	PollInterval time.Duration
	StaleAfter   time.Duration
	Jobs         domain.JobStore
	Configs      domain.ConfigStore
	Messenger    domain.Messenger
	Logger       *slog.Logger
}

func NewDelivery(deps DeliveryDeps) *Delivery {
	if deps.PollInterval <= 0 {
		deps.PollInterval = time.Second
	}
	if deps.StaleAfter <= 0 {
		deps.StaleAfter = 5 * time.Minute
	}
	return &Delivery{
		selfID:       deps.SelfID,
		pollInterval: deps.PollInterval,
		staleAfter:   deps.StaleAfter,
		jobs:         deps.Jobs,
		configs:      deps.Configs,
		msgr:         deps.Messenger,
		logger:       deps.Logger,
		backoff:      NewBackoff(2*time.Second, 30*time.Second),
		created:      metrics.Collector.GetCounter("dmrelay_jobs_created_total", "Jobs created from inbound DMs"),
		delivered:    metrics.Collector.GetCounter("dmrelay_jobs_delivered_total", "Protected sends completed"),
		failed:       metrics.Collector.GetCounter("dmrelay_jobs_failed_total", "Jobs marked ERROR by the delivery loop"),
		recovered:    metrics.Collector.GetCounter("dmrelay_jobs_recovered_total", "Stuck SENDING jobs reverted to READY_TO_SEND"),
		queueNew:     metrics.Collector.GetGauge("dmrelay_queue_new", "Jobs waiting to be mirrored"),
		queueReady:   metrics.Collector.GetGauge("dmrelay_queue_ready", "Jobs waiting for protected send"),
	}
}

// Run consumes protocol updates for DM ingestion and drives the send loop
// until ctx is cancelled.
func (d *Delivery) Run(ctx context.Context, updates <-chan tgbotapi.Update) error {
	go d.sendLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("delivery process stopping")
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message != nil {
				d.HandleMessage(ctx, update.Message)
			}
		}
	}
}

// HandleMessage ingests one inbound DM as a NEW job. Messages from the
// delivery identity itself or from automated accounts are rejected.
func (d *Delivery) HandleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || msg.Chat == nil || !msg.Chat.IsPrivate() {
		return
	}
	if msg.From.ID == d.selfID || msg.From.IsBot {
		return
	}

	job := &domain.Job{
		Type:     domain.TypeDMFlow,
		Status:   domain.StatusNew,
		SenderID: msg.From.ID,
		TargetID: msg.Chat.ID,
		Inbound:  content.Encode(msg),
	}
	if err := d.jobs.CreateJob(ctx, job); err != nil {
		d.logger.Error("create job from DM failed", "sender_id", msg.From.ID, "err", err)
		return
	}
	d.created.Inc()
	d.logger.Info("inbound DM queued",
		"job_id", job.ID,
		"sender_id", job.SenderID,
		"kind", job.Inbound.Kind,
	)
}

// sendLoop claims READY_TO_SEND jobs one per iteration and delivers them
// protected. Rate limits pause the loop for the demanded duration without
// consuming the job; everything else that fails marks the job ERROR. The
// loop never exits except on shutdown.
func (d *Delivery) sendLoop(ctx context.Context) {
	for {
		if !Sleep(ctx, d.pollInterval) {
			return
		}

		d.sweepStale(ctx)
		d.refreshGauges(ctx)

		err := d.sendOnce(ctx)
		if err == nil {
			d.backoff.Reset()
			continue
		}

		var rl *domain.RateLimitError
		if errors.As(err, &rl) {
			d.logger.Warn("delivery rate limited", "retry_after", rl.RetryAfter)
			Sleep(ctx, rl.RetryAfter)
			continue
		}

		d.logger.Error("send iteration failed", "err", err)
		Sleep(ctx, d.backoff.Next())
	}
}

// sendOnce claims and delivers at most one job. The returned error is either
// a rate limit (job released, caller sleeps) or an infrastructure fault;
// per-job delivery failures are recorded on the job and return nil.
func (d *Delivery) sendOnce(ctx context.Context) error {
	job, err := d.jobs.ClaimNext(ctx, domain.StatusReadyToSend, domain.StatusSending)
	if err != nil {
		return fmt.Errorf("claim READY_TO_SEND job: %w", err)
	}
	if job == nil {
		return nil
	}

	if job.Outbound == nil {
		d.failed.Inc()
		_ = d.jobs.MarkError(ctx, job.ID, domain.StatusSending, "job has no outbound content")
		return nil
	}

	target := job.Target()
	_, err = d.msgr.DeliverPayload(ctx, target, job.Outbound, domain.SendOptions{Protect: true})
	if err != nil {
		var rl *domain.RateLimitError
		if errors.As(err, &rl) {
			// Give the claim back; the job is retried after the wait.
			if relErr := d.jobs.Release(ctx, job.ID, domain.StatusSending, domain.StatusReadyToSend); relErr != nil {
				return fmt.Errorf("release rate-limited job %s: %w", job.ID, relErr)
			}
			return err
		}
		d.failed.Inc()
		d.logger.Error("protected send failed", "job_id", job.ID, "target_id", target, "err", err)
		if markErr := d.jobs.MarkError(ctx, job.ID, domain.StatusSending, err.Error()); markErr != nil {
			return fmt.Errorf("mark job %s error: %w", job.ID, markErr)
		}
		return nil
	}

	if err := d.jobs.MarkCompleted(ctx, job.ID); err != nil {
		return fmt.Errorf("mark job %s completed: %w", job.ID, err)
	}
	d.delivered.Inc()
	d.logger.Info("protected send completed", "job_id", job.ID, "target_id", target, "kind", job.Outbound.Kind)
	return nil
}

// refreshGauges publishes queue depth for the two wait states.
func (d *Delivery) refreshGauges(ctx context.Context) {
	counts, err := d.jobs.CountByStatus(ctx)
	if err != nil {
		return
	}
	d.queueNew.Set(counts[domain.StatusNew])
	d.queueReady.Set(counts[domain.StatusReadyToSend])
}

// sweepStale recovers jobs stuck in SENDING after a crash mid-send. An
// accepted double-send risk, preferred over losing the job forever.
func (d *Delivery) sweepStale(ctx context.Context) {
	cutoff := time.Now().Add(-d.staleAfter)
	n, err := d.jobs.ReleaseStale(ctx, cutoff)
	if err != nil {
		d.logger.Error("stale sweep failed", "err", err)
		return
	}
	if n > 0 {
		d.recovered.Add(n)
		d.logger.Warn("recovered stuck SENDING jobs", "count", n, "older_than", d.staleAfter)
	}
}
