// Package drain moves claimed queue rows through render, rate limit and
// transport, then marks campaigns sent once their queues empty out.
package drain

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/pulsecrm/campaign-engine/internal/campaign"
	"github.com/pulsecrm/campaign-engine/internal/pkg/logger"
	"github.com/pulsecrm/campaign-engine/internal/render"
	"github.com/pulsecrm/campaign-engine/internal/transport"
)

// Store is the subset of campaign store operations the drainer needs.
type Store interface {
	ClaimBatch(ctx context.Context, limit int) ([]campaign.ClaimedJob, error)
	MarkJobSent(ctx context.Context, jobID uuid.UUID, messageID string) error
	MarkJobFailed(ctx context.Context, jobID uuid.UUID, errMsg string) error
	FinishCampaignIfDrained(ctx context.Context, campaignID uuid.UUID) (bool, error)
}

// Result summarizes one drain pass.
type Result struct {
	Claimed            int
	Sent               int
	Failed             int
	CompletedCampaigns []uuid.UUID
}

// Drainer claims batches of pending queue rows and dispatches them one by
// one. Every claimed row reaches a terminal state in the same pass; a failure
// on one row never blocks the rest of the batch.
type Drainer struct {
	store       Store
	sender      transport.Sender
	renderer    *render.Engine
	limiter     Limiter
	batchSize   int
	sendTimeout time.Duration
}

// NewDrainer creates a drainer. batchSize bounds rows claimed per pass;
// sendTimeout bounds each individual transport call.
func NewDrainer(store Store, sender transport.Sender, renderer *render.Engine, limiter Limiter, batchSize int, sendTimeout time.Duration) *Drainer {
	if batchSize <= 0 {
		batchSize = 600
	}
	if sendTimeout <= 0 {
		sendTimeout = 30 * time.Second
	}
	if limiter == nil {
		limiter = NopLimiter{}
	}
	return &Drainer{
		store:       store,
		sender:      sender,
		renderer:    renderer,
		limiter:     limiter,
		batchSize:   batchSize,
		sendTimeout: sendTimeout,
	}
}

// DrainBatch claims up to batchSize pending rows and processes them. Draining
// an empty queue is a no-op. After the batch, every campaign touched is
// checked for completion; campaigns whose queues fully drained are returned
// in CompletedCampaigns.
//
// A ctx cancellation aborts mid-batch; still-processing rows are left for the
// recovery worker to reclaim.
func (d *Drainer) DrainBatch(ctx context.Context) (*Result, error) {
	jobs, err := d.store.ClaimBatch(ctx, d.batchSize)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}

	result := &Result{Claimed: len(jobs)}
	if len(jobs) == 0 {
		return result, nil
	}

	touched := make(map[uuid.UUID]bool)
	for _, job := range jobs {
		touched[job.CampaignID] = true

		if err := d.limiter.Wait(ctx); err != nil {
			// Cancelled mid-batch. Unprocessed rows stay in processing until
			// the recovery worker requeues them.
			return result, err
		}

		if d.processJob(ctx, job) {
			result.Sent++
		} else {
			result.Failed++
		}
	}

	for campaignID := range touched {
		finished, err := d.store.FinishCampaignIfDrained(ctx, campaignID)
		if err != nil {
			log.Printf("[Drainer] Completion check for campaign %s failed: %v", campaignID, err)
			continue
		}
		if finished {
			log.Printf("[Drainer] Campaign %s fully drained, marked sent", campaignID)
			result.CompletedCampaigns = append(result.CompletedCampaigns, campaignID)
		}
	}

	return result, nil
}

// processJob takes one claimed row to a terminal state and reports whether it
// was sent.
func (d *Drainer) processJob(ctx context.Context, job campaign.ClaimedJob) bool {
	if !job.HasCampaign {
		d.fail(ctx, job.ID, "campaign no longer exists")
		return false
	}
	if !job.HasContact {
		d.fail(ctx, job.ID, "contact no longer exists")
		return false
	}

	msg, err := d.renderMessage(job)
	if err != nil {
		d.fail(ctx, job.ID, fmt.Sprintf("render failed: %v", err))
		return false
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	res, err := d.sender.Send(sendCtx, msg)
	cancel()
	if err != nil {
		d.fail(ctx, job.ID, fmt.Sprintf("send failed: %v", err))
		return false
	}
	if !res.Success {
		d.fail(ctx, job.ID, fmt.Sprintf("send rejected: %v", res.Error))
		return false
	}

	if err := d.store.MarkJobSent(ctx, job.ID, res.MessageID); err != nil {
		// The email went out but the row could not be marked. The recovery
		// worker will requeue it and the recipient may get a duplicate.
		log.Printf("[Drainer] Sent to %s but failed to mark job %s: %v",
			logger.RedactEmail(job.Contact.Email), job.ID, err)
		return false
	}
	return true
}

// renderMessage personalizes the campaign content for one recipient. Parsed
// templates are cached per campaign and content kind.
func (d *Drainer) renderMessage(job campaign.ClaimedJob) (*transport.Message, error) {
	tplCtx := render.ContactContext(job.Contact)

	subject, err := d.renderer.Render(job.CampaignID.String()+":subject", job.Subject, tplCtx)
	if err != nil {
		return nil, fmt.Errorf("subject: %w", err)
	}
	html, err := d.renderer.Render(job.CampaignID.String()+":html", job.HTMLContent, tplCtx)
	if err != nil {
		return nil, fmt.Errorf("html body: %w", err)
	}
	html = render.InjectPreheader(html, job.Preheader)

	return &transport.Message{
		To:          job.Contact.Email,
		FromEmail:   job.SenderEmail,
		FromName:    job.SenderName,
		Subject:     subject,
		HTMLContent: html,
		CampaignID:  job.CampaignID.String(),
		ContactID:   job.ContactID.String(),
	}, nil
}

func (d *Drainer) fail(ctx context.Context, jobID uuid.UUID, reason string) {
	if err := d.store.MarkJobFailed(ctx, jobID, reason); err != nil {
		log.Printf("[Drainer] Failed to mark job %s failed: %v", jobID, err)
	}
}

// Run drains on a fixed interval until ctx is cancelled. When a pass claims a
// full batch it immediately drains again, so a deep queue is not throttled to
// one batch per tick.
func (d *Drainer) Run(ctx context.Context, interval time.Duration) {
	log.Printf("[Drainer] Starting (interval=%s, batch=%d)", interval, d.batchSize)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[Drainer] Stopping")
			return
		case <-ticker.C:
			for {
				result, err := d.DrainBatch(ctx)
				if err != nil {
					log.Printf("[Drainer] Drain pass failed: %v", err)
					break
				}
				if result.Claimed > 0 {
					log.Printf("[Drainer] Drained %d rows (sent=%d failed=%d)",
						result.Claimed, result.Sent, result.Failed)
				}
				if result.Claimed < d.batchSize {
					break
				}
			}
		}
	}
}
