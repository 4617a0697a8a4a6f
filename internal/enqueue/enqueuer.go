// Package enqueue expands a campaign's segment into per-recipient queue rows
// and moves the campaign into its sending state.
package enqueue

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/pulsecrm/campaign-engine/internal/campaign"
	"github.com/pulsecrm/campaign-engine/internal/segment"
)

var (
	// ErrCampaignNotFound means the campaign id does not exist.
	ErrCampaignNotFound = errors.New("campaign not found")
	// ErrNotDraft means the campaign was not in draft when send was requested.
	// A concurrent send request that lost the status race gets this too.
	ErrNotDraft = errors.New("campaign is not in draft status")
	// ErrNoSegment means the campaign has no segment attached.
	ErrNoSegment = errors.New("campaign has no segment")
	// ErrEmptySegment means the segment resolved to zero contacts.
	ErrEmptySegment = errors.New("no contacts found in this segment")
)

// Store is the subset of campaign store operations the enqueuer needs.
type Store interface {
	GetCampaign(ctx context.Context, id uuid.UUID) (*campaign.Campaign, error)
	TransitionCampaign(ctx context.Context, id uuid.UUID, from, to campaign.Status) (bool, error)
	SetRecipientsCount(ctx context.Context, id uuid.UUID, count int) error
	EnqueueJobs(ctx context.Context, campaignID uuid.UUID, contactIDs []uuid.UUID) (int, error)
	DeletePendingJobs(ctx context.Context, campaignID uuid.UUID) (int64, error)
}

// Enqueuer drives the draft → sending transition: claim the campaign with a
// conditional status update, walk the segment page by page, and bulk-insert
// one pending queue row per contact.
type Enqueuer struct {
	store    Store
	resolver segment.Resolver
	pageSize int
}

// NewEnqueuer creates an enqueuer. pageSize bounds how many contacts are
// resolved and inserted per round trip.
func NewEnqueuer(store Store, resolver segment.Resolver, pageSize int) *Enqueuer {
	if pageSize <= 0 {
		pageSize = 1000
	}
	return &Enqueuer{store: store, resolver: resolver, pageSize: pageSize}
}

// Enqueue expands the campaign's segment into queue rows and returns the
// total number of recipients enqueued.
//
// The campaign is claimed first (draft → sending), which locks out concurrent
// send requests: the loser of the race gets ErrNotDraft. If resolution or
// insertion fails afterwards, or the segment is empty, the campaign is rolled
// back to draft so the operation can be retried.
func (e *Enqueuer) Enqueue(ctx context.Context, campaignID uuid.UUID) (int, error) {
	cmp, err := e.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	if cmp == nil {
		return 0, ErrCampaignNotFound
	}
	if cmp.SegmentID == nil {
		return 0, ErrNoSegment
	}

	claimed, err := e.store.TransitionCampaign(ctx, campaignID, campaign.StatusDraft, campaign.StatusSending)
	if err != nil {
		return 0, err
	}
	if !claimed {
		return 0, ErrNotDraft
	}

	total, err := e.expandSegment(ctx, campaignID, *cmp.SegmentID)
	if err != nil {
		e.rollback(ctx, campaignID)
		return 0, err
	}
	if total == 0 {
		e.rollback(ctx, campaignID)
		return 0, ErrEmptySegment
	}

	if err := e.store.SetRecipientsCount(ctx, campaignID, total); err != nil {
		// Queue rows are in place; the count is cosmetic. Log and move on.
		log.Printf("[Enqueuer] Failed to record recipients count for %s: %v", campaignID, err)
	}

	log.Printf("[Enqueuer] Campaign %s: enqueued %d recipients", campaignID, total)
	return total, nil
}

// expandSegment walks the segment in keyset pages and bulk-inserts each page.
// Pages are ordered by contact id; the cursor is the last id of the previous
// page.
func (e *Enqueuer) expandSegment(ctx context.Context, campaignID, segmentID uuid.UUID) (int, error) {
	var (
		total   int
		afterID uuid.UUID
	)
	for {
		contacts, err := e.resolver.Resolve(ctx, segmentID, afterID, e.pageSize)
		if err != nil {
			return 0, fmt.Errorf("resolve segment page: %w", err)
		}
		if len(contacts) == 0 {
			return total, nil
		}

		ids := make([]uuid.UUID, len(contacts))
		for i, c := range contacts {
			ids[i] = c.ID
		}
		n, err := e.store.EnqueueJobs(ctx, campaignID, ids)
		if err != nil {
			return 0, fmt.Errorf("enqueue page: %w", err)
		}
		total += n

		afterID = contacts[len(contacts)-1].ID
		if len(contacts) < e.pageSize {
			return total, nil
		}
	}
}

// rollback returns the campaign to draft after a failed enqueue and removes
// any pending rows the partial run left behind, so a later drain cannot send
// for a campaign that is back in draft.
func (e *Enqueuer) rollback(ctx context.Context, campaignID uuid.UUID) {
	if n, err := e.store.DeletePendingJobs(ctx, campaignID); err != nil {
		log.Printf("[Enqueuer] Failed to clear pending rows for %s: %v", campaignID, err)
	} else if n > 0 {
		log.Printf("[Enqueuer] Cleared %d pending rows for %s after failed enqueue", n, campaignID)
	}

	ok, err := e.store.TransitionCampaign(ctx, campaignID, campaign.StatusSending, campaign.StatusDraft)
	if err != nil {
		log.Printf("[Enqueuer] Rollback of campaign %s failed: %v", campaignID, err)
		return
	}
	if !ok {
		log.Printf("[Enqueuer] Rollback of campaign %s skipped: status changed underneath", campaignID)
	}
}
