// Package api exposes the campaign pipeline over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/pulsecrm/campaign-engine/internal/campaign"
	"github.com/pulsecrm/campaign-engine/internal/drain"
	"github.com/pulsecrm/campaign-engine/internal/enqueue"
	"github.com/pulsecrm/campaign-engine/internal/segment"
	"github.com/pulsecrm/campaign-engine/internal/stats"
	"github.com/pulsecrm/campaign-engine/internal/webhook"
)

// AdminStore is the store surface the campaign admin endpoints need.
type AdminStore interface {
	GetCampaign(ctx context.Context, id uuid.UUID) (*campaign.Campaign, error)
	RequeueFailed(ctx context.Context, campaignID uuid.UUID) (int64, error)
}

// Handlers holds the wired pipeline components behind the HTTP surface.
type Handlers struct {
	enqueuer   *enqueue.Enqueuer
	drainer    *drain.Drainer
	ingestor   *webhook.Ingestor
	aggregator *stats.Aggregator
	resolver   segment.Resolver
	store      AdminStore
}

// NewHandlers wires the HTTP surface.
func NewHandlers(
	enqueuer *enqueue.Enqueuer,
	drainer *drain.Drainer,
	ingestor *webhook.Ingestor,
	aggregator *stats.Aggregator,
	resolver segment.Resolver,
	store AdminStore,
) *Handlers {
	return &Handlers{
		enqueuer:   enqueuer,
		drainer:    drainer,
		ingestor:   ingestor,
		aggregator: aggregator,
		resolver:   resolver,
		store:      store,
	}
}

// HealthCheck reports liveness.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// TriggerSend starts sending a campaign: expands its segment into queue rows
// and moves it to sending.
// POST /api/campaigns/{campaignID}/send
func (h *Handlers) TriggerSend(w http.ResponseWriter, r *http.Request) {
	campaignID, ok := pathUUID(w, r, "campaignID")
	if !ok {
		return
	}

	count, err := h.enqueuer.Enqueue(r.Context(), campaignID)
	if err != nil {
		switch {
		case errors.Is(err, enqueue.ErrCampaignNotFound):
			respondError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, enqueue.ErrNotDraft):
			respondError(w, http.StatusConflict, err.Error())
		case errors.Is(err, enqueue.ErrNoSegment),
			errors.Is(err, enqueue.ErrEmptySegment):
			respondError(w, http.StatusBadRequest, err.Error())
		default:
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "sending",
		"enqueued_count": count,
	})
}

// DrainQueue processes one batch of pending queue rows. Intended to be hit
// by an external scheduler until campaigns finish; safe to call with no work.
// POST /api/queue/drain
func (h *Handlers) DrainQueue(w http.ResponseWriter, r *http.Request) {
	result, err := h.drainer.DrainBatch(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	completed := make([]string, 0, len(result.CompletedCampaigns))
	for _, id := range result.CompletedCampaigns {
		completed = append(completed, id.String())
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"processed_count":     result.Claimed,
		"sent":                result.Sent,
		"failed":              result.Failed,
		"completed_campaigns": completed,
	})
}

// RequeueFailed resets a campaign's failed queue rows to pending.
// POST /api/campaigns/{campaignID}/requeue-failed
func (h *Handlers) RequeueFailed(w http.ResponseWriter, r *http.Request) {
	campaignID, ok := pathUUID(w, r, "campaignID")
	if !ok {
		return
	}

	n, err := h.store.RequeueFailed(r.Context(), campaignID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"requeued_count": n})
}

// GetStats returns counts and rates for a campaign.
// GET /api/campaigns/{campaignID}/stats
func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	campaignID, ok := pathUUID(w, r, "campaignID")
	if !ok {
		return
	}

	s, err := h.aggregator.GetStats(r.Context(), campaignID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, s)
}

// GetClickReport returns per-URL click totals for a campaign.
// GET /api/campaigns/{campaignID}/stats/clicks
func (h *Handlers) GetClickReport(w http.ResponseWriter, r *http.Request) {
	campaignID, ok := pathUUID(w, r, "campaignID")
	if !ok {
		return
	}

	report, err := h.aggregator.GetClickReport(r.Context(), campaignID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"clicks": report})
}

// GetDailySeries returns the per-day engagement trend for a campaign.
// GET /api/campaigns/{campaignID}/stats/daily
func (h *Handlers) GetDailySeries(w http.ResponseWriter, r *http.Request) {
	campaignID, ok := pathUUID(w, r, "campaignID")
	if !ok {
		return
	}

	series, err := h.aggregator.GetDailySeries(r.Context(), campaignID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"series": series})
}

// PreviewCount returns the current resolved size of a segment, used by the
// UI before triggering a send.
// GET /api/segments/{segmentID}/preview-count
func (h *Handlers) PreviewCount(w http.ResponseWriter, r *http.Request) {
	segmentID, ok := pathUUID(w, r, "segmentID")
	if !ok {
		return
	}

	count, err := h.resolver.Count(r.Context(), segmentID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"count": count})
}

// PreviewCountByCampaign resolves the campaign's segment and returns its
// current size, for UIs that only hold a campaign id.
// GET /api/campaigns/{campaignID}/preview-count
func (h *Handlers) PreviewCountByCampaign(w http.ResponseWriter, r *http.Request) {
	campaignID, ok := pathUUID(w, r, "campaignID")
	if !ok {
		return
	}

	c, err := h.store.GetCampaign(r.Context(), campaignID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if c == nil {
		respondError(w, http.StatusNotFound, "campaign not found")
		return
	}
	if c.SegmentID == nil {
		respondError(w, http.StatusBadRequest, "campaign has no segment")
		return
	}

	count, err := h.resolver.Count(r.Context(), *c.SegmentID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"count": count})
}

// HandleWebhook receives provider delivery notifications.
// POST /api/webhooks/email-events
func (h *Handlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	h.ingestor.HandleEvents(w, r)
}

// Response helpers

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}
