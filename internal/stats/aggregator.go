// Package stats computes campaign analytics on demand from the delivery
// event ledger. Nothing here is persisted; every call recomputes from rows.
package stats

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// CampaignStats is the derived analytics snapshot for one campaign.
// Delivered is approximated as opens + bounces, inherited from the tracking
// pipeline: the provider does not echo per-recipient delivery receipts, so
// engagement plus hard failures stands in for attempted sends.
type CampaignStats struct {
	Opens      int    `json:"opens"`
	Clicks     int    `json:"clicks"`
	Bounces    int    `json:"bounces"`
	Complaints int    `json:"complaints"`
	Delivered  int    `json:"delivered"`
	OpenRate   string `json:"open_rate"`
	ClickRate  string `json:"click_rate"`
}

// ClickReportRow is one destination URL with its accumulated clicks.
type ClickReportRow struct {
	URL         string `json:"url"`
	TotalClicks int    `json:"total_clicks"`
}

// DailyPoint is one calendar-day bucket of the engagement trend.
type DailyPoint struct {
	Day    string `json:"day"`
	Opens  int    `json:"opens"`
	Clicks int    `json:"clicks"`
}

// Aggregator runs analytics queries against the delivery event ledger.
type Aggregator struct {
	db *sql.DB
}

// NewAggregator creates an aggregator over an open database handle.
func NewAggregator(db *sql.DB) *Aggregator {
	return &Aggregator{db: db}
}

// GetStats returns event counts and formatted rates for a campaign.
func (a *Aggregator) GetStats(ctx context.Context, campaignID uuid.UUID) (*CampaignStats, error) {
	var s CampaignStats
	err := a.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE event_type = 'open'),
			COUNT(*) FILTER (WHERE event_type = 'click'),
			COUNT(*) FILTER (WHERE event_type = 'bounce'),
			COUNT(*) FILTER (WHERE event_type = 'complaint')
		FROM delivery_events
		WHERE campaign_id = $1
	`, campaignID).Scan(&s.Opens, &s.Clicks, &s.Bounces, &s.Complaints)
	if err != nil {
		return nil, fmt.Errorf("campaign stats: %w", err)
	}

	s.Delivered = s.Opens + s.Bounces
	s.OpenRate = FormatRate(s.Opens, s.Delivered)
	s.ClickRate = FormatRate(s.Clicks, s.Opens)
	return &s, nil
}

// GetClickReport returns per-URL click totals, most clicked first. Ties
// break alphabetically so the report order is deterministic.
func (a *Aggregator) GetClickReport(ctx context.Context, campaignID uuid.UUID) ([]ClickReportRow, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT url, COUNT(*) AS total_clicks
		FROM delivery_events
		WHERE campaign_id = $1 AND event_type = 'click'
		GROUP BY url
		ORDER BY total_clicks DESC, url ASC
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("click report: %w", err)
	}
	defer rows.Close()

	report := make([]ClickReportRow, 0)
	for rows.Next() {
		var row ClickReportRow
		if err := rows.Scan(&row.URL, &row.TotalClicks); err != nil {
			return nil, fmt.Errorf("scan click row: %w", err)
		}
		report = append(report, row)
	}
	return report, rows.Err()
}

// GetDailySeries returns opens and clicks bucketed by calendar day in the
// store's timezone.
func (a *Aggregator) GetDailySeries(ctx context.Context, campaignID uuid.UUID) ([]DailyPoint, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT
			TO_CHAR(DATE(created_at), 'YYYY-MM-DD') AS day,
			COUNT(*) FILTER (WHERE event_type = 'open'),
			COUNT(*) FILTER (WHERE event_type = 'click')
		FROM delivery_events
		WHERE campaign_id = $1 AND event_type IN ('open', 'click')
		GROUP BY DATE(created_at)
		ORDER BY DATE(created_at)
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("daily series: %w", err)
	}
	defer rows.Close()

	series := make([]DailyPoint, 0)
	for rows.Next() {
		var p DailyPoint
		if err := rows.Scan(&p.Day, &p.Opens, &p.Clicks); err != nil {
			return nil, fmt.Errorf("scan daily point: %w", err)
		}
		series = append(series, p)
	}
	return series, rows.Err()
}

// FormatRate renders numerator/denominator as a percentage string. A zero
// denominator yields "0", a rate of exactly 100 drops the decimals, anything
// else keeps two.
func FormatRate(numerator, denominator int) string {
	if denominator == 0 {
		return "0"
	}
	rate := float64(numerator) / float64(denominator) * 100
	if rate == 100 {
		return "100"
	}
	return fmt.Sprintf("%.2f", rate)
}
