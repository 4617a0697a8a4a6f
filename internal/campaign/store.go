package campaign

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Store wraps all SQL access for the delivery pipeline. Every status
// transition is a conditional update on the current status so concurrent
// actors (enqueuers, drainers, the recovery worker) never lose updates.
type Store struct {
	db *sql.DB
}

// NewStore creates a store over an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for components that run their own
// aggregate queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// GetCampaign loads a campaign by id. Returns nil when not found.
func (s *Store) GetCampaign(ctx context.Context, id uuid.UUID) (*Campaign, error) {
	var (
		c         Campaign
		segmentID sql.NullString
		sentAt    sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, team_id, subject, COALESCE(preheader, ''), html_content,
		       sender_name, sender_email, segment_id, status,
		       recipients_count, sent_at, created_at
		FROM campaigns
		WHERE id = $1
	`, id).Scan(&c.ID, &c.TeamID, &c.Subject, &c.Preheader, &c.HTMLContent,
		&c.SenderName, &c.SenderEmail, &segmentID, &c.Status,
		&c.RecipientsCount, &sentAt, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}

	if segmentID.Valid {
		sid, err := uuid.Parse(segmentID.String)
		if err != nil {
			return nil, fmt.Errorf("parse segment id: %w", err)
		}
		c.SegmentID = &sid
	}
	if sentAt.Valid {
		c.SentAt = &sentAt.Time
	}
	return &c, nil
}

// TransitionCampaign performs a compare-and-swap status transition. Returns
// false when the campaign was not in the expected state (someone else moved
// it first, or it does not exist).
func (s *Store) TransitionCampaign(ctx context.Context, id uuid.UUID, from, to Status) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaigns
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, from, to)
	if err != nil {
		return false, fmt.Errorf("transition campaign %s→%s: %w", from, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetRecipientsCount records the total enqueued recipient count after a
// completed enqueue run.
func (s *Store) SetRecipientsCount(ctx context.Context, id uuid.UUID, count int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE campaigns
		SET recipients_count = $2, updated_at = NOW()
		WHERE id = $1
	`, id, count)
	if err != nil {
		return fmt.Errorf("set recipients count: %w", err)
	}
	return nil
}

// EnqueueJobs bulk-inserts one pending queue row per contact using COPY
// inside a transaction. Returns the number of rows inserted.
func (s *Store) EnqueueJobs(ctx context.Context, campaignID uuid.UUID, contactIDs []uuid.UUID) (int, error) {
	if len(contactIDs) == 0 {
		return 0, nil
	}

	txn, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin enqueue transaction: %w", err)
	}
	defer txn.Rollback()

	stmt, err := txn.Prepare(pq.CopyIn(
		"campaign_queue",
		"id", "campaign_id", "contact_id", "status", "created_at",
	))
	if err != nil {
		return 0, fmt.Errorf("prepare COPY: %w", err)
	}

	now := time.Now()
	for _, contactID := range contactIDs {
		if _, err := stmt.Exec(uuid.New(), campaignID, contactID, string(QueuePending), now); err != nil {
			stmt.Close()
			return 0, fmt.Errorf("copy queue row: %w", err)
		}
	}

	// Flush the COPY buffer
	if _, err := stmt.Exec(); err != nil {
		stmt.Close()
		return 0, fmt.Errorf("flush COPY: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return 0, fmt.Errorf("close COPY statement: %w", err)
	}
	if err := txn.Commit(); err != nil {
		return 0, fmt.Errorf("commit enqueue: %w", err)
	}

	return len(contactIDs), nil
}

// DeletePendingJobs removes a campaign's pending queue rows. Used when an
// enqueue run is rolled back so a later drain cannot pick up rows belonging
// to a campaign that went back to draft.
func (s *Store) DeletePendingJobs(ctx context.Context, campaignID uuid.UUID) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM campaign_queue
		WHERE campaign_id = $1 AND status = 'pending'
	`, campaignID)
	if err != nil {
		return 0, fmt.Errorf("delete pending rows: %w", err)
	}
	return res.RowsAffected()
}

// ClaimBatch atomically moves up to limit pending rows to processing and
// returns them joined with campaign and contact data, oldest first. The
// claim is a single conditional update over a SKIP LOCKED subselect, so two
// concurrent drains never claim the same row.
func (s *Store) ClaimBatch(ctx context.Context, limit int) ([]ClaimedJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH claimed AS (
			UPDATE campaign_queue
			SET status = 'processing', claimed_at = NOW()
			WHERE id IN (
				SELECT id FROM campaign_queue
				WHERE status = 'pending'
				ORDER BY created_at ASC
				LIMIT $1
				FOR UPDATE SKIP LOCKED
			)
			RETURNING id, campaign_id, contact_id
		)
		SELECT
			q.id,
			q.campaign_id,
			q.contact_id,
			ct.id IS NOT NULL,
			ct.email,
			ct.first_name,
			ct.last_name,
			ct.city,
			ct.country,
			ct.attributes,
			c.id IS NOT NULL,
			c.subject,
			COALESCE(c.preheader, ''),
			c.html_content,
			c.sender_name,
			c.sender_email
		FROM claimed q
		LEFT JOIN contacts ct ON ct.id = q.contact_id
		LEFT JOIN campaigns c ON c.id = q.campaign_id
		ORDER BY q.id
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer rows.Close()

	var jobs []ClaimedJob
	for rows.Next() {
		var (
			j             ClaimedJob
			email         sql.NullString
			firstName     sql.NullString
			lastName      sql.NullString
			city          sql.NullString
			country       sql.NullString
			attributesRaw []byte
			subject       sql.NullString
			preheader     sql.NullString
			htmlContent   sql.NullString
			senderName    sql.NullString
			senderEmail   sql.NullString
		)
		if err := rows.Scan(
			&j.ID, &j.CampaignID, &j.ContactID,
			&j.HasContact, &email, &firstName, &lastName, &city, &country, &attributesRaw,
			&j.HasCampaign, &subject, &preheader, &htmlContent, &senderName, &senderEmail,
		); err != nil {
			return nil, fmt.Errorf("scan claimed row: %w", err)
		}

		if j.HasContact {
			j.Contact = Contact{
				ID:        j.ContactID,
				Email:     email.String,
				FirstName: firstName.String,
				LastName:  lastName.String,
				City:      city.String,
				Country:   country.String,
			}
			if len(attributesRaw) > 0 {
				// Malformed attributes render as empty merge fields, not a
				// failed send.
				_ = json.Unmarshal(attributesRaw, &j.Contact.Attributes)
			}
		}
		if j.HasCampaign {
			j.Subject = subject.String
			j.Preheader = preheader.String
			j.HTMLContent = htmlContent.String
			j.SenderName = senderName.String
			j.SenderEmail = senderEmail.String
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed rows: %w", err)
	}

	return jobs, nil
}

// MarkJobSent moves a processing row to its sent terminal state and records
// the transport-assigned message id.
func (s *Store) MarkJobSent(ctx context.Context, jobID uuid.UUID, messageID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE campaign_queue
		SET status = 'sent', message_id = $2, processed_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, jobID, messageID)
	if err != nil {
		return fmt.Errorf("mark job sent: %w", err)
	}
	return nil
}

// MarkJobFailed moves a processing row to its failed terminal state. Failed
// rows are never retried automatically.
func (s *Store) MarkJobFailed(ctx context.Context, jobID uuid.UUID, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE campaign_queue
		SET status = 'failed', error_message = $2, processed_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, jobID, errMsg)
	if err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	return nil
}

// FinishCampaignIfDrained marks a campaign sent when every one of its queue
// rows has reached a terminal state. The status guard makes the transition
// fire exactly once; later drains see status='sent' and affect zero rows.
func (s *Store) FinishCampaignIfDrained(ctx context.Context, campaignID uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaigns
		SET status = 'sent', sent_at = NOW(), updated_at = NOW()
		WHERE id = $1
		  AND status = 'sending'
		  AND NOT EXISTS (
			SELECT 1 FROM campaign_queue
			WHERE campaign_id = $1 AND status IN ('pending', 'processing')
		  )
	`, campaignID)
	if err != nil {
		return false, fmt.Errorf("finish campaign: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RequeueFailed resets a campaign's failed rows back to pending. This is the
// administrative retry path; the drainer itself treats failures as terminal.
func (s *Store) RequeueFailed(ctx context.Context, campaignID uuid.UUID) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaign_queue
		SET status = 'pending', error_message = '', claimed_at = NULL, processed_at = NULL
		WHERE campaign_id = $1 AND status = 'failed'
	`, campaignID)
	if err != nil {
		return 0, fmt.Errorf("requeue failed rows: %w", err)
	}
	return res.RowsAffected()
}

// RequeueStale resets rows stuck in processing longer than staleAge back to
// pending. Covers drainer crashes that would otherwise strand rows forever.
func (s *Store) RequeueStale(ctx context.Context, staleAge time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaign_queue
		SET status = 'pending', claimed_at = NULL
		WHERE status = 'processing'
		  AND claimed_at < NOW() - $1::interval
	`, fmt.Sprintf("%d seconds", int(staleAge.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("requeue stale rows: %w", err)
	}
	return res.RowsAffected()
}

// InsertDeliveryEvent appends one delivery event row.
func (s *Store) InsertDeliveryEvent(ctx context.Context, ev *DeliveryEvent) error {
	id := ev.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_events
			(id, campaign_id, contact_id, message_id, event_type,
			 ip, user_agent, url, bounce_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
	`, id, ev.CampaignID, ev.ContactID, ev.MessageID, ev.EventType,
		ev.IP, ev.UserAgent, ev.URL, ev.BounceType)
	if err != nil {
		return fmt.Errorf("insert delivery event: %w", err)
	}
	return nil
}
