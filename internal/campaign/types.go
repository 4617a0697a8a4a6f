// Package campaign holds the domain model and the PostgreSQL store for the
// campaign delivery pipeline: campaigns, contacts, the per-recipient send
// queue, and the append-only delivery event ledger.
package campaign

import (
	"time"

	"github.com/google/uuid"
)

// Status is a campaign lifecycle state. Transitions are draft → sending →
// sent and are applied as conditional updates so each transition fires at
// most once.
type Status string

const (
	StatusDraft   Status = "draft"
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
)

// QueueStatus is a queue row state. pending → processing → {sent, failed}.
// sent and failed are terminal; a failed row is only reset to pending by the
// explicit administrative re-enqueue operation.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueSent       QueueStatus = "sent"
	QueueFailed     QueueStatus = "failed"
)

// Delivery event kinds as normalized at the webhook boundary.
const (
	EventOpen      = "open"
	EventClick     = "click"
	EventBounce    = "bounce"
	EventComplaint = "complaint"
)

// Campaign is one email campaign owned by a team.
type Campaign struct {
	ID              uuid.UUID
	TeamID          uuid.UUID
	Subject         string
	Preheader       string
	HTMLContent     string
	SenderName      string
	SenderEmail     string
	SegmentID       *uuid.UUID
	Status          Status
	RecipientsCount int
	SentAt          *time.Time
	CreatedAt       time.Time
}

// Contact is a recipient. This core reads contacts but never mutates them.
type Contact struct {
	ID               uuid.UUID
	Email            string
	FirstName        string
	LastName         string
	City             string
	Country          string
	Status           string
	SubscriptionType string
	Attributes       map[string]interface{}
}

// QueueJob is one scheduled per-recipient send task. Rows are never deleted
// in normal operation; they double as the delivery ledger.
type QueueJob struct {
	ID           uuid.UUID
	CampaignID   uuid.UUID
	ContactID    uuid.UUID
	Status       QueueStatus
	ErrorMessage string
	MessageID    string
	ProcessedAt  *time.Time
	CreatedAt    time.Time
}

// ClaimedJob is a queue row claimed by a drain, joined with the campaign and
// contact data needed to render and send. HasContact/HasCampaign are false
// when the referenced row disappeared after enqueue (the join came back
// NULL); such jobs are failed without a transport call.
type ClaimedJob struct {
	ID         uuid.UUID
	CampaignID uuid.UUID
	ContactID  uuid.UUID

	HasContact  bool
	HasCampaign bool

	Contact     Contact
	Subject     string
	Preheader   string
	HTMLContent string
	SenderName  string
	SenderEmail string
}

// DeliveryEvent is one append-only provider notification row. Duplicates are
// legitimate under at-least-once webhook delivery and are not deduplicated.
type DeliveryEvent struct {
	ID         uuid.UUID
	CampaignID uuid.UUID
	ContactID  uuid.UUID
	MessageID  string
	EventType  string
	IP         string
	UserAgent  string
	URL        string
	BounceType string
	CreatedAt  time.Time
}
