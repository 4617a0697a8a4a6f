// Package transport delivers rendered campaign emails to a provider.
package transport

import (
	"context"
	"time"
)

// Correlation headers stamped on every outgoing message. The provider echoes
// message headers back in delivery event payloads, which is how webhook
// events are attributed to a campaign and contact.
const (
	HeaderCampaignID = "X-Campaign-ID"
	HeaderContactID  = "X-Contact-ID"
)

// Message is one fully rendered email ready for dispatch.
type Message struct {
	To          string
	FromEmail   string
	FromName    string
	ReplyTo     string
	Subject     string
	HTMLContent string
	TextContent string
	CampaignID  string
	ContactID   string
}

// SendResult reports the provider outcome for one message.
type SendResult struct {
	Success   bool
	MessageID string
	Error     error
	SentAt    time.Time
}

// Sender dispatches a single message. Implementations must honor ctx
// cancellation so a hung provider call cannot stall a drain worker.
type Sender interface {
	Send(ctx context.Context, msg *Message) (*SendResult, error)
}
