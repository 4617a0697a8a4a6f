// Package webhook ingests provider delivery notifications. Notifications
// arrive wrapped in an SNS-style envelope; the nested event payload may be a
// raw JSON object or a JSON-encoded string. Both are normalized in a single
// parse step so nothing downstream ever sees the envelope.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pulsecrm/campaign-engine/internal/campaign"
	"github.com/pulsecrm/campaign-engine/internal/pkg/httpretry"
	"github.com/pulsecrm/campaign-engine/internal/transport"
)

// Outcome classifies how a notification was handled.
type Outcome int

const (
	// OutcomeConfirmed means a subscription handshake was completed.
	OutcomeConfirmed Outcome = iota
	// OutcomeStored means a delivery event row was written.
	OutcomeStored
	// OutcomeIgnored means the notification was acknowledged without
	// persisting: unknown event type, missing correlation, or a payload this
	// system did not originate. Acknowledging stops provider retry storms.
	OutcomeIgnored
	// OutcomeUnhandled means the envelope kind itself is not supported.
	OutcomeUnhandled
)

// EventStore is the store operation the ingestor needs.
type EventStore interface {
	InsertDeliveryEvent(ctx context.Context, ev *campaign.DeliveryEvent) error
}

// Ingestor parses notification envelopes and appends delivery event rows.
// At-least-once provider delivery means the same notification can arrive
// twice; the ingestor stores it twice and aggregation copes downstream.
type Ingestor struct {
	store      EventStore
	httpClient httpretry.Doer
}

// NewIngestor creates an ingestor. The HTTP client is used only to confirm
// subscription handshakes; transient confirmation failures retry with
// backoff.
func NewIngestor(store EventStore) *Ingestor {
	return &Ingestor{
		store:      store,
		httpClient: httpretry.New(&http.Client{Timeout: 10 * time.Second}, 3),
	}
}

// envelope is the SNS-style notification wrapper.
type envelope struct {
	Type         string          `json:"Type"`
	MessageId    string          `json:"MessageId"`
	TopicArn     string          `json:"TopicArn"`
	SubscribeURL string          `json:"SubscribeURL"`
	Message      json.RawMessage `json:"Message"`
}

// notification is the unwrapped provider event. Event publishing uses
// eventType, older bounce/complaint notifications use notificationType; both
// are accepted.
type notification struct {
	EventType        string `json:"eventType"`
	NotificationType string `json:"notificationType"`
	Mail             struct {
		MessageID string `json:"messageId"`
		Headers   []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"headers"`
	} `json:"mail"`
	Open *struct {
		IPAddress string `json:"ipAddress"`
		UserAgent string `json:"userAgent"`
	} `json:"open"`
	Click *struct {
		IPAddress string `json:"ipAddress"`
		UserAgent string `json:"userAgent"`
		Link      string `json:"link"`
	} `json:"click"`
	Bounce *struct {
		BounceType string `json:"bounceType"`
	} `json:"bounce"`
	Complaint *struct {
		ComplaintFeedbackType string `json:"complaintFeedbackType"`
	} `json:"complaint"`
}

// Process handles one raw notification body. A non-nil error accompanies
// OutcomeStored when persistence failed and the provider should retry.
func (in *Ingestor) Process(ctx context.Context, body []byte) (Outcome, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return OutcomeUnhandled, fmt.Errorf("parse envelope: %w", err)
	}

	switch env.Type {
	case "SubscriptionConfirmation":
		in.confirmSubscription(env.SubscribeURL)
		return OutcomeConfirmed, nil
	case "Notification":
		return in.processNotification(ctx, env.Message)
	default:
		log.Printf("[Webhook] Unhandled envelope type %q", env.Type)
		return OutcomeUnhandled, nil
	}
}

// confirmSubscription completes the SNS handshake by fetching the callback
// URL. Failure is logged only; the provider re-sends the handshake.
func (in *Ingestor) confirmSubscription(subscribeURL string) {
	if subscribeURL == "" {
		log.Println("[Webhook] Subscription confirmation without SubscribeURL")
		return
	}
	req, err := http.NewRequest(http.MethodGet, subscribeURL, nil)
	if err != nil {
		log.Printf("[Webhook] Bad SubscribeURL: %v", err)
		return
	}
	resp, err := in.httpClient.Do(req)
	if err != nil {
		log.Printf("[Webhook] Failed to confirm subscription: %v", err)
		return
	}
	resp.Body.Close()
	log.Println("[Webhook] Subscription confirmed")
}

func (in *Ingestor) processNotification(ctx context.Context, message json.RawMessage) (Outcome, error) {
	payload, err := unwrapMessage(message)
	if err != nil {
		log.Printf("[Webhook] Malformed notification message: %v", err)
		return OutcomeIgnored, nil
	}

	var note notification
	if err := json.Unmarshal(payload, &note); err != nil {
		log.Printf("[Webhook] Failed to parse notification: %v", err)
		return OutcomeIgnored, nil
	}

	kind := note.EventType
	if kind == "" {
		kind = note.NotificationType
	}

	ev := campaign.DeliveryEvent{MessageID: note.Mail.MessageID}
	switch strings.ToLower(kind) {
	case "open":
		ev.EventType = campaign.EventOpen
		if note.Open != nil {
			ev.IP = note.Open.IPAddress
			ev.UserAgent = note.Open.UserAgent
		}
	case "click":
		ev.EventType = campaign.EventClick
		if note.Click != nil {
			ev.IP = note.Click.IPAddress
			ev.UserAgent = note.Click.UserAgent
			ev.URL = note.Click.Link
		}
	case "bounce":
		ev.EventType = campaign.EventBounce
		if note.Bounce != nil {
			ev.BounceType = note.Bounce.BounceType
		}
	case "complaint":
		ev.EventType = campaign.EventComplaint
	default:
		log.Printf("[Webhook] Ignoring event type %q", kind)
		return OutcomeIgnored, nil
	}

	campaignID, contactID, ok := correlation(note)
	if !ok {
		// Not ours, or headers were stripped upstream. Acknowledge so the
		// provider stops re-sending.
		log.Printf("[Webhook] %s event without correlation headers (message %s), skipping",
			ev.EventType, note.Mail.MessageID)
		return OutcomeIgnored, nil
	}
	ev.CampaignID = campaignID
	ev.ContactID = contactID

	if err := in.store.InsertDeliveryEvent(ctx, &ev); err != nil {
		return OutcomeStored, fmt.Errorf("store %s event: %w", ev.EventType, err)
	}
	return OutcomeStored, nil
}

// unwrapMessage normalizes the string-or-object Message field into raw JSON.
func unwrapMessage(message json.RawMessage) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(message))
	if trimmed == "" {
		return nil, fmt.Errorf("empty message")
	}
	if trimmed[0] != '"' {
		return message, nil
	}
	var inner string
	if err := json.Unmarshal(message, &inner); err != nil {
		return nil, err
	}
	return json.RawMessage(inner), nil
}

// correlation extracts the campaign and contact ids from the echoed message
// headers. Both must be present and valid.
func correlation(note notification) (campaignID, contactID uuid.UUID, ok bool) {
	var rawCampaign, rawContact string
	for _, h := range note.Mail.Headers {
		switch {
		case strings.EqualFold(h.Name, transport.HeaderCampaignID):
			rawCampaign = h.Value
		case strings.EqualFold(h.Name, transport.HeaderContactID):
			rawContact = h.Value
		}
	}
	if rawCampaign == "" || rawContact == "" {
		return uuid.Nil, uuid.Nil, false
	}

	campaignID, err := uuid.Parse(rawCampaign)
	if err != nil {
		return uuid.Nil, uuid.Nil, false
	}
	contactID, err = uuid.Parse(rawContact)
	if err != nil {
		return uuid.Nil, uuid.Nil, false
	}
	return campaignID, contactID, true
}
