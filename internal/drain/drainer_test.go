package drain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsecrm/campaign-engine/internal/campaign"
	"github.com/pulsecrm/campaign-engine/internal/render"
	"github.com/pulsecrm/campaign-engine/internal/transport"
)

type fakeDrainStore struct {
	pending []campaign.ClaimedJob

	sent     map[uuid.UUID]string
	failed   map[uuid.UUID]string
	finished []uuid.UUID

	// When true every remaining row is terminal, so completion checks pass.
	completeOnCheck bool
}

func newFakeDrainStore(jobs ...campaign.ClaimedJob) *fakeDrainStore {
	return &fakeDrainStore{
		pending:         jobs,
		sent:            make(map[uuid.UUID]string),
		failed:          make(map[uuid.UUID]string),
		completeOnCheck: true,
	}
}

func (f *fakeDrainStore) ClaimBatch(ctx context.Context, limit int) ([]campaign.ClaimedJob, error) {
	if limit > len(f.pending) {
		limit = len(f.pending)
	}
	batch := f.pending[:limit]
	f.pending = f.pending[limit:]
	return batch, nil
}

func (f *fakeDrainStore) MarkJobSent(ctx context.Context, jobID uuid.UUID, messageID string) error {
	f.sent[jobID] = messageID
	return nil
}

func (f *fakeDrainStore) MarkJobFailed(ctx context.Context, jobID uuid.UUID, errMsg string) error {
	f.failed[jobID] = errMsg
	return nil
}

func (f *fakeDrainStore) FinishCampaignIfDrained(ctx context.Context, campaignID uuid.UUID) (bool, error) {
	if !f.completeOnCheck || len(f.pending) > 0 {
		return false, nil
	}
	for _, done := range f.finished {
		if done == campaignID {
			return false, nil
		}
	}
	f.finished = append(f.finished, campaignID)
	return true, nil
}

type fakeSender struct {
	sent      []*transport.Message
	failEmail string
	sendErr   error
}

func (f *fakeSender) Send(ctx context.Context, msg *transport.Message) (*transport.SendResult, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	if msg.To == f.failEmail {
		return &transport.SendResult{Success: false, Error: errors.New("mailbox full")}, nil
	}
	f.sent = append(f.sent, msg)
	return &transport.SendResult{Success: true, MessageID: "msg-" + msg.To, SentAt: time.Now()}, nil
}

func claimedJob(campaignID uuid.UUID, email string) campaign.ClaimedJob {
	return campaign.ClaimedJob{
		ID:          uuid.New(),
		CampaignID:  campaignID,
		ContactID:   uuid.New(),
		HasContact:  true,
		HasCampaign: true,
		Contact: campaign.Contact{
			ID:        uuid.New(),
			Email:     email,
			FirstName: "Ana",
		},
		Subject:     "Hello {{first_name}}",
		Preheader:   "Fresh deals",
		HTMLContent: "<html><body>Hi {{first_name}} from {{city}}</body></html>",
		SenderName:  "Pulse",
		SenderEmail: "news@pulse.example",
	}
}

func newTestDrainer(store Store, sender transport.Sender) *Drainer {
	return NewDrainer(store, sender, render.NewEngine(), NopLimiter{}, 600, time.Second)
}

func TestDrainEmptyQueueIsNoOp(t *testing.T) {
	store := newFakeDrainStore()
	sender := &fakeSender{}

	result, err := newTestDrainer(store, sender).DrainBatch(context.Background())
	require.NoError(t, err)

	assert.Zero(t, result.Claimed)
	assert.Empty(t, sender.sent)
	assert.Empty(t, store.finished)
}

func TestDrainSendsRenderedBatch(t *testing.T) {
	campaignID := uuid.New()
	store := newFakeDrainStore(
		claimedJob(campaignID, "ana@example.com"),
		claimedJob(campaignID, "rui@example.com"),
	)
	sender := &fakeSender{}

	result, err := newTestDrainer(store, sender).DrainBatch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.Claimed)
	assert.Equal(t, 2, result.Sent)
	assert.Zero(t, result.Failed)
	require.Len(t, sender.sent, 2)

	msg := sender.sent[0]
	assert.Equal(t, "Hello Ana", msg.Subject)
	assert.Contains(t, msg.HTMLContent, "Hi Ana from </body>")
	assert.Contains(t, msg.HTMLContent, "Fresh deals")
	assert.Equal(t, campaignID.String(), msg.CampaignID)
	assert.NotEmpty(t, msg.ContactID)
}

func TestDrainPerRowIsolation(t *testing.T) {
	campaignID := uuid.New()
	bad := claimedJob(campaignID, "bad@example.com")
	store := newFakeDrainStore(
		claimedJob(campaignID, "ok1@example.com"),
		bad,
		claimedJob(campaignID, "ok2@example.com"),
	)
	sender := &fakeSender{failEmail: "bad@example.com"}

	result, err := newTestDrainer(store, sender).DrainBatch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.Sent)
	assert.Equal(t, 1, result.Failed)
	assert.Contains(t, store.failed[bad.ID], "mailbox full")
	assert.Len(t, store.sent, 2)
}

func TestDrainMissingContactFailsWithoutSend(t *testing.T) {
	campaignID := uuid.New()
	orphan := claimedJob(campaignID, "gone@example.com")
	orphan.HasContact = false
	store := newFakeDrainStore(orphan)
	sender := &fakeSender{}

	result, err := newTestDrainer(store, sender).DrainBatch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Failed)
	assert.Empty(t, sender.sent)
	assert.Contains(t, store.failed[orphan.ID], "contact no longer exists")
}

func TestDrainMissingCampaignFailsWithoutSend(t *testing.T) {
	orphan := claimedJob(uuid.New(), "gone@example.com")
	orphan.HasCampaign = false
	store := newFakeDrainStore(orphan)
	sender := &fakeSender{}

	result, err := newTestDrainer(store, sender).DrainBatch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Failed)
	assert.Empty(t, sender.sent)
}

func TestDrainMarksCampaignCompleteOnce(t *testing.T) {
	campaignID := uuid.New()
	store := newFakeDrainStore(
		claimedJob(campaignID, "ana@example.com"),
		claimedJob(campaignID, "rui@example.com"),
	)
	d := newTestDrainer(store, &fakeSender{})

	result, err := d.DrainBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{campaignID}, result.CompletedCampaigns)

	// Draining again after completion claims nothing and completes nothing.
	result, err = d.DrainBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Claimed)
	assert.Empty(t, result.CompletedCampaigns)
	assert.Equal(t, []uuid.UUID{campaignID}, store.finished)
}

func TestDrainCompletionWaitsForWholeQueue(t *testing.T) {
	campaignID := uuid.New()
	store := newFakeDrainStore(
		claimedJob(campaignID, "a@example.com"),
		claimedJob(campaignID, "b@example.com"),
		claimedJob(campaignID, "c@example.com"),
	)
	d := NewDrainer(store, &fakeSender{}, render.NewEngine(), NopLimiter{}, 2, time.Second)

	result, err := d.DrainBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Claimed)
	assert.Empty(t, result.CompletedCampaigns)

	result, err = d.DrainBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Claimed)
	assert.Equal(t, []uuid.UUID{campaignID}, result.CompletedCampaigns)
}

func TestDrainFailedRowsAreNotRetried(t *testing.T) {
	campaignID := uuid.New()
	bad := claimedJob(campaignID, "bad@example.com")
	store := newFakeDrainStore(bad)
	sender := &fakeSender{failEmail: "bad@example.com"}
	d := newTestDrainer(store, sender)

	_, err := d.DrainBatch(context.Background())
	require.NoError(t, err)

	result, err := d.DrainBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Claimed)
	assert.Len(t, store.failed, 1)
}
