package campaign

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

func setupStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	return NewStore(db), mock, func() { db.Close() }
}

func TestGetCampaignNotFound(t *testing.T) {
	store, mock, cleanup := setupStore(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT id, team_id, subject`).
		WillReturnError(sql.ErrNoRows)

	c, err := store.GetCampaign(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("GetCampaign() error: %v", err)
	}
	if c != nil {
		t.Error("expected nil campaign for missing row")
	}
}

func TestGetCampaign(t *testing.T) {
	store, mock, cleanup := setupStore(t)
	defer cleanup()

	campaignID := uuid.New()
	teamID := uuid.New()
	segmentID := uuid.New()

	mock.ExpectQuery(`SELECT id, team_id, subject`).
		WithArgs(campaignID).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "team_id", "subject", "preheader", "html_content",
			"sender_name", "sender_email", "segment_id", "status",
			"recipients_count", "sent_at", "created_at",
		}).AddRow(
			campaignID.String(), teamID.String(), "Spring sale", "Don't miss out",
			"<p>Hi {{first_name}}</p>", "Pulse", "news@pulse.example",
			segmentID.String(), "draft", 0, nil, time.Now(),
		))

	c, err := store.GetCampaign(context.Background(), campaignID)
	if err != nil {
		t.Fatalf("GetCampaign() error: %v", err)
	}
	if c == nil {
		t.Fatal("expected campaign")
	}
	if c.Status != StatusDraft {
		t.Errorf("status = %q, want draft", c.Status)
	}
	if c.SegmentID == nil || *c.SegmentID != segmentID {
		t.Errorf("segment id = %v, want %s", c.SegmentID, segmentID)
	}
	if c.SentAt != nil {
		t.Error("sent_at should be nil for draft campaign")
	}
}

func TestTransitionCampaignCAS(t *testing.T) {
	store, mock, cleanup := setupStore(t)
	defer cleanup()

	campaignID := uuid.New()

	// First transition wins
	mock.ExpectExec(`UPDATE campaigns`).
		WithArgs(campaignID, StatusDraft, StatusSending).
		WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := store.TransitionCampaign(context.Background(), campaignID, StatusDraft, StatusSending)
	if err != nil {
		t.Fatalf("TransitionCampaign() error: %v", err)
	}
	if !ok {
		t.Error("first transition should succeed")
	}

	// Second identical transition finds the row already moved
	mock.ExpectExec(`UPDATE campaigns`).
		WithArgs(campaignID, StatusDraft, StatusSending).
		WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err = store.TransitionCampaign(context.Background(), campaignID, StatusDraft, StatusSending)
	if err != nil {
		t.Fatalf("TransitionCampaign() error: %v", err)
	}
	if ok {
		t.Error("second transition should report no rows affected")
	}
}

func TestFinishCampaignIfDrainedFiresOnce(t *testing.T) {
	store, mock, cleanup := setupStore(t)
	defer cleanup()

	campaignID := uuid.New()

	mock.ExpectExec(`UPDATE campaigns`).
		WithArgs(campaignID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	done, err := store.FinishCampaignIfDrained(context.Background(), campaignID)
	if err != nil {
		t.Fatalf("FinishCampaignIfDrained() error: %v", err)
	}
	if !done {
		t.Error("expected completion on first drained check")
	}

	// Campaign is already 'sent': the guarded update matches nothing.
	mock.ExpectExec(`UPDATE campaigns`).
		WithArgs(campaignID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	done, err = store.FinishCampaignIfDrained(context.Background(), campaignID)
	if err != nil {
		t.Fatalf("FinishCampaignIfDrained() error: %v", err)
	}
	if done {
		t.Error("completion must not fire twice")
	}
}

func TestClaimBatchJoinsContactAndCampaign(t *testing.T) {
	store, mock, cleanup := setupStore(t)
	defer cleanup()

	jobID := uuid.New()
	campaignID := uuid.New()
	contactID := uuid.New()

	cols := []string{
		"id", "campaign_id", "contact_id",
		"has_contact", "email", "first_name", "last_name", "city", "country", "attributes",
		"has_campaign", "subject", "preheader", "html_content", "sender_name", "sender_email",
	}

	mock.ExpectQuery(`WITH claimed AS`).
		WithArgs(600).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(jobID.String(), campaignID.String(), contactID.String(),
				true, "ana@example.com", "Ana", "Silva", "Lisbon", "PT", []byte(`{"plan":"pro"}`),
				true, "Hello", "", "<p>Hi {{first_name}}</p>", "Pulse", "news@pulse.example").
			AddRow(uuid.New().String(), campaignID.String(), uuid.New().String(),
				false, nil, nil, nil, nil, nil, nil,
				true, "Hello", "", "<p>Hi {{first_name}}</p>", "Pulse", "news@pulse.example"))

	jobs, err := store.ClaimBatch(context.Background(), 600)
	if err != nil {
		t.Fatalf("ClaimBatch() error: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("claimed %d jobs, want 2", len(jobs))
	}

	if !jobs[0].HasContact || !jobs[0].HasCampaign {
		t.Error("first job should have contact and campaign data")
	}
	if jobs[0].Contact.Email != "ana@example.com" {
		t.Errorf("contact email = %q", jobs[0].Contact.Email)
	}
	if jobs[0].Contact.Attributes["plan"] != "pro" {
		t.Errorf("attributes not parsed: %v", jobs[0].Contact.Attributes)
	}

	if jobs[1].HasContact {
		t.Error("second job should be missing its contact")
	}
	if !jobs[1].HasCampaign {
		t.Error("second job should still carry campaign data")
	}
}

func TestClaimBatchEmpty(t *testing.T) {
	store, mock, cleanup := setupStore(t)
	defer cleanup()

	mock.ExpectQuery(`WITH claimed AS`).
		WithArgs(600).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	jobs, err := store.ClaimBatch(context.Background(), 600)
	if err != nil {
		t.Fatalf("ClaimBatch() error: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("claimed %d jobs from empty queue", len(jobs))
	}
}

func TestRequeueFailed(t *testing.T) {
	store, mock, cleanup := setupStore(t)
	defer cleanup()

	campaignID := uuid.New()
	mock.ExpectExec(`UPDATE campaign_queue`).
		WithArgs(campaignID).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := store.RequeueFailed(context.Background(), campaignID)
	if err != nil {
		t.Fatalf("RequeueFailed() error: %v", err)
	}
	if n != 7 {
		t.Errorf("requeued %d rows, want 7", n)
	}
}

func TestInsertDeliveryEvent(t *testing.T) {
	store, mock, cleanup := setupStore(t)
	defer cleanup()

	ev := &DeliveryEvent{
		CampaignID: uuid.New(),
		ContactID:  uuid.New(),
		MessageID:  "msg-1",
		EventType:  EventClick,
		IP:         "203.0.113.9",
		UserAgent:  "Mozilla/5.0",
		URL:        "https://example.com/sale",
	}

	mock.ExpectExec(`INSERT INTO delivery_events`).
		WithArgs(sqlmock.AnyArg(), ev.CampaignID, ev.ContactID, ev.MessageID,
			ev.EventType, ev.IP, ev.UserAgent, ev.URL, "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.InsertDeliveryEvent(context.Background(), ev); err != nil {
		t.Fatalf("InsertDeliveryEvent() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestDeletePendingJobs(t *testing.T) {
	store, mock, cleanup := setupStore(t)
	defer cleanup()

	campaignID := uuid.New()
	mock.ExpectExec(`DELETE FROM campaign_queue`).
		WithArgs(campaignID).
		WillReturnResult(sqlmock.NewResult(0, 42))

	n, err := store.DeletePendingJobs(context.Background(), campaignID)
	if err != nil {
		t.Fatalf("DeletePendingJobs() error: %v", err)
	}
	if n != 42 {
		t.Errorf("DeletePendingJobs() = %d, want 42", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRequeueStale(t *testing.T) {
	store, mock, cleanup := setupStore(t)
	defer cleanup()

	mock.ExpectExec(`UPDATE campaign_queue`).
		WithArgs("600 seconds").
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := store.RequeueStale(context.Background(), 10*time.Minute)
	if err != nil {
		t.Fatalf("RequeueStale() error: %v", err)
	}
	if n != 3 {
		t.Errorf("RequeueStale() = %d, want 3", n)
	}
}
