package webhook

import (
	"io"
	"log"
	"net/http"
)

// HandleEvents is the HTTP entry point for provider notifications. Benign
// ignores still return 200 so the provider does not retry; only a failed
// insert returns 5xx to request redelivery.
func (in *Ingestor) HandleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	outcome, err := in.Process(r.Context(), body)
	switch {
	case outcome == OutcomeUnhandled && err != nil:
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
	case outcome == OutcomeUnhandled:
		http.Error(w, "Unhandled notification type", http.StatusBadRequest)
	case err != nil:
		log.Printf("[Webhook] Ingest error: %v", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusOK)
	}
}
