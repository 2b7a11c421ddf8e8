package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/solodyne/chainsink/internal/destination"
	"github.com/solodyne/chainsink/internal/ingest"
	"github.com/solodyne/chainsink/internal/metadata"
	"github.com/solodyne/chainsink/internal/registrar"
)

var noopAfterBatch = func(*ingest.BatchResult) {}

// handleHeliusDelivery receives a batch of provider events. The sender is
// acknowledged as soon as the webhook is known to exist and the body is an
// array; processing happens afterwards in a detached goroutine so slow
// destinations never cause provider retries.
func (s *Server) handleHeliusDelivery(w http.ResponseWriter, r *http.Request) {
	webhookID := r.PathValue("webhookId")
	if webhookID == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error": "Missing webhookId parameter",
		})
		return
	}

	// A JSON null decodes into a nil slice without error; only arrays
	// count as a batch.
	var events []json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&events); err != nil || events == nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error": "Expected transactions array in request body",
		})
		return
	}

	if _, err := s.store.GetWebhook(r.Context(), webhookID); err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]interface{}{
				"error": "Webhook " + webhookID + " not found",
			})
			return
		}
		s.logger.Error("webhook lookup failed", "webhook_id", webhookID, "error", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error": "Failed to process webhook",
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"received":         true,
		"transactionCount": len(events),
	})

	afterBatch := s.afterBatch
	if afterBatch == nil {
		afterBatch = noopAfterBatch
	}

	// The request context dies with the response; processing gets its own.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		result, err := s.ingestor.Ingest(ctx, webhookID, events)
		if err != nil {
			s.logger.Error("batch ingestion failed", "webhook_id", webhookID, "error", err)
			afterBatch(nil)
			return
		}
		afterBatch(result)
	}()
}

// handleTestDelivery synchronously runs a single transaction through the
// program invocation path.
func (s *Server) handleTestDelivery(w http.ResponseWriter, r *http.Request) {
	webhookID := r.PathValue("webhookId")

	var body struct {
		Transaction json.RawMessage `json:"transaction"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Transaction) == 0 {
		s.writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error": "Missing transaction in request body",
		})
		return
	}

	err := s.ingestor.IngestOne(r.Context(), webhookID, body.Transaction)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"message": "Test transaction processed successfully",
		})
	case errors.Is(err, metadata.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"error": "Webhook " + webhookID + " not found",
		})
	case errors.Is(err, ingest.ErrUnsupportedKind):
		s.writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error": "Unsupported webhook type for test delivery",
		})
	default:
		s.logger.Error("test delivery failed", "webhook_id", webhookID, "error", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error": "Failed to process test webhook",
		})
	}
}

func (s *Server) handleListUserWebhooks(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")

	webhooks, err := s.store.ListWebhooksByUser(r.Context(), userID)
	if err != nil {
		s.logger.Error("list webhooks failed", "user_id", userID, "error", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error": "Failed to fetch webhooks",
		})
		return
	}
	s.writeJSON(w, http.StatusOK, webhooks)
}

func (s *Server) handleGetWebhook(w http.ResponseWriter, r *http.Request) {
	webhookID := r.PathValue("webhookId")

	webhook, err := s.store.GetWebhook(r.Context(), webhookID)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]interface{}{
				"error": "Webhook " + webhookID + " not found",
			})
			return
		}
		s.logger.Error("get webhook failed", "webhook_id", webhookID, "error", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error": "Failed to fetch webhook",
		})
		return
	}
	s.writeJSON(w, http.StatusOK, webhook)
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	webhookID := r.PathValue("webhookId")

	err := s.orch.Deregister(r.Context(), webhookID)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]interface{}{
				"error": "Webhook " + webhookID + " not found",
			})
			return
		}
		s.logger.Error("deregister failed", "webhook_id", webhookID, "error", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error": "Failed to delete webhook",
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Webhook deleted successfully",
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WebhookID        string   `json:"webhookId"`
		ProgramIDs       []string `json:"programIds"`
		AccountAddresses []string `json:"accountAddresses"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error": "invalid request body",
		})
		return
	}
	if body.WebhookID == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error": "Missing webhookId",
		})
		return
	}

	result, err := s.orch.Register(r.Context(), body.WebhookID, body.ProgramIDs, body.AccountAddresses)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":    true,
			"message":    "Helius webhook registered successfully",
			"webhookId":  result.HeliusWebhookID,
			"webhookUrl": result.CallbackURL,
		})
	case errors.Is(err, metadata.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"error": "Webhook " + body.WebhookID + " not found",
		})
	case errors.Is(err, registrar.ErrMissingConfig), errors.Is(err, registrar.ErrInvalidAddress):
		s.writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error": err.Error(),
		})
	default:
		s.logger.Error("registration failed", "webhook_id", body.WebhookID, "error", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error":   "Failed to register Helius webhook",
			"details": err.Error(),
		})
	}
}

// handleTestConnection opens a destination ad hoc, round-trips one probe
// row and reports driver failures as user-facing messages.
func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ConnectionString string `json:"connectionString"`
		TableName        string `json:"tableName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ConnectionString == "" || body.TableName == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error": "Missing connectionString or tableName",
		})
		return
	}

	connString, err := destination.Normalize(&metadata.Database{ConnectionString: body.ConnectionString})
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	pool, err := s.registry.Get(r.Context(), connString)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error":   destination.ClassifyError(err),
			"details": err.Error(),
		})
		return
	}

	result, err := destination.Probe(r.Context(), pool, body.TableName)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error":   destination.ClassifyError(err),
			"details": err.Error(),
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"result":  result,
	})
}
