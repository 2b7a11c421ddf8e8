package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/solodyne/chainsink/internal/destination"
	"github.com/solodyne/chainsink/internal/metadata"
)

// ErrUnsupportedKind is returned by IngestOne for webhook kinds the test
// path does not run.
var ErrUnsupportedKind = errors.New("unsupported webhook kind")

// EventStatus is the outcome of processing one event in a batch.
type EventStatus string

const (
	StatusStored  EventStatus = "stored"
	StatusSkipped EventStatus = "skipped"
	StatusFailed  EventStatus = "failed"
)

// EventResult records the outcome of one event. Failures are isolated
// here instead of aborting the batch.
type EventResult struct {
	Index     int
	Signature string
	Status    EventStatus
	Err       error
}

// BatchResult aggregates per-event outcomes for one delivery.
type BatchResult struct {
	WebhookID string
	BatchID   string
	Stored    int
	Skipped   int
	Failed    int
	Results   []EventResult
}

// Config tunes the router.
type Config struct {
	// RecreateProgramTables preserves the baseline behavior of dropping
	// and recreating the program invocation table on every event. Turn
	// off to accumulate rows instead.
	RecreateProgramTables bool

	// WriteTimeout bounds each event's destination work. Zero disables
	// the bound.
	WriteTimeout time.Duration
}

// Router resolves webhook and destination configuration for inbound
// batches and drives the extract/materialize/write path per event.
type Router struct {
	store    metadata.Store
	registry *destination.Registry
	cfg      Config
	logger   *slog.Logger
}

// NewRouter creates a Router.
func NewRouter(store metadata.Store, registry *destination.Registry, cfg Config, logger *slog.Logger) *Router {
	return &Router{
		store:    store,
		registry: registry,
		cfg:      cfg,
		logger:   logger.With("component", "ingest-router"),
	}
}

// Ingest processes a delivered batch for a webhook. The webhook must
// exist (metadata.ErrNotFound otherwise); an inactive webhook skips the
// whole batch. Events are processed sequentially in array order and a
// failure in one never stops the rest.
func (r *Router) Ingest(ctx context.Context, webhookID string, events []json.RawMessage) (*BatchResult, error) {
	webhook, err := r.store.GetWebhook(ctx, webhookID)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{
		WebhookID: webhookID,
		BatchID:   uuid.New().String(),
		Results:   make([]EventResult, 0, len(events)),
	}

	if webhook.Status != metadata.StatusActive {
		r.logger.Info("webhook not active, skipping batch",
			"webhook_id", webhookID,
			"status", string(webhook.Status),
			"batch_id", result.BatchID,
			"events", len(events),
		)
		for i := range events {
			result.Results = append(result.Results, EventResult{Index: i, Status: StatusSkipped})
			result.Skipped++
		}
		return result, nil
	}

	for i, raw := range events {
		res := r.processEvent(ctx, webhook, i, raw)
		result.Results = append(result.Results, res)

		switch res.Status {
		case StatusStored:
			result.Stored++
			r.bumpDeliveryCounter(ctx, webhookID)
		case StatusSkipped:
			result.Skipped++
		case StatusFailed:
			result.Failed++
			r.logger.Error("event processing failed",
				"webhook_id", webhookID,
				"batch_id", result.BatchID,
				"index", i,
				"signature", res.Signature,
				"error", res.Err,
			)
		}
	}

	r.logger.Info("batch processed",
		"webhook_id", webhookID,
		"batch_id", result.BatchID,
		"stored", result.Stored,
		"skipped", result.Skipped,
		"failed", result.Failed,
	)
	return result, nil
}

// IngestOne synchronously processes a single transaction for the manual
// test endpoint. Only the program invocation path runs here.
func (r *Router) IngestOne(ctx context.Context, webhookID string, raw json.RawMessage) error {
	webhook, err := r.store.GetWebhook(ctx, webhookID)
	if err != nil {
		return err
	}
	if webhook.EventKind != metadata.KindProgramInvocation {
		return fmt.Errorf("%w: %s", ErrUnsupportedKind, webhook.EventKind)
	}
	if webhook.Status != metadata.StatusActive {
		r.logger.Info("webhook not active, skipping", "webhook_id", webhookID)
		return nil
	}

	res := r.processEvent(ctx, webhook, 0, raw)
	if res.Status == StatusFailed {
		return res.Err
	}
	if res.Status == StatusStored {
		r.bumpDeliveryCounter(ctx, webhookID)
	}
	return nil
}

func (r *Router) processEvent(ctx context.Context, webhook *metadata.Webhook, index int, raw json.RawMessage) EventResult {
	if r.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.WriteTimeout)
		defer cancel()
	}

	switch webhook.EventKind {
	case metadata.KindProgramInvocation:
		return r.processProgramInvocation(ctx, webhook, index, raw)
	case metadata.KindTokenPrice:
		return r.processTokenPrice(ctx, webhook, index, raw)
	default:
		r.logger.Warn("unsupported webhook kind",
			"webhook_id", webhook.ID,
			"kind", string(webhook.EventKind),
		)
		return EventResult{Index: index, Status: StatusSkipped}
	}
}

func (r *Router) processProgramInvocation(ctx context.Context, webhook *metadata.Webhook, index int, raw json.RawMessage) EventResult {
	row := ExtractProgramInvocation(raw)
	res := EventResult{Index: index, Signature: row.Signature}

	pool, err := r.destinationPool(ctx, webhook)
	if err != nil {
		res.Status, res.Err = StatusFailed, err
		return res
	}

	policy := destination.PolicyEnsure
	if r.cfg.RecreateProgramTables {
		policy = destination.PolicyRecreate
	}
	table := webhook.Table()
	if err := destination.EnsureTable(ctx, pool, table, destination.TableProgramInvocation, policy); err != nil {
		res.Status, res.Err = StatusFailed, err
		return res
	}

	if err := destination.InsertProgramInvocation(ctx, pool, table, row); err != nil {
		res.Status, res.Err = StatusFailed, err
		return res
	}

	res.Status = StatusStored
	return res
}

func (r *Router) processTokenPrice(ctx context.Context, webhook *metadata.Webhook, index int, raw json.RawMessage) EventResult {
	res := EventResult{Index: index}

	row := ExtractTokenPrice(raw, webhook.TrackedAddresses)
	if row == nil {
		res.Status = StatusSkipped
		return res
	}
	res.Signature = row.Signature

	pool, err := r.destinationPool(ctx, webhook)
	if err != nil {
		res.Status, res.Err = StatusFailed, err
		return res
	}

	table := webhook.Table()
	if err := destination.EnsureTable(ctx, pool, table, destination.TableTokenPrice, destination.PolicyEnsure); err != nil {
		res.Status, res.Err = StatusFailed, err
		return res
	}

	inserted, err := destination.InsertTokenPrice(ctx, pool, table, row)
	if err != nil {
		res.Status, res.Err = StatusFailed, err
		return res
	}
	if !inserted {
		// Duplicate signature; the provider redelivered.
		res.Status = StatusSkipped
		return res
	}

	res.Status = StatusStored
	return res
}

func (r *Router) destinationPool(ctx context.Context, webhook *metadata.Webhook) (destination.Pool, error) {
	db, err := r.store.GetDatabase(ctx, webhook.DatabaseID)
	if err != nil {
		return nil, fmt.Errorf("resolve destination for webhook %s: %w", webhook.ID, err)
	}

	connString, err := destination.Normalize(db)
	if err != nil {
		return nil, err
	}

	return r.registry.Get(ctx, connString)
}

// bumpDeliveryCounter increments the webhook's delivery counter and stamps
// the delivery time. Concurrent deliveries may lose increments; this is a
// best-effort counter, not a ledger.
func (r *Router) bumpDeliveryCounter(ctx context.Context, webhookID string) {
	now := time.Now().UTC()
	err := r.store.UpdateWebhook(ctx, webhookID, func(w *metadata.Webhook) error {
		w.DeliveryCount++
		w.LastDeliveredAt = &now
		return nil
	})
	if err != nil {
		r.logger.Error("update delivery counter", "webhook_id", webhookID, "error", err)
	}
}
