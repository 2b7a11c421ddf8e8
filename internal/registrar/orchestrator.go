package registrar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"

	"github.com/solodyne/chainsink/internal/destination"
	"github.com/solodyne/chainsink/internal/metadata"
)

var (
	// ErrMissingConfig is returned when a webhook has no destination
	// database reference or the destination yields no connector string.
	ErrMissingConfig = errors.New("webhook destination configuration missing")

	// ErrInvalidAddress is returned for filter addresses that are not
	// valid base58 Solana public keys.
	ErrInvalidAddress = errors.New("invalid solana address")
)

// RegistrationResult reports a successful registration.
type RegistrationResult struct {
	HeliusWebhookID string
	CallbackURL     string
}

// Orchestrator coordinates webhook create/delete against the external
// registrar, the metadata store and destination provisioning.
type Orchestrator struct {
	store     metadata.Store
	client    *Client
	registry  *destination.Registry
	serverURL string
	logger    *slog.Logger
}

// NewOrchestrator creates an Orchestrator. serverURL is this service's
// externally reachable base URL, used to build callback URLs.
func NewOrchestrator(store metadata.Store, client *Client, registry *destination.Registry, serverURL string, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:     store,
		client:    client,
		registry:  registry,
		serverURL: serverURL,
		logger:    logger.With("component", "registrar"),
	}
}

// Register registers the webhook with Helius and activates it. The
// request's programIds and accountAddresses are unioned with the filter
// sets already stored on the webhook; Helius has a single address-filter
// channel, so both land in accountAddresses. Destination storage is
// provisioned best-effort afterwards: a provisioning failure is logged
// only, since the table can be created lazily on first event.
func (o *Orchestrator) Register(ctx context.Context, webhookID string, programIDs, accountAddresses []string) (*RegistrationResult, error) {
	webhook, err := o.store.GetWebhook(ctx, webhookID)
	if err != nil {
		return nil, err
	}
	if webhook.DatabaseID == "" {
		return nil, fmt.Errorf("%w: webhook %s has no database reference", ErrMissingConfig, webhookID)
	}

	db, err := o.store.GetDatabase(ctx, webhook.DatabaseID)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return nil, fmt.Errorf("%w: database %s not found", ErrMissingConfig, webhook.DatabaseID)
		}
		return nil, err
	}

	connString, err := destination.Normalize(db)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingConfig, err)
	}

	addresses := unionAddresses(
		accountAddresses,
		programIDs,
		webhook.TrackedAddresses,
		webhook.ProgramIDs,
	)
	for _, addr := range addresses {
		if _, err := solana.PublicKeyFromBase58(addr); err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
		}
	}

	callbackURL := fmt.Sprintf("%s/webhook/helius/%s", o.serverURL, webhookID)

	heliusID, err := o.client.Register(ctx, callbackURL, addresses)
	if err != nil {
		return nil, err
	}

	o.logger.Info("webhook registered",
		"webhook_id", webhookID,
		"helius_webhook_id", heliusID,
		"addresses", len(addresses),
	)

	err = o.store.UpdateWebhook(ctx, webhookID, func(w *metadata.Webhook) error {
		w.HeliusWebhookID = heliusID
		w.Status = metadata.StatusActive
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("activate webhook %s: %w", webhookID, err)
	}

	o.provisionStorage(ctx, webhook, connString)

	return &RegistrationResult{HeliusWebhookID: heliusID, CallbackURL: callbackURL}, nil
}

// provisionStorage pre-creates the destination table non-destructively.
func (o *Orchestrator) provisionStorage(ctx context.Context, webhook *metadata.Webhook, connString string) {
	pool, err := o.registry.Get(ctx, connString)
	if err != nil {
		o.logger.Error("destination pool for provisioning", "webhook_id", webhook.ID, "error", err)
		return
	}

	shape := destination.TableProgramRegistration
	if webhook.EventKind == metadata.KindTokenPrice {
		shape = destination.TableTokenPrice
	}

	table := webhook.Table()
	if err := destination.EnsureTable(ctx, pool, table, shape, destination.PolicyEnsure); err != nil {
		o.logger.Error("provision destination table",
			"webhook_id", webhook.ID,
			"table", table,
			"error", err,
		)
		return
	}
	o.logger.Info("destination table provisioned", "webhook_id", webhook.ID, "table", table)
}

// Deregister deletes the external registration when one exists, then
// removes the webhook document. A registrar delete failure is logged but
// never blocks removal of the local record.
func (o *Orchestrator) Deregister(ctx context.Context, webhookID string) error {
	webhook, err := o.store.GetWebhook(ctx, webhookID)
	if err != nil {
		return err
	}

	if webhook.HeliusWebhookID != "" {
		if err := o.client.Delete(ctx, webhook.HeliusWebhookID); err != nil {
			o.logger.Error("delete helius webhook",
				"webhook_id", webhookID,
				"helius_webhook_id", webhook.HeliusWebhookID,
				"error", err,
			)
		} else {
			o.logger.Info("helius webhook deleted",
				"webhook_id", webhookID,
				"helius_webhook_id", webhook.HeliusWebhookID,
			)
		}
	}

	return o.store.DeleteWebhook(ctx, webhookID)
}

func unionAddresses(sets ...[]string) []string {
	seen := make(map[string]struct{})
	var result []string
	for _, set := range sets {
		for _, addr := range set {
			if addr == "" {
				continue
			}
			if _, ok := seen[addr]; ok {
				continue
			}
			seen[addr] = struct{}{}
			result = append(result, addr)
		}
	}
	return result
}
