// Package metadata provides the document store holding webhook routing
// configuration and destination database descriptors.
package metadata

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a referenced document does not exist.
var ErrNotFound = errors.New("document not found")

// EventKind identifies what a webhook extracts from inbound transactions.
type EventKind string

const (
	KindProgramInvocation EventKind = "program_invocation"
	KindTokenPrice        EventKind = "token_price"
)

// Status represents the lifecycle state of a webhook.
type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusError    Status = "error"
)

// Default destination table names per event kind.
const (
	DefaultProgramTable    = "solana_program_invocations"
	DefaultTokenPriceTable = "token_prices"
)

// Webhook routes inbound events of one kind to one destination table.
// A webhook only accepts deliveries while Status is active, and is never
// active without a HeliusWebhookID.
type Webhook struct {
	ID               string     `json:"id"`
	UserID           string     `json:"userId"`
	DatabaseID       string     `json:"databaseId"`
	Name             string     `json:"name"`
	Description      string     `json:"description,omitempty"`
	EventKind        EventKind  `json:"eventKind"`
	ProgramIDs       []string   `json:"programIds,omitempty"`
	TrackedAddresses []string   `json:"trackedAddresses,omitempty"`
	TableName        string     `json:"tableName,omitempty"`
	Status           Status     `json:"status"`
	HeliusWebhookID  string     `json:"heliusWebhookId,omitempty"`
	DeliveryCount    int64      `json:"deliveryCount"`
	LastDeliveredAt  *time.Time `json:"lastDeliveredAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// Table returns the configured destination table, falling back to the
// kind's default name.
func (w *Webhook) Table() string {
	if w.TableName != "" {
		return w.TableName
	}
	if w.EventKind == KindTokenPrice {
		return DefaultTokenPriceTable
	}
	return DefaultProgramTable
}

// Database describes a user-owned destination Postgres instance, either as
// a complete connector string or as discrete fields.
type Database struct {
	ID               string `json:"id"`
	UserID           string `json:"userId"`
	Name             string `json:"name"`
	ConnectionString string `json:"connectionString,omitempty"`
	Host             string `json:"host,omitempty"`
	Port             string `json:"port,omitempty"`
	DBName           string `json:"dbName,omitempty"`
	Username         string `json:"username,omitempty"`
	Password         string `json:"password,omitempty"`
	SSL              bool   `json:"ssl"`
}

// Store is the metadata document store the ingestion pipeline reads
// routing configuration from and writes status/counters back to.
type Store interface {
	GetWebhook(ctx context.Context, id string) (*Webhook, error)
	ListWebhooksByUser(ctx context.Context, userID string) ([]Webhook, error)
	PutWebhook(ctx context.Context, w *Webhook) error
	// UpdateWebhook applies fn to the current document and writes the
	// result back. The read-modify-write is not atomic across concurrent
	// callers; counter updates are last-write-wins.
	UpdateWebhook(ctx context.Context, id string, fn func(w *Webhook) error) error
	DeleteWebhook(ctx context.Context, id string) error

	GetDatabase(ctx context.Context, id string) (*Database, error)
	PutDatabase(ctx context.Context, d *Database) error
}
