package registrar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/solodyne/chainsink/internal/destination"
	"github.com/solodyne/chainsink/internal/metadata"
)

const (
	validAddr1 = "So11111111111111111111111111111111111111112"
	validAddr2 = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
)

type memStore struct {
	mu        sync.Mutex
	webhooks  map[string]*metadata.Webhook
	databases map[string]*metadata.Database
}

func newMemStore() *memStore {
	return &memStore{
		webhooks:  make(map[string]*metadata.Webhook),
		databases: make(map[string]*metadata.Database),
	}
}

func (s *memStore) GetWebhook(ctx context.Context, id string) (*metadata.Webhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.webhooks[id]
	if !ok {
		return nil, fmt.Errorf("webhook %s: %w", id, metadata.ErrNotFound)
	}
	copied := *w
	return &copied, nil
}

func (s *memStore) ListWebhooksByUser(ctx context.Context, userID string) ([]metadata.Webhook, error) {
	return nil, nil
}

func (s *memStore) PutWebhook(ctx context.Context, w *metadata.Webhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *w
	s.webhooks[w.ID] = &copied
	return nil
}

func (s *memStore) UpdateWebhook(ctx context.Context, id string, fn func(w *metadata.Webhook) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.webhooks[id]
	if !ok {
		return fmt.Errorf("webhook %s: %w", id, metadata.ErrNotFound)
	}
	return fn(w)
}

func (s *memStore) DeleteWebhook(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.webhooks[id]; !ok {
		return fmt.Errorf("webhook %s: %w", id, metadata.ErrNotFound)
	}
	delete(s.webhooks, id)
	return nil
}

func (s *memStore) GetDatabase(ctx context.Context, id string) (*metadata.Database, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.databases[id]
	if !ok {
		return nil, fmt.Errorf("database %s: %w", id, metadata.ErrNotFound)
	}
	copied := *d
	return &copied, nil
}

func (s *memStore) PutDatabase(ctx context.Context, d *metadata.Database) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *d
	s.databases[d.ID] = &copied
	return nil
}

type stubPool struct {
	mu    sync.Mutex
	execs []string
}

func (p *stubPool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.execs = append(p.execs, sql)
	return pgconn.NewCommandTag("CREATE TABLE"), nil
}

func (p *stubPool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (p *stubPool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return stubRow{}
}

func (p *stubPool) Ping(ctx context.Context) error { return nil }
func (p *stubPool) Close()                         {}

type stubRow struct{}

func (stubRow) Scan(dest ...any) error {
	if len(dest) == 1 {
		if b, ok := dest[0].(*bool); ok {
			*b = false
			return nil
		}
	}
	return errors.New("unexpected scan")
}

type orchFixture struct {
	store     *memStore
	pool      *stubPool
	poolErr   error
	orch      *Orchestrator
	registrar *httptest.Server

	mu        sync.Mutex
	registers []registrationRequest
	deletes   []string
}

func newOrchFixture(t *testing.T) *orchFixture {
	t.Helper()

	f := &orchFixture{store: newMemStore(), pool: &stubPool{}}

	f.registrar = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var req registrationRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode registration: %v", err)
			}
			f.mu.Lock()
			f.registers = append(f.registers, req)
			f.mu.Unlock()
			json.NewEncoder(w).Encode(map[string]string{"webhookID": "helius-abc"})
		case http.MethodDelete:
			f.mu.Lock()
			f.deletes = append(f.deletes, r.URL.Path)
			f.mu.Unlock()
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(f.registrar.Close)

	registry := destination.NewRegistry(func(ctx context.Context, connString string) (destination.Pool, error) {
		if f.poolErr != nil {
			return nil, f.poolErr
		}
		return f.pool, nil
	}, slog.New(slog.DiscardHandler))
	t.Cleanup(registry.CloseAll)

	client := NewClient(ClientConfig{BaseURL: f.registrar.URL, APIKey: "k"})
	f.orch = NewOrchestrator(f.store, client, registry, "https://relay.example.com", slog.New(slog.DiscardHandler))
	return f
}

func (f *orchFixture) seed(t *testing.T, w metadata.Webhook, withDB bool) {
	t.Helper()
	if w.ID == "" {
		w.ID = "wh-1"
	}
	if w.UserID == "" {
		w.UserID = "user-1"
	}
	if withDB {
		w.DatabaseID = "db-1"
		if err := f.store.PutDatabase(context.Background(), &metadata.Database{
			ID:               "db-1",
			UserID:           w.UserID,
			ConnectionString: "postgres://u:p@db.x.com:5432/solana",
		}); err != nil {
			t.Fatalf("seed database: %v", err)
		}
	}
	if err := f.store.PutWebhook(context.Background(), &w); err != nil {
		t.Fatalf("seed webhook: %v", err)
	}
}

func TestRegisterActivatesWebhook(t *testing.T) {
	f := newOrchFixture(t)
	f.seed(t, metadata.Webhook{
		EventKind:        metadata.KindTokenPrice,
		Status:           metadata.StatusPending,
		TrackedAddresses: []string{validAddr1},
	}, true)

	result, err := f.orch.Register(context.Background(), "wh-1", nil, []string{validAddr2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.HeliusWebhookID != "helius-abc" {
		t.Errorf("helius id = %q", result.HeliusWebhookID)
	}
	if result.CallbackURL != "https://relay.example.com/webhook/helius/wh-1" {
		t.Errorf("callback = %q", result.CallbackURL)
	}

	// Request addresses union with the stored filter set, deduplicated.
	if len(f.registers) != 1 {
		t.Fatalf("registrations = %d", len(f.registers))
	}
	addrs := f.registers[0].AccountAddresses
	if len(addrs) != 2 {
		t.Errorf("addresses = %v, want union of body and stored", addrs)
	}

	w, err := f.store.GetWebhook(context.Background(), "wh-1")
	if err != nil {
		t.Fatalf("get webhook: %v", err)
	}
	if w.Status != metadata.StatusActive || w.HeliusWebhookID != "helius-abc" {
		t.Errorf("webhook not activated: %+v", w)
	}

	// Token price destinations are provisioned non-destructively.
	var sawCreate bool
	for _, q := range f.pool.execs {
		if strings.Contains(q, "CREATE TABLE IF NOT EXISTS token_prices") {
			sawCreate = true
		}
		if strings.Contains(q, "DROP TABLE") {
			t.Errorf("provisioning dropped a table: %q", q)
		}
	}
	if !sawCreate {
		t.Error("destination table not provisioned")
	}
}

func TestRegisterUnknownWebhook(t *testing.T) {
	f := newOrchFixture(t)

	_, err := f.orch.Register(context.Background(), "missing", nil, nil)
	if !errors.Is(err, metadata.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRegisterRequiresDatabaseReference(t *testing.T) {
	f := newOrchFixture(t)
	f.seed(t, metadata.Webhook{EventKind: metadata.KindProgramInvocation, Status: metadata.StatusPending}, false)

	_, err := f.orch.Register(context.Background(), "wh-1", nil, nil)
	if !errors.Is(err, ErrMissingConfig) {
		t.Errorf("err = %v, want ErrMissingConfig", err)
	}
	if len(f.registers) != 0 {
		t.Error("registrar called despite missing configuration")
	}
}

func TestRegisterMissingDatabaseDocument(t *testing.T) {
	f := newOrchFixture(t)
	f.seed(t, metadata.Webhook{
		DatabaseID: "db-missing",
		EventKind:  metadata.KindProgramInvocation,
		Status:     metadata.StatusPending,
	}, false)

	_, err := f.orch.Register(context.Background(), "wh-1", nil, nil)
	if !errors.Is(err, ErrMissingConfig) {
		t.Errorf("err = %v, want ErrMissingConfig", err)
	}
}

func TestRegisterInvalidDestinationFailsBeforeRegistrar(t *testing.T) {
	f := newOrchFixture(t)
	f.seed(t, metadata.Webhook{
		DatabaseID: "db-1",
		EventKind:  metadata.KindProgramInvocation,
		Status:     metadata.StatusPending,
	}, false)
	if err := f.store.PutDatabase(context.Background(), &metadata.Database{
		ID:               "db-1",
		ConnectionString: "mysql://u:p@x/db",
	}); err != nil {
		t.Fatalf("seed database: %v", err)
	}

	_, err := f.orch.Register(context.Background(), "wh-1", nil, nil)
	if !errors.Is(err, ErrMissingConfig) {
		t.Errorf("err = %v, want ErrMissingConfig", err)
	}
	if len(f.registers) != 0 {
		t.Error("registrar called with an unusable destination")
	}
}

func TestRegisterRejectsInvalidAddress(t *testing.T) {
	f := newOrchFixture(t)
	f.seed(t, metadata.Webhook{EventKind: metadata.KindProgramInvocation, Status: metadata.StatusPending}, true)

	_, err := f.orch.Register(context.Background(), "wh-1", nil, []string{"not-base58!"})
	if !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("err = %v, want ErrInvalidAddress", err)
	}
	if len(f.registers) != 0 {
		t.Error("registrar called with an invalid address")
	}
}

func TestRegisterSurvivesProvisioningFailure(t *testing.T) {
	f := newOrchFixture(t)
	f.poolErr = errors.New("connection refused")
	f.seed(t, metadata.Webhook{
		EventKind:        metadata.KindProgramInvocation,
		Status:           metadata.StatusPending,
		TrackedAddresses: []string{validAddr1},
	}, true)

	result, err := f.orch.Register(context.Background(), "wh-1", nil, nil)
	if err != nil {
		t.Fatalf("registration failed on provisioning error: %v", err)
	}
	if result.HeliusWebhookID != "helius-abc" {
		t.Errorf("helius id = %q", result.HeliusWebhookID)
	}

	w, _ := f.store.GetWebhook(context.Background(), "wh-1")
	if w.Status != metadata.StatusActive {
		t.Errorf("webhook status = %s, want active", w.Status)
	}
}

func TestDeregisterDeletesExternalRegistration(t *testing.T) {
	f := newOrchFixture(t)
	f.seed(t, metadata.Webhook{
		EventKind:       metadata.KindProgramInvocation,
		Status:          metadata.StatusActive,
		HeliusWebhookID: "helius-abc",
	}, true)

	if err := f.orch.Deregister(context.Background(), "wh-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(f.deletes) != 1 || f.deletes[0] != "/v0/webhooks/helius-abc" {
		t.Errorf("deletes = %v", f.deletes)
	}
	if _, err := f.store.GetWebhook(context.Background(), "wh-1"); !errors.Is(err, metadata.ErrNotFound) {
		t.Errorf("webhook still present: %v", err)
	}
}

func TestDeregisterWithoutExternalRegistration(t *testing.T) {
	f := newOrchFixture(t)
	f.seed(t, metadata.Webhook{
		EventKind: metadata.KindProgramInvocation,
		Status:    metadata.StatusPending,
	}, true)

	if err := f.orch.Deregister(context.Background(), "wh-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(f.deletes) != 0 {
		t.Errorf("registrar delete called without an external ID: %v", f.deletes)
	}
	if _, err := f.store.GetWebhook(context.Background(), "wh-1"); !errors.Is(err, metadata.ErrNotFound) {
		t.Errorf("webhook still present: %v", err)
	}
}

func TestDeregisterUnknownWebhook(t *testing.T) {
	f := newOrchFixture(t)

	err := f.orch.Deregister(context.Background(), "missing")
	if !errors.Is(err, metadata.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUnionAddresses(t *testing.T) {
	got := unionAddresses(
		[]string{"a", "b"},
		[]string{"b", "c", ""},
		nil,
		[]string{"a", "d"},
	)
	want := []string{"a", "b", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("union = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("union[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
