// Package memory is an in-process implementation of every repository
// interface. Transactions are serialized and roll back by restoring a copy
// of the data taken when the transaction began.
package memory

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/account"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/billing"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/pkg/database"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

type txKey struct{}

type data struct {
	accounts      map[string]account.Account
	usage         map[string]account.UsageRecord
	subscriptions map[string]billing.Subscription
	payments      map[string]billing.PaymentRecord
	events        map[string]billing.WebhookEvent
}

func (d data) clone() data {
	return data{
		accounts:      maps.Clone(d.accounts),
		usage:         maps.Clone(d.usage),
		subscriptions: maps.Clone(d.subscriptions),
		payments:      maps.Clone(d.payments),
		events:        maps.Clone(d.events),
	}
}

// Store holds all entities in memory
type Store struct {
	mu    sync.Mutex
	txMu  sync.Mutex
	clock clockwork.Clock
	data  data
}

// NewStore creates an empty store using clock for timestamps
func NewStore(clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		clock: clock,
		data: data{
			accounts:      make(map[string]account.Account),
			usage:         make(map[string]account.UsageRecord),
			subscriptions: make(map[string]billing.Subscription),
			payments:      make(map[string]billing.PaymentRecord),
			events:        make(map[string]billing.WebhookEvent),
		},
	}
}

func (s *Store) now() time.Time {
	return s.clock.Now().UTC()
}

func newID() string {
	return uuid.NewString()
}

// Accounts returns the account repository view
func (s *Store) Accounts() account.AccountRepository { return &accountRepository{s: s} }

// Usage returns the usage repository view
func (s *Store) Usage() account.UsageRepository { return &usageRepository{s: s} }

// Subscriptions returns the subscription repository view
func (s *Store) Subscriptions() billing.SubscriptionRepository {
	return &subscriptionRepository{s: s}
}

// Payments returns the payment repository view
func (s *Store) Payments() billing.PaymentRepository { return &paymentRepository{s: s} }

// WebhookEvents returns the webhook event repository view
func (s *Store) WebhookEvents() billing.WebhookEventRepository {
	return &webhookEventRepository{s: s}
}

// Transactor returns a database.Transactor backed by this store
func (s *Store) Transactor() database.Transactor { return s }

// WithinTransaction serializes fn against other transactions and restores
// the previous data if fn fails
func (s *Store) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := s.data.clone()
	s.mu.Unlock()

	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		s.mu.Lock()
		s.data = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

// UsageRecords returns every stored usage record, for assertions
func (s *Store) UsageRecords() []account.UsageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]account.UsageRecord, 0, len(s.data.usage))
	for _, r := range s.data.usage {
		out = append(out, r)
	}
	return out
}
