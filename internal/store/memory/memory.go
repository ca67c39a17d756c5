// internal/store/memory/memory.go

// Package memory implements every store contract in process. It keeps the
// compare-and-set and uniqueness semantics of the Postgres repositories and
// backs package tests and local runs without a database.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/javajoker/imi-commission/internal/callback"
	"github.com/javajoker/imi-commission/internal/commission"
	"github.com/javajoker/imi-commission/internal/hierarchy"
	"github.com/javajoker/imi-commission/internal/ledger"
	"github.com/javajoker/imi-commission/internal/models"
)

// Operations that can be made to fail with Fail.
const (
	OpGetUser       = "users.get"
	OpGetOrder      = "orders.get"
	OpTransition    = "orders.transition"
	OpLedgerApply   = "ledger.apply"
	OpCallbackSave  = "callbacks.save"
	OpCallbackClaim = "callbacks.claim"
)

type fault struct {
	err       error
	remaining int
}

type Store struct {
	mu sync.Mutex

	users         map[uuid.UUID]models.User
	orders        map[uuid.UUID]models.Order
	balances      map[uuid.UUID]models.Balance
	transactions  map[uuid.UUID][]models.LedgerTransaction
	refs          map[string]models.LedgerTransaction
	callbacks     map[models.CallbackKey]models.PaymentCallbackRecord
	rates         map[string][]models.RateEntry
	activeRates   string
	notifications []models.AdminNotification
	faults        map[string]*fault

	now func() time.Time
}

func New() *Store {
	return &Store{
		users:        make(map[uuid.UUID]models.User),
		orders:       make(map[uuid.UUID]models.Order),
		balances:     make(map[uuid.UUID]models.Balance),
		transactions: make(map[uuid.UUID][]models.LedgerTransaction),
		refs:         make(map[string]models.LedgerTransaction),
		callbacks:    make(map[models.CallbackKey]models.PaymentCallbackRecord),
		rates:        make(map[string][]models.RateEntry),
		faults:       make(map[string]*fault),
		now:          time.Now,
	}
}

// Fail makes the next times calls of op return err.
func (s *Store) Fail(op string, times int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = &fault{err: err, remaining: times}
}

// check must be called with mu held.
func (s *Store) check(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, ok := s.faults[op]
	if !ok || f.remaining == 0 {
		return nil
	}
	f.remaining--
	return f.err
}

// Users

func (s *Store) PutUser(u models.User) models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.Rank == "" {
		u.Rank = models.RankNormal
	}
	now := s.now()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	u.AncestorPath = append([]string(nil), u.AncestorPath...)
	s.users[u.ID] = u
	return u
}

// AddUser creates a user under parent, deriving the ancestor path.
func (s *Store) AddUser(username string, rank models.Rank, parent *uuid.UUID) models.User {
	u := models.User{Username: username, Rank: rank, ParentID: parent}
	if parent != nil {
		s.mu.Lock()
		p, ok := s.users[*parent]
		s.mu.Unlock()
		if ok {
			u.AncestorPath = append(append([]string(nil), p.AncestorPath...), parent.String())
		}
	}
	return s.PutUser(u)
}

func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, OpGetUser); err != nil {
		return nil, err
	}
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", hierarchy.ErrUserNotFound, id)
	}
	u.AncestorPath = append([]string(nil), u.AncestorPath...)
	return &u, nil
}

// Rates

func (s *Store) PutRates(version string, entries []models.RateEntry, activate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make([]models.RateEntry, len(entries))
	for i, e := range entries {
		e.Version = version
		rows[i] = e
	}
	s.rates[version] = rows
	if activate {
		s.activeRates = version
	}
}

func (s *Store) GetRates(ctx context.Context, version string) ([]models.RateEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, ok := s.rates[version]
	if !ok {
		return nil, fmt.Errorf("%w: %s", commission.ErrRateVersionNotFound, version)
	}
	return append([]models.RateEntry(nil), rows...), nil
}

func (s *Store) ActiveVersion(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.activeRates == "" {
		return "", commission.ErrRateVersionNotFound
	}
	return s.activeRates, nil
}

// Orders

func (s *Store) PutOrder(o models.Order) models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.State == "" {
		o.State = models.OrderStateCreated
	}
	now := s.now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	s.orders[o.ID] = o
	return o
}

func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, OpGetOrder); err != nil {
		return nil, err
	}
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", callback.ErrOrderNotFound, id)
	}
	return &o, nil
}

func (s *Store) TransitionOrder(ctx context.Context, id uuid.UUID, from, to models.OrderState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, OpTransition); err != nil {
		return err
	}
	o, ok := s.orders[id]
	if !ok {
		return fmt.Errorf("%w: %s", callback.ErrOrderNotFound, id)
	}
	if o.State != from {
		return fmt.Errorf("%w: order %s is %s, expected %s", callback.ErrOrderConflict, id, o.State, from)
	}
	now := s.now()
	o.State = to
	o.UpdatedAt = now
	switch to {
	case models.OrderStatePaid:
		o.PaidAt = &now
	case models.OrderStateSettled:
		o.SettledAt = &now
	}
	s.orders[id] = o
	return nil
}

func (s *Store) ClaimSettlement(ctx context.Context, id uuid.UUID, ref string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return false, err
	}
	o, ok := s.orders[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", callback.ErrOrderNotFound, id)
	}
	if o.SettlementRef == nil {
		o.SettlementRef = &ref
		s.orders[id] = o
		return true, nil
	}
	return *o.SettlementRef == ref, nil
}

// Ledger

func (s *Store) UpsertBalanceAndAppendTransaction(ctx context.Context, m ledger.Mutation) (*models.LedgerTransaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, OpLedgerApply); err != nil {
		return nil, false, err
	}

	if m.ExternalRef != nil {
		if prior, ok := s.refs[*m.ExternalRef]; ok {
			return &prior, true, nil
		}
	}

	bal, ok := s.balances[m.BeneficiaryID]
	if !ok {
		if m.RequireExisting {
			return nil, false, fmt.Errorf("%w: %s", ledger.ErrBeneficiaryNotFound, m.BeneficiaryID)
		}
		bal = models.Balance{BeneficiaryID: m.BeneficiaryID}
	}

	available := bal.Available + m.AvailableDelta
	held := bal.Held + m.HeldDelta
	if held < 0 || (available < 0 && !m.AllowNegative) {
		return nil, false, fmt.Errorf("%w: available %d held %d", ledger.ErrInsufficientBalance, bal.Available, bal.Held)
	}

	now := s.now()
	tx := models.LedgerTransaction{
		ID:            uuid.New(),
		BeneficiaryID: m.BeneficiaryID,
		Sequence:      bal.LastSequence + 1,
		Type:          m.Type,
		Status:        models.TransactionStatusCompleted,
		Amount:        m.AvailableDelta,
		HeldDelta:     m.HeldDelta,
		BalanceBefore: bal.Available,
		BalanceAfter:  available,
		HeldBefore:    bal.Held,
		HeldAfter:     held,
		ExternalRef:   m.ExternalRef,
		Metadata:      m.Metadata,
		CreatedAt:     now,
	}

	bal.Available, bal.Held, bal.LastSequence, bal.UpdatedAt = available, held, tx.Sequence, now
	s.balances[m.BeneficiaryID] = bal
	s.transactions[m.BeneficiaryID] = append(s.transactions[m.BeneficiaryID], tx)
	if m.ExternalRef != nil {
		s.refs[*m.ExternalRef] = tx
	}
	return &tx, false, nil
}

func (s *Store) GetBalance(ctx context.Context, id uuid.UUID) (*models.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bal, ok := s.balances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrBeneficiaryNotFound, id)
	}
	return &bal, nil
}

// ListTransactions returns newest first.
func (s *Store) ListTransactions(ctx context.Context, id uuid.UUID, limit, offset int) ([]models.LedgerTransaction, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	all := s.transactions[id]
	total := int64(len(all))

	out := make([]models.LedgerTransaction, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		out = append(out, all[i])
	}
	return page(out, limit, offset), total, nil
}

func (s *Store) SumCompleted(ctx context.Context, id uuid.UUID) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	var available, held int64
	for _, tx := range s.transactions[id] {
		if tx.Status == models.TransactionStatusCompleted {
			available += tx.Amount
			held += tx.HeldDelta
		}
	}
	return available, held, nil
}

// Callbacks

func cloneRecord(r models.PaymentCallbackRecord) *models.PaymentCallbackRecord {
	if r.Plan != nil {
		r.Plan = append(make(models.DistributionPlan, 0, len(r.Plan)), r.Plan...)
	}
	return &r
}

func (s *Store) Register(ctx context.Context, rec *models.PaymentCallbackRecord) (*models.PaymentCallbackRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	key := rec.Key()
	if existing, ok := s.callbacks[key]; ok {
		return cloneRecord(existing), false, nil
	}
	stored := *cloneRecord(*rec)
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	now := s.now()
	stored.CreatedAt, stored.UpdatedAt = now, now
	s.callbacks[key] = stored
	return cloneRecord(stored), true, nil
}

func (s *Store) Get(ctx context.Context, key models.CallbackKey) (*models.PaymentCallbackRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, ok := s.callbacks[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", callback.ErrCallbackNotFound, key.Provider, key.ProviderTxID)
	}
	return cloneRecord(rec), nil
}

func (s *Store) Claim(ctx context.Context, key models.CallbackKey, token string, now time.Time, lease time.Duration) (*models.PaymentCallbackRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, OpCallbackClaim); err != nil {
		return nil, err
	}
	rec, ok := s.callbacks[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", callback.ErrCallbackNotFound, key.Provider, key.ProviderTxID)
	}

	expired := rec.Status == models.CallbackStatusProcessing && rec.LeaseExpiresAt != nil && !rec.LeaseExpiresAt.After(now)
	if rec.Status != models.CallbackStatusReceived && !expired {
		return nil, callback.ErrNotClaimable
	}

	until := now.Add(lease)
	rec.Status = models.CallbackStatusProcessing
	rec.ClaimToken = &token
	rec.LeaseExpiresAt = &until
	rec.UpdatedAt = now
	s.callbacks[key] = rec
	return cloneRecord(rec), nil
}

func (s *Store) Save(ctx context.Context, rec *models.PaymentCallbackRecord, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, OpCallbackSave); err != nil {
		return err
	}
	key := rec.Key()
	stored, ok := s.callbacks[key]
	if !ok {
		return fmt.Errorf("%w: %s/%s", callback.ErrCallbackNotFound, key.Provider, key.ProviderTxID)
	}
	if stored.Status != models.CallbackStatusProcessing || stored.ClaimToken == nil || *stored.ClaimToken != token {
		return callback.ErrClaimLost
	}

	stored.Status = rec.Status
	stored.RetryCount = rec.RetryCount
	stored.NextAttemptAt = rec.NextAttemptAt
	stored.ClaimToken = rec.ClaimToken
	stored.LeaseExpiresAt = rec.LeaseExpiresAt
	stored.LastError = rec.LastError
	stored.Plan = rec.Plan
	stored.AppliedAt = rec.AppliedAt
	stored.UpdatedAt = s.now()
	s.callbacks[key] = *cloneRecord(stored)
	return nil
}

func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]models.PaymentCallbackRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var due []models.PaymentCallbackRecord
	for _, rec := range s.callbacks {
		switch {
		case rec.Status == models.CallbackStatusReceived && (rec.NextAttemptAt == nil || !rec.NextAttemptAt.After(now)):
		case rec.Status == models.CallbackStatusProcessing && rec.LeaseExpiresAt != nil && !rec.LeaseExpiresAt.After(now):
		default:
			continue
		}
		due = append(due, *cloneRecord(rec))
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ReceivedAt.Before(due[j].ReceivedAt) })
	return page(due, limit, 0), nil
}

func (s *Store) ListByStatus(ctx context.Context, status models.CallbackStatus, limit, offset int) ([]models.PaymentCallbackRecord, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	var out []models.PaymentCallbackRecord
	for _, rec := range s.callbacks {
		if status == "" || rec.Status == status {
			out = append(out, *cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	return page(out, limit, offset), int64(len(out)), nil
}

func (s *Store) Requeue(ctx context.Context, key models.CallbackKey, now time.Time) (*models.PaymentCallbackRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, ok := s.callbacks[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", callback.ErrCallbackNotFound, key.Provider, key.ProviderTxID)
	}
	if rec.Status != models.CallbackStatusManualReview {
		return nil, fmt.Errorf("%w: status is %s", callback.ErrNotRequeueable, rec.Status)
	}
	rec.Status = models.CallbackStatusReceived
	rec.RetryCount = 0
	rec.NextAttemptAt = &now
	rec.LastError = ""
	rec.UpdatedAt = now
	s.callbacks[key] = rec
	return cloneRecord(rec), nil
}

// Notifications

func (s *Store) CreateNotification(ctx context.Context, n *models.AdminNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	now := s.now()
	n.CreatedAt, n.UpdatedAt = now, now
	s.notifications = append(s.notifications, *n)
	return nil
}

// ListNotifications returns newest first, optionally filtered by status.
func (s *Store) ListNotifications(ctx context.Context, status string, limit, offset int) ([]models.AdminNotification, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	var out []models.AdminNotification
	for i := len(s.notifications) - 1; i >= 0; i-- {
		if status == "" || s.notifications[i].Status == status {
			out = append(out, s.notifications[i])
		}
	}
	return page(out, limit, offset), int64(len(out)), nil
}

func (s *Store) MarkRead(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	now := s.now()
	for i := range s.notifications {
		if s.notifications[i].ID == id && s.notifications[i].Status == "unread" {
			s.notifications[i].Status = "read"
			s.notifications[i].ReadAt = &now
		}
	}
	return nil
}

func (s *Store) Notifications() []models.AdminNotification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.AdminNotification(nil), s.notifications...)
}

// Transactions returns every ledger entry of a beneficiary, oldest first.
func (s *Store) Transactions(id uuid.UUID) []models.LedgerTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.LedgerTransaction(nil), s.transactions[id]...)
}

func page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
