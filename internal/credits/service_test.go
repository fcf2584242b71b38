package credits

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pixelmint/backend/internal/ledger"
	"github.com/pixelmint/backend/internal/models"
)

// ---------------------------------------------------------------------------
// In-memory mocks for TxBeginner, UserLocker, LedgerStore and ReferralStore.
// These let us test the real accounting logic, including per-user
// serialization, without a database.
// ---------------------------------------------------------------------------

// fakeTx satisfies pgx.Tx; the service only calls Commit and Rollback.
// Unlock callbacks registered by the mocks run once when the tx ends,
// mimicking row locks released at commit/rollback time.
type fakeTx struct {
	pgx.Tx

	mu    sync.Mutex
	done  []func()
	ended bool
}

func (t *fakeTx) onDone(f func()) {
	t.mu.Lock()
	t.done = append(t.done, f)
	t.mu.Unlock()
}

func (t *fakeTx) finish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		return
	}
	t.ended = true
	for i := len(t.done) - 1; i >= 0; i-- {
		t.done[i]()
	}
}

func (t *fakeTx) Commit(context.Context) error   { t.finish(); return nil }
func (t *fakeTx) Rollback(context.Context) error { t.finish(); return nil }

type fakeDB struct{}

func (fakeDB) Begin(context.Context) (pgx.Tx, error) { return &fakeTx{}, nil }

// --- UserLocker mock with real per-user mutexes ---

type memUsers struct {
	mu    sync.Mutex
	users map[uuid.UUID]*models.User
	locks map[uuid.UUID]*sync.Mutex
}

func newMemUsers(users ...*models.User) *memUsers {
	m := &memUsers{
		users: make(map[uuid.UUID]*models.User),
		locks: make(map[uuid.UUID]*sync.Mutex),
	}
	for _, u := range users {
		cp := *u
		m.users[u.ID] = &cp
	}
	return m
}

func (m *memUsers) GetByIDForUpdate(_ context.Context, tx pgx.Tx, id uuid.UUID) (*models.User, error) {
	m.mu.Lock()
	u := m.users[id]
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	m.mu.Unlock()

	if u == nil {
		return nil, nil
	}
	l.Lock()
	if ft, ok := tx.(*fakeTx); ok {
		ft.onDone(l.Unlock)
	} else {
		l.Unlock()
	}
	cp := *u
	return &cp, nil
}

// --- LedgerStore mock ---

type memLedger struct {
	mu      sync.Mutex
	entries []*models.LedgerEntry
	clock   func() time.Time
}

func newMemLedger() *memLedger {
	return &memLedger{clock: time.Now}
}

func (m *memLedger) Append(_ context.Context, _ pgx.Tx, e *models.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, have := range m.entries {
		if have.RequestID == e.RequestID {
			return ledger.ErrDuplicateRequest
		}
	}
	cp := *e
	cp.CreatedAt = m.clock()
	e.CreatedAt = cp.CreatedAt
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *memLedger) FindByRequest(_ context.Context, _ pgx.Tx, userID uuid.UUID, requestID string) (*models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.UserID == userID && e.RequestID == requestID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memLedger) FindByRequestGlobal(_ context.Context, requestID string) (*models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.RequestID == requestID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memLedger) Transition(_ context.Context, requestID, fromStatus, toStatus string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.RequestID == requestID && e.Status == fromStatus {
			e.Status = toStatus
			return true, nil
		}
	}
	return false, nil
}

func (m *memLedger) DayDebits(_ context.Context, _ pgx.Tx, userID uuid.UUID, since time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, e := range m.entries {
		if e.UserID != userID || e.Amount >= 0 {
			continue
		}
		if e.Status != models.EntryStatusReserved && e.Status != models.EntryStatusCommitted {
			continue
		}
		if e.CreatedAt.Before(since) {
			continue
		}
		total += -e.Amount
	}
	return total, nil
}

func (m *memLedger) sums(userID uuid.UUID) (balance, reserved int64) {
	for _, e := range m.entries {
		if e.UserID != userID {
			continue
		}
		switch e.Status {
		case models.EntryStatusCommitted, models.EntryStatusGranted:
			balance += e.Amount
		case models.EntryStatusReserved:
			reserved += -e.Amount
		}
	}
	return balance, reserved
}

func (m *memLedger) Sums(_ context.Context, _ pgx.Tx, userID uuid.UUID) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	balance, reserved := m.sums(userID)
	return balance, reserved, nil
}

func (m *memLedger) SumsPool(_ context.Context, userID uuid.UUID) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	balance, reserved := m.sums(userID)
	return balance, reserved, nil
}

func (m *memLedger) ListStaleReserved(_ context.Context, cutoff time.Time, limit int) ([]*models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.LedgerEntry
	for _, e := range m.entries {
		if e.Status == models.EntryStatusReserved && e.CreatedAt.Before(cutoff) {
			cp := *e
			out = append(out, &cp)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memLedger) SumGrantedByAction(_ context.Context, userID uuid.UUID, action string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, e := range m.entries {
		if e.UserID == userID && e.Status == models.EntryStatusGranted && e.Action == action {
			total += e.Amount
		}
	}
	return total, nil
}

func (m *memLedger) byStatus(status string) []*models.LedgerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.LedgerEntry
	for _, e := range m.entries {
		if e.Status == status {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out
}

func (m *memLedger) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// seedGranted appends a settled grant directly, giving the user an opening
// balance without going through the service.
func (m *memLedger) seedGranted(userID uuid.UUID, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, &models.LedgerEntry{
		ID:        uuid.New(),
		UserID:    userID,
		RequestID: "seed-" + uuid.NewString(),
		Action:    models.ActionAdminGrant,
		Amount:    amount,
		Status:    models.EntryStatusGranted,
		CreatedAt: m.clock(),
	})
}

// seedDebit appends a debit entry with the given status, dated now.
func (m *memLedger) seedDebit(userID uuid.UUID, amount int64, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, &models.LedgerEntry{
		ID:        uuid.New(),
		UserID:    userID,
		RequestID: "seed-" + uuid.NewString(),
		Action:    models.ActionImageGeneration,
		Amount:    -amount,
		Status:    status,
		CreatedAt: m.clock(),
	})
}

// --- ReferralStore mock ---

type memReferrals struct {
	mu      sync.Mutex
	signups map[[2]uuid.UUID]bool
}

func newMemReferrals() *memReferrals {
	return &memReferrals{signups: make(map[[2]uuid.UUID]bool)}
}

func (m *memReferrals) Create(_ context.Context, _ pgx.Tx, referrerID, referredID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [2]uuid.UUID{referrerID, referredID}
	if m.signups[key] {
		return false, nil
	}
	m.signups[key] = true
	return true, nil
}

func (m *memReferrals) CountByReferrer(_ context.Context, referrerID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key := range m.signups {
		if key[0] == referrerID {
			n++
		}
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

func usr(id uuid.UUID, dailyCap int64) *models.User {
	u := &models.User{ID: id, Role: models.RoleUser}
	if dailyCap > 0 {
		u.DailyCap = &dailyCap
	}
	return u
}

func newTestService(users *memUsers, entries *memLedger, cfg Config) *Service {
	return NewService(fakeDB{}, users, entries, newMemReferrals(), cfg)
}

// ---------------------------------------------------------------------------
// Reserve
// ---------------------------------------------------------------------------

func TestReserve_HoldsCredits(t *testing.T) {
	user := uuid.New()
	entries := newMemLedger()
	entries.seedGranted(user, 1000)
	svc := newTestService(newMemUsers(usr(user, 0)), entries, Config{})

	ctx := context.Background()
	res, err := svc.Reserve(ctx, user, "req-1", models.ActionImageGeneration, 200, nil)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if res.Available != 800 {
		t.Errorf("available after reserve: got %d, want 800", res.Available)
	}
	if res.Replayed {
		t.Error("fresh reservation should not be marked replayed")
	}

	holds := entries.byStatus(models.EntryStatusReserved)
	if len(holds) != 1 {
		t.Fatalf("reserved entries: got %d, want 1", len(holds))
	}
	if holds[0].Amount != -200 {
		t.Errorf("hold amount: got %d, want -200", holds[0].Amount)
	}
	if holds[0].UserID != user || holds[0].RequestID != "req-1" {
		t.Error("hold entry should belong to the user and request")
	}
}

func TestReserve_InsufficientCredits(t *testing.T) {
	user := uuid.New()
	entries := newMemLedger()
	entries.seedGranted(user, 2)
	svc := newTestService(newMemUsers(usr(user, 0)), entries, Config{})

	before := entries.count()
	_, err := svc.Reserve(context.Background(), user, "req-1", models.ActionImageGeneration, 3, nil)
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got: %v", err)
	}
	if entries.count() != before {
		t.Error("failed reserve must not create a ledger entry")
	}
}

func TestReserve_Idempotent(t *testing.T) {
	user := uuid.New()
	entries := newMemLedger()
	entries.seedGranted(user, 100)
	svc := newTestService(newMemUsers(usr(user, 0)), entries, Config{})

	ctx := context.Background()
	first, err := svc.Reserve(ctx, user, "req-dup", models.ActionImageGeneration, 10, nil)
	if err != nil {
		t.Fatalf("first Reserve: %v", err)
	}
	second, err := svc.Reserve(ctx, user, "req-dup", models.ActionImageGeneration, 10, nil)
	if err != nil {
		t.Fatalf("replayed Reserve: %v", err)
	}

	if !second.Replayed {
		t.Error("second call should be marked replayed")
	}
	if second.ReservationID != first.ReservationID {
		t.Error("replay must resolve to the original reservation id")
	}
	if second.Available != first.Available {
		t.Errorf("replay available: got %d, want %d", second.Available, first.Available)
	}
	if got := len(entries.byStatus(models.EntryStatusReserved)); got != 1 {
		t.Errorf("reserved entries after replay: got %d, want 1", got)
	}
}

func TestReserve_RequestIDOwnedByOtherUser(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	entries := newMemLedger()
	entries.seedGranted(alice, 100)
	entries.seedGranted(bob, 100)
	svc := newTestService(newMemUsers(usr(alice, 0), usr(bob, 0)), entries, Config{})

	ctx := context.Background()
	if _, err := svc.Reserve(ctx, alice, "shared-req", models.ActionImageGeneration, 10, nil); err != nil {
		t.Fatalf("Reserve alice: %v", err)
	}
	_, err := svc.Reserve(ctx, bob, "shared-req", models.ActionImageGeneration, 10, nil)
	if !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Daily cap
// ---------------------------------------------------------------------------

func TestReserve_DailyCapExceeded(t *testing.T) {
	user := uuid.New()
	entries := newMemLedger()
	entries.seedGranted(user, 1000) // plenty of balance
	for i := 0; i < 5; i++ {
		entries.seedDebit(user, 1, models.EntryStatusCommitted)
	}
	svc := newTestService(newMemUsers(usr(user, 5)), entries, Config{})

	before := entries.count()
	_, err := svc.Reserve(context.Background(), user, "req-cap", models.ActionImageGeneration, 1, nil)
	if !errors.Is(err, ErrDailyCapExceeded) {
		t.Fatalf("expected ErrDailyCapExceeded, got: %v", err)
	}
	if entries.count() != before {
		t.Error("cap failure must not create a ledger entry")
	}
}

func TestReserve_CapCountsReservedHolds(t *testing.T) {
	user := uuid.New()
	entries := newMemLedger()
	entries.seedGranted(user, 1000)
	entries.seedDebit(user, 4, models.EntryStatusReserved)
	svc := newTestService(newMemUsers(usr(user, 5)), entries, Config{})

	_, err := svc.Reserve(context.Background(), user, "req-cap", models.ActionImageGeneration, 2, nil)
	if !errors.Is(err, ErrDailyCapExceeded) {
		t.Fatalf("expected ErrDailyCapExceeded (4 reserved + 2 > 5), got: %v", err)
	}
}

func TestReserve_CapIgnoresRefunded(t *testing.T) {
	user := uuid.New()
	entries := newMemLedger()
	entries.seedGranted(user, 1000)
	entries.seedDebit(user, 5, models.EntryStatusRefunded)
	svc := newTestService(newMemUsers(usr(user, 5)), entries, Config{})

	if _, err := svc.Reserve(context.Background(), user, "req-ok", models.ActionImageGeneration, 5, nil); err != nil {
		t.Fatalf("refunded spend must not count toward the cap: %v", err)
	}
}

func TestAllowToday_NoRowsIsUnderCap(t *testing.T) {
	svc := newTestService(newMemUsers(), newMemLedger(), Config{})

	ok, err := svc.AllowToday(context.Background(), uuid.New(), 3, 5)
	if err != nil {
		t.Fatalf("AllowToday: %v", err)
	}
	if !ok {
		t.Error("a user with no spend today must be under cap")
	}
}

func TestReserve_CapWindowResetsAtUTCMidnight(t *testing.T) {
	user := uuid.New()
	entries := newMemLedger()

	yesterday := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	today := time.Date(2026, 3, 2, 1, 0, 0, 0, time.UTC)

	entries.clock = func() time.Time { return yesterday }
	entries.seedGranted(user, 1000)
	entries.seedDebit(user, 5, models.EntryStatusCommitted)

	entries.clock = func() time.Time { return today }
	svc := newTestService(newMemUsers(usr(user, 5)), entries, Config{})
	svc.now = func() time.Time { return today }

	if _, err := svc.Reserve(context.Background(), user, "req-new-day", models.ActionImageGeneration, 5, nil); err != nil {
		t.Fatalf("yesterday's spend must not count toward today's cap: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Finalize
// ---------------------------------------------------------------------------

func TestFinalize_CommitIdempotentAndConflicting(t *testing.T) {
	user := uuid.New()
	entries := newMemLedger()
	entries.seedGranted(user, 100)
	svc := newTestService(newMemUsers(usr(user, 0)), entries, Config{})

	ctx := context.Background()
	if _, err := svc.Reserve(ctx, user, "req-f", models.ActionImageGeneration, 10, nil); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	if err := svc.Finalize(ctx, "req-f", DispositionCommit); err != nil {
		t.Fatalf("Finalize commit: %v", err)
	}
	// Idempotent retry.
	if err := svc.Finalize(ctx, "req-f", DispositionCommit); err != nil {
		t.Errorf("repeated commit should be a no-op success, got: %v", err)
	}
	// Conflicting disposition.
	if err := svc.Finalize(ctx, "req-f", DispositionRefund); !errors.Is(err, ErrInvalidFinalizeStatus) {
		t.Errorf("expected ErrInvalidFinalizeStatus, got: %v", err)
	}

	balance, available, err := svc.Balances(ctx, user)
	if err != nil {
		t.Fatalf("Balances: %v", err)
	}
	if balance != 90 || available != 90 {
		t.Errorf("after commit: balance=%d available=%d, want 90/90", balance, available)
	}
}

func TestFinalize_UnknownRequest(t *testing.T) {
	svc := newTestService(newMemUsers(), newMemLedger(), Config{})
	if err := svc.Finalize(context.Background(), "nope", DispositionCommit); !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("expected ErrUnknownRequest, got: %v", err)
	}
}

func TestFinalize_GrantedEntryIsNotFinalizable(t *testing.T) {
	user := uuid.New()
	entries := newMemLedger()
	svc := newTestService(newMemUsers(usr(user, 0)), entries, Config{})

	if _, err := svc.Grant(context.Background(), user, 10, models.ActionAdminGrant, "grant-req", nil); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if err := svc.Finalize(context.Background(), "grant-req", DispositionRefund); !errors.Is(err, ErrInvalidFinalizeStatus) {
		t.Fatalf("expected ErrInvalidFinalizeStatus for granted entry, got: %v", err)
	}
}

func TestRefundRoundTrip(t *testing.T) {
	user := uuid.New()
	entries := newMemLedger()
	entries.seedGranted(user, 100)
	svc := newTestService(newMemUsers(usr(user, 0)), entries, Config{})

	ctx := context.Background()
	_, before, err := svc.Balances(ctx, user)
	if err != nil {
		t.Fatalf("Balances: %v", err)
	}

	if _, err := svc.Reserve(ctx, user, "req-r", models.ActionVideoGeneration, 40, nil); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := svc.Finalize(ctx, "req-r", DispositionRefund); err != nil {
		t.Fatalf("Finalize refund: %v", err)
	}

	_, after, err := svc.Balances(ctx, user)
	if err != nil {
		t.Fatalf("Balances: %v", err)
	}
	if after != before {
		t.Errorf("refund round-trip: available before=%d after=%d, want equal", before, after)
	}
}

// ---------------------------------------------------------------------------
// Scenario from the product flow: balance=10, cost=2, reserve twice,
// commit one, refund the other.
// ---------------------------------------------------------------------------

func TestScenario_CommitOneRefundOne(t *testing.T) {
	user := uuid.New()
	entries := newMemLedger()
	entries.seedGranted(user, 10)
	svc := newTestService(newMemUsers(usr(user, 5)), entries, Config{})

	ctx := context.Background()
	r1, err := svc.Reserve(ctx, user, "r1", models.ActionImageGeneration, 2, nil)
	if err != nil {
		t.Fatalf("reserve r1: %v", err)
	}
	if r1.Available != 8 {
		t.Errorf("after r1: available=%d, want 8", r1.Available)
	}
	r2, err := svc.Reserve(ctx, user, "r2", models.ActionImageGeneration, 2, nil)
	if err != nil {
		t.Fatalf("reserve r2: %v", err)
	}
	if r2.Available != 6 {
		t.Errorf("after r2: available=%d, want 6", r2.Available)
	}

	if err := svc.Finalize(ctx, "r1", DispositionCommit); err != nil {
		t.Fatalf("finalize r1: %v", err)
	}
	if err := svc.Finalize(ctx, "r2", DispositionRefund); err != nil {
		t.Fatalf("finalize r2: %v", err)
	}

	balance, available, err := svc.Balances(ctx, user)
	if err != nil {
		t.Fatalf("Balances: %v", err)
	}
	if balance != 8 || available != 8 {
		t.Errorf("final: balance=%d available=%d, want 8/8", balance, available)
	}
}

// ---------------------------------------------------------------------------
// Concurrency: no overspend for any interleaving of reserves.
// ---------------------------------------------------------------------------

func TestConcurrentReserve_NoOverspend(t *testing.T) {
	user := uuid.New()
	entries := newMemLedger()
	entries.seedGranted(user, 10)
	svc := newTestService(newMemUsers(usr(user, 0)), entries, Config{})

	const attempts = 25
	var wg sync.WaitGroup
	results := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Reserve(context.Background(), user, "req-"+uuid.NewString(), models.ActionImageGeneration, 1, nil)
			results[i] = err
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrInsufficientCredits):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 10 {
		t.Errorf("reservations granted: got %d, want exactly 10", succeeded)
	}

	_, _, errSums := svc.Balances(context.Background(), user)
	if errSums != nil {
		t.Fatalf("Balances: %v", errSums)
	}
	var held int64
	for _, e := range entries.byStatus(models.EntryStatusReserved) {
		held += -e.Amount
	}
	if held > 10 {
		t.Errorf("held %d credits against a balance of 10", held)
	}
}

// ---------------------------------------------------------------------------
// Grants and referrals
// ---------------------------------------------------------------------------

func TestGrant_Replay(t *testing.T) {
	user := uuid.New()
	entries := newMemLedger()
	svc := newTestService(newMemUsers(usr(user, 0)), entries, Config{})

	ctx := context.Background()
	meta := json.RawMessage(`{"note":"welcome"}`)
	first, err := svc.Grant(ctx, user, 50, models.ActionSignupBonus, "signup-"+user.String(), meta)
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if first != 50 {
		t.Errorf("new balance: got %d, want 50", first)
	}

	second, err := svc.Grant(ctx, user, 50, models.ActionSignupBonus, "signup-"+user.String(), meta)
	if err != nil {
		t.Fatalf("replayed Grant: %v", err)
	}
	if second != 50 {
		t.Errorf("replayed grant balance: got %d, want 50", second)
	}
	if got := len(entries.byStatus(models.EntryStatusGranted)); got != 1 {
		t.Errorf("granted entries after replay: got %d, want 1", got)
	}
}

func TestGrant_GeneratesRequestID(t *testing.T) {
	user := uuid.New()
	entries := newMemLedger()
	svc := newTestService(newMemUsers(usr(user, 0)), entries, Config{})

	if _, err := svc.Grant(context.Background(), user, 5, "", "", nil); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	grants := entries.byStatus(models.EntryStatusGranted)
	if len(grants) != 1 {
		t.Fatalf("granted entries: got %d, want 1", len(grants))
	}
	if !strings.HasPrefix(grants[0].RequestID, "grant-") {
		t.Errorf("generated request id %q should have grant- prefix", grants[0].RequestID)
	}
	if grants[0].Action != models.ActionAdminGrant {
		t.Errorf("default action: got %q, want %q", grants[0].Action, models.ActionAdminGrant)
	}
}

func TestReferral_ExactlyOnce(t *testing.T) {
	referrer, referred := uuid.New(), uuid.New()
	entries := newMemLedger()
	referrals := newMemReferrals()
	svc := NewService(fakeDB{}, newMemUsers(usr(referrer, 0)), entries, referrals, Config{ReferralBonus: 25})

	ctx := context.Background()
	granted, err := svc.AwardReferralBonus(ctx, referrer, referred)
	if err != nil {
		t.Fatalf("AwardReferralBonus: %v", err)
	}
	if !granted {
		t.Fatal("first qualifying event must grant the bonus")
	}

	granted, err = svc.AwardReferralBonus(ctx, referrer, referred)
	if err != nil {
		t.Fatalf("duplicate AwardReferralBonus: %v", err)
	}
	if granted {
		t.Error("duplicate event must not grant a second bonus")
	}

	stats, err := svc.GetReferralStats(ctx, referrer)
	if err != nil {
		t.Fatalf("GetReferralStats: %v", err)
	}
	if stats.ReferredCount != 1 {
		t.Errorf("referred count: got %d, want 1", stats.ReferredCount)
	}
	if stats.CreditsFromReferrals != 25 {
		t.Errorf("credits from referrals: got %d, want 25", stats.CreditsFromReferrals)
	}
	if got := len(entries.byStatus(models.EntryStatusGranted)); got != 1 {
		t.Errorf("granted entries: got %d, want 1", got)
	}
}

func TestReferral_ExactlyOnceConcurrent(t *testing.T) {
	referrer, referred := uuid.New(), uuid.New()
	entries := newMemLedger()
	referrals := newMemReferrals()
	svc := NewService(fakeDB{}, newMemUsers(usr(referrer, 0)), entries, referrals, Config{ReferralBonus: 25})

	const triggers = 8
	var wg sync.WaitGroup
	var grantedCount int64
	var mu sync.Mutex
	for i := 0; i < triggers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			granted, err := svc.AwardReferralBonus(context.Background(), referrer, referred)
			if err != nil {
				t.Errorf("AwardReferralBonus: %v", err)
				return
			}
			if granted {
				mu.Lock()
				grantedCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if grantedCount != 1 {
		t.Errorf("bonus granted %d times, want exactly once", grantedCount)
	}
	if got := len(entries.byStatus(models.EntryStatusGranted)); got != 1 {
		t.Errorf("granted entries: got %d, want 1", got)
	}
}

// ---------------------------------------------------------------------------
// Stale reservation sweep
// ---------------------------------------------------------------------------

func TestSweepStale_RefundsAbandonedHolds(t *testing.T) {
	user := uuid.New()
	entries := newMemLedger()

	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	entries.clock = func() time.Time { return start }
	entries.seedGranted(user, 100)

	svc := newTestService(newMemUsers(usr(user, 0)), entries, Config{})
	svc.now = func() time.Time { return start }

	ctx := context.Background()
	if _, err := svc.Reserve(ctx, user, "req-stale", models.ActionImageGeneration, 30, nil); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	// Two hours pass with no finalize.
	svc.now = func() time.Time { return start.Add(2 * time.Hour) }
	refunded, err := svc.SweepStale(ctx, time.Hour)
	if err != nil {
		t.Fatalf("SweepStale: %v", err)
	}
	if refunded != 1 {
		t.Errorf("refunded: got %d, want 1", refunded)
	}

	_, available, err := svc.Balances(ctx, user)
	if err != nil {
		t.Fatalf("Balances: %v", err)
	}
	if available != 100 {
		t.Errorf("available after sweep: got %d, want 100", available)
	}

	// Repeating the sweep finds nothing left to refund.
	refunded, err = svc.SweepStale(ctx, time.Hour)
	if err != nil {
		t.Fatalf("second SweepStale: %v", err)
	}
	if refunded != 0 {
		t.Errorf("second sweep refunded %d, want 0", refunded)
	}
}

func TestSweepStale_LeavesFreshHolds(t *testing.T) {
	user := uuid.New()
	entries := newMemLedger()
	entries.seedGranted(user, 100)
	svc := newTestService(newMemUsers(usr(user, 0)), entries, Config{})

	ctx := context.Background()
	if _, err := svc.Reserve(ctx, user, "req-fresh", models.ActionImageGeneration, 10, nil); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	refunded, err := svc.SweepStale(ctx, time.Hour)
	if err != nil {
		t.Fatalf("SweepStale: %v", err)
	}
	if refunded != 0 {
		t.Errorf("fresh reservation swept: refunded=%d, want 0", refunded)
	}
}
