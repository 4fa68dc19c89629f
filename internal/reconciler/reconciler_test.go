package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixtrade/positiond/internal/domain"
)

// memStore is an in-memory PositionStore mirroring the SQL implementation's
// conditional transitions.
type memStore struct {
	mu      sync.Mutex
	records map[string]domain.PositionRecord
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]domain.PositionRecord)}
}

func (s *memStore) put(rec domain.PositionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
}

func (s *memStore) get(id string) domain.PositionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[id]
}

func (s *memStore) CreateActive(_ context.Context, rec domain.PositionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.AccountID == rec.AccountID && r.Symbol == rec.Symbol && r.Status.Active() {
			return domain.ErrPositionConflict
		}
	}
	s.records[rec.ID] = rec
	return nil
}

func (s *memStore) GetActive(_ context.Context, accountID, symbol string) (domain.PositionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.AccountID == accountID && r.Symbol == symbol && r.Status.Active() {
			return r, nil
		}
	}
	return domain.PositionRecord{}, domain.ErrNotFound
}

func (s *memStore) GetByID(_ context.Context, id string) (domain.PositionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return domain.PositionRecord{}, domain.ErrNotFound
	}
	return r, nil
}

func (s *memStore) ConfirmFill(_ context.Context, id string, size, sizeUSD, entryPrice float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok || r.Status != domain.PositionStatusPending {
		return domain.ErrNotFound
	}
	r.Status = domain.PositionStatusOpen
	r.Size = size
	r.SizeUSD = sizeUSD
	r.EntryPrice = entryPrice
	s.records[id] = r
	return nil
}

func (s *memStore) ApplyFill(_ context.Context, id string, size, sizeUSD, entryPrice float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok || r.Status != domain.PositionStatusOpen {
		return domain.ErrNotFound
	}
	r.Size = size
	r.SizeUSD = sizeUSD
	r.EntryPrice = entryPrice
	s.records[id] = r
	return nil
}

func (s *memStore) Close(_ context.Context, id string, closePrice, realizedPnL float64, exitReason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok || r.Status != domain.PositionStatusOpen {
		return domain.ErrNotFound
	}
	now := time.Now().UTC()
	r.Status = domain.PositionStatusClosed
	r.ClosePrice = &closePrice
	r.RealizedPnL = realizedPnL
	r.ExitReason = exitReason
	r.ClosedAt = &now
	s.records[id] = r
	return nil
}

func (s *memStore) MarkFailed(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok || r.Status != domain.PositionStatusPending {
		return domain.ErrNotFound
	}
	r.Status = domain.PositionStatusFailed
	r.ExitReason = reason
	s.records[id] = r
	return nil
}

func (s *memStore) SumActiveUSD(_ context.Context, strategyID string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum float64
	for _, r := range s.records {
		if r.StrategyID == strategyID && r.Status.Active() {
			sum += r.SizeUSD
		}
	}
	return sum, nil
}

func (s *memStore) ListActiveAccounts(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]bool{}
	var accounts []string
	for _, r := range s.records {
		if r.Status.Active() && !seen[r.AccountID] {
			seen[r.AccountID] = true
			accounts = append(accounts, r.AccountID)
		}
	}
	return accounts, nil
}

func (s *memStore) ListActiveByAccount(_ context.Context, accountID string) ([]domain.PositionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.PositionRecord
	for _, r := range s.records {
		if r.AccountID == accountID && r.Status.Active() {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) ListHistory(_ context.Context, accountID string, _ domain.ListOpts) ([]domain.PositionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.PositionRecord
	for _, r := range s.records {
		if r.AccountID == accountID && !r.Status.Active() {
			out = append(out, r)
		}
	}
	return out, nil
}

// memLocker is an in-memory SlotLocker. Contended keys fail with ErrLockHeld.
type memLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemLocker() *memLocker {
	return &memLocker{held: make(map[string]bool)}
}

func (l *memLocker) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = true
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.held, key)
		})
	}, nil
}

// fakeExchange serves canned positions per account.
type fakeExchange struct {
	positions map[string][]domain.ExchangePosition
	err       error
}

func (f *fakeExchange) GetPositions(_ context.Context, accountID string) ([]domain.ExchangePosition, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.positions[accountID], nil
}

func (f *fakeExchange) GetEquity(context.Context, string) (float64, error) {
	return 0, nil
}

// captureArchiver stores archived payloads for inspection.
type captureArchiver struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (a *captureArchiver) Archive(_ context.Context, _ time.Time, payload []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.payloads = append(a.payloads, payload)
	return nil
}

func testConfig() Config {
	return Config{
		Interval:          time.Minute,
		GracePeriod:       2 * time.Minute,
		StaleClaimTimeout: 5 * time.Minute,
		SizeTolerance:     0.01,
		AdoptOwnerID:      "reconciler",
		LockTTL:           10 * time.Second,
	}
}

func newTestReconciler(cfg Config, store *memStore, locks domain.SlotLocker, exch domain.ExchangeReader, arch ReportArchiver) *Reconciler {
	return New(cfg, store, locks, exch, nil, nil, nil, arch, slog.Default())
}

func openRecord(id, accountID, symbol string, size, sizeUSD, entry float64, age time.Duration) domain.PositionRecord {
	return domain.PositionRecord{
		ID:         id,
		StrategyID: "momentum",
		AccountID:  accountID,
		Symbol:     symbol,
		Side:       domain.SideLong,
		Size:       size,
		SizeUSD:    sizeUSD,
		EntryPrice: entry,
		Leverage:   1,
		Status:     domain.PositionStatusOpen,
		OpenedAt:   time.Now().UTC().Add(-age),
	}
}

func TestSweepClosesZombieAfterGrace(t *testing.T) {
	store := newMemStore()
	store.put(openRecord("pos-1", "acct-1", "BTC-USD", 0.1, 5000, 50000, 10*time.Minute))

	r := newTestReconciler(testConfig(), store, newMemLocker(), &fakeExchange{}, nil)
	report, err := r.Sweep(context.Background())
	require.NoError(t, err)

	rec := store.get("pos-1")
	assert.Equal(t, domain.PositionStatusClosed, rec.Status)
	assert.Equal(t, domain.ExitReasonZombie, rec.ExitReason)
	assert.InDelta(t, 0, rec.RealizedPnL, 1e-9)

	require.Len(t, report.Corrections, 1)
	assert.Equal(t, "zombie", report.Corrections[0].Kind)
}

func TestSweepLeavesYoungPositionInGrace(t *testing.T) {
	store := newMemStore()
	store.put(openRecord("pos-1", "acct-1", "BTC-USD", 0.1, 5000, 50000, 30*time.Second))

	r := newTestReconciler(testConfig(), store, newMemLocker(), &fakeExchange{}, nil)
	report, err := r.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.PositionStatusOpen, store.get("pos-1").Status)
	assert.Empty(t, report.Corrections)
}

func TestSweepFailsStalePendingClaim(t *testing.T) {
	store := newMemStore()
	stale := openRecord("pos-1", "acct-1", "BTC-USD", 0, 0, 0, 10*time.Minute)
	stale.Status = domain.PositionStatusPending
	store.put(stale)

	fresh := openRecord("pos-2", "acct-1", "ETH-USD", 0, 0, 0, time.Minute)
	fresh.Status = domain.PositionStatusPending
	store.put(fresh)

	r := newTestReconciler(testConfig(), store, newMemLocker(), &fakeExchange{}, nil)
	report, err := r.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.PositionStatusFailed, store.get("pos-1").Status)
	assert.Equal(t, domain.ExitReasonStaleClaim, store.get("pos-1").ExitReason)
	assert.Equal(t, domain.PositionStatusPending, store.get("pos-2").Status)

	require.Len(t, report.Corrections, 1)
	assert.Equal(t, "stale_claim", report.Corrections[0].Kind)
}

func TestSweepSyncsDivergedSize(t *testing.T) {
	store := newMemStore()
	store.put(openRecord("pos-1", "acct-1", "BTC-USD", 0.1, 5000, 50000, 10*time.Minute))

	exch := &fakeExchange{positions: map[string][]domain.ExchangePosition{
		"acct-1": {{Symbol: "BTC-USD", Side: domain.SideLong, Size: 0.08, SizeUSD: 4000, EntryPrice: 50000}},
	}}

	r := newTestReconciler(testConfig(), store, newMemLocker(), exch, nil)
	report, err := r.Sweep(context.Background())
	require.NoError(t, err)

	rec := store.get("pos-1")
	assert.InDelta(t, 0.08, rec.Size, 1e-9)
	assert.InDelta(t, 4000, rec.SizeUSD, 1e-9)

	require.Len(t, report.Corrections, 1)
	assert.Equal(t, "size_sync", report.Corrections[0].Kind)
}

func TestSweepIgnoresDivergenceWithinTolerance(t *testing.T) {
	store := newMemStore()
	store.put(openRecord("pos-1", "acct-1", "BTC-USD", 0.1, 5000, 50000, 10*time.Minute))

	exch := &fakeExchange{positions: map[string][]domain.ExchangePosition{
		"acct-1": {{Symbol: "BTC-USD", Side: domain.SideLong, Size: 0.1005, SizeUSD: 5025, EntryPrice: 50000}},
	}}

	r := newTestReconciler(testConfig(), store, newMemLocker(), exch, nil)
	report, err := r.Sweep(context.Background())
	require.NoError(t, err)

	assert.InDelta(t, 0.1, store.get("pos-1").Size, 1e-9)
	assert.Empty(t, report.Corrections)
}

func TestSweepFlagsOrphanByDefault(t *testing.T) {
	store := newMemStore()
	// An active row elsewhere so the account shows up in the sweep.
	store.put(openRecord("pos-1", "acct-1", "ETH-USD", 1, 3000, 3000, 10*time.Minute))

	exch := &fakeExchange{positions: map[string][]domain.ExchangePosition{
		"acct-1": {
			{Symbol: "ETH-USD", Side: domain.SideLong, Size: 1, SizeUSD: 3000, EntryPrice: 3000},
			{Symbol: "BTC-USD", Side: domain.SideShort, Size: 0.2, SizeUSD: 10000, EntryPrice: 50000},
		},
	}}

	r := newTestReconciler(testConfig(), store, newMemLocker(), exch, nil)
	report, err := r.Sweep(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Corrections, 1)
	assert.Equal(t, "orphan_flagged", report.Corrections[0].Kind)
	assert.Equal(t, "BTC-USD", report.Corrections[0].Symbol)

	// Flagging never writes a ledger row.
	_, err = store.GetActive(context.Background(), "acct-1", "BTC-USD")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSweepAdoptsOrphanWhenEnabled(t *testing.T) {
	store := newMemStore()
	store.put(openRecord("pos-1", "acct-1", "ETH-USD", 1, 3000, 3000, 10*time.Minute))

	exch := &fakeExchange{positions: map[string][]domain.ExchangePosition{
		"acct-1": {
			{Symbol: "ETH-USD", Side: domain.SideLong, Size: 1, SizeUSD: 3000, EntryPrice: 3000},
			{Symbol: "BTC-USD", Side: domain.SideShort, Size: 0.2, SizeUSD: 10000, EntryPrice: 50000},
		},
	}}

	cfg := testConfig()
	cfg.AdoptOrphans = true

	r := newTestReconciler(cfg, store, newMemLocker(), exch, nil)
	report, err := r.Sweep(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Corrections, 1)
	assert.Equal(t, "orphan_adopted", report.Corrections[0].Kind)

	rec, err := store.GetActive(context.Background(), "acct-1", "BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusOpen, rec.Status)
	assert.Equal(t, "reconciler", rec.StrategyID)
	assert.Equal(t, domain.StrategyTypeExternal, rec.StrategyType)
	assert.Equal(t, domain.SideShort, rec.Side)
	assert.InDelta(t, 0.2, rec.Size, 1e-9)
}

func TestSweepSkipsAccountOnExchangeFailure(t *testing.T) {
	store := newMemStore()
	store.put(openRecord("pos-1", "acct-1", "BTC-USD", 0.1, 5000, 50000, time.Hour))

	exch := &fakeExchange{err: errors.New("gateway timeout")}

	r := newTestReconciler(testConfig(), store, newMemLocker(), exch, nil)
	report, err := r.Sweep(context.Background())
	require.NoError(t, err)

	// Unknown exchange state must never be treated as flat.
	assert.Equal(t, domain.PositionStatusOpen, store.get("pos-1").Status)
	assert.Equal(t, 1, report.AccountsSkipped)
	assert.Empty(t, report.Corrections)
}

func TestSweepSkipsSlotWithHeldLock(t *testing.T) {
	store := newMemStore()
	store.put(openRecord("pos-1", "acct-1", "BTC-USD", 0.1, 5000, 50000, time.Hour))

	locks := newMemLocker()
	unlock, err := locks.Acquire(context.Background(), domain.SlotKey("acct-1", "BTC-USD"), time.Minute)
	require.NoError(t, err)
	defer unlock()

	r := newTestReconciler(testConfig(), store, locks, &fakeExchange{}, nil)
	report, err := r.Sweep(context.Background())
	require.NoError(t, err)

	// The live holder wins; the zombie candidate waits for the next sweep.
	assert.Equal(t, domain.PositionStatusOpen, store.get("pos-1").Status)
	assert.Equal(t, 1, report.SlotsSkipped)
}

func TestSweepArchivesReport(t *testing.T) {
	store := newMemStore()
	store.put(openRecord("pos-1", "acct-1", "BTC-USD", 0.1, 5000, 50000, 10*time.Minute))

	arch := &captureArchiver{}
	r := newTestReconciler(testConfig(), store, newMemLocker(), &fakeExchange{}, arch)
	_, err := r.Sweep(context.Background())
	require.NoError(t, err)

	require.Len(t, arch.payloads, 1)
	var archived Report
	require.NoError(t, json.Unmarshal(arch.payloads[0], &archived))
	assert.Equal(t, 1, archived.Accounts)
	require.Len(t, archived.Corrections, 1)
	assert.Equal(t, "zombie", archived.Corrections[0].Kind)
}

func TestRelDiff(t *testing.T) {
	assert.InDelta(t, 0, relDiff(0, 0), 1e-12)
	assert.InDelta(t, 0.2, relDiff(0.08, 0.1), 1e-9)
	assert.InDelta(t, 1, relDiff(0, 5), 1e-12)
}
