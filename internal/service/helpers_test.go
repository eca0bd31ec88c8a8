package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"registry-licensing-system/internal/cache"
	"registry-licensing-system/internal/clock"
	"registry-licensing-system/internal/database"
	"registry-licensing-system/internal/model"
	"registry-licensing-system/internal/store"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	testKey       = "TF2506M-ABCDEFGH-12345678"
	testAnnualKey = "TF2506A-ABCDEFGH-87654321"
	demoKey       = "TF2512A-KVX3DGZT-0L68B1TY"
	demoTenant    = "tenant_tf2512akvx3dgzt0l68b1ty"
)

var testNow = time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)

// flakyStore 可以按需让范围查询或全部查询失败
type flakyStore struct {
	store.RecordStore

	mu        sync.Mutex
	failRange bool
	failAll   bool
	listCalls int
}

func (s *flakyStore) List(ctx context.Context, tenantID string, filter *model.IDRange) ([]model.Registration, error) {
	s.mu.Lock()
	s.listCalls++
	failAll, failRange := s.failAll, s.failRange
	s.mu.Unlock()

	if failAll {
		return nil, errors.New("connection refused")
	}
	if failRange && filter != nil {
		return nil, errors.New("range query not supported")
	}
	return s.RecordStore.List(ctx, tenantID, filter)
}

func (s *flakyStore) set(failRange, failAll bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failRange, s.failAll = failRange, failAll
}

func (s *flakyStore) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listCalls
}

// memStore 并发测试用的内存存储
type memStore struct {
	mu   sync.Mutex
	regs []model.Registration
}

func (s *memStore) List(_ context.Context, tenantID string, filter *model.IDRange) ([]model.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Registration
	for _, r := range s.regs {
		if r.TenantID != tenantID {
			continue
		}
		if filter != nil && (r.Number < filter.From || r.Number > filter.To) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *memStore) Exists(_ context.Context, tenantID, number string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.regs {
		if r.TenantID == tenantID && r.Number == number && !r.Deleted {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) Create(_ context.Context, reg *model.Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reg.Module == "" {
		reg.Module = model.ModuleLogistics
	}
	for _, r := range s.regs {
		if r.TenantID == reg.TenantID && r.Number == reg.Number && r.Module == reg.Module && !r.Deleted {
			return fmt.Errorf("%w: %s", store.ErrDuplicateRegistration, reg.Number)
		}
	}
	reg.ID = uint(len(s.regs) + 1)
	s.regs = append(s.regs, *reg)
	return nil
}

func (s *memStore) MarkDeleted(_ context.Context, tenantID, number string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.regs {
		if s.regs[i].TenantID == tenantID && s.regs[i].Number == number && !s.regs[i].Deleted {
			s.regs[i].Deleted = true
			n++
		}
	}
	if n == 0 {
		return store.ErrRegistrationNotFound
	}
	return nil
}

// recordingMirror 记录台账同步调用
type recordingMirror struct {
	mu      sync.Mutex
	synced  []model.LedgerEntry
	batches [][]model.LedgerEntry
}

func (m *recordingMirror) SyncEntry(_ context.Context, e model.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.synced = append(m.synced, e)
	return nil
}

func (m *recordingMirror) BatchSyncEntries(_ context.Context, entries []model.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, entries)
	return nil
}

type testEnv struct {
	db         *gorm.DB
	store      *flakyStore
	cache      *cache.MemoryCache
	clock      *clock.FakeClock
	mirror     *recordingMirror
	ledger     *LicenseLedger
	licenses   *LicenseManager
	reconciler *Reconciler
	allocator  *SequenceAllocator
	quota      *QuotaGate
	registrar  *Registrar
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithLimits(t, nil)
}

func newTestEnvWithLimits(t *testing.T, limits LimitTable) *testEnv {
	t.Helper()
	db := database.InitTestDB(t)
	env := &testEnv{
		db:     db,
		store:  &flakyStore{RecordStore: store.NewGormRecordStore(db)},
		cache:  cache.NewMemoryCache(),
		clock:  clock.NewFakeClock(testNow),
		mirror: &recordingMirror{},
	}
	env.ledger = NewLicenseLedger(env.cache, env.clock, env.mirror, nil)
	env.licenses = NewLicenseManager(env.cache, env.clock, LicenseManagerConfig{
		Demo:    DemoLicense{LicenseKey: demoKey, TenantID: demoTenant},
		Ledger:  env.ledger,
		AuditDB: db,
	})
	env.reconciler = NewReconciler(env.store, env.cache, env.clock, ReconcilerConfig{
		StoreTimeout: time.Second,
		AuditDB:      db,
	})
	env.allocator = NewSequenceAllocator(env.reconciler, env.cache, env.clock, nil)
	env.quota = NewQuotaGate(env.store, env.licenses, env.clock, QuotaGateConfig{
		Limits:       limits,
		StoreTimeout: time.Second,
		Grace:        5 * time.Second,
	})
	env.registrar = NewRegistrar(env.licenses, env.quota, env.allocator, env.store, env.cache, env.clock, RegistrarConfig{
		StoreTimeout: time.Second,
	})
	return env
}

// seed 直接写入存储，创建时间为当前时钟
func (e *testEnv) seed(t *testing.T, tenantID string, numbers ...string) {
	t.Helper()
	for _, n := range numbers {
		e.seedAt(t, tenantID, n, model.ModuleLogistics, e.clock.Now())
	}
}

func (e *testEnv) seedAt(t *testing.T, tenantID, number, module string, createdAt time.Time) {
	t.Helper()
	require.NoError(t, e.store.Create(context.Background(), &model.Registration{
		TenantID:  tenantID,
		Number:    number,
		Year:      2025,
		Module:    module,
		CreatedAt: createdAt,
	}))
}

func (e *testEnv) setHint(t *testing.T, tenantID, value string) {
	t.Helper()
	require.NoError(t, e.cache.Set(context.Background(), cache.SequenceHintKey(tenantID, "25"), value))
}

func (e *testEnv) hint(t *testing.T, tenantID string) (string, bool) {
	t.Helper()
	v, ok, err := e.cache.Get(context.Background(), cache.SequenceHintKey(tenantID, "25"))
	require.NoError(t, err)
	return v, ok
}

// putLicense 直接写入当前许可证
func (e *testEnv) putLicense(t *testing.T, lic model.License) {
	t.Helper()
	b, err := json.Marshal(lic)
	require.NoError(t, err)
	require.NoError(t, e.cache.Set(context.Background(), cache.KeyActiveLicense, string(b)))
}

func (e *testEnv) activate(t *testing.T, key string) *model.License {
	t.Helper()
	lic, err := e.licenses.Activate(context.Background(), key, ActivateOptions{})
	require.NoError(t, err)
	return lic
}

func numbers(from, to int) []string {
	var out []string
	for i := from; i <= to; i++ {
		out = append(out, FormatRegistrationID("25", i))
	}
	return out
}
