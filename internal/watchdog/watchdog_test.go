package watchdog

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/botpod/botpod/internal/config"
	"github.com/botpod/botpod/internal/db"
	"github.com/botpod/botpod/internal/metrics"
	"github.com/botpod/botpod/internal/runtime"
)

type fakeMgr struct {
	statuses  map[string]*runtime.Status
	statusErr map[string]error
	started   []string
	restarted []string
}

func (f *fakeMgr) Status(ctx context.Context, tenantID string) (*runtime.Status, error) {
	if err, ok := f.statusErr[tenantID]; ok {
		return nil, err
	}
	return f.statuses[tenantID], nil
}

func (f *fakeMgr) Start(ctx context.Context, tenantID string) error {
	f.started = append(f.started, tenantID)
	return nil
}

func (f *fakeMgr) Restart(ctx context.Context, tenantID string) error {
	f.restarted = append(f.restarted, tenantID)
	return nil
}

type fakeStore struct {
	tenants []*db.Tenant

	statuses    map[int64]db.ContainerStatus
	restarts    map[int64]int
	touched     []int64
	deactivated []int64
	events      []db.EventKind
	alerts      []*db.Alert
}

func newFakeStore(tenants ...*db.Tenant) *fakeStore {
	return &fakeStore{
		tenants:  tenants,
		statuses: make(map[int64]db.ContainerStatus),
		restarts: make(map[int64]int),
	}
}

func (f *fakeStore) ListActiveTenants() ([]*db.Tenant, error) {
	active := []*db.Tenant{}
	for _, t := range f.tenants {
		if t.IsActive {
			active = append(active, t)
		}
	}
	return active, nil
}

func (f *fakeStore) SetContainerStatus(tenantID int64, status db.ContainerStatus) error {
	f.statuses[tenantID] = status
	return nil
}

func (f *fakeStore) IncrementRestartCount(tenantID int64) error {
	f.restarts[tenantID]++
	return nil
}

func (f *fakeStore) TouchHealthCheck(tenantID int64, at time.Time) error {
	f.touched = append(f.touched, tenantID)
	return nil
}

func (f *fakeStore) Deactivate(tenantID int64) error {
	f.deactivated = append(f.deactivated, tenantID)
	for _, t := range f.tenants {
		if t.ID == tenantID {
			t.IsActive = false
		}
	}
	return nil
}

func (f *fakeStore) AppendEvent(e *db.LifecycleEvent) error {
	f.events = append(f.events, e.Kind)
	return nil
}

func (f *fakeStore) CreateAlert(a *db.Alert) error {
	f.alerts = append(f.alerts, a)
	return nil
}

type notification struct {
	severity db.AlertSeverity
	message  string
}

type fakeSink struct {
	sent []notification
}

func (f *fakeSink) Notify(severity db.AlertSeverity, message string) {
	f.sent = append(f.sent, notification{severity, message})
}

type fakePruner struct {
	calls int
}

func (f *fakePruner) Prune(ctx context.Context) (int, error) {
	f.calls++
	return 1, nil
}

func testWatchdog(mgr *fakeMgr, store *fakeStore, sink *fakeSink, pruner Pruner, cfg config.WatchdogConfig) *Watchdog {
	coll := metrics.NewCollector(prometheus.NewRegistry())
	return New(mgr, store, sink, pruner, coll, cfg, zap.NewNop())
}

func unhealthy(state string) *runtime.Status {
	return &runtime.Status{State: state, Running: state == "running", Healthy: false}
}

func healthy() *runtime.Status {
	return &runtime.Status{State: "running", Running: true, Healthy: true, Health: "healthy"}
}

var testCfg = config.WatchdogConfig{
	Interval:           time.Minute,
	MaxRestartAttempts: 3,
}

func TestEscalationAfterMaxAttempts(t *testing.T) {
	tenant := &db.Tenant{ID: 1, CanonicalID: "alice", IsActive: true}
	mgr := &fakeMgr{statuses: map[string]*runtime.Status{"alice": unhealthy("running")}}
	store := newFakeStore(tenant)
	sink := &fakeSink{}
	w := testWatchdog(mgr, store, sink, nil, testCfg)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		w.pass(ctx)
	}

	// Restarts until the counter hits the maximum, then one deactivation,
	// then nothing: the tenant dropped out of the active set.
	assert.Len(t, mgr.restarted, 2)
	assert.Equal(t, []int64{1}, store.deactivated)
	assert.Equal(t, 2, store.restarts[1])

	require.Len(t, store.alerts, 1)
	assert.Equal(t, db.SeverityCritical, store.alerts[0].Severity)
	assert.Contains(t, store.alerts[0].Message, "alice")

	var critical []notification
	for _, n := range sink.sent {
		if n.severity == db.SeverityCritical {
			critical = append(critical, n)
		}
	}
	assert.Len(t, critical, 1)
	assert.Contains(t, store.events, db.EventMaxRestarts)
}

func TestRecoveryResetsAttempts(t *testing.T) {
	tenant := &db.Tenant{ID: 1, CanonicalID: "alice", IsActive: true}
	mgr := &fakeMgr{statuses: map[string]*runtime.Status{"alice": unhealthy("running")}}
	store := newFakeStore(tenant)
	w := testWatchdog(mgr, store, &fakeSink{}, nil, testCfg)

	ctx := context.Background()
	w.pass(ctx)
	w.pass(ctx)

	mgr.statuses["alice"] = healthy()
	w.pass(ctx)
	assert.Equal(t, db.StatusRunning, store.statuses[1])

	// A fresh failure streak gets the full budget again: the maximum of
	// 3 consecutive failures, not the 1 remaining before recovery.
	mgr.statuses["alice"] = unhealthy("running")
	w.pass(ctx)
	w.pass(ctx)
	assert.Empty(t, store.deactivated)

	w.pass(ctx)
	assert.Equal(t, []int64{1}, store.deactivated)
}

func TestExitedContainerGetsStartNotRestart(t *testing.T) {
	tenant := &db.Tenant{ID: 1, CanonicalID: "alice", IsActive: true}
	mgr := &fakeMgr{statuses: map[string]*runtime.Status{"alice": unhealthy("exited")}}
	store := newFakeStore(tenant)
	w := testWatchdog(mgr, store, &fakeSink{}, nil, testCfg)

	w.pass(context.Background())

	assert.Equal(t, []string{"alice"}, mgr.started)
	assert.Empty(t, mgr.restarted)
	assert.Equal(t, db.StatusRestarting, store.statuses[1])
	assert.Contains(t, store.events, db.EventAutoRestart)
}

func TestMissingContainerRecordedNotRestarted(t *testing.T) {
	tenant := &db.Tenant{ID: 1, CanonicalID: "alice", IsActive: true}
	mgr := &fakeMgr{statusErr: map[string]error{"alice": runtime.ErrNotFound}}
	store := newFakeStore(tenant)
	sink := &fakeSink{}
	w := testWatchdog(mgr, store, sink, nil, testCfg)

	w.pass(context.Background())

	assert.Equal(t, db.StatusNotFound, store.statuses[1])
	assert.Empty(t, mgr.started)
	assert.Empty(t, mgr.restarted)
	assert.Empty(t, store.deactivated)

	require.NotEmpty(t, sink.sent)
	assert.Equal(t, db.SeverityWarning, sink.sent[len(sink.sent)-1].severity)
}

func TestHealthCheckTouchedEveryCycle(t *testing.T) {
	tests := []struct {
		name string
		mgr  *fakeMgr
	}{
		{"healthy", &fakeMgr{statuses: map[string]*runtime.Status{"alice": healthy()}}},
		{"unhealthy", &fakeMgr{statuses: map[string]*runtime.Status{"alice": unhealthy("running")}}},
		{"container missing", &fakeMgr{statusErr: map[string]error{"alice": runtime.ErrNotFound}}},
		{"runtime down", &fakeMgr{statusErr: map[string]error{"alice": runtime.ErrRuntimeUnavailable}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tenant := &db.Tenant{ID: 1, CanonicalID: "alice", IsActive: true}
			store := newFakeStore(tenant)
			w := testWatchdog(tt.mgr, store, &fakeSink{}, nil, testCfg)

			w.pass(context.Background())

			// last_health_check moves every cycle regardless of outcome.
			assert.Equal(t, []int64{1}, store.touched)
		})
	}
}

func TestRuntimeErrorDoesNotBurnAttempts(t *testing.T) {
	tenant := &db.Tenant{ID: 1, CanonicalID: "alice", IsActive: true}
	mgr := &fakeMgr{statusErr: map[string]error{"alice": runtime.ErrRuntimeUnavailable}}
	store := newFakeStore(tenant)
	w := testWatchdog(mgr, store, &fakeSink{}, nil, testCfg)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		w.pass(ctx)
	}

	assert.Empty(t, store.deactivated)
	assert.Empty(t, mgr.restarted)
}

func TestPruneGating(t *testing.T) {
	tenant := &db.Tenant{ID: 1, CanonicalID: "alice", IsActive: true}
	mgr := &fakeMgr{statuses: map[string]*runtime.Status{"alice": healthy()}}

	t.Run("enabled runs every N cycles", func(t *testing.T) {
		pruner := &fakePruner{}
		cfg := testCfg
		cfg.PruneEnabled = true
		cfg.PruneEveryCycles = 2
		w := testWatchdog(mgr, newFakeStore(tenant), &fakeSink{}, pruner, cfg)

		for i := 0; i < 4; i++ {
			w.pass(context.Background())
		}
		assert.Equal(t, 2, pruner.calls)
	})

	t.Run("disabled never runs", func(t *testing.T) {
		pruner := &fakePruner{}
		cfg := testCfg
		cfg.PruneEveryCycles = 1
		w := testWatchdog(mgr, newFakeStore(tenant), &fakeSink{}, pruner, cfg)

		for i := 0; i < 4; i++ {
			w.pass(context.Background())
		}
		assert.Zero(t, pruner.calls)
	})
}
