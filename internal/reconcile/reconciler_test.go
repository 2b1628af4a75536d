package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/botpod/botpod/internal/config"
	"github.com/botpod/botpod/internal/db"
	"github.com/botpod/botpod/internal/runtime"
)

type fakeRuntime struct {
	owned   []runtime.OwnedContainer
	snaps   map[string]*runtime.TenantSnapshot
	removed []string
}

func (f *fakeRuntime) ListOwned(ctx context.Context) ([]runtime.OwnedContainer, error) {
	return f.owned, nil
}

func (f *fakeRuntime) InspectForSync(ctx context.Context, tenantID string) (*runtime.TenantSnapshot, error) {
	if s, ok := f.snaps[tenantID]; ok {
		return s, nil
	}
	return nil, runtime.ErrNotFound
}

func (f *fakeRuntime) RemoveByID(ctx context.Context, containerID string) error {
	f.removed = append(f.removed, containerID)
	return nil
}

type fakeStore struct {
	known   map[string]*db.Tenant
	lookupE error

	created []*db.Tenant
	creds   []*db.ExternalCredential
	events  []db.EventKind
}

func (f *fakeStore) GetTenantByCanonicalID(id string) (*db.Tenant, error) {
	if f.lookupE != nil {
		return nil, f.lookupE
	}
	if t, ok := f.known[id]; ok {
		return t, nil
	}
	return nil, db.ErrNoRows
}

func (f *fakeStore) CreateTenant(t *db.Tenant) error {
	t.ID = int64(len(f.created) + 1)
	f.created = append(f.created, t)
	return nil
}

func (f *fakeStore) UpsertCredential(c *db.ExternalCredential) error {
	f.creds = append(f.creds, c)
	return nil
}

func (f *fakeStore) AppendEvent(e *db.LifecycleEvent) error {
	f.events = append(f.events, e.Kind)
	return nil
}

func testReconciler(rt Runtime, store Store) *Reconciler {
	return NewReconciler(rt, store, zap.NewNop())
}

func TestAdoptCreatesMissingTenants(t *testing.T) {
	created := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	rt := &fakeRuntime{
		owned: []runtime.OwnedContainer{
			{TenantID: "alice", ContainerID: "c1", State: "running"},
			{TenantID: "bob", ContainerID: "c2", State: "running"},
		},
		snaps: map[string]*runtime.TenantSnapshot{
			"alice": {
				TenantID:      "alice",
				Plan:          config.PlanPro,
				CreatedAt:     created,
				ContainerID:   "c1",
				ContainerName: "botpod_alice",
				Port:          9004,
				TelegramToken: "111:abc",
				GitHubToken:   "ghs_x",
				GitHubID:      "8412345",
			},
		},
	}
	store := &fakeStore{known: map[string]*db.Tenant{
		"bob": {ID: 7, CanonicalID: "bob"},
	}}

	adopted, err := testReconciler(rt, store).Adopt(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, adopted)

	require.Len(t, store.created, 1)
	got := store.created[0]
	assert.Equal(t, "alice", got.CanonicalID)
	assert.Equal(t, config.PlanPro, got.Plan)
	assert.Equal(t, created, got.CreatedAt)
	assert.Equal(t, "111:abc", got.TelegramBotToken)
	assert.Equal(t, db.StatusRunning, got.ContainerStatus)
	assert.True(t, got.IsActive)
	require.NotNil(t, got.ContainerPort)
	assert.Equal(t, 9004, *got.ContainerPort)

	require.Len(t, store.creds, 1)
	assert.Equal(t, db.ProviderGitHub, store.creds[0].Provider)
	assert.Equal(t, "8412345", store.creds[0].ProviderAccountID)

	assert.Equal(t, []db.EventKind{db.EventAdopt}, store.events)
}

func TestAdoptIsIdempotent(t *testing.T) {
	rt := &fakeRuntime{
		owned: []runtime.OwnedContainer{{TenantID: "alice", ContainerID: "c1", State: "running"}},
	}
	store := &fakeStore{known: map[string]*db.Tenant{
		"alice": {ID: 1, CanonicalID: "alice"},
	}}

	adopted, err := testReconciler(rt, store).Adopt(context.Background())
	require.NoError(t, err)
	assert.Zero(t, adopted)
	assert.Empty(t, store.created)
}

func TestPruneRemovesOnlyOrphans(t *testing.T) {
	rt := &fakeRuntime{
		owned: []runtime.OwnedContainer{
			{TenantID: "alice", ContainerID: "c1"},
			{TenantID: "ghost", ContainerID: "c2"},
		},
	}
	store := &fakeStore{known: map[string]*db.Tenant{
		"alice": {ID: 1, CanonicalID: "alice"},
	}}

	pruned, err := testReconciler(rt, store).Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)
	assert.Equal(t, []string{"c2"}, rt.removed)
	assert.Equal(t, []db.EventKind{db.EventPrune}, store.events)
}

func TestPruneAbortsOnStoreError(t *testing.T) {
	// A failing store makes every tenant look orphaned. Nothing may be
	// removed on that evidence.
	rt := &fakeRuntime{
		owned: []runtime.OwnedContainer{
			{TenantID: "alice", ContainerID: "c1"},
			{TenantID: "bob", ContainerID: "c2"},
		},
	}
	store := &fakeStore{lookupE: errors.New("connection refused")}

	pruned, err := testReconciler(rt, store).Prune(context.Background())
	assert.Error(t, err)
	assert.Zero(t, pruned)
	assert.Empty(t, rt.removed)
}
