package runtime

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"

	"github.com/botpod/botpod/internal/config"
	"github.com/botpod/botpod/internal/db"
	"github.com/botpod/botpod/internal/workspace"
)

const (
	// LabelTenant binds a container back to its owning tenant. Labels are
	// the only durable cross-reference between runtime and persistent state.
	LabelTenant  = "botpod.tenant"
	LabelPlan    = "botpod.plan"
	LabelCreated = "botpod.created"

	agentPort      = "8080/tcp"
	dataMountPath  = "/data"
	pluginMount    = "/opt/botpod/plugins"
	defaultModel   = "google/gemini-2.0-flash"
	maxCrashRetry  = 3
	logTailDefault = 100
)

// dockerAPI is the slice of the Docker client the manager uses.
type dockerAPI interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRestart(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerStatsOneShot(ctx context.Context, containerID string) (container.StatsResponseReader, error)
}

// Manager drives the per-tenant container lifecycle. Create, delete and
// restart are serialized per canonical tenant identifier so concurrent
// provisioning requests cannot race the idempotency check.
type Manager struct {
	docker dockerAPI
	ws     *workspace.Provisioner
	plans  config.PlanTable
	cfg    config.RuntimeConfig
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewManager(cfg config.RuntimeConfig, plans config.PlanTable, ws *workspace.Provisioner, logger *zap.Logger) (*Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntimeUnavailable, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("%w: %w", ErrRuntimeUnavailable, err)
	}

	return newManager(cli, cfg, plans, ws, logger), nil
}

func newManager(docker dockerAPI, cfg config.RuntimeConfig, plans config.PlanTable, ws *workspace.Provisioner, logger *zap.Logger) *Manager {
	return &Manager{
		docker: docker,
		ws:     ws,
		plans:  plans,
		cfg:    cfg,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

// ContainerName returns the deterministic name for a tenant's container,
// stable for the tenant's lifetime.
func (m *Manager) ContainerName(tenantID string) string {
	return m.cfg.ContainerPrefix + "_" + tenantID
}

// lockTenant serializes lifecycle mutations for one tenant.
func (m *Manager) lockTenant(tenantID string) func() {
	m.mu.Lock()
	l, ok := m.locks[tenantID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[tenantID] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// CreateSpec carries everything needed to provision one tenant container.
type CreateSpec struct {
	TenantID       string
	Plan           config.PlanName
	Port           int
	TelegramToken  string
	ModelAPIKey    string
	CustomRules    string
	EnabledPlugins []string
	Connections    db.Connections
}

type CreateResult struct {
	ContainerID   string
	ContainerName string
	Port          int
	Reused        bool
}

// Create provisions the tenant's container. It is idempotent: when the
// deterministic name already exists the call ensures that container is
// running and reports success, because provisioning is retried freely by
// the admin surface.
func (m *Manager) Create(ctx context.Context, spec CreateSpec) (*CreateResult, error) {
	plan, ok := m.plans.Get(spec.Plan)
	if !ok {
		return nil, fmt.Errorf("%w: unknown plan %q", ErrInvalid, spec.Plan)
	}
	if spec.TenantID == "" {
		return nil, fmt.Errorf("%w: empty tenant id", ErrInvalid)
	}

	unlock := m.lockTenant(spec.TenantID)
	defer unlock()

	name := m.ContainerName(spec.TenantID)

	if existing, err := m.findByName(ctx, name); err == nil {
		// The linked-account addendum tracks external state, so it is
		// refreshed even when the container itself is reused.
		if _, werr := m.ws.Ensure(spec.TenantID); werr != nil {
			return nil, werr
		}
		if werr := m.ws.SyncConnections(spec.TenantID, spec.Connections.Summary()); werr != nil {
			return nil, werr
		}
		if werr := m.ws.FixOwnership(spec.TenantID); werr != nil {
			return nil, werr
		}

		inspect, ierr := m.docker.ContainerInspect(ctx, existing)
		if ierr == nil && !inspect.State.Running {
			if serr := m.docker.ContainerStart(ctx, existing, container.StartOptions{}); serr != nil {
				return nil, wrapDocker("start existing container", serr)
			}
		}
		m.logger.Info("Container already exists, reusing",
			zap.String("tenant_id", spec.TenantID),
			zap.String("container_id", shortID(existing)),
		)
		return &CreateResult{
			ContainerID:   existing,
			ContainerName: name,
			Port:          spec.Port,
			Reused:        true,
		}, nil
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	hostDir, err := m.ws.Ensure(spec.TenantID)
	if err != nil {
		return nil, err
	}
	if err := m.ws.Seed(spec.TenantID, spec.CustomRules); err != nil {
		return nil, err
	}

	gatewayToken, err := generateGatewayToken()
	if err != nil {
		return nil, err
	}
	if err := m.ws.WriteAgentConfig(spec.TenantID, workspace.AgentConfig{
		GatewayToken:  gatewayToken,
		TelegramToken: spec.TelegramToken,
		Model:         defaultModel,
		Plan:          spec.Plan,
	}); err != nil {
		return nil, err
	}
	if err := m.ws.CopyPlugins(spec.TenantID, spec.EnabledPlugins); err != nil {
		return nil, err
	}
	if err := m.ws.SyncConnections(spec.TenantID, spec.Connections.Summary()); err != nil {
		return nil, err
	}
	// Ownership moves only after every file is in place.
	if err := m.ws.FixOwnership(spec.TenantID); err != nil {
		return nil, err
	}

	env := m.buildEnv(spec, plan, gatewayToken)

	port, err := nat.NewPort("tcp", "8080")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	containerCfg := &container.Config{
		Image: m.cfg.Image,
		Env:   env,
		Labels: map[string]string{
			LabelTenant:  spec.TenantID,
			LabelPlan:    string(spec.Plan),
			LabelCreated: time.Now().UTC().Format(time.RFC3339),
		},
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}

	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: hostDir,
				Target: dataMountPath,
			},
			{
				Type:     mount.TypeBind,
				Source:   m.ws.PluginDir(),
				Target:   pluginMount,
				ReadOnly: true,
			},
		},
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{
				{HostIP: "0.0.0.0", HostPort: strconv.Itoa(spec.Port)},
			},
		},
		// The runtime restarts crashes on its own, bounded. Independent
		// of the watchdog's escalation policy.
		RestartPolicy: container.RestartPolicy{
			Name:              container.RestartPolicyOnFailure,
			MaximumRetryCount: maxCrashRetry,
		},
		Resources: container.Resources{
			Memory:   plan.MemoryLimitBytes,
			CPUQuota: int64(plan.CPUQuota * 100000),
		},
	}

	resp, err := m.docker.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		if errdefs.IsConflict(err) {
			// Lost a race outside our own lock (another process). The
			// container exists, which is what we wanted.
			if existing, ferr := m.findByName(ctx, name); ferr == nil {
				_ = m.docker.ContainerStart(ctx, existing, container.StartOptions{})
				return &CreateResult{ContainerID: existing, ContainerName: name, Port: spec.Port, Reused: true}, nil
			}
		}
		return nil, wrapDocker("create container", err)
	}

	if err := m.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, wrapDocker("start container", err)
	}

	m.logger.Info("Container created",
		zap.String("tenant_id", spec.TenantID),
		zap.String("container_id", shortID(resp.ID)),
		zap.String("plan", string(spec.Plan)),
		zap.Int("port", spec.Port),
	)

	return &CreateResult{
		ContainerID:   resp.ID,
		ContainerName: name,
		Port:          spec.Port,
	}, nil
}

// buildEnv derives the container environment deterministically from the
// plan and the set of connected providers.
func (m *Manager) buildEnv(spec CreateSpec, plan config.Plan, gatewayToken string) []string {
	modelKey := spec.ModelAPIKey
	if modelKey == "" {
		modelKey = m.cfg.SharedModelKey
	}

	env := []string{
		"BOTPOD_WORKSPACE_DIR=" + dataMountPath + "/workspace",
		"BOTPOD_STATE_DIR=" + dataMountPath + "/.botpod",
		"BOTPOD_PLUGINS_DIR=" + dataMountPath + "/workspace/plugins",
		"BOTPOD_SKILLS_ENABLED=" + strings.Join(deriveSkills(plan.Features, spec.Connections), ","),
		"TELEGRAM_BOT_TOKEN=" + spec.TelegramToken,
		"MODEL_API_KEY=" + modelKey,
		"BOTPOD_MODEL=" + defaultModel,
		"BOTPOD_GATEWAY_TOKEN=" + gatewayToken,
		"BOTPOD_TENANT_ID=" + spec.TenantID,
		"BOTPOD_PLAN=" + string(spec.Plan),
		fmt.Sprintf("NODE_OPTIONS=--max-old-space-size=%d", plan.NodeHeapMB),
	}

	if summary, err := spec.Connections.EnvJSON(); err == nil && len(spec.Connections) > 0 {
		env = append(env, "BOTPOD_CONNECTIONS="+summary)
	}

	// Legacy fields kept for agents that predate the connections bag.
	if gh, ok := spec.Connections[db.ProviderGitHub]; ok {
		if gh.AccessToken != "" {
			env = append(env, "GITHUB_TOKEN="+gh.AccessToken)
		}
		env = append(env, "GITHUB_ID="+gh.ProviderAccountID)
	}

	return env
}

// deriveSkills expands the capability set with skills unlocked by the
// connected providers. With nothing linked the plan's feature set alone
// is the default.
func deriveSkills(features []string, conns db.Connections) []string {
	skills := make([]string, 0, len(features)+len(conns))
	skills = append(skills, features...)

	providerSkills := map[db.Provider]string{
		db.ProviderGitHub:    "github",
		db.ProviderGoogle:    "google_workspace",
		db.ProviderWordPress: "wordpress",
	}
	for provider, skill := range providerSkills {
		if _, ok := conns[provider]; ok && !contains(skills, skill) {
			skills = append(skills, skill)
		}
	}

	if len(skills) == 0 {
		skills = []string{"basic_chat"}
	}
	return skills
}

func contains(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

// Start starts a stopped container.
func (m *Manager) Start(ctx context.Context, tenantID string) error {
	id, err := m.findByName(ctx, m.ContainerName(tenantID))
	if err != nil {
		return err
	}
	if err := m.docker.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return wrapDocker("start container", err)
	}
	return nil
}

// Stop stops a running container.
func (m *Manager) Stop(ctx context.Context, tenantID string) error {
	id, err := m.findByName(ctx, m.ContainerName(tenantID))
	if err != nil {
		return err
	}
	timeout := int(m.cfg.StopTimeout.Seconds())
	if err := m.docker.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return wrapDocker("stop container", err)
	}
	return nil
}

// Restart restarts a container in place.
func (m *Manager) Restart(ctx context.Context, tenantID string) error {
	unlock := m.lockTenant(tenantID)
	defer unlock()

	id, err := m.findByName(ctx, m.ContainerName(tenantID))
	if err != nil {
		return err
	}
	timeout := int(m.cfg.StopTimeout.Seconds())
	if err := m.docker.ContainerRestart(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return wrapDocker("restart container", err)
	}
	return nil
}

// Delete stops and removes the tenant's container. Host storage is wiped
// only when removeData is explicitly set.
func (m *Manager) Delete(ctx context.Context, tenantID string, removeData bool) error {
	unlock := m.lockTenant(tenantID)
	defer unlock()

	id, err := m.findByName(ctx, m.ContainerName(tenantID))
	if err != nil {
		return err
	}

	timeout := 5
	_ = m.docker.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})

	if err := m.docker.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return wrapDocker("remove container", err)
	}

	if removeData {
		if err := m.ws.Remove(tenantID); err != nil {
			return fmt.Errorf("remove tenant data: %w", err)
		}
	}
	return nil
}

// Status is the live view of a tenant's container.
type Status struct {
	State         string
	Running       bool
	Health        string
	Healthy       bool
	MemoryUsageMB float64
	MemoryPercent float64
	RestartCount  int
	StartedAt     time.Time
	Uptime        time.Duration
	Connectivity  Connectivity
	BotIdentity   string
}

// Status inspects the container and augments it with one-shot stats and
// a connectivity classification of the recent log tail. Stats and log
// failures degrade to zero values rather than failing the call.
func (m *Manager) Status(ctx context.Context, tenantID string) (*Status, error) {
	id, err := m.findByName(ctx, m.ContainerName(tenantID))
	if err != nil {
		return nil, err
	}

	inspect, err := m.docker.ContainerInspect(ctx, id)
	if err != nil {
		return nil, wrapDocker("inspect container", err)
	}

	st := &Status{
		State:        inspect.State.Status,
		Running:      inspect.State.Running,
		Health:       "none",
		RestartCount: inspect.RestartCount,
	}

	if inspect.State.Health != nil && inspect.State.Health.Status != "" {
		st.Health = inspect.State.Health.Status
	}
	// A container with no declared health check counts as healthy while
	// running; "starting" is healthy because probes need warmup time.
	st.Healthy = st.Running && (st.Health == "healthy" || st.Health == "starting" || st.Health == "none")

	if started, perr := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); perr == nil {
		st.StartedAt = started
		if st.Running {
			st.Uptime = time.Since(started)
		}
	}

	if usage, limit, serr := m.memoryStats(ctx, id); serr == nil && limit > 0 {
		st.MemoryUsageMB = float64(usage) / (1 << 20)
		st.MemoryPercent = float64(usage) / float64(limit) * 100
	}

	logs, _ := m.logsByID(ctx, id, 60)
	st.Connectivity = ClassifyConnectivity(logs, st.Health, st.Uptime)
	st.BotIdentity = botIdentityFromEnv(inspect.Config.Env)

	return st, nil
}

func (m *Manager) memoryStats(ctx context.Context, id string) (usage, limit uint64, err error) {
	resp, err := m.docker.ContainerStatsOneShot(ctx, id)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return 0, 0, err
	}
	return stats.MemoryStats.Usage, stats.MemoryStats.Limit, nil
}

// botIdentityFromEnv extracts the numeric bot id from the Telegram token
// (the part before the colon), which is the closest stable identity the
// container carries.
func botIdentityFromEnv(env []string) string {
	for _, kv := range env {
		if token, ok := strings.CutPrefix(kv, "TELEGRAM_BOT_TOKEN="); ok {
			if i := strings.IndexByte(token, ':'); i > 0 {
				return token[:i]
			}
			return ""
		}
	}
	return ""
}

// Logs returns the recent log tail for a tenant's container.
func (m *Manager) Logs(ctx context.Context, tenantID string, tail int) (string, error) {
	id, err := m.findByName(ctx, m.ContainerName(tenantID))
	if err != nil {
		return "", err
	}
	return m.logsByID(ctx, id, tail)
}

func (m *Manager) logsByID(ctx context.Context, id string, tail int) (string, error) {
	if tail <= 0 {
		tail = logTailDefault
	}
	reader, err := m.docker.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return "", wrapDocker("container logs", err)
	}
	defer reader.Close()

	var out strings.Builder
	if _, err := stdcopy.StdCopy(&out, &out, reader); err != nil && err != io.EOF {
		return "", wrapDocker("read logs", err)
	}
	return out.String(), nil
}

// TenantSnapshot is what can be reconstructed about a tenant from its
// running container alone. Consumed by the reconciler's adopt pass.
type TenantSnapshot struct {
	TenantID      string
	Plan          config.PlanName
	CreatedAt     time.Time
	ContainerID   string
	ContainerName string
	Port          int
	TelegramToken string
	ModelAPIKey   string
	GitHubToken   string
	GitHubID      string
}

// InspectForSync reads labels and environment back from the container to
// rebuild enough tenant state to repopulate the persistent store.
func (m *Manager) InspectForSync(ctx context.Context, tenantID string) (*TenantSnapshot, error) {
	id, err := m.findByName(ctx, m.ContainerName(tenantID))
	if err != nil {
		return nil, err
	}

	inspect, err := m.docker.ContainerInspect(ctx, id)
	if err != nil {
		return nil, wrapDocker("inspect container", err)
	}

	snap := &TenantSnapshot{
		TenantID:      tenantID,
		Plan:          config.PlanFree,
		CreatedAt:     time.Now().UTC(),
		ContainerID:   inspect.ID,
		ContainerName: strings.TrimPrefix(inspect.Name, "/"),
	}

	if plan, ok := inspect.Config.Labels[LabelPlan]; ok && m.plans.Valid(config.PlanName(plan)) {
		snap.Plan = config.PlanName(plan)
	}
	// Docker timestamps carry nanosecond precision; fall back to the
	// container's own Created field, then to now.
	if raw, ok := inspect.Config.Labels[LabelCreated]; ok {
		if t, perr := time.Parse(time.RFC3339Nano, raw); perr == nil {
			snap.CreatedAt = t
		}
	} else if t, perr := time.Parse(time.RFC3339Nano, inspect.Created); perr == nil {
		snap.CreatedAt = t
	}

	env := parseEnv(inspect.Config.Env)
	snap.TelegramToken = env["TELEGRAM_BOT_TOKEN"]
	snap.ModelAPIKey = env["MODEL_API_KEY"]
	snap.GitHubToken = env["GITHUB_TOKEN"]
	snap.GitHubID = env["GITHUB_ID"]

	if inspect.NetworkSettings != nil {
		if bindings, ok := inspect.NetworkSettings.Ports[nat.Port(agentPort)]; ok && len(bindings) > 0 {
			if p, perr := strconv.Atoi(bindings[0].HostPort); perr == nil {
				snap.Port = p
			}
		}
	}

	return snap, nil
}

func parseEnv(env []string) map[string]string {
	out := make(map[string]string, len(env))
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			out[k] = v
		}
	}
	return out
}

// OwnedContainer summarizes one container carrying our tenant label.
type OwnedContainer struct {
	TenantID    string
	Plan        string
	Created     string
	ContainerID string
	Name        string
	State       string
}

// ListOwned returns every container labeled as belonging to this system,
// running or not.
func (m *Manager) ListOwned(ctx context.Context) ([]OwnedContainer, error) {
	containers, err := m.docker.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelTenant)),
	})
	if err != nil {
		return nil, wrapDocker("list containers", err)
	}

	owned := make([]OwnedContainer, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		owned = append(owned, OwnedContainer{
			TenantID:    c.Labels[LabelTenant],
			Plan:        c.Labels[LabelPlan],
			Created:     c.Labels[LabelCreated],
			ContainerID: c.ID,
			Name:        name,
			State:       c.State,
		})
	}
	return owned, nil
}

// RemoveByID stops and removes a container by raw id. Used by the
// reconciler's prune path, which operates on containers with no tenant.
func (m *Manager) RemoveByID(ctx context.Context, containerID string) error {
	timeout := 5
	_ = m.docker.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
	if err := m.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		return wrapDocker("remove container", err)
	}
	return nil
}

// findByName resolves a container id from its exact name.
func (m *Manager) findByName(ctx context.Context, name string) (string, error) {
	containers, err := m.docker.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return "", wrapDocker("list containers", err)
	}

	for _, c := range containers {
		for _, n := range c.Names {
			if n == "/"+name {
				return c.ID, nil
			}
		}
	}
	return "", fmt.Errorf("%w: container %s", ErrNotFound, name)
}

func generateGatewayToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate gateway token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func wrapDocker(op string, err error) error {
	switch {
	case errdefs.IsNotFound(err):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case errdefs.IsConflict(err):
		return fmt.Errorf("%s: %w", op, ErrAlreadyExists)
	default:
		return fmt.Errorf("%s: %w: %w", op, ErrRuntimeUnavailable, err)
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
