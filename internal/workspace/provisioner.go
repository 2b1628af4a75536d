package workspace

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/botpod/botpod/internal/config"
)

// TemplateSource supplies default content for a named workspace file.
// The file set itself (what to seed, when to overwrite) is owned here;
// only the content is delegated.
type TemplateSource interface {
	Content(name string) (string, error)
}

// DirTemplates reads templates from a directory on the host.
type DirTemplates struct {
	Dir string
}

func (d DirTemplates) Content(name string) (string, error) {
	b, err := os.ReadFile(filepath.Join(d.Dir, name))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// staticFiles are seeded verbatim from templates, create-if-missing.
// SOUL.md and USER.md are handled separately below.
var staticFiles = []string{
	"AGENTS.md",
	"TOOLS.md",
	"IDENTITY.md",
	"HEARTBEAT.md",
	"BOOTSTRAP.md",
}

const (
	connectionsBegin = "<!-- botpod:connections:begin -->"
	connectionsEnd   = "<!-- botpod:connections:end -->"
)

// Provisioner prepares per-tenant host storage. All operations are
// idempotent; tenant-edited files are never overwritten, with the single
// exception of the delimited connections section in USER.md.
type Provisioner struct {
	cfg       config.WorkspaceConfig
	uid       int
	gid       int
	templates TemplateSource
	logger    *zap.Logger
}

func NewProvisioner(cfg config.WorkspaceConfig, uid, gid int, templates TemplateSource, logger *zap.Logger) *Provisioner {
	if templates == nil {
		templates = DirTemplates{Dir: cfg.TemplateDir}
	}
	return &Provisioner{
		cfg:       cfg,
		uid:       uid,
		gid:       gid,
		templates: templates,
		logger:    logger,
	}
}

func (p *Provisioner) TenantDir(tenantID string) string {
	return filepath.Join(p.cfg.DataDir, tenantID)
}

func (p *Provisioner) WorkspaceDir(tenantID string) string {
	return filepath.Join(p.TenantDir(tenantID), "workspace")
}

func (p *Provisioner) StateDir(tenantID string) string {
	return filepath.Join(p.TenantDir(tenantID), ".botpod")
}

// PluginDir is the shared read-only plugin source on the host.
func (p *Provisioner) PluginDir() string {
	return p.cfg.PluginDir
}

// Ensure creates the tenant's directory tree if absent and returns the
// host path to bind into the container.
func (p *Provisioner) Ensure(tenantID string) (string, error) {
	dirs := []string{
		p.TenantDir(tenantID),
		p.WorkspaceDir(tenantID),
		p.StateDir(tenantID),
		filepath.Join(p.WorkspaceDir(tenantID), "plugins"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create tenant dir: %w", err)
		}
	}
	return p.TenantDir(tenantID), nil
}

// Seed materializes the workspace bootstrap files, creating each only if
// it does not already exist. customRules, when set, becomes the initial
// SOUL.md instead of the stock template.
func (p *Provisioner) Seed(tenantID, customRules string) error {
	workspace := p.WorkspaceDir(tenantID)

	for _, name := range staticFiles {
		if err := p.seedFile(filepath.Join(workspace, name), p.templateOrStub(name)); err != nil {
			return err
		}
	}

	soul := customRules
	if soul == "" {
		soul = p.templateOrStub("SOUL.md")
	}
	if err := p.seedFile(filepath.Join(workspace, "SOUL.md"), soul); err != nil {
		return err
	}

	user := fmt.Sprintf(`# USER.md - About Your Human

_Learn about the person you're helping. Update this as you go._

- **Name:**
- **What to call them:**
- **Tenant ID:** %s
- **Timezone:**
- **First Interaction:** %s
- **Notes:**

## Context

_(What do they care about? What are they working on? Build this over time.)_
`, tenantID, time.Now().UTC().Format("2006-01-02"))
	return p.seedFile(filepath.Join(workspace, "USER.md"), user)
}

func (p *Provisioner) templateOrStub(name string) string {
	content, err := p.templates.Content(name)
	if err != nil {
		return "# " + name + "\n"
	}
	return content
}

func (p *Provisioner) seedFile(path, content string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	if err := os.WriteFile(path, []byte(content), 0o666); err != nil {
		return fmt.Errorf("seed %s: %w", filepath.Base(path), err)
	}
	return nil
}

// SyncConnections rewrites only the delimited connections section of
// USER.md so the linked-account list stays current while every other
// tenant edit survives. The section is appended when missing.
func (p *Provisioner) SyncConnections(tenantID, summary string) error {
	path := filepath.Join(p.WorkspaceDir(tenantID), "USER.md")

	section := connectionsBegin + "\n## Connected Accounts\n\n" + summary + connectionsEnd

	existing, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return os.WriteFile(path, []byte(section+"\n"), 0o666)
	}
	if err != nil {
		return err
	}

	content := string(existing)
	begin := strings.Index(content, connectionsBegin)
	end := strings.Index(content, connectionsEnd)

	var updated string
	if begin >= 0 && end > begin {
		updated = content[:begin] + section + content[end+len(connectionsEnd):]
	} else {
		if len(content) > 0 && content[len(content)-1] != '\n' {
			content += "\n"
		}
		updated = content + "\n" + section + "\n"
	}

	return os.WriteFile(path, []byte(updated), 0o666)
}

// AgentConfig is the per-container agent configuration written to the
// tenant's state directory. Mirrors what the agent's own onboarding
// would produce.
type AgentConfig struct {
	GatewayToken  string
	TelegramToken string
	Model         string
	Plan          config.PlanName
}

// WriteAgentConfig writes the agent config file. Called on every create
// so each container gets its own freshly generated gateway token.
func (p *Provisioner) WriteAgentConfig(tenantID string, ac AgentConfig) error {
	model := ac.Model
	if model == "" {
		model = "google/gemini-2.0-flash"
	}

	body := fmt.Sprintf(`{
  "agents": {
    "defaults": {
      "maxConcurrent": 4,
      "workspace": "/data/workspace",
      "model": {
        "primary": %q
      }
    }
  },
  "gateway": {
    "mode": "local",
    "auth": {
      "mode": "token",
      "token": %q
    },
    "port": 18789,
    "bind": "loopback"
  },
  "plugins": {
    "entries": {
      "telegram": {
        "enabled": true
      }
    }
  },
  "channels": {
    "telegram": {
      "enabled": true,
      "botToken": %q,
      "dmPolicy": "open",
      "allowFrom": ["*"]
    }
  }
}
`, model, ac.GatewayToken, ac.TelegramToken)

	path := filepath.Join(p.StateDir(tenantID), "botpod.json")
	if err := os.WriteFile(path, []byte(body), 0o666); err != nil {
		return fmt.Errorf("write agent config: %w", err)
	}
	return nil
}

// CopyPlugins copies each enabled plugin from the shared plugin
// directory into the tenant workspace, skipping ones already present.
func (p *Provisioner) CopyPlugins(tenantID string, enabled []string) error {
	dest := filepath.Join(p.WorkspaceDir(tenantID), "plugins")
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}

	for _, plugin := range enabled {
		src := filepath.Join(p.cfg.PluginDir, plugin)
		dst := filepath.Join(dest, plugin)

		if _, err := os.Stat(src); err != nil {
			continue
		}
		if _, err := os.Stat(dst); err == nil {
			continue
		}
		if err := os.CopyFS(dst, os.DirFS(src)); err != nil {
			return fmt.Errorf("copy plugin %s: %w", plugin, err)
		}
	}
	return nil
}

// FixOwnership hands the whole tenant tree to the container's runtime
// user. Must run after all files are written: provisioning writes as the
// orchestrator's principal, then ownership moves in one pass, so there is
// no window where the agent can read some of its files but not others.
func (p *Provisioner) FixOwnership(tenantID string) error {
	root := p.TenantDir(tenantID)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := os.Chown(path, p.uid, p.gid); err != nil {
			return err
		}
		mode := os.FileMode(0o666)
		if d.IsDir() {
			mode = 0o777
		}
		return os.Chmod(path, mode)
	})
	if err != nil {
		// Non-fatal when running unprivileged in development.
		p.logger.Warn("Failed to fix workspace ownership",
			zap.String("tenant_id", tenantID),
			zap.Error(err),
		)
	}
	return nil
}

// Remove wipes the tenant's host storage. Only called from delete with
// remove_data explicitly requested.
func (p *Provisioner) Remove(tenantID string) error {
	return os.RemoveAll(p.TenantDir(tenantID))
}
