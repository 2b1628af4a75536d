package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Runtime   RuntimeConfig
	Workspace WorkspaceConfig
	Watchdog  WatchdogConfig
	Alerts    AlertsConfig
	Plans     PlanTable
}

type ServerConfig struct {
	Port        string
	Mode        string
	AdminAPIKey string
}

type DatabaseConfig struct {
	URL            string
	MaxConnections int
	MaxIdleConns   int
}

type RuntimeConfig struct {
	Image           string
	ContainerPrefix string
	BasePort        int
	MaxTenants      int
	ContainerUID    int
	ContainerGID    int
	StopTimeout     time.Duration
	// SharedModelKey is used when a tenant has no key of their own.
	SharedModelKey string
}

type WorkspaceConfig struct {
	DataDir     string
	TemplateDir string
	PluginDir   string
}

type WatchdogConfig struct {
	Interval           time.Duration
	MaxRestartAttempts int
	PruneEnabled       bool
	PruneEveryCycles   int
	MetricsPort        string
}

type AlertsConfig struct {
	TelegramBotToken string
	TelegramChatID   int64
}

// PlanName identifies a subscription plan.
type PlanName string

const (
	PlanFree    PlanName = "free"
	PlanStarter PlanName = "starter"
	PlanPro     PlanName = "pro"
)

// Plan holds the runtime limits and entitlements of one subscription tier.
type Plan struct {
	MemoryLimitBytes int64
	CPUQuota         float64
	NodeHeapMB       int
	Features         []string
}

// PlanTable is the immutable plan -> limits lookup, built once at Load.
type PlanTable map[PlanName]Plan

func (t PlanTable) Get(name PlanName) (Plan, bool) {
	p, ok := t[name]
	return p, ok
}

// Valid reports whether name is a known plan.
func (t PlanTable) Valid(name PlanName) bool {
	_, ok := t[name]
	return ok
}

func (t PlanTable) Names() []string {
	names := make([]string, 0, len(t))
	for n := range t {
		names = append(names, string(n))
	}
	return names
}

const (
	mib = 1 << 20
	gib = 1 << 30
)

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.SetEnvPrefix("BOTPOD")
	viper.AutomaticEnv()

	// Set defaults
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.mode", "debug")
	viper.SetDefault("database.maxconnections", 25)
	viper.SetDefault("database.maxidleconns", 5)
	viper.SetDefault("runtime.image", "ghcr.io/botpod/agent:latest")
	viper.SetDefault("runtime.containerprefix", "botpod")
	viper.SetDefault("runtime.baseport", 9000)
	viper.SetDefault("runtime.maxtenants", 50)
	viper.SetDefault("runtime.containeruid", 1000)
	viper.SetDefault("runtime.containergid", 1000)
	viper.SetDefault("runtime.stoptimeout", "10s")
	viper.SetDefault("workspace.datadir", "/srv/botpod/data")
	viper.SetDefault("workspace.templatedir", "/srv/botpod/templates")
	viper.SetDefault("workspace.plugindir", "/srv/botpod/plugins")
	viper.SetDefault("watchdog.interval", "60s")
	viper.SetDefault("watchdog.maxrestartattempts", 3)
	viper.SetDefault("watchdog.pruneenabled", false)
	viper.SetDefault("watchdog.pruneeverycycles", 10)
	viper.SetDefault("watchdog.metricsport", "9090")

	var cfg Config
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Override with environment variables
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}
	if key := os.Getenv("ADMIN_API_KEY"); key != "" {
		cfg.Server.AdminAPIKey = key
	}
	if token := os.Getenv("TELEGRAM_ADMIN_BOT_TOKEN"); token != "" {
		cfg.Alerts.TelegramBotToken = token
	}
	if key := os.Getenv("MODEL_API_KEY"); key != "" {
		cfg.Runtime.SharedModelKey = key
	}

	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("database URL not configured")
	}

	cfg.Plans = DefaultPlans()

	return &cfg, nil
}

// DefaultPlans returns the static plan table. Limits follow the hosting
// budget: a full host should fit MaxTenants free-tier containers.
func DefaultPlans() PlanTable {
	return PlanTable{
		PlanFree: {
			MemoryLimitBytes: 256 * mib,
			CPUQuota:         0.25,
			NodeHeapMB:       768,
			Features:         []string{"basic_chat"},
		},
		PlanStarter: {
			MemoryLimitBytes: 512 * mib,
			CPUQuota:         0.5,
			NodeHeapMB:       1536,
			Features:         []string{"basic_chat", "github_plugin"},
		},
		PlanPro: {
			MemoryLimitBytes: 1 * gib,
			CPUQuota:         1.0,
			NodeHeapMB:       3584,
			Features:         []string{"basic_chat", "github_plugin", "gsc_plugin", "analytics_plugin", "custom_rules"},
		},
	}
}
