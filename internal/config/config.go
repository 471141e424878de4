package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Environment selects the mediation policy branch. It is injected explicitly
// at construction; nothing in the daemon sniffs hostnames or ports.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

func ParseEnvironment(s string) (Environment, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "development", "dev":
		return Development, nil
	case "production", "prod":
		return Production, nil
	}
	return "", fmt.Errorf("unknown environment %q", s)
}

type Config struct {
	Server struct {
		Port   int    `yaml:"port" env:"OFFCACHE_PORT"`
		Origin string `yaml:"origin" env:"OFFCACHE_ORIGIN"`
	} `yaml:"server"`

	App struct {
		Name        string `yaml:"name" env:"OFFCACHE_APP_NAME"`
		Version     string `yaml:"version" env:"OFFCACHE_APP_VERSION"`
		Release     bool   `yaml:"release" env:"OFFCACHE_RELEASE"`
		Environment string `yaml:"environment" env:"OFFCACHE_ENV"`
	} `yaml:"app"`

	Cache struct {
		DataDir        string   `yaml:"dataDir" env:"OFFCACHE_DATA_DIR"`
		MaxGenerations int      `yaml:"maxGenerations"`
		StaticManifest []string `yaml:"staticManifest"`
		EntryDocument  string   `yaml:"entryDocument"`
	} `yaml:"cache"`

	Patterns struct {
		DevExclude  []string `yaml:"devExclude"`
		Passthrough []string `yaml:"passthrough"`
		Icons       []string `yaml:"icons"`
		Manifest    []string `yaml:"manifest"`
		Cacheable   []string `yaml:"cacheable"`
	} `yaml:"patterns"`

	Timeouts struct {
		Navigation  string `yaml:"navigation"`
		Command     string `yaml:"command"`
		ForceUpdate string `yaml:"forceUpdate"`
	} `yaml:"timeouts"`

	Logging struct {
		File       string `yaml:"file" env:"OFFCACHE_LOG_FILE"`
		Level      string `yaml:"level" env:"OFFCACHE_LOG_LEVEL"`
		MaxSizeMB  int    `yaml:"maxSizeMB"`
		MaxBackups int    `yaml:"maxBackups"`
		StatsEvery string `yaml:"statsEvery"`
	} `yaml:"logging"`

	// compiled
	environment    Environment
	originURL      *url.URL
	navigationDur  time.Duration
	commandDur     time.Duration
	forceUpdateDur time.Duration
	statsEveryDur  time.Duration
}

func (c *Config) Environment() Environment          { return c.environment }
func (c *Config) OriginURL() *url.URL               { return c.originURL }
func (c *Config) NavigationTimeout() time.Duration  { return c.navigationDur }
func (c *Config) CommandTimeout() time.Duration     { return c.commandDur }
func (c *Config) ForceUpdateTimeout() time.Duration { return c.forceUpdateDur }

// StatsInterval is how often serving statistics are logged; zero disables the
// loop.
func (c *Config) StatsInterval() time.Duration { return c.statsEveryDur }

// Load reads the YAML file, applies environment-variable overrides, then
// validates and compiles derived fields.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}
	if err := cfg.compile(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) compile() error {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	c.Server.Origin = strings.TrimRight(c.Server.Origin, "/")
	u, err := url.Parse(c.Server.Origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("server.origin %q is not an absolute URL", c.Server.Origin)
	}
	c.originURL = u

	if c.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}
	if c.App.Version == "" {
		c.App.Version = "0.0.0"
	}
	if c.App.Environment == "" {
		c.App.Environment = string(Development)
	}
	envName, err := ParseEnvironment(c.App.Environment)
	if err != nil {
		return fmt.Errorf("app.environment: %w", err)
	}
	c.environment = envName

	if c.Cache.DataDir == "" {
		c.Cache.DataDir = "./data/generations"
	}
	if c.Cache.MaxGenerations <= 0 {
		c.Cache.MaxGenerations = 5
	}
	if c.Cache.EntryDocument == "" {
		c.Cache.EntryDocument = "/index.html"
	}
	if !strings.HasPrefix(c.Cache.EntryDocument, "/") {
		c.Cache.EntryDocument = "/" + c.Cache.EntryDocument
	}

	if len(c.Patterns.Passthrough) == 0 {
		c.Patterns.Passthrough = []string{"/robots.txt", "/sitemap.xml"}
	}
	if len(c.Patterns.Icons) == 0 {
		c.Patterns.Icons = []string{"/favicon", "/icons/", "/apple-touch-icon"}
	}
	if len(c.Patterns.Manifest) == 0 {
		c.Patterns.Manifest = []string{"/manifest.webmanifest", "/manifest.json"}
	}
	if len(c.Patterns.Cacheable) == 0 {
		c.Patterns.Cacheable = []string{".js", ".css", ".woff", ".woff2", ".ttf", ".png", ".jpg", ".jpeg", ".svg", ".webp", ".ico"}
	}
	if len(c.Patterns.DevExclude) == 0 {
		c.Patterns.DevExclude = []string{"/@vite", "/@fs/", "/node_modules/", "/__open-in-editor", "/sockjs-node"}
	}

	c.navigationDur, err = parseDurationDefault(c.Timeouts.Navigation, 3*time.Second)
	if err != nil {
		return fmt.Errorf("timeouts.navigation: %w", err)
	}
	c.commandDur, err = parseDurationDefault(c.Timeouts.Command, 4*time.Second)
	if err != nil {
		return fmt.Errorf("timeouts.command: %w", err)
	}
	c.forceUpdateDur, err = parseDurationDefault(c.Timeouts.ForceUpdate, 15*time.Second)
	if err != nil {
		return fmt.Errorf("timeouts.forceUpdate: %w", err)
	}

	if c.Logging.StatsEvery != "" {
		d, err := time.ParseDuration(c.Logging.StatsEvery)
		if err != nil {
			return fmt.Errorf("logging.statsEvery: %w", err)
		}
		c.statsEveryDur = d
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 50
	}
	return nil
}

func parseDurationDefault(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %s", d)
	}
	return d, nil
}
