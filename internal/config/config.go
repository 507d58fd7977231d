package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that YAML can express either as a Go
// duration string ("4s") or as a bare number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("config: duration must be a scalar, got %v", n.Kind)
	}
	s := n.Value
	if v, err := time.ParseDuration(s); err == nil {
		*d = Duration(v)
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q", s)
	}
	*d = Duration(f * float64(time.Second))
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is everything the process needs, resolved once at startup and
// passed to constructors. No package keeps its own copy of the environment.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	GitHub struct {
		Token        string `yaml:"token"`
		Owner        string `yaml:"owner"`
		Repo         string `yaml:"repo"`
		WorkflowFile string `yaml:"workflow_file"`
		Ref          string `yaml:"ref"`
		APIBase      string `yaml:"api_base"`
	} `yaml:"github"`

	PostgresDSN string `yaml:"postgres_dsn"`

	Redis struct {
		Addr          string `yaml:"addr"`
		QueueKey      string `yaml:"queue_key"`
		ProcessingKey string `yaml:"processing_key"`
	} `yaml:"redis"`

	Workers           int      `yaml:"workers"`
	RemoteConcurrency int      `yaml:"remote_concurrency"`

	PollInterval    Duration `yaml:"poll_interval"`
	CallTimeout     Duration `yaml:"call_timeout"`
	DiscoveryWindow Duration `yaml:"discovery_window"`
	PollTimeout     Duration `yaml:"poll_timeout"`

	PagesURLTemplate string `yaml:"pages_url_template"`
	BuildsDir        string `yaml:"builds_dir"`
	UploadSecret     string `yaml:"upload_secret"`
}

// Load reads the optional YAML file at path, applies environment overrides
// on top and fills defaults. An empty path means env-only configuration.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	overrideStr(&c.ListenAddr, "LISTEN_ADDR")
	overrideStr(&c.GitHub.Token, "GITHUB_TOKEN")
	overrideStr(&c.GitHub.Owner, "REPO_OWNER")
	overrideStr(&c.GitHub.Repo, "REPO_NAME")
	overrideStr(&c.GitHub.WorkflowFile, "WORKFLOW_FILE")
	overrideStr(&c.GitHub.Ref, "REF")
	overrideStr(&c.GitHub.APIBase, "GITHUB_API_BASE")
	overrideStr(&c.PostgresDSN, "POSTGRES_DSN")
	overrideStr(&c.Redis.Addr, "REDIS_ADDR")
	overrideStr(&c.Redis.QueueKey, "REDIS_QUEUE_KEY")
	overrideStr(&c.Redis.ProcessingKey, "REDIS_PROCESSING_KEY")
	overrideInt(&c.Workers, "WORKERS")
	overrideInt(&c.RemoteConcurrency, "REMOTE_CONCURRENCY")
	overrideDur(&c.PollInterval, "POLL_INTERVAL")
	overrideDur(&c.CallTimeout, "CALL_TIMEOUT")
	overrideDur(&c.DiscoveryWindow, "DISCOVERY_WINDOW")
	overrideDur(&c.PollTimeout, "POLL_TIMEOUT")
	overrideStr(&c.PagesURLTemplate, "PAGES_URL_TEMPLATE")
	overrideStr(&c.BuildsDir, "BUILDS_DIR")
	overrideStr(&c.UploadSecret, "UPLOAD_SECRET")
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.GitHub.WorkflowFile == "" {
		c.GitHub.WorkflowFile = "godot-build.yml"
	}
	if c.GitHub.Ref == "" {
		c.GitHub.Ref = "main"
	}
	if c.GitHub.APIBase == "" {
		c.GitHub.APIBase = "https://api.github.com"
	}
	if c.Redis.QueueKey == "" {
		c.Redis.QueueKey = "jobs:reconcile"
	}
	if c.Redis.ProcessingKey == "" {
		c.Redis.ProcessingKey = "jobs:reconcile:processing"
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.RemoteConcurrency <= 0 {
		c.RemoteConcurrency = 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = Duration(4 * time.Second)
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = Duration(15 * time.Second)
	}
	if c.DiscoveryWindow <= 0 {
		c.DiscoveryWindow = Duration(60 * time.Second)
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = Duration(300 * time.Second)
	}
	if c.PagesURLTemplate == "" {
		c.PagesURLTemplate = "https://{owner}.github.io/{repo}/builds/{game_name}/index.html"
	}
	if c.BuildsDir == "" {
		c.BuildsDir = "builds"
	}
}

func (c *Config) validate() error {
	if c.GitHub.Token == "" || c.GitHub.Owner == "" || c.GitHub.Repo == "" {
		return errors.New("config: github token, owner and repo are required")
	}
	if c.PostgresDSN == "" {
		return errors.New("config: postgres_dsn is required")
	}
	if c.Redis.Addr == "" {
		return errors.New("config: redis addr is required")
	}
	return nil
}

func overrideStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func overrideInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

// overrideDur accepts either a Go duration ("4s") or a bare number of
// seconds, which is what the older deployments exported.
func overrideDur(dst *Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = Duration(d)
		return
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		*dst = Duration(f * float64(time.Second))
	}
}
