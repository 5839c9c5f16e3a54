package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Source adapter types understood by the engine.
const (
	SourceJira          = "jira"
	SourceJiraChangelog = "jira_changelog"
	SourceBugsnag       = "bugsnag"
	SourceTestRail      = "testrail"
	SourceTestRailRuns  = "testrail_runs"
	SourceTestRailUsers = "testrail_users"
	SourceGameBench     = "gamebench"
)

// SourceTypes lists every supported source adapter type.
var SourceTypes = []string{
	SourceJira, SourceJiraChangelog, SourceBugsnag,
	SourceTestRail, SourceTestRailRuns, SourceTestRailUsers, SourceGameBench,
}

// expandTilde expands ~ or ~/ at the start of a path to the user's home directory
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// Config holds all configuration for one sync invocation.
// A Config is treated as immutable once loaded; reloads produce a new value.
type Config struct {
	Run       RunConfig       `yaml:"run"`
	Retry     RetryConfig     `yaml:"retry"`
	Batch     BatchConfig     `yaml:"batch"`
	Warehouse WarehouseConfig `yaml:"warehouse"`
	State     StateConfig     `yaml:"state"`
	Secrets   SecretsConfig   `yaml:"secrets"`
	Slack     SlackConfig     `yaml:"slack"`
	Server    ServerConfig    `yaml:"server"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Sources   []SourceConfig  `yaml:"sources"`
}

// RunConfig bounds a single invocation.
type RunConfig struct {
	Deadline        time.Duration `yaml:"deadline"`           // Wall-clock budget per invocation (default 240s)
	SafetyMargin    time.Duration `yaml:"safety_margin"`      // Reserved for finalization (default 10s)
	MaxErrors       int           `yaml:"max_errors"`         // Item errors kept in results (default 50)
	FailOnRowErrors bool          `yaml:"fail_on_row_errors"` // Treat rejected warehouse rows as fatal for the partition
}

// RetryConfig controls the outbound HTTP client.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"` // default 6
	BaseBackoff time.Duration `yaml:"base_backoff"` // default 1s
	MaxBackoff  time.Duration `yaml:"max_backoff"`  // default 30s
	Timeout     time.Duration `yaml:"timeout"`      // per attempt, default 30s
	RateLimit   float64       `yaml:"rate_limit"`   // requests per second, default 10
	RateBurst   int           `yaml:"rate_burst"`   // default 5
	UserAgent   string        `yaml:"user_agent"`
}

// BatchConfig bounds warehouse write chunks.
type BatchConfig struct {
	MaxRows  int `yaml:"max_rows"`  // default 200
	MaxBytes int `yaml:"max_bytes"` // default 8,000,000
}

// WarehouseConfig holds warehouse connection settings
type WarehouseConfig struct {
	Type              string `yaml:"type"` // "postgres", "mssql" or "sqlite" (default: postgres)
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	Database          string `yaml:"database"`
	User              string `yaml:"user"`
	Password          string `yaml:"password"`
	Schema            string `yaml:"schema"`
	SSLMode           string `yaml:"ssl_mode"`          // PostgreSQL: disable, require, verify-ca, verify-full (default: require)
	TrustServerCert   bool   `yaml:"trust_server_cert"` // MSSQL: trust server certificate (default: false)
	Encrypt           string `yaml:"encrypt"`           // MSSQL: disable, false, true (default: true)
	Path              string `yaml:"path"`              // SQLite database file
	MaxConns          int    `yaml:"max_conns"`
	CreateLatestViews *bool  `yaml:"create_latest_views"` // default true
}

// StateConfig selects the watermark store backend.
type StateConfig struct {
	Backend   string `yaml:"backend"`    // "sqlite" (default) or "file"
	DataDir   string `yaml:"data_dir"`   // SQLite directory (default ~/.ingest-sync)
	StateFile string `yaml:"state_file"` // YAML state file for the file backend
}

// SecretsConfig selects where secret_lookup reads from.
type SecretsConfig struct {
	Provider string `yaml:"provider"` // "env" (default), "file" or "chain" (file, then env)
	Dir      string `yaml:"dir"`      // Directory of mounted secret files
	Prefix   string `yaml:"prefix"`   // Optional env var prefix
}

// SlackConfig holds Slack notification settings
type SlackConfig struct {
	WebhookURL      string `yaml:"webhook_url"`
	Channel         string `yaml:"channel"`
	Username        string `yaml:"username"`
	Enabled         bool   `yaml:"enabled"`
	NotifyOnSuccess bool   `yaml:"notify_on_success"`
}

// ServerConfig holds HTTP trigger settings
type ServerConfig struct {
	Addr         string        `yaml:"addr"` // default ":8080"
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	Schedule     string        `yaml:"schedule"`     // Optional cron expression for in-process runs
	WatchConfig  bool          `yaml:"watch_config"` // Reload the config file on change
}

// ArchiveConfig holds optional raw-page archive settings (S3 compatible)
type ArchiveConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// SourceConfig configures one source adapter instance.
type SourceConfig struct {
	Name                string            `yaml:"name"`
	Type                string            `yaml:"type"`
	Enabled             *bool             `yaml:"enabled"`
	BaseURL             string            `yaml:"base_url"`
	Table               string            `yaml:"table"`
	Partitions          []string          `yaml:"partitions"`
	PageSize            int               `yaml:"page_size"`
	MaxPages            int               `yaml:"max_pages"`   // 0 = unlimited
	MaxRecords          int               `yaml:"max_records"` // 0 = unlimited
	DefaultLookbackDays int               `yaml:"default_lookback_days"`
	MaxLookbackDays     int               `yaml:"max_lookback_days"`
	Overlap             time.Duration     `yaml:"overlap"`
	OverlapDays         int               `yaml:"overlap_days"`
	WatermarkColumn     string            `yaml:"watermark_column"`
	StorePayload        bool              `yaml:"store_payload"`
	StoreDescription    bool              `yaml:"store_description"`
	MaxTextChars        int               `yaml:"max_text_chars"`
	MaxPayloadChars     int               `yaml:"max_payload_chars"`
	Secrets             map[string]string `yaml:"secrets"` // logical name -> secret name
	Options             map[string]string `yaml:"options"`
}

// IsEnabled reports whether the source takes part in runs (default true).
func (s SourceConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// DefaultLookback returns the first-run lookback as a duration.
func (s SourceConfig) DefaultLookback() time.Duration {
	return time.Duration(s.DefaultLookbackDays) * 24 * time.Hour
}

// MaxLookback returns the backfill floor distance as a duration.
func (s SourceConfig) MaxLookback() time.Duration {
	return time.Duration(s.MaxLookbackDays) * 24 * time.Hour
}

// Option returns an adapter option or def when unset.
func (s SourceConfig) Option(key, def string) string {
	if v, ok := s.Options[key]; ok && v != "" {
		return v
	}
	return def
}

// SecretName returns the secret name bound to a logical credential name.
func (s SourceConfig) SecretName(logical string) string {
	return s.Secrets[logical]
}

type sourceDefaults struct {
	table        string
	pageSize     int
	lookbackDays int
	maxLookback  int
	overlap      time.Duration
	maxRecords   int
	column       string
	secrets      map[string]string
}

var defaultsByType = map[string]sourceDefaults{
	SourceJira: {
		table: "jira_issues", pageSize: 100, lookbackDays: 730, maxLookback: 730,
		overlap: 48 * time.Hour, column: "updated",
		secrets: map[string]string{"user": "JIRA_USER", "token": "JIRA_API_TOKEN", "base_url": "JIRA_SITE"},
	},
	SourceJiraChangelog: {
		table: "jira_changelog", pageSize: 50, lookbackDays: 730, maxLookback: 730,
		overlap: 48 * time.Hour, column: "history_created",
		secrets: map[string]string{"user": "JIRA_USER", "token": "JIRA_API_TOKEN", "base_url": "JIRA_SITE"},
	},
	SourceBugsnag: {
		table: "bugsnag_errors", pageSize: 100, lookbackDays: 30, maxLookback: 30,
		overlap: 7 * 24 * time.Hour, maxRecords: 5000, column: "last_seen",
		secrets: map[string]string{"token": "BUGSNAG_TOKEN", "base_url": "BUGSNAG_BASE_URL", "partitions": "BUGSNAG_PROJECT_IDS"},
	},
	SourceTestRail: {
		table: "testrail_results", pageSize: 250, lookbackDays: 30, maxLookback: 30,
		overlap: 7 * 24 * time.Hour, column: "created_on",
		secrets: map[string]string{"user": "TESTRAIL_USER", "token": "TESTRAIL_API_KEY", "base_url": "TESTRAIL_BASE_URL", "partitions": "TESTRAIL_PROJECT_IDS"},
	},
	SourceTestRailRuns: {
		table: "testrail_runs", pageSize: 250, lookbackDays: 30, maxLookback: 30,
		overlap: 14 * 24 * time.Hour, column: "created_on",
		secrets: map[string]string{"user": "TESTRAIL_USER", "token": "TESTRAIL_API_KEY", "base_url": "TESTRAIL_BASE_URL", "partitions": "TESTRAIL_PROJECT_IDS"},
	},
	SourceTestRailUsers: {
		table: "testrail_users", pageSize: 250, lookbackDays: 30, maxLookback: 30,
		secrets: map[string]string{"user": "TESTRAIL_USER", "token": "TESTRAIL_API_KEY", "base_url": "TESTRAIL_BASE_URL"},
	},
	SourceGameBench: {
		table: "gamebench_sessions", pageSize: 100, lookbackDays: 30, maxLookback: 30,
		overlap: 3 * 24 * time.Hour, maxRecords: 500, column: "time_pushed",
		secrets: map[string]string{"user": "GAMEBENCH_USER", "token": "GAMEBENCH_TOKEN", "bearer": "GAMEBENCH_BEARER_TOKEN"},
	},
}

// LoadOptions controls configuration loading behavior.
type LoadOptions struct {
	SuppressWarnings bool
	// EnvFiles are dotenv files loaded before ${VAR} expansion. Missing files are skipped.
	EnvFiles []string
}

// Load reads configuration from a YAML or TOML file.
func Load(path string) (*Config, error) {
	return LoadWithOptions(path, LoadOptions{})
}

// LoadWithOptions reads configuration from a file with options.
func LoadWithOptions(path string, opts LoadOptions) (*Config, error) {
	if !opts.SuppressWarnings {
		fmt.Fprint(os.Stderr, credentialFileWarning("config file", path))
	}

	envFiles := presentFiles(opts.EnvFiles)
	if !opts.SuppressWarnings {
		for _, f := range envFiles {
			fmt.Fprint(os.Stderr, credentialFileWarning("env file", f))
		}
	}
	if err := loadEnvFiles(envFiles); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return LoadTOML(data)
	}
	return LoadBytes(data)
}

// presentFiles drops the files that do not exist.
func presentFiles(files []string) []string {
	var present []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		}
	}
	return present
}

func loadEnvFiles(present []string) error {
	if len(present) == 0 {
		return nil
	}
	// godotenv.Load never overrides variables already set in the environment
	if err := godotenv.Load(present...); err != nil {
		return fmt.Errorf("loading env files: %w", err)
	}
	return nil
}

// LoadBytes reads configuration from YAML bytes.
func LoadBytes(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return finish(&cfg)
}

// LoadTOML reads configuration from TOML bytes. The document is normalised
// through YAML so both formats share one set of field names.
func LoadTOML(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var doc map[string]any
	if err := toml.Unmarshal([]byte(expanded), &doc); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	normalised, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(normalised, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return finish(&cfg)
}

func finish(cfg *Config) (*Config, error) {
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// DefaultDataDir returns the default data directory for state storage.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".ingest-sync")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	if err := os.Chmod(dir, 0700); err != nil {
		return "", err
	}
	return dir, nil
}

func (c *Config) applyDefaults() {
	if c.Run.Deadline == 0 {
		c.Run.Deadline = 240 * time.Second
	}
	if c.Run.SafetyMargin == 0 {
		c.Run.SafetyMargin = 10 * time.Second
	}
	if c.Run.MaxErrors == 0 {
		c.Run.MaxErrors = 50
	}

	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 6
	}
	if c.Retry.BaseBackoff == 0 {
		c.Retry.BaseBackoff = time.Second
	}
	if c.Retry.MaxBackoff == 0 {
		c.Retry.MaxBackoff = 30 * time.Second
	}
	if c.Retry.Timeout == 0 {
		c.Retry.Timeout = 30 * time.Second
	}
	if c.Retry.RateLimit == 0 {
		c.Retry.RateLimit = 10
	}
	if c.Retry.RateBurst == 0 {
		c.Retry.RateBurst = 5
	}
	if c.Retry.UserAgent == "" {
		c.Retry.UserAgent = "ingest-sync/1.0"
	}

	if c.Batch.MaxRows == 0 {
		c.Batch.MaxRows = 200
	}
	if c.Batch.MaxBytes == 0 {
		c.Batch.MaxBytes = 8000000
	}

	if c.Warehouse.Type == "" {
		c.Warehouse.Type = "postgres"
	}
	if c.Warehouse.Port == 0 {
		switch c.Warehouse.Type {
		case "mssql":
			c.Warehouse.Port = 1433
		case "postgres":
			c.Warehouse.Port = 5432
		}
	}
	if c.Warehouse.Schema == "" {
		switch c.Warehouse.Type {
		case "mssql":
			c.Warehouse.Schema = "dbo"
		case "postgres":
			c.Warehouse.Schema = "public"
		}
	}
	if c.Warehouse.SSLMode == "" {
		c.Warehouse.SSLMode = "require" // Secure default for PostgreSQL
	}
	if c.Warehouse.Encrypt == "" {
		c.Warehouse.Encrypt = "true" // Secure default for MSSQL
	}
	if c.Warehouse.MaxConns == 0 {
		c.Warehouse.MaxConns = 4
	}
	c.Warehouse.Path = expandTilde(c.Warehouse.Path)
	if c.Warehouse.CreateLatestViews == nil {
		enabled := true
		c.Warehouse.CreateLatestViews = &enabled
	}

	if c.State.Backend == "" {
		c.State.Backend = "sqlite"
	}
	if c.State.DataDir == "" {
		home, _ := os.UserHomeDir()
		c.State.DataDir = filepath.Join(home, ".ingest-sync")
	} else {
		c.State.DataDir = expandTilde(c.State.DataDir)
	}
	if c.State.StateFile == "" {
		c.State.StateFile = filepath.Join(c.State.DataDir, "state.yaml")
	} else {
		c.State.StateFile = expandTilde(c.State.StateFile)
	}

	if c.Secrets.Provider == "" {
		c.Secrets.Provider = "env"
	}
	c.Secrets.Dir = expandTilde(c.Secrets.Dir)

	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 10 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		// A run may take the whole deadline before the response is written
		c.Server.WriteTimeout = c.Run.Deadline + 30*time.Second
	}

	for i := range c.Sources {
		c.Sources[i].applyDefaults()
	}
}

// NewSourceConfig returns a source of the given type with its defaults applied.
func NewSourceConfig(typ, name string) SourceConfig {
	s := SourceConfig{Type: typ, Name: name}
	s.applyDefaults()
	return s
}

func (s *SourceConfig) applyDefaults() {
	s.Type = strings.ToLower(strings.TrimSpace(s.Type))
	if s.Name == "" {
		s.Name = s.Type
	}
	d := defaultsByType[s.Type]

	if s.Table == "" {
		s.Table = d.table
	}
	if s.PageSize == 0 {
		s.PageSize = d.pageSize
	}
	if s.DefaultLookbackDays == 0 {
		s.DefaultLookbackDays = d.lookbackDays
	}
	if s.MaxLookbackDays == 0 {
		s.MaxLookbackDays = d.maxLookback
	}
	if s.Overlap == 0 {
		if s.OverlapDays > 0 {
			s.Overlap = time.Duration(s.OverlapDays) * 24 * time.Hour
		} else {
			s.Overlap = d.overlap
		}
	}
	if s.MaxRecords == 0 {
		s.MaxRecords = d.maxRecords
	}
	if s.WatermarkColumn == "" {
		s.WatermarkColumn = d.column
	}
	if s.MaxTextChars == 0 {
		s.MaxTextChars = 5000
	}
	if s.MaxPayloadChars == 0 {
		s.MaxPayloadChars = 50000
	}
	if s.Secrets == nil {
		s.Secrets = make(map[string]string)
	}
	for logical, name := range d.secrets {
		if _, ok := s.Secrets[logical]; !ok {
			s.Secrets[logical] = name
		}
	}
	if s.Options == nil {
		s.Options = make(map[string]string)
	}
}

func (c *Config) validate() error {
	if c.Run.Deadline <= c.Run.SafetyMargin {
		return fmt.Errorf("run.deadline (%s) must exceed run.safety_margin (%s)", c.Run.Deadline, c.Run.SafetyMargin)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if c.Retry.BaseBackoff > c.Retry.MaxBackoff {
		return fmt.Errorf("retry.base_backoff (%s) exceeds retry.max_backoff (%s)", c.Retry.BaseBackoff, c.Retry.MaxBackoff)
	}
	if c.Batch.MaxRows < 1 || c.Batch.MaxBytes < 1 {
		return fmt.Errorf("batch.max_rows and batch.max_bytes must be positive")
	}

	switch c.Warehouse.Type {
	case "postgres", "mssql":
		if c.Warehouse.Host == "" {
			return fmt.Errorf("warehouse.host is required")
		}
		if c.Warehouse.Database == "" {
			return fmt.Errorf("warehouse.database is required")
		}
	case "sqlite":
		if c.Warehouse.Path == "" {
			return fmt.Errorf("warehouse.path is required for sqlite")
		}
	default:
		return fmt.Errorf("warehouse.type must be 'postgres', 'mssql' or 'sqlite', got '%s'", c.Warehouse.Type)
	}

	if c.State.Backend != "sqlite" && c.State.Backend != "file" {
		return fmt.Errorf("state.backend must be 'sqlite' or 'file', got '%s'", c.State.Backend)
	}

	switch c.Secrets.Provider {
	case "env":
	case "file", "chain":
		if c.Secrets.Dir == "" {
			return fmt.Errorf("secrets.dir is required for the %s provider", c.Secrets.Provider)
		}
	default:
		return fmt.Errorf("secrets.provider must be 'env', 'file' or 'chain', got '%s'", c.Secrets.Provider)
	}

	if c.Archive.Enabled && (c.Archive.Endpoint == "" || c.Archive.Bucket == "") {
		return fmt.Errorf("archive.endpoint and archive.bucket are required when archive is enabled")
	}

	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one source is required")
	}
	seen := make(map[string]bool)
	for _, s := range c.Sources {
		if _, ok := defaultsByType[s.Type]; !ok {
			return fmt.Errorf("source %q: type must be one of %s, got '%s'", s.Name, strings.Join(SourceTypes, ", "), s.Type)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate source name %q", s.Name)
		}
		seen[s.Name] = true
		if s.PageSize < 1 {
			return fmt.Errorf("source %q: page_size must be positive", s.Name)
		}
		if s.MaxLookbackDays < 1 {
			return fmt.Errorf("source %q: max_lookback_days must be positive", s.Name)
		}
		if s.Overlap < 0 {
			return fmt.Errorf("source %q: overlap must not be negative", s.Name)
		}
		for _, p := range s.Partitions {
			if strings.TrimSpace(p) == "" {
				return fmt.Errorf("source %q: empty partition key", s.Name)
			}
		}
	}
	return nil
}

// Source returns the source config with the given name.
func (c *Config) Source(name string) (SourceConfig, bool) {
	for _, s := range c.Sources {
		if s.Name == name {
			return s, true
		}
	}
	return SourceConfig{}, false
}

// WarehouseDSN returns the warehouse connection string
func (c *Config) WarehouseDSN() string {
	w := c.Warehouse
	switch w.Type {
	case "mssql":
		return buildMSSQLDSN(w.Host, w.Port, w.Database, w.User, w.Password, w.Encrypt, w.TrustServerCert)
	case "sqlite":
		return w.Path
	default:
		return buildPostgresDSN(w.Host, w.Port, w.Database, w.User, w.Password, w.SSLMode)
	}
}

// buildMSSQLDSN builds a URL-encoded SQL Server connection string
func buildMSSQLDSN(host string, port int, database, user, password, encrypt string, trustServerCert bool) string {
	u := url.URL{
		Scheme: "sqlserver",
		User:   url.UserPassword(user, password),
		Host:   host + ":" + strconv.Itoa(port),
	}
	q := url.Values{}
	q.Set("database", database)
	q.Set("encrypt", encrypt)
	q.Set("TrustServerCertificate", strconv.FormatBool(trustServerCert))
	u.RawQuery = q.Encode()
	return u.String()
}

// buildPostgresDSN builds a URL-encoded PostgreSQL connection string
func buildPostgresDSN(host string, port int, database, user, password, sslMode string) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(user, password),
		Host:   host + ":" + strconv.Itoa(port),
		Path:   "/" + database,
	}
	q := url.Values{}
	q.Set("sslmode", sslMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// Sanitized returns a copy of the config with sensitive fields redacted
func (c *Config) Sanitized() *Config {
	sanitized := *c // shallow copy

	if sanitized.Warehouse.Password != "" {
		sanitized.Warehouse.Password = "[REDACTED]"
	}
	if sanitized.Slack.WebhookURL != "" {
		sanitized.Slack.WebhookURL = "[REDACTED]"
	}
	if sanitized.Archive.SecretKey != "" {
		sanitized.Archive.SecretKey = "[REDACTED]"
	}
	if sanitized.Archive.AccessKey != "" {
		sanitized.Archive.AccessKey = "[REDACTED]"
	}

	// Secret names are not secrets, but base URLs may embed credentials
	sanitized.Sources = make([]SourceConfig, len(c.Sources))
	for i, s := range c.Sources {
		if u, err := url.Parse(s.BaseURL); err == nil && u.User != nil {
			u.User = url.User("[REDACTED]")
			s.BaseURL = u.String()
		}
		sanitized.Sources[i] = s
	}

	return &sanitized
}
