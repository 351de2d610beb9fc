package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"webagentaa/internal/core"
)

const (
	appName   = "webagentaa"
	envPrefix = "WEBAGENT"

	SourceSheets = "sheets"
	SourceCSV    = "csv"

	BackendCommand = "command"
	BackendChrome  = "chrome"

	redactedValue = "********"
)

// ExecutionConfig holds dispatch settings as they appear in configuration.
type ExecutionConfig struct {
	Mode              string        `mapstructure:"mode" yaml:"mode"`
	TaskDelay         time.Duration `mapstructure:"task_delay" yaml:"task_delay"`
	MaxParallelAgents int           `mapstructure:"max_parallel_agents" yaml:"max_parallel_agents"`
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxSteps          int           `mapstructure:"max_steps" yaml:"max_steps"`
}

// FilterConfig selects tasks for the priority run.
type FilterConfig struct {
	Priority string `mapstructure:"priority" yaml:"priority"`
	Category string `mapstructure:"category" yaml:"category"`
}

// SourceConfig locates the task spreadsheet.
type SourceConfig struct {
	Kind            string `mapstructure:"kind" yaml:"kind"`
	SpreadsheetID   string `mapstructure:"spreadsheet_id" yaml:"spreadsheet_id"`
	SheetName       string `mapstructure:"sheet_name" yaml:"sheet_name"`
	StartRow        int    `mapstructure:"start_row" yaml:"start_row"`
	CredentialsFile string `mapstructure:"credentials_file" yaml:"credentials_file"`
	CSVPath         string `mapstructure:"csv_path" yaml:"csv_path"`
}

// BackendConfig selects the execution backend.
type BackendConfig struct {
	Kind          string `mapstructure:"kind" yaml:"kind"`
	Command       string `mapstructure:"command" yaml:"command"`
	RemoteCapable bool   `mapstructure:"remote_capable" yaml:"remote_capable"`
}

// RemoteConfig holds remote browser grid settings.
type RemoteConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	Username  string `mapstructure:"username" yaml:"username"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key"`
	Provider  string `mapstructure:"provider" yaml:"provider"`
}

// LLMConfig configures the model used by the chrome backend.
type LLMConfig struct {
	BaseURL     string        `mapstructure:"base_url" yaml:"base_url"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"api_key"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	Temperature float64       `mapstructure:"temperature" yaml:"temperature"`
}

// ReportConfig holds report output settings.
type ReportConfig struct {
	Dir  string `mapstructure:"dir" yaml:"dir"`
	Keep int    `mapstructure:"keep" yaml:"keep"`
}

// ServerConfig holds server-related settings.
type ServerConfig struct {
	Addr      string `mapstructure:"addr" yaml:"addr"`
	AuthToken string `mapstructure:"auth_token" yaml:"auth_token"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// BarkConfig holds Bark notification settings.
type BarkConfig struct {
	URL     string `mapstructure:"url" yaml:"url"`
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
}

// NotificationConfig holds all notification settings.
type NotificationConfig struct {
	Bark BarkConfig `mapstructure:"bark" yaml:"bark"`
}

// ScheduleConfig holds the recurring run settings.
type ScheduleConfig struct {
	Cron   string `mapstructure:"cron" yaml:"cron"`
	UseUTC bool   `mapstructure:"use_utc" yaml:"use_utc"`
}

// StoreConfig holds run history settings.
type StoreConfig struct {
	Retention int `mapstructure:"retention" yaml:"retention"`
}

// Config holds all runtime configuration options.
type Config struct {
	Execution    ExecutionConfig    `mapstructure:"execution" yaml:"execution"`
	Filter       FilterConfig       `mapstructure:"filter" yaml:"filter"`
	Source       SourceConfig       `mapstructure:"source" yaml:"source"`
	Backend      BackendConfig      `mapstructure:"backend" yaml:"backend"`
	Remote       RemoteConfig       `mapstructure:"remote" yaml:"remote"`
	LLM          LLMConfig          `mapstructure:"llm" yaml:"llm"`
	Report       ReportConfig       `mapstructure:"report" yaml:"report"`
	Server       ServerConfig       `mapstructure:"server" yaml:"server"`
	Log          LogConfig          `mapstructure:"log" yaml:"log"`
	Notification NotificationConfig `mapstructure:"notify" yaml:"notify"`
	Schedule     ScheduleConfig     `mapstructure:"schedule" yaml:"schedule"`
	Store        StoreConfig        `mapstructure:"store" yaml:"store"`

	StateDir      string        `mapstructure:"state_dir" yaml:"state_dir"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace" yaml:"shutdown_grace"`
}

var defaults = map[string]any{
	"execution.mode":                sequentialMode,
	"execution.task_delay":          5 * time.Second,
	"execution.max_parallel_agents": 3,
	"execution.headless":            true,
	"execution.timeout":             300 * time.Second,
	"execution.max_steps":           25,
	"filter.priority":               "High",
	"filter.category":               "Hotels",
	"source.kind":                   SourceSheets,
	"source.spreadsheet_id":         "",
	"source.sheet_name":             "Tasks",
	"source.start_row":              2,
	"source.credentials_file":       "credentials.json",
	"source.csv_path":               "tasks.csv",
	"backend.kind":                  BackendCommand,
	"backend.command":               "browser-use-runner",
	"backend.remote_capable":        false,
	"remote.enabled":                false,
	"remote.endpoint":               "",
	"remote.username":               "",
	"remote.access_key":             "",
	"remote.provider":               "",
	"llm.base_url":                  "https://generativelanguage.googleapis.com/v1beta/openai",
	"llm.model":                     "gemini-flash-latest",
	"llm.api_key":                   "",
	"llm.timeout":                   60 * time.Second,
	"llm.max_tokens":                1024,
	"llm.temperature":               0.0,
	"report.dir":                    "./reports",
	"report.keep":                   0,
	"server.addr":                   "127.0.0.1:7071",
	"server.auth_token":             "",
	"log.level":                     "info",
	"log.format":                    "console",
	"notify.bark.url":               "",
	"notify.bark.enabled":           false,
	"schedule.cron":                 "",
	"schedule.use_utc":              false,
	"store.retention":               50,
	"state_dir":                     "",
	"shutdown_grace":                5 * time.Second,
}

const sequentialMode = "sequential"

// legacyEnv maps unprefixed environment names kept for existing .env files.
var legacyEnv = map[string]string{
	"execution.mode":          "EXECUTION_MODE",
	"filter.priority":         "RUN_PRIORITY",
	"filter.category":         "RUN_CATEGORY",
	"report.dir":              "REPORTS_DIR",
	"source.spreadsheet_id":   "SPREADSHEET_ID",
	"source.sheet_name":       "SHEET_NAME",
	"source.credentials_file": "GOOGLE_SHEETS_CREDENTIALS",
	"llm.api_key":             "GOOGLE_API_KEY",
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"mode":         "execution.mode",
	"delay":        "execution.task_delay",
	"max-parallel": "execution.max_parallel_agents",
	"headless":     "execution.headless",
	"timeout":      "execution.timeout",
	"priority":     "filter.priority",
	"category":     "filter.category",
	"source":       "source.kind",
	"csv":          "source.csv_path",
	"backend":      "backend.kind",
	"reports-dir":  "report.dir",
	"addr":         "server.addr",
	"state-dir":    "state_dir",
	"log-level":    "log.level",
	"log-format":   "log.format",
	"cron":         "schedule.cron",
}

// getEnvInt returns the environment variable as int and whether it was set.
func getEnvInt(key string) (int, bool) {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return i, true
		}
	}
	return 0, false
}

// getEnvBool returns the environment variable as bool and whether it was set.
func getEnvBool(key string) (bool, bool) {
	if val, ok := os.LookupEnv(key); ok {
		lower := strings.ToLower(strings.TrimSpace(val))
		return lower == "true" || lower == "1" || lower == "yes", true
	}
	return false, false
}

// Load builds the configuration.
// Priority: flags > environment variables > .env file > config file > defaults
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	// .env files are optional; each location is tried on its own.
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, appName, ".env"))
	}
	for _, file := range envFiles {
		_ = godotenv.Load(file)
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		if err := v.BindEnv(key, envPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), legacy); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", legacy, err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configFile, err)
		}
	}

	applyLegacyUnits(v)

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil && f.Changed {
				v.Set(key, f.Value.String())
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}
	if cfg.Store.Retention < 1 {
		cfg.Store.Retention = defaults["store.retention"].(int)
	}
	return &cfg, nil
}

// applyLegacyUnits handles unprefixed variables whose units differ from
// the duration-typed keys: TASK_DELAY is seconds, BROWSER_TIMEOUT is milliseconds.
func applyLegacyUnits(v *viper.Viper) {
	if _, ok := os.LookupEnv(envPrefix + "_EXECUTION_TASK_DELAY"); !ok {
		if secs, ok := getEnvInt("TASK_DELAY"); ok {
			v.Set("execution.task_delay", time.Duration(secs)*time.Second)
		}
	}
	if _, ok := os.LookupEnv(envPrefix + "_EXECUTION_TIMEOUT"); !ok {
		if ms, ok := getEnvInt("BROWSER_TIMEOUT"); ok {
			v.Set("execution.timeout", time.Duration(ms)*time.Millisecond)
		}
	}
	if _, ok := os.LookupEnv(envPrefix + "_EXECUTION_MAX_PARALLEL_AGENTS"); !ok {
		if n, ok := getEnvInt("MAX_PARALLEL_AGENTS"); ok {
			v.Set("execution.max_parallel_agents", n)
		}
	}
	if _, ok := os.LookupEnv(envPrefix + "_EXECUTION_HEADLESS"); !ok {
		if headless, ok := getEnvBool("HEADLESS_BROWSER"); ok {
			v.Set("execution.headless", headless)
		}
	}
}

// Validate reports every missing or invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if _, err := core.ParseExecutionMode(c.Execution.Mode); err != nil {
		errs = append(errs, err)
	}
	if c.Execution.TaskDelay < 0 {
		errs = append(errs, fmt.Errorf("execution.task_delay must be >= 0"))
	}
	if c.Execution.MaxParallelAgents < 0 {
		errs = append(errs, fmt.Errorf("execution.max_parallel_agents must be >= 0 (0 = unbounded)"))
	}
	switch c.Source.Kind {
	case SourceSheets:
		if strings.TrimSpace(c.Source.SpreadsheetID) == "" {
			errs = append(errs, errors.New("source.spreadsheet_id is required (SPREADSHEET_ID)"))
		}
		if strings.TrimSpace(c.Source.CredentialsFile) == "" {
			errs = append(errs, errors.New("source.credentials_file is required (GOOGLE_SHEETS_CREDENTIALS)"))
		}
	case SourceCSV:
		if strings.TrimSpace(c.Source.CSVPath) == "" {
			errs = append(errs, errors.New("source.csv_path is required for the csv source"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown source.kind %q (want sheets or csv)", c.Source.Kind))
	}
	if c.Source.StartRow < 1 {
		errs = append(errs, fmt.Errorf("source.start_row must be >= 1"))
	}
	switch c.Backend.Kind {
	case BackendCommand:
		if strings.TrimSpace(c.Backend.Command) == "" {
			errs = append(errs, errors.New("backend.command is required for the command backend"))
		}
	case BackendChrome:
		if strings.TrimSpace(c.LLM.APIKey) == "" {
			errs = append(errs, errors.New("llm.api_key is required for the chrome backend (GOOGLE_API_KEY)"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend.kind %q (want command or chrome)", c.Backend.Kind))
	}
	if c.Remote.Enabled && strings.TrimSpace(c.Remote.Endpoint) == "" {
		errs = append(errs, errors.New("remote.endpoint is required when remote.enabled is set"))
	}
	if c.Notification.Bark.Enabled && strings.TrimSpace(c.Notification.Bark.URL) == "" {
		errs = append(errs, errors.New("notify.bark.url is required when bark is enabled"))
	}
	return errors.Join(errs...)
}

// ExecutionConfig builds the immutable per-run execution settings.
func (c *Config) ExecutionConfig() (core.ExecutionConfig, error) {
	mode, err := core.ParseExecutionMode(c.Execution.Mode)
	if err != nil {
		return core.ExecutionConfig{}, err
	}
	pool, err := core.ParsePoolSize(c.Execution.MaxParallelAgents)
	if err != nil {
		return core.ExecutionConfig{}, err
	}
	return core.ExecutionConfig{
		Mode:      mode,
		TaskDelay: c.Execution.TaskDelay,
		Pool:      pool,
		Headless:  c.Execution.Headless,
		Timeout:   c.Execution.Timeout,
		MaxSteps:  c.Execution.MaxSteps,
		Remote: core.RemoteConfig{
			Enabled:   c.Remote.Enabled,
			Endpoint:  c.Remote.Endpoint,
			Username:  c.Remote.Username,
			AccessKey: c.Remote.AccessKey,
			Provider:  c.Remote.Provider,
		},
	}, nil
}

// Selection returns the configured priority/category filter.
func (c *Config) Selection() core.Selection {
	return core.Selection{Priority: c.Filter.Priority, Category: c.Filter.Category}
}

// Redacted returns a copy with secrets masked, for display.
func (c Config) Redacted() Config {
	mask := func(value string) string {
		if value == "" {
			return ""
		}
		return redactedValue
	}
	c.LLM.APIKey = mask(c.LLM.APIKey)
	c.Remote.AccessKey = mask(c.Remote.AccessKey)
	c.Server.AuthToken = mask(c.Server.AuthToken)
	return c
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, appName)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
