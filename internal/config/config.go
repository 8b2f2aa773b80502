package config

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrUnknownEnvironment indicates the requested environment is not configured.
var ErrUnknownEnvironment = errors.New("unknown environment")

// Config application configuration structure
type Config struct {
	Log                LogConfig           `yaml:"log" mapstructure:"log"`
	Output             OutputConfig        `yaml:"output" mapstructure:"output"`
	DefaultEnvironment string              `yaml:"default_environment" mapstructure:"default_environment"`
	Environments       []EnvironmentConfig `yaml:"environments" mapstructure:"environments"`
	Diagnostic         DiagnosticConfig    `yaml:"diagnostic" mapstructure:"diagnostic"`
	Capture            CaptureConfig       `yaml:"capture" mapstructure:"capture"`
	Storage            StorageConfig       `yaml:"storage" mapstructure:"storage"`
	Server             ServerConfig        `yaml:"server" mapstructure:"server"`
	Rules              RulesConfig         `yaml:"rules" mapstructure:"rules"`
}

// LogConfig log configuration
type LogConfig struct {
	Level       string        `yaml:"level" mapstructure:"level"`
	FileLogging FileLogConfig `yaml:"file_logging" mapstructure:"file_logging"`
}

// FileLogConfig file log configuration
type FileLogConfig struct {
	Enable     bool   `yaml:"enable" mapstructure:"enable"`
	Path       string `yaml:"path" mapstructure:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
}

// OutputConfig controls CLI output style
type OutputConfig struct {
	Mode    string `yaml:"mode" mapstructure:"mode"`
	Silence bool   `yaml:"silence" mapstructure:"silence"`
}

// DiagnosticConfig controls pacing, timeouts and the default stop policy.
type DiagnosticConfig struct {
	StopOnFirstFailure   bool          `yaml:"stop_on_first_failure" mapstructure:"stop_on_first_failure"`
	BackendDelay         time.Duration `yaml:"backend_delay" mapstructure:"backend_delay"`
	MessageDelay         time.Duration `yaml:"message_delay" mapstructure:"message_delay"`
	BackendTimeout       time.Duration `yaml:"backend_timeout" mapstructure:"backend_timeout"`
	MiddlewareTimeout    time.Duration `yaml:"middleware_timeout" mapstructure:"middleware_timeout"`
	OrchestrationTimeout time.Duration `yaml:"orchestration_timeout" mapstructure:"orchestration_timeout"`
	RunTimeout           time.Duration `yaml:"run_timeout" mapstructure:"run_timeout"`
	SlotWindowDays       int           `yaml:"slot_window_days" mapstructure:"slot_window_days"`
}

// CaptureConfig points at the read-only archive of recorded calls.
type CaptureConfig struct {
	Driver string `yaml:"driver" mapstructure:"driver"`
	Path   string `yaml:"path" mapstructure:"path"`
}

// StorageConfig persists debug reports and replay results.
type StorageConfig struct {
	Driver     string        `yaml:"driver" mapstructure:"driver"`
	Path       string        `yaml:"path" mapstructure:"path"`
	MaxRecords int           `yaml:"max_records" mapstructure:"max_records"`
	Retention  time.Duration `yaml:"retention" mapstructure:"retention"`
}

// ServerConfig operator HTTP surface configuration
type ServerConfig struct {
	Port         int    `yaml:"port" mapstructure:"port"`
	AdminPath    string `yaml:"admin_path" mapstructure:"admin_path"`
	MetricsPath  string `yaml:"metrics_path" mapstructure:"metrics_path"`
	Token        string `yaml:"token" mapstructure:"token"`
	MaxBodyBytes int64  `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
}

// RulesConfig locates an optional recommendation rule pack.
type RulesConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// EnvironmentConfig is the immutable per-run description of one deployment of
// the pipeline. It is passed by value and never mutated during a run.
type EnvironmentConfig struct {
	Name           string               `yaml:"name" mapstructure:"name"`
	Backend        BackendConfig        `yaml:"backend" mapstructure:"backend"`
	Middleware     MiddlewareConfig     `yaml:"middleware" mapstructure:"middleware"`
	Orchestration  OrchestrationConfig  `yaml:"orchestration" mapstructure:"orchestration"`
	Conversational ConversationalConfig `yaml:"conversational" mapstructure:"conversational"`
	Defaults       DefaultIdentifiers   `yaml:"defaults" mapstructure:"defaults"`
}

// BackendConfig backend protocol endpoint and the three envelope credentials.
type BackendConfig struct {
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`
	ClientID string `yaml:"client_id" mapstructure:"client_id"`
	UserName string `yaml:"user_name" mapstructure:"user_name"`
	Password string `yaml:"password" mapstructure:"password"`
}

// MiddlewareConfig middleware base URL and static credential header.
type MiddlewareConfig struct {
	BaseURL    string `yaml:"base_url" mapstructure:"base_url"`
	AuthHeader string `yaml:"auth_header" mapstructure:"auth_header"`
	AuthValue  string `yaml:"auth_value" mapstructure:"auth_value"`
}

// OrchestrationConfig prediction endpoint of the agent. Empty endpoint means
// the layer is not deployed for this environment.
type OrchestrationConfig struct {
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`
	APIKey   string `yaml:"api_key" mapstructure:"api_key"`
}

// ConversationalConfig optional chat proxy sitting in front of the agent.
type ConversationalConfig struct {
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`
}

// DefaultIdentifiers parameterize probe test cases.
type DefaultIdentifiers struct {
	LocationGUID        string `yaml:"location_guid" mapstructure:"location_guid"`
	ProviderGUID        string `yaml:"provider_guid" mapstructure:"provider_guid"`
	AppointmentTypeGUID string `yaml:"appointment_type_guid" mapstructure:"appointment_type_guid"`
	ScheduleViewGUID    string `yaml:"schedule_view_guid" mapstructure:"schedule_view_guid"`
	ScheduleColumnGUID  string `yaml:"schedule_column_guid" mapstructure:"schedule_column_guid"`
	PatientLastName     string `yaml:"patient_last_name" mapstructure:"patient_last_name"`
}

// HasOrchestration reports whether the orchestration layer is configured.
func (e EnvironmentConfig) HasOrchestration() bool {
	return strings.TrimSpace(e.Orchestration.Endpoint) != ""
}

// ConversationalEndpoint returns the chat proxy when configured, otherwise the
// orchestration endpoint the proxy would forward to.
func (e EnvironmentConfig) ConversationalEndpoint() string {
	if ep := strings.TrimSpace(e.Conversational.Endpoint); ep != "" {
		return ep
	}
	return strings.TrimSpace(e.Orchestration.Endpoint)
}

// LoadConfig load configuration
// If v is nil, a new viper instance will be created
func LoadConfig(configPath string, v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	setDefaults(v)

	v.SetEnvPrefix("LAYERPROBE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.layerprobe")
		v.AddConfigPath("/etc/layerprobe")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults")
		} else {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		log.Printf("Config file loaded: %s", v.ConfigFileUsed())
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	// Unmarshal leaves zero values where the file is silent; command line
	// overrides are applied afterwards in main.go.
	applyDefaults(&config, v)

	return &config, nil
}

// applyDefaults apply default values to zero-value fields in the struct
func applyDefaults(cfg *Config, v *viper.Viper) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = v.GetString("log.level")
	}
	cfg.Log.FileLogging.Enable = v.GetBool("log.file_logging.enable")
	cfg.Log.FileLogging.Compress = v.GetBool("log.file_logging.compress")
	if cfg.Log.FileLogging.Path == "" {
		cfg.Log.FileLogging.Path = v.GetString("log.file_logging.path")
	}
	if cfg.Log.FileLogging.MaxSizeMB == 0 {
		cfg.Log.FileLogging.MaxSizeMB = v.GetInt("log.file_logging.max_size_mb")
	}
	if cfg.Log.FileLogging.MaxBackups == 0 {
		cfg.Log.FileLogging.MaxBackups = v.GetInt("log.file_logging.max_backups")
	}
	if cfg.Log.FileLogging.MaxAgeDays == 0 {
		cfg.Log.FileLogging.MaxAgeDays = v.GetInt("log.file_logging.max_age_days")
	}

	if cfg.Output.Mode == "" {
		cfg.Output.Mode = v.GetString("output.mode")
	}
	cfg.Output.Silence = v.GetBool("output.silence")

	// Bool fields always follow viper so file values and defaults both apply.
	cfg.Diagnostic.StopOnFirstFailure = v.GetBool("diagnostic.stop_on_first_failure")
	if cfg.Diagnostic.BackendDelay == 0 {
		cfg.Diagnostic.BackendDelay = v.GetDuration("diagnostic.backend_delay")
	}
	if cfg.Diagnostic.MessageDelay == 0 {
		cfg.Diagnostic.MessageDelay = v.GetDuration("diagnostic.message_delay")
	}
	if cfg.Diagnostic.BackendTimeout == 0 {
		cfg.Diagnostic.BackendTimeout = v.GetDuration("diagnostic.backend_timeout")
	}
	if cfg.Diagnostic.MiddlewareTimeout == 0 {
		cfg.Diagnostic.MiddlewareTimeout = v.GetDuration("diagnostic.middleware_timeout")
	}
	if cfg.Diagnostic.OrchestrationTimeout == 0 {
		cfg.Diagnostic.OrchestrationTimeout = v.GetDuration("diagnostic.orchestration_timeout")
	}
	if cfg.Diagnostic.RunTimeout == 0 {
		cfg.Diagnostic.RunTimeout = v.GetDuration("diagnostic.run_timeout")
	}
	if cfg.Diagnostic.SlotWindowDays == 0 {
		cfg.Diagnostic.SlotWindowDays = v.GetInt("diagnostic.slot_window_days")
	}

	if cfg.Capture.Driver == "" {
		cfg.Capture.Driver = v.GetString("capture.driver")
	}
	if cfg.Capture.Path == "" {
		cfg.Capture.Path = v.GetString("capture.path")
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = v.GetString("storage.driver")
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = v.GetString("storage.path")
	}
	if cfg.Storage.MaxRecords == 0 {
		cfg.Storage.MaxRecords = v.GetInt("storage.max_records")
	}
	if cfg.Storage.Retention == 0 {
		cfg.Storage.Retention = v.GetDuration("storage.retention")
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = v.GetInt("server.port")
	}
	if cfg.Server.AdminPath == "" {
		cfg.Server.AdminPath = v.GetString("server.admin_path")
	}
	if cfg.Server.MetricsPath == "" {
		cfg.Server.MetricsPath = v.GetString("server.metrics_path")
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = v.GetInt64("server.max_body_bytes")
	}

	for i := range cfg.Environments {
		env := &cfg.Environments[i]
		env.Name = strings.TrimSpace(env.Name)
		if env.Middleware.AuthHeader == "" {
			env.Middleware.AuthHeader = "Authorization"
		}
		env.Middleware.BaseURL = strings.TrimRight(strings.TrimSpace(env.Middleware.BaseURL), "/")
	}
}

// setDefaults set default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file_logging.enable", false)
	v.SetDefault("log.file_logging.path", "./layerprobe.log")
	v.SetDefault("log.file_logging.max_size_mb", 10)
	v.SetDefault("log.file_logging.max_backups", 5)
	v.SetDefault("log.file_logging.max_age_days", 30)
	v.SetDefault("log.file_logging.compress", true)

	v.SetDefault("output.mode", "console")
	v.SetDefault("output.silence", false)

	v.SetDefault("diagnostic.stop_on_first_failure", true)
	v.SetDefault("diagnostic.backend_delay", "5s")
	v.SetDefault("diagnostic.message_delay", "3s")
	v.SetDefault("diagnostic.backend_timeout", "30s")
	v.SetDefault("diagnostic.middleware_timeout", "30s")
	v.SetDefault("diagnostic.orchestration_timeout", "120s")
	v.SetDefault("diagnostic.run_timeout", "15m")
	v.SetDefault("diagnostic.slot_window_days", 14)

	v.SetDefault("capture.driver", "sqlite")
	v.SetDefault("capture.path", "./data/capture.db")

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.path", "./data/layerprobe.db")
	v.SetDefault("storage.max_records", 5000)
	v.SetDefault("storage.retention", "0s")

	v.SetDefault("server.port", 38890)
	v.SetDefault("server.admin_path", "/api")
	v.SetDefault("server.metrics_path", "/metrics")
	v.SetDefault("server.token", "")
	v.SetDefault("server.max_body_bytes", int64(1024*1024))

	v.SetDefault("rules.path", "")
}

// Environment resolves the named environment. An empty name selects the
// default environment. With no environments configured at all the documented
// fallback supplier is used.
func (c *Config) Environment(name string) (EnvironmentConfig, error) {
	name = strings.TrimSpace(name)
	if len(c.Environments) == 0 {
		fallback := FallbackEnvironment()
		if name == "" || strings.EqualFold(name, fallback.Name) {
			return fallback, nil
		}
		return EnvironmentConfig{}, fmt.Errorf("%w: %s", ErrUnknownEnvironment, name)
	}
	if name == "" {
		name = c.DefaultEnvironment
	}
	if name == "" {
		return c.Environments[0], nil
	}
	for _, env := range c.Environments {
		if strings.EqualFold(env.Name, name) {
			return env, nil
		}
	}
	return EnvironmentConfig{}, fmt.Errorf("%w: %s", ErrUnknownEnvironment, name)
}

// EnvironmentNames lists configured environment names in declaration order.
func (c *Config) EnvironmentNames() []string {
	if len(c.Environments) == 0 {
		return []string{FallbackEnvironment().Name}
	}
	names := make([]string, 0, len(c.Environments))
	for _, env := range c.Environments {
		names = append(names, env.Name)
	}
	return names
}

// Validate validate configuration
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}
	if c.Log.FileLogging.Enable {
		if c.Log.FileLogging.Path == "" {
			return fmt.Errorf("log file path cannot be empty when file logging is enabled")
		}
		if c.Log.FileLogging.MaxSizeMB < 1 {
			return fmt.Errorf("log file max size must be at least 1MB")
		}
		if c.Log.FileLogging.MaxBackups < 0 {
			return fmt.Errorf("log file max backups cannot be negative")
		}
		if c.Log.FileLogging.MaxAgeDays < 0 {
			return fmt.Errorf("log file max age cannot be negative")
		}
	}

	switch strings.ToLower(c.Output.Mode) {
	case "", "console", "json":
		if c.Output.Mode == "" {
			c.Output.Mode = "console"
		}
	default:
		return fmt.Errorf("output mode must be 'console' or 'json'")
	}

	d := c.Diagnostic
	if d.BackendDelay < 0 || d.MessageDelay < 0 {
		return fmt.Errorf("diagnostic delays cannot be negative")
	}
	if d.BackendTimeout <= 0 || d.MiddlewareTimeout <= 0 || d.OrchestrationTimeout <= 0 {
		return fmt.Errorf("diagnostic call timeouts must be greater than zero")
	}
	if d.RunTimeout < 0 {
		return fmt.Errorf("diagnostic run timeout cannot be negative")
	}
	if d.SlotWindowDays < 1 {
		return fmt.Errorf("diagnostic slot window must be at least 1 day")
	}

	for _, driver := range []string{c.Capture.Driver, c.Storage.Driver} {
		switch strings.ToLower(strings.TrimSpace(driver)) {
		case "", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("storage driver must be sqlite, got %q", driver)
		}
	}
	if strings.TrimSpace(c.Capture.Path) == "" {
		return fmt.Errorf("capture path cannot be empty")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage path cannot be empty")
	}
	if c.Storage.MaxRecords < 0 {
		return fmt.Errorf("storage max_records cannot be negative")
	}
	if c.Storage.Retention < 0 {
		return fmt.Errorf("storage retention cannot be negative")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Server.Port)
	}
	if !strings.HasPrefix(c.Server.AdminPath, "/") {
		return fmt.Errorf("server admin path must start with '/'")
	}
	if c.Server.MetricsPath != "" && !strings.HasPrefix(c.Server.MetricsPath, "/") {
		return fmt.Errorf("server metrics path must start with '/'")
	}

	seen := make(map[string]struct{}, len(c.Environments))
	for i, env := range c.Environments {
		if env.Name == "" {
			return fmt.Errorf("environment %d name cannot be empty", i+1)
		}
		key := strings.ToLower(env.Name)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("environment %q declared twice", env.Name)
		}
		seen[key] = struct{}{}
		if err := env.Validate(); err != nil {
			return fmt.Errorf("environment %q: %w", env.Name, err)
		}
	}
	if c.DefaultEnvironment != "" && len(c.Environments) > 0 {
		if _, ok := seen[strings.ToLower(c.DefaultEnvironment)]; !ok {
			return fmt.Errorf("default_environment %q is not declared", c.DefaultEnvironment)
		}
	}

	return nil
}

// Validate checks endpoint syntax. Missing endpoints are not errors: they are
// reported by the probes as configuration skips.
func (e EnvironmentConfig) Validate() error {
	endpoints := map[string]string{
		"backend.endpoint":        e.Backend.Endpoint,
		"middleware.base_url":     e.Middleware.BaseURL,
		"orchestration.endpoint":  e.Orchestration.Endpoint,
		"conversational.endpoint": e.Conversational.Endpoint,
	}
	for key, raw := range endpoints {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s is not an absolute URL: %q", key, raw)
		}
	}
	return nil
}
