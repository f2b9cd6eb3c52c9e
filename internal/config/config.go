package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds runtime configuration for the webhook server, worker pool and browser driver.
type Config struct {
	Env         string
	Host        string
	Port        int
	WebhookPath string
	CORSOrigins []string

	LogLevel  string
	LogFormat string
	LogToFile bool

	MaxWorkers        int
	QueueCapacity     int
	LockTimeout       time.Duration
	LockRetries       int
	DriverTimeout     time.Duration
	TaskRetention     time.Duration
	TaskRetentionMax  int
	DefaultSessionKey string

	BaseDir       string
	LogDir        string
	TraceDir      string
	SessionDir    string
	ScreenshotDir string

	Driver          string
	BrowserHeadless bool
	BrowserTimeout  time.Duration
	BrowserInstall  bool
	EnableTracing   bool
	GuardLoginURL   string
	GuardBaseURL    string
	GuardUsername   string
	GuardPassword   string

	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RateLimitCapacity int
	RateLimitRefill   float64

	TraceS3Bucket    string
	TraceS3Region    string
	TraceS3Endpoint  string
	TraceS3PathStyle bool

	MetricsEnabled bool
}

// SetDefaults registers the development defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "dev")
	v.SetDefault("WEBHOOK_HOST", "0.0.0.0")
	v.SetDefault("WEBHOOK_PORT", 5001)
	v.SetDefault("WEBHOOK_PATH", "/webhook")
	v.SetDefault("CORS_ORIGINS", "*")

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
	v.SetDefault("LOG_TO_FILE", true)

	v.SetDefault("MAX_WORKERS", 3)
	v.SetDefault("QUEUE_CAPACITY", 100)
	v.SetDefault("LOCK_TIMEOUT", 10*time.Minute)
	v.SetDefault("LOCK_RETRIES", 3)
	v.SetDefault("DRIVER_TIMEOUT", 15*time.Minute)
	v.SetDefault("TASK_RETENTION", 24*time.Hour)
	v.SetDefault("TASK_RETENTION_MAX", 1000)
	v.SetDefault("DEFAULT_SESSION_KEY", "default")

	v.SetDefault("BASE_DIR", ".")

	v.SetDefault("DRIVER", "guard")
	v.SetDefault("BROWSER_HEADLESS", "auto")
	v.SetDefault("BROWSER_TIMEOUT", 60*time.Second)
	v.SetDefault("BROWSER_INSTALL", false)
	v.SetDefault("ENABLE_TRACING", true)
	v.SetDefault("GUARD_LOGIN_URL", "https://gigezrate.guard.com/auth")
	v.SetDefault("GUARD_BASE_URL", "https://gigezrate.guard.com")

	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("RATE_LIMIT_CAPACITY", 30)
	v.SetDefault("RATE_LIMIT_REFILL_PER_SEC", 0.5)

	v.SetDefault("TRACE_S3_REGION", "us-east-1")

	v.SetDefault("METRICS_ENABLED", true)
}

// New returns a viper instance reading the environment with defaults applied.
// When path is non-empty the file is merged underneath the environment.
func New(path string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return v, nil
}

// Load resolves a Config from v and validates it.
func Load(v *viper.Viper) (Config, error) {
	base := v.GetString("BASE_DIR")
	logDir := dirOr(v, "LOG_DIR", filepath.Join(base, "logs"))

	cfg := Config{
		Env:         v.GetString("APP_ENV"),
		Host:        v.GetString("WEBHOOK_HOST"),
		Port:        v.GetInt("WEBHOOK_PORT"),
		WebhookPath: v.GetString("WEBHOOK_PATH"),
		CORSOrigins: splitList(v.GetString("CORS_ORIGINS")),

		LogLevel:  v.GetString("LOG_LEVEL"),
		LogFormat: v.GetString("LOG_FORMAT"),
		LogToFile: v.GetBool("LOG_TO_FILE"),

		MaxWorkers:        v.GetInt("MAX_WORKERS"),
		QueueCapacity:     v.GetInt("QUEUE_CAPACITY"),
		LockTimeout:       v.GetDuration("LOCK_TIMEOUT"),
		LockRetries:       v.GetInt("LOCK_RETRIES"),
		DriverTimeout:     v.GetDuration("DRIVER_TIMEOUT"),
		TaskRetention:     v.GetDuration("TASK_RETENTION"),
		TaskRetentionMax:  v.GetInt("TASK_RETENTION_MAX"),
		DefaultSessionKey: v.GetString("DEFAULT_SESSION_KEY"),

		BaseDir:       base,
		LogDir:        logDir,
		TraceDir:      dirOr(v, "TRACE_DIR", filepath.Join(base, "traces")),
		SessionDir:    dirOr(v, "SESSION_DIR", filepath.Join(base, "sessions")),
		ScreenshotDir: dirOr(v, "SCREENSHOT_DIR", filepath.Join(logDir, "screenshots")),

		Driver:          strings.ToLower(v.GetString("DRIVER")),
		BrowserHeadless: resolveHeadless(v.GetString("BROWSER_HEADLESS")),
		BrowserTimeout:  v.GetDuration("BROWSER_TIMEOUT"),
		BrowserInstall:  v.GetBool("BROWSER_INSTALL"),
		EnableTracing:   v.GetBool("ENABLE_TRACING"),
		GuardLoginURL:   v.GetString("GUARD_LOGIN_URL"),
		GuardBaseURL:    strings.TrimRight(v.GetString("GUARD_BASE_URL"), "/"),
		GuardUsername:   v.GetString("GUARD_USERNAME"),
		GuardPassword:   v.GetString("GUARD_PASSWORD"),

		RedisAddr:         v.GetString("REDIS_ADDR"),
		RedisPassword:     v.GetString("REDIS_PASSWORD"),
		RedisDB:           v.GetInt("REDIS_DB"),
		RateLimitCapacity: v.GetInt("RATE_LIMIT_CAPACITY"),
		RateLimitRefill:   v.GetFloat64("RATE_LIMIT_REFILL_PER_SEC"),

		TraceS3Bucket:    v.GetString("TRACE_S3_BUCKET"),
		TraceS3Region:    v.GetString("TRACE_S3_REGION"),
		TraceS3Endpoint:  v.GetString("TRACE_S3_ENDPOINT"),
		TraceS3PathStyle: v.GetBool("TRACE_S3_PATH_STYLE"),

		MetricsEnabled: v.GetBool("METRICS_ENABLED"),
	}

	// Railway and similar platforms hand out the listen port as PORT.
	if p := v.GetInt("PORT"); p > 0 {
		cfg.Port = p
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the worker pool cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.MaxWorkers < 1 {
		errs = append(errs, fmt.Errorf("MAX_WORKERS must be >= 1, got %d", c.MaxWorkers))
	}
	if c.QueueCapacity < 1 {
		errs = append(errs, fmt.Errorf("QUEUE_CAPACITY must be >= 1, got %d", c.QueueCapacity))
	}
	if c.LockTimeout <= 0 {
		errs = append(errs, errors.New("LOCK_TIMEOUT must be positive"))
	}
	if c.LockRetries < 1 {
		errs = append(errs, fmt.Errorf("LOCK_RETRIES must be >= 1, got %d", c.LockRetries))
	}
	if c.DriverTimeout <= 0 {
		errs = append(errs, errors.New("DRIVER_TIMEOUT must be positive"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Port))
	}
	if c.DefaultSessionKey == "" {
		errs = append(errs, errors.New("DEFAULT_SESSION_KEY must not be empty"))
	}
	switch c.Driver {
	case "guard", "simulate":
	default:
		errs = append(errs, fmt.Errorf("unknown DRIVER %q", c.Driver))
	}
	return errors.Join(errs...)
}

// Addr returns the host:port pair for the HTTP listener.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func dirOr(v *viper.Viper, key, def string) string {
	if s := v.GetString(key); s != "" {
		return s
	}
	return def
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// resolveHeadless maps auto|true|false to a headless flag. Auto runs headless
// when there is no display or the process is inside a container.
func resolveHeadless(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	if os.Getenv("DISPLAY") == "" || os.Getenv("RAILWAY_ENVIRONMENT") != "" {
		return true
	}
	_, err := os.Stat("/.dockerenv")
	return err == nil
}
