package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the care-call process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Provider  ProviderConfig
	Scheduler SchedulerConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit; production must not silently run unencrypted.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret      string
	JWTIssuer      string
	JWTAudience    string
	AccessTokenTTL time.Duration
}

// ProviderConfig selects the voice-call provider once per deployment.
// The set is closed: "twilio" or "mock". Adding a provider means adding an
// adapter in internal/telephony, not a config switch per call.
type ProviderConfig struct {
	Name string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string

	// MaxConcurrentDials caps simultaneous provider dials platform-wide.
	// 0 disables the cap.
	MaxConcurrentDials int
}

// SchedulerConfig carries the dispatch and retry knobs.
type SchedulerConfig struct {
	// Strategy is "poll" (tick scans call configs) or "push" (daily
	// precomputed triggers through the task queue).
	Strategy string

	// TickSpec is a cron spec for the poll tick.
	TickSpec string

	BatchSize          int
	LockTTL            time.Duration
	CallTimeoutMinutes int

	DefaultMaxRetries int
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Optional; default applied in Validate().
	c.Auth.AccessTokenTTL = optionalDuration("JWT_ACCESS_TTL")

	c.Provider.Name = strings.TrimSpace(os.Getenv("CALL_PROVIDER"))
	c.Provider.TwilioAccountSID = strings.TrimSpace(os.Getenv("TWILIO_ACCOUNT_SID"))
	c.Provider.TwilioAuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	c.Provider.TwilioFromNumber = strings.TrimSpace(os.Getenv("TWILIO_FROM_NUMBER"))
	c.Provider.MaxConcurrentDials = optionalInt("PROVIDER_MAX_CONCURRENT_DIALS")

	c.Scheduler.Strategy = strings.TrimSpace(os.Getenv("DISPATCH_STRATEGY"))
	c.Scheduler.TickSpec = strings.TrimSpace(os.Getenv("DISPATCH_TICK_SPEC"))
	c.Scheduler.BatchSize = optionalInt("DISPATCH_BATCH_SIZE")
	c.Scheduler.LockTTL = optionalDuration("DISPATCH_LOCK_TTL")
	c.Scheduler.CallTimeoutMinutes = optionalInt("CALL_TIMEOUT_MINUTES")
	c.Scheduler.DefaultMaxRetries = optionalInt("RETRY_DEFAULT_MAX")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}

	switch c.Provider.Name {
	case "":
		if c.IsProduction() {
			errs = append(errs, errors.New("CALL_PROVIDER is required in production"))
		} else {
			c.Provider.Name = "mock"
		}
	case "mock":
		if c.IsProduction() {
			errs = append(errs, errors.New("CALL_PROVIDER=mock is not allowed in production"))
		}
	case "twilio":
		if c.Provider.TwilioAccountSID == "" {
			errs = append(errs, errors.New("TWILIO_ACCOUNT_SID is required for CALL_PROVIDER=twilio"))
		}
		if c.Provider.TwilioAuthToken == "" {
			errs = append(errs, errors.New("TWILIO_AUTH_TOKEN is required for CALL_PROVIDER=twilio"))
		}
		if c.Provider.TwilioFromNumber == "" {
			errs = append(errs, errors.New("TWILIO_FROM_NUMBER is required for CALL_PROVIDER=twilio"))
		}
	default:
		errs = append(errs, fmt.Errorf("CALL_PROVIDER must be one of twilio, mock, got %q", c.Provider.Name))
	}
	if c.Provider.MaxConcurrentDials < 0 {
		errs = append(errs, fmt.Errorf("PROVIDER_MAX_CONCURRENT_DIALS must be >= 0, got %d", c.Provider.MaxConcurrentDials))
	}

	switch c.Scheduler.Strategy {
	case "":
		c.Scheduler.Strategy = "poll"
	case "poll", "push":
	default:
		errs = append(errs, fmt.Errorf("DISPATCH_STRATEGY must be one of poll, push, got %q", c.Scheduler.Strategy))
	}
	if c.Scheduler.TickSpec == "" {
		c.Scheduler.TickSpec = "* * * * *"
	}
	if c.Scheduler.BatchSize <= 0 {
		c.Scheduler.BatchSize = 50
	}
	if c.Scheduler.LockTTL <= 0 {
		c.Scheduler.LockTTL = 60 * time.Second
	}
	if c.Scheduler.LockTTL < 10*time.Second || c.Scheduler.LockTTL > 5*time.Minute {
		errs = append(errs, fmt.Errorf("DISPATCH_LOCK_TTL must be between 10s and 5m, got %s", c.Scheduler.LockTTL))
	}
	if c.Scheduler.CallTimeoutMinutes <= 0 {
		c.Scheduler.CallTimeoutMinutes = 10
	}
	if c.Scheduler.DefaultMaxRetries <= 0 {
		c.Scheduler.DefaultMaxRetries = 2
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalInt(key string) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func optionalDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
