package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration required by the API process.
// Values come from the environment; a .env file in the working directory is
// loaded first when present and never overrides variables already set.
type Config struct {
	App      AppConfig
	DB       DBConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Gateway  GatewayConfig
	Dispatch DispatchConfig
	Twilio   TwilioConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	// URL, when set, wins over the discrete fields.
	URL string

	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string

	MaxOpenConns int
	AutoMigrate  bool
}

// RedisConfig is optional. An empty Host disables the cycle concurrency cap.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// Users is parsed from AUTH_USERS: comma-separated username:role:bcrypt-hash
	// entries. Quote the value with single quotes in .env files so the hash's
	// '$' characters are not expanded.
	Users []UserCredential
}

type UserCredential struct {
	Username     string
	Role         string
	PasswordHash string
}

type GatewayConfig struct {
	URL     string
	Key     string
	Timeout time.Duration
}

type DispatchConfig struct {
	DefaultBatchLimit int
	MaxBatchLimit     int

	// MaxConcurrentCycles > 0 enables the Redis admission cap.
	MaxConcurrentCycles int
	CycleLeaseTTL       time.Duration
}

type TwilioConfig struct {
	// AuthToken enables X-Twilio-Signature validation on status callbacks.
	AuthToken string

	// PublicBaseURL is the externally visible origin Twilio calls, used to
	// rebuild the signed URL behind a proxy. Empty means use the request's.
	PublicBaseURL string
}

func Load() (Config, error) {
	_ = godotenv.Load()

	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.URL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if c.DB.URL == "" {
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
	}
	{
		n, err := optionalInt("DB_MAX_OPEN_CONNS")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.MaxOpenConns = n
	}
	{
		b, err := optionalBool("DB_AUTO_MIGRATE")
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		c.DB.AutoMigrate = b
	}

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	if c.Redis.Host != "" {
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	{
		n, err := optionalInt("REDIS_DB")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.DB = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	{
		d, err := optionalDuration("JWT_ACCESS_TTL")
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		c.Auth.AccessTokenTTL = d
	}
	{
		d, err := optionalDuration("JWT_REFRESH_TTL")
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		c.Auth.RefreshTokenTTL = d
	}
	{
		users, err := ParseUsers(os.Getenv("AUTH_USERS"))
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		c.Auth.Users = users
	}

	c.Gateway.URL = strings.TrimSpace(os.Getenv("GATEWAY_URL"))
	c.Gateway.Key = os.Getenv("GATEWAY_KEY")
	{
		d, err := optionalDuration("GATEWAY_TIMEOUT")
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		c.Gateway.Timeout = d
	}

	{
		n, err := optionalInt("DISPATCH_DEFAULT_BATCH_LIMIT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Dispatch.DefaultBatchLimit = n
	}
	{
		n, err := optionalInt("DISPATCH_MAX_BATCH_LIMIT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Dispatch.MaxBatchLimit = n
	}
	{
		n, err := optionalInt("DISPATCH_MAX_CONCURRENT_CYCLES")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Dispatch.MaxConcurrentCycles = n
	}
	{
		d, err := optionalDuration("DISPATCH_CYCLE_LEASE_TTL")
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		c.Dispatch.CycleLeaseTTL = d
	}

	c.Twilio.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	c.Twilio.PublicBaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("TWILIO_PUBLIC_BASE_URL")), "/")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate applies defaults in place and reports every invalid field at once.
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

	if c.DB.URL == "" {
		if c.DB.Host == "" {
			errs = append(errs, errors.New("DB_HOST is required (or DATABASE_URL)"))
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
	}
	if c.DB.MaxOpenConns < 0 {
		errs = append(errs, fmt.Errorf("DB_MAX_OPEN_CONNS must be >= 0, got %d", c.DB.MaxOpenConns))
	}

	if c.Redis.Host != "" && (c.Redis.Port <= 0 || c.Redis.Port > 65535) {
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
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 7 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Gateway.URL == "" {
		errs = append(errs, errors.New("GATEWAY_URL is required"))
	} else if u, err := url.Parse(c.Gateway.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("GATEWAY_URL must be an absolute http(s) URL, got %q", c.Gateway.URL))
	}
	if c.IsProduction() && c.Gateway.Key == "" {
		errs = append(errs, errors.New("GATEWAY_KEY is required in production"))
	}
	if c.Gateway.Timeout <= 0 {
		c.Gateway.Timeout = 20 * time.Second
	}

	if c.Dispatch.DefaultBatchLimit == 0 {
		c.Dispatch.DefaultBatchLimit = 200
	}
	if c.Dispatch.MaxBatchLimit == 0 {
		c.Dispatch.MaxBatchLimit = 5000
	}
	if c.Dispatch.DefaultBatchLimit < 0 || c.Dispatch.MaxBatchLimit < 0 {
		errs = append(errs, errors.New("DISPATCH_*_BATCH_LIMIT must be positive"))
	} else if c.Dispatch.DefaultBatchLimit > c.Dispatch.MaxBatchLimit {
		errs = append(errs, fmt.Errorf("DISPATCH_DEFAULT_BATCH_LIMIT (%d) exceeds DISPATCH_MAX_BATCH_LIMIT (%d)",
			c.Dispatch.DefaultBatchLimit, c.Dispatch.MaxBatchLimit))
	}
	if c.Dispatch.MaxConcurrentCycles < 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_CONCURRENT_CYCLES must be >= 0, got %d", c.Dispatch.MaxConcurrentCycles))
	}
	if c.Dispatch.MaxConcurrentCycles > 0 && c.Redis.Host == "" {
		errs = append(errs, errors.New("DISPATCH_MAX_CONCURRENT_CYCLES requires REDIS_HOST"))
	}
	if c.Dispatch.CycleLeaseTTL <= 0 {
		// Outlives a cycle plus the gateway timeout.
		c.Dispatch.CycleLeaseTTL = 2 * time.Minute
	}

	if c.IsProduction() && c.Twilio.AuthToken == "" {
		errs = append(errs, errors.New("TWILIO_AUTH_TOKEN is required in production"))
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
	if c.DB.URL != "" {
		return c.DB.URL
	}
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

func (c Config) RedisEnabled() bool {
	return c.Redis.Host != ""
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// ParseUsers parses "name:role:hash,name:role:hash". Blank input yields no users.
func ParseUsers(raw string) ([]UserCredential, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var out []UserCredential
	seen := map[string]bool{}
	for i, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
			return nil, fmt.Errorf("AUTH_USERS entry %d must be username:role:bcrypt-hash", i)
		}
		if seen[parts[0]] {
			return nil, fmt.Errorf("AUTH_USERS has duplicate username %q", parts[0])
		}
		seen[parts[0]] = true
		out = append(out, UserCredential{Username: parts[0], Role: parts[1], PasswordHash: parts[2]})
	}
	return out, nil
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

func optionalInt(key string) (int, error) {
	if strings.TrimSpace(os.Getenv(key)) == "" {
		return 0, nil
	}
	return mustInt(key)
}

func optionalBool(key string) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean, got %q", key, v)
	}
	return b, nil
}

func optionalDuration(key string) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration, got %q", key, v)
	}
	return d, nil
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
