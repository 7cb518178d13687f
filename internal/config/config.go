package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultAppName         = "BankNet"
	defaultAppEnv          = "development"
	defaultPort            = "8080"
	defaultLogLevel        = "info"
	defaultShutdownDelay   = 10 * time.Second
	defaultIdempotencyTTL  = 24 * time.Hour
	defaultSendTimeout     = 3 * time.Second
	defaultRetryBudget     = 3
	defaultReservationTTL  = 2 * time.Minute
	defaultSweepInterval   = 15 * time.Second
	defaultFakeAccounts    = 10
	shutdownSecondsEnvVar  = "SHUTDOWN_TIMEOUT_SECONDS"
	shutdownDurationEnvVar = "SHUTDOWN_TIMEOUT"
	idemTTLSecondsEnvVar   = "IDEMPOTENCY_TTL_SECONDS"
	idemTTLDurEnvVar       = "IDEMPOTENCY_TTL"
)

// Config captures bank-service runtime configuration loaded from environment
// variables.
type Config struct {
	AppName  string
	AppEnv   string
	Port     string
	LogLevel string

	// Network identity of this instance.
	SWIFT    string
	BankName string
	BaseURL  string

	RegistryURL string

	DatabaseURL string
	RedisURL    string

	PrivateKeyPath string
	PublicKeyPath  string

	// Protocol tuning.
	SendTimeout    time.Duration
	RetryBudget    int
	ReservationTTL time.Duration
	SweepInterval  time.Duration

	IdempotencyTTL time.Duration
	ShutdownPeriod time.Duration

	// AdminTokenHash is a bcrypt hash of the operator bearer token. Empty
	// disables the admin guard.
	AdminTokenHash string

	ResetAccounts    bool
	NumberOfAccounts int
}

// Load reads bank-service configuration from the environment.
func Load() (Config, error) {
	cfg := Config{
		AppName:          getEnv("APP_NAME", defaultAppName),
		AppEnv:           getEnv("APP_ENV", defaultAppEnv),
		Port:             getEnv("PORT", defaultPort),
		LogLevel:         strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		SWIFT:            os.Getenv("SWIFT"),
		BankName:         getEnv("BANK_NAME", "BankNet Instance"),
		BaseURL:          os.Getenv("BASE_URL"),
		RegistryURL:      os.Getenv("REGISTRY_URL"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		PrivateKeyPath:   os.Getenv("PRIVATE_KEY_PATH"),
		PublicKeyPath:    os.Getenv("PUBLIC_KEY_PATH"),
		SendTimeout:      defaultSendTimeout,
		RetryBudget:      defaultRetryBudget,
		ReservationTTL:   defaultReservationTTL,
		SweepInterval:    defaultSweepInterval,
		IdempotencyTTL:   defaultIdempotencyTTL,
		ShutdownPeriod:   defaultShutdownDelay,
		AdminTokenHash:   os.Getenv("ADMIN_TOKEN_BCRYPT"),
		NumberOfAccounts: defaultFakeAccounts,
	}

	if cfg.SWIFT == "" {
		return Config{}, fmt.Errorf("SWIFT must be set")
	}

	var err error
	if cfg.ShutdownPeriod, err = durationFromEnv(shutdownSecondsEnvVar, shutdownDurationEnvVar, cfg.ShutdownPeriod); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = durationFromEnv(idemTTLSecondsEnvVar, idemTTLDurEnvVar, cfg.IdempotencyTTL); err != nil {
		return Config{}, err
	}
	if cfg.SendTimeout, err = durationFromEnv("SEND_TIMEOUT_SECONDS", "SEND_TIMEOUT", cfg.SendTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ReservationTTL, err = durationFromEnv("RESERVATION_TTL_SECONDS", "RESERVATION_TTL", cfg.ReservationTTL); err != nil {
		return Config{}, err
	}
	if cfg.SweepInterval, err = durationFromEnv("SWEEP_INTERVAL_SECONDS", "SWEEP_INTERVAL", cfg.SweepInterval); err != nil {
		return Config{}, err
	}

	if v := os.Getenv("RETRY_BUDGET"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Config{}, fmt.Errorf("invalid RETRY_BUDGET: %q", v)
		}
		cfg.RetryBudget = n
	}

	if v := os.Getenv("NUMBER_OF_FAKE_ACCOUNTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Config{}, fmt.Errorf("invalid NUMBER_OF_FAKE_ACCOUNTS: %q", v)
		}
		cfg.NumberOfAccounts = n
	}

	if v := os.Getenv("RESET_ACCOUNTS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid RESET_ACCOUNTS: %q", v)
		}
		cfg.ResetAccounts = b
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = fmt.Sprintf("http://127.0.0.1:%s", strings.TrimPrefix(cfg.Port, ":"))
	}

	if !cfg.IsDev() {
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL must be set when APP_ENV=%s", cfg.AppEnv)
		}
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("REDIS_URL must be set when APP_ENV=%s", cfg.AppEnv)
		}
		if cfg.RegistryURL == "" {
			return Config{}, fmt.Errorf("REGISTRY_URL must be set when APP_ENV=%s", cfg.AppEnv)
		}
		if cfg.PrivateKeyPath == "" || cfg.PublicKeyPath == "" {
			return Config{}, fmt.Errorf("PRIVATE_KEY_PATH and PUBLIC_KEY_PATH must be set when APP_ENV=%s", cfg.AppEnv)
		}
	}

	return cfg, nil
}

// RegistryConfig captures registry-service runtime configuration.
type RegistryConfig struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	BaseURL        string
	DatabaseURL    string
	ShutdownPeriod time.Duration
}

// LoadRegistry reads registry-service configuration from the environment.
func LoadRegistry() (RegistryConfig, error) {
	cfg := RegistryConfig{
		AppName:        getEnv("APP_NAME", "BankNet Registry"),
		AppEnv:         getEnv("APP_ENV", defaultAppEnv),
		Port:           getEnv("PORT", "8100"),
		LogLevel:       strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		BaseURL:        os.Getenv("BASE_URL"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		ShutdownPeriod: defaultShutdownDelay,
	}

	var err error
	if cfg.ShutdownPeriod, err = durationFromEnv(shutdownSecondsEnvVar, shutdownDurationEnvVar, cfg.ShutdownPeriod); err != nil {
		return RegistryConfig{}, err
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = fmt.Sprintf("http://127.0.0.1:%s", strings.TrimPrefix(cfg.Port, ":"))
	}

	if !isDev(cfg.AppEnv) && cfg.DatabaseURL == "" {
		return RegistryConfig{}, fmt.Errorf("DATABASE_URL must be set when APP_ENV=%s", cfg.AppEnv)
	}

	return cfg, nil
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	return listenAddress(c.Port)
}

// IsDev reports whether the instance runs with in-memory fallbacks permitted.
func (c Config) IsDev() bool {
	return isDev(c.AppEnv)
}

// Address returns the listen address in the format Fiber expects.
func (c RegistryConfig) Address() string {
	return listenAddress(c.Port)
}

// IsDev reports whether the registry runs with the in-memory repository.
func (c RegistryConfig) IsDev() bool {
	return isDev(c.AppEnv)
}

func listenAddress(port string) string {
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}

func isDev(env string) bool {
	switch strings.ToLower(env) {
	case "dev", "development", "local":
		return true
	default:
		return false
	}
}

func durationFromEnv(secondsVar, durationVar string, fallback time.Duration) (time.Duration, error) {
	if v := os.Getenv(secondsVar); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", secondsVar, err)
		}
		return time.Duration(seconds) * time.Second, nil
	}
	if v := os.Getenv(durationVar); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", durationVar, err)
		}
		return d, nil
	}
	return fallback, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
