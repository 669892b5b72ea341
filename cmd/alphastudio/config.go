package main

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/LittleKai/alpha-studio-backend/internal/logger"
)

const (
	defaultListenAddr     = "localhost:8000"
	defaultLoggingLevel   = logger.LevelInfo
	defaultEnvironment    = logger.EnvProduction
	defaultSweepInterval  = time.Minute
	defaultRateLimitRPS   = 10
	defaultRateLimitBurst = 20
)

type Config struct {
	// Default logging level
	LogLevel string

	// Address on which the payment service will be run
	ListenAddr string

	// Database to connect to
	DatabaseDSN string

	// Secret key shared with the platform backend that signs access tokens
	SecretKey string

	// Token the payment provider sends with every webhook delivery.
	// Empty disables verification, meant for local development only.
	WebhookSecret string

	// Prefix of generated transfer codes
	CodePrefix string

	// How often the timeout sweeper runs. Zero or negative disables it.
	SweepInterval time.Duration

	// Per client IP throttle of topup creation
	RateLimitRPS   int
	RateLimitBurst int

	// Receiving bank account shown to payers
	BankName          string
	BankAccountNumber string
	BankAccountHolder string

	// Environment
	Environment string
}

func NewConfig() *Config {
	return &Config{
		LogLevel:       defaultLoggingLevel,
		ListenAddr:     defaultListenAddr,
		Environment:    defaultEnvironment,
		SweepInterval:  defaultSweepInterval,
		RateLimitRPS:   defaultRateLimitRPS,
		RateLimitBurst: defaultRateLimitBurst,
	}
}

// Load variable from '.env' file (should be located at working directory)
func (c *Config) LoadDotEnv(getwd func() (string, error)) error {
	wd, err := getwd()
	if err != nil {
		return err
	}

	envMap, err := godotenv.Read(filepath.Join(wd, ".env"))

	switch {
	case err == nil:
		c.LoadEnv(func(key string) string {
			return envMap[key]
		})
		return nil
	case errors.Is(err, os.ErrNotExist):
		return nil
	default:
		return err
	}
}

func (c *Config) LoadEnv(getenv func(string) string) {
	// Set option to value if it not empty. Malformed numeric values keep
	// the default, flags are the strict way to set them.
	setString := func(o *string) func(value string) {
		return func(value string) {
			if value != "" {
				*o = value
			}
		}
	}
	setInt := func(o *int) func(value string) {
		return func(value string) {
			if parsed, err := strconv.Atoi(value); err == nil {
				*o = parsed
			}
		}
	}
	setDuration := func(o *time.Duration) func(value string) {
		return func(value string) {
			if parsed, err := time.ParseDuration(value); err == nil {
				*o = parsed
			}
		}
	}

	envMap := map[string]func(string){
		"RUN_ADDRESS":         setString(&c.ListenAddr),
		"DATABASE_URI":        setString(&c.DatabaseDSN),
		"SECRET_KEY":          setString(&c.SecretKey),
		"WEBHOOK_SECRET":      setString(&c.WebhookSecret),
		"CODE_PREFIX":         setString(&c.CodePrefix),
		"LOG_LEVEL":           setString(&c.LogLevel),
		"ENVIRONMENT":         setString(&c.Environment),
		"SWEEP_INTERVAL":      setDuration(&c.SweepInterval),
		"RATE_LIMIT_RPS":      setInt(&c.RateLimitRPS),
		"RATE_LIMIT_BURST":    setInt(&c.RateLimitBurst),
		"BANK_NAME":           setString(&c.BankName),
		"BANK_ACCOUNT_NUMBER": setString(&c.BankAccountNumber),
		"BANK_ACCOUNT_HOLDER": setString(&c.BankAccountHolder),
	}

	for key, parseFn := range envMap {
		parseFn(getenv(key))
	}
}

func (c *Config) ParseFlags(args []string) error {
	fs := pflag.NewFlagSet("alphastudio", pflag.ContinueOnError)

	fs.StringVarP(&c.ListenAddr, "address", "a", c.ListenAddr, "Server listen address")
	fs.StringVarP(&c.DatabaseDSN, "database", "d", c.DatabaseDSN, "Database connection string")
	fs.StringVarP(&c.SecretKey, "secret-key", "s", c.SecretKey, "Secret key for access token verification")
	fs.StringVarP(&c.LogLevel, "log-level", "l", c.LogLevel, "Logging level (debug, info, warn, error)")
	fs.StringVarP(&c.Environment, "environment", "e", c.Environment, "Environment (dev, prod)")
	fs.StringVar(&c.WebhookSecret, "webhook-secret", c.WebhookSecret, "Secure token expected on webhook deliveries")
	fs.StringVar(&c.CodePrefix, "code-prefix", c.CodePrefix, "Prefix of generated transfer codes")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", c.SweepInterval, "How often to time out overdue topups (0 disables)")
	fs.IntVar(&c.RateLimitRPS, "rate-limit-rps", c.RateLimitRPS, "Topup creation requests per second per IP (0 disables)")
	fs.IntVar(&c.RateLimitBurst, "rate-limit-burst", c.RateLimitBurst, "Topup creation burst per IP")
	fs.StringVar(&c.BankName, "bank-name", c.BankName, "Receiving bank short name")
	fs.StringVar(&c.BankAccountNumber, "bank-account", c.BankAccountNumber, "Receiving bank account number")
	fs.StringVar(&c.BankAccountHolder, "bank-holder", c.BankAccountHolder, "Receiving bank account holder name")

	return fs.Parse(args)
}
