package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type Config struct {
	DBSource string `env:"DB_SOURCE,required"`
	Port     string `env:"SERVER_PORT,default=8080"`
	Env      string `env:"ENVIRONMENT,default=development"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=text"`

	// HTTPRPS caps API requests per second across all callers; 0 disables it.
	HTTPRPS   float64 `env:"HTTP_RPS,default=0"`
	HTTPBurst int     `env:"HTTP_BURST,default=50"`

	EncryptionKey string `env:"ENCRYPTION_KEY,required"`

	Ledger   Ledger
	Approval Approval
}

type Ledger struct {
	RPCURL           string        `env:"RPC_URL,required"`
	ChainID          int64         `env:"CHAIN_ID,required"`
	ContractAddress  string        `env:"WAVES_TOKEN_CONTRACT_ADDRESS,required"`
	CustodialKey     string        `env:"CUSTODIAL_PRIVATE_KEY,required"`
	CallTimeout      time.Duration `env:"LEDGER_CALL_TIMEOUT,default=60s"`
	FundingBufferWei string        `env:"FUNDING_BUFFER_WEI,default=1000000000000000"`
	RPS              float64       `env:"RPC_RPS,default=20"`
	Burst            int           `env:"RPC_BURST,default=5"`
}

type Approval struct {
	Workers         int           `env:"APPROVAL_WORKERS,default=4"`
	QueueSize       int           `env:"APPROVAL_QUEUE_SIZE,default=256"`
	PollInterval    time.Duration `env:"APPROVAL_POLL_INTERVAL,default=2s"`
	MaxPollInterval time.Duration `env:"APPROVAL_MAX_POLL_INTERVAL,default=30s"`
	WatchTimeout    time.Duration `env:"APPROVAL_WATCH_TIMEOUT,default=3m"`
	MaxAttempts     int           `env:"APPROVAL_MAX_ATTEMPTS,default=5"`
	SweepSpec       string        `env:"APPROVAL_SWEEP_SPEC,default=@every 1m"`
}

// Load reads an optional .env file, then decodes the environment.
// Variables already set in the environment win over the file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv decodes and validates the process environment.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Ledger.ChainID <= 0 {
		return fmt.Errorf("CHAIN_ID must be positive, got %d", c.Ledger.ChainID)
	}
	if !common.IsHexAddress(c.Ledger.ContractAddress) {
		return fmt.Errorf("WAVES_TOKEN_CONTRACT_ADDRESS %q is not an address", c.Ledger.ContractAddress)
	}
	if _, err := c.Ledger.FundingBuffer(); err != nil {
		return err
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	return nil
}

func (l Ledger) Contract() common.Address {
	return common.HexToAddress(l.ContractAddress)
}

// FundingBuffer is the wei added on top of the estimated approval gas cost.
func (l Ledger) FundingBuffer() (*big.Int, error) {
	v, ok := new(big.Int).SetString(l.FundingBufferWei, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("FUNDING_BUFFER_WEI %q is not a non-negative integer", l.FundingBufferWei)
	}
	return v, nil
}

// Logger builds the process logger. Production defaults to JSON output.
func (c *Config) Logger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	if c.LogFormat == "json" || c.Env == "production" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}
