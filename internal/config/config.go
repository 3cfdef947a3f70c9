// Package config loads the transfer daemon configuration from an optional
// HCL file and LANDCHAIN_* environment overrides.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/hcl"
	"github.com/pkg/errors"
)

// Ledger backends.
const (
	BackendEVM    = "evm"
	BackendDevnet = "devnet"
)

// Config is the resolved daemon configuration.
type Config struct {
	DataDir       string        `env:"LANDCHAIN_DATADIR"`
	DatabasePath  string        `env:"LANDCHAIN_DATABASE_PATH"`
	FrontendURL   string        `env:"LANDCHAIN_FRONTEND_URL"`
	Currency      string        `env:"LANDCHAIN_CURRENCY"`
	TransferTTL   time.Duration `env:"LANDCHAIN_TRANSFER_TTL"`
	SignatureTTL  time.Duration `env:"LANDCHAIN_SIGNATURE_TTL"`
	SweepInterval time.Duration `env:"LANDCHAIN_SWEEP_INTERVAL"`
	ReapAfter     time.Duration `env:"LANDCHAIN_REAP_AFTER"`
	LogLevel      string        `env:"LANDCHAIN_LOG_LEVEL"`
	LogFormat     string        `env:"LANDCHAIN_LOG_FORMAT"`
	MetricsAddr   string        `env:"LANDCHAIN_METRICS_ADDR"`

	Ledger Ledger `envPrefix:"LANDCHAIN_LEDGER_"`
}

// Ledger configures the ledger gateway and its backend.
type Ledger struct {
	Backend         string `env:"BACKEND"`
	RPCURL          string `env:"RPC_URL"`
	ContractAddress string `env:"CONTRACT_ADDRESS"`
	ChainID         int64  `env:"CHAIN_ID"`
	// Custodian is the identity every asset is minted to. Empty means the
	// signer's own address.
	Custodian string `env:"CUSTODIAN"`
	// PrivateKey is hex encoded and is only read from the environment.
	PrivateKey       string        `env:"PRIVATE_KEY"`
	GasMarginPercent uint64        `env:"GAS_MARGIN_PERCENT"`
	Confirmations    uint64        `env:"CONFIRMATIONS"`
	PollInterval     time.Duration `env:"POLL_INTERVAL"`
	ConfirmTimeout   time.Duration `env:"CONFIRM_TIMEOUT"`
	ReadRetries      uint          `env:"READ_RETRIES"`
}

// fileConfig mirrors Config for HCL decoding. Durations are written as Go
// duration strings ("168h").
type fileConfig struct {
	DataDir       string      `hcl:"datadir"`
	DatabasePath  string      `hcl:"database_path"`
	FrontendURL   string      `hcl:"frontend_url"`
	Currency      string      `hcl:"currency"`
	TransferTTL   string      `hcl:"transfer_ttl"`
	SignatureTTL  string      `hcl:"signature_ttl"`
	SweepInterval string      `hcl:"sweep_interval"`
	ReapAfter     string      `hcl:"reap_after"`
	LogLevel      string      `hcl:"log_level"`
	LogFormat     string      `hcl:"log_format"`
	MetricsAddr   string      `hcl:"metrics_addr"`
	Ledger        *fileLedger `hcl:"ledger"`
}

type fileLedger struct {
	Backend          string `hcl:"backend"`
	RPCURL           string `hcl:"rpc_url"`
	ContractAddress  string `hcl:"contract_address"`
	ChainID          int64  `hcl:"chain_id"`
	Custodian        string `hcl:"custodian"`
	GasMarginPercent uint64 `hcl:"gas_margin_percent"`
	Confirmations    uint64 `hcl:"confirmations"`
	PollInterval     string `hcl:"poll_interval"`
	ConfirmTimeout   string `hcl:"confirm_timeout"`
	ReadRetries      uint   `hcl:"read_retries"`
}

// Default returns the compiled-in defaults.
func Default() *Config {
	return &Config{
		DataDir:       ".",
		FrontendURL:   "http://localhost:5173",
		Currency:      "INR",
		TransferTTL:   7 * 24 * time.Hour,
		SignatureTTL:  24 * time.Hour,
		SweepInterval: 5 * time.Minute,
		LogLevel:      "info",
		LogFormat:     "json",
		MetricsAddr:   ":9464",
		Ledger: Ledger{
			Backend:          BackendDevnet,
			ChainID:          10143,
			GasMarginPercent: 20,
			Confirmations:    1,
			PollInterval:     2 * time.Second,
			ConfirmTimeout:   2 * time.Minute,
			ReadRetries:      4,
		},
	}
}

// Load resolves the configuration: defaults, then the HCL file at path (if
// any), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		dat, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "unable to read the configuration")
		}
		if err := cfg.applyHCL(dat); err != nil {
			return nil, err
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, errors.Wrap(err, "parse env")
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.DataDir, "landchain.db")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyHCL(dat []byte) error {
	var fc fileConfig
	if err := hcl.Unmarshal(dat, &fc); err != nil {
		return errors.Wrap(err, "unable to parse the configuration")
	}

	setString(&c.DataDir, fc.DataDir)
	setString(&c.DatabasePath, fc.DatabasePath)
	setString(&c.FrontendURL, fc.FrontendURL)
	setString(&c.Currency, fc.Currency)
	setString(&c.LogLevel, fc.LogLevel)
	setString(&c.LogFormat, fc.LogFormat)
	setString(&c.MetricsAddr, fc.MetricsAddr)

	durations := []durationField{
		{"transfer_ttl", fc.TransferTTL, &c.TransferTTL},
		{"signature_ttl", fc.SignatureTTL, &c.SignatureTTL},
		{"sweep_interval", fc.SweepInterval, &c.SweepInterval},
		{"reap_after", fc.ReapAfter, &c.ReapAfter},
	}

	if l := fc.Ledger; l != nil {
		setString(&c.Ledger.Backend, l.Backend)
		setString(&c.Ledger.RPCURL, l.RPCURL)
		setString(&c.Ledger.ContractAddress, l.ContractAddress)
		setString(&c.Ledger.Custodian, l.Custodian)
		if l.ChainID != 0 {
			c.Ledger.ChainID = l.ChainID
		}
		if l.GasMarginPercent != 0 {
			c.Ledger.GasMarginPercent = l.GasMarginPercent
		}
		if l.Confirmations != 0 {
			c.Ledger.Confirmations = l.Confirmations
		}
		if l.ReadRetries != 0 {
			c.Ledger.ReadRetries = l.ReadRetries
		}
		durations = append(durations,
			durationField{"ledger.poll_interval", l.PollInterval, &c.Ledger.PollInterval},
			durationField{"ledger.confirm_timeout", l.ConfirmTimeout, &c.Ledger.ConfirmTimeout},
		)
	}

	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return errors.Wrapf(err, "invalid %s", d.name)
		}
		*d.dst = v
	}
	return nil
}

// Validate checks the resolved configuration for values the daemon cannot
// start with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Currency) == "" {
		return errors.New("currency is required")
	}
	if c.TransferTTL <= 0 || c.SignatureTTL <= 0 {
		return errors.New("transfer and signature TTLs must be positive")
	}
	if c.SweepInterval <= 0 {
		return errors.New("sweep_interval must be positive")
	}
	if c.ReapAfter < 0 {
		return errors.New("reap_after must not be negative")
	}

	l := c.Ledger
	if l.Custodian != "" && !common.IsHexAddress(l.Custodian) {
		return errors.Errorf("ledger custodian %q is not an address", l.Custodian)
	}
	if l.PollInterval <= 0 || l.ConfirmTimeout <= 0 {
		return errors.New("ledger poll_interval and confirm_timeout must be positive")
	}
	if l.Confirmations == 0 {
		return errors.New("ledger confirmations must be at least 1")
	}

	switch l.Backend {
	case BackendDevnet:
	case BackendEVM:
		if l.RPCURL == "" {
			return errors.New("ledger rpc_url is required for the evm backend")
		}
		if !common.IsHexAddress(l.ContractAddress) {
			return errors.Errorf("ledger contract_address %q is not an address", l.ContractAddress)
		}
		if l.PrivateKey == "" {
			return errors.New("LANDCHAIN_LEDGER_PRIVATE_KEY is required for the evm backend")
		}
	default:
		return errors.Errorf("unknown ledger backend %q", l.Backend)
	}
	return nil
}

type durationField struct {
	name string
	raw  string
	dst  *time.Duration
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
