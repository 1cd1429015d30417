package common

import (
	"fmt"
	"io/ioutil"
	"os"
	"time"

	"github.com/onemorebsmith/strk-claimer/src/model"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

const (
	CommissionModeDefault = "default"
	CommissionModeServer  = "server"

	DefaultCommissionAddress = "0x021c6871f441871cb6eeea2312db8f4e277cf42095ec9f346d11b54838abe919"
	DefaultTokenAddress      = "0x04718f5a0fc34cc1af16a1cdee98ffb20c31f5cd61d6ab07201858f4287c938d" // STRK
	DefaultClaimURL          = "https://provisions.starknet.io/api/starknet/claim"
	DefaultCaptchaPageURL    = "https://provisions.starknet.io/"
	DefaultCaptchaSiteKey    = "6Ldj1WopAAAAAGl194Fj6q-HWfYPNBPDXn-ndFRq"
)

var ErrInvalidConfig = errors.New("invalid config")

type CaptchaConfig struct {
	APIKey       string        `yaml:"api_key"`
	SiteKey      string        `yaml:"site_key"`
	PageURL      string        `yaml:"page_url"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type FinalityConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	SoftTimeout  time.Duration `yaml:"soft_timeout"` // after this an operator has to acknowledge
}

type FilesConfig struct {
	Wallets        string `yaml:"wallets"`
	Eligibilities  string `yaml:"eligibilities"`
	Claimed        string `yaml:"claimed"`
	PaidCommission string `yaml:"paid_commission"`
}

type Config struct {
	Threads    int `yaml:"threads"`
	MaxRetries int `yaml:"max_retries"`

	RPCServer       string  `yaml:"rpc_url"`
	RPCRequestsPerS float64 `yaml:"rpc_rps"` // 0 = unlimited
	TokenAddress    string  `yaml:"token_address"`
	WalletDaemon    string  `yaml:"wallet_daemon_url"`
	ClaimURL        string  `yaml:"claim_url"`

	CommissionMode      string        `yaml:"commission_mode"`
	CommissionRate      model.Rate    `yaml:"commission_rate"`
	CommissionAddress   string        `yaml:"commission_address"`
	CommissionServerURL string        `yaml:"commission_server_url"`
	CommissionCacheTTL  time.Duration `yaml:"commission_cache_ttl"`
	LedgerConsumption   string        `yaml:"ledger_consumption"`

	ClaimThenTransfer  *bool         `yaml:"claim_then_transfer"` // default true
	ClaimSettleTimeout time.Duration `yaml:"claim_settle_timeout"`
	AttemptDelay       time.Duration `yaml:"attempt_delay"`

	Captcha  CaptchaConfig  `yaml:"captcha"`
	Finality FinalityConfig `yaml:"finality"`
	Files    FilesConfig    `yaml:"files"`

	PromPort        string `yaml:"prom_port"`
	HealthCheckPort string `yaml:"health_check_port"`
	PostgresConfig  string `yaml:"postgres"`
	RedisConfig     string `yaml:"redis"`
	Mock            bool   `yaml:"use_mock"`
	LogLevel        string `yaml:"log_level"`
}

func LoadConfig(path string) (*Config, error) {
	rawCfg, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config file not found @ `%s`", path)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(rawCfg, cfg); err != nil {
		return nil, errors.Wrap(err, "failed parsing config file")
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyEnv overrides secrets and connection strings from the environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("TWOCAPTCHA_KEY"); v != "" {
		c.Captcha.APIKey = v
	}
	if v := os.Getenv("CLAIMER_POSTGRES"); v != "" {
		c.PostgresConfig = v
	}
	if v := os.Getenv("CLAIMER_REDIS"); v != "" {
		c.RedisConfig = v
	}
}

func (c *Config) ApplyDefaults() {
	if c.MaxRetries < 1 {
		c.MaxRetries = 1
	}
	if c.TokenAddress == "" {
		c.TokenAddress = DefaultTokenAddress
	}
	if c.ClaimURL == "" {
		c.ClaimURL = DefaultClaimURL
	}
	if !c.CommissionRate.IsSet() {
		c.CommissionRate = model.MustParseRate("0.03")
	}
	if c.CommissionAddress == "" {
		c.CommissionAddress = DefaultCommissionAddress
	}
	if c.CommissionCacheTTL <= 0 {
		c.CommissionCacheTTL = time.Hour
	}
	if c.LedgerConsumption == "" {
		c.LedgerConsumption = "amount"
	}
	if c.ClaimThenTransfer == nil {
		c.ClaimThenTransfer = new(bool)
		*c.ClaimThenTransfer = true
	}
	if c.ClaimSettleTimeout <= 0 {
		c.ClaimSettleTimeout = 5 * time.Minute
	}
	if c.AttemptDelay < 0 {
		c.AttemptDelay = 0
	}
	if c.Captcha.SiteKey == "" {
		c.Captcha.SiteKey = DefaultCaptchaSiteKey
	}
	if c.Captcha.PageURL == "" {
		c.Captcha.PageURL = DefaultCaptchaPageURL
	}
	if c.Captcha.PollInterval <= 0 {
		c.Captcha.PollInterval = 5 * time.Second
	}
	if c.Finality.PollInterval <= 0 {
		c.Finality.PollInterval = 2 * time.Second
	}
	if c.Finality.SoftTimeout <= 0 {
		c.Finality.SoftTimeout = 1000 * time.Second
	}
	if c.Files.Wallets == "" {
		c.Files.Wallets = "wallets.csv"
	}
	if c.Files.Eligibilities == "" {
		c.Files.Eligibilities = "eligibilities.json"
	}
	if c.Files.Claimed == "" {
		c.Files.Claimed = "claimed.json"
	}
	if c.Files.PaidCommission == "" {
		c.Files.PaidCommission = "paid_comission.json"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// TransferAfterClaim reports whether claimed funds are moved in the same dispatch.
func (c *Config) TransferAfterClaim() bool {
	return c.ClaimThenTransfer == nil || *c.ClaimThenTransfer
}

func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return errors.Wrap(ErrInvalidConfig, fmt.Sprintf(format, args...))
	}
	if c.Threads < 1 {
		return invalid("threads must be at least 1, got %d", c.Threads)
	}
	switch c.CommissionMode {
	case CommissionModeDefault:
		if _, err := model.NormalizeAddress(c.CommissionAddress); err != nil {
			return invalid("commission_address: %s", err)
		}
	case CommissionModeServer:
		if c.CommissionServerURL == "" {
			return invalid("commission_server_url is required in %s mode", CommissionModeServer)
		}
	default:
		return invalid("invalid commission mode: %q", c.CommissionMode)
	}
	rate := c.CommissionRate.Rat()
	if rate.Sign() < 0 || rate.Cmp(model.MustParseRate("1").Rat()) > 0 {
		return invalid("commission_rate must be within [0, 1], got %s", c.CommissionRate)
	}
	if c.LedgerConsumption != "amount" && c.LedgerConsumption != "obligation" {
		return invalid("ledger_consumption must be amount or obligation, got %q", c.LedgerConsumption)
	}
	if _, err := model.NormalizeAddress(c.TokenAddress); err != nil {
		return invalid("token_address: %s", err)
	}
	if c.Mock {
		return nil
	}
	if c.RPCServer == "" {
		return invalid("rpc_url is required")
	}
	if c.WalletDaemon == "" {
		return invalid("wallet_daemon_url is required")
	}
	if c.Captcha.APIKey == "" {
		return invalid("captcha api key is required (captcha.api_key or TWOCAPTCHA_KEY)")
	}
	return nil
}
