package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"

	"github.com/AvaProtocol/ap-relay/core/chainio/aa"
	"github.com/AvaProtocol/ap-relay/core/chainio/signer"
	"github.com/AvaProtocol/ap-relay/pkg/eip1559"
	"github.com/AvaProtocol/ap-relay/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-relay/pkg/erc4337/nonce"
	"github.com/AvaProtocol/ap-relay/pkg/erc4337/sponsor"
)

const (
	NonceStoreRedis  = "redis"
	NonceStoreBadger = "badger"

	DefaultPollInterval      = 2 * time.Second
	DefaultPollTimeout       = 60 * time.Second
	DefaultReconcileInterval = 30 * time.Second
	DefaultBackupInterval    = 6 * time.Hour
)

// Config contains everything the relay service needs, parsed and validated.
type Config struct {
	Environment sdklogging.LogLevel
	Logger      sdklogging.Logger

	EthRpcUrl  string
	ChainID    *big.Int
	EntryPoint common.Address

	BundlerUrl     string
	BundlerTimeout time.Duration
	EstimateGas    bool

	Sponsor   sponsor.Config
	FeePolicy eip1559.Policy

	Nonce      nonce.Config
	NonceStore string
	RedisUrl   string

	Resolver aa.ResolverConfig

	PollInterval      time.Duration
	PollTimeout       time.Duration
	ReconcileInterval time.Duration

	// Signer is the default owner signer. Nil when every request brings its own.
	Signer signer.Signer `json:"-"`

	DbPath string
	// BackupDir enables periodic database backups when set
	BackupDir      string
	BackupInterval time.Duration

	HttpBindAddress string
	JwtSecret       []byte `json:"-"`
	SentryDsn       string
	ServerName      string
}

// These are read from configPath
type ConfigRaw struct {
	Environment sdklogging.LogLevel `yaml:"environment" validate:"omitempty,oneof=production development"`

	Chain    ChainRaw    `yaml:"chain"`
	Bundler  BundlerRaw  `yaml:"bundler"`
	Sponsor  SponsorRaw  `yaml:"sponsor"`
	Fees     FeesRaw     `yaml:"fees"`
	Nonce    NonceRaw    `yaml:"nonce"`
	Resolver ResolverRaw `yaml:"resolver"`
	Poll     PollRaw     `yaml:"poll"`
	Backup   BackupRaw   `yaml:"backup"`

	SignerPrivateKey string `yaml:"signer_private_key"`

	DbPath          string `yaml:"db_path" validate:"required"`
	HttpBindAddress string `yaml:"http_bind_address"`
	JwtSecret       string `yaml:"jwt_secret" validate:"required_with=HttpBindAddress"`
	SentryDsn       string `yaml:"sentry_dsn"`
	ServerName      string `yaml:"server_name"`
}

type ChainRaw struct {
	RpcUrl     string `yaml:"rpc_url" validate:"required,url"`
	ChainID    int64  `yaml:"chain_id" validate:"required,gt=0"`
	EntryPoint string `yaml:"entrypoint" validate:"omitempty,eth_addr"`
}

type BundlerRaw struct {
	Url         string        `yaml:"url" validate:"required,url"`
	Timeout     time.Duration `yaml:"timeout"`
	EstimateGas bool          `yaml:"estimate_gas"`
}

type SponsorRaw struct {
	Url      string        `yaml:"url" validate:"required,url"`
	Method   string        `yaml:"method" validate:"omitempty,oneof=pm_sponsorUserOperation alchemy_requestGasAndPaymasterAndData"`
	PolicyID string        `yaml:"policy_id"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Fee amounts are wei in decimal strings so they never overflow yaml integers.
type FeesRaw struct {
	BufferPercent string `yaml:"buffer_percent"`
	PriorityFloor string `yaml:"priority_floor" validate:"omitempty,number"`
	MaxFeeFloor   string `yaml:"max_fee_floor" validate:"omitempty,number"`
	Ceiling       string `yaml:"ceiling" validate:"omitempty,number"`
	BumpFactor    string `yaml:"bump_factor"`
	MaxAttempts   int    `yaml:"max_attempts" validate:"gte=0"`
}

type NonceRaw struct {
	Strategy        string        `yaml:"strategy" validate:"omitempty,oneof=counter partition"`
	Store           string        `yaml:"store" validate:"omitempty,oneof=redis badger"`
	RedisUrl        string        `yaml:"redis_url" validate:"required_if=Store redis"`
	CounterKey      string        `yaml:"counter_key" validate:"omitempty,number"`
	PartitionWindow time.Duration `yaml:"partition_window"`
}

type SchemeRaw struct {
	Kind    string `yaml:"kind" validate:"required,oneof=owners-array owner-salt"`
	Factory string `yaml:"factory" validate:"required,eth_addr"`
}

type ResolverRaw struct {
	Schemes     []SchemeRaw   `yaml:"schemes" validate:"dive"`
	MaxSalt     int64         `yaml:"max_salt" validate:"gte=0"`
	ChunkSize   int           `yaml:"chunk_size" validate:"gte=0"`
	Concurrency int           `yaml:"concurrency" validate:"gte=0"`
	Budget      time.Duration `yaml:"budget"`
	Tokens      []string      `yaml:"tokens" validate:"dive,eth_addr"`
}

type BackupRaw struct {
	Dir      string        `yaml:"dir"`
	Interval time.Duration `yaml:"interval"`
}

type PollRaw struct {
	Interval          time.Duration `yaml:"interval"`
	Timeout           time.Duration `yaml:"timeout"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
}

// NewConfig parses the yaml config file at configFilePath and builds the logger from its
// environment.
func NewConfig(configFilePath string) (*Config, error) {
	var configRaw ConfigRaw
	if err := ReadYamlConfig(configFilePath, &configRaw); err != nil {
		return nil, err
	}

	c, err := configRaw.Build()
	if err != nil {
		return nil, err
	}

	c.Logger, err = sdklogging.NewZapLogger(c.Environment)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Build validates the raw values and converts them. It does not touch the network.
func (raw *ConfigRaw) Build() (*Config, error) {
	if err := validator.New().Struct(raw); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c := &Config{
		Environment:     raw.Environment,
		EthRpcUrl:       raw.Chain.RpcUrl,
		ChainID:         big.NewInt(raw.Chain.ChainID),
		EntryPoint:      aa.EntrypointAddress,
		BundlerUrl:      raw.Bundler.Url,
		BundlerTimeout:  orDuration(raw.Bundler.Timeout, bundler.DefaultRequestTimeout),
		EstimateGas:     raw.Bundler.EstimateGas,
		DbPath:          raw.DbPath,
		BackupDir:       raw.Backup.Dir,
		BackupInterval:  orDuration(raw.Backup.Interval, DefaultBackupInterval),
		HttpBindAddress: raw.HttpBindAddress,
		JwtSecret:       []byte(raw.JwtSecret),
		SentryDsn:       raw.SentryDsn,
		ServerName:      raw.ServerName,

		Sponsor: sponsor.Config{
			URL:      raw.Sponsor.Url,
			Method:   raw.Sponsor.Method,
			PolicyID: raw.Sponsor.PolicyID,
			Timeout:  orDuration(raw.Sponsor.Timeout, sponsor.DefaultTimeout),
		},

		PollInterval:      orDuration(raw.Poll.Interval, DefaultPollInterval),
		PollTimeout:       orDuration(raw.Poll.Timeout, DefaultPollTimeout),
		ReconcileInterval: orDuration(raw.Poll.ReconcileInterval, DefaultReconcileInterval),
	}
	if c.Environment == "" {
		c.Environment = sdklogging.Production
	}
	if raw.Chain.EntryPoint != "" {
		c.EntryPoint = common.HexToAddress(raw.Chain.EntryPoint)
	}

	var err error
	if c.FeePolicy, err = raw.Fees.policy(); err != nil {
		return nil, err
	}
	if c.Nonce, c.NonceStore, err = raw.Nonce.build(); err != nil {
		return nil, err
	}
	c.RedisUrl = raw.Nonce.RedisUrl
	if c.Resolver, err = raw.Resolver.build(); err != nil {
		return nil, err
	}

	if raw.SignerPrivateKey != "" {
		s, err := signer.FromPrivateKeyHex(raw.SignerPrivateKey)
		if err != nil {
			return nil, fmt.Errorf("invalid signer_private_key: %w", err)
		}
		c.Signer = s
	}

	return c, nil
}

func (f FeesRaw) policy() (eip1559.Policy, error) {
	p := eip1559.Policy{
		BufferPercent: decimal.NewFromInt(eip1559.MinBufferPercent),
		MaxAttempts:   f.MaxAttempts,
	}

	if f.BufferPercent != "" {
		v, err := decimal.NewFromString(f.BufferPercent)
		if err != nil {
			return p, fmt.Errorf("invalid fees.buffer_percent: %w", err)
		}
		p.BufferPercent = v
	}
	if f.BumpFactor != "" {
		v, err := decimal.NewFromString(f.BumpFactor)
		if err != nil {
			return p, fmt.Errorf("invalid fees.bump_factor: %w", err)
		}
		p.BumpFactor = v
	}

	p.PriorityFloor = parseWei(f.PriorityFloor)
	p.MaxFeeFloor = parseWei(f.MaxFeeFloor)
	p.Ceiling = parseWei(f.Ceiling)

	// fail at startup instead of on the first request
	if _, err := eip1559.NewController(p); err != nil {
		return p, err
	}
	return p, nil
}

func (n NonceRaw) build() (nonce.Config, string, error) {
	strategy, err := nonce.ParseStrategy(n.Strategy)
	if err != nil {
		return nonce.Config{}, "", err
	}

	store := n.Store
	if store == "" {
		store = NonceStoreBadger
	}

	cfg := nonce.Config{
		Strategy:        strategy,
		CounterKey:      parseWei(n.CounterKey),
		PartitionWindow: orDuration(n.PartitionWindow, nonce.DefaultPartitionWindow),
	}
	return cfg, store, nil
}

func (r ResolverRaw) build() (aa.ResolverConfig, error) {
	cfg := aa.ResolverConfig{
		MaxSalt:     r.MaxSalt,
		ChunkSize:   r.ChunkSize,
		Concurrency: r.Concurrency,
		Budget:      r.Budget,
		Tokens:      convertToAddressSlice(r.Tokens),
	}

	for _, s := range r.Schemes {
		kind, err := aa.ParseSchemeKind(s.Kind)
		if err != nil {
			return cfg, err
		}
		cfg.Schemes = append(cfg.Schemes, aa.FactoryScheme{Kind: kind, Factory: common.HexToAddress(s.Factory)})
	}
	if len(cfg.Schemes) == 0 {
		cfg.Schemes = aa.DefaultSchemes()
	}
	return cfg, nil
}

func orDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// parseWei returns nil for an empty value. Inputs are validated as digits beforehand.
func parseWei(v string) *big.Int {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	n, ok := new(big.Int).SetString(v, 10)
	if !ok {
		return nil
	}
	return n
}
