// Package config loads chain and session storage settings from YAML, with
// .env files and SESSIONKIT_* environment variables taking precedence.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/blndgs/sessionkit/bundler"
	"github.com/blndgs/sessionkit/session"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SESSIONKIT_"

// Storage backends.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
)

var ErrChainNotFound = errors.New("chain is not configured")

// Config is the root of the configuration file.
type Config struct {
	Chains  []ChainConfig `yaml:"chains" validate:"required,min=1,dive"`
	Storage StorageConfig `yaml:"storage"`
}

// ChainConfig holds the endpoints and contract addresses of one chain.
type ChainConfig struct {
	Name                 string        `yaml:"name"`
	ChainID              uint64        `yaml:"chain_id" validate:"chain_id"`
	RPCURL               string        `yaml:"rpc_url" validate:"required,url"`
	BundlerURL           string        `yaml:"bundler_url" validate:"required,url"`
	PaymasterURL         string        `yaml:"paymaster_url" validate:"omitempty,url"`
	DANURL               string        `yaml:"dan_url" validate:"omitempty,url"`
	EntryPoint           string        `yaml:"entry_point" validate:"required,eth_addr"`
	Factory              string        `yaml:"factory" validate:"omitempty,eth_addr"`
	ECDSAModule          string        `yaml:"ecdsa_module" validate:"omitempty,eth_addr"`
	SessionKeyManager    string        `yaml:"session_key_manager" validate:"omitempty,eth_addr"`
	BatchedSessionRouter string        `yaml:"batched_session_router" validate:"omitempty,eth_addr"`
	DANModule            string        `yaml:"dan_module" validate:"omitempty,eth_addr"`
	PollInterval         time.Duration `yaml:"poll_interval" validate:"gte=0"`
	MaxPollDuration      time.Duration `yaml:"max_poll_duration" validate:"gte=0"`
	GasPriceMethod       string        `yaml:"gas_price_method"`
	GasPriceTier         string        `yaml:"gas_price_tier" validate:"omitempty,oneof=slow standard fast"`
	RequestsPerSecond    float64       `yaml:"requests_per_second" validate:"gte=0"`
}

// StorageConfig selects the session store.
type StorageConfig struct {
	Backend       string `yaml:"backend" validate:"omitempty,oneof=memory file redis"`
	Dir           string `yaml:"dir"`
	RedisAddr     string `yaml:"redis_addr" validate:"required_if=Backend redis"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db" validate:"gte=0"`
	RedisPrefix   string `yaml:"redis_prefix"`
}

// Custom validation for Ethereum address using go-playground validator.
func validEthAddress(fl validator.FieldLevel) bool {
	return common.IsHexAddress(fl.Field().String())
}

// Custom validation for chain IDs, positive as uint or *big.Int.
// big.Int fields reach the rule as decimal strings via bigIntValue.
func validChainID(fl validator.FieldLevel) bool {
	field := fl.Field()
	switch field.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return field.Uint() > 0
	case reflect.String:
		chainID, ok := new(big.Int).SetString(field.String(), 10)
		return ok && chainID.Sign() > 0
	}
	return false
}

func bigIntValue(field reflect.Value) interface{} {
	if b, ok := field.Interface().(big.Int); ok {
		return b.String()
	}
	return nil
}

// NewValidator returns a validator with the eth_addr and chain_id rules.
func NewValidator() (*validator.Validate, error) {
	v := validator.New()
	v.RegisterCustomTypeFunc(bigIntValue, big.Int{})
	if err := v.RegisterValidation("eth_addr", validEthAddress); err != nil {
		return nil, fmt.Errorf("failed to register validator for eth_addr: %w", err)
	}
	if err := v.RegisterValidation("chain_id", validChainID); err != nil {
		return nil, fmt.Errorf("failed to register validator for chain_id: %w", err)
	}
	return v, nil
}

// Load reads the YAML file at path, applies environment overrides and
// validates the result. envFiles are loaded into the environment first; with
// none given a .env in the working directory is used when present.
func Load(path string, envFiles ...string) (*Config, error) {
	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return nil, fmt.Errorf("failed to load env files: %w", err)
		}
	} else {
		_ = godotenv.Load()
	}

	data, err := os.ReadFile(path) // #nosec G304 - operator supplied config path
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML data, applies environment overrides and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	v, err := NewValidator()
	if err != nil {
		return err
	}
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	seen := make(map[uint64]bool, len(c.Chains))
	for _, ch := range c.Chains {
		if seen[ch.ChainID] {
			return fmt.Errorf("invalid config: chain %d configured twice", ch.ChainID)
		}
		seen[ch.ChainID] = true
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendMemory
	}
	for i := range c.Chains {
		ch := &c.Chains[i]
		if ch.GasPriceMethod == "" {
			ch.GasPriceMethod = bundler.DefaultGasPriceMethod
		}
		if ch.GasPriceTier == "" {
			ch.GasPriceTier = string(bundler.GasTierStandard)
		}
		defaults := bundler.PollingFor(ch.ChainID)
		if ch.PollInterval == 0 {
			ch.PollInterval = defaults.Interval
		}
		if ch.MaxPollDuration == 0 {
			ch.MaxPollDuration = defaults.MaxDuration
		}
	}
}

func lookupEnv(name string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func overrideString(dst *string, name string) {
	if v, ok := lookupEnv(name); ok {
		*dst = v
	}
}

// applyEnv overrides storage settings from SESSIONKIT_STORAGE_BACKEND,
// SESSIONKIT_STORAGE_DIR and SESSIONKIT_REDIS_*, and chain endpoints from
// SESSIONKIT_<chainID>_{RPC,BUNDLER,PAYMASTER,DAN}_URL.
func (c *Config) applyEnv() error {
	overrideString(&c.Storage.Backend, "STORAGE_BACKEND")
	overrideString(&c.Storage.Dir, "STORAGE_DIR")
	overrideString(&c.Storage.RedisAddr, "REDIS_ADDR")
	overrideString(&c.Storage.RedisPassword, "REDIS_PASSWORD")
	overrideString(&c.Storage.RedisPrefix, "REDIS_PREFIX")
	if v, ok := lookupEnv("REDIS_DB"); ok {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sREDIS_DB: %w", EnvPrefix, err)
		}
		c.Storage.RedisDB = db
	}

	for i := range c.Chains {
		ch := &c.Chains[i]
		id := strconv.FormatUint(ch.ChainID, 10)
		overrideString(&ch.RPCURL, id+"_RPC_URL")
		overrideString(&ch.BundlerURL, id+"_BUNDLER_URL")
		overrideString(&ch.PaymasterURL, id+"_PAYMASTER_URL")
		overrideString(&ch.DANURL, id+"_DAN_URL")
	}
	return nil
}

// Chain returns the settings of chainID.
func (c *Config) Chain(chainID uint64) (*ChainConfig, error) {
	for i := range c.Chains {
		if c.Chains[i].ChainID == chainID {
			return &c.Chains[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %d", ErrChainNotFound, chainID)
}

// ChainIDBig returns the chain ID as a big integer.
func (c *ChainConfig) ChainIDBig() *big.Int {
	return new(big.Int).SetUint64(c.ChainID)
}

func address(s string) common.Address {
	if s == "" {
		return common.Address{}
	}
	return common.HexToAddress(s)
}

func (c *ChainConfig) EntryPointAddress() common.Address {
	return address(c.EntryPoint)
}

func (c *ChainConfig) FactoryAddress() common.Address {
	return address(c.Factory)
}

func (c *ChainConfig) ECDSAModuleAddress() common.Address {
	return address(c.ECDSAModule)
}

func (c *ChainConfig) SessionKeyManagerAddress() common.Address {
	return address(c.SessionKeyManager)
}

func (c *ChainConfig) BatchedSessionRouterAddress() common.Address {
	return address(c.BatchedSessionRouter)
}

func (c *ChainConfig) DANModuleAddress() common.Address {
	return address(c.DANModule)
}

// BundlerConfig maps the chain settings onto a bundler client config.
func (c *ChainConfig) BundlerConfig() bundler.Config {
	return bundler.Config{
		URL:               c.BundlerURL,
		EntryPoint:        c.EntryPointAddress(),
		ChainID:           c.ChainIDBig(),
		Polling:           bundler.PollingConfig{Interval: c.PollInterval, MaxDuration: c.MaxPollDuration},
		GasPriceMethod:    c.GasPriceMethod,
		GasTier:           bundler.GasTier(c.GasPriceTier),
		RequestsPerSecond: c.RequestsPerSecond,
		Burst:             1,
	}
}

// OpenStore opens the configured session store.
func (s StorageConfig) OpenStore() (session.Store, error) {
	switch strings.ToLower(s.Backend) {
	case "", BackendMemory:
		return session.NewMemoryStore(), nil
	case BackendFile:
		store, err := session.NewFileStore(s.Dir)
		if err != nil {
			return nil, err
		}
		return store, nil
	case BackendRedis:
		store, err := session.NewRedisStore(session.RedisConfig{
			Addr:     s.RedisAddr,
			Password: s.RedisPassword,
			DB:       s.RedisDB,
			Prefix:   s.RedisPrefix,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", s.Backend)
	}
}
