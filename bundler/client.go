// Package bundler is a JSON-RPC client for ERC-4337 bundlers. It submits
// user operations, estimates their gas, reads gas prices and tracks
// submitted operations until they are mined.
package bundler

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"

	"github.com/blndgs/sessionkit/userop"
)

// DefaultGasPriceMethod is the tiered gas price method.
const DefaultGasPriceMethod = "pimlico_getUserOperationGasPrice"

const receiptMethod = "eth_getUserOperationReceipt"

var logger = log.New("pkg", "bundler")

// Config configures a Client.
type Config struct {
	URL        string
	EntryPoint common.Address
	ChainID    *big.Int
	// Polling overrides the chain's polling defaults when non-zero.
	Polling PollingConfig
	// GasPriceMethod defaults to DefaultGasPriceMethod.
	GasPriceMethod string
	// GasTier defaults to GasTierStandard.
	GasTier GasTier
	// RequestsPerSecond paces outbound calls; zero disables pacing.
	RequestsPerSecond float64
	Burst             int
	// VerifyChainID checks eth_chainId against ChainID on construction.
	VerifyChainID bool
}

// Client talks to one bundler for one entry point and chain.
type Client struct {
	rpc     *rpc.Client
	cfg     Config
	polling PollingConfig
	limiter *rate.Limiter
}

// Dial connects to cfg.URL.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, ErrMissingURL
	}
	c, err := rpc.DialContext(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial bundler: %w", err)
	}
	client, err := New(ctx, c, cfg)
	if err != nil {
		c.Close()
		return nil, err
	}
	return client, nil
}

// New wraps an existing RPC client.
func New(ctx context.Context, c *rpc.Client, cfg Config) (*Client, error) {
	if cfg.EntryPoint == (common.Address{}) {
		return nil, ErrMissingEntryPoint
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, ErrMissingChainID
	}
	if cfg.GasPriceMethod == "" {
		cfg.GasPriceMethod = DefaultGasPriceMethod
	}
	if cfg.GasTier == "" {
		cfg.GasTier = GasTierStandard
	}

	polling := PollingFor(cfg.ChainID.Uint64())
	if cfg.Polling.Interval > 0 {
		polling.Interval = cfg.Polling.Interval
	}
	if cfg.Polling.MaxDuration > 0 {
		polling.MaxDuration = cfg.Polling.MaxDuration
	}

	client := &Client{rpc: c, cfg: cfg, polling: polling}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		client.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	if cfg.VerifyChainID {
		id, err := client.ChainID(ctx)
		if err != nil {
			return nil, err
		}
		if id.Cmp(cfg.ChainID) != 0 {
			return nil, fmt.Errorf("%w: bundler %s, configured %s", ErrChainIDMismatch, id, cfg.ChainID)
		}
	}
	return client, nil
}

// Close closes the connection.
func (c *Client) Close() {
	c.rpc.Close()
}

// EntryPoint returns the configured entry point.
func (c *Client) EntryPoint() common.Address { return c.cfg.EntryPoint }

// ChainIDConfigured returns the configured chain ID.
func (c *Client) ChainIDConfigured() *big.Int { return new(big.Int).Set(c.cfg.ChainID) }

// Polling returns the effective polling configuration.
func (c *Client) Polling() PollingConfig { return c.polling }

func (c *Client) call(ctx context.Context, result any, method string, args ...any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	start := time.Now()
	err := c.rpc.CallContext(ctx, result, method, args...)
	recordRequest(method, err, time.Since(start))
	if err != nil {
		return newRPCError(method, err)
	}
	return nil
}

// EstimateUserOperationGas estimates op's gas limits. A revert during
// simulation is returned as an *RPCError.
func (c *Client) EstimateUserOperationGas(ctx context.Context, op *userop.UserOperation) (*GasEstimate, error) {
	var est *GasEstimate
	if err := c.call(ctx, &est, "eth_estimateUserOperationGas", op, c.cfg.EntryPoint); err != nil {
		return nil, err
	}
	if est == nil {
		return nil, fmt.Errorf("eth_estimateUserOperationGas: %w", ErrEmptyResult)
	}
	return est, nil
}

// SendUserOperation submits a signed op and returns a handle to track it.
func (c *Client) SendUserOperation(ctx context.Context, op *userop.UserOperation) (*UserOpResponse, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}
	var hash common.Hash
	err := c.call(ctx, &hash, "eth_sendUserOperation", op, c.cfg.EntryPoint)
	recordSubmission(err)
	if err != nil {
		return nil, err
	}
	if hash == (common.Hash{}) {
		return nil, fmt.Errorf("eth_sendUserOperation: %w", ErrEmptyResult)
	}

	logger.Info("User operation submitted", "hash", hash, "sender", op.Sender, "nonce", op.Nonce)
	return c.Track(hash), nil
}

// Track returns a handle for an operation submitted earlier.
func (c *Client) Track(hash common.Hash) *UserOpResponse {
	return &UserOpResponse{Hash: hash, client: c}
}

// GetUserOperationReceipt returns the receipt of hash, or nil while the
// operation is not mined.
func (c *Client) GetUserOperationReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	var r *Receipt
	if err := c.call(ctx, &r, receiptMethod, hash); err != nil {
		return nil, err
	}
	return r, nil
}

// GetUserOperationByHash returns the operation and its inclusion, or nil if
// the bundler does not know it.
func (c *Client) GetUserOperationByHash(ctx context.Context, hash common.Hash) (*UserOperationByHash, error) {
	var r *UserOperationByHash
	if err := c.call(ctx, &r, "eth_getUserOperationByHash", hash); err != nil {
		return nil, err
	}
	return r, nil
}

// SupportedEntryPoints lists the entry points the bundler serves.
func (c *Client) SupportedEntryPoints(ctx context.Context) ([]common.Address, error) {
	var eps []common.Address
	if err := c.call(ctx, &eps, "eth_supportedEntryPoints"); err != nil {
		return nil, err
	}
	return eps, nil
}

// ChainID returns the bundler's chain ID.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	var id hexutil.Big
	if err := c.call(ctx, &id, "eth_chainId"); err != nil {
		return nil, err
	}
	return id.ToInt(), nil
}

// BlockNumber returns the bundler node's head block number.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var n hexutil.Uint64
	if err := c.call(ctx, &n, "eth_blockNumber"); err != nil {
		return 0, err
	}
	return uint64(n), nil
}

// GasPrices reads all fee tiers.
func (c *Client) GasPrices(ctx context.Context) (*GasPrices, error) {
	var p *GasPrices
	if err := c.call(ctx, &p, c.cfg.GasPriceMethod); err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%s: %w", c.cfg.GasPriceMethod, ErrEmptyResult)
	}
	return p, nil
}

// GasPrice reads the fees of the configured tier.
func (c *Client) GasPrice(ctx context.Context) (*GasFees, error) {
	p, err := c.GasPrices(ctx)
	if err != nil {
		return nil, err
	}
	return p.Tier(c.cfg.GasTier)
}
