package account

import (
	"context"
	"fmt"
	"math/big"

	"golang.org/x/sync/errgroup"

	"github.com/blndgs/sessionkit/bundler"
	"github.com/blndgs/sessionkit/paymaster"
	"github.com/blndgs/sessionkit/userop"
	"github.com/blndgs/sessionkit/validation"
)

// BuildOptions adjusts BuildUserOp.
type BuildOptions struct {
	// Nonce overrides the on-chain nonce.
	Nonce *big.Int
	// ValidationMode is the nonce key mode byte.
	ValidationMode byte
	// ForceBatch encodes a single call with executeBatch.
	ForceBatch bool
	// Params is passed to the active module; CallCount is filled in.
	Params *validation.ModuleParams
	// Sponsor requests paymaster data before estimation.
	Sponsor *paymaster.SponsorParams
	// MaxFeePerGas and MaxPriorityFeePerGas skip the gas price lookup when
	// both are set.
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

func (o *BuildOptions) moduleParams(calls int) *validation.ModuleParams {
	params := &validation.ModuleParams{}
	if o.Params != nil {
		p := *o.Params
		params = &p
	}
	params.CallCount = calls
	return params
}

// BuildUserOp assembles an unsigned operation for calls. The returned
// operation carries the module's dummy signature and estimated gas limits.
// A failed estimation is returned as a *SimulationError and means the
// operation must not be signed.
func (a *SmartAccount) BuildUserOp(ctx context.Context, calls []Call, opts *BuildOptions) (*userop.UserOperation, error) {
	if len(calls) == 0 {
		return nil, ErrNoCalls
	}
	if opts == nil {
		opts = &BuildOptions{}
	}
	sender, err := a.Address(ctx)
	if err != nil {
		return nil, err
	}
	params := opts.moduleParams(len(calls))

	var (
		nonce    *big.Int
		dummySig []byte
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if opts.Nonce != nil {
			nonce = new(big.Int).Set(opts.Nonce)
			return nil
		}
		var err error
		nonce, err = a.NonceWithMode(gctx, opts.ValidationMode)
		return err
	})
	g.Go(func() error {
		var err error
		dummySig, err = a.module.DummySignature(gctx, params)
		if err != nil {
			return fmt.Errorf("dummy signature: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	callData, err := EncodeCallData(calls, opts.ForceBatch)
	if err != nil {
		return nil, fmt.Errorf("encode calls: %w", err)
	}

	op := &userop.UserOperation{
		Sender:    sender,
		Nonce:     nonce,
		CallData:  callData,
		Signature: dummySig,
	}

	deployed, err := a.IsDeployed(ctx)
	if err != nil {
		return nil, err
	}
	if !deployed {
		factory := a.cfg.Factory
		op.Factory = &factory
		if op.FactoryData, err = a.FactoryData(ctx); err != nil {
			return nil, fmt.Errorf("encode factory data: %w", err)
		}
	}

	if err := a.fillGasFees(ctx, op, opts); err != nil {
		return nil, err
	}

	if opts.Sponsor != nil {
		if err := a.sponsor(ctx, op, opts.Sponsor); err != nil {
			return nil, err
		}
	}

	est, err := a.cfg.Bundler.EstimateUserOperationGas(ctx, op)
	if err != nil {
		logger.Warn("User operation simulation failed", "sender", sender, "nonce", nonce, "err", err)
		return nil, &SimulationError{Err: err}
	}
	est.Apply(op)

	logger.Info("User operation built", "sender", sender, "nonce", nonce, "calls", len(calls),
		"deployed", deployed, "maxPrefund", op.GetMaxPrefund())
	return op, nil
}

func (a *SmartAccount) fillGasFees(ctx context.Context, op *userop.UserOperation, opts *BuildOptions) error {
	if opts.MaxFeePerGas != nil && opts.MaxPriorityFeePerGas != nil {
		op.MaxFeePerGas = new(big.Int).Set(opts.MaxFeePerGas)
		op.MaxPriorityFeePerGas = new(big.Int).Set(opts.MaxPriorityFeePerGas)
		return nil
	}
	fees, err := a.cfg.Bundler.GasPrice(ctx)
	if err != nil {
		return fmt.Errorf("read gas price: %w", err)
	}
	if fees.MaxFeePerGas == nil || fees.MaxPriorityFeePerGas == nil {
		return fmt.Errorf("read gas price: %w", bundler.ErrEmptyResult)
	}
	op.MaxFeePerGas = new(big.Int).Set(fees.MaxFeePerGas.ToInt())
	op.MaxPriorityFeePerGas = new(big.Int).Set(fees.MaxPriorityFeePerGas.ToInt())
	return nil
}

func (a *SmartAccount) sponsor(ctx context.Context, op *userop.UserOperation, params *paymaster.SponsorParams) error {
	if a.cfg.Paymaster == nil {
		return ErrMissingPaymaster
	}
	if err := params.Validate(); err != nil {
		return err
	}
	data, err := a.cfg.Paymaster.GetPaymasterAndData(ctx, op, params)
	if err != nil {
		return fmt.Errorf("paymaster sponsorship: %w", err)
	}
	data.Apply(op)
	return nil
}

// SignUserOp replaces op's signature with one from the active module. op is
// not modified; the signed copy is returned.
func (a *SmartAccount) SignUserOp(ctx context.Context, op *userop.UserOperation, params *validation.ModuleParams) (*userop.UserOperation, error) {
	signed := op.Clone()
	signed.Signature = nil
	if err := signed.ValidateFields(); err != nil {
		return nil, err
	}

	hash, err := signed.GetUserOpHash(a.cfg.EntryPoint, a.cfg.ChainID)
	if err != nil {
		return nil, fmt.Errorf("hash user operation: %w", err)
	}

	p := &validation.ModuleParams{}
	if params != nil {
		cp := *params
		p = &cp
	}
	p.UserOp = signed
	if p.CallCount == 0 {
		if calls, err := DecodeCallData(signed.CallData); err == nil {
			p.CallCount = len(calls)
		}
	}

	sig, err := a.module.SignUserOpHash(ctx, hash, p)
	if err != nil {
		return nil, fmt.Errorf("sign user operation: %w", err)
	}
	signed.Signature = sig

	logger.Debug("User operation signed", "sender", signed.Sender, "nonce", signed.Nonce,
		"hash", hash, "module", a.module.Address())
	return signed, nil
}

// SendUserOp submits a signed operation.
func (a *SmartAccount) SendUserOp(ctx context.Context, op *userop.UserOperation) (*bundler.UserOpResponse, error) {
	return a.cfg.Bundler.SendUserOperation(ctx, op)
}

// SendTransaction builds, signs and submits calls in one operation.
func (a *SmartAccount) SendTransaction(ctx context.Context, calls []Call, opts *BuildOptions) (*bundler.UserOpResponse, error) {
	op, err := a.BuildUserOp(ctx, calls, opts)
	if err != nil {
		return nil, err
	}
	var params *validation.ModuleParams
	if opts != nil {
		params = opts.moduleParams(len(calls))
	}
	signed, err := a.SignUserOp(ctx, op, params)
	if err != nil {
		return nil, err
	}
	return a.SendUserOp(ctx, signed)
}
