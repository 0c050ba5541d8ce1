package service

import (
	"context"
	"time"

	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-f3/gpbft"
	"github.com/filecoin-project/go-state-types/abi"

	"github.com/consensus-shipyard/go-topdown/metrics"
	"github.com/consensus-shipyard/go-topdown/node/config"
	"github.com/consensus-shipyard/go-topdown/proofs/assembler"
	"github.com/consensus-shipyard/go-topdown/proofs/cache"
	"github.com/consensus-shipyard/go-topdown/proofs/provider"
	"github.com/consensus-shipyard/go-topdown/proofs/watcher"
)

// ErrDisabled is returned by LaunchService for a config that is not enabled.
var ErrDisabled = xerrors.New("proof service is disabled")

// LaunchService wires the generator from cfg and starts it. initialCommitted is
// the last F3 instance the subnet is known to have committed. ctx bounds the
// lifetime of the parent connections. Any error here is a configuration or
// storage problem and the caller must not proceed.
func LaunchService(ctx context.Context, cfg *config.ProofService, initialCommitted uint64) (*Service, error) {
	svc, err := Build(ctx, cfg, initialCommitted)
	if err != nil {
		return nil, err
	}
	if err := svc.Start(ctx); err != nil {
		_ = svc.Stop(ctx)
		return nil, err
	}
	return svc, nil
}

// Build is LaunchService without starting the loop.
func Build(ctx context.Context, cfg *config.ProofService, initialCommitted uint64) (_ *Service, err error) {
	if cfg == nil || !cfg.Enabled {
		return nil, ErrDisabled
	}
	if err := cfg.Validate(); err != nil {
		return nil, xerrors.Errorf("invalid proof service config: %w", err)
	}
	ctx = metrics.AddNetworkTag(ctx, cfg.F3NetworkName)

	var cleanup []func() error
	defer func() {
		if err == nil {
			return
		}
		for i := len(cleanup) - 1; i >= 0; i-- {
			_ = cleanup[i]()
		}
	}()

	opts := provider.DefaultOptions()
	if cfg.RPCTimeout > 0 {
		opts.Timeout = time.Duration(cfg.RPCTimeout)
	}
	parent, err := provider.New(ctx, cfg.URLs(), opts)
	if err != nil {
		return nil, xerrors.Errorf("connecting to parent: %w", err)
	}
	cleanup = append(cleanup, func() error {
		parent.Close()
		return nil
	})

	w, err := watcher.New(parent, watcher.NewF3Validator(gpbft.NetworkName(cfg.F3NetworkName)), watcher.Config{
		NetworkName:      gpbft.NetworkName(cfg.F3NetworkName),
		MaxEpochLag:      abi.ChainEpoch(cfg.MaxEpochLag),
		RPCLookbackLimit: abi.ChainEpoch(cfg.RPCLookbackLimit),
		RPCTimeout:       time.Duration(cfg.RPCTimeout),
	})
	if err != nil {
		return nil, err
	}

	asm, err := assembler.New(parent, assembler.Config{
		GatewayActorID:    abi.ActorID(cfg.GatewayActorID),
		GatewayEthAddress: cfg.GatewayEthAddress,
		Parallelism:       cfg.AssemblyParallelism,
		RPCTimeout:        time.Duration(cfg.RPCTimeout),
	})
	if err != nil {
		return nil, err
	}

	pc, err := openCache(cfg, initialCommitted)
	if err != nil {
		return nil, err
	}
	cleanup = append(cleanup, pc.Close)

	svc, err := New(Params{
		Cache:           pc,
		Watcher:         w,
		Assembler:       asm,
		Source:          parent,
		PollingInterval: time.Duration(cfg.PollingInterval),
	})
	if err != nil {
		return nil, err
	}
	for _, fn := range cleanup {
		svc.OnStop(fn)
	}

	log.Infow("proof service configured",
		"network", cfg.F3NetworkName, "providers", parent.URLs(), "committed", pc.LastCommitted(),
		"lookahead", cfg.LookaheadInstances, "retention", cfg.RetentionInstances, "db", cfg.CacheDBPath)
	return svc, nil
}

func openCache(cfg *config.ProofService, initialCommitted uint64) (*cache.ProofCache, error) {
	ccfg := cache.Config{
		LookaheadInstances: cfg.LookaheadInstances,
		RetentionInstances: cfg.RetentionInstances,
		MaxSizeBytes:       cfg.MaxCacheSizeBytes,
	}
	if cfg.CacheDBPath == "" {
		return cache.New(initialCommitted, ccfg), nil
	}
	pc, err := cache.NewWithPersistence(ccfg, cfg.CacheDBPath, initialCommitted)
	if err != nil {
		return nil, xerrors.Errorf("opening persistent proof cache: %w", err)
	}
	return pc, nil
}
