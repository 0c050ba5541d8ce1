package modules

import (
	"go.uber.org/fx"
	"golang.org/x/xerrors"

	"github.com/consensus-shipyard/go-topdown/node/config"
	"github.com/consensus-shipyard/go-topdown/node/modules/helpers"
	"github.com/consensus-shipyard/go-topdown/proofs/cache"
	"github.com/consensus-shipyard/go-topdown/proofs/service"
)

// InitialCommitted is the last F3 instance committed by the subnet when the
// node starts.
type InitialCommitted uint64

// ProofService builds the proof generator and ties its loop to the node
// lifecycle. The parent connections live as long as the node.
func ProofService(mctx helpers.MetricsCtx, lc fx.Lifecycle, cfg *config.ProofService, initial InitialCommitted) (*service.Service, error) {
	svc, err := service.Build(helpers.LifecycleCtx(mctx, lc), cfg, uint64(initial))
	if err != nil {
		return nil, xerrors.Errorf("creating proof service: %w", err)
	}

	lc.Append(fx.Hook{
		OnStart: svc.Start,
		OnStop:  svc.Stop,
	})
	return svc, nil
}

// ProofCache exposes the cache filled by the service to block proposers.
func ProofCache(svc *service.Service) *cache.ProofCache {
	return svc.Cache()
}
