package node

import (
	"context"

	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/fx"
	"golang.org/x/xerrors"

	"github.com/consensus-shipyard/go-topdown/node/config"
	"github.com/consensus-shipyard/go-topdown/node/modules"
	"github.com/consensus-shipyard/go-topdown/node/modules/helpers"
	"github.com/consensus-shipyard/go-topdown/proofs/service"
)

var log = logging.Logger("builder")

type StopFunc func(context.Context) error

// Option is an fx option applied to the node.
type Option = fx.Option

// ProofService provides the proof generator configured by cfg.
func ProofService(cfg *config.ProofService, initialCommitted uint64) Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.Supply(modules.InitialCommitted(initialCommitted)),
		fx.Provide(modules.ProofService),
		fx.Provide(modules.ProofCache),
		fx.Invoke(func(*service.Service) {}),
	)
}

// Populate stores values built by the node, such as *service.Service or
// *cache.ProofCache, in the given targets.
func Populate(targets ...interface{}) Option {
	return fx.Populate(targets...)
}

// New builds and starts a new proof service node
func New(ctx context.Context, opts ...Option) (StopFunc, error) {
	app := fx.New(
		fx.Provide(func() helpers.MetricsCtx { return ctx }),
		fx.Options(opts...),

		fx.NopLogger,
	)

	if err := app.Start(ctx); err != nil {
		// comment fx.NopLogger few lines above for easier debugging
		return nil, xerrors.Errorf("starting node: %w", err)
	}

	log.Debug("node started")
	return app.Stop, nil
}
