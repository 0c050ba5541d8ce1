package helpers

import (
	"context"

	"go.uber.org/fx"
)

// MetricsCtx is the root context of the node, carrying its metric tags.
type MetricsCtx context.Context

// LifecycleCtx derives a context from mctx that is cancelled when the fx app
// stops. Services that keep connections open for their whole life take it.
func LifecycleCtx(mctx MetricsCtx, lc fx.Lifecycle) context.Context {
	ctx, cancel := context.WithCancel(mctx)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
	return ctx
}
