package provider

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/sony/gobreaker"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"go.uber.org/multierr"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-f3/certs"
	"github.com/filecoin-project/go-f3/gpbft"
	"github.com/filecoin-project/go-jsonrpc"
	"github.com/filecoin-project/go-state-types/abi"

	"github.com/consensus-shipyard/go-topdown/api"
	"github.com/consensus-shipyard/go-topdown/api/client"
	"github.com/consensus-shipyard/go-topdown/metrics"
)

var log = logging.Logger("proofs/provider")

var ErrNoProviders = errors.New("no parent RPC providers configured")

type Options struct {
	// Timeout bounds a single call against a single provider.
	Timeout time.Duration
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit of a provider.
	FailureThreshold uint32
	// OpenTimeout is how long an open circuit rejects calls before letting a
	// trial call through.
	OpenTimeout time.Duration
	Header      http.Header
}

func DefaultOptions() Options {
	return Options{
		Timeout:          30 * time.Second,
		FailureThreshold: 3,
		OpenTimeout:      30 * time.Second,
	}
}

// Endpoint is a connected parent API.
type Endpoint struct {
	URL    string
	API    api.ParentAPI
	Closer jsonrpc.ClientCloser
}

type provider struct {
	Endpoint
	breaker *gobreaker.CircuitBreaker
}

// Manager spreads parent API calls over several providers. Calls go to the
// provider that last succeeded and fail over round-robin.
type Manager struct {
	opts      Options
	providers []*provider

	lk      sync.Mutex
	current int
}

var _ api.ParentAPI = (*Manager)(nil)

// New dials every url. Providers that cannot be dialed are left out; it is an
// error if none remain.
func New(ctx context.Context, urls []string, opts Options) (*Manager, error) {
	var (
		endpoints []Endpoint
		errs      error
	)
	for _, u := range urls {
		a, closer, err := client.NewParentRPC(ctx, u, opts.Header)
		if err != nil {
			log.Warnw("failed to dial parent RPC provider", "url", u, "error", err)
			errs = multierr.Append(errs, xerrors.Errorf("dialing %s: %w", u, err))
			continue
		}
		endpoints = append(endpoints, Endpoint{URL: u, API: a, Closer: closer})
	}
	if len(endpoints) == 0 {
		if errs == nil {
			return nil, ErrNoProviders
		}
		return nil, xerrors.Errorf("%w: %s", ErrNoProviders, errs)
	}
	return NewWithEndpoints(endpoints, opts)
}

func NewWithEndpoints(endpoints []Endpoint, opts Options) (*Manager, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoProviders
	}
	def := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = def.FailureThreshold
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = def.OpenTimeout
	}

	m := &Manager{opts: opts}
	for _, ep := range endpoints {
		m.providers = append(m.providers, &provider{
			Endpoint: ep,
			breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
				Name:        ep.URL,
				MaxRequests: 1,
				Timeout:     opts.OpenTimeout,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= opts.FailureThreshold
				},
				OnStateChange: func(name string, from, to gobreaker.State) {
					log.Infow("parent RPC circuit changed state", "url", name, "from", from, "to", to)
				},
				IsSuccessful: func(err error) bool {
					return err == nil || errors.As(err, new(callerDoneError)) || errors.As(err, new(answerError))
				},
			}),
		})
	}
	return m, nil
}

// callerDoneError marks failures caused by the caller giving up, which say
// nothing about the health of the provider.
type callerDoneError struct{ err error }

func (e callerDoneError) Error() string { return e.err.Error() }
func (e callerDoneError) Unwrap() error { return e.err }

// answerError carries an application error from a healthy provider. Another
// provider would answer the same, so it is returned without failing over.
type answerError struct{ err error }

func (e answerError) Error() string { return e.err.Error() }
func (e answerError) Unwrap() error { return e.err }

// CurrentURL is the provider that served the last successful call.
func (m *Manager) CurrentURL() string {
	m.lk.Lock()
	defer m.lk.Unlock()
	return m.providers[m.current].URL
}

func (m *Manager) URLs() []string {
	out := make([]string, len(m.providers))
	for i, p := range m.providers {
		out[i] = p.URL
	}
	return out
}

// Close disconnects from every provider.
func (m *Manager) Close() {
	for _, p := range m.providers {
		if p.Closer != nil {
			p.Closer()
		}
	}
}

func call[T any](ctx context.Context, m *Manager, method string, fn func(context.Context, api.ParentAPI) (T, error)) (T, error) {
	var zero T

	m.lk.Lock()
	start := m.current
	m.lk.Unlock()

	var errs error
	for i := range m.providers {
		idx := (start + i) % len(m.providers)
		p := m.providers[idx]

		res, err := p.breaker.Execute(func() (interface{}, error) {
			return invoke(ctx, m, p, method, fn)
		})
		if err == nil {
			if idx != start {
				m.lk.Lock()
				m.current = idx
				m.lk.Unlock()
			}
			v, _ := res.(T)
			return v, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		var answer answerError
		if errors.As(err, &answer) {
			return zero, answer.err
		}

		if !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests) {
			log.Warnw("parent RPC call failed", "url", p.URL, "method", method, "error", err)
		}
		errs = multierr.Append(errs, xerrors.Errorf("%s: %w", p.URL, err))
		if i+1 < len(m.providers) {
			stats.Record(ctx, metrics.ParentRPCFailovers.M(1))
		}
	}
	return zero, xerrors.Errorf("%s failed on every parent provider: %w", method, errs)
}

func invoke[T any](ctx context.Context, m *Manager, p *provider, method string, fn func(context.Context, api.ParentAPI) (T, error)) (T, error) {
	ctx, _ = tag.New(ctx, tag.Upsert(metrics.Endpoint, p.URL), tag.Upsert(metrics.RPCMethod, method))
	stop := metrics.Timer(ctx, metrics.ParentRPCDuration)
	defer stop()

	cctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()
	res, err := fn(cctx, p.API)
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return res, callerDoneError{err: err}
	}
	if api.IsParentAnswer(err) {
		return res, answerError{err: err}
	}
	stats.Record(ctx, metrics.ParentRPCFailure.M(1))
	return res, err
}

func (m *Manager) ChainHead(ctx context.Context) (*api.TipSet, error) {
	return call(ctx, m, "ChainHead", func(ctx context.Context, a api.ParentAPI) (*api.TipSet, error) {
		return a.ChainHead(ctx)
	})
}

func (m *Manager) ChainGetTipSetByHeight(ctx context.Context, h abi.ChainEpoch, tsk api.TipSetKey) (*api.TipSet, error) {
	return call(ctx, m, "ChainGetTipSetByHeight", func(ctx context.Context, a api.ParentAPI) (*api.TipSet, error) {
		return a.ChainGetTipSetByHeight(ctx, h, tsk)
	})
}

func (m *Manager) ChainReadObj(ctx context.Context, c cid.Cid) ([]byte, error) {
	return call(ctx, m, "ChainReadObj", func(ctx context.Context, a api.ParentAPI) ([]byte, error) {
		return a.ChainReadObj(ctx, c)
	})
}

func (m *Manager) ChainGetParentReceipts(ctx context.Context, blockCid cid.Cid) ([]*api.MessageReceipt, error) {
	return call(ctx, m, "ChainGetParentReceipts", func(ctx context.Context, a api.ParentAPI) ([]*api.MessageReceipt, error) {
		return a.ChainGetParentReceipts(ctx, blockCid)
	})
}

func (m *Manager) ChainGetEvents(ctx context.Context, root cid.Cid) ([]api.Event, error) {
	return call(ctx, m, "ChainGetEvents", func(ctx context.Context, a api.ParentAPI) ([]api.Event, error) {
		return a.ChainGetEvents(ctx, root)
	})
}

func (m *Manager) StateGetActor(ctx context.Context, actor address.Address, tsk api.TipSetKey) (*api.Actor, error) {
	return call(ctx, m, "StateGetActor", func(ctx context.Context, a api.ParentAPI) (*api.Actor, error) {
		return a.StateGetActor(ctx, actor, tsk)
	})
}

func (m *Manager) StateLookupID(ctx context.Context, addr address.Address, tsk api.TipSetKey) (address.Address, error) {
	return call(ctx, m, "StateLookupID", func(ctx context.Context, a api.ParentAPI) (address.Address, error) {
		return a.StateLookupID(ctx, addr, tsk)
	})
}

func (m *Manager) F3GetCertificate(ctx context.Context, instance uint64) (*certs.FinalityCertificate, error) {
	return call(ctx, m, "F3GetCertificate", func(ctx context.Context, a api.ParentAPI) (*certs.FinalityCertificate, error) {
		return a.F3GetCertificate(ctx, instance)
	})
}

func (m *Manager) F3GetLatestCertificate(ctx context.Context) (*certs.FinalityCertificate, error) {
	return call(ctx, m, "F3GetLatestCertificate", func(ctx context.Context, a api.ParentAPI) (*certs.FinalityCertificate, error) {
		return a.F3GetLatestCertificate(ctx)
	})
}

func (m *Manager) F3GetPowerTableByInstance(ctx context.Context, instance uint64) (gpbft.PowerEntries, error) {
	return call(ctx, m, "F3GetPowerTableByInstance", func(ctx context.Context, a api.ParentAPI) (gpbft.PowerEntries, error) {
		return a.F3GetPowerTableByInstance(ctx, instance)
	})
}
