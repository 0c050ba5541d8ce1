package service

import (
	"context"
	"errors"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/jpillora/backoff"
	"github.com/raulk/clock"
	"go.opencensus.io/stats"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/consensus-shipyard/go-topdown/metrics"
	"github.com/consensus-shipyard/go-topdown/proofs"
	"github.com/consensus-shipyard/go-topdown/proofs/cache"
	"github.com/consensus-shipyard/go-topdown/proofs/watcher"
)

var log = logging.Logger("proofs/service")

type CertificateSource interface {
	Next(ctx context.Context, instance uint64) (watcher.Result, error)
}

type BundleAssembler interface {
	Assemble(ctx context.Context, vc *proofs.ValidatedCertificate) (*proofs.UnifiedProofBundle, error)
}

// SourceNamer names the parent endpoint that served the latest data.
type SourceNamer interface {
	CurrentURL() string
}

type Params struct {
	Cache     *cache.ProofCache
	Watcher   CertificateSource
	Assembler BundleAssembler
	// Source is optional; without it entries carry no SourceRPC.
	Source SourceNamer
	// Clock defaults to the wall clock.
	Clock           clock.Clock
	PollingInterval time.Duration
	// Backoff paces retries after a failed step. Defaults to 1s doubling up to
	// one minute.
	Backoff *backoff.Backoff
}

// Status is a point-in-time view of the generator.
type Status struct {
	NextInstance    uint64
	LastCommitted   uint64
	HighestCached   uint64
	HasCached       bool
	CachedInstances []uint64
	CacheBytes      uint64
	Skipped         uint64
	Assembling      bool
	LastError       string
	LastErrorAt     time.Time
}

type inflight struct {
	instance uint64
	cancel   context.CancelFunc
}

// Service generates proof bundles for F3 instances in order, keeping the cache
// filled up to the lookahead of the last committed instance.
type Service struct {
	cache     *cache.ProofCache
	watcher   CertificateSource
	assembler BundleAssembler
	source    SourceNamer
	clock     clock.Clock
	interval  time.Duration
	backoff   *backoff.Backoff

	wake chan struct{}

	lk        sync.Mutex
	cursor    uint64
	skipped   uint64
	inflight  *inflight
	lastErr   error
	lastErrAt time.Time

	closers []func() error

	runningCtx context.Context
	cancelCtx  context.CancelFunc
	errgrp     *errgroup.Group
}

func New(p Params) (*Service, error) {
	switch {
	case p.Cache == nil:
		return nil, xerrors.New("proof service requires a cache")
	case p.Watcher == nil:
		return nil, xerrors.New("proof service requires a certificate source")
	case p.Assembler == nil:
		return nil, xerrors.New("proof service requires an assembler")
	case p.PollingInterval <= 0:
		return nil, xerrors.Errorf("polling interval must be positive, got %s", p.PollingInterval)
	}
	if p.Clock == nil {
		p.Clock = clock.New()
	}
	if p.Backoff == nil {
		p.Backoff = &backoff.Backoff{Min: time.Second, Max: time.Minute, Factor: 2}
	}

	runningCtx, cancel := context.WithCancel(context.Background())
	errgrp, runningCtx := errgroup.WithContext(runningCtx)
	return &Service{
		cache:      p.Cache,
		watcher:    p.Watcher,
		assembler:  p.Assembler,
		source:     p.Source,
		clock:      p.Clock,
		interval:   p.PollingInterval,
		backoff:    p.Backoff,
		wake:       make(chan struct{}, 1),
		cursor:     p.Cache.LastCommitted(),
		runningCtx: runningCtx,
		cancelCtx:  cancel,
		errgrp:     errgrp,
	}, nil
}

// Cache exposes the cache the service fills, for proposers and diagnostics.
func (s *Service) Cache() *cache.ProofCache {
	return s.cache
}

// OnStop registers fn to run once the loop has exited.
func (s *Service) OnStop(fn func() error) {
	s.closers = append(s.closers, fn)
}

func (s *Service) Start(context.Context) error {
	s.errgrp.Go(func() error {
		return s.run(s.runningCtx)
	})
	return nil
}

// Stop cancels any assembly in flight, waits for the loop to exit and releases
// the resources registered with OnStop.
func (s *Service) Stop(context.Context) error {
	s.cancelCtx()
	err := s.errgrp.Wait()
	for i := len(s.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, s.closers[i]())
	}
	s.closers = nil
	return err
}

// AdvanceCommitted records that the subnet committed instance. Assembly of an
// instance that falls out of retention is abandoned.
func (s *Service) AdvanceCommitted(instance uint64) error {
	if err := s.cache.AdvanceCommitted(instance); err != nil {
		return err
	}

	retention := s.cache.Config().RetentionInstances
	s.lk.Lock()
	if f := s.inflight; f != nil && f.instance+retention < instance {
		log.Infow("abandoning proof assembly below retention", "instance", f.instance, "committed", instance)
		f.cancel()
	}
	s.lk.Unlock()

	s.notify()
	return nil
}

// GetProof returns the cached entry for instance. The entry is shared and must
// not be modified.
func (s *Service) GetProof(instance uint64) (*proofs.CacheEntry, bool) {
	return s.cache.Get(instance)
}

// NextProof returns the entry a proposer should include next, the one right
// after the last committed instance.
func (s *Service) NextProof() (*proofs.CacheEntry, bool) {
	return s.cache.Get(s.cache.LastCommitted() + 1)
}

func (s *Service) Status() Status {
	highest, ok := s.cache.HighestCached()
	st := Status{
		LastCommitted:   s.cache.LastCommitted(),
		HighestCached:   highest,
		HasCached:       ok,
		CachedInstances: s.cache.CachedInstances(),
		CacheBytes:      s.cache.SizeBytes(),
	}

	s.lk.Lock()
	defer s.lk.Unlock()
	st.NextInstance = s.nextInstanceLocked()
	st.Skipped = s.skipped
	st.Assembling = s.inflight != nil
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
		st.LastErrorAt = s.lastErrAt
	}
	return st
}

func (s *Service) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) run(ctx context.Context) error {
	for ctx.Err() == nil {
		progressed, err := s.step(ctx)
		if ctx.Err() != nil {
			break
		}

		s.lk.Lock()
		s.lastErr = err
		if err != nil {
			s.lastErrAt = s.clock.Now().UTC()
		}
		s.lk.Unlock()

		var wait time.Duration
		switch {
		case err != nil:
			wait = s.backoff.Duration()
			log.Warnw("proof generation step failed; retrying after backoff", "backoff", wait, "attempts", s.backoff.Attempt(), "err", err)
		case progressed:
			s.backoff.Reset()
			continue
		default:
			s.backoff.Reset()
			wait = s.interval
		}

		timer := s.clock.Timer(wait)
		select {
		case <-ctx.Done():
		case <-timer.C:
		case <-s.wake:
		}
		timer.Stop()
	}
	return nil
}

func (s *Service) nextInstanceLocked() uint64 {
	next := s.cache.LastCommitted()
	if highest, ok := s.cache.HighestCached(); ok && highest > next {
		next = highest
	}
	if s.cursor > next {
		next = s.cursor
	}
	return next + 1
}

// step processes at most one instance. It reports whether the next call can
// make progress without waiting.
func (s *Service) step(ctx context.Context) (bool, error) {
	s.lk.Lock()
	instance := s.nextInstanceLocked()
	s.lk.Unlock()
	stats.Record(ctx, metrics.ProofGeneratorInstance.M(int64(instance)))

	committed := s.cache.LastCommitted()
	if instance > committed+s.cache.Config().LookaheadInstances {
		log.Debugw("proof cache is full up to the lookahead", "next", instance, "committed", committed)
		return false, nil
	}

	res, err := s.watcher.Next(ctx, instance)
	if err != nil {
		return false, xerrors.Errorf("fetching certificate %d: %w", instance, err)
	}

	switch {
	case res.Kind == watcher.NotAvailable:
		return false, nil
	case res.Kind == watcher.Invalid:
		return false, nil
	case res.Kind.Skip():
		s.lk.Lock()
		if instance > s.cursor {
			s.cursor = instance
		}
		s.skipped++
		s.lk.Unlock()
		log.Infow("skipping F3 instance", "instance", instance, "reason", res.Kind)
		return true, nil
	}

	return s.generate(ctx, res.Certificate)
}

func (s *Service) generate(ctx context.Context, vc *proofs.ValidatedCertificate) (bool, error) {
	instance := vc.Instance()
	actx, cancel := context.WithCancel(ctx)
	s.lk.Lock()
	s.inflight = &inflight{instance: instance, cancel: cancel}
	s.lk.Unlock()
	defer func() {
		s.lk.Lock()
		s.inflight = nil
		s.lk.Unlock()
		cancel()
	}()

	bundle, err := s.assembler.Assemble(actx, vc)
	if err != nil {
		if ctx.Err() == nil && actx.Err() != nil {
			// Abandoned by AdvanceCommitted.
			return true, nil
		}
		return false, xerrors.Errorf("assembling proofs for instance %d: %w", instance, err)
	}

	cert, err := vc.Serializable()
	if err != nil {
		return false, err
	}
	entry := &proofs.CacheEntry{
		InstanceID:      instance,
		FinalizedEpochs: vc.FinalizedEpochs(),
		ProofBundle:     *bundle,
		Certificate:     cert,
		GeneratedAt:     s.clock.Now().UTC(),
	}
	if s.source != nil {
		entry.SourceRPC = s.source.CurrentURL()
	}

	switch err := s.cache.Insert(entry); {
	case err == nil:
		log.Infow("generated proof bundle", "instance", instance,
			"storageProofs", len(bundle.StorageProofs), "eventProofs", len(bundle.EventProofs),
			"blocks", len(bundle.Blocks), "source", entry.SourceRPC)
		return true, nil
	case errors.Is(err, cache.ErrBelowRetention), errors.Is(err, cache.ErrAlreadyCached):
		log.Debugw("discarding proof bundle", "instance", instance, "err", err)
		return true, nil
	default:
		return false, xerrors.Errorf("caching proofs for instance %d: %w", instance, err)
	}
}
