package watcher

import (
	"context"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	logging "github.com/ipfs/go-log/v2"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-f3/certs"
	"github.com/filecoin-project/go-f3/gpbft"
	"github.com/filecoin-project/go-state-types/abi"

	"github.com/consensus-shipyard/go-topdown/api"
	"github.com/consensus-shipyard/go-topdown/metrics"
	"github.com/consensus-shipyard/go-topdown/proofs"
)

var log = logging.Logger("proofs/watcher")

const defaultPowerTableCacheSize = 16

type Kind int

const (
	// NotAvailable means the parent has not produced the certificate yet.
	NotAvailable Kind = iota
	// Ready carries a validated certificate.
	Ready
	// Stale certificates finalize epochs too far behind the parent head to be
	// worth proving.
	Stale
	// BeyondLookback certificates reach past what the parent RPC can serve.
	BeyondLookback
	// Invalid certificates failed signature validation and may be retried.
	Invalid
)

func (k Kind) String() string {
	switch k {
	case NotAvailable:
		return "not_available"
	case Ready:
		return "ready"
	case Stale:
		return "stale"
	case BeyondLookback:
		return "beyond_lookback"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Skip reports whether the instance must be passed over for good.
func (k Kind) Skip() bool {
	return k == Stale || k == BeyondLookback
}

type Result struct {
	Kind        Kind
	Instance    uint64
	Certificate *proofs.ValidatedCertificate
	// Err explains an Invalid result.
	Err error
}

type Config struct {
	NetworkName      gpbft.NetworkName
	MaxEpochLag      abi.ChainEpoch
	RPCLookbackLimit abi.ChainEpoch
	// RPCTimeout bounds every call to the parent.
	RPCTimeout          time.Duration
	PowerTableCacheSize int
}

type SkippedInstance struct {
	Instance uint64
	Kind     Kind
}

// Watcher fetches and validates the finality certificate of a given instance.
type Watcher struct {
	parent    api.ParentAPI
	validator CertValidator
	cfg       Config

	powerTables *lru.Cache[uint64, gpbft.PowerEntries]

	lk      sync.Mutex
	latest  uint64
	skipped map[uint64]Kind
}

func New(parent api.ParentAPI, validator CertValidator, cfg Config) (*Watcher, error) {
	size := cfg.PowerTableCacheSize
	if size <= 0 {
		size = defaultPowerTableCacheSize
	}
	pts, err := lru.New[uint64, gpbft.PowerEntries](size)
	if err != nil {
		return nil, xerrors.Errorf("creating power table cache: %w", err)
	}
	return &Watcher{
		parent:      parent,
		validator:   validator,
		cfg:         cfg,
		powerTables: pts,
		skipped:     make(map[uint64]Kind),
	}, nil
}

func (w *Watcher) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if w.cfg.RPCTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, w.cfg.RPCTimeout)
}

// Next looks up the certificate for instance. Errors are transient RPC
// failures; every other outcome is reported through the result kind.
func (w *Watcher) Next(ctx context.Context, instance uint64) (Result, error) {
	res := Result{Instance: instance}
	if kind, ok := w.skippedKind(instance); ok {
		res.Kind = kind
		return res, nil
	}

	cert, err := w.fetchCertificate(ctx, instance)
	if err != nil {
		return res, err
	}
	if cert == nil {
		res.Kind = NotAvailable
		return res, nil
	}
	if cert.ECChain == nil || len(cert.ECChain.TipSets) == 0 {
		res.Kind = Invalid
		res.Err = xerrors.Errorf("certificate for instance %d has an empty EC chain", instance)
		return res, nil
	}

	pt, err := w.powerTable(ctx, instance)
	if err != nil {
		return res, err
	}

	ctx = metrics.AddNetworkTag(ctx, string(w.cfg.NetworkName))
	if err := w.validator.Validate(cert, pt); err != nil {
		log.Warnw("discarding invalid finality certificate", "instance", instance, "error", err)
		stats.Record(ctx, metrics.CertificatesInvalid.M(1))
		// The power table may have been the problem; fetch it again next time.
		w.powerTables.Remove(instance)
		res.Kind = Invalid
		res.Err = err
		return res, nil
	}
	stats.Record(ctx, metrics.CertificatesValidated.M(1))

	cctx, cancel := w.callCtx(ctx)
	head, err := w.parent.ChainHead(cctx)
	cancel()
	if err != nil {
		return res, xerrors.Errorf("getting parent head: %w", err)
	}
	if head == nil {
		return res, xerrors.New("parent returned no head")
	}

	current := head.Height
	tipsets := cert.ECChain.TipSets
	lowest := abi.ChainEpoch(tipsets[0].Epoch)
	highest := abi.ChainEpoch(tipsets[len(tipsets)-1].Epoch)

	switch {
	case current-highest > w.cfg.MaxEpochLag:
		res.Kind = Stale
	case current-lowest > w.cfg.RPCLookbackLimit:
		res.Kind = BeyondLookback
	default:
		res.Kind = Ready
		res.Certificate = &proofs.ValidatedCertificate{Certificate: cert, PowerTable: pt}
		return res, nil
	}

	w.skip(ctx, instance, res.Kind)
	log.Warnw("skipping finality certificate", "instance", instance, "reason", res.Kind, "head", current, "lowest", lowest, "highest", highest)
	return res, nil
}

func (w *Watcher) fetchCertificate(ctx context.Context, instance uint64) (*certs.FinalityCertificate, error) {
	w.lk.Lock()
	known := w.latest
	w.lk.Unlock()

	if instance > known {
		cctx, cancel := w.callCtx(ctx)
		latest, err := w.parent.F3GetLatestCertificate(cctx)
		cancel()
		if api.ErrorIsIn(err, []error{api.ErrF3NotReady}) {
			log.Debugw("parent F3 is not ready yet", "instance", instance)
			return nil, nil
		}
		if err != nil {
			return nil, xerrors.Errorf("getting latest certificate: %w", err)
		}
		if latest == nil {
			return nil, nil
		}
		w.lk.Lock()
		if latest.GPBFTInstance > w.latest {
			w.latest = latest.GPBFTInstance
		}
		w.lk.Unlock()
		if latest.GPBFTInstance < instance {
			return nil, nil
		}
		if latest.GPBFTInstance == instance {
			return latest, nil
		}
	}

	cctx, cancel := w.callCtx(ctx)
	defer cancel()
	cert, err := w.parent.F3GetCertificate(cctx, instance)
	if api.ErrorIsIn(err, []error{api.ErrF3NotReady}) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Errorf("getting certificate %d: %w", instance, err)
	}
	if cert != nil && cert.GPBFTInstance != instance {
		return nil, xerrors.Errorf("parent returned certificate %d for instance %d", cert.GPBFTInstance, instance)
	}
	return cert, nil
}

func (w *Watcher) powerTable(ctx context.Context, instance uint64) (gpbft.PowerEntries, error) {
	if pt, ok := w.powerTables.Get(instance); ok {
		return pt, nil
	}
	cctx, cancel := w.callCtx(ctx)
	defer cancel()
	pt, err := w.parent.F3GetPowerTableByInstance(cctx, instance)
	if err != nil {
		return nil, xerrors.Errorf("getting power table for instance %d: %w", instance, err)
	}
	w.powerTables.Add(instance, pt)
	return pt, nil
}

func (w *Watcher) skip(ctx context.Context, instance uint64, kind Kind) {
	w.lk.Lock()
	w.skipped[instance] = kind
	w.lk.Unlock()

	ctx, _ = tag.New(ctx, tag.Upsert(metrics.SkipReason, kind.String()))
	stats.Record(ctx, metrics.CertificatesSkipped.M(1))
}

func (w *Watcher) skippedKind(instance uint64) (Kind, bool) {
	w.lk.Lock()
	defer w.lk.Unlock()
	k, ok := w.skipped[instance]
	return k, ok
}

// Skipped lists the instances passed over so far in ascending order.
func (w *Watcher) Skipped() []SkippedInstance {
	w.lk.Lock()
	defer w.lk.Unlock()
	out := make([]SkippedInstance, 0, len(w.skipped))
	for instance, kind := range w.skipped {
		out = append(out, SkippedInstance{Instance: instance, Kind: kind})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out
}

// LatestKnown is the highest certificate instance seen on the parent.
func (w *Watcher) LatestKnown() uint64 {
	w.lk.Lock()
	defer w.lk.Unlock()
	return w.latest
}
