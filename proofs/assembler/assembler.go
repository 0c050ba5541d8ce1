package assembler

import (
	"bytes"
	"context"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/samber/lo"
	"go.opencensus.io/stats"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"

	"github.com/consensus-shipyard/go-topdown/api"
	"github.com/consensus-shipyard/go-topdown/metrics"
	"github.com/consensus-shipyard/go-topdown/proofs"
)

var log = logging.Logger("proofs/assembler")

// Ethereum address manager actor that owns f410 addresses.
const eamActorID = 10

const defaultParallelism = 4

type Config struct {
	// GatewayActorID takes precedence over GatewayEthAddress when set.
	GatewayActorID    abi.ActorID
	GatewayEthAddress string
	Parallelism       int
	RPCTimeout        time.Duration
}

// Assembler gathers storage proofs, event proofs and witness blocks for the
// epochs finalized by a certificate.
type Assembler struct {
	parent api.ParentAPI
	cfg    Config

	lk      sync.Mutex
	gateway abi.ActorID
}

func New(parent api.ParentAPI, cfg Config) (*Assembler, error) {
	if cfg.GatewayActorID == 0 {
		if _, err := ParseEthAddress(cfg.GatewayEthAddress); err != nil {
			return nil, xerrors.Errorf("no usable gateway identity: %w", err)
		}
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = defaultParallelism
	}
	return &Assembler{parent: parent, cfg: cfg, gateway: cfg.GatewayActorID}, nil
}

// ParseEthAddress parses a 0x-prefixed 20 byte hex address into the f410
// address the parent knows it by.
func ParseEthAddress(s string) (address.Address, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return address.Undef, xerrors.Errorf("parsing eth address %q: %w", s, err)
	}
	if len(raw) != 20 {
		return address.Undef, xerrors.Errorf("eth address %q must be 20 bytes, got %d", s, len(raw))
	}
	return address.NewDelegatedAddress(eamActorID, raw)
}

func (a *Assembler) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.cfg.RPCTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.cfg.RPCTimeout)
}

// gatewayID resolves the gateway actor ID once and remembers it.
func (a *Assembler) gatewayID(ctx context.Context) (abi.ActorID, error) {
	a.lk.Lock()
	defer a.lk.Unlock()
	if a.gateway != 0 {
		return a.gateway, nil
	}

	addr, err := ParseEthAddress(a.cfg.GatewayEthAddress)
	if err != nil {
		return 0, err
	}
	cctx, cancel := a.callCtx(ctx)
	defer cancel()
	idAddr, err := a.parent.StateLookupID(cctx, addr, api.EmptyTSK)
	if err != nil {
		return 0, xerrors.Errorf("resolving gateway %s: %w", addr, err)
	}
	id, err := address.IDFromAddress(idAddr)
	if err != nil {
		return 0, xerrors.Errorf("resolving gateway %s: %w", addr, err)
	}
	log.Infow("resolved gateway actor", "address", addr, "id", id)
	a.gateway = abi.ActorID(id)
	return a.gateway, nil
}

type epochProofs struct {
	storage proofs.StorageProof
	events  []proofs.EventProof
	blocks  []proofs.WitnessBlock
}

// Assemble builds the proof bundle for vc. The bundle is all or nothing: the
// first failing fetch cancels the others and no partial bundle is returned.
func (a *Assembler) Assemble(ctx context.Context, vc *proofs.ValidatedCertificate) (_ *proofs.UnifiedProofBundle, err error) {
	stop := metrics.Timer(ctx, metrics.ProofAssemblyDuration)
	defer func() {
		took := stop()
		if err != nil {
			stats.Record(ctx, metrics.ProofAssemblyFailure.M(1))
			return
		}
		log.Debugw("assembled proof bundle", "instance", vc.Instance(), "took", took)
	}()

	gateway, err := a.gatewayID(ctx)
	if err != nil {
		return nil, err
	}

	epochs := vc.FinalizedEpochs()
	if len(epochs) == 0 {
		return nil, xerrors.Errorf("certificate for instance %d finalizes no epochs", vc.Instance())
	}

	results := make([]epochProofs, len(epochs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Parallelism)
	for i, epoch := range epochs {
		key, _ := vc.TipSetKeyAt(epoch)
		g.Go(func() error {
			res, err := a.assembleEpoch(gctx, epoch, key, gateway)
			if err != nil {
				return xerrors.Errorf("epoch %d of instance %d: %w", epoch, vc.Instance(), err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	bundle := &proofs.UnifiedProofBundle{}
	var witnesses []proofs.WitnessBlock
	for _, r := range results {
		bundle.StorageProofs = append(bundle.StorageProofs, r.storage)
		bundle.EventProofs = append(bundle.EventProofs, r.events...)
		witnesses = append(witnesses, r.blocks...)
	}
	bundle.Blocks = lo.UniqBy(witnesses, func(b proofs.WitnessBlock) cid.Cid { return b.Cid })
	sort.Slice(bundle.Blocks, func(i, j int) bool {
		return bundle.Blocks[i].Cid.KeyString() < bundle.Blocks[j].Cid.KeyString()
	})
	return bundle, nil
}

func (a *Assembler) assembleEpoch(ctx context.Context, epoch abi.ChainEpoch, certKey []byte, gateway abi.ActorID) (epochProofs, error) {
	var out epochProofs

	cctx, cancel := a.callCtx(ctx)
	ts, err := a.parent.ChainGetTipSetByHeight(cctx, epoch, api.EmptyTSK)
	cancel()
	if err != nil {
		return out, xerrors.Errorf("getting tipset: %w", err)
	}
	if ts == nil {
		return out, xerrors.Errorf("parent returned no tipset for epoch %d", epoch)
	}
	if ts.Height != epoch || len(ts.Blocks) == 0 {
		return out, xerrors.Errorf("parent returned tipset at %d for epoch %d", ts.Height, epoch)
	}
	if !bytes.Equal(ts.Key().Bytes(), certKey) {
		return out, xerrors.Errorf("tipset %s does not match the finalized key", ts.Key())
	}

	gatewayAddr, err := address.NewIDAddress(uint64(gateway))
	if err != nil {
		return out, err
	}
	cctx, cancel = a.callCtx(ctx)
	actor, err := a.parent.StateGetActor(cctx, gatewayAddr, ts.Key())
	cancel()
	if err != nil {
		return out, xerrors.Errorf("getting gateway actor: %w", err)
	}
	if actor == nil {
		return out, xerrors.Errorf("parent returned no state for gateway actor %s", gatewayAddr)
	}
	out.storage = proofs.StorageProof{
		Epoch:     epoch,
		TipSetKey: append([]cid.Cid(nil), ts.Cids...),
		StateRoot: ts.ParentState(),
		ActorID:   gateway,
		ActorHead: actor.Head,
	}
	witnessCids := []cid.Cid{ts.ParentState(), actor.Head, ts.ParentReceipts()}

	cctx, cancel = a.callCtx(ctx)
	receipts, err := a.parent.ChainGetParentReceipts(cctx, ts.Cids[0])
	cancel()
	if err != nil {
		return out, xerrors.Errorf("getting parent receipts: %w", err)
	}
	for msgIdx, rcpt := range receipts {
		if rcpt == nil || rcpt.EventsRoot == nil {
			continue
		}
		root := *rcpt.EventsRoot
		cctx, cancel = a.callCtx(ctx)
		events, err := a.parent.ChainGetEvents(cctx, root)
		cancel()
		if err != nil {
			return out, xerrors.Errorf("getting events of message %d: %w", msgIdx, err)
		}
		matched := false
		for evIdx, ev := range events {
			if ev.Emitter != gateway {
				continue
			}
			matched = true
			out.events = append(out.events, proofs.EventProof{
				Epoch:        epoch,
				ReceiptsRoot: ts.ParentReceipts(),
				MessageIndex: uint64(msgIdx),
				EventsRoot:   root,
				EventIndex:   uint64(evIdx),
				Emitter:      ev.Emitter,
				Entries: lo.Map(ev.Entries, func(e api.EventEntry, _ int) proofs.EventEntry {
					return proofs.EventEntry{Flags: e.Flags, Key: e.Key, Codec: e.Codec, Value: e.Value}
				}),
			})
		}
		if matched {
			witnessCids = append(witnessCids, root)
		}
	}

	for _, c := range witnessCids {
		blk, err := a.readBlock(ctx, c)
		if err != nil {
			return out, err
		}
		out.blocks = append(out.blocks, proofs.WitnessBlock{Cid: blk.Cid(), Data: blk.RawData()})
	}
	return out, nil
}

// readBlock fetches c from the parent and checks that the data hashes to it.
func (a *Assembler) readBlock(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	cctx, cancel := a.callCtx(ctx)
	data, err := a.parent.ChainReadObj(cctx, c)
	cancel()
	if err != nil {
		return nil, xerrors.Errorf("reading witness %s: %w", c, err)
	}
	sum, err := c.Prefix().Sum(data)
	if err != nil {
		return nil, xerrors.Errorf("hashing witness %s: %w", c, err)
	}
	if !sum.Equals(c) {
		return nil, xerrors.Errorf("witness %s: %w", c, blocks.ErrWrongHash)
	}
	return blocks.NewBlockWithCid(data, c)
}
