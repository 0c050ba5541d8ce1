package api

import (
	"context"

	"github.com/ipfs/go-cid"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-f3/certs"
	"github.com/filecoin-project/go-f3/gpbft"
	"github.com/filecoin-project/go-state-types/abi"
)

// ParentAPI is the subset of the parent chain gateway API used to follow F3
// finality and to assemble proofs against finalized tipsets.
//
// Methods use the parent node's JSON-RPC names in the Filecoin namespace.
type ParentAPI interface {
	ChainHead(ctx context.Context) (*TipSet, error)
	ChainGetTipSetByHeight(ctx context.Context, h abi.ChainEpoch, tsk TipSetKey) (*TipSet, error)
	ChainReadObj(ctx context.Context, c cid.Cid) ([]byte, error)
	ChainGetParentReceipts(ctx context.Context, blockCid cid.Cid) ([]*MessageReceipt, error)
	ChainGetEvents(ctx context.Context, eventsRoot cid.Cid) ([]Event, error)

	StateGetActor(ctx context.Context, actor address.Address, tsk TipSetKey) (*Actor, error)
	StateLookupID(ctx context.Context, addr address.Address, tsk TipSetKey) (address.Address, error)

	F3GetCertificate(ctx context.Context, instance uint64) (*certs.FinalityCertificate, error)
	F3GetLatestCertificate(ctx context.Context) (*certs.FinalityCertificate, error)
	F3GetPowerTableByInstance(ctx context.Context, instance uint64) (gpbft.PowerEntries, error)
}
