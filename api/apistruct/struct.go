package apistruct

import (
	"context"

	"github.com/ipfs/go-cid"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-f3/certs"
	"github.com/filecoin-project/go-f3/gpbft"
	"github.com/filecoin-project/go-state-types/abi"

	"github.com/consensus-shipyard/go-topdown/api"
)

// ParentStruct implements api.ParentAPI passing calls to user-provided function values.
type ParentStruct struct {
	Internal struct {
		ChainHead              func(context.Context) (*api.TipSet, error)                                     `perm:"read"`
		ChainGetTipSetByHeight func(context.Context, abi.ChainEpoch, api.TipSetKey) (*api.TipSet, error)      `perm:"read"`
		ChainReadObj           func(context.Context, cid.Cid) ([]byte, error)                                 `perm:"read"`
		ChainGetParentReceipts func(context.Context, cid.Cid) ([]*api.MessageReceipt, error)                  `perm:"read"`
		ChainGetEvents         func(context.Context, cid.Cid) ([]api.Event, error)                            `perm:"read"`
		StateGetActor          func(context.Context, address.Address, api.TipSetKey) (*api.Actor, error)      `perm:"read"`
		StateLookupID          func(context.Context, address.Address, api.TipSetKey) (address.Address, error) `perm:"read"`

		F3GetCertificate          func(context.Context, uint64) (*certs.FinalityCertificate, error) `perm:"read"`
		F3GetLatestCertificate    func(context.Context) (*certs.FinalityCertificate, error)         `perm:"read"`
		F3GetPowerTableByInstance func(context.Context, uint64) (gpbft.PowerEntries, error)         `perm:"read"`
	}
}

func (c *ParentStruct) ChainHead(ctx context.Context) (*api.TipSet, error) {
	return c.Internal.ChainHead(ctx)
}

func (c *ParentStruct) ChainGetTipSetByHeight(ctx context.Context, h abi.ChainEpoch, tsk api.TipSetKey) (*api.TipSet, error) {
	return c.Internal.ChainGetTipSetByHeight(ctx, h, tsk)
}

func (c *ParentStruct) ChainReadObj(ctx context.Context, obj cid.Cid) ([]byte, error) {
	return c.Internal.ChainReadObj(ctx, obj)
}

func (c *ParentStruct) ChainGetParentReceipts(ctx context.Context, b cid.Cid) ([]*api.MessageReceipt, error) {
	return c.Internal.ChainGetParentReceipts(ctx, b)
}

func (c *ParentStruct) ChainGetEvents(ctx context.Context, root cid.Cid) ([]api.Event, error) {
	return c.Internal.ChainGetEvents(ctx, root)
}

func (c *ParentStruct) StateGetActor(ctx context.Context, actor address.Address, tsk api.TipSetKey) (*api.Actor, error) {
	return c.Internal.StateGetActor(ctx, actor, tsk)
}

func (c *ParentStruct) StateLookupID(ctx context.Context, addr address.Address, tsk api.TipSetKey) (address.Address, error) {
	return c.Internal.StateLookupID(ctx, addr, tsk)
}

func (c *ParentStruct) F3GetCertificate(ctx context.Context, instance uint64) (*certs.FinalityCertificate, error) {
	return c.Internal.F3GetCertificate(ctx, instance)
}

func (c *ParentStruct) F3GetLatestCertificate(ctx context.Context) (*certs.FinalityCertificate, error) {
	return c.Internal.F3GetLatestCertificate(ctx)
}

func (c *ParentStruct) F3GetPowerTableByInstance(ctx context.Context, instance uint64) (gpbft.PowerEntries, error) {
	return c.Internal.F3GetPowerTableByInstance(ctx, instance)
}

var _ api.ParentAPI = &ParentStruct{}
