package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-bitfield"
	"github.com/filecoin-project/go-f3/certs"
	"github.com/filecoin-project/go-f3/gpbft"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"

	"github.com/consensus-shipyard/go-topdown/api"
)

// MockParent is an in-memory parent chain serving api.ParentAPI.
type MockParent struct {
	lk sync.Mutex

	head        abi.ChainEpoch
	tipsets     map[abi.ChainEpoch]*api.TipSet
	objects     map[cid.Cid][]byte
	receipts    map[cid.Cid][]*api.MessageReceipt
	events      map[cid.Cid][]api.Event
	actors      map[abi.ActorID]*api.Actor
	ids         map[address.Address]abi.ActorID
	certs       map[uint64]*certs.FinalityCertificate
	powerTables map[uint64]gpbft.PowerEntries

	failures map[string]error
	calls    map[string]int
	hook     func(ctx context.Context, method string) error
}

var _ api.ParentAPI = (*MockParent)(nil)

var ErrNotFound = xerrors.New("not found")

func NewMockParent() *MockParent {
	return &MockParent{
		tipsets:     make(map[abi.ChainEpoch]*api.TipSet),
		objects:     make(map[cid.Cid][]byte),
		receipts:    make(map[cid.Cid][]*api.MessageReceipt),
		events:      make(map[cid.Cid][]api.Event),
		actors:      make(map[abi.ActorID]*api.Actor),
		ids:         make(map[address.Address]abi.ActorID),
		certs:       make(map[uint64]*certs.FinalityCertificate),
		powerTables: make(map[uint64]gpbft.PowerEntries),
		failures:    make(map[string]error),
		calls:       make(map[string]int),
	}
}

// PutObject stores data as a raw block and returns its CID.
func (m *MockParent) PutObject(data []byte) cid.Cid {
	c, err := cid.NewPrefixV1(cid.DagCBOR, multihash.BLAKE2B_MIN+31).Sum(data)
	if err != nil {
		panic(err)
	}
	m.lk.Lock()
	defer m.lk.Unlock()
	m.objects[c] = append([]byte(nil), data...)
	return c
}

// SetObject stores data under c without checking that it hashes to c.
func (m *MockParent) SetObject(c cid.Cid, data []byte) {
	m.lk.Lock()
	defer m.lk.Unlock()
	m.objects[c] = data
}

// AddTipSet creates a single block tipset at epoch whose parent state and
// receipts roots are stored objects. The head advances to epoch if it is
// higher.
func (m *MockParent) AddTipSet(epoch abi.ChainEpoch) *api.TipSet {
	stateRoot := m.PutObject([]byte(fmt.Sprintf("state-%d", epoch)))
	receiptsRoot := m.PutObject([]byte(fmt.Sprintf("receipts-%d", epoch)))
	messages := m.PutObject([]byte(fmt.Sprintf("messages-%d", epoch)))
	miner, _ := address.NewIDAddress(1000)

	hdr := &api.BlockHeader{
		Miner:                 miner,
		Height:                epoch,
		ParentStateRoot:       stateRoot,
		ParentMessageReceipts: receiptsRoot,
		Messages:              messages,
		Timestamp:             uint64(epoch) * 30,
	}
	blk := m.PutObject([]byte(fmt.Sprintf("block-%d", epoch)))
	ts := &api.TipSet{Cids: []cid.Cid{blk}, Blocks: []*api.BlockHeader{hdr}, Height: epoch}

	m.lk.Lock()
	defer m.lk.Unlock()
	m.tipsets[epoch] = ts
	if epoch > m.head {
		m.head = epoch
	}
	return ts
}

func (m *MockParent) SetHead(epoch abi.ChainEpoch) {
	m.lk.Lock()
	defer m.lk.Unlock()
	m.head = epoch
}

// SetActor registers an actor under id with a stored head object.
func (m *MockParent) SetActor(id abi.ActorID, robust address.Address) *api.Actor {
	head := m.PutObject([]byte(fmt.Sprintf("actor-head-%d", id)))
	actor := &api.Actor{Code: head, Head: head, Nonce: 1, Balance: big.NewInt(0)}

	m.lk.Lock()
	defer m.lk.Unlock()
	m.actors[id] = actor
	if robust != address.Undef {
		m.ids[robust] = id
	}
	return actor
}

// SetEvents attaches events to the receipts executed in the parent of the
// tipset at epoch. One receipt is created per call.
func (m *MockParent) SetEvents(epoch abi.ChainEpoch, events ...api.Event) cid.Cid {
	root := m.PutObject([]byte(fmt.Sprintf("events-%d-%d", epoch, len(events))))

	m.lk.Lock()
	defer m.lk.Unlock()
	ts, ok := m.tipsets[epoch]
	if !ok {
		panic(fmt.Sprintf("no tipset at %d", epoch))
	}
	blk := ts.Cids[0]
	m.receipts[blk] = append(m.receipts[blk], &api.MessageReceipt{GasUsed: 1, EventsRoot: &root})
	m.events[root] = events
	return root
}

// AddReceipt attaches a receipt without events to the tipset at epoch.
func (m *MockParent) AddReceipt(epoch abi.ChainEpoch) {
	m.lk.Lock()
	defer m.lk.Unlock()
	blk := m.tipsets[epoch].Cids[0]
	m.receipts[blk] = append(m.receipts[blk], &api.MessageReceipt{GasUsed: 1})
}

// AddCertificate records a certificate for instance finalizing the tipsets at
// epochs, creating missing tipsets. Its power table is the one set for the
// instance, or a single entry table.
func (m *MockParent) AddCertificate(instance uint64, epochs ...abi.ChainEpoch) *certs.FinalityCertificate {
	tipsets := make([]*gpbft.TipSet, 0, len(epochs))
	for _, e := range epochs {
		m.lk.Lock()
		ts, ok := m.tipsets[e]
		m.lk.Unlock()
		if !ok {
			ts = m.AddTipSet(e)
		}
		tipsets = append(tipsets, &gpbft.TipSet{Epoch: int64(e), Key: ts.Key().Bytes()})
	}
	ptCid := m.PutObject([]byte(fmt.Sprintf("power-table-%d", instance)))

	cert := &certs.FinalityCertificate{
		GPBFTInstance:    instance,
		ECChain:          &gpbft.ECChain{TipSets: tipsets},
		SupplementalData: gpbft.SupplementalData{PowerTable: ptCid},
		Signers:          bitfield.NewFromSet([]uint64{0, 1}),
		Signature:        []byte(fmt.Sprintf("signature-%d", instance)),
	}

	m.lk.Lock()
	defer m.lk.Unlock()
	m.certs[instance] = cert
	if _, ok := m.powerTables[instance]; !ok {
		m.powerTables[instance] = gpbft.PowerEntries{
			{ID: 1, Power: gpbft.NewStoragePower(10)},
			{ID: 2, Power: gpbft.NewStoragePower(10)},
		}
	}
	return cert
}

func (m *MockParent) SetPowerTable(instance uint64, pt gpbft.PowerEntries) {
	m.lk.Lock()
	defer m.lk.Unlock()
	m.powerTables[instance] = pt
}

// FailWith makes method return err until cleared with a nil err.
func (m *MockParent) FailWith(method string, err error) {
	m.lk.Lock()
	defer m.lk.Unlock()
	if err == nil {
		delete(m.failures, method)
		return
	}
	m.failures[method] = err
}

// SetHook installs a function run before every call. A non-nil error is
// returned to the caller.
func (m *MockParent) SetHook(hook func(ctx context.Context, method string) error) {
	m.lk.Lock()
	defer m.lk.Unlock()
	m.hook = hook
}

func (m *MockParent) Calls(method string) int {
	m.lk.Lock()
	defer m.lk.Unlock()
	return m.calls[method]
}

func (m *MockParent) enter(ctx context.Context, method string) error {
	m.lk.Lock()
	m.calls[method]++
	hook := m.hook
	err := m.failures[method]
	m.lk.Unlock()

	if hook != nil {
		if err := hook(ctx, method); err != nil {
			return err
		}
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (m *MockParent) ChainHead(ctx context.Context) (*api.TipSet, error) {
	if err := m.enter(ctx, "ChainHead"); err != nil {
		return nil, err
	}
	m.lk.Lock()
	defer m.lk.Unlock()
	if ts, ok := m.tipsets[m.head]; ok {
		return ts, nil
	}
	return &api.TipSet{Height: m.head}, nil
}

func (m *MockParent) ChainGetTipSetByHeight(ctx context.Context, h abi.ChainEpoch, _ api.TipSetKey) (*api.TipSet, error) {
	if err := m.enter(ctx, "ChainGetTipSetByHeight"); err != nil {
		return nil, err
	}
	m.lk.Lock()
	defer m.lk.Unlock()
	ts, ok := m.tipsets[h]
	if !ok {
		return nil, xerrors.Errorf("tipset at %d: %w", h, ErrNotFound)
	}
	return ts, nil
}

func (m *MockParent) ChainReadObj(ctx context.Context, c cid.Cid) ([]byte, error) {
	if err := m.enter(ctx, "ChainReadObj"); err != nil {
		return nil, err
	}
	m.lk.Lock()
	defer m.lk.Unlock()
	data, ok := m.objects[c]
	if !ok {
		return nil, xerrors.Errorf("object %s: %w", c, ErrNotFound)
	}
	return data, nil
}

func (m *MockParent) ChainGetParentReceipts(ctx context.Context, blockCid cid.Cid) ([]*api.MessageReceipt, error) {
	if err := m.enter(ctx, "ChainGetParentReceipts"); err != nil {
		return nil, err
	}
	m.lk.Lock()
	defer m.lk.Unlock()
	return m.receipts[blockCid], nil
}

func (m *MockParent) ChainGetEvents(ctx context.Context, root cid.Cid) ([]api.Event, error) {
	if err := m.enter(ctx, "ChainGetEvents"); err != nil {
		return nil, err
	}
	m.lk.Lock()
	defer m.lk.Unlock()
	events, ok := m.events[root]
	if !ok {
		return nil, xerrors.Errorf("events %s: %w", root, ErrNotFound)
	}
	return events, nil
}

func (m *MockParent) StateGetActor(ctx context.Context, actor address.Address, _ api.TipSetKey) (*api.Actor, error) {
	if err := m.enter(ctx, "StateGetActor"); err != nil {
		return nil, err
	}
	id, err := address.IDFromAddress(actor)
	if err != nil {
		return nil, err
	}
	m.lk.Lock()
	defer m.lk.Unlock()
	a, ok := m.actors[abi.ActorID(id)]
	if !ok {
		return nil, xerrors.Errorf("actor %s: %w", actor, ErrNotFound)
	}
	return a, nil
}

func (m *MockParent) StateLookupID(ctx context.Context, addr address.Address, _ api.TipSetKey) (address.Address, error) {
	if err := m.enter(ctx, "StateLookupID"); err != nil {
		return address.Undef, err
	}
	m.lk.Lock()
	defer m.lk.Unlock()
	id, ok := m.ids[addr]
	if !ok {
		return address.Undef, xerrors.Errorf("address %s: %w", addr, ErrNotFound)
	}
	return address.NewIDAddress(uint64(id))
}

func (m *MockParent) F3GetCertificate(ctx context.Context, instance uint64) (*certs.FinalityCertificate, error) {
	if err := m.enter(ctx, "F3GetCertificate"); err != nil {
		return nil, err
	}
	m.lk.Lock()
	defer m.lk.Unlock()
	return m.certs[instance], nil
}

func (m *MockParent) F3GetLatestCertificate(ctx context.Context) (*certs.FinalityCertificate, error) {
	if err := m.enter(ctx, "F3GetLatestCertificate"); err != nil {
		return nil, err
	}
	m.lk.Lock()
	defer m.lk.Unlock()
	var latest *certs.FinalityCertificate
	for _, c := range m.certs {
		if latest == nil || c.GPBFTInstance > latest.GPBFTInstance {
			latest = c
		}
	}
	return latest, nil
}

func (m *MockParent) F3GetPowerTableByInstance(ctx context.Context, instance uint64) (gpbft.PowerEntries, error) {
	if err := m.enter(ctx, "F3GetPowerTableByInstance"); err != nil {
		return nil, err
	}
	m.lk.Lock()
	defer m.lk.Unlock()
	pt, ok := m.powerTables[instance]
	if !ok {
		return nil, xerrors.Errorf("power table %d: %w", instance, ErrNotFound)
	}
	return pt, nil
}
