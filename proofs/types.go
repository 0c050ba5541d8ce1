package proofs

import (
	"time"

	"github.com/ipfs/go-cid"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-f3/certs"
	"github.com/filecoin-project/go-f3/gpbft"
	"github.com/filecoin-project/go-state-types/abi"
)

// ValidatedCertificate is a finality certificate whose signature has been
// checked against the power table it names.
type ValidatedCertificate struct {
	Certificate *certs.FinalityCertificate
	PowerTable  gpbft.PowerEntries
}

func (vc *ValidatedCertificate) Instance() uint64 {
	return vc.Certificate.GPBFTInstance
}

// FinalizedEpochs lists the epochs of every tipset in the certificate's EC
// chain, base included, in chain order.
func (vc *ValidatedCertificate) FinalizedEpochs() []abi.ChainEpoch {
	if vc.Certificate.ECChain == nil {
		return nil
	}
	epochs := make([]abi.ChainEpoch, 0, len(vc.Certificate.ECChain.TipSets))
	for _, ts := range vc.Certificate.ECChain.TipSets {
		epochs = append(epochs, abi.ChainEpoch(ts.Epoch))
	}
	return epochs
}

// TipSetKeyAt returns the EC chain key finalized at epoch.
func (vc *ValidatedCertificate) TipSetKeyAt(epoch abi.ChainEpoch) ([]byte, bool) {
	if vc.Certificate.ECChain == nil {
		return nil, false
	}
	for _, ts := range vc.Certificate.ECChain.TipSets {
		if abi.ChainEpoch(ts.Epoch) == epoch {
			return ts.Key, true
		}
	}
	return nil, false
}

// Serializable snapshots the certificate for persistence and inclusion in
// subnet transactions.
func (vc *ValidatedCertificate) Serializable() (SerializableF3Certificate, error) {
	max := uint64(len(vc.PowerTable))
	if max == 0 {
		return SerializableF3Certificate{}, xerrors.Errorf("certificate for instance %d has no power table", vc.Instance())
	}
	signers, err := vc.Certificate.Signers.All(max)
	if err != nil {
		return SerializableF3Certificate{}, xerrors.Errorf("listing signers of instance %d: %w", vc.Instance(), err)
	}
	return SerializableF3Certificate{
		InstanceID:      vc.Instance(),
		FinalizedEpochs: vc.FinalizedEpochs(),
		PowerTableCID:   vc.Certificate.SupplementalData.PowerTable.String(),
		Signature:       append([]byte(nil), vc.Certificate.Signature...),
		Signers:         signers,
	}, nil
}

// SerializableF3Certificate is the persisted form of a validated finality
// certificate. Signers are indexes into the power table of the instance.
type SerializableF3Certificate struct {
	InstanceID      uint64
	FinalizedEpochs []abi.ChainEpoch
	PowerTableCID   string
	Signature       []byte
	Signers         []uint64
}

// StorageProof pins the gateway actor state at a finalized tipset.
type StorageProof struct {
	Epoch     abi.ChainEpoch
	TipSetKey []cid.Cid
	StateRoot cid.Cid
	ActorID   abi.ActorID
	ActorHead cid.Cid
}

type EventEntry struct {
	Flags uint8
	Key   string
	Codec uint64
	Value []byte
}

// EventProof locates one gateway event inside the receipts of a finalized
// tipset.
type EventProof struct {
	Epoch        abi.ChainEpoch
	ReceiptsRoot cid.Cid
	MessageIndex uint64
	EventsRoot   cid.Cid
	EventIndex   uint64
	Emitter      abi.ActorID
	Entries      []EventEntry
}

// WitnessBlock is a raw IPLD block needed to verify a proof. Data hashes to Cid.
type WitnessBlock struct {
	Cid  cid.Cid
	Data []byte
}

type UnifiedProofBundle struct {
	StorageProofs []StorageProof
	EventProofs   []EventProof
	Blocks        []WitnessBlock
}

// CacheEntry is one generated proof bundle together with the certificate it
// proves.
type CacheEntry struct {
	InstanceID      uint64
	FinalizedEpochs []abi.ChainEpoch
	ProofBundle     UnifiedProofBundle
	Certificate     SerializableF3Certificate
	GeneratedAt     time.Time
	SourceRPC       string
}
