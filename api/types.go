package api

import (
	"bytes"
	"strings"

	"github.com/ipfs/go-cid"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/filecoin-project/go-state-types/exitcode"
)

// TipSetKey is the ordered list of block CIDs identifying a tipset. It has the
// same JSON form as the parent node's key type.
type TipSetKey []cid.Cid

var EmptyTSK = TipSetKey{}

// Bytes returns the concatenated CID bytes, the form F3 uses for EC chain keys.
func (k TipSetKey) Bytes() []byte {
	var buf bytes.Buffer
	for _, c := range k {
		buf.Write(c.Bytes())
	}
	return buf.Bytes()
}

func (k TipSetKey) String() string {
	b := strings.Builder{}
	b.WriteString("{")
	for i, c := range k {
		b.WriteString(c.String())
		if i < len(k)-1 {
			b.WriteString(",")
		}
	}
	b.WriteString("}")
	return b.String()
}

// BlockHeader carries the header fields this node reads from the parent.
type BlockHeader struct {
	Miner                 address.Address
	Parents               []cid.Cid
	Height                abi.ChainEpoch
	ParentStateRoot       cid.Cid
	ParentMessageReceipts cid.Cid
	Messages              cid.Cid
	Timestamp             uint64
}

type TipSet struct {
	Cids   []cid.Cid
	Blocks []*BlockHeader
	Height abi.ChainEpoch
}

func (ts *TipSet) Key() TipSetKey {
	return TipSetKey(ts.Cids)
}

// ParentState is the state root all blocks of the tipset were executed on top
// of.
func (ts *TipSet) ParentState() cid.Cid {
	return ts.Blocks[0].ParentStateRoot
}

func (ts *TipSet) ParentReceipts() cid.Cid {
	return ts.Blocks[0].ParentMessageReceipts
}

type MessageReceipt struct {
	ExitCode   exitcode.ExitCode
	Return     []byte
	GasUsed    int64
	EventsRoot *cid.Cid
}

type Event struct {
	// The ID of the actor that emitted this event.
	Emitter abi.ActorID

	// Key values making up this event.
	Entries []EventEntry
}

type EventEntry struct {
	// A bitmap conveying metadata or hints about this entry.
	Flags uint8

	// The key of this event entry
	Key string

	// The event value's codec
	Codec uint64

	// The event value
	Value []byte
}

type Actor struct {
	Code    cid.Cid
	Head    cid.Cid
	Nonce   uint64
	Balance big.Int
}
