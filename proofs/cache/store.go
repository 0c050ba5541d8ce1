package cache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"

	cbor "github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	leveldb "github.com/ipfs/go-ds-leveldb"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/xerrors"

	"github.com/consensus-shipyard/go-topdown/proofs"
)

const envelopeVersion = 1

var (
	entriesPrefix = datastore.NewKey("/proofs/entries")
	committedKey  = datastore.NewKey("/proofs/last-committed")
)

var ErrCorruptEntry = errors.New("corrupt proof cache entry")

// envelope wraps every persisted entry so that a torn or bit-rotted value is
// detected on load.
type envelope struct {
	Version  uint8  `cbor:"1,keyasint"`
	Checksum []byte `cbor:"2,keyasint"`
	Payload  []byte `cbor:"3,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort: cbor.SortCanonical,
		Time: cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

func entryKey(instance uint64) datastore.Key {
	return entriesPrefix.ChildString(fmt.Sprintf("%016x", instance))
}

func instanceFromKey(k datastore.Key) (uint64, error) {
	return strconv.ParseUint(k.BaseNamespace(), 16, 64)
}

// encodeEntry returns the persisted value of e and the size of its payload.
func encodeEntry(e *proofs.CacheEntry) ([]byte, uint64, error) {
	payload, err := encMode.Marshal(e)
	if err != nil {
		return nil, 0, xerrors.Errorf("encoding cache entry %d: %w", e.InstanceID, err)
	}
	sum := blake2b.Sum256(payload)
	value, err := encMode.Marshal(&envelope{
		Version:  envelopeVersion,
		Checksum: sum[:],
		Payload:  payload,
	})
	if err != nil {
		return nil, 0, xerrors.Errorf("encoding cache envelope %d: %w", e.InstanceID, err)
	}
	return value, uint64(len(payload)), nil
}

func decodeEntry(value []byte) (*proofs.CacheEntry, uint64, error) {
	var env envelope
	if err := decMode.Unmarshal(value, &env); err != nil {
		return nil, 0, xerrors.Errorf("%w: decoding envelope: %s", ErrCorruptEntry, err)
	}
	if env.Version != envelopeVersion {
		return nil, 0, xerrors.Errorf("%w: unknown envelope version %d", ErrCorruptEntry, env.Version)
	}
	sum := blake2b.Sum256(env.Payload)
	if string(sum[:]) != string(env.Checksum) {
		return nil, 0, xerrors.Errorf("%w: checksum mismatch", ErrCorruptEntry)
	}
	var e proofs.CacheEntry
	if err := decMode.Unmarshal(env.Payload, &e); err != nil {
		return nil, 0, xerrors.Errorf("%w: decoding entry: %s", ErrCorruptEntry, err)
	}
	return &e, uint64(len(env.Payload)), nil
}

func encodeCommitted(instance uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], instance)
	return b[:]
}

type storedEntry struct {
	entry *proofs.CacheEntry
	size  uint64
}

func loadEntries(ctx context.Context, ds datastore.Read) ([]storedEntry, error) {
	res, err := ds.Query(ctx, query.Query{
		Prefix: entriesPrefix.String(),
		Orders: []query.Order{query.OrderByKey{}},
	})
	if err != nil {
		return nil, xerrors.Errorf("querying cache entries: %w", err)
	}
	rows, err := res.Rest()
	if err != nil {
		return nil, xerrors.Errorf("reading cache entries: %w", err)
	}

	out := make([]storedEntry, 0, len(rows))
	for _, row := range rows {
		key := datastore.NewKey(row.Key)
		instance, err := instanceFromKey(key)
		if err != nil {
			return nil, xerrors.Errorf("%w: bad key %s", ErrCorruptEntry, key)
		}
		e, size, err := decodeEntry(row.Value)
		if err != nil {
			return nil, xerrors.Errorf("loading instance %d: %w", instance, err)
		}
		if e.InstanceID != instance {
			return nil, xerrors.Errorf("%w: key %s holds instance %d", ErrCorruptEntry, key, e.InstanceID)
		}
		out = append(out, storedEntry{entry: e, size: size})
	}
	return out, nil
}

// LoadAllEntries reads every persisted entry in ascending instance order.
func LoadAllEntries(ctx context.Context, ds datastore.Read) ([]*proofs.CacheEntry, error) {
	stored, err := loadEntries(ctx, ds)
	if err != nil {
		return nil, err
	}
	out := make([]*proofs.CacheEntry, len(stored))
	for i, s := range stored {
		out[i] = s.entry
	}
	return out, nil
}

// LoadEntry reads the persisted entry for instance.
func LoadEntry(ctx context.Context, ds datastore.Read, instance uint64) (*proofs.CacheEntry, bool, error) {
	value, err := ds.Get(ctx, entryKey(instance))
	if errors.Is(err, datastore.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, xerrors.Errorf("reading instance %d: %w", instance, err)
	}
	e, _, err := decodeEntry(value)
	if err != nil {
		return nil, false, xerrors.Errorf("loading instance %d: %w", instance, err)
	}
	if e.InstanceID != instance {
		return nil, false, xerrors.Errorf("%w: key %s holds instance %d", ErrCorruptEntry, entryKey(instance), e.InstanceID)
	}
	return e, true, nil
}

// Stats summarizes a persisted cache.
type Stats struct {
	Entries       int
	Lowest        uint64
	Highest       uint64
	PayloadBytes  uint64
	LastCommitted uint64
	HasCommitted  bool
}

// LoadStats verifies every persisted entry and summarizes them.
func LoadStats(ctx context.Context, ds datastore.Read) (Stats, error) {
	var st Stats
	committed, ok, err := LoadLastCommitted(ctx, ds)
	if err != nil {
		return st, err
	}
	st.LastCommitted, st.HasCommitted = committed, ok

	stored, err := loadEntries(ctx, ds)
	if err != nil {
		return st, err
	}
	st.Entries = len(stored)
	for i, se := range stored {
		if i == 0 {
			st.Lowest = se.entry.InstanceID
		}
		st.Highest = se.entry.InstanceID
		st.PayloadBytes += se.size
	}
	return st, nil
}

// LoadLastCommitted reads the persisted committed instance marker.
func LoadLastCommitted(ctx context.Context, ds datastore.Read) (uint64, bool, error) {
	b, err := ds.Get(ctx, committedKey)
	if errors.Is(err, datastore.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, xerrors.Errorf("reading committed marker: %w", err)
	}
	if len(b) != 8 {
		return 0, false, xerrors.Errorf("%w: committed marker is %d bytes", ErrCorruptEntry, len(b))
	}
	return binary.BigEndian.Uint64(b), true, nil
}

// OpenReadOnly opens a persisted cache for inspection without taking the
// write path.
func OpenReadOnly(path string) (datastore.Batching, error) {
	ds, err := leveldb.NewDatastore(path, &leveldb.Options{ReadOnly: true})
	if err != nil {
		return nil, xerrors.Errorf("opening proof cache at %s: %w", path, err)
	}
	return ds, nil
}
