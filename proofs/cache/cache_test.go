package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/filecoin-project/go-state-types/abi"

	"github.com/consensus-shipyard/go-topdown/proofs"
)

func mkcid(t require.TestingT, data []byte) cid.Cid {
	c, err := cid.NewPrefixV1(cid.Raw, multihash.SHA2_256).Sum(data)
	require.NoError(t, err)
	return c
}

func testEntry(t require.TestingT, instance uint64) *proofs.CacheEntry {
	data := []byte(fmt.Sprintf("witness-%d", instance))
	blk := mkcid(t, data)
	epoch := abi.ChainEpoch(1000 + instance*10)
	epochs := []abi.ChainEpoch{epoch, epoch + 1}
	return &proofs.CacheEntry{
		InstanceID:      instance,
		FinalizedEpochs: epochs,
		ProofBundle: proofs.UnifiedProofBundle{
			StorageProofs: []proofs.StorageProof{{
				Epoch:     epochs[1],
				TipSetKey: []cid.Cid{blk},
				StateRoot: blk,
				ActorID:   64,
				ActorHead: blk,
			}},
			EventProofs: []proofs.EventProof{{
				Epoch:        epochs[1],
				ReceiptsRoot: blk,
				MessageIndex: 2,
				EventsRoot:   blk,
				EventIndex:   1,
				Emitter:      64,
				Entries:      []proofs.EventEntry{{Flags: 3, Key: "t1", Codec: 0x55, Value: []byte("v")}},
			}},
			Blocks: []proofs.WitnessBlock{{Cid: blk, Data: data}},
		},
		Certificate: proofs.SerializableF3Certificate{
			InstanceID:      instance,
			FinalizedEpochs: epochs,
			PowerTableCID:   blk.String(),
			Signature:       []byte("sig"),
			Signers:         []uint64{0, 2, 3},
		},
		GeneratedAt: time.Unix(1_700_000_000, 42).UTC(),
		SourceRPC:   "http://parent",
	}
}

func entrySize(t testing.TB, e *proofs.CacheEntry) uint64 {
	_, size, err := encodeEntry(e)
	require.NoError(t, err)
	return size
}

func TestWindowScenario(t *testing.T) {
	c := New(100, Config{LookaheadInstances: 5, RetentionInstances: 2})

	for i := uint64(100); i <= 105; i++ {
		require.NoError(t, c.Insert(testEntry(t, i)))
	}
	require.ErrorIs(t, c.Insert(testEntry(t, 106)), ErrBeyondLookahead)

	require.NoError(t, c.AdvanceCommitted(103))
	_, ok := c.Get(100)
	require.False(t, ok)
	for i := uint64(101); i <= 105; i++ {
		_, ok := c.Get(i)
		require.True(t, ok, "instance %d", i)
	}

	require.NoError(t, c.Insert(testEntry(t, 106)))
	require.Equal(t, []uint64{101, 102, 103, 104, 105, 106}, c.CachedInstances())

	highest, ok := c.HighestCached()
	require.True(t, ok)
	require.Equal(t, uint64(106), highest)
	require.Equal(t, uint64(103), c.LastCommitted())
}

func TestInsertRejections(t *testing.T) {
	c := New(10, Config{LookaheadInstances: 3, RetentionInstances: 1})

	require.ErrorIs(t, c.Insert(testEntry(t, 8)), ErrBelowRetention)
	require.NoError(t, c.Insert(testEntry(t, 9)))
	require.NoError(t, c.Insert(testEntry(t, 11)))
	require.ErrorIs(t, c.Insert(testEntry(t, 11)), ErrAlreadyCached)
	require.ErrorIs(t, c.Insert(testEntry(t, 10)), ErrOutOfOrder)

	require.ErrorIs(t, c.AdvanceCommitted(9), ErrCommittedRegression)
	require.NoError(t, c.AdvanceCommitted(10))
	require.Equal(t, 2, c.Len())
}

func TestWindowInvariant(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cfg := Config{
			LookaheadInstances: rapid.Uint64Range(1, 8).Draw(t, "lookahead"),
			RetentionInstances: rapid.Uint64Range(0, 4).Draw(t, "retention"),
		}
		committed := rapid.Uint64Range(0, 20).Draw(t, "initial")
		c := New(committed, cfg)

		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			if rapid.Bool().Draw(t, "advance") {
				committed += rapid.Uint64Range(0, 3).Draw(t, "delta")
				require.NoError(t, c.AdvanceCommitted(committed))
			} else {
				low := uint64(0)
				if committed > cfg.RetentionInstances+2 {
					low = committed - cfg.RetentionInstances - 2
				}
				instance := rapid.Uint64Range(low, committed+cfg.LookaheadInstances+2).Draw(t, "instance")
				_ = c.Insert(testEntry(t, instance))
			}

			for _, instance := range c.CachedInstances() {
				require.GreaterOrEqual(t, instance+cfg.RetentionInstances, c.LastCommitted())
				require.LessOrEqual(t, instance, c.LastCommitted()+cfg.LookaheadInstances)
			}
		}
	})
}

func TestSizeLimitEvictsOldest(t *testing.T) {
	e1, e2, e3 := testEntry(t, 1), testEntry(t, 2), testEntry(t, 3)
	limit := entrySize(t, e1) + entrySize(t, e2)
	c := New(1, Config{LookaheadInstances: 10, RetentionInstances: 10, MaxSizeBytes: limit})

	require.NoError(t, c.Insert(e1))
	require.NoError(t, c.Insert(e2))
	require.Equal(t, []uint64{1, 2}, c.CachedInstances())

	require.NoError(t, c.Insert(e3))
	require.Equal(t, []uint64{2, 3}, c.CachedInstances())
	require.LessOrEqual(t, c.SizeBytes(), limit)
}

func TestPersistenceRecovery(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{LookaheadInstances: 5, RetentionInstances: 2}

	c, err := NewWithPersistence(cfg, dir, 100)
	require.NoError(t, err)
	for i := uint64(100); i <= 104; i++ {
		require.NoError(t, c.Insert(testEntry(t, i)))
	}
	require.NoError(t, c.AdvanceCommitted(102))
	require.NoError(t, c.Close())

	// A lower initial instance does not roll the persisted marker back.
	c, err = NewWithPersistence(cfg, dir, 50)
	require.NoError(t, err)
	require.Equal(t, uint64(102), c.LastCommitted())
	require.Equal(t, []uint64{100, 101, 102, 103, 104}, c.CachedInstances())

	got, ok := c.Get(103)
	require.True(t, ok)
	require.Equal(t, testEntry(t, 103), got)
	require.NoError(t, c.Close())

	// A higher initial instance evicts what fell behind the retention window.
	c, err = NewWithPersistence(cfg, dir, 104)
	require.NoError(t, err)
	require.Equal(t, []uint64{102, 103, 104}, c.CachedInstances())
	require.NoError(t, c.Close())

	ds, err := OpenReadOnly(dir)
	require.NoError(t, err)
	defer ds.Close() //nolint:errcheck

	entries, err := LoadAllEntries(context.Background(), ds)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, uint64(102), entries[0].InstanceID)

	committed, ok, err := LoadLastCommitted(context.Background(), ds)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(104), committed)

	e, ok, err := LoadEntry(context.Background(), ds, 103)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, testEntry(t, 103), e)
	_, ok, err = LoadEntry(context.Background(), ds, 101)
	require.NoError(t, err)
	require.False(t, ok)

	st, err := LoadStats(context.Background(), ds)
	require.NoError(t, err)
	require.Equal(t, 3, st.Entries)
	require.Equal(t, uint64(102), st.Lowest)
	require.Equal(t, uint64(104), st.Highest)
	require.Equal(t, 3*entrySize(t, testEntry(t, 102)), st.PayloadBytes)
	require.True(t, st.HasCommitted)
}

func TestCorruptEntry(t *testing.T) {
	ctx := context.Background()
	ds := dssync.MutexWrap(datastore.NewMapDatastore())
	cfg := Config{LookaheadInstances: 5, RetentionInstances: 2}

	c, err := NewWithDatastore(cfg, ds, 7)
	require.NoError(t, err)
	require.NoError(t, c.Insert(testEntry(t, 8)))

	value, err := ds.Get(ctx, entryKey(8))
	require.NoError(t, err)

	t.Run("bit flip", func(t *testing.T) {
		flipped := append([]byte(nil), value...)
		flipped[len(flipped)-1] ^= 0x01
		require.NoError(t, ds.Put(ctx, entryKey(8), flipped))

		_, err := NewWithDatastore(cfg, ds, 7)
		require.ErrorIs(t, err, ErrCorruptEntry)
		_, err = LoadAllEntries(ctx, ds)
		require.ErrorIs(t, err, ErrCorruptEntry)
		_, _, err = LoadEntry(ctx, ds, 8)
		require.ErrorIs(t, err, ErrCorruptEntry)
		_, err = LoadStats(ctx, ds)
		require.ErrorIs(t, err, ErrCorruptEntry)
	})

	t.Run("entry under the wrong key", func(t *testing.T) {
		require.NoError(t, ds.Put(ctx, entryKey(8), value))
		require.NoError(t, ds.Put(ctx, entryKey(9), value))

		_, err := LoadAllEntries(ctx, ds)
		require.ErrorIs(t, err, ErrCorruptEntry)
		_, _, err = LoadEntry(ctx, ds, 9)
		require.ErrorIs(t, err, ErrCorruptEntry)
	})
}

func TestConcurrentReaders(t *testing.T) {
	c := New(0, Config{LookaheadInstances: 100, RetentionInstances: 1})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			_ = c.CachedInstances()
			_, _ = c.Get(uint64(i % 50))
		}
	}()
	for i := uint64(0); i < 50; i++ {
		require.NoError(t, c.Insert(testEntry(t, i)))
		if i%10 == 0 {
			require.NoError(t, c.AdvanceCommitted(i))
		}
	}
	<-done
}
