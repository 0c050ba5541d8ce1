package cache

import (
	"context"
	"errors"
	"sync"

	"github.com/ipfs/go-datastore"
	leveldb "github.com/ipfs/go-ds-leveldb"
	logging "github.com/ipfs/go-log/v2"
	"go.opencensus.io/stats"
	"golang.org/x/xerrors"

	"github.com/consensus-shipyard/go-topdown/metrics"
	"github.com/consensus-shipyard/go-topdown/proofs"
)

var log = logging.Logger("proofs/cache")

var (
	ErrBeyondLookahead     = errors.New("instance is beyond the lookahead window")
	ErrBelowRetention      = errors.New("instance is below the retention window")
	ErrAlreadyCached       = errors.New("instance is already cached")
	ErrOutOfOrder          = errors.New("instance is below the highest cached instance")
	ErrCommittedRegression = errors.New("committed instance cannot move backwards")
)

type Config struct {
	// LookaheadInstances bounds how far past the committed instance entries
	// may be generated.
	LookaheadInstances uint64
	// RetentionInstances is how many instances behind the committed one stay
	// cached.
	RetentionInstances uint64
	// MaxSizeBytes caps the encoded size of all cached entries. Zero means
	// unlimited.
	MaxSizeBytes uint64
}

// ProofCache holds the proof bundles of a sliding window of F3 instances
// around the last instance committed by the subnet:
//
//	[committed - RetentionInstances, committed + LookaheadInstances]
//
// When backed by a datastore every mutation is written in a single batch
// before it becomes visible in memory.
type ProofCache struct {
	cfg Config

	lk        sync.RWMutex
	entries   map[uint64]storedEntry
	order     []uint64
	committed uint64
	sizeBytes uint64

	ds      datastore.Batching
	closeDS bool
}

// New returns a memory-only cache.
func New(initialCommitted uint64, cfg Config) *ProofCache {
	c := &ProofCache{
		cfg:       cfg,
		entries:   make(map[uint64]storedEntry),
		committed: initialCommitted,
	}
	c.recordMetrics()
	return c
}

// NewWithPersistence opens a LevelDB-backed cache at dbPath and restores it.
func NewWithPersistence(cfg Config, dbPath string, initialCommitted uint64) (*ProofCache, error) {
	ds, err := leveldb.NewDatastore(dbPath, nil)
	if err != nil {
		return nil, xerrors.Errorf("opening proof cache at %s: %w", dbPath, err)
	}
	c, err := NewWithDatastore(cfg, ds, initialCommitted)
	if err != nil {
		_ = ds.Close()
		return nil, err
	}
	c.closeDS = true
	return c, nil
}

// NewWithDatastore restores a cache from ds. The committed instance is the
// larger of the persisted marker and initialCommitted; restored entries that
// fall outside the window are dropped from memory and from ds.
func NewWithDatastore(cfg Config, ds datastore.Batching, initialCommitted uint64) (*ProofCache, error) {
	ctx := context.TODO()

	committed := initialCommitted
	stored, ok, err := LoadLastCommitted(ctx, ds)
	if err != nil {
		return nil, err
	}
	if ok && stored > committed {
		committed = stored
	}

	loaded, err := loadEntries(ctx, ds)
	if err != nil {
		return nil, err
	}

	c := &ProofCache{
		cfg:       cfg,
		entries:   make(map[uint64]storedEntry, len(loaded)),
		committed: committed,
		ds:        ds,
	}

	var dropped []uint64
	for _, se := range loaded {
		instance := se.entry.InstanceID
		if !c.inWindow(instance) {
			dropped = append(dropped, instance)
			continue
		}
		c.entries[instance] = se
		c.order = append(c.order, instance)
		c.sizeBytes += se.size
	}
	dropped = append(dropped, c.evictForSize(0)...)

	if err := c.persist(nil, dropped); err != nil {
		return nil, err
	}
	c.forget(dropped)

	log.Infow("restored proof cache", "committed", c.committed, "entries", len(c.order), "dropped", len(dropped), "bytes", c.sizeBytes)
	c.recordMetrics()
	return c, nil
}

func (c *ProofCache) inWindow(instance uint64) bool {
	return instance+c.cfg.RetentionInstances >= c.committed &&
		instance <= c.committed+c.cfg.LookaheadInstances
}

// Insert adds an entry. Entries must arrive in increasing instance order and
// inside the window. The cache takes ownership of e.
func (c *ProofCache) Insert(e *proofs.CacheEntry) error {
	c.lk.Lock()
	defer c.lk.Unlock()

	instance := e.InstanceID
	switch {
	case instance > c.committed+c.cfg.LookaheadInstances:
		return xerrors.Errorf("inserting %d with committed %d: %w", instance, c.committed, ErrBeyondLookahead)
	case instance+c.cfg.RetentionInstances < c.committed:
		return xerrors.Errorf("inserting %d with committed %d: %w", instance, c.committed, ErrBelowRetention)
	}
	if _, ok := c.entries[instance]; ok {
		return xerrors.Errorf("inserting %d: %w", instance, ErrAlreadyCached)
	}
	if n := len(c.order); n > 0 && instance < c.order[n-1] {
		return xerrors.Errorf("inserting %d after %d: %w", instance, c.order[n-1], ErrOutOfOrder)
	}

	value, size, err := encodeEntry(e)
	if err != nil {
		return err
	}

	evicted := c.evictForSize(size)
	if c.cfg.MaxSizeBytes > 0 && size > c.cfg.MaxSizeBytes {
		log.Warnw("proof bundle exceeds cache size limit on its own", "instance", instance, "size", size, "limit", c.cfg.MaxSizeBytes)
	}

	if err := c.persist(&putOp{instance: instance, value: value}, evicted); err != nil {
		return err
	}

	c.forget(evicted)
	c.entries[instance] = storedEntry{entry: e, size: size}
	c.order = append(c.order, instance)
	c.sizeBytes += size

	log.Debugw("cached proof bundle", "instance", instance, "size", size, "evicted", evicted)
	stats.Record(context.TODO(), metrics.ProofBundleSize.M(int64(size)))
	c.recordMetrics()
	return nil
}

// evictForSize returns the oldest instances that must go for incoming more
// bytes to fit under MaxSizeBytes. It does not mutate the cache.
func (c *ProofCache) evictForSize(incoming uint64) []uint64 {
	if c.cfg.MaxSizeBytes == 0 {
		return nil
	}
	var evicted []uint64
	total := c.sizeBytes + incoming
	for _, instance := range c.order {
		if total <= c.cfg.MaxSizeBytes {
			break
		}
		total -= c.entries[instance].size
		evicted = append(evicted, instance)
	}
	return evicted
}

func (c *ProofCache) forget(instances []uint64) {
	if len(instances) == 0 {
		return
	}
	for _, instance := range instances {
		se, ok := c.entries[instance]
		if !ok {
			continue
		}
		c.sizeBytes -= se.size
		delete(c.entries, instance)
	}
	kept := c.order[:0]
	for _, instance := range c.order {
		if _, ok := c.entries[instance]; ok {
			kept = append(kept, instance)
		}
	}
	c.order = kept
}

type putOp struct {
	instance uint64
	value    []byte
}

// persist writes put, the committed marker and the deletions in one batch.
func (c *ProofCache) persist(put *putOp, deletes []uint64) error {
	if c.ds == nil {
		return nil
	}
	ctx := context.TODO()
	b, err := c.ds.Batch(ctx)
	if err != nil {
		return xerrors.Errorf("opening cache batch: %w", err)
	}
	if put != nil {
		if err := b.Put(ctx, entryKey(put.instance), put.value); err != nil {
			return xerrors.Errorf("writing entry %d: %w", put.instance, err)
		}
	}
	if err := b.Put(ctx, committedKey, encodeCommitted(c.committed)); err != nil {
		return xerrors.Errorf("writing committed marker: %w", err)
	}
	for _, instance := range deletes {
		if err := b.Delete(ctx, entryKey(instance)); err != nil {
			return xerrors.Errorf("deleting entry %d: %w", instance, err)
		}
	}
	if err := b.Commit(ctx); err != nil {
		return xerrors.Errorf("committing cache batch: %w", err)
	}
	return nil
}

// Get returns the entry for instance. The returned entry must not be modified.
func (c *ProofCache) Get(instance uint64) (*proofs.CacheEntry, bool) {
	c.lk.RLock()
	defer c.lk.RUnlock()
	se, ok := c.entries[instance]
	return se.entry, ok
}

// CachedInstances lists the cached instances in ascending order.
func (c *ProofCache) CachedInstances() []uint64 {
	c.lk.RLock()
	defer c.lk.RUnlock()
	return append([]uint64(nil), c.order...)
}

// AdvanceCommitted records that the subnet committed the proof of instance and
// evicts entries that fell behind the retention window. Re-committing the
// current instance is a no-op.
func (c *ProofCache) AdvanceCommitted(instance uint64) error {
	c.lk.Lock()
	defer c.lk.Unlock()

	if instance < c.committed {
		return xerrors.Errorf("advancing to %d from %d: %w", instance, c.committed, ErrCommittedRegression)
	}
	if instance == c.committed {
		return nil
	}

	prev := c.committed
	c.committed = instance
	var evicted []uint64
	for _, i := range c.order {
		if i+c.cfg.RetentionInstances >= instance {
			break
		}
		evicted = append(evicted, i)
	}
	if err := c.persist(nil, evicted); err != nil {
		c.committed = prev
		return err
	}
	c.forget(evicted)

	log.Debugw("advanced committed instance", "committed", instance, "evicted", evicted)
	c.recordMetrics()
	return nil
}

func (c *ProofCache) LastCommitted() uint64 {
	c.lk.RLock()
	defer c.lk.RUnlock()
	return c.committed
}

// HighestCached returns the highest cached instance, if any.
func (c *ProofCache) HighestCached() (uint64, bool) {
	c.lk.RLock()
	defer c.lk.RUnlock()
	if len(c.order) == 0 {
		return 0, false
	}
	return c.order[len(c.order)-1], true
}

func (c *ProofCache) Len() int {
	c.lk.RLock()
	defer c.lk.RUnlock()
	return len(c.order)
}

func (c *ProofCache) SizeBytes() uint64 {
	c.lk.RLock()
	defer c.lk.RUnlock()
	return c.sizeBytes
}

func (c *ProofCache) Config() Config {
	return c.cfg
}

// Close releases the datastore if the cache opened it.
func (c *ProofCache) Close() error {
	if c.ds == nil || !c.closeDS {
		return nil
	}
	return c.ds.Close()
}

// recordMetrics must be called with the lock held or before the cache is
// shared.
func (c *ProofCache) recordMetrics() {
	ctx := context.TODO()
	stats.Record(ctx,
		metrics.ProofCacheEntries.M(int64(len(c.order))),
		metrics.ProofCacheBytes.M(int64(c.sizeBytes)),
		metrics.ProofCacheCommitted.M(int64(c.committed)),
	)
}
