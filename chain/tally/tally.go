package tally

import (
	"context"
	"errors"
	"math/bits"
	"sort"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"go.opencensus.io/stats"
	"golang.org/x/xerrors"

	"github.com/consensus-shipyard/go-topdown/chain/vote"
	"github.com/consensus-shipyard/go-topdown/metrics"
)

var log = logging.Logger("topdown/tally")

type Weight = uint64

var (
	ErrUnpoweredValidator  = errors.New("validator has no voting power")
	ErrFinalizedRegression = errors.New("finalized height cannot move backwards")
	ErrPowerOverflow       = errors.New("total voting power overflows")
)

// PowerUpdate sets the weight of a validator. A zero weight removes it.
type PowerUpdate struct {
	Validator vote.ValidatorKey
	Weight    Weight
}

type PowerUpdates []PowerUpdate

// VoteTally collects topdown votes and decides when an observation is backed
// by a quorum of the validator power. All methods are safe for concurrent use;
// mutations are serialized on a single lock so the weighted sums and the
// threshold always refer to the same power table.
type VoteTally struct {
	lk sync.Mutex

	powerTable      map[vote.ValidatorKey]Weight
	totalPower      Weight
	quorumThreshold Weight

	lastFinalizedHeight uint64

	// height -> validator -> the latest observation received from it
	votes map[uint64]map[vote.ValidatorKey]*vote.Observation

	equivocations uint64
}

// New returns a tally over powerTable. Validators with zero weight are left
// out. The total weight must fit in a Weight.
func New(powerTable map[vote.ValidatorKey]Weight, lastFinalizedHeight uint64) (*VoteTally, error) {
	pt := make(map[vote.ValidatorKey]Weight, len(powerTable))
	for k, w := range powerTable {
		if w > 0 {
			pt[k] = w
		}
	}
	total, err := totalPower(pt)
	if err != nil {
		return nil, err
	}
	return &VoteTally{
		powerTable:          pt,
		totalPower:          total,
		quorumThreshold:     QuorumThresholdFor(total),
		lastFinalizedHeight: lastFinalizedHeight,
		votes:               make(map[uint64]map[vote.ValidatorKey]*vote.Observation),
	}, nil
}

// QuorumThresholdFor returns the smallest weight strictly greater than two
// thirds of total.
func QuorumThresholdFor(total Weight) Weight {
	// floor(2*total/3) + 1, without computing 2*total.
	q, r := total/3, total%3
	threshold := 2*q + 1
	if r == 2 {
		threshold++
	}
	return threshold
}

func totalPower(pt map[vote.ValidatorKey]Weight) (Weight, error) {
	var total, carry Weight
	for _, w := range pt {
		total, carry = bits.Add64(total, w, 0)
		if carry != 0 {
			return 0, xerrors.Errorf("%w: %d validators", ErrPowerOverflow, len(pt))
		}
	}
	return total, nil
}

// AddVote records v. It returns false without error when the vote is for a
// height that is already finalized or repeats a recorded vote. Votes from
// validators outside the power table are rejected. Signatures are not checked
// here: a *vote.Vote only exists once they have been.
func (t *VoteTally) AddVote(v *vote.Vote) (bool, error) {
	validator := v.Validator()

	t.lk.Lock()
	defer t.lk.Unlock()

	if _, ok := t.powerTable[validator]; !ok {
		return false, xerrors.Errorf("%w: %s", ErrUnpoweredValidator, validator)
	}

	height := v.Height()
	if height <= t.lastFinalizedHeight {
		log.Debugw("ignoring vote for finalized height", "height", height, "finalized", t.lastFinalizedHeight, "validator", validator)
		return false, nil
	}

	atHeight, ok := t.votes[height]
	if !ok {
		atHeight = make(map[vote.ValidatorKey]*vote.Observation)
		t.votes[height] = atHeight
	}

	obs := v.Observation()
	if prev, ok := atHeight[validator]; ok {
		if prev.Equal(&obs) {
			return false, nil
		}
		t.equivocations++
		stats.Record(context.Background(), metrics.VoteEquivocations.M(1))
		log.Warnw("validator equivocated, keeping latest vote",
			"validator", validator, "height", height, "previous", prev, "latest", obs)
	}
	atHeight[validator] = &obs
	stats.Record(context.Background(), metrics.VotesAccepted.M(1))
	return true, nil
}

// QuorumCert returns the observation at height backed by at least the quorum
// threshold of power, if any.
func (t *VoteTally) QuorumCert(height uint64) (*vote.Observation, bool) {
	t.lk.Lock()
	defer t.lk.Unlock()
	return t.quorumAt(height)
}

func (t *VoteTally) quorumAt(height uint64) (*vote.Observation, bool) {
	for _, s := range t.supportAt(height) {
		if s.Weight >= t.quorumThreshold {
			obs := s.Observation.Clone()
			return &obs, true
		}
	}
	return nil, false
}

// FindQuorum returns the highest non-finalized observation that reached a
// quorum.
func (t *VoteTally) FindQuorum() (*vote.Observation, bool) {
	t.lk.Lock()
	defer t.lk.Unlock()

	heights := t.sortedHeights()
	for i := len(heights) - 1; i >= 0; i-- {
		if obs, ok := t.quorumAt(heights[i]); ok {
			stats.Record(context.Background(), metrics.QuorumHeight.M(int64(obs.ParentHeight)))
			return obs, true
		}
	}
	return nil, false
}

// SetPowerTable applies updates and recomputes the quorum threshold in the
// same critical section, so no quorum check observes a half-applied table.
// Updates whose resulting total would overflow are rejected as a whole.
func (t *VoteTally) SetPowerTable(updates PowerUpdates) error {
	t.lk.Lock()
	defer t.lk.Unlock()

	pt := make(map[vote.ValidatorKey]Weight, len(t.powerTable)+len(updates))
	for k, w := range t.powerTable {
		pt[k] = w
	}
	for _, u := range updates {
		if u.Weight == 0 {
			delete(pt, u.Validator)
			continue
		}
		pt[u.Validator] = u.Weight
	}
	total, err := totalPower(pt)
	if err != nil {
		return err
	}
	t.powerTable = pt
	t.totalPower = total
	t.quorumThreshold = QuorumThresholdFor(total)
	log.Infow("power table updated", "validators", len(t.powerTable), "total", t.totalPower, "threshold", t.quorumThreshold)
	return nil
}

// SetFinalized advances the last finalized height and drops the votes that
// can no longer matter.
func (t *VoteTally) SetFinalized(height uint64) error {
	t.lk.Lock()
	defer t.lk.Unlock()

	if height < t.lastFinalizedHeight {
		return xerrors.Errorf("%w: %d < %d", ErrFinalizedRegression, height, t.lastFinalizedHeight)
	}
	t.lastFinalizedHeight = height
	for h := range t.votes {
		if h <= height {
			delete(t.votes, h)
		}
	}
	return nil
}

func (t *VoteTally) LastFinalizedHeight() uint64 {
	t.lk.Lock()
	defer t.lk.Unlock()
	return t.lastFinalizedHeight
}

func (t *VoteTally) QuorumThreshold() Weight {
	t.lk.Lock()
	defer t.lk.Unlock()
	return t.quorumThreshold
}

func (t *VoteTally) Power(v vote.ValidatorKey) (Weight, bool) {
	t.lk.Lock()
	defer t.lk.Unlock()
	w, ok := t.powerTable[v]
	return w, ok
}

// Equivocations counts the votes that replaced a different observation from
// the same validator at the same height.
func (t *VoteTally) Equivocations() uint64 {
	t.lk.Lock()
	defer t.lk.Unlock()
	return t.equivocations
}

// Support is the power behind one distinct observation.
type Support struct {
	Observation *vote.Observation
	Weight      Weight
	Validators  []vote.ValidatorKey
}

type HeightVotes struct {
	Height  uint64
	Support []Support
}

// Dump returns a snapshot of the collected votes, ordered by height and then
// by descending weight.
func (t *VoteTally) Dump() []HeightVotes {
	t.lk.Lock()
	defer t.lk.Unlock()

	heights := t.sortedHeights()
	out := make([]HeightVotes, 0, len(heights))
	for _, h := range heights {
		out = append(out, HeightVotes{Height: h, Support: t.supportAt(h)})
	}
	return out
}

func (t *VoteTally) sortedHeights() []uint64 {
	heights := make([]uint64, 0, len(t.votes))
	for h := range t.votes {
		heights = append(heights, h)
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })
	return heights
}

// supportAt groups the votes at height by identical observation. Weights use
// the current power table; validators removed since they voted count zero.
// Each validator counts once, so no sum exceeds the table total.
func (t *VoteTally) supportAt(height uint64) []Support {
	byKey := make(map[string]*Support)
	var keys []string
	for validator, obs := range t.votes[height] {
		b, err := obs.Bytes()
		if err != nil {
			log.Errorw("failed to encode recorded observation", "validator", validator, "err", err)
			continue
		}
		key := string(b)
		s, ok := byKey[key]
		if !ok {
			cp := obs.Clone()
			s = &Support{Observation: &cp}
			byKey[key] = s
			keys = append(keys, key)
		}
		s.Weight += t.powerTable[validator]
		s.Validators = append(s.Validators, validator)
	}

	out := make([]Support, 0, len(keys))
	for _, k := range keys {
		s := byKey[k]
		sort.Slice(s.Validators, func(i, j int) bool {
			return string(s.Validators[i][:]) < string(s.Validators[j][:])
		})
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		a, _ := out[i].Observation.Bytes()
		b, _ := out[j].Observation.Bytes()
		return string(a) < string(b)
	})
	return out
}
