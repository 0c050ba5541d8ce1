package tally_test

import (
	"math"
	"math/bits"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/consensus-shipyard/go-topdown/chain/tally"
	"github.com/consensus-shipyard/go-topdown/chain/vote"
)

type validator struct {
	sk  []byte
	key vote.ValidatorKey
}

func newValidators(t testing.TB, n int) []validator {
	vs := make([]validator, n)
	for i := range vs {
		sk, err := vote.GenerateKey()
		require.NoError(t, err)
		pk, err := vote.PublicKey(sk)
		require.NoError(t, err)
		vs[i] = validator{sk: sk, key: pk}
	}
	return vs
}

func powerOf(vs []validator, weights ...tally.Weight) map[vote.ValidatorKey]tally.Weight {
	pt := make(map[vote.ValidatorKey]tally.Weight, len(vs))
	for i, v := range vs {
		pt[v.key] = weights[i]
	}
	return pt
}

func newTally(t require.TestingT, pt map[vote.ValidatorKey]tally.Weight, finalized uint64) *tally.VoteTally {
	vt, err := tally.New(pt, finalized)
	require.NoError(t, err)
	return vt
}

func signVote(t testing.TB, v validator, obs vote.Observation) *vote.Vote {
	cert, err := vote.SignObservation(obs, 1, v.sk)
	require.NoError(t, err)
	vt, err := vote.V1Checked(cert)
	require.NoError(t, err)
	return vt
}

func TestQuorumThreshold(t *testing.T) {
	require.Equal(t, tally.Weight(1), tally.QuorumThresholdFor(0))
	require.Equal(t, tally.Weight(3), tally.QuorumThresholdFor(4))
	require.Equal(t, tally.Weight(7), tally.QuorumThresholdFor(10))
	require.Equal(t, tally.Weight(3), tally.QuorumThresholdFor(3))
	require.Equal(t, tally.Weight(4), tally.QuorumThresholdFor(5))
	require.Equal(t, tally.Weight(1<<63+1), tally.QuorumThresholdFor(3<<62))
	require.Equal(t, tally.Weight(math.MaxUint64/3*2+1), tally.QuorumThresholdFor(math.MaxUint64))

	rapid.Check(t, func(rt *rapid.T) {
		total := rapid.Uint64().Draw(rt, "total")
		threshold := tally.QuorumThresholdFor(total)
		// 3*threshold > 2*total and 3*(threshold-1) <= 2*total, in 128 bits.
		hi, lo := bits.Mul64(threshold, 3)
		twoHi, twoLo := bits.Mul64(total, 2)
		require.True(rt, hi > twoHi || (hi == twoHi && lo > twoLo))
		hi, lo = bits.Mul64(threshold-1, 3)
		require.True(rt, hi < twoHi || (hi == twoHi && lo <= twoLo))
	})
}

func TestLargeWeights(t *testing.T) {
	vs := newValidators(t, 3)
	obs := vote.NewObservation(1, []byte("hash"), []byte("comm"))

	vt := newTally(t, powerOf(vs[:2], 1<<62, 1<<62), 0)
	require.Equal(t, tally.Weight(math.MaxUint64/3+1), vt.QuorumThreshold())
	_, err := vt.AddVote(signVote(t, vs[0], obs))
	require.NoError(t, err)
	_, ok := vt.QuorumCert(1)
	require.False(t, ok, "half the power must not certify")

	_, err = tally.New(powerOf(vs, math.MaxUint64/2, math.MaxUint64/2, 2), 0)
	require.ErrorIs(t, err, tally.ErrPowerOverflow)

	err = vt.SetPowerTable(tally.PowerUpdates{{Validator: vs[2].key, Weight: math.MaxUint64}})
	require.ErrorIs(t, err, tally.ErrPowerOverflow)
	_, powered := vt.Power(vs[2].key)
	require.False(t, powered)
	require.Equal(t, tally.Weight(math.MaxUint64/3+1), vt.QuorumThreshold())
}

func TestQuorumCertIsACopy(t *testing.T) {
	vs := newValidators(t, 1)
	vt := newTally(t, powerOf(vs, 1), 0)
	_, err := vt.AddVote(signVote(t, vs[0], vote.NewObservation(1, []byte("hash"), []byte("comm"))))
	require.NoError(t, err)

	got, ok := vt.QuorumCert(1)
	require.True(t, ok)
	got.ParentHash[0] = 'X'
	got.CumulativeEffectsComm[0] = 'X'

	again, ok := vt.QuorumCert(1)
	require.True(t, ok)
	require.Equal(t, []byte("hash"), again.ParentHash)
	require.Equal(t, []byte("comm"), again.CumulativeEffectsComm)

	dump := vt.Dump()
	dump[0].Support[0].Observation.ParentHash[0] = 'Y'
	again, _ = vt.QuorumCert(1)
	require.Equal(t, []byte("hash"), again.ParentHash)
}

func TestQuorumFourEqualValidators(t *testing.T) {
	vs := newValidators(t, 4)
	obs := vote.NewObservation(10, []byte("H"), []byte("C"))
	other := vote.NewObservation(10, []byte("H'"), []byte("C"))

	t.Run("three identical votes", func(t *testing.T) {
		vt := newTally(t, powerOf(vs, 1, 1, 1, 1), 0)
		require.Equal(t, tally.Weight(3), vt.QuorumThreshold())

		for _, v := range vs[:3] {
			added, err := vt.AddVote(signVote(t, v, obs))
			require.NoError(t, err)
			require.True(t, added)
		}

		got, ok := vt.QuorumCert(10)
		require.True(t, ok)
		require.True(t, got.Equal(&obs))

		found, ok := vt.FindQuorum()
		require.True(t, ok)
		require.True(t, found.Equal(&obs))
	})

	t.Run("split votes", func(t *testing.T) {
		vt := newTally(t, powerOf(vs, 1, 1, 1, 1), 0)
		for _, v := range vs[:2] {
			_, err := vt.AddVote(signVote(t, v, obs))
			require.NoError(t, err)
		}
		_, err := vt.AddVote(signVote(t, vs[2], other))
		require.NoError(t, err)

		_, ok := vt.QuorumCert(10)
		require.False(t, ok)
		_, ok = vt.FindQuorum()
		require.False(t, ok)
	})
}

func TestQuorumStableUnderReordering(t *testing.T) {
	vs := newValidators(t, 6)
	weights := []tally.Weight{5, 1, 3, 2, 4, 1}
	votes := make([]*vote.Vote, len(vs))
	obsA := vote.NewObservation(20, []byte("a"), []byte("c"))
	obsB := vote.NewObservation(20, []byte("b"), []byte("c"))
	for i, v := range vs {
		obs := obsA
		if i == 1 {
			obs = obsB
		}
		votes[i] = signVote(t, v, obs)
	}

	rapid.Check(t, func(rt *rapid.T) {
		order := rapid.Permutation([]int{0, 1, 2, 3, 4, 5}).Draw(rt, "order")
		cut := rapid.IntRange(0, len(order)).Draw(rt, "cut")

		vt := newTally(rt, powerOf(vs, weights...), 0)
		var supportA tally.Weight
		for _, i := range order[:cut] {
			_, err := vt.AddVote(votes[i])
			require.NoError(rt, err)
			if i != 1 {
				supportA += weights[i]
			}
		}

		got, ok := vt.QuorumCert(20)
		require.Equal(rt, supportA >= vt.QuorumThreshold(), ok)
		if ok {
			require.True(rt, got.Equal(&obsA))
		}
	})
}

func TestUnpoweredAndFinalized(t *testing.T) {
	vs := newValidators(t, 3)
	vt := newTally(t, powerOf(vs[:2], 1, 1), 5)

	_, err := vt.AddVote(signVote(t, vs[2], vote.NewObservation(6, []byte("h"), nil)))
	require.ErrorIs(t, err, tally.ErrUnpoweredValidator)

	added, err := vt.AddVote(signVote(t, vs[0], vote.NewObservation(5, []byte("h"), nil)))
	require.NoError(t, err)
	require.False(t, added)

	added, err = vt.AddVote(signVote(t, vs[0], vote.NewObservation(7, []byte("h"), nil)))
	require.NoError(t, err)
	require.True(t, added)

	require.NoError(t, vt.SetFinalized(7))
	require.Empty(t, vt.Dump())
	require.ErrorIs(t, vt.SetFinalized(6), tally.ErrFinalizedRegression)
	require.Equal(t, uint64(7), vt.LastFinalizedHeight())
}

func TestEquivocationKeepsLatest(t *testing.T) {
	vs := newValidators(t, 4)
	vt := newTally(t, powerOf(vs, 1, 1, 1, 1), 0)
	first := vote.NewObservation(3, []byte("x"), []byte("c"))
	second := vote.NewObservation(3, []byte("y"), []byte("c"))

	added, err := vt.AddVote(signVote(t, vs[0], first))
	require.NoError(t, err)
	require.True(t, added)

	added, err = vt.AddVote(signVote(t, vs[0], first))
	require.NoError(t, err)
	require.False(t, added)
	require.Equal(t, uint64(0), vt.Equivocations())

	added, err = vt.AddVote(signVote(t, vs[0], second))
	require.NoError(t, err)
	require.True(t, added)
	require.Equal(t, uint64(1), vt.Equivocations())

	for _, v := range vs[1:3] {
		_, err := vt.AddVote(signVote(t, v, second))
		require.NoError(t, err)
	}
	got, ok := vt.QuorumCert(3)
	require.True(t, ok)
	require.True(t, got.Equal(&second))

	dump := vt.Dump()
	require.Len(t, dump, 1)
	require.Len(t, dump[0].Support, 1)
	require.Equal(t, tally.Weight(3), dump[0].Support[0].Weight)
}

func TestPowerTableUpdates(t *testing.T) {
	vs := newValidators(t, 4)
	obs := vote.NewObservation(9, []byte("h"), []byte("c"))
	vt := newTally(t, powerOf(vs[:3], 1, 1, 1), 0)
	require.Equal(t, tally.Weight(3), vt.QuorumThreshold())

	for _, v := range vs[:2] {
		_, err := vt.AddVote(signVote(t, v, obs))
		require.NoError(t, err)
	}
	_, ok := vt.QuorumCert(9)
	require.False(t, ok)

	// Raising the weight of a voter brings the existing votes over the line.
	require.NoError(t, vt.SetPowerTable(tally.PowerUpdates{{Validator: vs[0].key, Weight: 4}}))
	require.Equal(t, tally.Weight(5), vt.QuorumThreshold())
	_, ok = vt.QuorumCert(9)
	require.True(t, ok)

	// Removing it takes its power away from the votes it already cast.
	require.NoError(t, vt.SetPowerTable(tally.PowerUpdates{
		{Validator: vs[0].key, Weight: 0},
		{Validator: vs[3].key, Weight: 1},
	}))
	_, powered := vt.Power(vs[0].key)
	require.False(t, powered)
	require.Equal(t, tally.Weight(3), vt.QuorumThreshold())
	_, ok = vt.QuorumCert(9)
	require.False(t, ok)
}

func TestConcurrentVotes(t *testing.T) {
	vs := newValidators(t, 16)
	weights := make([]tally.Weight, len(vs))
	for i := range weights {
		weights[i] = 1
	}
	vt := newTally(t, powerOf(vs, weights...), 0)
	obs := vote.NewObservation(100, []byte("h"), []byte("c"))

	votes := make([]*vote.Vote, len(vs))
	for i, v := range vs {
		votes[i] = signVote(t, v, obs)
	}

	var wg sync.WaitGroup
	for _, v := range votes {
		wg.Add(1)
		go func(v *vote.Vote) {
			defer wg.Done()
			_, err := vt.AddVote(v)
			require.NoError(t, err)
		}(v)
	}
	wg.Wait()

	dump := vt.Dump()
	require.Len(t, dump, 1)
	require.Equal(t, tally.Weight(16), dump[0].Support[0].Weight)
	_, ok := vt.QuorumCert(100)
	require.True(t, ok)
}
