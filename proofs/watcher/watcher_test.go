package watcher_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/go-f3/certs"
	"github.com/filecoin-project/go-f3/gpbft"
	"github.com/filecoin-project/go-f3/sim"
	"github.com/filecoin-project/go-f3/sim/signing"
	"github.com/filecoin-project/go-state-types/abi"

	"github.com/consensus-shipyard/go-topdown/api"
	"github.com/consensus-shipyard/go-topdown/proofs/mock"
	"github.com/consensus-shipyard/go-topdown/proofs/watcher"
)

type fakeValidator struct {
	err   error
	calls int
}

func (f *fakeValidator) Validate(*certs.FinalityCertificate, gpbft.PowerEntries) error {
	f.calls++
	return f.err
}

var testConfig = watcher.Config{
	NetworkName:      "testnet",
	MaxEpochLag:      100,
	RPCLookbackLimit: 2000,
	RPCTimeout:       time.Second,
}

func TestNotAvailable(t *testing.T) {
	ctx := context.Background()
	parent := mock.NewMockParent()
	parent.AddCertificate(3, 10, 11)
	w, err := watcher.New(parent, &fakeValidator{}, testConfig)
	require.NoError(t, err)

	res, err := w.Next(ctx, 4)
	require.NoError(t, err)
	require.Equal(t, watcher.NotAvailable, res.Kind)
	require.Equal(t, uint64(3), w.LatestKnown())
}

func TestReady(t *testing.T) {
	ctx := context.Background()
	parent := mock.NewMockParent()
	parent.AddCertificate(1, 10, 11)
	parent.AddCertificate(2, 11, 12, 13)
	parent.SetHead(20)

	v := &fakeValidator{}
	w, err := watcher.New(parent, v, testConfig)
	require.NoError(t, err)

	for _, instance := range []uint64{2, 1} {
		res, err := w.Next(ctx, instance)
		require.NoError(t, err)
		require.Equal(t, watcher.Ready, res.Kind)
		require.Equal(t, instance, res.Certificate.Instance())
		require.NotEmpty(t, res.Certificate.PowerTable)
	}

	res, err := w.Next(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, []abi.ChainEpoch{11, 12, 13}, res.Certificate.FinalizedEpochs())
	require.Equal(t, 1, parent.Calls("F3GetLatestCertificate"))
	require.Equal(t, 2, parent.Calls("F3GetPowerTableByInstance"))
}

func TestInvalidIsRetried(t *testing.T) {
	ctx := context.Background()
	parent := mock.NewMockParent()
	parent.AddCertificate(1, 5)

	v := &fakeValidator{err: errors.New("bad aggregate")}
	w, err := watcher.New(parent, v, testConfig)
	require.NoError(t, err)

	res, err := w.Next(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, watcher.Invalid, res.Kind)
	require.Error(t, res.Err)
	require.Empty(t, w.Skipped())

	v.err = nil
	res, err = w.Next(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, watcher.Ready, res.Kind)
	require.Equal(t, 2, parent.Calls("F3GetPowerTableByInstance"))
}

func TestSkips(t *testing.T) {
	ctx := context.Background()

	t.Run("stale", func(t *testing.T) {
		parent := mock.NewMockParent()
		parent.AddCertificate(1, 10, 11)
		parent.SetHead(200)
		w, err := watcher.New(parent, &fakeValidator{}, testConfig)
		require.NoError(t, err)

		res, err := w.Next(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, watcher.Stale, res.Kind)
		require.True(t, res.Kind.Skip())
		require.Nil(t, res.Certificate)
	})

	t.Run("beyond lookback", func(t *testing.T) {
		parent := mock.NewMockParent()
		parent.AddCertificate(1, 10, 150)
		parent.SetHead(200)
		cfg := testConfig
		cfg.RPCLookbackLimit = 120
		w, err := watcher.New(parent, &fakeValidator{}, cfg)
		require.NoError(t, err)

		res, err := w.Next(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, watcher.BeyondLookback, res.Kind)

		calls := parent.Calls("F3GetCertificate") + parent.Calls("F3GetLatestCertificate")
		res, err = w.Next(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, watcher.BeyondLookback, res.Kind)
		require.Equal(t, calls, parent.Calls("F3GetCertificate")+parent.Calls("F3GetLatestCertificate"))

		require.Equal(t, []watcher.SkippedInstance{{Instance: 1, Kind: watcher.BeyondLookback}}, w.Skipped())
	})
}

func TestTransientErrors(t *testing.T) {
	ctx := context.Background()
	parent := mock.NewMockParent()
	parent.AddCertificate(1, 10)
	w, err := watcher.New(parent, &fakeValidator{}, testConfig)
	require.NoError(t, err)

	parent.FailWith("F3GetLatestCertificate", errors.New("connection refused"))
	_, err = w.Next(ctx, 1)
	require.Error(t, err)

	parent.FailWith("F3GetLatestCertificate", nil)
	parent.FailWith("ChainHead", errors.New("timeout"))
	_, err = w.Next(ctx, 1)
	require.Error(t, err)

	parent.FailWith("ChainHead", nil)
	res, err := w.Next(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, watcher.Ready, res.Kind)
}

func TestParentNotReady(t *testing.T) {
	ctx := context.Background()
	parent := mock.NewMockParent()
	parent.AddCertificate(1, 10)
	w, err := watcher.New(parent, &fakeValidator{}, testConfig)
	require.NoError(t, err)

	parent.FailWith("F3GetLatestCertificate", api.ErrF3NotReady)
	res, err := w.Next(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, watcher.NotAvailable, res.Kind)

	parent.FailWith("F3GetLatestCertificate", api.ErrF3Disabled)
	_, err = w.Next(ctx, 1)
	require.Error(t, err)
}

type nullHeadParent struct {
	*mock.MockParent
}

func (nullHeadParent) ChainHead(context.Context) (*api.TipSet, error) {
	return nil, nil
}

func TestNullHead(t *testing.T) {
	parent := mock.NewMockParent()
	parent.AddCertificate(1, 10)
	w, err := watcher.New(nullHeadParent{parent}, &fakeValidator{}, testConfig)
	require.NoError(t, err)

	_, err = w.Next(context.Background(), 1)
	require.ErrorContains(t, err, "no head")
}

func TestF3ValidatorRejectsEmptyInputs(t *testing.T) {
	v := watcher.NewF3Validator("testnet")
	require.Error(t, v.Validate(&certs.FinalityCertificate{GPBFTInstance: 1}, gpbft.PowerEntries{{ID: 1}}))

	parent := mock.NewMockParent()
	cert := parent.AddCertificate(1, 10)
	require.Error(t, v.Validate(cert, nil))
}

func TestF3ValidatorChecksSignatures(t *testing.T) {
	const network gpbft.NetworkName = "testnet"

	backend := signing.NewBLSBackend()
	powerTable := make(gpbft.PowerEntries, 4)
	for i := range powerTable {
		key, _ := backend.GenerateKey()
		powerTable[i] = gpbft.PowerEntry{
			ID:     gpbft.ActorID(i + 1),
			Power:  gpbft.NewStoragePower(10),
			PubKey: key,
		}
	}
	ptCid, err := certs.MakePowerTableCID(powerTable)
	require.NoError(t, err)

	tsg := sim.NewTipSetGenerator(7)
	chain, err := gpbft.NewChain(&gpbft.TipSet{Epoch: 100, Key: tsg.Sample(), PowerTable: ptCid})
	require.NoError(t, err)
	chain = chain.Extend(tsg.Sample(), tsg.Sample())

	justification, err := sim.MakeJustification(backend, network, chain, 5, powerTable, powerTable)
	require.NoError(t, err)
	cert, err := certs.NewFinalityCertificate(certs.MakePowerTableDiff(powerTable, powerTable), justification)
	require.NoError(t, err)

	v := watcher.NewF3Validator(network)
	require.NoError(t, v.Validate(cert, powerTable))

	require.Error(t, watcher.NewF3Validator("othernet").Validate(cert, powerTable))

	tampered := *cert
	tampered.Signature = append([]byte(nil), cert.Signature...)
	tampered.Signature[len(tampered.Signature)-1] ^= 0xff
	require.Error(t, v.Validate(&tampered, powerTable))

	other := *cert
	other.GPBFTInstance = 6
	require.Error(t, v.Validate(&other, powerTable))
}
