package provider

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/go-jsonrpc"

	"github.com/consensus-shipyard/go-topdown/api"
	"github.com/consensus-shipyard/go-topdown/proofs/mock"
)

type parentHandler struct {
	api.ParentAPI
}

func serveParent(t *testing.T, parent *mock.MockParent) string {
	rpcServer := jsonrpc.NewServer()
	rpcServer.Register("Filecoin", &parentHandler{parent})
	testServ := httptest.NewServer(rpcServer)
	t.Cleanup(testServ.Close)
	return "ws://" + testServ.Listener.Addr().String()
}

func TestFailoverOverJSONRPC(t *testing.T) {
	ctx := context.Background()

	bad := mock.NewMockParent()
	bad.AddTipSet(5)
	bad.FailWith("ChainHead", errors.New("node is syncing"))
	good := mock.NewMockParent()
	good.AddTipSet(7)

	badURL, goodURL := serveParent(t, bad), serveParent(t, good)
	m, err := New(ctx, []string{badURL, goodURL}, Options{Timeout: 5 * time.Second})
	require.NoError(t, err)
	defer m.Close()

	require.Equal(t, badURL, m.CurrentURL())
	head, err := m.ChainHead(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 7, head.Height)
	require.Equal(t, goodURL, m.CurrentURL())

	cert, err := m.F3GetCertificate(ctx, 1)
	require.NoError(t, err)
	require.Nil(t, cert)

	good.AddCertificate(1, 7)
	cert, err = m.F3GetCertificate(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), cert.GPBFTInstance)
	require.Len(t, cert.ECChain.TipSets, 1)
}

func newManager(t *testing.T, opts Options, parents ...*mock.MockParent) *Manager {
	eps := make([]Endpoint, len(parents))
	for i, p := range parents {
		eps[i] = Endpoint{URL: string(rune('a' + i)), API: p}
	}
	m, err := NewWithEndpoints(eps, opts)
	require.NoError(t, err)
	return m
}

func TestCircuitBreakerOpens(t *testing.T) {
	ctx := context.Background()
	p1, p2 := mock.NewMockParent(), mock.NewMockParent()
	m := newManager(t, Options{FailureThreshold: 2, OpenTimeout: time.Hour}, p1, p2)

	p1.FailWith("ChainHead", errors.New("down"))
	_, err := m.ChainHead(ctx)
	require.NoError(t, err)
	require.Equal(t, "b", m.CurrentURL())

	p2.FailWith("ChainHead", errors.New("down"))
	_, err = m.ChainHead(ctx)
	require.Error(t, err)
	_, err = m.ChainHead(ctx)
	require.Error(t, err)
	require.Equal(t, gobreaker.StateOpen, m.providers[0].breaker.State())
	require.Equal(t, gobreaker.StateOpen, m.providers[1].breaker.State())

	p1.FailWith("ChainHead", nil)
	p2.FailWith("ChainHead", nil)
	_, err = m.ChainHead(ctx)
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	require.Equal(t, 2, p1.Calls("ChainHead"))
}

func TestCallerCancellationIsNotAFailure(t *testing.T) {
	p1, p2 := mock.NewMockParent(), mock.NewMockParent()
	m := newManager(t, Options{FailureThreshold: 1, OpenTimeout: time.Hour}, p1, p2)

	started := make(chan struct{})
	p1.SetHook(func(ctx context.Context, method string) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	_, err := m.ChainHead(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, gobreaker.StateClosed, m.providers[0].breaker.State())
	require.Equal(t, 0, p2.Calls("ChainHead"))
}

func TestPerCallTimeoutFailsOver(t *testing.T) {
	ctx := context.Background()
	p1, p2 := mock.NewMockParent(), mock.NewMockParent()
	p2.AddTipSet(3)
	m := newManager(t, Options{Timeout: 50 * time.Millisecond, FailureThreshold: 1, OpenTimeout: time.Hour}, p1, p2)

	p1.SetHook(func(ctx context.Context, method string) error {
		<-ctx.Done()
		return ctx.Err()
	})

	head, err := m.ChainHead(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, head.Height)
	require.Equal(t, gobreaker.StateOpen, m.providers[0].breaker.State())
}

func TestParentAnswersDoNotFailOver(t *testing.T) {
	ctx := context.Background()

	first, second := mock.NewMockParent(), mock.NewMockParent()
	first.FailWith("F3GetLatestCertificate", api.ErrF3NotReady)
	second.AddCertificate(1, 7)

	rpcServer := jsonrpc.NewServer(jsonrpc.WithServerErrors(api.NewRPCErrors()))
	rpcServer.Register("Filecoin", &parentHandler{first})
	testServ := httptest.NewServer(rpcServer)
	defer testServ.Close()

	m, err := New(ctx, []string{"ws://" + testServ.Listener.Addr().String(), serveParent(t, second)},
		Options{Timeout: 5 * time.Second, FailureThreshold: 1, OpenTimeout: time.Hour})
	require.NoError(t, err)
	defer m.Close()

	_, err = m.F3GetLatestCertificate(ctx)
	require.True(t, api.ErrorIsIn(err, []error{api.ErrF3NotReady}), "got %v", err)
	require.Equal(t, gobreaker.StateClosed, m.providers[0].breaker.State())
	require.Zero(t, second.Calls("F3GetLatestCertificate"))
}

func TestNoProviders(t *testing.T) {
	_, err := New(context.Background(), nil, DefaultOptions())
	require.ErrorIs(t, err, ErrNoProviders)
	_, err = NewWithEndpoints(nil, DefaultOptions())
	require.ErrorIs(t, err, ErrNoProviders)
}
