package sub

import (
	"bytes"
	"context"
	"errors"
	"testing"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	pubsub_pb "github.com/libp2p/go-libp2p-pubsub/pb"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"github.com/consensus-shipyard/go-topdown/chain/tally"
	"github.com/consensus-shipyard/go-topdown/chain/vote"
)

func toPubSub(data []byte) *pubsub.Message {
	return &pubsub.Message{Message: &pubsub_pb.Message{Data: data}}
}

func newSigner(t *testing.T) ([]byte, vote.ValidatorKey) {
	sk, err := vote.GenerateKey()
	require.NoError(t, err)
	pk, err := vote.PublicKey(sk)
	require.NoError(t, err)
	return sk, pk
}

func encodedVote(t *testing.T, sk []byte, height uint64) []byte {
	cert, err := vote.SignObservation(vote.NewObservation(height, []byte("hash"), []byte("comm")), 1, sk)
	require.NoError(t, err)
	v, err := vote.V1Checked(cert)
	require.NoError(t, err)
	data, err := v.Bytes()
	require.NoError(t, err)
	return data
}

func TestVoteTopic(t *testing.T) {
	require.Equal(t, "/ipc/topdown/votes/r314159", VoteTopic("r314159"))
}

func TestValidateVote(t *testing.T) {
	ctx := context.Background()
	sk, pk := newSigner(t)
	stranger, _ := newSigner(t)
	vt, err := tally.New(map[vote.ValidatorKey]tally.Weight{pk: 1}, 0)
	require.NoError(t, err)

	vv, err := NewVoteValidator(vt, 16)
	require.NoError(t, err)

	t.Run("valid vote is accepted once", func(t *testing.T) {
		data := encodedVote(t, sk, 5)
		msg := toPubSub(data)
		require.Equal(t, pubsub.ValidationAccept, vv.Validate(ctx, peer.ID("p"), msg))
		v, ok := msg.ValidatorData.(*vote.Vote)
		require.True(t, ok)
		require.Equal(t, pk, v.Validator())

		require.Equal(t, pubsub.ValidationIgnore, vv.Validate(ctx, peer.ID("p"), toPubSub(data)))
	})

	t.Run("garbage is rejected", func(t *testing.T) {
		require.Equal(t, pubsub.ValidationReject, vv.Validate(ctx, peer.ID("p"), toPubSub([]byte("meow"))))
		require.Equal(t, pubsub.ValidationReject, vv.Validate(ctx, peer.ID("p"), toPubSub(nil)))
	})

	t.Run("bad signature is rejected", func(t *testing.T) {
		cert, err := vote.SignObservation(vote.NewObservation(6, []byte("hash"), nil), 1, sk)
		require.NoError(t, err)
		cert.Signature[0] ^= 0xff
		cert.Signature[1] ^= 0xff
		data, err := encodeUnchecked(cert)
		require.NoError(t, err)
		require.Equal(t, pubsub.ValidationReject, vv.Validate(ctx, peer.ID("p"), toPubSub(data)))
	})

	t.Run("unpowered validator is ignored", func(t *testing.T) {
		msg := toPubSub(encodedVote(t, stranger, 7))
		require.Equal(t, pubsub.ValidationIgnore, vv.Validate(ctx, peer.ID("p"), msg))
		require.Nil(t, msg.ValidatorData)
	})
}

func encodeUnchecked(cert *vote.CertifiedObservation) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(vote.V1))
	if err := cert.MarshalCBOR(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type fakeSub struct {
	msgs []*pubsub.Message
}

func (f *fakeSub) Next(ctx context.Context) (*pubsub.Message, error) {
	if len(f.msgs) == 0 {
		return nil, errors.New("subscription cancelled")
	}
	m := f.msgs[0]
	f.msgs = f.msgs[1:]
	return m, nil
}

type fakeTopic struct {
	published [][]byte
}

func (f *fakeTopic) Publish(_ context.Context, data []byte, _ ...pubsub.PubOpt) error {
	f.published = append(f.published, data)
	return nil
}

func TestHandleIncomingVotes(t *testing.T) {
	ctx := context.Background()
	sk1, pk1 := newSigner(t)
	sk2, pk2 := newSigner(t)
	vt, err := tally.New(map[vote.ValidatorKey]tally.Weight{pk1: 1, pk2: 1}, 0)
	require.NoError(t, err)

	vv, err := NewVoteValidator(vt, 16)
	require.NoError(t, err)
	validated := toPubSub(encodedVote(t, sk1, 9))
	require.Equal(t, pubsub.ValidationAccept, vv.Validate(ctx, peer.ID("p"), validated))

	// Messages published locally skip validator data, so the handler decodes them.
	local := toPubSub(encodedVote(t, sk2, 9))

	HandleIncomingVotes(ctx, &fakeSub{msgs: []*pubsub.Message{validated, toPubSub([]byte("bad")), local}}, vt)

	got, ok := vt.QuorumCert(9)
	require.True(t, ok)
	require.Equal(t, uint64(9), got.ParentHeight)
}

func TestPublishVote(t *testing.T) {
	sk, pk := newSigner(t)
	cert, err := vote.SignObservation(vote.NewObservation(3, []byte("h"), nil), 2, sk)
	require.NoError(t, err)
	v, err := vote.V1Checked(cert)
	require.NoError(t, err)

	topic := &fakeTopic{}
	require.NoError(t, PublishVote(context.Background(), topic, v))
	require.Len(t, topic.published, 1)

	decoded, err := vote.DecodeVote(topic.published[0])
	require.NoError(t, err)
	require.Equal(t, pk, decoded.Validator())
}
