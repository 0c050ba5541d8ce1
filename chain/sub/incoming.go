package sub

import (
	"context"
	"errors"

	lru "github.com/hashicorp/golang-lru/v2"
	logging "github.com/ipfs/go-log/v2"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/xerrors"

	"github.com/consensus-shipyard/go-topdown/chain/tally"
	"github.com/consensus-shipyard/go-topdown/chain/vote"
	"github.com/consensus-shipyard/go-topdown/metrics"
)

var log = logging.Logger("sub")

const defaultSeenVotesCacheSize = 4096

// VoteTopic is the gossip topic carrying topdown votes for a subnet.
func VoteTopic(subnet string) string {
	return "/ipc/topdown/votes/" + subnet
}

// PowerSource reports the voting power of a validator.
type PowerSource interface {
	Power(vote.ValidatorKey) (tally.Weight, bool)
}

// VoteSink records verified votes.
type VoteSink interface {
	AddVote(*vote.Vote) (bool, error)
}

// Subscription is satisfied by *pubsub.Subscription.
type Subscription interface {
	Next(ctx context.Context) (*pubsub.Message, error)
}

// Publisher is satisfied by *pubsub.Topic.
type Publisher interface {
	Publish(ctx context.Context, data []byte, opts ...pubsub.PubOpt) error
}

// VoteValidator is the pubsub validator for the vote topic. Accepted messages
// carry the decoded *vote.Vote in ValidatorData.
type VoteValidator struct {
	power PowerSource
	seen  *lru.Cache[[32]byte, struct{}]
}

func NewVoteValidator(power PowerSource, seenCacheSize int) (*VoteValidator, error) {
	if seenCacheSize <= 0 {
		seenCacheSize = defaultSeenVotesCacheSize
	}
	seen, err := lru.New[[32]byte, struct{}](seenCacheSize)
	if err != nil {
		return nil, xerrors.Errorf("creating seen votes cache: %w", err)
	}
	return &VoteValidator{power: power, seen: seen}, nil
}

func (vv *VoteValidator) Validate(ctx context.Context, pid peer.ID, msg *pubsub.Message) pubsub.ValidationResult {
	stats.Record(ctx, metrics.VotesReceived.M(1))

	digest := blake2b.Sum256(msg.GetData())
	if vv.seen.Contains(digest) {
		return pubsub.ValidationIgnore
	}

	v, err := vote.DecodeVote(msg.GetData())
	if err != nil {
		reason := "invalid_encoding"
		if errors.Is(err, vote.ErrInvalidSignature) || errors.Is(err, vote.ErrSignerMismatch) {
			reason = "invalid_signature"
		}
		log.Warnw("rejecting gossiped vote", "peer", pid, "reason", reason, "error", err)
		recordRejection(ctx, reason)
		return pubsub.ValidationReject
	}

	if _, ok := vv.power.Power(v.Validator()); !ok {
		log.Debugw("ignoring vote from unpowered validator", "peer", pid, "validator", v.Validator())
		recordRejection(ctx, "unpowered")
		return pubsub.ValidationIgnore
	}

	vv.seen.Add(digest, struct{}{})
	msg.ValidatorData = v
	return pubsub.ValidationAccept
}

func recordRejection(ctx context.Context, reason string) {
	ctx, _ = tag.New(ctx, tag.Upsert(metrics.FailureType, reason))
	stats.Record(ctx, metrics.VotesRejected.M(1))
}

// JoinVoteTopic registers vv on the subnet vote topic, joins it and subscribes.
func JoinVoteTopic(ps *pubsub.PubSub, subnet string, vv *VoteValidator) (*pubsub.Topic, *pubsub.Subscription, error) {
	name := VoteTopic(subnet)
	if err := ps.RegisterTopicValidator(name, vv.Validate); err != nil {
		return nil, nil, xerrors.Errorf("registering vote validator: %w", err)
	}
	topic, err := ps.Join(name)
	if err != nil {
		return nil, nil, xerrors.Errorf("joining vote topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = topic.Close()
		return nil, nil, xerrors.Errorf("subscribing to vote topic: %w", err)
	}
	return topic, sub, nil
}

// HandleIncomingVotes feeds validated votes from vsub into sink until ctx is
// done. It is the only writer of gossiped votes into the tally.
func HandleIncomingVotes(ctx context.Context, vsub Subscription, sink VoteSink) {
	for {
		msg, err := vsub.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Warnw("vote subscription closed", "error", err)
			}
			return
		}

		v, ok := msg.ValidatorData.(*vote.Vote)
		if !ok {
			v, err = vote.DecodeVote(msg.GetData())
			if err != nil {
				log.Errorw("got invalid vote over pubsub", "error", err)
				continue
			}
		}

		if _, err := sink.AddVote(v); err != nil {
			log.Warnw("failed to record vote", "validator", v.Validator(), "height", v.Height(), "error", err)
		}
	}
}

// PublishVote broadcasts v on the vote topic.
func PublishVote(ctx context.Context, topic Publisher, v *vote.Vote) error {
	data, err := v.Bytes()
	if err != nil {
		return err
	}
	if err := topic.Publish(ctx, data); err != nil {
		return xerrors.Errorf("publishing vote at height %d: %w", v.Height(), err)
	}
	return nil
}
