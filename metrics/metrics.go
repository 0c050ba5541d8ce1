package metrics

import (
	"context"
	"time"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

// Distributions
var defaultMillisecondsDistribution = view.Distribution(
	1, 2, 3, 4, 5, 6, 8, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100,
	150, 200, 250, 300, 350, 400, 450, 500,
	600, 700, 800, 900, 1000,
	2000, 3000, 4000, 5000, 6000, 8000, 10000, 13000, 16000, 20000, 25000, 30000, 40000, 50000, 65000, 80000, 100000,
	130_000, 160_000, 200_000, 250_000, 300_000,
)

var bytesDistribution = view.Distribution(
	1<<10, 4<<10, 16<<10, 64<<10, 256<<10,
	1<<20, 4<<20, 16<<20, 64<<20,
)

// Tags
var (
	Network, _     = tag.NewKey("network")
	FailureType, _ = tag.NewKey("failure_type")
	SkipReason, _  = tag.NewKey("skip_reason")
	Endpoint, _    = tag.NewKey("endpoint")
	RPCMethod, _   = tag.NewKey("rpc_method")
)

// Measures
var (
	// votes
	VotesReceived     = stats.Int64("topdown/votes_received", "Counter for votes received over gossip", stats.UnitDimensionless)
	VotesRejected     = stats.Int64("topdown/votes_rejected", "Counter for gossiped votes that failed validation", stats.UnitDimensionless)
	VotesAccepted     = stats.Int64("topdown/votes_accepted", "Counter for votes recorded by the tally", stats.UnitDimensionless)
	VoteEquivocations = stats.Int64("topdown/vote_equivocations", "Counter for conflicting votes from one validator at one height", stats.UnitDimensionless)
	QuorumHeight      = stats.Int64("topdown/quorum_height", "Highest parent height that reached a vote quorum", stats.UnitDimensionless)

	// proofs
	CertificatesValidated  = stats.Int64("proofs/certificates_validated", "Counter for F3 certificates that passed validation", stats.UnitDimensionless)
	CertificatesInvalid    = stats.Int64("proofs/certificates_invalid", "Counter for F3 certificates that failed validation", stats.UnitDimensionless)
	CertificatesSkipped    = stats.Int64("proofs/certificates_skipped", "Counter for F3 certificates skipped by policy", stats.UnitDimensionless)
	ProofAssemblyDuration  = stats.Float64("proofs/assembly_ms", "Duration of proof bundle assembly", stats.UnitMilliseconds)
	ProofAssemblyFailure   = stats.Int64("proofs/assembly_failure", "Counter for failed proof bundle assemblies", stats.UnitDimensionless)
	ProofBundleSize        = stats.Int64("proofs/bundle_bytes", "Encoded size of assembled proof bundles", stats.UnitBytes)
	ProofCacheEntries      = stats.Int64("proofs/cache_entries", "Number of entries held by the proof cache", stats.UnitDimensionless)
	ProofCacheBytes        = stats.Int64("proofs/cache_bytes", "Bytes of proof bundles held by the proof cache", stats.UnitBytes)
	ProofCacheCommitted    = stats.Int64("proofs/cache_committed_instance", "Last committed F3 instance known to the proof cache", stats.UnitDimensionless)
	ProofGeneratorInstance = stats.Int64("proofs/generator_instance", "Next F3 instance the proof generator will process", stats.UnitDimensionless)

	// parent rpc
	ParentRPCDuration  = stats.Float64("parent/rpc_ms", "Duration of parent chain RPC calls", stats.UnitMilliseconds)
	ParentRPCFailure   = stats.Int64("parent/rpc_failure", "Counter for failed parent chain RPC calls", stats.UnitDimensionless)
	ParentRPCFailovers = stats.Int64("parent/rpc_failovers", "Counter for switches to another parent RPC endpoint", stats.UnitDimensionless)
)

var (
	VotesReceivedView = &view.View{
		Measure:     VotesReceived,
		Aggregation: view.Count(),
	}
	VotesRejectedView = &view.View{
		Measure:     VotesRejected,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{FailureType},
	}
	VotesAcceptedView = &view.View{
		Measure:     VotesAccepted,
		Aggregation: view.Count(),
	}
	VoteEquivocationsView = &view.View{
		Measure:     VoteEquivocations,
		Aggregation: view.Count(),
	}
	QuorumHeightView = &view.View{
		Measure:     QuorumHeight,
		Aggregation: view.LastValue(),
	}
	CertificatesValidatedView = &view.View{
		Measure:     CertificatesValidated,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Network},
	}
	CertificatesInvalidView = &view.View{
		Measure:     CertificatesInvalid,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Network},
	}
	CertificatesSkippedView = &view.View{
		Measure:     CertificatesSkipped,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{SkipReason},
	}
	ProofAssemblyDurationView = &view.View{
		Measure:     ProofAssemblyDuration,
		Aggregation: defaultMillisecondsDistribution,
	}
	ProofAssemblyFailureView = &view.View{
		Measure:     ProofAssemblyFailure,
		Aggregation: view.Count(),
	}
	ProofBundleSizeView = &view.View{
		Measure:     ProofBundleSize,
		Aggregation: bytesDistribution,
	}
	ProofCacheEntriesView = &view.View{
		Measure:     ProofCacheEntries,
		Aggregation: view.LastValue(),
	}
	ProofCacheBytesView = &view.View{
		Measure:     ProofCacheBytes,
		Aggregation: view.LastValue(),
	}
	ProofCacheCommittedView = &view.View{
		Measure:     ProofCacheCommitted,
		Aggregation: view.LastValue(),
	}
	ProofGeneratorInstanceView = &view.View{
		Measure:     ProofGeneratorInstance,
		Aggregation: view.LastValue(),
	}
	ParentRPCDurationView = &view.View{
		Measure:     ParentRPCDuration,
		Aggregation: defaultMillisecondsDistribution,
		TagKeys:     []tag.Key{Endpoint, RPCMethod},
	}
	ParentRPCFailureView = &view.View{
		Measure:     ParentRPCFailure,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Endpoint, RPCMethod},
	}
	ParentRPCFailoversView = &view.View{
		Measure:     ParentRPCFailovers,
		Aggregation: view.Count(),
	}
)

// DefaultViews is an array of OpenCensus views for metric gathering purposes
var DefaultViews = []*view.View{
	VotesReceivedView,
	VotesRejectedView,
	VotesAcceptedView,
	VoteEquivocationsView,
	QuorumHeightView,
	CertificatesValidatedView,
	CertificatesInvalidView,
	CertificatesSkippedView,
	ProofAssemblyDurationView,
	ProofAssemblyFailureView,
	ProofBundleSizeView,
	ProofCacheEntriesView,
	ProofCacheBytesView,
	ProofCacheCommittedView,
	ProofGeneratorInstanceView,
	ParentRPCDurationView,
	ParentRPCFailureView,
	ParentRPCFailoversView,
}

// SinceInMilliseconds returns the duration of time since the provide time as a float64.
func SinceInMilliseconds(startTime time.Time) float64 {
	return float64(time.Since(startTime).Milliseconds())
}

// Timer is a function stopwatch, calling it starts the timer,
// calling the returned function will record the duration.
func Timer(ctx context.Context, m *stats.Float64Measure) func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		stats.Record(ctx, m.M(SinceInMilliseconds(start)))
		return time.Since(start)
	}
}

// AddNetworkTag tags ctx with the F3 network the node follows.
func AddNetworkTag(ctx context.Context, network string) context.Context {
	ctx, _ = tag.New(ctx, tag.Upsert(Network, network))
	return ctx
}
