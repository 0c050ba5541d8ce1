package config

// // NOTE: ONLY PUT STRUCT DEFINITIONS IN THIS FILE

// ProofService configures the F3 proof generator service. It is read from the
// [ProofService] section of the node config and can be overridden from the
// environment with the TOPDOWN_PROOFS_ prefix.
type ProofService struct {
	// Enabled starts the proof generator with the node.
	Enabled bool

	// PollingInterval is how often the generator looks for new certificates
	// when it has nothing to do.
	PollingInterval Duration `split_words:"true"`

	// LookaheadInstances bounds how far past the last committed instance the
	// generator will work.
	LookaheadInstances uint64 `split_words:"true"`
	// RetentionInstances is how many instances at or below the last committed
	// one are kept in the cache.
	RetentionInstances uint64 `split_words:"true"`

	// ParentRPCURL is the primary parent chain JSON-RPC endpoint.
	ParentRPCURL string `ignored:"true"`
	// FallbackRPCURLs are tried in order when the primary endpoint fails.
	FallbackRPCURLs []string `ignored:"true"`
	// RPCTimeout bounds a single parent RPC call.
	RPCTimeout Duration `split_words:"true"`

	// F3NetworkName is the F3 network whose certificates are followed.
	F3NetworkName string `split_words:"true"`

	// MaxCacheSizeBytes caps the cache payload size. Zero means unbounded.
	MaxCacheSizeBytes uint64 `split_words:"true"`
	// CacheDBPath is where the cache is persisted. Empty keeps it in memory.
	CacheDBPath string `split_words:"true"`

	// GatewayActorID identifies the subnet gateway on the parent chain. If it
	// is zero, GatewayEthAddress is resolved instead.
	GatewayActorID uint64 `split_words:"true"`
	// GatewayEthAddress is the 0x-prefixed delegated address of the gateway.
	GatewayEthAddress string `split_words:"true"`

	// MaxEpochLag is the largest distance between the parent head and a
	// certificate's highest epoch before the certificate is skipped as stale.
	MaxEpochLag int64 `split_words:"true"`
	// RPCLookbackLimit is how far back the parent RPC serves state.
	RPCLookbackLimit int64 `split_words:"true"`

	// AssemblyParallelism is the number of epochs assembled concurrently.
	AssemblyParallelism int `split_words:"true"`
}
