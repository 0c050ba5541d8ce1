package config

import (
	"encoding"
	"time"

	"golang.org/x/xerrors"

	"github.com/consensus-shipyard/go-topdown/proofs/assembler"
)

func DefaultProofService() *ProofService {
	return &ProofService{
		Enabled:             false,
		PollingInterval:     Duration(10 * time.Second),
		LookaheadInstances:  5,
		RetentionInstances:  2,
		RPCTimeout:          Duration(30 * time.Second),
		F3NetworkName:       "calibrationnet",
		MaxEpochLag:         100,
		RPCLookbackLimit:    2000,
		AssemblyParallelism: 4,
	}
}

// URLs returns the primary endpoint followed by the fallbacks.
func (c *ProofService) URLs() []string {
	urls := make([]string, 0, 1+len(c.FallbackRPCURLs))
	if c.ParentRPCURL != "" {
		urls = append(urls, c.ParentRPCURL)
	}
	for _, u := range c.FallbackRPCURLs {
		if u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

// Validate checks that an enabled service can be started. A disabled config is
// always valid.
func (c *ProofService) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.ParentRPCURL == "" {
		return xerrors.New("proof service: ParentRPCURL is required")
	}
	if c.PollingInterval <= 0 {
		return xerrors.Errorf("proof service: PollingInterval must be positive, got %s", time.Duration(c.PollingInterval))
	}
	if c.LookaheadInstances == 0 {
		return xerrors.New("proof service: LookaheadInstances must be at least 1")
	}
	if c.RPCTimeout < 0 {
		return xerrors.Errorf("proof service: negative RPCTimeout %s", time.Duration(c.RPCTimeout))
	}
	if c.F3NetworkName == "" {
		return xerrors.New("proof service: F3NetworkName is required")
	}
	if c.MaxEpochLag < 0 || c.RPCLookbackLimit < 0 {
		return xerrors.New("proof service: MaxEpochLag and RPCLookbackLimit must not be negative")
	}
	if c.AssemblyParallelism < 0 {
		return xerrors.Errorf("proof service: negative AssemblyParallelism %d", c.AssemblyParallelism)
	}
	switch {
	case c.GatewayActorID != 0:
	case c.GatewayEthAddress == "":
		return xerrors.New("proof service: one of GatewayActorID or GatewayEthAddress is required")
	default:
		if _, err := assembler.ParseEthAddress(c.GatewayEthAddress); err != nil {
			return xerrors.Errorf("proof service: GatewayEthAddress: %w", err)
		}
	}
	return nil
}

var _ encoding.TextMarshaler = (*Duration)(nil)
var _ encoding.TextUnmarshaler = (*Duration)(nil)

// Duration is a wrapper type for time.Duration
// for decoding and encoding from/to TOML
type Duration time.Duration

// UnmarshalText implements interface for TOML decoding
func (dur *Duration) UnmarshalText(text []byte) error {
	d, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*dur = Duration(d)
	return err
}

func (dur Duration) MarshalText() ([]byte, error) {
	d := time.Duration(dur)
	return []byte(d.String()), nil
}
