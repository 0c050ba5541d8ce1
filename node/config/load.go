package config

import (
	"bytes"
	"io"
	"os"

	"github.com/BurntSushi/toml"
	logging "github.com/ipfs/go-log/v2"
	"github.com/kelseyhightower/envconfig"
	"github.com/mitchellh/go-homedir"
	"golang.org/x/xerrors"
)

var log = logging.Logger("config")

// EnvPrefix prefixes the environment variables that override file values,
// e.g. TOPDOWN_PROOFS_PARENT_RPC_URL.
const EnvPrefix = "TOPDOWN_PROOFS"

// fileConfig is the layout of a config file: the service lives in its own
// table so that it can share a file with other node sections.
type fileConfig struct {
	ProofService *ProofService
}

// FromFile loads the [ProofService] section of the TOML file at path on top of
// def and applies environment overrides. A missing file yields def with only the
// overrides applied.
func FromFile(path string, def *ProofService) (*ProofService, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, xerrors.Errorf("expanding config path: %w", err)
	}

	file, err := os.Open(path)
	switch {
	case os.IsNotExist(err):
		if def == nil {
			return nil, xerrors.Errorf("couldn't load proof service config: %w", err)
		}
		cfg := *def
		return &cfg, ApplyEnv(&cfg)
	case err != nil:
		return nil, err
	}

	defer file.Close() //nolint:errcheck // The file is RO
	return FromReader(file, def)
}

// FromReader decodes TOML from reader on top of def, or on top of
// DefaultProofService when def is nil.
func FromReader(reader io.Reader, def *ProofService) (*ProofService, error) {
	if def == nil {
		def = DefaultProofService()
	}
	cfg := *def
	cfg.FallbackRPCURLs = append([]string(nil), def.FallbackRPCURLs...)

	md, err := toml.NewDecoder(reader).Decode(&fileConfig{ProofService: &cfg})
	if err != nil {
		return nil, xerrors.Errorf("decoding proof service config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		log.Warnw("ignoring unknown config keys", "keys", undecoded)
	}

	if err := ApplyEnv(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv overrides cfg with any TOPDOWN_PROOFS_* variables that are set.
// Unprefixed variables are never consulted.
func ApplyEnv(cfg *ProofService) error {
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return xerrors.Errorf("reading proof service environment: %w", err)
	}

	// split_words would turn ParentRPCURL into PARENT_RPCURL, so the URL
	// fields are read under their own prefixes instead.
	parent := struct{ URL string }{URL: cfg.ParentRPCURL}
	if err := envconfig.Process(EnvPrefix+"_PARENT_RPC", &parent); err != nil {
		return xerrors.Errorf("reading proof service environment: %w", err)
	}
	fallback := struct{ URLs []string }{URLs: cfg.FallbackRPCURLs}
	if err := envconfig.Process(EnvPrefix+"_FALLBACK_RPC", &fallback); err != nil {
		return xerrors.Errorf("reading proof service environment: %w", err)
	}
	cfg.ParentRPCURL, cfg.FallbackRPCURLs = parent.URL, fallback.URLs

	var err error
	if cfg.CacheDBPath, err = homedir.Expand(cfg.CacheDBPath); err != nil {
		return xerrors.Errorf("expanding cache db path: %w", err)
	}
	return nil
}

// ConfigComment renders cfg as a TOML section with every value commented out,
// suitable as a starting point for a config file.
func ConfigComment(cfg *ProofService) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := toml.NewEncoder(buf).Encode(fileConfig{ProofService: cfg}); err != nil {
		return nil, xerrors.Errorf("encoding config: %w", err)
	}

	out := new(bytes.Buffer)
	_, _ = out.WriteString("# Default config:\n")
	for _, line := range bytes.Split(bytes.TrimRight(buf.Bytes(), "\n"), []byte("\n")) {
		if len(line) > 0 && line[0] != '[' {
			_ = out.WriteByte('#')
		}
		_, _ = out.Write(line)
		_ = out.WriteByte('\n')
	}
	return out.Bytes(), nil
}
