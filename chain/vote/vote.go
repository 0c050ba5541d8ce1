package vote

import (
	"bytes"
	"errors"

	"golang.org/x/xerrors"
)

type Version uint8

// V1 is the only vote scheme: a secp256k1 CertifiedObservation whose signer is
// recovered from its signatures.
const V1 Version = 0

var (
	ErrInvalidVersion = errors.New("invalid vote version")
	ErrEmptyVote      = errors.New("empty vote payload")
	ErrMalformedVote  = errors.New("malformed vote")
)

// Vote is a CertifiedObservation whose signatures have been checked. The
// fields are unexported so that a Vote can only be obtained through V1Checked
// or DecodeVote, which makes its validator attribution unconditional.
type Vote struct {
	version   Version
	validator ValidatorKey
	payload   CertifiedObservation
}

// V1Checked verifies the payload signatures and wraps it in a Vote attributed
// to the recovered key.
func V1Checked(obs *CertifiedObservation) (*Vote, error) {
	payload := obs.clone()
	validator, err := payload.EnsureValid()
	if err != nil {
		return nil, err
	}
	return &Vote{
		version:   V1,
		validator: validator,
		payload:   payload,
	}, nil
}

func (v *Vote) Version() Version {
	return v.version
}

// Validator is the key recovered from the payload signatures.
func (v *Vote) Validator() ValidatorKey {
	return v.validator
}

func (v *Vote) Payload() CertifiedObservation {
	return v.payload.clone()
}

func (v *Vote) Observation() Observation {
	return v.payload.Observation.Clone()
}

func (v *Vote) Height() uint64 {
	return v.payload.Observation.ParentHeight
}

// Bytes encodes the vote for gossip as [version][certified observation].
func (v *Vote) Bytes() ([]byte, error) {
	if v.version != V1 {
		return nil, ErrInvalidVersion
	}
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(v.version))
	if err := v.payload.MarshalCBOR(buf); err != nil {
		return nil, xerrors.Errorf("encoding certified observation: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeVote parses and verifies a gossiped vote. Unknown versions and trailing
// bytes are rejected.
func DecodeVote(data []byte) (*Vote, error) {
	if len(data) == 0 {
		return nil, ErrEmptyVote
	}
	if Version(data[0]) != V1 {
		return nil, xerrors.Errorf("%w: %d", ErrInvalidVersion, data[0])
	}

	r := bytes.NewReader(data[1:])
	var obs CertifiedObservation
	if err := obs.UnmarshalCBOR(r); err != nil {
		return nil, xerrors.Errorf("%w: decoding certified observation: %s", ErrMalformedVote, err)
	}
	if r.Len() != 0 {
		return nil, xerrors.Errorf("%w: %d trailing bytes", ErrMalformedVote, r.Len())
	}
	return V1Checked(&obs)
}
