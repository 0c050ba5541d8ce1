package vote

import (
	"bytes"
	"errors"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/xerrors"

	gocrypto "github.com/filecoin-project/go-crypto"
)

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrSignerMismatch   = errors.New("observation and certification signed by different keys")
)

// GenerateKey returns a fresh secp256k1 secret key.
func GenerateKey() ([]byte, error) {
	return gocrypto.GenerateKey()
}

// PublicKey derives the validator key of a secp256k1 secret key.
func PublicKey(sk []byte) (ValidatorKey, error) {
	return NewValidatorKey(gocrypto.PublicKey(sk))
}

// SignObservation signs obs and then binds the signature to certifiedAt.
func SignObservation(obs Observation, certifiedAt uint64, sk []byte) (*CertifiedObservation, error) {
	obsBytes, err := obs.Bytes()
	if err != nil {
		return nil, err
	}
	obsSig, err := sign(sk, obsBytes)
	if err != nil {
		return nil, xerrors.Errorf("signing observation: %w", err)
	}

	payload := CertificationPayload{ObservationSignature: obsSig, CertifiedAt: certifiedAt}
	payloadBytes, err := payload.bytes()
	if err != nil {
		return nil, err
	}
	sig, err := sign(sk, payloadBytes)
	if err != nil {
		return nil, xerrors.Errorf("signing certification: %w", err)
	}

	return &CertifiedObservation{
		Observation:          obs,
		ObservationSignature: obsSig,
		CertifiedAt:          certifiedAt,
		Signature:            sig,
	}, nil
}

// EnsureValid recovers the keys behind both signatures and returns the signer
// if they agree. It is the only way to learn who produced the payload.
func (c *CertifiedObservation) EnsureValid() (ValidatorKey, error) {
	obsBytes, err := c.Observation.Bytes()
	if err != nil {
		return ValidatorKey{}, err
	}
	obsKey, err := recoverKey(obsBytes, c.ObservationSignature)
	if err != nil {
		return ValidatorKey{}, xerrors.Errorf("%w: recovering observation signer: %s", ErrInvalidSignature, err)
	}

	payload := CertificationPayload{ObservationSignature: c.ObservationSignature, CertifiedAt: c.CertifiedAt}
	payloadBytes, err := payload.bytes()
	if err != nil {
		return ValidatorKey{}, err
	}
	certKey, err := recoverKey(payloadBytes, c.Signature)
	if err != nil {
		return ValidatorKey{}, xerrors.Errorf("%w: recovering certification signer: %s", ErrInvalidSignature, err)
	}

	if obsKey != certKey {
		return ValidatorKey{}, ErrSignerMismatch
	}
	return obsKey, nil
}

func (p *CertificationPayload) bytes() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := p.MarshalCBOR(buf); err != nil {
		return nil, xerrors.Errorf("encoding certification payload: %w", err)
	}
	return buf.Bytes(), nil
}

func sign(sk, msg []byte) ([]byte, error) {
	b2sum := blake2b.Sum256(msg)
	return gocrypto.Sign(sk, b2sum[:])
}

func recoverKey(msg, sig []byte) (ValidatorKey, error) {
	b2sum := blake2b.Sum256(msg)
	pub, err := gocrypto.EcRecover(b2sum[:], sig)
	if err != nil {
		return ValidatorKey{}, err
	}
	return NewValidatorKey(pub)
}
