package vote

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-address"
)

// Observation is a validator's view of the parent chain at a given height. It
// is hashed and signed as a whole and is never mutated after construction.
type Observation struct {
	ParentHeight          uint64
	ParentHash            []byte
	CumulativeEffectsComm []byte
}

// NewObservation does not validate its inputs: whether an observation is
// correct depends on the parent chain, not on the type.
func NewObservation(parentHeight uint64, parentHash, commitment []byte) Observation {
	return Observation{
		ParentHeight:          parentHeight,
		ParentHash:            parentHash,
		CumulativeEffectsComm: commitment,
	}
}

// Bytes returns the canonical encoding of the observation, which is what gets
// signed.
func (o *Observation) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := o.MarshalCBOR(buf); err != nil {
		return nil, xerrors.Errorf("encoding observation: %w", err)
	}
	return buf.Bytes(), nil
}

// Equal reports whether both observations carry identical height, hash and
// commitment.
func (o *Observation) Equal(other *Observation) bool {
	if o == nil || other == nil {
		return o == other
	}
	return o.ParentHeight == other.ParentHeight &&
		bytes.Equal(o.ParentHash, other.ParentHash) &&
		bytes.Equal(o.CumulativeEffectsComm, other.CumulativeEffectsComm)
}

// Clone returns a deep copy of o.
func (o Observation) Clone() Observation {
	return Observation{
		ParentHeight:          o.ParentHeight,
		ParentHash:            append([]byte(nil), o.ParentHash...),
		CumulativeEffectsComm: append([]byte(nil), o.CumulativeEffectsComm...),
	}
}

func (o Observation) String() string {
	return fmt.Sprintf("Observation{height: %d, hash: %x, comm: %x}", o.ParentHeight, o.ParentHash, o.CumulativeEffectsComm)
}

// CertifiedObservation binds an Observation to the subnet height at which it
// was certified. ObservationSignature covers the observation alone and
// Signature covers (ObservationSignature, CertifiedAt).
type CertifiedObservation struct {
	Observation          Observation
	ObservationSignature []byte
	CertifiedAt          uint64
	Signature            []byte
}

func (c *CertifiedObservation) clone() CertifiedObservation {
	return CertifiedObservation{
		Observation:          c.Observation.Clone(),
		ObservationSignature: append([]byte(nil), c.ObservationSignature...),
		CertifiedAt:          c.CertifiedAt,
		Signature:            append([]byte(nil), c.Signature...),
	}
}

// CertificationPayload is the message covered by the outer signature of a
// CertifiedObservation.
type CertificationPayload struct {
	ObservationSignature []byte
	CertifiedAt          uint64
}

const ValidatorKeyLength = 65

// ValidatorKey is the uncompressed secp256k1 public key of a validator.
type ValidatorKey [ValidatorKeyLength]byte

func NewValidatorKey(pub []byte) (ValidatorKey, error) {
	var k ValidatorKey
	if len(pub) != ValidatorKeyLength {
		return k, xerrors.Errorf("validator key must be %d bytes, got %d", ValidatorKeyLength, len(pub))
	}
	if pub[0] != 0x04 {
		return k, xerrors.Errorf("validator key is not an uncompressed secp256k1 public key")
	}
	copy(k[:], pub)
	return k, nil
}

func (k ValidatorKey) Bytes() []byte {
	return k[:]
}

// Address returns the Filecoin secp256k1 address controlled by the key.
func (k ValidatorKey) Address() (address.Address, error) {
	return address.NewSecp256k1Address(k[:])
}

func (k ValidatorKey) String() string {
	return hex.EncodeToString(k[:])
}
