package watcher

import (
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-f3/blssig"
	"github.com/filecoin-project/go-f3/certs"
	"github.com/filecoin-project/go-f3/gpbft"
)

// CertValidator checks a finality certificate against the power table that
// signed it.
type CertValidator interface {
	Validate(cert *certs.FinalityCertificate, powerTable gpbft.PowerEntries) error
}

// F3Validator verifies BLS aggregate signatures of F3 certificates.
type F3Validator struct {
	verifier gpbft.Verifier
	network  gpbft.NetworkName
}

func NewF3Validator(network gpbft.NetworkName) *F3Validator {
	return &F3Validator{
		verifier: blssig.VerifierWithKeyOnG1(),
		network:  network,
	}
}

func (v *F3Validator) Validate(cert *certs.FinalityCertificate, powerTable gpbft.PowerEntries) error {
	if cert.ECChain == nil || len(cert.ECChain.TipSets) == 0 {
		return xerrors.Errorf("certificate for instance %d has an empty EC chain", cert.GPBFTInstance)
	}
	if len(powerTable) == 0 {
		return xerrors.Errorf("empty power table for instance %d", cert.GPBFTInstance)
	}
	next, _, _, err := certs.ValidateFinalityCertificates(v.verifier, v.network, powerTable, cert.GPBFTInstance, nil, cert)
	if err != nil {
		return xerrors.Errorf("validating certificate for instance %d: %w", cert.GPBFTInstance, err)
	}
	if next != cert.GPBFTInstance+1 {
		return xerrors.Errorf("certificate for instance %d was not consumed by validation", cert.GPBFTInstance)
	}
	return nil
}
