package api

import (
	"errors"
	"reflect"

	"github.com/filecoin-project/go-jsonrpc"
)

// Error codes assigned by the parent node. The values must stay in step with
// the parent, so unused codes keep their slots.
const (
	EOutOfGas = iota + jsonrpc.FirstUserCode
	EActorNotFound
	EF3Disabled
	_ // participation ticket invalid
	_ // participation ticket expired
	_ // participation issuer mismatch
	_ // participation too many instances
	_ // participation ticket starts before existing lease
	EF3NotReady
)

var (
	// ErrF3Disabled signals that the parent does not run F3.
	ErrF3Disabled = &errF3Disabled{}
	// ErrF3NotReady signals that F3 on the parent has not caught up yet. The
	// caller should back off and try again later.
	ErrF3NotReady = &errF3NotReady{}

	_ error = (*ErrOutOfGas)(nil)
	_ error = (*ErrActorNotFound)(nil)
	_ error = (*errF3Disabled)(nil)
	_ error = (*errF3NotReady)(nil)
)

// NewRPCErrors builds the table that maps the parent's error codes to the
// typed errors below. Clients and test servers each take their own.
func NewRPCErrors() jsonrpc.Errors {
	errs := jsonrpc.NewErrors()
	errs.Register(EOutOfGas, new(*ErrOutOfGas))
	errs.Register(EActorNotFound, new(*ErrActorNotFound))
	errs.Register(EF3Disabled, new(*errF3Disabled))
	errs.Register(EF3NotReady, new(*errF3NotReady))
	return errs
}

func ErrorIsIn(err error, errorTypes []error) bool {
	for _, etype := range errorTypes {
		tmp := reflect.New(reflect.PointerTo(reflect.ValueOf(etype).Elem().Type())).Interface()
		if errors.As(err, tmp) {
			return true
		}
	}
	return false
}

// IsParentAnswer reports whether err is a definite answer from a healthy
// parent, which another provider would give as well.
func IsParentAnswer(err error) bool {
	return ErrorIsIn(err, []error{&ErrOutOfGas{}, &ErrActorNotFound{}, ErrF3Disabled, ErrF3NotReady})
}

// ErrOutOfGas signals that a call failed due to insufficient gas.
type ErrOutOfGas struct{}

func (ErrOutOfGas) Error() string { return "call ran out of gas" }

// ErrActorNotFound signals that the actor is not found.
type ErrActorNotFound struct{}

func (ErrActorNotFound) Error() string { return "actor not found" }

type errF3Disabled struct{}

func (errF3Disabled) Error() string { return "f3 is disabled" }

type errF3NotReady struct{}

func (errF3NotReady) Error() string { return "f3 isn't yet ready" }
