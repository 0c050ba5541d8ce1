package api

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

func TestErrorIsIn(t *testing.T) {
	wrapped := xerrors.Errorf("getting latest certificate: %w", ErrF3NotReady)
	require.True(t, ErrorIsIn(wrapped, []error{ErrF3NotReady}))
	require.False(t, ErrorIsIn(wrapped, []error{ErrF3Disabled}))
	require.False(t, ErrorIsIn(nil, []error{ErrF3NotReady}))

	require.True(t, IsParentAnswer(&ErrActorNotFound{}))
	require.True(t, IsParentAnswer(wrapped))
	require.False(t, IsParentAnswer(errors.New("connection refused")))
}
