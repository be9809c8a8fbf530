package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindSurvivesWrapping(t *testing.T) {
	base := StaleState("deal %s changed concurrently", "DL-000001")
	wrapped := fmt.Errorf("accept work: %w", base)

	assert.Equal(t, KindStaleState, KindOf(wrapped))
	assert.True(t, Is(wrapped, KindStaleState))
	assert.False(t, Is(wrapped, KindIllegalState))
	assert.Equal(t, "deal DL-000001 changed concurrently", MessageOf(wrapped))
}

func TestChainErrorsKeepCause(t *testing.T) {
	cause := errors.New("dial tcp: i/o timeout")
	err := ChainTransient(cause, "find transfer")

	require.ErrorIs(t, err, cause)
	assert.Equal(t, "find transfer: dial tcp: i/o timeout", err.Error())
	assert.Equal(t, "chain_transient", KindOf(err).String())
}

func TestUnknownErrors(t *testing.T) {
	err := errors.New("boom")
	assert.Equal(t, KindUnknown, KindOf(err))
	assert.Equal(t, "internal error", MessageOf(err))
	assert.False(t, Is(nil, KindUnknown))
}
