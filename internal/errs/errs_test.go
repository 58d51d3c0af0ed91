package errs

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassificationSurvivesWrapping(t *testing.T) {
	require.True(t, IsAuth(fmt.Errorf("http 401: %w", ErrAuthExpired)))
	require.True(t, IsAuth(fmt.Errorf("rejected: %w", ErrAuthInvalid)))
	require.False(t, IsAuth(fmt.Errorf("timeout: %w", ErrTransientNetwork)))

	require.True(t, IsRetryable(fmt.Errorf("dial tcp: %w", ErrTransientNetwork)))
	require.True(t, IsRetryable(fmt.Errorf("http 429: %w", ErrRateLimited)))
	require.True(t, IsRetryable(fmt.Errorf("bad ics: %w", ErrMalformedSource)))
	require.False(t, IsRetryable(fmt.Errorf("http 404: %w", ErrConfigInvalid)))
	require.False(t, IsRetryable(fmt.Errorf("http 401: %w", ErrAuthExpired)))
}
