package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lumenforge/agentflow/internal/types"
)

func TestClassifyRetryableConnectionReset(t *testing.T) {
	require.True(t, classifyRetryable("Connection reset"))
}

func TestClassifyRetryableForbiddenInvalidTokenIsNotRetryable(t *testing.T) {
	require.False(t, classifyRetryable("Forbidden: invalid token"))
}

// TestClassifyRetryableTieBreaksNonRetryable covers spec.md §8 scenario 4's
// named tie-break: "invalid connection" matches both a non-retryable
// pattern ("invalid") and a retryable one ("connection"); non-retryable
// predicates take precedence.
func TestClassifyRetryableTieBreaksNonRetryable(t *testing.T) {
	require.False(t, classifyRetryable("invalid connection"))
}

func TestClassifyRetryableUnmatchedDefaultsToNonRetryable(t *testing.T) {
	require.False(t, classifyRetryable("something unexpected happened"))
}

// TestBackoffDelayProgression covers spec.md §8 scenario 5's named
// timings: the default policy's first two retries back off to
// approximately 1000ms then 2000ms.
func TestBackoffDelayProgression(t *testing.T) {
	policy := types.DefaultRetryPolicy()

	require.Equal(t, 1000*time.Millisecond, backoffDelay(policy, 0))
	require.Equal(t, 2000*time.Millisecond, backoffDelay(policy, 1))
	require.Equal(t, 4000*time.Millisecond, backoffDelay(policy, 2))
}
