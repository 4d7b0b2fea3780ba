package engine

import (
	"math"
	"strings"
	"time"

	"github.com/lumenforge/agentflow/internal/types"
)

var retryablePatterns = []string{
	"timeout", "connection", "network", "temporary", "rate limit",
	"service unavailable", "internal server error", "502", "503", "504",
}

var nonRetryablePatterns = []string{
	"authentication", "authorization", "forbidden", "not found",
	"bad request", "invalid", "malformed",
}

// classifyRetryable implements spec.md §4.C's classifier: an error is
// retryable if its message matches a retryable pattern and no
// non-retryable one; non-retryable predicates take precedence on a tie.
func classifyRetryable(errMsg string) bool {
	lower := strings.ToLower(errMsg)
	for _, p := range nonRetryablePatterns {
		if strings.Contains(lower, p) {
			return false
		}
	}
	for _, p := range retryablePatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// backoffDelay computes initialDelay × backoffMultiplier^retryCount, per
// spec.md §4.C.
func backoffDelay(policy types.RetryPolicy, retryCount int) time.Duration {
	ms := float64(policy.InitialDelay) * math.Pow(policy.BackoffMultiplier, float64(retryCount))
	return time.Duration(ms) * time.Millisecond
}
