package analysis

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	policy := DefaultPolicy()

	tests := []struct {
		name      string
		err       error
		class     Class
		retryable bool
	}{
		{"rate limit", &Error{Code: CodeRateLimitExceeded, RetryAfter: time.Second}, ClassRateLimit, true},
		{"wrapped rate limit", fmt.Errorf("dispatch: %w", &Error{Code: CodeRateLimitExceeded}), ClassRateLimit, true},
		{"too large", NewError(CodeFileTooLarge, "100MB"), ClassValidation, false},
		{"blocked", NewError(CodeContentBlocked, "safety"), ClassValidation, false},
		{"bad options", NewError(CodeInvalidOptions, "none"), ClassValidation, false},
		{"api transient", NewError(CodeAnalysisFailed, "Service Unavailable"), ClassAPI, true},
		{"api terminal", NewError(CodeAnalysisFailed, "could not parse model reply"), ClassAPI, false},
		{"daily quota", NewError(CodeQuotaExceeded, "try again tomorrow"), ClassAPI, false},
		{"timeout code", NewError(CodeTimeout, ""), ClassNetwork, true},
		{"deadline", context.DeadlineExceeded, ClassNetwork, true},
		{"untyped network", errors.New("dial tcp: connection refused"), ClassNetwork, true},
		{"unknown", errors.New("something odd"), ClassInternal, false},
		{"internal code", NewError(CodeInternalError, "unavailable"), ClassInternal, false},
		{"nil", nil, ClassInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := policy.Classify(tt.err)
			if got.Class != tt.class || got.Retryable != tt.retryable {
				t.Errorf("Classify(%v) = %v/%v, want %v/%v", tt.err, got.Class, got.Retryable, tt.class, tt.retryable)
			}
		})
	}
}

func TestClassifyCarriesRetryAfter(t *testing.T) {
	got := DefaultPolicy().Classify(&Error{Code: CodeRateLimitExceeded, RetryAfter: 17 * time.Second})
	if got.RetryAfter != 17*time.Second {
		t.Errorf("RetryAfter = %v, want 17s", got.RetryAfter)
	}
}

func TestPolicyExtend(t *testing.T) {
	base := DefaultPolicy()
	p := base.Extend([]string{"resource exhausted"}, nil)

	err := NewError(CodeAnalysisFailed, "RESOURCE EXHAUSTED on shard")
	if base.Classify(err).Retryable {
		t.Fatal("base policy should not know the extra keyword")
	}
	if !p.Classify(err).Retryable {
		t.Error("extended policy should treat the keyword as transient")
	}
	if len(base.TransientKeywords) == len(p.TransientKeywords) {
		t.Error("Extend mutated the base policy")
	}
}
