package analysis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/psantana5/vidhook/pkg/models"
)

// Code is a machine-readable failure code
type Code string

const (
	CodeMissingAPIKey     Code = "MISSING_API_KEY"
	CodeRateLimitExceeded Code = "RATE_LIMIT_EXCEEDED"
	CodeFileTooLarge      Code = "FILE_TOO_LARGE"
	CodeInvalidOptions    Code = "INVALID_OPTIONS"
	CodeQuotaExceeded     Code = "QUOTA_EXCEEDED"
	CodeContentBlocked    Code = "CONTENT_BLOCKED"
	CodeUnsupportedFormat Code = "UNSUPPORTED_FORMAT"
	CodeAnalysisFailed    Code = "ANALYSIS_FAILED"
	CodeInternalError     Code = "INTERNAL_ERROR"
	CodeMissingPayload    Code = "MISSING_PAYLOAD"
	CodeTimeout           Code = "TIMEOUT"
	CodeNetworkError      Code = "NETWORK_ERROR"
)

// Error is a typed analysis failure
type Error struct {
	Code       Code
	Message    string
	Status     int           // HTTP status, 0 when the request never completed
	RetryAfter time.Duration // server-requested wait, rate limit failures only
	RateLimit  *models.RateLimitInfo
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a typed failure
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// CodeOf returns the code carried by err, or INTERNAL_ERROR
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternalError
}

// Class is the handling category of a failure
type Class int

const (
	ClassInternal   Class = iota // Unknown, never retried
	ClassValidation              // Input must change, never retried
	ClassRateLimit               // Retried after the server wait
	ClassNetwork                 // Retried with backoff
	ClassAPI                     // Retried only when the message looks transient
)

func (c Class) String() string {
	switch c {
	case ClassValidation:
		return "validation"
	case ClassRateLimit:
		return "rate_limit"
	case ClassNetwork:
		return "network"
	case ClassAPI:
		return "api"
	default:
		return "internal"
	}
}

// Classification is the outcome of Policy.Classify
type Classification struct {
	Class      Class
	Retryable  bool
	RetryAfter time.Duration // server wait, honored over generic backoff
}

// Policy holds the keyword tables used to classify failures by message.
// Matching is case-insensitive substring matching.
type Policy struct {
	// TransientKeywords make an API/processing failure retryable
	TransientKeywords []string `mapstructure:"transient_keywords" yaml:"transient_keywords"`
	// NetworkKeywords classify untyped errors as network failures
	NetworkKeywords []string `mapstructure:"network_keywords" yaml:"network_keywords"`
}

// DefaultPolicy returns the built-in keyword tables
func DefaultPolicy() Policy {
	return Policy{
		TransientKeywords: []string{
			"unavailable",
			"overloaded",
			"temporarily",
			"try again",
			"timeout",
			"timed out",
			"502",
			"503",
			"504",
		},
		NetworkKeywords: []string{
			"connection refused",
			"connection reset",
			"timeout",
			"temporary failure",
			"no such host",
			"eof",
			"broken pipe",
		},
	}
}

// Extend appends extra keywords to both tables
func (p Policy) Extend(transient, network []string) Policy {
	p.TransientKeywords = append(append([]string(nil), p.TransientKeywords...), transient...)
	p.NetworkKeywords = append(append([]string(nil), p.NetworkKeywords...), network...)
	return p
}

var codeClasses = map[Code]Class{
	CodeMissingAPIKey:     ClassValidation,
	CodeFileTooLarge:      ClassValidation,
	CodeInvalidOptions:    ClassValidation,
	CodeUnsupportedFormat: ClassValidation,
	CodeContentBlocked:    ClassValidation,
	CodeMissingPayload:    ClassValidation,
	CodeRateLimitExceeded: ClassRateLimit,
	CodeTimeout:           ClassNetwork,
	CodeNetworkError:      ClassNetwork,
	CodeQuotaExceeded:     ClassAPI,
	CodeAnalysisFailed:    ClassAPI,
	CodeInternalError:     ClassInternal,
}

// Classify determines how a failure should be handled
func (p Policy) Classify(err error) Classification {
	if err == nil {
		return Classification{Class: ClassInternal}
	}

	var ae *Error
	if errors.As(err, &ae) {
		class, ok := codeClasses[ae.Code]
		if !ok {
			class = ClassInternal
		}
		switch class {
		case ClassRateLimit:
			return Classification{Class: class, Retryable: true, RetryAfter: ae.RetryAfter}
		case ClassNetwork:
			return Classification{Class: class, Retryable: true}
		case ClassAPI:
			// Daily quota exhaustion will not clear within a retry budget
			if ae.Code == CodeQuotaExceeded {
				return Classification{Class: class}
			}
			return Classification{Class: class, Retryable: matchAny(ae.Message, p.TransientKeywords)}
		default:
			return Classification{Class: class}
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Classification{Class: ClassNetwork, Retryable: true}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Classification{Class: ClassNetwork, Retryable: true}
	}
	if matchAny(err.Error(), p.NetworkKeywords) {
		return Classification{Class: ClassNetwork, Retryable: true}
	}
	return Classification{Class: ClassInternal}
}

func matchAny(msg string, keywords []string) bool {
	msg = strings.ToLower(msg)
	for _, kw := range keywords {
		if kw != "" && strings.Contains(msg, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
