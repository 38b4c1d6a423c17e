package utils

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// --- Sentinel Errors for Categorization ---
var (
	ErrRetryFailed         = errors.New("request failed after all retries")
	ErrFallbackExhausted   = errors.New("all fallback tiers failed")
	ErrClientHTTPError     = errors.New("client HTTP error (4xx)")
	ErrServerHTTPError     = errors.New("server HTTP error (5xx)")
	ErrOtherHTTPError      = errors.New("other HTTP error (non-2xx)")
	ErrRobotsDisallowed    = errors.New("disallowed by robots.txt")
	ErrSemaphoreTimeout    = errors.New("timeout acquiring semaphore")
	ErrRateLimitWait       = errors.New("rate limit wait aborted")
	ErrCachePersistence    = errors.New("cache persistence error")
	ErrCacheMiss           = errors.New("cache miss")
	ErrNoSnapshot          = errors.New("no archived snapshot available")
	ErrQueueClosed         = errors.New("queue closed")
	ErrExecutorClosed      = errors.New("executor is shut down")
	ErrRequestCreation     = errors.New("failed to create HTTP request")
	ErrResponseBodyRead    = errors.New("failed to read response body")
	ErrParsing             = errors.New("parsing error")
	ErrFilesystem          = errors.New("filesystem error")
	ErrDatabase            = errors.New("database error")
	ErrConfigValidation    = errors.New("configuration validation error")
	ErrInvalidTask         = errors.New("invalid task")
	ErrUnsupportedBackend  = errors.New("unsupported cache persistence backend")
	ErrUnknownFallbackTier = errors.New("unknown fallback tier")
)

// WrapErrorf prefixes err with a formatted message, keeping it matchable by errors.Is.
// A nil err stays nil.
func WrapErrorf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// ErrorKind is the enumerated tag carried by every engine error variant.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindCanceled
	KindSemaphoreAcquisition
	KindRateLimitWait
	KindRobotsDisallowed
	KindNetwork
	KindTimeout
	KindClientError
	KindRateLimited
	KindServerError
	KindHTTPOther
	KindRetryExhausted
	KindFallbackExhausted
	KindCachePersistence
)

var kindNames = map[ErrorKind]string{
	KindUnknown:              "unknown",
	KindCanceled:             "canceled",
	KindSemaphoreAcquisition: "semaphore_acquisition",
	KindRateLimitWait:        "rate_limit_wait",
	KindRobotsDisallowed:     "robots_disallowed",
	KindNetwork:              "network",
	KindTimeout:              "timeout",
	KindClientError:          "client_error",
	KindRateLimited:          "rate_limited",
	KindServerError:          "server_error",
	KindHTTPOther:            "http_other",
	KindRetryExhausted:       "retry_exhausted",
	KindFallbackExhausted:    "fallback_exhausted",
	KindCachePersistence:     "cache_persistence",
}

// String implements fmt.Stringer for logging
func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalText lets kinds appear by name in JSON payloads.
func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ParseErrorKind maps a configuration string (e.g. "server_error") to its kind.
func ParseErrorKind(s string) (ErrorKind, error) {
	needle := strings.ToLower(strings.TrimSpace(s))
	needle = strings.ReplaceAll(needle, "-", "_")
	for kind, name := range kindNames {
		if name == needle {
			return kind, nil
		}
	}
	return KindUnknown, WrapErrorf(ErrConfigValidation, "unknown error type %q", s)
}

// kinded is implemented by every typed error in this package.
type kinded interface {
	Kind() ErrorKind
}

// KindOf returns the tag of the outermost typed error in err's chain, falling back
// to context and net.Error inspection for untyped errors.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var k kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	return KindUnknown
}

// --- Typed error variants ---

// SemaphoreAcquisitionError is returned when a concurrency slot could not be obtained in time.
type SemaphoreAcquisitionError struct {
	Requested int64
	Waited    time.Duration
	Err       error // ctx error that ended the wait
}

func (e *SemaphoreAcquisitionError) Error() string {
	return fmt.Sprintf("%v: %d slot(s) after %v: %v", ErrSemaphoreTimeout, e.Requested, e.Waited.Round(time.Millisecond), e.Err)
}

func (e *SemaphoreAcquisitionError) Unwrap() []error { return []error{ErrSemaphoreTimeout, e.Err} }
func (e *SemaphoreAcquisitionError) Kind() ErrorKind { return KindSemaphoreAcquisition }

// RateLimitWaitError surfaces only when the caller's context ends during a politeness wait.
type RateLimitWaitError struct {
	Domain string
	Err    error
}

func (e *RateLimitWaitError) Error() string {
	return fmt.Sprintf("%v for %s: %v", ErrRateLimitWait, e.Domain, e.Err)
}

func (e *RateLimitWaitError) Unwrap() []error { return []error{ErrRateLimitWait, e.Err} }
func (e *RateLimitWaitError) Kind() ErrorKind { return KindRateLimitWait }

// RobotsDisallowedError is a policy denial. It is never retried.
type RobotsDisallowedError struct {
	URL    string
	Rule   string
	Reason string
}

func (e *RobotsDisallowedError) Error() string {
	if e.Rule != "" {
		return fmt.Sprintf("%v: %s (rule %q, %s)", ErrRobotsDisallowed, e.URL, e.Rule, e.Reason)
	}
	return fmt.Sprintf("%v: %s (%s)", ErrRobotsDisallowed, e.URL, e.Reason)
}

func (e *RobotsDisallowedError) Unwrap() error   { return ErrRobotsDisallowed }
func (e *RobotsDisallowedError) Kind() ErrorKind { return KindRobotsDisallowed }

// NetworkError covers failures before an HTTP response was received.
type NetworkError struct {
	Op      string
	URL     string
	Timeout bool
	Err     error
}

// NewNetworkError classifies err as a timeout when the transport reports one.
func NewNetworkError(op, rawURL string, err error) *NetworkError {
	timeout := errors.Is(err, context.DeadlineExceeded)
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		timeout = true
	}
	return &NetworkError{Op: op, URL: rawURL, Timeout: timeout, Err: err}
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Kind() ErrorKind {
	if e.Timeout {
		return KindTimeout
	}
	return KindNetwork
}

// HTTPStatusError is a non-2xx response.
type HTTPStatusError struct {
	URL        string
	StatusCode int
	Status     string
	RetryAfter time.Duration // parsed Retry-After on 429/503, zero if absent
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("%v: status %d %s (%s)", e.Unwrap(), e.StatusCode, strings.TrimSpace(strings.TrimPrefix(e.Status, fmt.Sprint(e.StatusCode))), e.URL)
}

func (e *HTTPStatusError) Unwrap() error {
	switch {
	case e.StatusCode >= 500:
		return ErrServerHTTPError
	case e.StatusCode >= 400:
		return ErrClientHTTPError
	default:
		return ErrOtherHTTPError
	}
}

func (e *HTTPStatusError) Kind() ErrorKind {
	switch {
	case e.StatusCode == http.StatusTooManyRequests:
		return KindRateLimited
	case e.StatusCode >= 500:
		return KindServerError
	case e.StatusCode >= 400:
		return KindClientError
	default:
		return KindHTTPOther
	}
}

// AttemptRecord is one entry of a retry chain's error history.
type AttemptRecord struct {
	Attempt int       `json:"attempt"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// RetryExhaustedError carries every attempt of a chain that never succeeded.
type RetryExhaustedError struct {
	Attempts int
	History  []AttemptRecord
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("%v (%d attempts): %v", ErrRetryFailed, e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() []error { return []error{ErrRetryFailed, e.Last} }
func (e *RetryExhaustedError) Kind() ErrorKind { return KindRetryExhausted }

// FallbackAttempt records one fallback tier's failure.
type FallbackAttempt struct {
	Tier     string
	Err      error
	Duration time.Duration
}

// FallbackExhaustedError wraps the original failure plus every fallback tier's error.
type FallbackExhaustedError struct {
	Cause    error
	Attempts []FallbackAttempt
}

func (e *FallbackExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Tier, a.Err))
	}
	return fmt.Sprintf("%v [%s]: %v", ErrFallbackExhausted, strings.Join(parts, "; "), e.Cause)
}

func (e *FallbackExhaustedError) Unwrap() []error {
	errs := []error{ErrFallbackExhausted, e.Cause}
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}

func (e *FallbackExhaustedError) Kind() ErrorKind { return KindFallbackExhausted }

// History returns the retry history of the wrapped cause, if any.
func (e *FallbackExhaustedError) History() []AttemptRecord {
	var retryErr *RetryExhaustedError
	if errors.As(e.Cause, &retryErr) {
		return retryErr.History
	}
	return nil
}

// CachePersistenceError is non-fatal: the in-memory cache keeps working.
type CachePersistenceError struct {
	Op      string
	Backend string
	Err     error
}

func (e *CachePersistenceError) Error() string {
	return fmt.Sprintf("%v: %s via %s: %v", ErrCachePersistence, e.Op, e.Backend, e.Err)
}

func (e *CachePersistenceError) Unwrap() []error { return []error{ErrCachePersistence, e.Err} }
func (e *CachePersistenceError) Kind() ErrorKind { return KindCachePersistence }

// CategorizeError maps an error to a predefined category string for logging/metrics.
func CategorizeError(err error) string {
	if err == nil {
		return "None"
	}

	switch KindOf(err) {
	case KindRetryExhausted:
		var retryErr *RetryExhaustedError
		errors.As(err, &retryErr)
		return "RetryFailed_" + categorizeCause(retryErr.Last)
	case KindFallbackExhausted:
		return "FallbackExhausted"
	case KindSemaphoreAcquisition:
		return "Resource_SemaphoreTimeout"
	case KindRateLimitWait:
		return "Resource_RateLimitWait"
	case KindRobotsDisallowed:
		return "Policy_Robots"
	case KindCachePersistence:
		return "Cache_Persistence"
	case KindCanceled:
		return "System_ContextCanceled"
	case KindNetwork, KindTimeout, KindClientError, KindRateLimited, KindServerError, KindHTTPOther:
		return categorizeCause(err)
	case KindUnknown:
	}

	switch {
	case errors.Is(err, ErrRobotsDisallowed):
		return "Policy_Robots"
	case errors.Is(err, ErrSemaphoreTimeout):
		return "Resource_SemaphoreTimeout"
	case errors.Is(err, ErrRateLimitWait):
		return "Resource_RateLimitWait"
	case errors.Is(err, ErrCachePersistence):
		return "Cache_Persistence"
	case errors.Is(err, ErrServerHTTPError):
		return "HTTP_5xx"
	case errors.Is(err, ErrClientHTTPError):
		errMsg := err.Error()
		for _, code := range []string{"404", "403", "401", "429"} {
			if strings.Contains(errMsg, "status "+code) {
				return "HTTP_" + code
			}
		}
		return "HTTP_4xx"
	case errors.Is(err, ErrOtherHTTPError):
		return "HTTP_OtherStatus"
	case errors.Is(err, ErrParsing):
		lowerErrMsg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(lowerErrMsg, "url"):
			return "Content_ParsingURL"
		case strings.Contains(lowerErrMsg, "robots"):
			return "Content_ParsingRobots"
		case strings.Contains(lowerErrMsg, "json"):
			return "Content_ParsingJSON"
		}
		return "Content_ParsingOther"
	case errors.Is(err, ErrRequestCreation):
		return "Internal_RequestCreation"
	case errors.Is(err, ErrResponseBodyRead):
		return "Network_BodyRead"
	case errors.Is(err, ErrConfigValidation):
		return "Config_Validation"
	case errors.Is(err, ErrDatabase):
		return "Database_Other"
	case errors.Is(err, ErrFilesystem):
		return "Filesystem_Other"
	}
	return categorizeCause(err)
}

// categorizeCause labels transport-level causes.
func categorizeCause(err error) string {
	if err == nil {
		return "Unknown"
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case http.StatusNotFound, http.StatusForbidden, http.StatusUnauthorized, http.StatusTooManyRequests:
			return fmt.Sprintf("HTTP_%d", statusErr.StatusCode)
		}
		switch statusErr.Kind() {
		case KindServerError:
			return "HTTP_5xx"
		case KindClientError:
			return "HTTP_4xx"
		default:
			return "HTTP_OtherStatus"
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "Network_Timeout"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "Network_Timeout"
	}

	lowerErrMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lowerErrMsg, "timeout"):
		return "Network_TimeoutGeneric"
	case strings.Contains(lowerErrMsg, "connection refused"):
		return "Network_ConnectionRefused"
	case strings.Contains(lowerErrMsg, "no such host"):
		return "Network_DNSLookup"
	case strings.Contains(lowerErrMsg, "tls") || strings.Contains(lowerErrMsg, "certificate"):
		return "Network_TLS"
	case strings.Contains(lowerErrMsg, "reset by peer"):
		return "Network_ConnectionReset"
	case strings.Contains(lowerErrMsg, "broken pipe"):
		return "Network_BrokenPipe"
	}
	if errors.As(err, &netErr) {
		return "Network_Other"
	}
	return "Unknown"
}
