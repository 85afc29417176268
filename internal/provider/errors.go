package provider

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Kind classifies a provider failure for retry decisions.
type Kind int

const (
	KindUnknown Kind = iota
	KindAuth         // bad credentials, never retried
	KindRateLimit    // retryable with backoff, honors Retry-After
	KindTimeout      // retryable once
	KindMalformed    // response did not match the wire contract, not retryable
	KindNetwork      // connection-level failure, retryable
	KindServer       // upstream 5xx, retryable
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindRateLimit:
		return "rate_limit"
	case KindTimeout:
		return "timeout"
	case KindMalformed:
		return "malformed_response"
	case KindNetwork:
		return "network"
	case KindServer:
		return "server_error"
	default:
		return "unknown"
	}
}

// Matching targets for errors.Is.
var (
	ErrAuth      = errors.New("provider authentication failed")
	ErrRateLimit = errors.New("provider rate limited")
	ErrTimeout   = errors.New("provider request timed out")
	ErrMalformed = errors.New("provider returned malformed response")
)

// Error carries the classified failure of one provider call.
type Error struct {
	Kind       Kind
	StatusCode int // zero when not an HTTP-level failure
	Message    string
	Retryable  bool
	RetryAfter time.Duration // nonzero only for rate limits
	Cause      error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("[%d] %s", e.StatusCode, e.Message)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets callers match on the sentinel targets without knowing Kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrAuth:
		return e.Kind == KindAuth
	case ErrRateLimit:
		return e.Kind == KindRateLimit
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrMalformed:
		return e.Kind == KindMalformed
	}
	return false
}

// ClassifyStatus classifies an HTTP response failure. The body is truncated
// into the message for logs.
func ClassifyStatus(statusCode int, body string, header http.Header) *Error {
	e := &Error{
		StatusCode: statusCode,
		Message:    fmt.Sprintf("HTTP %d: %s", statusCode, truncate(body, 200)),
	}
	switch {
	case statusCode == http.StatusTooManyRequests:
		e.Kind = KindRateLimit
		e.Retryable = true
		e.RetryAfter = retryAfter(header, 60*time.Second)
	case statusCode == http.StatusRequestTimeout:
		e.Kind = KindTimeout
		e.Retryable = true
	case statusCode >= 500:
		e.Kind = KindServer
		e.Retryable = true
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		e.Kind = KindAuth
	case statusCode == http.StatusBadRequest ||
		statusCode == http.StatusNotFound ||
		statusCode == http.StatusUnprocessableEntity:
		e.Kind = KindMalformed
	default:
		e.Kind = KindUnknown
	}
	return e
}

// Classify wraps an arbitrary transport error.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Kind: KindTimeout, Message: "request timed out", Retryable: true, Cause: err}
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "network is unreachable"),
		strings.Contains(msg, "i/o timeout"),
		strings.Contains(msg, "EOF"):
		return &Error{Kind: KindNetwork, Message: "network error: " + truncate(msg, 100), Retryable: true, Cause: err}
	case strings.Contains(msg, "certificate"),
		strings.Contains(msg, "tls:"),
		strings.Contains(msg, "x509:"):
		return &Error{Kind: KindAuth, Message: "TLS error: " + truncate(msg, 100), Cause: err}
	}
	return &Error{Kind: KindUnknown, Message: truncate(msg, 200), Cause: err}
}

func retryAfter(header http.Header, fallback time.Duration) time.Duration {
	if header == nil {
		return fallback
	}
	if v := header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}

// Backoff computes exponential retry delays with jitter.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64 // fraction of the delay, 0..1
}

// DefaultBackoff matches the retry posture used for completion calls.
func DefaultBackoff() Backoff {
	return Backoff{Initial: time.Second, Max: 30 * time.Second, Multiplier: 2, Jitter: 0.2}
}

// Delay returns the wait before attempt n (0-indexed).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(b.Initial) * math.Pow(b.Multiplier, float64(attempt))
	if d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		d += (rand.Float64()*2 - 1) * d * b.Jitter
	}
	if d < 0 {
		d = float64(b.Initial)
	}
	return time.Duration(d)
}

// Breaker short-circuits calls to an endpoint after repeated consecutive
// failures. The circuit reopens by itself after the cooldown.
type Breaker struct {
	mu        sync.Mutex
	fails     map[string]int
	openUntil map[string]time.Time
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// NewBreaker trips an endpoint after threshold consecutive failures and
// keeps it open for cooldown. Zero values take the defaults of 5 failures
// and 60 seconds.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	return &Breaker{
		fails:     make(map[string]int),
		openUntil: make(map[string]time.Time),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether a call to endpoint may proceed.
func (b *Breaker) Allow(endpoint string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	until, open := b.openUntil[endpoint]
	if !open {
		return true
	}
	if b.now().After(until) {
		delete(b.openUntil, endpoint)
		b.fails[endpoint] = 0
		return true
	}
	return false
}

// RecordFailure counts a failure and reports whether the circuit is now open.
func (b *Breaker) RecordFailure(endpoint string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fails[endpoint]++
	if b.fails[endpoint] >= b.threshold {
		b.openUntil[endpoint] = b.now().Add(b.cooldown)
		return true
	}
	return false
}

// RecordSuccess closes the circuit for endpoint.
func (b *Breaker) RecordSuccess(endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.fails, endpoint)
	delete(b.openUntil, endpoint)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
