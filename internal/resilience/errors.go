package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Kind tags the class of a pipeline failure.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindExtraction       Kind = "extraction"
	KindEntityResolution Kind = "entity_resolution"
	KindInfrastructure   Kind = "infrastructure"
	KindSyncBacklog      Kind = "sync_backlog"
	KindRateLimit        Kind = "rate_limit"
	KindNotFound         Kind = "not_found"
	KindAuthentication   Kind = "authentication"
	KindAuthorization    Kind = "authorization"
	KindConflict         Kind = "conflict"
	KindTimeout          Kind = "timeout"
	KindBudgetExceeded   Kind = "budget_exceeded"
	KindInternal         Kind = "internal"
)

// names maps kinds to the error names surfaced over the API.
var names = map[Kind]string{
	KindValidation:       "ValidationError",
	KindExtraction:       "ExtractionError",
	KindEntityResolution: "EntityResolutionError",
	KindInfrastructure:   "InfrastructureError",
	KindSyncBacklog:      "SyncBacklogError",
	KindRateLimit:        "RateLimitError",
	KindNotFound:         "NotFoundError",
	KindAuthentication:   "AuthenticationError",
	KindAuthorization:    "AuthorizationError",
	KindConflict:         "ConflictError",
	KindTimeout:          "TimeoutError",
	KindBudgetExceeded:   "BudgetExceededError",
	KindInternal:         "InternalError",
}

// StatusCode returns the HTTP status class for the kind.
func (k Kind) StatusCode() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindExtraction, KindEntityResolution:
		return http.StatusUnprocessableEntity
	case KindInfrastructure, KindSyncBacklog:
		return http.StatusServiceUnavailable
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindNotFound:
		return http.StatusNotFound
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindBudgetExceeded:
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

// Error is the single error type used to classify pipeline failures.
// Retryability is derived from Kind; Transient only matters for the kinds
// whose retryability depends on the underlying cause.
type Error struct {
	Kind          Kind
	Message       string
	Err           error
	CorrelationID string
	// RetryAfter is the backoff hint for rate limits.
	RetryAfter time.Duration
	// Transient marks entity-resolution and internal errors caused by a
	// transient failure rather than a genuine problem with the input.
	Transient bool
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Message == "" {
			return fmt.Sprintf("%s: %v", e.Kind, e.Err)
		}
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Name returns the API-facing error name.
func (e *Error) Name() string {
	if n, ok := names[e.Kind]; ok {
		return n
	}
	return names[KindInternal]
}

// StatusCode returns the HTTP status for the error.
func (e *Error) StatusCode() int {
	return e.Kind.StatusCode()
}

// Retryable reports whether a caller may retry the failed operation.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindExtraction, KindInfrastructure, KindSyncBacklog, KindRateLimit, KindTimeout:
		return true
	case KindEntityResolution, KindInternal:
		return e.Transient
	default:
		return false
	}
}

// WithCorrelation returns a copy of e carrying the correlation id.
func (e *Error) WithCorrelation(id string) *Error {
	cp := *e
	cp.CorrelationID = id
	return &cp
}

// Response is the structured error body surfaced over an API boundary.
type Response struct {
	Name              string  `json:"name"`
	Message           string  `json:"message"`
	StatusCode        int     `json:"statusCode"`
	IsRetryable       bool    `json:"isRetryable"`
	CorrelationID     string  `json:"correlationId,omitempty"`
	RetryAfterSeconds float64 `json:"retryAfterSeconds,omitempty"`
}

// ToResponse renders e for API callers.
func (e *Error) ToResponse() Response {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return Response{
		Name:              e.Name(),
		Message:           msg,
		StatusCode:        e.StatusCode(),
		IsRetryable:       e.Retryable(),
		CorrelationID:     e.CorrelationID,
		RetryAfterSeconds: e.RetryAfter.Seconds(),
	}
}

// Validation reports bad input. Never retryable.
func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Extraction reports malformed LLM output.
func Extraction(err error, msg string) *Error {
	return &Error{Kind: KindExtraction, Message: msg, Err: err}
}

// EntityResolution reports a mention that could not be resolved. It is
// retryable only when cause is a transient lookup failure.
func EntityResolution(mention string, cause error) *Error {
	return &Error{
		Kind:      KindEntityResolution,
		Message:   fmt.Sprintf("resolve %q", mention),
		Err:       cause,
		Transient: cause != nil && IsTransient(cause),
	}
}

// Infrastructure reports an unreachable provider, database or backend.
func Infrastructure(service string, err error) *Error {
	return &Error{Kind: KindInfrastructure, Message: service, Err: err}
}

// SyncBacklog reports data that has not yet propagated to a secondary store.
func SyncBacklog(msg string, err error) *Error {
	return &Error{Kind: KindSyncBacklog, Message: msg, Err: err}
}

// RateLimit reports provider throttling with a backoff hint.
func RateLimit(err error, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimit, Message: "rate limited", Err: err, RetryAfter: retryAfter}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s not found: %s", resource, id)}
}

// Timeout reports an operation that exceeded its deadline.
func Timeout(op string, err error) *Error {
	return &Error{Kind: KindTimeout, Message: op, Err: err}
}

// BudgetExceeded reports a denied Budget Gate verdict.
func BudgetExceeded(reason string) *Error {
	return &Error{Kind: KindBudgetExceeded, Message: reason}
}

// New builds an Error of an arbitrary kind.
func New(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// FromHTTPStatus classifies an error returned by an HTTP API by its status
// code. retryAfter is the server's backoff hint, carried by rate limits and
// transient 5xx answers. Unknown statuses fall through to Classify.
func FromHTTPStatus(status int, retryAfter time.Duration, err error) *Error {
	switch {
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return &Error{Kind: KindValidation, Message: "request rejected", Err: err}
	case status == http.StatusUnauthorized:
		return &Error{Kind: KindAuthentication, Message: "provider rejected credentials", Err: err}
	case status == http.StatusForbidden:
		return &Error{Kind: KindAuthorization, Message: "provider denied access", Err: err}
	case status == http.StatusNotFound:
		return &Error{Kind: KindNotFound, Message: "provider resource not found", Err: err}
	case status == http.StatusConflict:
		return &Error{Kind: KindConflict, Message: "provider conflict", Err: err}
	case status == http.StatusTooManyRequests:
		return RateLimit(err, retryAfter)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return Timeout("provider", err)
	case IsTransientHTTPStatus(status):
		ce := Infrastructure("provider", err)
		ce.RetryAfter = retryAfter
		return ce
	case status >= 500:
		return &Error{Kind: KindInternal, Message: fmt.Sprintf("provider answered %d", status), Err: err}
	default:
		return Classify(err)
	}
}

// ParseRetryAfter reads a Retry-After header value given either as delay
// seconds or as an HTTP date. Missing, malformed and past values yield 0.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	at, err := http.ParseTime(v)
	if err != nil {
		return 0
	}
	if d := at.Sub(now); d > 0 {
		return d.Round(time.Second)
	}
	return 0
}

// Classify maps any error to an *Error. Errors already classified are
// returned as-is; deadlines become timeouts; anything else is an internal
// error, retryable only if its message matches a transient signature.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout("deadline exceeded", err)
	}

	return &Error{Kind: KindInternal, Err: err, Transient: IsTransient(err)}
}

// IsRetryable reports whether err, once classified, may be retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err).Retryable()
}

// KindOf returns the classified kind of err, or "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return Classify(err).Kind
}

// transientPatterns are message fragments of network failures that are
// worth retrying. Matching is case-insensitive.
var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"reset",
	"econnrefused",
	"econnreset",
	"etimedout",
	"timeout",
	"timed out",
	"socket hang up",
	"broken pipe",
	"temporary failure in name resolution",
	"no such host",
	"server closed idle connection",
	"transport connection broken",
}

// transientCodes are HTTP status codes that mark a message as transient
// when they appear as a standalone token.
var transientCodes = []string{"429", "503", "504"}

// IsTransient returns true if the error (or any error in its chain) is a
// retryable *Error, a network timeout or reset, or if its message matches a
// known transient signature.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *Error
	if errors.As(err, &ce) && ce.Kind != KindInternal && ce.Kind != KindEntityResolution {
		return ce.Retryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	return matchesTransient(err.Error())
}

func matchesTransient(msg string) bool {
	msg = strings.ToLower(msg)
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	for _, tok := range strings.FieldsFunc(msg, func(r rune) bool {
		return r < '0' || r > '9'
	}) {
		for _, code := range transientCodes {
			if tok == code {
				return true
			}
		}
	}
	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504, // Gateway Timeout
		529: // Overloaded
		return true
	default:
		return false
	}
}
