package crawler

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Sentinel errors shared across the queue, rotators, crawler, and ingress guard.
var (
	ErrNotInitialized        = errors.New("queue not initialized")
	ErrNotFound              = errors.New("job not found")
	ErrTimeout               = errors.New("timeout")
	ErrBlocked               = errors.New("blocked")
	ErrUpstreamStatus        = errors.New("upstream server error")
	ErrNetwork               = errors.New("network error")
	ErrAllProxiesBanned      = errors.New("all proxies banned")
	ErrNoIdentitiesAvailable = errors.New("no identities available")
	ErrStalledJob            = errors.New("job stalled")
	ErrRateLimited           = errors.New("rate limited")
	ErrDuplicateRequest      = errors.New("duplicate request")
	ErrMaxRetriesExceeded    = errors.New("max retries exceeded")

	ErrInvalidState   = errors.New("invalid job state")
	ErrClaimLost      = errors.New("job claim lost")
	ErrCrawlFailed    = errors.New("crawl failed")
	ErrInvalidRequest = errors.New("invalid request")
	ErrAlreadyExists  = errors.New("job already exists")
)

// BlockedError reports that the target refused service with Status.
type BlockedError struct {
	Status int
	URL    string
}

func (e *BlockedError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("blocked: status %d", e.Status)
	}
	return fmt.Sprintf("blocked: status %d for %s", e.Status, e.URL)
}

// Is lets errors.Is match ErrBlocked.
func (e *BlockedError) Is(target error) bool {
	return target == ErrBlocked
}

// StatusError reports a 5xx answer from the target. It is retried like a
// transport failure and never bans the proxy.
type StatusError struct {
	Status int
	URL    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d for %s", e.Status, e.URL)
}

// Is lets errors.Is match ErrUpstreamStatus.
func (e *StatusError) Is(target error) bool {
	return target == ErrUpstreamStatus
}

// NetworkError wraps a transport failure. ProxyFailure marks failures to reach
// the proxy itself rather than the target.
type NetworkError struct {
	Op           string
	ProxyFailure bool
	Err          error
}

func (e *NetworkError) Error() string {
	if e.Err == nil {
		return "network error: " + e.Op
	}
	return fmt.Sprintf("network error: %s: %v", e.Op, e.Err)
}

// Is lets errors.Is match ErrNetwork.
func (e *NetworkError) Is(target error) bool {
	return target == ErrNetwork
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError classifies err, flagging proxy connection failures.
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, ProxyFailure: isProxyFailure(err), Err: err}
}

func isProxyFailure(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"proxyconnect",
		"err_proxy_connection_failed",
		"err_tunnel_connection_failed",
		"proxy authentication required",
		"socks connect",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// IsBlockStatus reports whether an HTTP status signals anti-bot blocking.
func IsBlockStatus(status int) bool {
	return status == http.StatusForbidden || status == http.StatusTooManyRequests
}

// IsServerErrorStatus reports whether status is a 5xx.
func IsServerErrorStatus(status int) bool {
	return status >= http.StatusInternalServerError && status < 600
}

// IsBanTrigger reports whether err should ban the proxy that produced it.
func IsBanTrigger(err error) bool {
	var blocked *BlockedError
	if errors.As(err, &blocked) {
		return IsBlockStatus(blocked.Status)
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return netErr.ProxyFailure
	}
	return false
}
