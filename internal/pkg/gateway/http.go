package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"syscall"
	"time"
)

const (
	defaultConnectTimeout = 5 * time.Second
	defaultTimeout        = 15 * time.Second
)

// NewHTTPClient returns a client with separate connect and total timeouts.
func NewHTTPClient(connectTimeout, timeout time.Duration) *http.Client {
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{Timeout: timeout, Transport: transport}
}

// ClassifyRequestError wraps transport failures. Timeouts and network errors
// become ErrProviderUnavailable.
func ClassifyRequestError(ctx context.Context, provider string, err error) error {
	if isTimeoutError(ctx, err) {
		return fmt.Errorf("%s timeout: %w: %v", provider, ErrProviderUnavailable, err)
	}
	if isNetworkError(err) {
		return fmt.Errorf("%s network error: %w: %v", provider, ErrProviderUnavailable, err)
	}
	return fmt.Errorf("%s request error: %w", provider, err)
}

// ClassifyStatus maps a non-2xx response. 5xx and 429 are retryable and
// reported as ErrProviderUnavailable, other codes as ErrProviderRejected.
func ClassifyStatus(provider string, status int, body []byte) error {
	snippet := string(body)
	if len(snippet) > 256 {
		snippet = snippet[:256]
	}
	if status >= http.StatusInternalServerError || status == http.StatusTooManyRequests {
		return fmt.Errorf("%s http error: status=%d body=%s: %w", provider, status, snippet, ErrProviderUnavailable)
	}
	return fmt.Errorf("%s http error: status=%d body=%s: %w", provider, status, snippet, ErrProviderRejected)
}

func isTimeoutError(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH)
}
