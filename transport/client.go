// Package transport provides the HTTP/2 client shared by the EasyView and Nightscout
// clients, and the Retrier that makes every call survive network outages.
package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"os"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/publicsuffix"
)

// DefaultTimeout bounds a single request.
const DefaultTimeout = 10 * time.Second

// ClientConfig describes the HTTP client to build.
type ClientConfig struct {
	Timeout time.Duration // per request; DefaultTimeout when zero
	CAPath  string        // optional PEM bundle added to the system roots (self-hosted sinks)
	Cookies bool          // keep a session cookie jar (EasyView login)
}

// NewClient builds an HTTP client that negotiates HTTP/2 over TLS and falls back to
// HTTP/1.1 for plain endpoints.
func NewClient(cfg ClientConfig) (*http.Client, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.CAPath != "" {
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		caCert, err := os.ReadFile(cfg.CAPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate %s", cfg.CAPath)
		}
		tlsConfig.RootCAs = pool
	}

	base := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		TLSClientConfig:     tlsConfig,
		TLSHandshakeTimeout: timeout,
		MaxIdleConns:        4,
		IdleConnTimeout:     90 * time.Second,
	}
	if err := http2.ConfigureTransport(base); err != nil {
		return nil, fmt.Errorf("failed to enable HTTP/2: %w", err)
	}

	client := &http.Client{
		Transport: base,
		Timeout:   timeout,
	}
	if cfg.Cookies {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, fmt.Errorf("failed to create cookie jar: %w", err)
		}
		client.Jar = jar
	}
	return client, nil
}

// CheckResponse returns a *StatusError for non-2xx responses. The body is drained
// up to a small limit so the error carries the server's message.
func CheckResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Code: resp.StatusCode, Body: string(body)}
}
