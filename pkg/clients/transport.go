package clients

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

// DefaultTorProxy is the SOCKS port a stock tor service listens on.
const DefaultTorProxy = "127.0.0.1:9050"

// TransportConfig bounds connection establishment. Read deadlines are owned
// by callers through request contexts, since streaming endpoints need longer
// than a plain lookup.
type TransportConfig struct {
	ConnectTimeout        time.Duration
	ResponseHeaderTimeout time.Duration
	TLSConfig             *tls.Config
}

// DefaultTransport returns a configured HTTP transport with connection limits.
// This prevents resource exhaustion during downstream failures by capping
// the number of concurrent connections per host.
func DefaultTransport() *http.Transport {
	return NewTransport(TransportConfig{ConnectTimeout: 10 * time.Second})
}

// NewTransport builds a capped transport with the given timeouts.
func NewTransport(cfg TransportConfig) *http.Transport {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &http.Transport{
		MaxConnsPerHost:     100,
		MaxIdleConnsPerHost: 10,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,

		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,

		TLSClientConfig:       cfg.TLSConfig,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// TorTransport returns a transport that dials every connection through a
// SOCKS5 proxy. Host names are resolved by the proxy, which .onion services
// require.
func TorTransport(proxyAddr string, cfg TransportConfig) (*http.Transport, error) {
	if proxyAddr == "" {
		proxyAddr = DefaultTorProxy
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	forward := &net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}
	dialer, err := proxy.SOCKS5("tcp", proxyAddr, nil, forward)
	if err != nil {
		return nil, fmt.Errorf("failed to create socks5 dialer for %s: %w", proxyAddr, err)
	}
	contextDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks5 dialer for %s does not support contexts", proxyAddr)
	}

	transport := NewTransport(cfg)
	transport.Proxy = nil
	transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		return contextDialer.DialContext(ctx, network, addr)
	}
	return transport, nil
}

// IsOnion reports whether host (optionally with a port) is a tor hidden service.
func IsOnion(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.HasSuffix(strings.ToLower(strings.TrimSuffix(host, ".")), ".onion")
}
