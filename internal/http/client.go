// Package http builds the HTTP clients shared by every storage backend and
// holds the retry policy applied to remote calls.
package http

import (
	"crypto/tls"
	nethttp "net/http"
	"os"

	"golang.org/x/net/http2"

	"github.com/rescale/chunkup/internal/config"
	"github.com/rescale/chunkup/internal/constants"
)

// CreateOptimizedClient creates an HTTP client tuned for many concurrent chunk
// uploads, with the proxy settings of cfg applied.
//
// Key features:
//   - Proxy support (uses ConfigureHTTPClient as base)
//   - Connection pool sized for several tasks with several workers each
//   - HTTP/2 support with runtime toggle (DISABLE_HTTP2 env var)
//   - Disabled compression (chunk payloads do not benefit)
//   - No overall client timeout; chunk and request deadlines come from contexts
//
// If cfg is nil, proxy settings are read from environment variables.
func CreateOptimizedClient(cfg *config.Config) (*nethttp.Client, error) {
	var baseClient *nethttp.Client
	var err error

	if cfg != nil {
		baseClient, err = ConfigureHTTPClient(cfg)
		if err != nil {
			return nil, err
		}
	} else {
		baseClient = &nethttp.Client{Transport: newTransport()}
		baseClient.Transport.(*nethttp.Transport).Proxy = nethttp.ProxyFromEnvironment
	}

	tr, ok := baseClient.Transport.(*nethttp.Transport)
	if !ok {
		// NTLM mode wraps the transport in a negotiator; keep it as-is
		baseClient.Timeout = 0
		return baseClient, nil
	}

	tune(tr, cfg)
	_ = http2.ConfigureTransport(tr)
	disableHTTP2(tr, cfg)

	baseClient.Transport = tr
	baseClient.Timeout = 0
	return baseClient, nil
}

// tune sizes the connection pool for concurrent chunk uploads.
func tune(tr *nethttp.Transport, cfg *config.Config) {
	tr.MaxIdleConns = 512
	tr.MaxIdleConnsPerHost = 100
	tr.MaxConnsPerHost = 100
	tr.DisableCompression = true
	tr.ForceAttemptHTTP2 = true
}

// disableHTTP2 forces HTTP/1.1 when DISABLE_HTTP2=true or a proxy is in use.
func disableHTTP2(tr *nethttp.Transport, cfg *config.Config) {
	if os.Getenv("DISABLE_HTTP2") == "true" || proxyActive(cfg) && os.Getenv("FORCE_HTTP2") != "true" {
		// Proxies often break HTTP/2 multiplexing mid-transfer
		tr.ForceAttemptHTTP2 = false
		tr.TLSNextProto = make(map[string]func(string, *tls.Conn) nethttp.RoundTripper)
	}
}

func proxyActive(cfg *config.Config) bool {
	envProxy := os.Getenv("HTTP_PROXY") != "" || os.Getenv("HTTPS_PROXY") != "" ||
		os.Getenv("http_proxy") != "" || os.Getenv("https_proxy") != ""
	if cfg == nil {
		return envProxy
	}
	switch cfg.ProxyMode {
	case config.ProxyModeNone, "":
		return false
	case config.ProxyModeSystem:
		return envProxy
	default:
		return true
	}
}

func newTransport() *nethttp.Transport {
	return &nethttp.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		MaxConnsPerHost:       100,
		IdleConnTimeout:       constants.HTTPIdleConnTimeout,
		TLSHandshakeTimeout:   constants.HTTPTLSHandshakeTimeout,
		ResponseHeaderTimeout: constants.HTTPResponseHeaderTimeout,
	}
}
