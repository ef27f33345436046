package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	nethttp "net/http"
	"net/url"
	"strings"
	"time"

	ntlmssp "github.com/Azure/go-ntlmssp"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http/httpproxy"

	"github.com/rescale/chunkup/internal/config"
	"github.com/rescale/chunkup/internal/constants"
)

// ErrNTLMTransport is returned by TransportOptions for ntlm mode, which needs
// a wrapping round tripper rather than transport settings.
var ErrNTLMTransport = errors.New("ntlm proxy mode cannot be applied as transport options")

// ConfigureHTTPClient returns an HTTP client with the proxy mode of cfg applied.
func ConfigureHTTPClient(cfg *config.Config) (*nethttp.Client, error) {
	transport := newTransport()
	transport.DialContext = dialContext()

	proxy, err := proxyFor(cfg)
	if err != nil {
		return nil, err
	}
	transport.Proxy = proxy

	client := &nethttp.Client{Transport: transport}
	if strings.ToLower(cfg.ProxyMode) == config.ProxyModeNTLM && proxy != nil {
		client.Transport = ntlmssp.Negotiator{RoundTripper: transport}
	}

	if cfg.ProxyWarmup && proxy != nil && !NeedsProxyPassword(cfg) {
		if err := warmupProxy(client, cfg); err != nil {
			return nil, fmt.Errorf("proxy warmup failed: %w", err)
		}
	}

	return client, nil
}

// TransportOptions returns the proxy and pool settings of cfg as an option
// for a transport built elsewhere, such as the AWS SDK's buildable client.
func TransportOptions(cfg *config.Config) (func(*nethttp.Transport), error) {
	if strings.ToLower(cfg.ProxyMode) == config.ProxyModeNTLM && cfg.ProxyHost != "" {
		return nil, ErrNTLMTransport
	}
	proxy, err := proxyFor(cfg)
	if err != nil {
		return nil, err
	}
	return func(tr *nethttp.Transport) {
		tr.DialContext = dialContext()
		tr.Proxy = proxy
		tune(tr, cfg)
		disableHTTP2(tr, cfg)
	}, nil
}

func dialContext() func(ctx context.Context, network, addr string) (net.Conn, error) {
	return (&net.Dialer{
		Timeout:   constants.HTTPDialTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
}

// proxyFor resolves the transport proxy function for the mode of cfg. A nil
// function means direct connections.
func proxyFor(cfg *config.Config) (func(*nethttp.Request) (*url.URL, error), error) {
	mode := strings.ToLower(cfg.ProxyMode)
	switch mode {
	case config.ProxyModeNone, "":
		return nil, nil

	case config.ProxyModeSystem:
		return nethttp.ProxyFromEnvironment, nil

	case config.ProxyModeNTLM, config.ProxyModeBasic:
		// Fall back to no-proxy when the host is missing so the user can fix the config
		if cfg.ProxyHost == "" {
			log.Warn().Str("mode", mode).Msg("proxy host is missing, falling back to no-proxy mode")
			return nil, nil
		}
		if cfg.ProxyUser != "" && cfg.ProxyPassword == "" {
			log.Warn().Msg("proxy user configured but password missing, proxy auth disabled until password is set")
		}
		return proxyFuncWithBypass(buildProxyURL(cfg), cfg.NoProxy), nil

	default:
		return nil, fmt.Errorf("unsupported proxy mode: %s", cfg.ProxyMode)
	}
}

// buildProxyURL constructs a proxy URL from config
func buildProxyURL(cfg *config.Config) *url.URL {
	port := cfg.ProxyPort
	if port == 0 {
		port = 8080
	}

	proxyURL := &url.URL{
		Scheme: "http",
		Host:   fmt.Sprintf("%s:%d", cfg.ProxyHost, port),
	}

	// Empty password in URL can cause auth failures with some proxies
	if cfg.ProxyUser != "" && cfg.ProxyPassword != "" {
		proxyURL.User = url.UserPassword(cfg.ProxyUser, cfg.ProxyPassword)
	}

	return proxyURL
}

// warmupProxy performs a request against the API base URL so proxy
// authentication happens before the first chunk is sent.
func warmupProxy(client *nethttp.Client, cfg *config.Config) error {
	if cfg.APIBaseURL == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, cfg.APIBaseURL, nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("warmup request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("warmup request returned server error: %d", resp.StatusCode)
	}

	return nil
}

// proxyFuncWithBypass returns a proxy function that respects the NoProxy bypass list.
// If noProxy is empty, behaves identically to nethttp.ProxyURL.
// When noProxy is set, uses golang.org/x/net/http/httpproxy to match hosts/CIDRs.
func proxyFuncWithBypass(proxyURL *url.URL, noProxy string) func(*nethttp.Request) (*url.URL, error) {
	if noProxy == "" {
		return nethttp.ProxyURL(proxyURL)
	}
	cfg := httpproxy.Config{
		HTTPProxy:  proxyURL.String(),
		HTTPSProxy: proxyURL.String(),
		NoProxy:    noProxy,
	}
	proxyFunc := cfg.ProxyFunc()
	return func(req *nethttp.Request) (*url.URL, error) {
		result, err := proxyFunc(req.URL)
		if result == nil {
			log.Debug().Str("host", req.URL.Host).Msg("proxy bypass, direct connection")
		}
		return result, err
	}
}

// NeedsProxyPassword returns true if the proxy configuration requires a password
// but one has not been provided. Used by CLI to determine if interactive prompt is needed.
func NeedsProxyPassword(cfg *config.Config) bool {
	mode := strings.ToLower(cfg.ProxyMode)
	if mode != config.ProxyModeBasic && mode != config.ProxyModeNTLM {
		return false
	}
	return cfg.ProxyUser != "" && cfg.ProxyPassword == ""
}
