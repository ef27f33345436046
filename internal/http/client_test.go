package http

import (
	nethttp "net/http"
	"testing"

	ntlmssp "github.com/Azure/go-ntlmssp"

	"github.com/rescale/chunkup/internal/config"
)

func TestConfigureHTTPClient_Modes(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.Config
		wantErr bool
		ntlm    bool
	}{
		{name: "no proxy", cfg: config.Config{ProxyMode: config.ProxyModeNone}},
		{name: "system", cfg: config.Config{ProxyMode: config.ProxyModeSystem}},
		{name: "basic", cfg: config.Config{ProxyMode: config.ProxyModeBasic, ProxyHost: "proxy.corp", ProxyPort: 3128}},
		{name: "ntlm", cfg: config.Config{ProxyMode: config.ProxyModeNTLM, ProxyHost: "proxy.corp"}, ntlm: true},
		{name: "ntlm without host falls back", cfg: config.Config{ProxyMode: config.ProxyModeNTLM}},
		{name: "unknown", cfg: config.Config{ProxyMode: "socks"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := ConfigureHTTPClient(&tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			_, isNTLM := client.Transport.(ntlmssp.Negotiator)
			if isNTLM != tt.ntlm {
				t.Errorf("NTLM negotiator = %v, want %v", isNTLM, tt.ntlm)
			}
		})
	}
}

func TestCreateOptimizedClient_NoTimeout(t *testing.T) {
	client, err := CreateOptimizedClient(&config.Config{ProxyMode: config.ProxyModeNone})
	if err != nil {
		t.Fatal(err)
	}
	if client.Timeout != 0 {
		t.Errorf("client timeout = %v, want 0", client.Timeout)
	}
	tr, ok := client.Transport.(*nethttp.Transport)
	if !ok {
		t.Fatalf("transport is %T", client.Transport)
	}
	if tr.MaxIdleConnsPerHost != 100 || !tr.DisableCompression {
		t.Errorf("transport not tuned: %+v", tr)
	}
}

func TestBuildProxyURL(t *testing.T) {
	u := buildProxyURL(&config.Config{ProxyHost: "proxy.corp", ProxyUser: "alice", ProxyPassword: "secret"})
	if u.Host != "proxy.corp:8080" {
		t.Errorf("host = %s, want default port 8080", u.Host)
	}
	if u.User == nil || u.User.Username() != "alice" {
		t.Errorf("user not embedded: %v", u.User)
	}

	u = buildProxyURL(&config.Config{ProxyHost: "proxy.corp", ProxyPort: 3128, ProxyUser: "alice"})
	if u.User != nil {
		t.Error("credentials embedded without password")
	}
}

func TestNeedsProxyPassword(t *testing.T) {
	tests := []struct {
		cfg  config.Config
		want bool
	}{
		{config.Config{ProxyMode: config.ProxyModeBasic, ProxyUser: "u"}, true},
		{config.Config{ProxyMode: config.ProxyModeNTLM, ProxyUser: "u", ProxyPassword: "p"}, false},
		{config.Config{ProxyMode: config.ProxyModeSystem, ProxyUser: "u"}, false},
	}
	for _, tt := range tests {
		if got := NeedsProxyPassword(&tt.cfg); got != tt.want {
			t.Errorf("NeedsProxyPassword(%+v) = %v, want %v", tt.cfg, got, tt.want)
		}
	}
}
