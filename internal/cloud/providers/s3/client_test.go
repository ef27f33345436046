package s3

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	nethttp "net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescale/chunkup/internal/config"
)

// writeCABundle writes a self-signed certificate in PEM form.
func writeCABundle(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "chunkup test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0600))
	return path
}

func s3Config(mode string) *config.Config {
	cfg := config.New()
	cfg.S3AccessKey = "AKIDEXAMPLE"
	cfg.S3SecretKey = "secret"
	cfg.ProxyMode = mode
	cfg.ProxyHost = "proxy.corp"
	return cfg
}

func isolateAWSEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(dir, "config"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(dir, "credentials"))
	t.Setenv("AWS_PROFILE", "")
}

func TestNewS3Client_CustomCABundle(t *testing.T) {
	isolateAWSEnv(t)
	t.Setenv("AWS_CA_BUNDLE", writeCABundle(t))

	for _, mode := range []string{config.ProxyModeNone, config.ProxyModeSystem, config.ProxyModeBasic} {
		t.Run(mode, func(t *testing.T) {
			client, err := NewS3Client(context.Background(), s3Config(mode))
			require.NoError(t, err)
			assert.NotNil(t, client)
		})
	}
}

func TestNewS3Client_NTLMRejectsCABundle(t *testing.T) {
	isolateAWSEnv(t)
	t.Setenv("AWS_CA_BUNDLE", writeCABundle(t))

	_, err := NewS3Client(context.Background(), s3Config(config.ProxyModeNTLM))
	assert.ErrorContains(t, err, "AWS_CA_BUNDLE")
}

func TestNewHTTPClient_AppliesProxySettings(t *testing.T) {
	client, err := newHTTPClient(s3Config(config.ProxyModeBasic))
	require.NoError(t, err)

	buildable, ok := client.(*awshttp.BuildableClient)
	require.True(t, ok, "client is %T", client)
	tr := buildable.GetTransport()
	require.NotNil(t, tr.Proxy)
	assert.True(t, tr.DisableCompression)
	assert.Equal(t, 100, tr.MaxConnsPerHost)

	req, err := nethttp.NewRequest(nethttp.MethodPut, "https://bucket.s3.amazonaws.com/objects/abc", nil)
	require.NoError(t, err)
	proxyURL, err := tr.Proxy(req)
	require.NoError(t, err)
	require.NotNil(t, proxyURL)
	assert.Equal(t, "proxy.corp:8080", proxyURL.Host)
}

func TestNewHTTPClient_UnsupportedMode(t *testing.T) {
	_, err := newHTTPClient(s3Config("socks"))
	assert.ErrorContains(t, err, "unsupported proxy mode")
}
