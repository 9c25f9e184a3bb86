package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceConfig_Render(t *testing.T) {
	cfg := defaultServiceConfig(8888)
	cfg.AuthToken = "abc123"

	assert.Equal(t, `bind_address = 0.0.0.0
port = 8888
open_browser = false
allow_origin = *
tls_min_version = 1.2
auth_token = abc123
`, cfg.Render())
}

func TestServiceConfig_RenderWithTLSFiles(t *testing.T) {
	cfg := defaultServiceConfig(5901)
	cfg.CertFile = "/etc/berth/tls.crt"
	cfg.KeyFile = "/etc/berth/tls.key"

	rendered := cfg.Render()
	assert.Contains(t, rendered, "cert_file = /etc/berth/tls.crt\n")
	assert.Contains(t, rendered, "key_file = /etc/berth/tls.key\n")
	assert.NotContains(t, rendered, "auth_token")
}

func TestServiceConfig_Write(t *testing.T) {
	cfg := defaultServiceConfig(8888)
	cfg.AuthToken = "secret"

	path := filepath.Join(t.TempDir(), "service.conf")
	require.NoError(t, cfg.Write(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Render(), string(data))
}
