package session

import (
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// ServiceConfig is the generated configuration artifact handed to the
// launched service. The service binds all interfaces on a fixed local port,
// never opens a browser, and accepts any origin since the tunnel is the only
// path to it.
type ServiceConfig struct {
	BindAddress string
	Port        int
	OpenBrowser bool
	AllowOrigin string
	TLSVersion  string
	AuthToken   string

	CertFile string
	KeyFile  string
}

func defaultServiceConfig(port int) ServiceConfig {
	return ServiceConfig{
		BindAddress: "0.0.0.0",
		Port:        port,
		OpenBrowser: false,
		AllowOrigin: "*",
		TLSVersion:  "1.2",
	}
}

// Render produces the key/value artifact content.
func (c ServiceConfig) Render() string {
	var b strings.Builder
	write := func(key, value string) {
		fmt.Fprintf(&b, "%s = %s\n", key, value)
	}

	write("bind_address", c.BindAddress)
	write("port", fmt.Sprintf("%d", c.Port))
	write("open_browser", fmt.Sprintf("%t", c.OpenBrowser))
	write("allow_origin", c.AllowOrigin)
	write("tls_min_version", c.TLSVersion)
	if c.CertFile != "" {
		write("cert_file", c.CertFile)
	}
	if c.KeyFile != "" {
		write("key_file", c.KeyFile)
	}
	if c.AuthToken != "" {
		write("auth_token", c.AuthToken)
	}
	return b.String()
}

// Write renders the artifact to path, readable by the session user only
// since it may carry the auth token.
func (c ServiceConfig) Write(path string) error {
	if err := os.WriteFile(path, []byte(c.Render()), 0600); err != nil {
		return errors.Wrapf(err, "write service config %s", path)
	}
	return nil
}
