package config

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/subosito/gotenv"

	"github.com/bpowers/sockshub/internal/logging"
)

// LoadDotEnv loads a ".env" file from the working directory into the
// process environment, if one is present, before flags are parsed (spec.md
// §6). Its absence is not an error.
func LoadDotEnv() error {
	if _, err := os.Stat(".env"); err != nil {
		return nil
	}
	if err := gotenv.Load(".env"); err != nil {
		return fmt.Errorf("config: load .env: %w", err)
	}
	return nil
}

// RegisterFlags attaches the flag-based and URL-based CLI surfaces (spec.md
// §6) to cmd, mirroring ppiankov/trustwatch/internal/cli/root.go's flag
// registration.
func RegisterFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("source-type", "", "front-end protocol: http or socks5")
	flags.String("listen-addr", "", "listen address, host:port")
	flags.String("server-addr", "", "upstream SOCKS5 server address, host:port")
	flags.StringP("username", "u", "", "listener Basic/SOCKS5 username")
	flags.StringP("password", "p", "", "listener Basic/SOCKS5 password")
	flags.String("s5-username", "", "upstream SOCKS5 username")
	flags.String("s5-password", "", "upstream SOCKS5 password")
	flags.StringP("acl-file", "a", "", "ACL rules file path")
	flags.StringP("verbosity", "v", "info", "off|error|warn|info|debug|trace")
	flags.String("log-format", "text", "text|json")

	flags.String("listen-proxy-role", "", "URL-based listener: proto://[user[:pass]@]host:port")
	flags.String("remote-server", "", "URL-based upstream: socks5://[user[:pass]@]host:port")
}

// FromFlags builds a Config from cmd's parsed flags, preferring the
// URL-based shape for each side when its flag is set (spec.md §6: "either
// may be implemented; they encode the same configuration").
func FromFlags(cmd *cobra.Command) (*Config, error) {
	flags := cmd.Flags()

	cfg := &Config{}

	listenRoleURL, _ := flags.GetString("listen-proxy-role")
	remoteURL, _ := flags.GetString("remote-server")

	if listenRoleURL != "" {
		role, creds, hostport, err := ParseRoleURL(listenRoleURL)
		if err != nil {
			return nil, err
		}
		cfg.FrontEnd = role
		cfg.Listen = hostport
		cfg.ListenCredentials = creds
	} else {
		sourceType, _ := flags.GetString("source-type")
		cfg.FrontEnd = FrontEndRole(sourceType)
		cfg.Listen, _ = flags.GetString("listen-addr")
		user, _ := flags.GetString("username")
		pass, _ := flags.GetString("password")
		if user != "" || pass != "" {
			cfg.ListenCredentials = &Credentials{Username: user, Password: pass}
		}
	}

	if remoteURL != "" {
		creds, hostport, err := ParseUpstreamURL(remoteURL)
		if err != nil {
			return nil, err
		}
		cfg.ServerAddr = hostport
		cfg.UpstreamCredentials = creds
	} else {
		cfg.ServerAddr, _ = flags.GetString("server-addr")
		s5user, _ := flags.GetString("s5-username")
		s5pass, _ := flags.GetString("s5-password")
		if s5user != "" || s5pass != "" {
			cfg.UpstreamCredentials = &Credentials{Username: s5user, Password: s5pass}
		}
	}

	cfg.ACLFile, _ = flags.GetString("acl-file")
	cfg.LogFormat, _ = flags.GetString("log-format")

	verbosityStr, _ := flags.GetString("verbosity")
	verbosity, err := logging.ParseVerbosity(verbosityStr)
	if err != nil {
		return nil, &ConfigError{Reason: err.Error()}
	}
	cfg.Verbosity = verbosity

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
