// Package config assembles the startup configuration (spec.md §3, §6):
// flag-based or URL-based CLI shapes, .env loading, and the flag/URL
// surface's translation into the immutable Config used for the rest of the
// process lifetime.
package config

import (
	"fmt"
	"net/url"

	"github.com/bpowers/sockshub/internal/logging"
)

// FrontEndRole selects which protocol the listener speaks.
type FrontEndRole string

const (
	RoleHTTP   FrontEndRole = "http"
	RoleSocks5 FrontEndRole = "socks5"
)

// Credentials is a username/password pair, percent-decoded when it arrives
// via the URL-based CLI shape (spec.md §6).
type Credentials struct {
	Username string
	Password string
}

// Config is the immutable startup configuration shared by every session
// (spec.md §3).
type Config struct {
	FrontEnd FrontEndRole
	Listen   string

	ServerAddr string // upstream SOCKS5 endpoint

	ListenCredentials   *Credentials
	UpstreamCredentials *Credentials

	ACLFile string

	Verbosity logging.Verbosity
	LogFormat string
}

// ConfigError reports a bad flag combination or malformed URL (spec.md §7);
// it maps to exit code 2.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "config: " + e.Reason }

// ParseRoleURL parses the URL-based listener shape
// `proto://[user[:pass]@]host:port` (spec.md §6), returning the front-end
// role, decoded credentials (nil if absent), and the host:port to bind.
func ParseRoleURL(raw string) (FrontEndRole, *Credentials, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", nil, "", &ConfigError{Reason: fmt.Sprintf("invalid listener URL %q: %v", raw, err)}
	}
	role := FrontEndRole(u.Scheme)
	if role != RoleHTTP && role != RoleSocks5 {
		return "", nil, "", &ConfigError{Reason: fmt.Sprintf("unsupported listener scheme %q", u.Scheme)}
	}
	if u.Host == "" {
		return "", nil, "", &ConfigError{Reason: fmt.Sprintf("listener URL %q missing host:port", raw)}
	}
	return role, credsFromURL(u), u.Host, nil
}

// ParseUpstreamURL parses the URL-based upstream shape; only socks5 is
// accepted (spec.md §6).
func ParseUpstreamURL(raw string) (*Credentials, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, "", &ConfigError{Reason: fmt.Sprintf("invalid upstream URL %q: %v", raw, err)}
	}
	if u.Scheme != string(RoleSocks5) {
		return nil, "", &ConfigError{Reason: fmt.Sprintf("unsupported upstream scheme %q", u.Scheme)}
	}
	if u.Host == "" {
		return nil, "", &ConfigError{Reason: fmt.Sprintf("upstream URL %q missing host:port", raw)}
	}
	return credsFromURL(u), u.Host, nil
}

func credsFromURL(u *url.URL) *Credentials {
	if u.User == nil {
		return nil
	}
	pass, _ := u.User.Password()
	return &Credentials{Username: u.User.Username(), Password: pass}
}

// Validate checks the invariants spec.md §3 requires before the hub starts:
// a listen address, an upstream address, and a recognized front-end role.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return &ConfigError{Reason: "listen address is required"}
	}
	if c.ServerAddr == "" {
		return &ConfigError{Reason: "upstream server address is required"}
	}
	if c.FrontEnd != RoleHTTP && c.FrontEnd != RoleSocks5 {
		return &ConfigError{Reason: fmt.Sprintf("unsupported front-end role %q", c.FrontEnd)}
	}
	return nil
}
