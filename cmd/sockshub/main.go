// Command sockshub runs the proxy hub: one listener speaking HTTP CONNECT
// or SOCKS5, forwarding every accepted session to a single upstream SOCKS5
// server, optionally filtered by an ACL file.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bpowers/sockshub/internal/acl"
	"github.com/bpowers/sockshub/internal/config"
	"github.com/bpowers/sockshub/internal/httpproxy"
	"github.com/bpowers/sockshub/internal/hub"
	"github.com/bpowers/sockshub/internal/logging"
	"github.com/bpowers/sockshub/internal/socks5proxy"
	"github.com/bpowers/sockshub/internal/upstream"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run wires configuration, logging, the ACL, the dialer, and the
// front-ends, then blocks until shutdown. It returns the process exit code
// (spec.md §6: 0 clean shutdown, 2 configuration/ACL parse error, 1 any
// other fatal error).
func run(args []string) int {
	rootCmd := &cobra.Command{
		Use:   "sockshub",
		Short: "A single-upstream HTTP/SOCKS5 proxy hub",
	}
	config.RegisterFlags(rootCmd)
	rootCmd.AddCommand(newACLCmd())

	exitCode := 0
	rootCmd.RunE = func(cmd *cobra.Command, _ []string) error {
		code, err := runHub(cmd)
		exitCode = code
		return err
	}
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
	rootCmd.SetArgs(args)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "sockshub:", err)
		if exitCode == 0 {
			exitCode = 1
		}
	}
	return exitCode
}

func runHub(cmd *cobra.Command) (int, error) {
	if err := config.LoadDotEnv(); err != nil {
		return 1, err
	}

	cfg, err := config.FromFlags(cmd)
	if err != nil {
		var cerr *config.ConfigError
		if errors.As(err, &cerr) {
			return 2, err
		}
		return 1, err
	}

	logger := logging.Setup(cfg.Verbosity, cfg.LogFormat)

	var ruleset *acl.Ruleset
	if cfg.ACLFile != "" {
		ruleset, err = acl.Load(cfg.ACLFile)
		if err != nil {
			return 2, fmt.Errorf("load ACL: %w", err)
		}
	}

	dialer := &hub.Dialer{ACL: ruleset}
	if cfg.ServerAddr != "" {
		client := &upstream.Client{ServerAddr: cfg.ServerAddr}
		if cfg.UpstreamCredentials != nil {
			client.Credentials = &upstream.Credentials{
				Username: []byte(cfg.UpstreamCredentials.Username),
				Password: []byte(cfg.UpstreamCredentials.Password),
			}
		}
		dialer.Upstream = client
	}

	handler, err := frontEndHandler(cfg, dialer, logger)
	if err != nil {
		return 1, err
	}

	sup := &hub.Supervisor{
		Logger: logger,
		Listeners: []hub.Listener{
			{Name: string(cfg.FrontEnd), Addr: cfg.Listen, Handler: handler},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sup.Run(ctx); err != nil {
		return 1, err
	}
	return 0, nil
}

func frontEndHandler(cfg *config.Config, dialer *hub.Dialer, logger *slog.Logger) (hub.Handler, error) {
	switch cfg.FrontEnd {
	case config.RoleHTTP:
		srv := &httpproxy.Server{Dialer: dialer, Logger: logger}
		if cfg.ListenCredentials != nil {
			srv.Credentials = &httpproxy.Credentials{
				Username: cfg.ListenCredentials.Username,
				Password: cfg.ListenCredentials.Password,
			}
		}
		return srv.ServeConn, nil
	case config.RoleSocks5:
		srv := &socks5proxy.Server{Dialer: dialer, Logger: logger}
		if cfg.ListenCredentials != nil {
			srv.Credentials = &socks5proxy.Credentials{
				Username: []byte(cfg.ListenCredentials.Username),
				Password: []byte(cfg.ListenCredentials.Password),
			}
		}
		return srv.ServeConn, nil
	default:
		return nil, fmt.Errorf("unsupported front-end role %q", cfg.FrontEnd)
	}
}
