package main

import (
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/basket/stockdesk/internal/config"
	"github.com/basket/stockdesk/internal/gateway"
)

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	home   string
	server string
	user   string
	token  string
}

// newRootCmd creates the root stockdesk command with all subcommands attached.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "stockdesk",
		Short:         "Multi-agent stock analysis task server",
		Long:          "stockdesk queues stock analysis tasks, runs them through analyst reports and\nbull/bear and risk debates, and serves progress and results over HTTP.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("stockdesk {{.Version}}\n")

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.home, "home", "", "data directory (default $STOCKDESK_HOME or ~/.stockdesk)")
	pf.StringVar(&opts.server, "server", "", "server URL for client commands (default http://<bind_addr>)")
	pf.StringVar(&opts.user, "user", defaultUser(), "user id sent as "+gateway.UserHeader)
	pf.StringVar(&opts.token, "token", "", "bearer token (default auth_token, $STOCKDESK_AUTH_TOKEN or <home>/auth.token)")

	cmd.AddCommand(
		newServeCmd(opts),
		newSubmitCmd(opts),
		newBatchCmd(opts),
		newStatusCmd(opts),
		newListCmd(opts),
		newCancelCmd(opts),
		newResultCmd(opts),
		newSweepCmd(opts),
		newDoctorCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

func defaultUser() string {
	if u := os.Getenv("STOCKDESK_USER"); u != "" {
		return u
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "local"
}

// loadConfig loads config for client commands. Validation errors are
// returned alongside the partially loaded config.
func (o *rootOptions) loadConfig() (config.Config, error) {
	home := o.home
	if home == "" {
		home = config.HomeDir()
	}
	return config.LoadFrom(home)
}

// serverURL resolves the base URL of the running server.
func (o *rootOptions) serverURL(cfg config.Config) string {
	if o.server != "" {
		return strings.TrimRight(o.server, "/")
	}
	addr := strings.TrimSpace(cfg.BindAddr)
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr
}

// authToken resolves the client token without generating one.
func (o *rootOptions) authToken(cfg config.Config) string {
	if o.token != "" {
		return o.token
	}
	if cfg.AuthToken != "" {
		return cfg.AuthToken
	}
	b, err := os.ReadFile(filepath.Join(cfg.HomeDir, authTokenFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// client builds an API client from the flags and config.
func (o *rootOptions) client() (*apiClient, error) {
	cfg, err := o.loadConfig()
	if err != nil && cfg.HomeDir == "" {
		return nil, err
	}
	return newAPIClient(o.serverURL(cfg), o.authToken(cfg), o.user), nil
}
