package ctrlstack

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Local server management subcommands added in local mode.
const (
	cmdStartLocalServer   = "start-local-server"
	cmdGetServerStatus    = "get-server-status"
	cmdStopLocalServer    = "stop-local-server"
	cmdRestartLocalServer = "restart-local-server"
)

var managementCommands = []string{
	cmdStartLocalServer, cmdGetServerStatus, cmdStopLocalServer, cmdRestartLocalServer,
	"help", "completion",
}

// EnvPrefix prefixes the environment variables read by the remote CLI
// (CTRLSTACK_URL, CTRLSTACK_API_KEY).
const EnvPrefix = "CTRLSTACK"

// RemoteCLIConfig configures NewRemoteCLI.
type RemoteCLIConfig struct {
	Config

	// URL of a remote server. Must be empty in local mode.
	URL string
	// APIKey is sent as X-API-Key on every call when set.
	APIKey string

	// LocalMode manages a server process on this machine, found through the
	// lock record at LockfilePath.
	LocalMode bool
	// StartLocalServerAutomatically starts the local server before any method
	// subcommand when none is running.
	StartLocalServerAutomatically bool
	LockfilePath                  string

	// Controller or ControllerFactory provide the implementation served by the
	// local server; when both are nil the base controller is served. Only
	// allowed in local mode.
	Controller        Controller
	ControllerFactory func() Controller

	// LocalServerStartTimeout bounds the wait for an auto-started server.
	LocalServerStartTimeout time.Duration
	// PollInterval is the delay between liveness probes.
	PollInterval time.Duration
	// StopTimeout bounds the wait for a stopped server to exit before it is killed.
	StopTimeout time.Duration

	// Launch starts the local server in the background. The default re-runs
	// the current executable with the start-local-server subcommand, detached.
	Launch func(ctx context.Context) error

	ServerOptions []ServerOption
	Logger        *slog.Logger
}

// DefaultRemoteCLIConfig returns a config with automatic local server start,
// a 10s start timeout and a 100ms poll interval.
func DefaultRemoteCLIConfig() RemoteCLIConfig {
	return RemoteCLIConfig{
		StartLocalServerAutomatically: true,
		LocalServerStartTimeout:       10 * time.Second,
		PollInterval:                  100 * time.Millisecond,
		StopTimeout:                   5 * time.Second,
	}
}

func (c *RemoteCLIConfig) validate() error {
	switch {
	case c.LocalMode && c.URL != "":
		return newError(CodeConfiguration, "remote cli", "URL must be empty in local mode")
	case !c.LocalMode && (c.Controller != nil || c.ControllerFactory != nil):
		return newError(CodeConfiguration, "remote cli", "a controller may only be supplied in local mode")
	case c.LocalMode && c.LockfilePath == "":
		return newError(CodeConfiguration, "remote cli", "local mode requires a lock file path")
	}
	return nil
}

func (c *RemoteCLIConfig) setDefaults() {
	d := DefaultRemoteCLIConfig()
	if c.LocalServerStartTimeout <= 0 {
		c.LocalServerStartTimeout = d.LocalServerStartTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = d.StopTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// probeAttempts is the number of liveness probes made while waiting for startup.
func probeAttempts(timeout, interval time.Duration) int {
	return int(math.Ceil(float64(timeout) / float64(interval)))
}

// NewRemoteCLI builds a CLI whose method subcommands call a server through a
// RemoteController mirroring base. In local mode it also manages that server.
func NewRemoteCLI(base Controller, cfg RemoteCLIConfig) (*cobra.Command, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.setDefaults()
	if cfg.LocalMode {
		if err := checkCommandNames("remote cli", base, managementCommands...); err != nil {
			return nil, err
		}
	}

	url := cfg.URL
	if cfg.LocalMode {
		// Rewritten once the local server's port is known.
		url = "http://localhost"
	}
	remote := NewRemoteController(base, url, cfg.APIKey)
	root := NewCLI(remote, WithCLIConfig(cfg.Config), WithCLILogger(cfg.Logger))

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if !cfg.LocalMode {
		root.PersistentFlags().String("url", cfg.URL, "Base URL of the server")
		v.BindPFlag("url", root.PersistentFlags().Lookup("url"))
	}
	root.PersistentFlags().String("api-key", cfg.APIKey, "API key sent as "+APIKeyHeader)
	v.BindPFlag("api_key", root.PersistentFlags().Lookup("api-key"))

	methodCommands := make(map[string]bool)
	for _, m := range remote.Registry().Methods() {
		methodCommands[m.CommandName()] = true
	}

	rcli := &remoteCLI{cfg: cfg, base: base, remote: remote}

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if !cfg.LocalMode {
			remote.SetURL(v.GetString("url"))
		}
		remote.SetAPIKey(v.GetString("api_key"))

		if !cfg.LocalMode || !cfg.StartLocalServerAutomatically || !methodCommands[cmd.Name()] {
			return nil
		}
		return rcli.ensureLocalServer(cmd.Context())
	}

	if cfg.LocalMode {
		root.AddCommand(
			rcli.startCmd(),
			rcli.statusCmd(),
			rcli.stopCmd(),
			rcli.restartCmd(),
		)
	}
	return root, nil
}

type remoteCLI struct {
	cfg    RemoteCLIConfig
	base   Controller
	remote *RemoteController
}

func (r *remoteCLI) localController() Controller {
	switch {
	case r.cfg.Controller != nil:
		return r.cfg.Controller
	case r.cfg.ControllerFactory != nil:
		return r.cfg.ControllerFactory()
	default:
		return r.base
	}
}

func (r *remoteCLI) launch(ctx context.Context) error {
	if r.cfg.Launch != nil {
		return r.cfg.Launch(ctx)
	}
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	return LaunchDetached(exe, cmdStartLocalServer)
}

// ensureLocalServer starts the local server if needed, waits for it to become
// live and points the remote controller at it.
func (r *remoteCLI) ensureLocalServer(ctx context.Context) error {
	status, err := CheckLocalServer(r.cfg.LockfilePath)
	if err != nil {
		return err
	}
	if !status.Running {
		r.cfg.Logger.Debug("no local server running, launching one", "lockfile", r.cfg.LockfilePath)
		if err := r.launch(ctx); err != nil {
			return wrapError(CodeStartupTimeout, "start local server", err, "launch failed")
		}
	}

	tries := probeAttempts(r.cfg.LocalServerStartTimeout, r.cfg.PollInterval)
	for i := 0; i < tries; i++ {
		status, err = CheckLocalServer(r.cfg.LockfilePath)
		if err != nil {
			return err
		}
		if status.Running {
			break
		}
		time.Sleep(r.cfg.PollInterval)
	}
	if !status.Running {
		return newError(CodeStartupTimeout, "start local server",
			"local server did not start within %s; please check the logs", r.cfg.LocalServerStartTimeout)
	}
	r.remote.SetURL(serverURL(status.Port))
	return nil
}

func (r *remoteCLI) serve(cmd *cobra.Command, port int, verbose bool) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger := r.cfg.Logger
	if !verbose {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return StartLocalServer(ctx, r.localController(), r.cfg.LockfilePath, LocalServerOptions{
		Port:          port,
		ServerOptions: r.cfg.ServerOptions,
		Logger:        logger,
	})
}

func (r *remoteCLI) stop(cmd *cobra.Command, verbose bool) error {
	rec, existed, err := StopLocalServer(r.cfg.LockfilePath, r.cfg.StopTimeout)
	if err != nil {
		return err
	}
	if verbose {
		if existed {
			fmt.Fprintf(cmd.OutOrStdout(), "Stopped local server on port %d with PID %d.\n", rec.Port, rec.PID)
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "No local server running.")
		}
	}
	return nil
}

func (r *remoteCLI) startCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   cmdStartLocalServer,
		Short: "Start the local server in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			port, _ := cmd.Flags().GetInt("port")
			verbose, _ := cmd.Flags().GetBool("verbose")
			return r.serve(cmd, port, verbose)
		},
	}
	cmd.Flags().Int("port", 0, "Port to listen on (0 picks a free port)")
	cmd.Flags().Bool("verbose", true, "Log server activity")
	return cmd
}

func (r *remoteCLI) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   cmdGetServerStatus,
		Short: "Report whether the local server is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := CheckLocalServer(r.cfg.LockfilePath)
			if err != nil {
				return err
			}
			if status.Running {
				fmt.Fprintf(cmd.OutOrStdout(), "Local server is running on port %d with PID %d.\n", status.Port, status.PID)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "No local server is running.")
			}
			return nil
		},
	}
}

func (r *remoteCLI) stopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   cmdStopLocalServer,
		Short: "Stop the local server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			verbose, _ := cmd.Flags().GetBool("verbose")
			return r.stop(cmd, verbose)
		},
	}
	cmd.Flags().Bool("verbose", true, "Report what was stopped")
	return cmd
}

func (r *remoteCLI) restartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   cmdRestartLocalServer,
		Short: "Stop the local server and start it again in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			verbose, _ := cmd.Flags().GetBool("verbose")
			if err := r.stop(cmd, verbose); err != nil {
				return err
			}
			port, _ := cmd.Flags().GetInt("port")
			if port == 0 {
				p, err := FindFreePort()
				if err != nil {
					return err
				}
				port = p
			}
			return r.serve(cmd, port, verbose)
		},
	}
	cmd.Flags().Int("port", 0, "Port to listen on (0 picks a free port)")
	cmd.Flags().Bool("verbose", true, "Report what was stopped")
	return cmd
}
