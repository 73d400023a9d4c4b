package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/agentmgr"
	"github.com/loykin/agentmgr/internal/elevate"
	"github.com/loykin/agentmgr/internal/handoff"
	"github.com/loykin/agentmgr/internal/instance"
	"github.com/loykin/agentmgr/internal/service"
)

// version is set at build time with -ldflags "-X main.version=1.2.3".
var version = "dev"

// Process exit codes.
const (
	exitOK            = 0
	exitError         = 1
	exitConfig        = 2
	exitAlreadyRuns   = 3
	exitElevation     = 4
	exitCopyExhausted = 5
)

func main() {
	root := buildRoot(os.Stdout, os.Args[1:], agentmgr.Open)
	root.SetArgs(os.Args[1:])
	err := root.ExecuteContext(context.Background())
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, agentmgr.ErrConfig), errors.Is(err, service.ErrServiceConfig):
		return exitConfig
	case errors.Is(err, instance.ErrAlreadyRunning):
		return exitAlreadyRuns
	case errors.Is(err, elevate.ErrElevation):
		return exitElevation
	case errors.Is(err, handoff.ErrCopyExhausted):
		return exitCopyExhausted
	default:
		return exitError
	}
}

// GlobalFlags holds the persistent flags
type GlobalFlags struct {
	ConfigPath string
}

// buildRoot creates the command tree. args is the command line that gets
// relaunched by bootstrap and updates.
func buildRoot(out io.Writer, args []string, open func(agentmgr.Options) (*agentmgr.Manager, error)) *cobra.Command {
	globalFlags := &GlobalFlags{}
	cmd := command{global: globalFlags, out: out, args: args, open: open}

	root := createRootCommand(globalFlags)
	root.SetOut(out)
	root.AddCommand(
		createRunCommand(cmd),
		createServiceCommand(cmd),
		createLockCommand(cmd),
		createUpdateCommand(cmd),
		createAgentCommand(cmd),
		createHistoryCommand(cmd),
		createHandoffCommand(cmd),
		createVersionCommand(cmd),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "agentmgr",
		Short: "Installs, supervises and updates a monitoring agent service",
		Long: `agentmgr keeps a monitoring agent installed as an OS service, runs as a
single elevated instance from its install directory and updates itself and
the agent from published releases.

Examples:
  agentmgr run --config /etc/agentmgr/agentmgr.toml
  agentmgr service status
  agentmgr service restart --timeout 45s --api-url http://127.0.0.1:45877/api
  agentmgr update check`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	return root
}

func createRunCommand(c command) *cobra.Command {
	flags := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the manager",
		Long: `Run the manager in the foreground. Unless --in-place is given it first
makes sure it runs elevated from the install directory, relaunching itself
when it does not. It then takes the single-instance lock, configures the
agent service and serves the control API until interrupted.

Examples:
  agentmgr run
  agentmgr run --hidden --daemonize`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Run(cmd.Context(), *flags)
		},
	}
	cmd.Flags().BoolVar(&flags.Hidden, "hidden", false, "no console output, log to file only")
	cmd.Flags().BoolVar(&flags.Daemonize, "daemonize", false, "run in the background")
	cmd.Flags().BoolVar(&flags.InPlace, "in-place", false, "skip elevation and relocation to the install directory")
	return cmd
}

func createServiceCommand(c command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Control the agent service",
		Long: `Control the agent service locally or, with --api-url, through a running
manager. stop, restart and remove wait up to --timeout for the service to
settle and then kill its process tree; the printed result reports
forced_kill when that happened.`,
	}
	cmd.AddCommand(
		createServiceConfigureCommand(c),
		createServiceSimpleCommand("start", "Start the service", func(ctx context.Context, f ServiceFlags) error {
			return c.ServiceStart(ctx, f)
		}),
		createServiceSimpleCommand("status", "Show the service state", func(ctx context.Context, f ServiceFlags) error {
			return c.ServiceStatus(ctx, f)
		}),
		createServiceTimedCommand(c, "stop", "Stop the service"),
		createServiceTimedCommand(c, "restart", "Restart the service"),
		createServiceTimedCommand(c, "remove", "Stop and uninstall the service"),
	)
	return cmd
}

func addAPIFlags(cmd *cobra.Command, url *string, timeout *time.Duration) {
	cmd.Flags().StringVar(url, "api-url", "", "running manager API (e.g. http://127.0.0.1:45877/api)")
	cmd.Flags().DurationVar(timeout, "api-timeout", 2*time.Minute, "request timeout")
}

func createServiceConfigureCommand(c command) *cobra.Command {
	flags := &ServiceFlags{}
	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Install or reconfigure the service and (re)start it",
		Long: `Install or reconfigure the agent service from the config file, or from
--binary and --env when given, and restart it.

Examples:
  agentmgr service configure
  agentmgr service configure --binary /opt/agentmgr/agent/agent --env KEY=ssh-ed25519... --env Listen=45876`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.ServiceConfigure(cmd.Context(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Binary, "binary", "", "agent executable (default from config)")
	cmd.Flags().StringArrayVar(&flags.Env, "env", nil, "service environment KEY=VALUE (repeatable)")
	addAPIFlags(cmd, &flags.APIUrl, &flags.APITimeout)
	return cmd
}

func createServiceSimpleCommand(use, short string, run func(context.Context, ServiceFlags) error) *cobra.Command {
	flags := &ServiceFlags{}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), *flags)
		},
	}
	addAPIFlags(cmd, &flags.APIUrl, &flags.APITimeout)
	return cmd
}

func createServiceTimedCommand(c command, op, short string) *cobra.Command {
	flags := &ServiceFlags{}
	cmd := &cobra.Command{
		Use:   op,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.ServiceOp(cmd.Context(), op, *flags)
		},
	}
	cmd.Flags().DurationVar(&flags.Timeout, "timeout", 0, "wait before killing the process tree (default service.stop_timeout)")
	addAPIFlags(cmd, &flags.APIUrl, &flags.APITimeout)
	return cmd
}

func createLockCommand(c command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect the single-instance lock",
	}
	flags := &LockFlags{}
	status := &cobra.Command{
		Use:   "status",
		Short: "Show the lock file and its holder",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.LockStatus(cmd.Context(), *flags)
		},
	}
	addAPIFlags(status, &flags.APIUrl, &flags.APITimeout)
	cmd.AddCommand(status)
	return cmd
}

func createUpdateCommand(c command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Check for and apply manager updates",
		Long: `Check for and apply manager updates from the configured release source.

Examples:
  agentmgr update check
  agentmgr update list --limit 5
  agentmgr update stage --version 1.4.0
  agentmgr update apply`,
	}
	flags := &UpdateFlags{}

	check := &cobra.Command{
		Use:   "check",
		Short: "Compare the running version with the latest release",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.UpdateCheck(cmd.Context())
		},
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List releases, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.UpdateList(cmd.Context(), *flags)
		},
	}
	list.Flags().IntVar(&flags.Limit, "limit", 10, "maximum releases to list")

	stage := &cobra.Command{
		Use:   "stage",
		Short: "Download and verify a release without installing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.UpdateStage(cmd.Context(), *flags)
		},
	}
	stage.Flags().StringVar(&flags.Version, "version", "", "release version (default latest)")
	stage.Flags().BoolVar(&flags.Force, "force", false, "download again even when already staged")

	apply := &cobra.Command{
		Use:   "apply",
		Short: "Replace the installed manager with a release and restart it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.UpdateApply(cmd.Context(), *flags)
		},
	}
	apply.Flags().StringVar(&flags.Version, "version", "", "release version (default latest)")
	apply.Flags().BoolVar(&flags.Force, "force", false, "apply even when not newer than the running version")

	cmd.AddCommand(check, list, stage, apply)
	return cmd
}

func createAgentCommand(c command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage the agent binary",
	}
	flags := &AgentFlags{}
	install := &cobra.Command{
		Use:   "install",
		Short: "Install or update the agent from its releases and restart the service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.AgentInstall(cmd.Context(), *flags)
		},
	}
	install.Flags().StringVar(&flags.Version, "version", "latest", "agent release version")
	cmd.AddCommand(install)
	return cmd
}

func createHistoryCommand(c command) *cobra.Command {
	flags := &HistoryFlags{}
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent lifecycle events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.History(cmd.Context(), *flags)
		},
	}
	cmd.Flags().IntVar(&flags.Limit, "limit", 50, "maximum events")
	addAPIFlags(cmd, &flags.APIUrl, &flags.APITimeout)
	return cmd
}

func createHandoffCommand(c command) *cobra.Command {
	flags := &HandoffFlags{}
	cmd := &cobra.Command{
		Use:    "handoff",
		Short:  "Execute a hand-off request (internal)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Handoff(cmd.Context(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Request, "request", "", "hand-off request file")
	return cmd
}

func createVersionCommand(c command) *cobra.Command {
	flags := &VersionFlags{}
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Version(*flags)
		},
	}
	cmd.Flags().BoolVar(&flags.Short, "short", false, "print only the version number")
	return cmd
}
