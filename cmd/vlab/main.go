package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	config "github.com/cochaviz/vlab/config"
	"github.com/cochaviz/vlab/internal/launch"
	"github.com/cochaviz/vlab/internal/logging"
	"github.com/cochaviz/vlab/internal/setup"
)

const defaultLogLevel = "warning"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the command line and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelWarn)

	st := &state{stdout: stdout, stderr: stderr, level: &levelVar}
	st.logger = logging.NewCLI(stderr, &levelVar)

	root := newRootCommand(st)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			st.logger.Warn("command interrupted", "error", err)
			return 130
		}
		st.logger.Error("command execution failed", "error", err)
		return 1
	}
	return 0
}

// state is shared by every command of one invocation.
type state struct {
	stdout io.Writer
	stderr io.Writer
	level  *slog.LevelVar
	logger *slog.Logger
	cfg    setup.Config
}

func (st *state) app() *config.App {
	return config.New(st.cfg, st.stdout, st.logger)
}

func (st *state) verbose() {
	if st.level.Level() > slog.LevelInfo {
		st.level.Set(slog.LevelInfo)
	}
}

func newRootCommand(st *state) *cobra.Command {
	var (
		logLevel   = defaultLogLevel
		logFormat  string
		configPath string
	)

	root := &cobra.Command{
		Use:           "vlab",
		Short:         "Start virtual labs of user-mode Linux hosts connected through virtual hubs",
		SilenceErrors: true,
		SilenceUsage:  true,
		// vhost start parses its own flags; global flags go before it.
		TraverseChildren: true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text, json)")
	root.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file (default $NETKIT_HOME/netkit.yaml)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := parseLogLevel(logLevel)
		if err != nil {
			return err
		}
		st.level.Set(level)

		mode, err := logging.ParseMode(logFormat)
		if err != nil {
			return err
		}
		st.logger = logging.New(mode, st.stderr, st.level)
		slog.SetDefault(st.logger)
		setup.SetLogger(st.logger.With("component", "setup"))

		cfg, err := setup.Load(configPath)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		st.cfg = cfg
		return nil
	}

	root.AddCommand(
		newLabCommand(st),
		newVHostCommand(st),
		newConfigCommand(st),
		newCheckCommand(st),
	)
	return root
}

func newLabCommand(st *state) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lab",
		Short: "Manage labs",
	}
	cmd.AddCommand(
		newLabStartCommand(st),
		newLabInfoCommand(st),
	)
	return cmd
}

func newLabStartCommand(st *state) *cobra.Command {
	opts := config.DefaultLabStartOptions()

	cmd := &cobra.Command{
		Use:   "start [vhost...]",
		Short: "Start the vhosts of a lab, honouring lab.dep prerequisites",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.VHosts = args
			if opts.Verbose {
				st.verbose()
			}
			if !cmd.Flags().Changed("parallel") {
				opts.Parallel = config.Unset
			}
			if !cmd.Flags().Changed("wait") {
				opts.Grace = config.Unset
			}

			cmdLogger := st.logger.With("command", "lab.start")
			cmdLogger.Info("starting lab", "dir", opts.Dir, "vhosts", args)

			result, err := st.app().StartLab(cmd.Context(), opts)
			if err != nil {
				return err
			}
			cmdLogger.Info("lab started", "run", result.RunID, "launched", len(result.Launched))
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.Dir, "directory", "d", ".", "Lab directory")
	flags.BoolVarP(&opts.Force, "force-lab", "F", false, "Start even if the directory does not look like a lab")
	flags.BoolVarP(&opts.Fast, "fast", "f", false, "Do not wait for a vhost to boot before starting the next one")
	flags.BoolVarP(&opts.List, "list", "l", false, "Show the lab's vhosts once they are started")
	flags.StringVarP(&opts.Pass, "pass", "o", "", "Options passed to every vhost start, e.g. -o '--mem 64'")
	flags.IntVarP(&opts.Parallel, "parallel", "p", 0, "Start in parallel with at most N vhosts booting at once (0 = unbounded)")
	flags.BoolVarP(&opts.Sequential, "sequential", "s", false, "Start vhosts one at a time, ignoring lab.dep")
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "Show kernel messages and progress")
	flags.IntVarP(&opts.Grace, "wait", "w", 0, "Seconds to wait after each vhost is ready (default grace_time)")
	flags.StringVar(&opts.MetricsFile, "metrics-file", "", "Write launch metrics to this file in Prometheus text format")
	cmd.MarkFlagsMutuallyExclusive("parallel", "sequential")

	return cmd
}

func newLabInfoCommand(st *state) *cobra.Command {
	var (
		dir   string
		force bool
	)

	cmd := &cobra.Command{
		Use:   "info",
		Args:  cobra.NoArgs,
		Short: "Show the vhosts of a lab, their prerequisites and whether they are running",
		RunE: func(cmd *cobra.Command, args []string) error {
			infos, err := st.app().LabInfo(dir, force)
			if err != nil {
				return err
			}
			if len(infos) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no machines in lab")
				return nil
			}
			config.PrintLabInfo(cmd.OutOrStdout(), infos)
			return nil
		},
	}

	cmd.Flags().StringVarP(&dir, "directory", "d", ".", "Lab directory")
	cmd.Flags().BoolVarP(&force, "force-lab", "F", false, "Read the directory even if it does not look like a lab")

	return cmd
}

func newVHostCommand(st *state) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vhost",
		Short: "Manage single vhosts",
	}
	cmd.AddCommand(newVHostStartCommand(st))
	return cmd
}

func newVHostStartCommand(st *state) *cobra.Command {
	return &cobra.Command{
		Use:   "start [flags] <vhost>",
		Short: "Start a single vhost",
		Long: "Start a single vhost. Flags follow the vhost name or precede it; global flags\n" +
			"such as --log-level must be given before \"vhost start\".\n\n" +
			"Interfaces are attached with --ethN DOMAIN, where N < max_interfaces. A domain\n" +
			"of the form tap,GATEWAY,GUEST connects the interface to the host.",
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, arg := range args {
				if arg == "-h" || arg == "--help" {
					return vhostStartHelp(cmd, st.cfg)
				}
			}

			o, err := launch.ParseArgs(st.cfg, args)
			if err != nil {
				return err
			}
			if o.Verbose {
				st.verbose()
			}
			st.logger.With("command", "vhost.start", "vhost", o.VHost).Info("starting vhost")
			return st.app().StartVHost(cmd.Context(), o)
		},
	}
}

// vhostStartHelp registers the vhost flags on cmd only to render them.
func vhostStartHelp(cmd *cobra.Command, cfg setup.Config) error {
	o := launch.DefaultOptions(cfg)
	launch.BindFlags(cmd.Flags(), &o, 0)
	return cmd.Help()
}

func newConfigCommand(st *state) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Args:  cobra.NoArgs,
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := st.cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})
	return cmd
}

func newCheckCommand(st *state) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Args:  cobra.NoArgs,
		Short: "Verify that the kernel and the external programs are available",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := st.app().CheckTools(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "all tools found")
			return nil
		},
	}
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", value)
	}
}
