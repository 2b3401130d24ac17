package simple

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"
	"github.com/olekukonko/tablewriter"

	"github.com/cochaviz/vlab/internal/errdefs"
	"github.com/cochaviz/vlab/internal/hub"
	"github.com/cochaviz/vlab/internal/lab"
	"github.com/cochaviz/vlab/internal/launch"
	"github.com/cochaviz/vlab/internal/logging"
	"github.com/cochaviz/vlab/internal/metrics"
	"github.com/cochaviz/vlab/internal/procscan"
	"github.com/cochaviz/vlab/internal/schedule"
	"github.com/cochaviz/vlab/internal/setup"
	"github.com/cochaviz/vlab/internal/supervise"
)

// Unset marks an integer lab start option that was not given.
const Unset = -1

// ProcessTable is the view of the host's processes the launch flow needs.
type ProcessTable interface {
	launch.ProcessInspector
	hub.BoundChecker
	VHosts(uid int) (map[string]int, error)
}

// Runner starts both vhosts and hub switches.
type Runner interface {
	supervise.Runner
	hub.Starter
}

// App wires the components for one invocation. Zero-valued collaborators
// are replaced by their host implementations in New.
type App struct {
	Config setup.Config
	Out    io.Writer
	Logger *slog.Logger

	Runner  Runner
	Procs   ProcessTable
	WorkDir string
	// Hubs replaces the switch manager when set.
	Hubs supervise.Hubs

	CompilerOptions   []launch.CompilerOption
	SupervisorOptions []supervise.Option
}

// New returns an App using the host's processes and file system.
func New(cfg setup.Config, out io.Writer, logger *slog.Logger) *App {
	logger = logging.Ensure(logger).With("component", "config.simple")
	return &App{
		Config: cfg,
		Out:    out,
		Logger: logger,
		Runner: supervise.NewExecRunner(logger),
		Procs:  procscan.New(),
	}
}

// LabStartOptions are the lab start flags.
type LabStartOptions struct {
	Dir    string
	VHosts []string
	Force  bool
	Fast   bool
	List   bool
	// Pass is appended, shell-split, to every vhost's options.
	Pass string
	// Parallel is the concurrency bound given with -p, or Unset.
	Parallel   int
	Sequential bool
	Verbose    bool
	// Grace is the pause after each ready vhost in seconds, or Unset for
	// the configured grace_time.
	Grace       int
	MetricsFile string
}

// DefaultLabStartOptions returns the options of a bare lab start.
func DefaultLabStartOptions() LabStartOptions {
	return LabStartOptions{Dir: ".", Parallel: Unset, Grace: Unset}
}

// StartLab launches the selected vhosts of a lab. Every vhost is compiled
// before the first one starts, so an invalid declaration aborts the whole
// run. Launch failures do not stop dependants; they are reported together
// once the run ends.
func (a *App) StartLab(ctx context.Context, opts LabStartOptions) (schedule.Result, error) {
	if opts.Parallel != Unset && opts.Sequential {
		return schedule.Result{}, errdefs.Validation("the arguments (-p / --parallel) and (-s / --sequential) are mutually exclusive")
	}
	if opts.Parallel < Unset {
		return schedule.Result{}, errdefs.Validation("-p expects a non-negative bound, got %d", opts.Parallel)
	}

	dir, err := lab.Open(opts.Dir, opts.Force, a.Logger)
	if err != nil {
		return schedule.Result{}, err
	}
	logger := a.Logger.With("lab", dir.Path)

	vhosts, err := dir.Select(opts.VHosts)
	if err != nil {
		return schedule.Result{}, err
	}
	if len(vhosts) == 0 {
		fmt.Fprintln(a.Out, "no machines to start")
		return schedule.Result{}, nil
	}

	graph, bound, err := a.plan(dir, vhosts, opts)
	if err != nil {
		return schedule.Result{}, err
	}
	logger.Debug("launch plan", "graph", graph.String(), "bound", bound)

	pass, err := shellquote.Split(opts.Pass)
	if err != nil {
		return schedule.Result{}, &errdefs.ValidationError{Message: "--pass", Err: err}
	}

	compiler := a.compiler()
	specs := make(map[string]*launch.Spec, graph.Len())
	var errs []error
	for _, vhost := range graph.Nodes() {
		args := composeArgs(dir, vhost, pass, a.workDir(), opts.Verbose, logger)
		logger.Debug("vhost arguments", "vhost", vhost, "args", args)
		o, err := launch.ParseArgs(a.Config, args)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", vhost, err))
			continue
		}
		spec, err := compiler.Compile(o)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", vhost, err))
			continue
		}
		specs[vhost] = spec
	}
	if err := errors.Join(errs...); err != nil {
		return schedule.Result{}, err
	}

	runID := uuid.NewString()
	collector := metrics.NewPrometheusCollector(runID)
	sup := a.supervisor(collector)

	grace := time.Duration(a.Config.GraceTime) * time.Second
	if opts.Grace != Unset {
		grace = time.Duration(opts.Grace) * time.Second
	}

	sched, err := schedule.New(bound, logger, schedule.WithRunID(runID), schedule.WithMetrics(collector))
	if err != nil {
		return schedule.Result{}, err
	}
	result, runErr := sched.Run(ctx, graph, schedule.LauncherFunc(func(ctx context.Context, l schedule.ScheduledLaunch) error {
		return sup.Start(ctx, supervise.Request{
			Spec:      specs[l.VHost],
			ReadyPath: dir.ReadyPath(l.VHost),
			Fast:      opts.Fast,
			Grace:     grace,
			Announce:  true,
		})
	}))
	sup.Wait()

	if opts.MetricsFile != "" {
		if err := collector.WriteFile(opts.MetricsFile); err != nil {
			logger.Warn("could not write metrics", "path", opts.MetricsFile, "error", err)
		}
	}
	if runErr != nil {
		return result, runErr
	}

	if opts.List {
		infos, err := a.labInfo(dir)
		if err != nil {
			return result, err
		}
		PrintLabInfo(a.Out, infos)
	}

	if len(result.Failed) > 0 {
		failed := make([]string, 0, len(result.Failed))
		for vhost := range result.Failed {
			failed = append(failed, vhost)
		}
		sort.Strings(failed)
		errs := make([]error, 0, len(failed))
		for _, vhost := range failed {
			errs = append(errs, fmt.Errorf("%s: %w", vhost, result.Failed[vhost]))
		}
		return result, fmt.Errorf("%d of %d vhosts failed to start: %w", len(failed), len(result.Launched), errors.Join(errs...))
	}
	return result, nil
}

// plan picks the launch graph and its concurrency bound. A lab with a
// dependency file runs in parallel unless sequential mode is requested;
// -p forces parallel mode with its own bound.
func (a *App) plan(dir *lab.Directory, vhosts []string, opts LabStartOptions) (*schedule.Graph, int, error) {
	parallel := (dir.HasDependencies() && !opts.Sequential) || opts.Parallel != Unset
	if !parallel {
		return schedule.Sequential(vhosts), 1, nil
	}

	deps, err := dir.Dependencies()
	if err != nil {
		return nil, 0, err
	}
	bound := a.Config.MaxSimultaneousVMs
	if opts.Parallel != Unset {
		bound = opts.Parallel
	}
	return schedule.Build(vhosts, deps), bound, nil
}

// composeArgs builds the vhost start arguments of a lab member: the pass
// options, then the lab.conf overrides, then the lab bindings that always
// win.
func composeArgs(dir *lab.Directory, vhost string, pass []string, workDir string, verbose bool, logger *slog.Logger) []string {
	args := append([]string{}, pass...)
	args = append(args, launch.TranslateOverrides(dir.Declaration(vhost), logger)...)
	args = append(args,
		"--hostlab", dir.Path,
		"--hostwd", workDir,
		"--filesystem", dir.DiskPath(vhost),
	)
	if verbose {
		args = append(args, "--verbose")
	} else {
		args = append(args, "--quiet")
	}
	return append(args, vhost)
}

// StartVHost compiles and launches a single vhost without waiting for it
// to become ready.
func (a *App) StartVHost(ctx context.Context, o launch.Options) error {
	spec, err := a.compiler().Compile(o)
	if err != nil {
		return err
	}
	sup := a.supervisor(metrics.Noop())
	defer sup.Wait()
	return sup.Start(ctx, supervise.Request{Spec: spec, Fast: true})
}

// VHostInfo is one row of the lab info table.
type VHostInfo struct {
	Name          string
	Prerequisites []string
	PID           int
	Disk          bool
}

// Running reports whether a kernel for the vhost was found.
func (v VHostInfo) Running() bool { return v.PID != 0 }

// LabInfo describes every member of the lab in dir.
func (a *App) LabInfo(dirPath string, force bool) ([]VHostInfo, error) {
	dir, err := lab.Open(dirPath, force, a.Logger)
	if err != nil {
		return nil, err
	}
	return a.labInfo(dir)
}

func (a *App) labInfo(dir *lab.Directory) ([]VHostInfo, error) {
	members, err := dir.Members()
	if err != nil {
		return nil, err
	}
	deps, err := dir.Dependencies()
	if err != nil {
		return nil, err
	}
	running, err := a.Procs.VHosts(a.Config.UID)
	if err != nil {
		return nil, fmt.Errorf("scan processes: %w", err)
	}

	infos := make([]VHostInfo, 0, len(members))
	for _, name := range members {
		info := VHostInfo{Name: name, Prerequisites: deps[name], PID: running[name]}
		if st, err := os.Stat(dir.DiskPath(name)); err == nil && st.Mode().IsRegular() {
			info.Disk = true
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// PrintLabInfo writes infos as a table.
func PrintLabInfo(w io.Writer, infos []VHostInfo) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"VHost", "Prerequisites", "PID", "Disk"})
	for _, info := range infos {
		pid := "-"
		if info.Running() {
			pid = strconv.Itoa(info.PID)
		}
		table.Append([]string{info.Name, strings.Join(info.Prerequisites, " "), pid, strconv.FormatBool(info.Disk)})
	}
	table.Render()
}

// CheckTools verifies the kernel, the external helpers and, when a
// console opens a terminal, the terminal program.
func (a *App) CheckTools() error {
	errs := []error{a.Config.VerifyTools()}
	if a.Config.VMCon0 == launch.ConsoleXterm || a.Config.VMCon1 == launch.ConsoleXterm {
		program, ok := launch.TerminalProgram(a.Config.TermType)
		if !ok {
			errs = append(errs, errdefs.Configuration("unknown term_type %q", a.Config.TermType))
		} else if _, err := setup.RequireTool(program); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *App) compiler() *launch.Compiler {
	opts := append([]launch.CompilerOption{launch.WithWorkDir(a.workDir())}, a.CompilerOptions...)
	return launch.NewCompiler(a.Config, a.Procs, a.Logger, opts...)
}

func (a *App) supervisor(collector metrics.Collector) *supervise.Supervisor {
	hubs := a.Hubs
	if hubs == nil {
		hubs = hub.NewManager(a.Config, a.Runner, a.Procs, a.Logger, hub.WithMetrics(collector))
	}
	opts := append([]supervise.Option{supervise.WithMetrics(collector)}, a.SupervisorOptions...)
	return supervise.New(a.Config, a.Runner, hubs, a.Out, a.Logger, opts...)
}

func (a *App) workDir() string {
	if a.WorkDir != "" {
		return a.WorkDir
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}
