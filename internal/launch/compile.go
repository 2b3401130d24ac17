package launch

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/cochaviz/vlab/internal/errdefs"
	"github.com/cochaviz/vlab/internal/hub"
	"github.com/cochaviz/vlab/internal/logging"
	"github.com/cochaviz/vlab/internal/setup"
)

// ProcessInspector answers the "already running" and "in use" questions.
type ProcessInspector interface {
	FindVHost(vhost string, uid int) (int, bool, error)
	InUse(path string) (bool, error)
}

// Compiler turns Options into a Spec.
type Compiler struct {
	cfg      setup.Config
	procs    ProcessInspector
	resolver hub.Resolver
	lookPath func(string) (string, error)
	workDir  string
	logger   *slog.Logger
}

// CompilerOption configures a Compiler.
type CompilerOption func(*Compiler)

// WithLookPath replaces the PATH lookup used for terminal programs and
// hub helpers.
func WithLookPath(fn func(string) (string, error)) CompilerOption {
	return func(c *Compiler) { c.lookPath = fn }
}

// WithWorkDir sets the directory a default filesystem is created in.
func WithWorkDir(dir string) CompilerOption {
	return func(c *Compiler) { c.workDir = dir }
}

// NewCompiler returns a compiler for the invoking user.
func NewCompiler(cfg setup.Config, procs ProcessInspector, logger *slog.Logger, opts ...CompilerOption) *Compiler {
	c := &Compiler{
		cfg:      cfg,
		procs:    procs,
		resolver: hub.NewResolver(cfg),
		lookPath: exec.LookPath,
		logger:   logging.Ensure(logger).With("component", "compiler"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compile validates o and resolves it into a Spec. Outside print mode it
// also refuses vhosts that are already running and filesystems that are
// held open by another process.
func (c *Compiler) Compile(o Options) (*Spec, error) {
	logger := c.logger.With("vhost", o.VHost)
	logger.Debug("compiling launch", "options", fmt.Sprintf("%+v", o))

	if strings.TrimSpace(o.VHost) == "" || strings.ContainsAny(o.VHost, " \t/,") {
		return nil, errdefs.Validation("invalid vhost name %q", o.VHost)
	}
	if err := c.checkConsoles(o); err != nil {
		return nil, err
	}
	if o.NoCOW && o.Filesystem != "" {
		return nil, errdefs.Validation("the arguments (-W / --no-cow) and (-f / --filesystem) are mutually exclusive")
	}
	if o.NoCOW && o.HideDisk {
		return nil, errdefs.Validation("the arguments (-W / --no-cow) and (-D / --hide-disk-file) are mutually exclusive")
	}
	if o.Memory < c.cfg.MinMem || o.Memory > c.cfg.MaxMem {
		return nil, errdefs.Validation("--mem's argument %d is outside of the allowed range [%d, %d]", o.Memory, c.cfg.MinMem, c.cfg.MaxMem)
	}

	spec := &Spec{
		VHost:        o.VHost,
		Memory:       o.Memory,
		KernelMemory: o.Memory + c.cfg.VMMemorySkew,
		Con0:         o.Con0,
		Con1:         o.Con1,
		Exec:         o.Exec,
		Append:       append([]string(nil), o.Append...),
		Quiet:        o.Quiet,
		Verbose:      o.Verbose,
		Debug:        o.Debug,
		Foreground:   o.Foreground,
		Print:        o.Print,
		HideDisk:     o.HideDisk,
		PortHelper:   c.cfg.Con0PortHelper,
		TermSetup:    terminalSetup(o.Terminal, c.cfg.NetkitHome),
	}

	var err error
	if spec.Kernel, err = resolveFile(o.Kernel); err != nil {
		return nil, &errdefs.ExternalToolMissingError{Tool: "kernel " + o.Kernel, Err: err}
	}
	if modules := filepath.Join(filepath.Dir(spec.Kernel), "modules"); isDir(modules) {
		spec.Modules = modules
	}
	if spec.ModelFS, err = resolveFile(o.ModelFS); err != nil {
		return nil, &errdefs.ValidationError{Message: "model filesystem", Err: err}
	}
	if strings.Contains(spec.ModelFS, ",") {
		return nil, errdefs.Validation("the model filesystem's path can't contain commas")
	}

	if o.NoCOW {
		spec.Filesystem = spec.ModelFS
	} else {
		spec.COW = true
		fsPath := o.Filesystem
		if fsPath == "" {
			fsPath = filepath.Join(c.workingDir(), o.VHost+".disk")
		}
		if spec.Filesystem, err = filepath.Abs(fsPath); err != nil {
			return nil, &errdefs.ValidationError{Message: "filesystem", Err: err}
		}
		if strings.Contains(spec.Filesystem, ",") {
			return nil, errdefs.Validation("the filesystem's path can't contain commas")
		}
	}

	if o.Hostlab != "" {
		if spec.Hostlab, err = resolveDir(o.Hostlab); err != nil {
			return nil, &errdefs.ValidationError{Message: "--hostlab", Err: err}
		}
		if c.cfg.HostlabMode == setup.HostlabISO {
			spec.HostlabImage = filepath.Join(spec.Hostlab, o.VHost+".hostlab.iso")
		}
	}
	if o.Hostwd != "" {
		if spec.Hostwd, err = resolveDir(o.Hostwd); err != nil {
			return nil, &errdefs.ValidationError{Message: "--hostwd", Err: err}
		}
	}
	if !o.NoHosthome {
		spec.Hosthome = c.cfg.Home
	}

	if spec.Interfaces, err = c.interfaces(logger, o.Interfaces); err != nil {
		return nil, err
	}

	if o.Con0 == ConsoleXterm && !c.cfg.Con0PortHelper {
		spec.Wrapper = []string{filepath.Join(c.cfg.NetkitHome, "bin", "block-wrapper"), o.Terminal, o.VHost}
	}

	if !o.Print {
		if err := c.checkHelpers(spec); err != nil {
			return nil, err
		}
		if err := c.checkConflicts(spec); err != nil {
			return nil, err
		}
	}
	return spec, nil
}

// checkHelpers resolves the programs started next to the kernel: the hub
// switch when the vhost has interfaces and the management console when the
// port helper is woken.
func (c *Compiler) checkHelpers(spec *Spec) error {
	var tools []string
	if len(spec.Interfaces) > 0 {
		tools = append(tools, c.cfg.SwitchBinary)
	}
	if spec.PortHelper {
		tools = append(tools, c.cfg.MconsoleBinary)
	}
	for _, tool := range tools {
		if _, err := c.lookPath(tool); err != nil {
			return &errdefs.ExternalToolMissingError{Tool: tool, Err: err}
		}
	}
	return nil
}

func (c *Compiler) checkConsoles(o Options) error {
	for i, mode := range []string{o.Con0, o.Con1} {
		if !setup.ValidConsole(mode) {
			return errdefs.Validation("unrecognised con%d device %q", i, mode)
		}
	}
	if o.Con0 == ConsoleThis && o.Con1 == ConsoleThis {
		return errdefs.Validation("only one console can be attached to the current terminal")
	}
	if o.Con0 != ConsoleXterm && o.Con1 != ConsoleXterm {
		return nil
	}
	program, ok := TerminalProgram(o.Terminal)
	if !ok {
		return errdefs.Validation("unknown terminal type %q, expected one of %s", o.Terminal, strings.Join(TerminalTypes(), ", "))
	}
	if _, err := c.lookPath(program); err != nil {
		return &errdefs.ExternalToolMissingError{Tool: program, Err: err}
	}
	return nil
}

// interfaces validates slots, keeps the first assignment of a repeated
// slot and resolves every domain to its endpoint.
func (c *Compiler) interfaces(logger *slog.Logger, ifaces []hub.Interface) ([]hub.Assignment, error) {
	seen := map[int]struct{}{}
	kept := make([]hub.Interface, 0, len(ifaces))
	for _, iface := range ifaces {
		if iface.Slot < 0 || iface.Slot >= c.cfg.MaxInterfaces {
			return nil, errdefs.Validation("--%s exceeds the maximum of %d interfaces", iface.Name(), c.cfg.MaxInterfaces)
		}
		if _, dup := seen[iface.Slot]; dup {
			logger.Warn("interface assigned multiple times, using the first assignment", "interface", iface.Name(), "ignored", iface.Domain)
			continue
		}
		seen[iface.Slot] = struct{}{}
		kept = append(kept, iface)
	}
	return c.resolver.Resolve(kept)
}

func (c *Compiler) checkConflicts(spec *Spec) error {
	if c.procs == nil {
		return nil
	}
	pid, running, err := c.procs.FindVHost(spec.VHost, c.cfg.UID)
	if err != nil {
		return fmt.Errorf("scan processes: %w", err)
	}
	if running {
		return &errdefs.AlreadyRunningError{VHost: spec.VHost, PID: pid}
	}
	busy, err := c.procs.InUse(spec.Filesystem)
	if err != nil {
		return fmt.Errorf("scan open files: %w", err)
	}
	if busy {
		return &errdefs.ResourceBusyError{Path: spec.Filesystem}
	}
	return nil
}

func (c *Compiler) workingDir() string {
	if c.workDir != "" {
		return c.workDir
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}

func resolveFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("no path given")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", abs)
	}
	return abs, nil
}

func resolveDir(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s: %w", abs, fs.ErrInvalid)
	}
	return abs, nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
