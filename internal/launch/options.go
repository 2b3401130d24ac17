// Package launch compiles per-vhost options into a validated Spec and
// the kernel command line it implies.
package launch

import (
	"io"
	"strconv"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/spf13/pflag"

	"github.com/cochaviz/vlab/internal/errdefs"
	"github.com/cochaviz/vlab/internal/hub"
	"github.com/cochaviz/vlab/internal/setup"
)

// Options are the per-vhost launch options, as given on a vhost start
// command line or assembled from a lab.
type Options struct {
	VHost string

	Interfaces []hub.Interface
	Kernel     string
	Memory     int
	ModelFS    string
	Filesystem string
	Con0       string
	Con1       string
	Exec       string
	Hostlab    string
	Hostwd     string
	Append     []string
	Terminal   string

	Foreground bool
	NoHosthome bool
	NoCOW      bool
	HideDisk   bool
	Quiet      bool
	Print      bool
	Verbose    bool
	Debug      bool
}

// DefaultOptions fills the options from the tool configuration.
func DefaultOptions(cfg setup.Config) Options {
	return Options{
		Kernel:   cfg.VMKernel,
		Memory:   cfg.VMMemory,
		ModelFS:  cfg.VMModelFS,
		Con0:     cfg.VMCon0,
		Con1:     cfg.VMCon1,
		Terminal: cfg.TermType,
	}
}

// interfaceValue appends a slot assignment each time --ethN is given.
type interfaceValue struct {
	slot   int
	target *[]hub.Interface
}

func (v *interfaceValue) String() string { return "" }
func (v *interfaceValue) Type() string   { return "DOMAIN" }

func (v *interfaceValue) Set(value string) error {
	*v.target = append(*v.target, hub.Interface{Slot: v.slot, Domain: value})
	return nil
}

// ethNValue rejects the literal --ethN placeholder.
type ethNValue struct{}

func (ethNValue) String() string { return "" }
func (ethNValue) Type() string   { return "DOMAIN" }
func (ethNValue) Set(string) error {
	return errdefs.Validation("--ethN is not an option, replace N with the interface number")
}

// appendValue collects shell-split boot parameters.
type appendValue struct {
	target *[]string
}

func (v *appendValue) String() string { return shellquote.Join(*v.target...) }
func (v *appendValue) Type() string   { return "PARAMETERS" }

func (v *appendValue) Set(value string) error {
	words, err := shellquote.Split(value)
	if err != nil {
		return err
	}
	*v.target = append(*v.target, words...)
	return nil
}

// BindFlags registers the vhost start flags on fs, writing into o.
// o should already hold DefaultOptions.
func BindFlags(fs *pflag.FlagSet, o *Options, maxInterfaces int) {
	fs.Var(ethNValue{}, "ethN", "attach interface N to collision domain DOMAIN (N < max_interfaces)")
	for i := 0; i < maxInterfaces; i++ {
		name := "eth" + strconv.Itoa(i)
		fs.Var(&interfaceValue{slot: i, target: &o.Interfaces}, name, "")
		_ = fs.MarkHidden(name)
	}

	fs.StringVarP(&o.Kernel, "kernel", "k", o.Kernel, "kernel image")
	fs.IntVarP(&o.Memory, "mem", "M", o.Memory, "memory in MB")
	fs.StringVarP(&o.ModelFS, "model-fs", "m", o.ModelFS, "model filesystem")
	fs.StringVarP(&o.Filesystem, "filesystem", "f", o.Filesystem, "per-vhost filesystem (default ./<vhost>.disk)")
	fs.StringVar(&o.Con0, "con0", o.Con0, "primary console: xterm, this, pty, none or port:N")
	fs.StringVar(&o.Con1, "con1", o.Con1, "secondary console: xterm, this, pty, none or port:N")
	fs.StringVarP(&o.Exec, "exec", "e", o.Exec, "command to run at boot")
	fs.StringVarP(&o.Hostlab, "hostlab", "l", o.Hostlab, "host lab directory")
	fs.StringVarP(&o.Hostwd, "hostwd", "w", o.Hostwd, "host working directory")
	fs.Var(&appendValue{target: &o.Append}, "append", "extra kernel parameters")
	fs.BoolVarP(&o.Foreground, "foreground", "F", o.Foreground, "keep the vhost attached to this process")
	fs.BoolVarP(&o.NoHosthome, "no-hosthome", "H", o.NoHosthome, "do not mount the host home directory")
	fs.BoolVarP(&o.NoCOW, "no-cow", "W", o.NoCOW, "boot the model filesystem directly, without copy-on-write")
	fs.BoolVarP(&o.HideDisk, "hide-disk-file", "D", o.HideDisk, "delete the filesystem file once the kernel holds it")
	fs.BoolVarP(&o.Quiet, "quiet", "q", o.Quiet, "print nothing but errors")
	fs.BoolVarP(&o.Print, "print", "p", o.Print, "print the kernel command line instead of starting the vhost")
	fs.BoolVarP(&o.Verbose, "verbose", "v", o.Verbose, "show kernel messages")
	fs.BoolVar(&o.Debug, "debug", o.Debug, "run the kernel under gdb")
	fs.StringVar(&o.Terminal, "xterm", o.Terminal, "terminal type: "+strings.Join(TerminalTypes(), ", "))
}

// ParseArgs parses a vhost start argument vector. The single positional
// argument is the vhost name.
func ParseArgs(cfg setup.Config, args []string) (Options, error) {
	o := DefaultOptions(cfg)
	fs := pflag.NewFlagSet("vhost start", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.SetInterspersed(true)
	BindFlags(fs, &o, cfg.MaxInterfaces)

	if err := fs.Parse(args); err != nil {
		return Options{}, errdefs.Validation("%v", err)
	}
	if fs.NArg() != 1 {
		return Options{}, errdefs.Validation("expected exactly one vhost name, got %d (%s)", fs.NArg(), strings.Join(fs.Args(), " "))
	}
	o.VHost = fs.Arg(0)
	return o, nil
}
