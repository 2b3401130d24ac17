package launch

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/cochaviz/vlab/internal/hub"
)

// Console modes with a fixed kernel rendering.
const (
	ConsoleXterm = "xterm"
	ConsoleThis  = "this"
	ConsoleNone  = "none"
)

// terminalPrograms maps terminal types to the program that must be on PATH.
var terminalPrograms = map[string]string{
	"konsole":     "konsole",
	"konsole-tab": "konsole",
	"gnome":       "gnome-terminal",
	"xterm":       "xterm",
	"alacritty":   "alacritty",
	"kitty":       "kitty",
	"wsl":         "wsl.exe",
	"wt":          "wt.exe",
}

// TerminalTypes lists the accepted --xterm values.
func TerminalTypes() []string {
	types := make([]string, 0, len(terminalPrograms))
	for t := range terminalPrograms {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// TerminalProgram returns the program a terminal type runs.
func TerminalProgram(terminal string) (string, bool) {
	program, ok := terminalPrograms[terminal]
	return program, ok
}

// terminalSetup returns the xterm= kernel parameter for a terminal type,
// or "" when the kernel default applies.
func terminalSetup(terminal, netkitHome string) string {
	switch terminal {
	case "konsole":
		return "konsole,-T,-e"
	case "konsole-tab":
		return filepath.Join(netkitHome, "bin", "konsole-tabs.sh") + ",-T,-e"
	case "gnome":
		return "gnome-terminal,-t,-x"
	}
	return ""
}

// Spec is the fully resolved launch of one vhost.
type Spec struct {
	VHost string

	Kernel  string
	Modules string
	Memory  int
	// KernelMemory is Memory plus the configured skew.
	KernelMemory int
	ModelFS      string
	Filesystem   string
	COW          bool

	Con0 string
	Con1 string
	// Wrapper prefixes the command when con0 opens a terminal without the
	// port helper.
	Wrapper []string

	Interfaces []hub.Assignment

	Hosthome     string
	Exec         string
	Hostlab      string
	Hostwd       string
	HostlabImage string
	TermSetup    string
	Append       []string

	Quiet      bool
	Verbose    bool
	Debug      bool
	Foreground bool
	Print      bool
	HideDisk   bool
	PortHelper bool
}

// Background reports whether the vhost detaches from the caller. A
// console bound to the invoking terminal keeps it attached.
func (s *Spec) Background() bool {
	return !s.Foreground && s.Con0 != ConsoleThis && s.Con1 != ConsoleThis
}

// Silent reports whether the vhost's output is discarded.
func (s *Spec) Silent() bool {
	return s.Con0 == ConsoleNone
}

// consoleParameter renders a console mode for the kernel.
func consoleParameter(mode string, portHelper bool, primary bool) string {
	switch {
	case mode == ConsoleNone:
		return "null"
	case mode == ConsoleThis:
		return "fd:0,fd:1"
	case primary && mode == ConsoleXterm && !portHelper:
		return "fd:0,fd:1"
	}
	return mode
}

// Argv renders the kernel command line.
func (s *Spec) Argv() []string {
	argv := []string{s.Kernel}
	if s.Modules != "" {
		argv = append(argv, "modules="+s.Modules)
	}
	argv = append(argv,
		"name="+s.VHost,
		"title="+s.VHost,
		"umid="+s.VHost,
		fmt.Sprintf("mem=%dM", s.KernelMemory),
	)
	if s.COW {
		argv = append(argv, fmt.Sprintf("ubd0=%s,%s", s.Filesystem, s.ModelFS))
	} else {
		argv = append(argv, "ubd0="+s.ModelFS)
	}
	argv = append(argv, "root=98:0")

	for _, a := range s.Interfaces {
		argv = append(argv, fmt.Sprintf("%s=daemon,,,%s", a.Name(), a.Endpoint.Path))
		if a.Endpoint.Tap != nil {
			argv = append(argv, fmt.Sprintf("autoconf_%s=%s", a.Name(), a.Endpoint.Tap.Guest))
			if a.DefaultRoute {
				argv = append(argv, "def_route="+a.Endpoint.Tap.Gateway.String())
			}
		}
	}

	if s.Hosthome != "" {
		argv = append(argv, "hosthome="+s.Hosthome)
	}
	if s.Exec != "" {
		argv = append(argv, `exec="`+s.Exec+`"`)
	}
	if s.Hostlab != "" {
		argv = append(argv, "hostlab="+s.Hostlab)
	}
	if s.Hostwd != "" {
		argv = append(argv, "hostwd="+s.Hostwd)
	}
	if s.HostlabImage != "" {
		argv = append(argv, "ubd1="+s.HostlabImage)
	}
	if !s.Debug && !s.Verbose {
		argv = append(argv, "quiet")
	}
	argv = append(argv,
		"con0="+consoleParameter(s.Con0, s.PortHelper, true),
		"con1="+consoleParameter(s.Con1, s.PortHelper, false),
		"SELINUX_INIT=0",
	)
	if s.TermSetup != "" {
		argv = append(argv, "xterm="+s.TermSetup)
	}
	argv = append(argv, s.Append...)

	if s.Debug {
		argv = append([]string{"gdb", "--args"}, argv...)
	}
	if len(s.Wrapper) > 0 {
		argv = append(append([]string(nil), s.Wrapper...), argv...)
	}
	return argv
}

// CommandLine is Argv quoted for a shell.
func (s *Spec) CommandLine() string {
	return shellquote.Join(s.Argv()...)
}

// Describe writes the human-readable summary printed before a launch.
func (s *Spec) Describe(w io.Writer) {
	fmt.Fprintf(w, "Starting: %s\n", s.VHost)
	fmt.Fprintf(w, "Kernel: %s\n", s.Kernel)
	if s.Modules != "" {
		fmt.Fprintf(w, "Modules: %s\n", s.Modules)
	}
	fmt.Fprintf(w, "Memory: %d\n", s.Memory)
	fmt.Fprintf(w, "Model file system: %s\n", s.ModelFS)
	fmt.Fprintf(w, "File system: %s\n", s.Filesystem)
	if len(s.Interfaces) > 0 {
		fmt.Fprintln(w, "Interfaces:")
		for _, a := range s.Interfaces {
			fmt.Fprintf(w, "  %s@%s: %s\n", a.Name(), a.Endpoint.Domain, a.Endpoint.Path)
		}
	}
	if s.Exec != "" {
		fmt.Fprintf(w, "Boot command: %s\n", s.Exec)
	}
	if s.Hostlab != "" {
		fmt.Fprintf(w, "Host lab: %s\n", s.Hostlab)
	}
	if s.Hostwd != "" {
		fmt.Fprintf(w, "Host working directory: %s\n", s.Hostwd)
	}
	if len(s.Append) > 0 {
		fmt.Fprintf(w, "Additional arguments: %s\n", strings.Join(s.Append, " "))
	}
}
