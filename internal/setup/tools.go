package setup

import (
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/cochaviz/vlab/internal/errdefs"
)

var (
	defaultLookPath = exec.LookPath
	lookPath        = defaultLookPath
)

// Tools lists the external programs a launch may invoke.
func (c Config) Tools() []string {
	tools := []string{c.SwitchBinary}
	if c.Con0PortHelper {
		tools = append(tools, c.MconsoleBinary)
	}
	return tools
}

// VerifyTools checks the kernel image and every external program. All
// missing tools are reported, not just the first one.
func (c Config) VerifyTools() error {
	var errs []error

	if c.VMKernel == "" {
		errs = append(errs, &errdefs.ExternalToolMissingError{Tool: "kernel (vm_kernel is not set)"})
	} else if info, err := os.Stat(c.VMKernel); err != nil {
		errs = append(errs, &errdefs.ExternalToolMissingError{Tool: c.VMKernel, Err: err})
	} else if info.IsDir() {
		errs = append(errs, &errdefs.ExternalToolMissingError{Tool: c.VMKernel, Err: fmt.Errorf("is a directory")})
	} else {
		getLogger().Info("kernel found", "path", c.VMKernel)
	}

	for _, tool := range c.Tools() {
		path, err := lookPath(tool)
		if err != nil {
			errs = append(errs, &errdefs.ExternalToolMissingError{Tool: tool, Err: err})
			continue
		}
		getLogger().Info("external tool found", "tool", tool, "path", path)
	}
	return errors.Join(errs...)
}

// RequireTool resolves a single external program.
func RequireTool(name string) (string, error) {
	path, err := lookPath(name)
	if err != nil {
		return "", &errdefs.ExternalToolMissingError{Tool: name, Err: err}
	}
	return path, nil
}
