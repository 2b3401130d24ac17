package setup

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/cochaviz/vlab/internal/errdefs"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults("/opt/netkit")

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "/opt/netkit/kernel/netkit-kernel", cfg.VMKernel)
	assert.Equal(t, "/opt/netkit/fs/netkit-fs", cfg.VMModelFS)
}

func TestLoadReadsFileAndEnvironment(t *testing.T) {
	home := t.TempDir()
	t.Setenv("NETKIT_HOME", home)
	t.Setenv("VLAB_MAX_MEM", "1024")

	content := "vm_memory: 64\nmax_simultaneous_vms: 3\nready_timeout: 2m\nhub_socket_dir: " + filepath.Join(home, "hubs") + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(home, ConfigFileName), []byte(content), 0o644))

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 64, cfg.VMMemory)
	assert.Equal(t, 3, cfg.MaxSimultaneousVMs)
	assert.Equal(t, 1024, cfg.MaxMem)
	assert.Equal(t, 2*time.Minute, cfg.ReadyTimeout)
	assert.Equal(t, time.Second, cfg.ReadyPollInterval)
	assert.Equal(t, filepath.Join(home, "hubs"), cfg.HubSocketDir)
	assert.Equal(t, filepath.Join(home, "kernel", "netkit-kernel"), cfg.VMKernel)
	assert.Equal(t, home, cfg.NetkitHome)
	assert.NotEmpty(t, cfg.User)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))

	var cfgErr *errdefs.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestValidateRejectsInconsistentValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative grace", func(c *Config) { c.GraceTime = -1 }},
		{"no interfaces", func(c *Config) { c.MaxInterfaces = 0 }},
		{"inverted bound", func(c *Config) { c.MinMem, c.MaxMem = 100, 50 }},
		{"default outside bound", func(c *Config) { c.VMMemory = c.MaxMem + 1 }},
		{"bad console", func(c *Config) { c.VMCon0 = "serial" }},
		{"bad hostlab", func(c *Config) { c.HostlabMode = "nfs" }},
		{"zero poll", func(c *Config) { c.ReadyPollInterval = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults("")
			tt.mutate(&cfg)

			var cfgErr *errdefs.ConfigurationError
			assert.True(t, errors.As(cfg.Validate(), &cfgErr))
		})
	}
}

func TestValidConsole(t *testing.T) {
	for _, mode := range []string{"xterm", "this", "pty", "none", "port:4000"} {
		assert.True(t, ValidConsole(mode), mode)
	}
	for _, mode := range []string{"", "tmux", "port:", "port:0", "port:abc"} {
		assert.False(t, ValidConsole(mode), mode)
	}
}

func TestYAMLRendersDurationsAsStrings(t *testing.T) {
	cfg := Defaults("")

	out, err := cfg.YAML()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal(out, &decoded))
	assert.Equal(t, "30s", decoded["hub_wait_timeout"])
	assert.Equal(t, 32, decoded["vm_memory"])
}

func TestVerifyToolsReportsEveryMissingTool(t *testing.T) {
	lookPath = func(name string) (string, error) {
		return "", errors.New("executable file not found in $PATH")
	}
	t.Cleanup(func() { lookPath = defaultLookPath })

	cfg := Defaults("")
	cfg.Con0PortHelper = true

	err := cfg.VerifyTools()
	require.Error(t, err)

	var missing *errdefs.ExternalToolMissingError
	require.True(t, errors.As(err, &missing))
	assert.Contains(t, err.Error(), "uml_switch")
	assert.Contains(t, err.Error(), "uml_mconsole")
	assert.Contains(t, err.Error(), "vm_kernel is not set")
}
