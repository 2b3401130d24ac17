package setup

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/cochaviz/vlab/internal/errdefs"
)

// ConfigFileName is looked up inside the installation home when no explicit
// configuration file is given.
const ConfigFileName = "netkit.yaml"

// EnvPrefix prefixes environment variables overriding configuration keys,
// e.g. VLAB_MAX_MEM=512.
const EnvPrefix = "VLAB"

// HomeVariables are consulted in order to locate the installation home.
var HomeVariables = []string{"NETKIT_HOME", "VLAB_HOME"}

// Hostlab modes.
const (
	HostlabHostfs = "hostfs"
	HostlabISO    = "iso"
)

// Config is the tool-wide configuration. It is loaded once at startup and
// handed to components by value.
type Config struct {
	VMMemory           int  `mapstructure:"vm_memory" yaml:"vm_memory"`
	VMMemorySkew       int  `mapstructure:"vm_memory_skew" yaml:"vm_memory_skew"`
	MinMem             int  `mapstructure:"min_mem" yaml:"min_mem"`
	MaxMem             int  `mapstructure:"max_mem" yaml:"max_mem"`
	MaxInterfaces      int  `mapstructure:"max_interfaces" yaml:"max_interfaces"`
	MaxSimultaneousVMs int  `mapstructure:"max_simultaneous_vms" yaml:"max_simultaneous_vms"`
	GraceTime          int  `mapstructure:"grace_time" yaml:"grace_time"`
	Con0PortHelper     bool `mapstructure:"con0_porthelper" yaml:"con0_porthelper"`

	VMCon0   string `mapstructure:"vm_con0" yaml:"vm_con0"`
	VMCon1   string `mapstructure:"vm_con1" yaml:"vm_con1"`
	TermType string `mapstructure:"term_type" yaml:"term_type"`

	HubSocketDir       string `mapstructure:"hub_socket_dir" yaml:"hub_socket_dir"`
	HubSocketPrefix    string `mapstructure:"hub_socket_prefix" yaml:"hub_socket_prefix"`
	HubSocketExtension string `mapstructure:"hub_socket_extension" yaml:"hub_socket_extension"`
	MconsoleDir        string `mapstructure:"mconsole_dir" yaml:"mconsole_dir"`

	VMModelFS string `mapstructure:"vm_model_fs" yaml:"vm_model_fs"`
	VMKernel  string `mapstructure:"vm_kernel" yaml:"vm_kernel"`

	SwitchBinary   string `mapstructure:"switch_binary" yaml:"switch_binary"`
	MconsoleBinary string `mapstructure:"mconsole_binary" yaml:"mconsole_binary"`

	ReadyPollInterval time.Duration `mapstructure:"ready_poll_interval" yaml:"-"`
	ReadyTimeout      time.Duration `mapstructure:"ready_timeout" yaml:"-"`
	HubWaitTimeout    time.Duration `mapstructure:"hub_wait_timeout" yaml:"-"`
	PortHelperDelay   time.Duration `mapstructure:"port_helper_delay" yaml:"-"`

	TapDevicePrefix string `mapstructure:"tap_device_prefix" yaml:"tap_device_prefix"`
	TapNamespace    string `mapstructure:"tap_namespace" yaml:"tap_namespace,omitempty"`
	HostlabMode     string `mapstructure:"hostlab_mode" yaml:"hostlab_mode"`

	// Resolved from the environment, never read from the file.
	NetkitHome string `mapstructure:"-" yaml:"netkit_home,omitempty"`
	User       string `mapstructure:"-" yaml:"user"`
	UID        int    `mapstructure:"-" yaml:"uid"`
	Home       string `mapstructure:"-" yaml:"home"`
}

// Defaults returns the built-in configuration for the given installation home.
func Defaults(netkitHome string) Config {
	cfg := Config{
		VMMemory:           32,
		VMMemorySkew:       4,
		MinMem:             12,
		MaxMem:             512,
		MaxInterfaces:      40,
		MaxSimultaneousVMs: 0,
		GraceTime:          0,
		Con0PortHelper:     false,
		VMCon0:             "xterm",
		VMCon1:             "none",
		TermType:           "xterm",
		HubSocketDir:       "~/.netkit/hubs",
		HubSocketPrefix:    "vhub",
		HubSocketExtension: ".cnct",
		MconsoleDir:        "~/.netkit/mconsole",
		SwitchBinary:       "uml_switch",
		MconsoleBinary:     "uml_mconsole",
		ReadyPollInterval:  time.Second,
		ReadyTimeout:       0,
		HubWaitTimeout:     30 * time.Second,
		PortHelperDelay:    5 * time.Second,
		TapDevicePrefix:    "nk_tap_",
		HostlabMode:        HostlabHostfs,
		NetkitHome:         netkitHome,
	}
	if netkitHome != "" {
		cfg.VMModelFS = filepath.Join(netkitHome, "fs", "netkit-fs")
		cfg.VMKernel = filepath.Join(netkitHome, "kernel", "netkit-kernel")
	}
	return cfg
}

// Load builds the configuration from defaults, the configuration file and
// VLAB_* environment variables. An empty path selects netkit.yaml inside the
// installation home; a missing default file is not an error.
func Load(path string) (Config, error) {
	netkitHome := lookupHome()
	defaults := Defaults(netkitHome)

	v := viper.New()
	setDefaults(v, defaults)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit && netkitHome != "" {
		path = filepath.Join(netkitHome, ConfigFileName)
	}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return Config{}, &errdefs.ConfigurationError{Message: fmt.Sprintf("read configuration %s", path), Err: err}
			}
			getLogger().Debug("configuration file loaded", "path", path)
		} else if explicit || !errors.Is(err, os.ErrNotExist) {
			return Config{}, &errdefs.ConfigurationError{Message: "locate configuration file", Err: err}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, &errdefs.ConfigurationError{Message: "decode configuration", Err: err}
	}
	cfg.NetkitHome = netkitHome

	if err := cfg.resolveIdentity(); err != nil {
		return Config{}, err
	}
	if err := cfg.expandPaths(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first inconsistency in the configuration.
func (c Config) Validate() error {
	for key, value := range map[string]int{
		"vm_memory":            c.VMMemory,
		"vm_memory_skew":       c.VMMemorySkew,
		"min_mem":              c.MinMem,
		"max_mem":              c.MaxMem,
		"max_simultaneous_vms": c.MaxSimultaneousVMs,
		"grace_time":           c.GraceTime,
	} {
		if value < 0 {
			return errdefs.Configuration("%s must be greater than or equal to 0", key)
		}
	}
	if c.MaxInterfaces <= 0 {
		return errdefs.Configuration("max_interfaces must be greater than 0")
	}
	if c.MinMem > c.MaxMem {
		return errdefs.Configuration("min_mem (%d) exceeds max_mem (%d)", c.MinMem, c.MaxMem)
	}
	if c.VMMemory < c.MinMem || c.VMMemory > c.MaxMem {
		return errdefs.Configuration("vm_memory (%d) is outside [%d, %d]", c.VMMemory, c.MinMem, c.MaxMem)
	}
	for key, mode := range map[string]string{"vm_con0": c.VMCon0, "vm_con1": c.VMCon1} {
		if !ValidConsole(mode) {
			return errdefs.Configuration("%s: unrecognised con device %q", key, mode)
		}
	}
	if c.HostlabMode != HostlabHostfs && c.HostlabMode != HostlabISO {
		return errdefs.Configuration("hostlab_mode must be %q or %q", HostlabHostfs, HostlabISO)
	}
	if c.ReadyPollInterval <= 0 {
		return errdefs.Configuration("ready_poll_interval must be positive")
	}
	if c.HubSocketDir == "" || c.HubSocketPrefix == "" {
		return errdefs.Configuration("hub_socket_dir and hub_socket_prefix are required")
	}
	return nil
}

// ValidConsole reports whether mode names a supported console device.
func ValidConsole(mode string) bool {
	switch mode {
	case "xterm", "this", "pty", "none":
		return true
	}
	if port, ok := strings.CutPrefix(mode, "port:"); ok {
		n, err := strconv.Atoi(port)
		return err == nil && n > 0 && n < 65536
	}
	return false
}

// YAML renders the effective configuration.
func (c Config) YAML() ([]byte, error) {
	var node yaml.Node
	if err := node.Encode(c); err != nil {
		return nil, fmt.Errorf("encode configuration: %w", err)
	}
	for _, d := range []struct {
		key   string
		value time.Duration
	}{
		{"ready_poll_interval", c.ReadyPollInterval},
		{"ready_timeout", c.ReadyTimeout},
		{"hub_wait_timeout", c.HubWaitTimeout},
		{"port_helper_delay", c.PortHelperDelay},
	} {
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: d.key},
			&yaml.Node{Kind: yaml.ScalarNode, Value: d.value.String()},
		)
	}
	return yaml.Marshal(&node)
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("vm_memory", d.VMMemory)
	v.SetDefault("vm_memory_skew", d.VMMemorySkew)
	v.SetDefault("min_mem", d.MinMem)
	v.SetDefault("max_mem", d.MaxMem)
	v.SetDefault("max_interfaces", d.MaxInterfaces)
	v.SetDefault("max_simultaneous_vms", d.MaxSimultaneousVMs)
	v.SetDefault("grace_time", d.GraceTime)
	v.SetDefault("con0_porthelper", d.Con0PortHelper)
	v.SetDefault("vm_con0", d.VMCon0)
	v.SetDefault("vm_con1", d.VMCon1)
	v.SetDefault("term_type", d.TermType)
	v.SetDefault("hub_socket_dir", d.HubSocketDir)
	v.SetDefault("hub_socket_prefix", d.HubSocketPrefix)
	v.SetDefault("hub_socket_extension", d.HubSocketExtension)
	v.SetDefault("mconsole_dir", d.MconsoleDir)
	v.SetDefault("vm_model_fs", d.VMModelFS)
	v.SetDefault("vm_kernel", d.VMKernel)
	v.SetDefault("switch_binary", d.SwitchBinary)
	v.SetDefault("mconsole_binary", d.MconsoleBinary)
	v.SetDefault("ready_poll_interval", d.ReadyPollInterval)
	v.SetDefault("ready_timeout", d.ReadyTimeout)
	v.SetDefault("hub_wait_timeout", d.HubWaitTimeout)
	v.SetDefault("port_helper_delay", d.PortHelperDelay)
	v.SetDefault("tap_device_prefix", d.TapDevicePrefix)
	v.SetDefault("tap_namespace", d.TapNamespace)
	v.SetDefault("hostlab_mode", d.HostlabMode)
}

func lookupHome() string {
	for _, name := range HomeVariables {
		if value := strings.TrimSpace(os.Getenv(name)); value != "" {
			if abs, err := filepath.Abs(value); err == nil {
				return abs
			}
			return value
		}
	}
	return ""
}

func (c *Config) resolveIdentity() error {
	c.UID = unix.Geteuid()
	u, err := user.LookupId(strconv.Itoa(c.UID))
	if err != nil {
		return &errdefs.ConfigurationError{Message: "resolve invoking user", Err: err}
	}
	c.User = u.Username

	home, err := homedir.Dir()
	if err != nil {
		return &errdefs.ConfigurationError{Message: "resolve home directory", Err: err}
	}
	c.Home = home
	return nil
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.HubSocketDir, &c.MconsoleDir, &c.VMModelFS, &c.VMKernel} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return &errdefs.ConfigurationError{Message: fmt.Sprintf("expand %s", *p), Err: err}
		}
		abs, err := filepath.Abs(expanded)
		if err != nil {
			return &errdefs.ConfigurationError{Message: fmt.Sprintf("resolve %s", expanded), Err: err}
		}
		*p = abs
	}
	return nil
}
