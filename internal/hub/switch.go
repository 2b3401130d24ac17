package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/cochaviz/vlab/internal/logging"
	"github.com/cochaviz/vlab/internal/metrics"
	"github.com/cochaviz/vlab/internal/setup"
	"github.com/cochaviz/vlab/internal/wait"
)

// Starter runs a switch process detached from the caller.
type Starter interface {
	Detach(ctx context.Context, argv []string, silent bool) error
}

// BoundChecker reports whether some process holds a unix socket bound to
// path.
type BoundChecker interface {
	UnixSocketBound(path string) (bool, error)
}

// Manager starts at most one switch per endpoint.
type Manager struct {
	cfg     setup.Config
	starter Starter
	bound   BoundChecker
	taps    TapProvisioner

	fs      wait.FileSystem
	clock   wait.Clock
	dial    func(path string) bool
	metrics metrics.Collector
	logger  *slog.Logger

	group singleflight.Group
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithFileSystem replaces the host file system.
func WithFileSystem(fsys wait.FileSystem) ManagerOption {
	return func(m *Manager) { m.fs = fsys }
}

// WithClock replaces the wall clock used while waiting for sockets.
func WithClock(clock wait.Clock) ManagerOption {
	return func(m *Manager) { m.clock = clock }
}

// WithDialer replaces the connection probe used for liveness.
func WithDialer(dial func(path string) bool) ManagerOption {
	return func(m *Manager) { m.dial = dial }
}

// WithTaps replaces the tap device provisioner.
func WithTaps(taps TapProvisioner) ManagerOption {
	return func(m *Manager) { m.taps = taps }
}

// WithMetrics sets the metrics collector.
func WithMetrics(c metrics.Collector) ManagerOption {
	return func(m *Manager) { m.metrics = c }
}

// NewManager returns a manager that starts switches with starter.
func NewManager(cfg setup.Config, starter Starter, bound BoundChecker, logger *slog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:     cfg,
		starter: starter,
		bound:   bound,
		fs:      wait.OSFileSystem{},
		clock:   wait.RealClock{},
		dial:    dialUnix,
		logger:  logging.Ensure(logger).With("component", "hub"),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.taps == nil {
		m.taps = NewNetlinkTaps(cfg.TapNamespace, cfg.UID, m.logger)
	}
	m.metrics = metrics.Ensure(m.metrics)
	return m
}

func dialUnix(path string) bool {
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Live reports whether path is a socket that accepts connections or is
// held by a process.
func (m *Manager) Live(path string) bool {
	if !m.fs.IsSocket(path) {
		return false
	}
	if m.dial(path) {
		return true
	}
	if m.bound == nil {
		return false
	}
	bound, err := m.bound.UnixSocketBound(path)
	if err != nil {
		m.logger.Debug("socket owner lookup failed", "path", path, "error", err)
	}
	return bound
}

// EnsureAll ensures a switch for every distinct endpoint, in order.
func (m *Manager) EnsureAll(ctx context.Context, assignments []Assignment) error {
	seen := map[string]struct{}{}
	for _, a := range assignments {
		if _, ok := seen[a.Endpoint.Path]; ok {
			continue
		}
		seen[a.Endpoint.Path] = struct{}{}
		if err := m.Ensure(ctx, a.Endpoint); err != nil {
			return err
		}
	}
	return nil
}

// Ensure starts a switch for ep unless a live one exists, then waits for
// its socket. Concurrent calls for the same endpoint share one start.
func (m *Manager) Ensure(ctx context.Context, ep Endpoint) error {
	_, err, _ := m.group.Do(ep.Path, func() (any, error) {
		return nil, m.ensure(ctx, ep)
	})
	return err
}

func (m *Manager) ensure(ctx context.Context, ep Endpoint) error {
	logger := m.logger.With("domain", ep.Domain, "socket", ep.Path)
	if m.Live(ep.Path) {
		logger.Debug("switch already running")
		return nil
	}

	dir := filepath.Dir(ep.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create hub socket directory: %w", err)
	}
	if m.fs.IsSocket(ep.Path) {
		logger.Info("removing stale hub socket")
		if err := m.fs.Remove(ep.Path); err != nil {
			return fmt.Errorf("remove stale socket %s: %w", ep.Path, err)
		}
	}

	argv := []string{m.cfg.SwitchBinary, "-hub", "-unix", ep.Path}
	if ep.Tap != nil {
		device := TapDevice(m.cfg.TapDevicePrefix, m.cfg.User)
		if err := m.taps.EnsureTap(device, ep.Tap.Gateway); err != nil {
			return fmt.Errorf("prepare tap device %s: %w", device, err)
		}
		argv = []string{m.cfg.SwitchBinary, "-tap", device, "-unix", ep.Path}
	}

	logger.Info("starting switch", "argv", argv)
	start := func() error { return m.starter.Detach(ctx, argv, true) }
	if ep.Tap != nil {
		// The tap device lives in the provisioner's namespace.
		inner := start
		start = func() error { return m.taps.Enter(inner) }
	}
	if err := start(); err != nil {
		return fmt.Errorf("start switch for %s: %w", ep.Domain, err)
	}
	m.metrics.SwitchStarted(ep.Tap != nil)

	wake, stop := wait.NotifyDir(dir, logger)
	defer stop()
	err := wait.Until(ctx, wait.Poll{
		Interval: m.cfg.ReadyPollInterval,
		Timeout:  m.cfg.HubWaitTimeout,
		Clock:    m.clock,
		Wake:     wake,
	}, wait.ForSocket(m.fs, ep.Path, nil))
	if errors.Is(err, wait.ErrTimeout) {
		return fmt.Errorf("switch for %s did not create %s within %s", ep.Domain, ep.Path, m.cfg.HubWaitTimeout)
	}
	return err
}
