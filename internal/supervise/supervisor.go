package supervise

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/cochaviz/vlab/internal/disk"
	"github.com/cochaviz/vlab/internal/hub"
	"github.com/cochaviz/vlab/internal/launch"
	"github.com/cochaviz/vlab/internal/logging"
	"github.com/cochaviz/vlab/internal/metrics"
	"github.com/cochaviz/vlab/internal/setup"
	"github.com/cochaviz/vlab/internal/wait"
)

// diskWaitTimeout bounds how long the hide-disk hook waits for the kernel
// to create the filesystem.
const diskWaitTimeout = time.Minute

// Hubs makes sure every interface endpoint has a running switch.
type Hubs interface {
	EnsureAll(ctx context.Context, assignments []hub.Assignment) error
}

// Request is one launch handed to the supervisor.
type Request struct {
	Spec *launch.Spec
	// ReadyPath is the sentinel the guest creates once booted. Empty skips
	// the readiness wait.
	ReadyPath string
	// Fast skips the readiness wait.
	Fast bool
	// Grace is slept after the vhost started or became ready.
	Grace time.Duration
	// Announce prints the "Starting:" line even for a quiet vhost.
	Announce bool
}

// Supervisor runs launches.
type Supervisor struct {
	cfg     setup.Config
	runner  Runner
	hubs    Hubs
	fs      wait.FileSystem
	clock   wait.Clock
	metrics metrics.Collector
	out     io.Writer
	image   func(labDir, vhost, imagePath string) error
	logger  *slog.Logger

	hooks sync.WaitGroup
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithFileSystem replaces the host file system.
func WithFileSystem(fsys wait.FileSystem) Option {
	return func(s *Supervisor) { s.fs = fsys }
}

// WithClock replaces the wall clock.
func WithClock(clock wait.Clock) Option {
	return func(s *Supervisor) { s.clock = clock }
}

// WithMetrics sets the metrics collector.
func WithMetrics(c metrics.Collector) Option {
	return func(s *Supervisor) { s.metrics = c }
}

// WithImageBuilder replaces the hostlab image builder.
func WithImageBuilder(fn func(labDir, vhost, imagePath string) error) Option {
	return func(s *Supervisor) { s.image = fn }
}

// New returns a supervisor writing progress to out.
func New(cfg setup.Config, runner Runner, hubs Hubs, out io.Writer, logger *slog.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:     cfg,
		runner:  runner,
		hubs:    hubs,
		fs:      wait.OSFileSystem{},
		clock:   wait.RealClock{},
		metrics: metrics.Noop(),
		out:     out,
		image:   disk.HostlabImage,
		logger:  logging.Ensure(logger).With("component", "supervisor"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics = metrics.Ensure(s.metrics)
	if s.out == nil {
		s.out = io.Discard
	}
	return s
}

// Start runs one launch. In print mode it only writes the kernel command
// line. Otherwise it starts the hubs, the hooks and the kernel, waits for
// the readiness sentinel of a background vhost outside fast mode, then
// observes the grace period. A readiness timeout is logged, not returned.
func (s *Supervisor) Start(ctx context.Context, req Request) error {
	spec := req.Spec
	logger := s.logger.With("vhost", spec.VHost)

	if spec.Print {
		_, err := fmt.Fprintln(s.out, spec.CommandLine())
		return err
	}
	switch {
	case !spec.Quiet:
		spec.Describe(s.out)
	case req.Announce:
		fmt.Fprintf(s.out, "Starting: %s\n", spec.VHost)
	}

	if req.ReadyPath != "" {
		if err := s.fs.Remove(req.ReadyPath); err != nil {
			return fmt.Errorf("remove stale readiness sentinel: %w", err)
		}
	}
	if s.hubs != nil {
		if err := s.hubs.EnsureAll(ctx, spec.Interfaces); err != nil {
			return err
		}
	}
	if spec.HostlabImage != "" {
		if err := s.image(spec.Hostlab, spec.VHost, spec.HostlabImage); err != nil {
			return err
		}
	}

	s.startHooks(ctx, spec, logger)

	logger.Info("starting vhost", "background", spec.Background())
	if err := s.runner.Run(ctx, Process{
		Argv:       spec.Argv(),
		Background: spec.Background(),
		Silent:     spec.Silent(),
	}); err != nil {
		return fmt.Errorf("start %s: %w", spec.VHost, err)
	}

	if !req.Fast && spec.Background() && req.ReadyPath != "" {
		if err := s.awaitReady(ctx, spec.VHost, req.ReadyPath, logger); err != nil {
			return err
		}
	}
	return wait.Sleep(ctx, s.clock, req.Grace)
}

// Wait blocks until every hook started so far has finished.
func (s *Supervisor) Wait() {
	s.hooks.Wait()
}

func (s *Supervisor) awaitReady(ctx context.Context, vhost, readyPath string, logger *slog.Logger) error {
	wake, stop := wait.NotifyDir(filepath.Dir(readyPath), logger)
	defer stop()

	started := s.clock.Now()
	err := wait.Until(ctx, wait.Poll{
		Interval: s.cfg.ReadyPollInterval,
		Timeout:  s.cfg.ReadyTimeout,
		Clock:    s.clock,
		Wake:     wake,
	}, wait.ForFile(s.fs, readyPath))
	timedOut := errors.Is(err, wait.ErrTimeout)
	s.metrics.ReadyWait(vhost, s.clock.Now().Sub(started), timedOut)

	switch {
	case timedOut:
		logger.Warn("vhost did not signal readiness in time, continuing", "timeout", s.cfg.ReadyTimeout)
		return nil
	case err != nil:
		return err
	}
	logger.Debug("vhost ready")
	if err := s.fs.Remove(readyPath); err != nil {
		logger.Warn("could not remove readiness sentinel", "path", readyPath, "error", err)
	}
	return nil
}

func (s *Supervisor) startHooks(ctx context.Context, spec *launch.Spec, logger *slog.Logger) {
	if spec.PortHelper {
		s.hook(func() error { return s.wakePortHelper(ctx, spec) }, logger.With("hook", "port-helper"))
	}
	if spec.HideDisk {
		s.hook(func() error { return s.hideDisk(ctx, spec.Filesystem) }, logger.With("hook", "hide-disk"))
	}
}

func (s *Supervisor) hook(fn func() error, logger *slog.Logger) {
	s.hooks.Add(1)
	go func() {
		defer s.hooks.Done()
		if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("hook failed", "error", err)
		}
	}()
}

// wakePortHelper sends a no-op management command once the kernel had
// time to boot so the console helper attaches.
func (s *Supervisor) wakePortHelper(ctx context.Context, spec *launch.Spec) error {
	if err := wait.Sleep(ctx, s.clock, s.cfg.PortHelperDelay); err != nil {
		return err
	}
	return s.runner.Run(ctx, Process{
		Argv:   []string{s.cfg.MconsoleBinary, spec.VHost, "help"},
		Silent: true,
	})
}

// hideDisk removes the filesystem's directory entry as soon as the kernel
// created it. The kernel keeps its open handle.
func (s *Supervisor) hideDisk(ctx context.Context, path string) error {
	err := wait.Until(ctx, wait.Poll{
		Interval: s.cfg.ReadyPollInterval,
		Timeout:  diskWaitTimeout,
		Clock:    s.clock,
	}, wait.ForFile(s.fs, path))
	if err != nil {
		return fmt.Errorf("wait for %s: %w", path, err)
	}
	return s.fs.Remove(path)
}
