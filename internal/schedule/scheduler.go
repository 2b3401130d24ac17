package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cochaviz/vlab/internal/logging"
	"github.com/cochaviz/vlab/internal/metrics"
	"github.com/cochaviz/vlab/internal/wait"
)

// ScheduledLaunch is the handle of one in-flight vhost launch.
type ScheduledLaunch struct {
	ID            string
	VHost         string
	Prerequisites []string
	Started       time.Time
}

// Launcher starts one vhost and returns once its scheduler slot may be
// released: after readiness and grace period, or immediately in fast mode.
type Launcher interface {
	Launch(ctx context.Context, launch ScheduledLaunch) error
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, launch ScheduledLaunch) error

func (f LauncherFunc) Launch(ctx context.Context, launch ScheduledLaunch) error {
	return f(ctx, launch)
}

// Result summarises a run.
type Result struct {
	RunID    string
	Launched []string
	// Failed maps vhosts whose launch returned an error to that error.
	Failed map[string]error
}

// Scheduler launches the nodes of a graph.
type Scheduler struct {
	bound   int
	runID   string
	clock   wait.Clock
	metrics metrics.Collector
	logger  *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock used for launch start times.
func WithClock(clock wait.Clock) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// WithRunID fixes the run identifier instead of generating one.
func WithRunID(id string) Option {
	return func(s *Scheduler) { s.runID = id }
}

// WithMetrics sets the metrics collector.
func WithMetrics(c metrics.Collector) Option {
	return func(s *Scheduler) { s.metrics = c }
}

// New returns a scheduler allowing at most bound launches at once; zero
// means unbounded.
func New(bound int, logger *slog.Logger, opts ...Option) (*Scheduler, error) {
	if bound < 0 {
		return nil, fmt.Errorf("concurrency bound must be >= 0, got %d", bound)
	}
	s := &Scheduler{
		bound:   bound,
		clock:   wait.RealClock{},
		metrics: metrics.Noop(),
		logger:  logging.Ensure(logger).With("component", "scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics = metrics.Ensure(s.metrics)
	return s, nil
}

type completion struct {
	vhost string
	err   error
	took  time.Duration
}

// Run checks the graph for cycles and then launches every node once all of
// its prerequisites have finished. A failed launch still counts as
// finished. Cancelling ctx stops new launches; Run then waits for the
// outstanding ones and returns the context error.
func (s *Scheduler) Run(ctx context.Context, g *Graph, launcher Launcher) (Result, error) {
	runID := s.runID
	if runID == "" {
		runID = uuid.NewString()
	}
	result := Result{RunID: runID, Failed: map[string]error{}}
	if err := g.CheckAcyclic(); err != nil {
		return result, err
	}
	logger := s.logger.With("run", result.RunID)
	logger.Info("dependency graph", "nodes", g.Len(), "bound", s.bound)

	pending := make(map[string]struct{}, g.Len())
	for _, name := range g.order {
		pending[name] = struct{}{}
	}
	running := map[string]struct{}{}
	done := make(chan completion)

	ready := func(name string) bool {
		for _, prereq := range g.deps[name] {
			if _, ok := pending[prereq]; ok {
				return false
			}
		}
		return true
	}

	for len(pending) > 0 || len(running) > 0 {
		if ctx.Err() == nil {
			for _, name := range g.order {
				if s.bound > 0 && len(running) >= s.bound {
					break
				}
				if _, ok := pending[name]; !ok {
					continue
				}
				if _, ok := running[name]; ok || !ready(name) {
					continue
				}
				running[name] = struct{}{}
				s.start(ctx, logger, g, name, launcher, done)
			}
			s.metrics.Running(len(running))
		}

		if len(running) == 0 {
			if ctx.Err() != nil {
				break
			}
			return result, fmt.Errorf("no launchable vhost among %d pending", len(pending))
		}

		c := <-done
		delete(running, c.vhost)
		delete(pending, c.vhost)
		result.Launched = append(result.Launched, c.vhost)
		s.metrics.LaunchFinished(c.vhost, c.took, c.err)
		s.metrics.Running(len(running))
		if c.err != nil {
			result.Failed[c.vhost] = c.err
			if !errors.Is(c.err, context.Canceled) {
				logger.Warn("launch failed, dependants proceed", "vhost", c.vhost, "error", c.err)
			}
			continue
		}
		logger.Debug("launch finished", "vhost", c.vhost, "took", c.took)
	}

	if err := ctx.Err(); err != nil {
		return result, err
	}
	return result, nil
}

func (s *Scheduler) start(ctx context.Context, logger *slog.Logger, g *Graph, name string, launcher Launcher, done chan<- completion) {
	launch := ScheduledLaunch{
		ID:            uuid.NewString(),
		VHost:         name,
		Prerequisites: g.Prerequisites(name),
		Started:       s.clock.Now(),
	}
	logger.Debug("launching", "vhost", name, "launch", launch.ID)
	s.metrics.LaunchStarted(name)

	go func() {
		err := launcher.Launch(ctx, launch)
		done <- completion{vhost: name, err: err, took: s.clock.Now().Sub(launch.Started)}
	}()
}
