// Package metrics records what the scheduler and supervisor do during a lab
// start so that it can be exported in the Prometheus textfile format.
package metrics

import "time"

// Collector receives launch and hub events.
type Collector interface {
	// LaunchStarted records that a vhost launch left the pending graph.
	LaunchStarted(vhost string)
	// LaunchFinished records the end of a launch and how long its slot was held.
	LaunchFinished(vhost string, duration time.Duration, err error)
	// Running records the number of launches currently holding a slot.
	Running(n int)
	// ReadyWait records how long a vhost took to drop its readiness sentinel.
	ReadyWait(vhost string, duration time.Duration, timedOut bool)
	// SwitchStarted records that a hub switch had to be started.
	SwitchStarted(tap bool)
}

type noopCollector struct{}

func (noopCollector) LaunchStarted(string)                        {}
func (noopCollector) LaunchFinished(string, time.Duration, error) {}
func (noopCollector) Running(int)                                 {}
func (noopCollector) ReadyWait(string, time.Duration, bool)       {}
func (noopCollector) SwitchStarted(bool)                          {}

// Noop returns a collector that drops every event.
func Noop() Collector {
	return noopCollector{}
}

// Ensure returns c, or a no-op collector when it is nil.
func Ensure(c Collector) Collector {
	if c == nil {
		return Noop()
	}
	return c
}
