// Package errdefs defines the error kinds reported by lab and vhost launches.
package errdefs

import "fmt"

// A ConfigurationError reports a bad lab directory or tool configuration.
type ConfigurationError struct {
	Message string
	Err     error
}

func (e *ConfigurationError) Error() string { return format(e.Message, e.Err) }
func (e *ConfigurationError) Unwrap() error { return e.Err }

// A ValidationError reports an out-of-range or malformed launch parameter.
type ValidationError struct {
	Message string
	Err     error
}

func (e *ValidationError) Error() string { return format(e.Message, e.Err) }
func (e *ValidationError) Unwrap() error { return e.Err }

// A DependencyCycleError reports that the dependency graph is not acyclic.
// Node is a vhost that can reach itself through its prerequisites.
type DependencyCycleError struct {
	Node string
}

func (e *DependencyCycleError) Error() string {
	return fmt.Sprintf("the dependency graph is not acyclic (cycle through %s)", e.Node)
}

// An AlreadyRunningError reports that a vhost with the same identifier is running.
type AlreadyRunningError struct {
	VHost string
	PID   int
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("%s is already running (pid %d)", e.VHost, e.PID)
}

// A ResourceBusyError reports that a file needed by a launch is held by another process.
type ResourceBusyError struct {
	Path string
}

func (e *ResourceBusyError) Error() string {
	return fmt.Sprintf("%s is being used by another process", e.Path)
}

// An ExternalToolMissingError reports that a required external program is absent.
type ExternalToolMissingError struct {
	Tool string
	Err  error
}

func (e *ExternalToolMissingError) Error() string {
	return format(fmt.Sprintf("%s not found", e.Tool), e.Err)
}
func (e *ExternalToolMissingError) Unwrap() error { return e.Err }

// Configuration returns a ConfigurationError with a formatted message.
func Configuration(format string, args ...any) error {
	return &ConfigurationError{Message: fmt.Sprintf(format, args...)}
}

// Validation returns a ValidationError with a formatted message.
func Validation(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

func format(message string, err error) string {
	if err == nil {
		return message
	}
	return fmt.Sprintf("%s: %v", message, err)
}
