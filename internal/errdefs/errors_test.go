package errdefs

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorsSurviveWrapping(t *testing.T) {
	err := fmt.Errorf("compile pc1: %w", Validation("--mem's argument %d is outside of the allowed range", 9000))

	var validation *ValidationError
	require.True(t, errors.As(err, &validation))
	assert.Equal(t, "--mem's argument 9000 is outside of the allowed range", validation.Message)

	var configuration *ConfigurationError
	assert.False(t, errors.As(err, &configuration))
}

func TestConfigurationErrorUnwrapsCause(t *testing.T) {
	err := &ConfigurationError{Message: "read lab.conf", Err: fs.ErrPermission}

	assert.ErrorIs(t, err, fs.ErrPermission)
	assert.Equal(t, "read lab.conf: permission denied", err.Error())
}

func TestMessages(t *testing.T) {
	assert.Equal(t, "the dependency graph is not acyclic (cycle through a)", (&DependencyCycleError{Node: "a"}).Error())
	assert.Equal(t, "pc1 is already running (pid 42)", (&AlreadyRunningError{VHost: "pc1", PID: 42}).Error())
	assert.Equal(t, "/lab/pc1.disk is being used by another process", (&ResourceBusyError{Path: "/lab/pc1.disk"}).Error())
	assert.Equal(t, "uml_switch not found", (&ExternalToolMissingError{Tool: "uml_switch"}).Error())
}
