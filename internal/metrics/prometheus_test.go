package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCollectorLaunches(t *testing.T) {
	pc := NewPrometheusCollector("")

	pc.LaunchStarted("pc1")
	pc.LaunchFinished("pc1", 3*time.Second, nil)
	pc.LaunchStarted("pc2")
	pc.LaunchFinished("pc2", time.Second, errors.New("exit status 1"))

	expected := `
		# HELP vlab_launches_total Vhost launches by outcome
		# TYPE vlab_launches_total counter
		vlab_launches_total{status="started",vhost="pc1"} 1
		vlab_launches_total{status="success",vhost="pc1"} 1
		vlab_launches_total{status="started",vhost="pc2"} 1
		vlab_launches_total{status="error",vhost="pc2"} 1
	`
	err := testutil.GatherAndCompare(pc.Registry(), strings.NewReader(expected), "vlab_launches_total")
	assert.NoError(t, err)

	count, err := testutil.GatherAndCount(pc.Registry(), "vlab_launch_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestPrometheusCollectorGaugesAndSwitches(t *testing.T) {
	pc := NewPrometheusCollector("run-1")

	pc.Running(3)
	pc.Running(2)
	pc.SwitchStarted(false)
	pc.SwitchStarted(true)
	pc.SwitchStarted(false)
	pc.ReadyWait("pc1", 2*time.Second, false)

	assert.Equal(t, 2.0, testutil.ToFloat64(pc.running))
	assert.Equal(t, 2.0, testutil.ToFloat64(pc.switches.WithLabelValues("hub")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pc.switches.WithLabelValues("tap")))
}

func TestWriteFile(t *testing.T) {
	pc := NewPrometheusCollector("run-1")
	pc.LaunchStarted("r1")

	path := filepath.Join(t.TempDir(), "vlab.prom")
	require.NoError(t, pc.WriteFile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `vlab_launches_total{run_id="run-1",status="started",vhost="r1"} 1`)
}

func TestEnsure(t *testing.T) {
	assert.Equal(t, Noop(), Ensure(nil))

	pc := NewPrometheusCollector("")
	assert.Same(t, pc, Ensure(pc))
}
