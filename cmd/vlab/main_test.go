package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// installation creates a NETKIT_HOME with a kernel and a model filesystem.
func installation(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(home, "kernel"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(home, "fs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(home, "kernel", "netkit-kernel"), nil, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(home, "fs", "netkit-fs"), nil, 0o644))
	t.Setenv("NETKIT_HOME", home)
	t.Setenv("VLAB_HUB_SOCKET_DIR", filepath.Join(home, "hubs"))
	return home
}

func execute(t *testing.T, ctx context.Context, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(ctx, args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestConfigShow(t *testing.T) {
	installation(t)
	t.Setenv("VLAB_MAX_MEM", "256")

	code, out, errOut := execute(t, context.Background(), "config", "show")

	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "vm_memory: 32")
	assert.Contains(t, out, "max_mem: 256")
}

func TestUnknownLogLevel(t *testing.T) {
	installation(t)

	code, _, errOut := execute(t, context.Background(), "--log-level", "chatty", "config", "show")

	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "unknown log level")
}

func TestVHostStartPrint(t *testing.T) {
	installation(t)

	code, out, errOut := execute(t, context.Background(),
		"vhost", "start", "-p", "--con0", "none", "--eth0", "A", "--mem", "64", "pc1")

	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "umid=pc1")
	assert.Contains(t, out, "mem=68M")
	assert.Contains(t, out, "eth0=daemon,,,")
}

func TestVHostStartRejectsPlaceholderInterface(t *testing.T) {
	installation(t)

	code, _, errOut := execute(t, context.Background(), "vhost", "start", "--ethN", "A", "pc1")

	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "--ethN is not an option")
}

func TestVHostStartHelp(t *testing.T) {
	installation(t)

	code, out, _ := execute(t, context.Background(), "vhost", "start", "--help")

	assert.Equal(t, 0, code)
	assert.Contains(t, out, "--hide-disk-file")
}

func TestLabStartPrint(t *testing.T) {
	installation(t)
	lab := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(lab, "lab.conf"), []byte("machines=\"pc1 pc2\"\npc2[0]=B\n"), 0o644))

	code, out, errOut := execute(t, context.Background(),
		"lab", "start", "-d", lab, "-o", "-p --con0 none", "pc2")

	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "umid=pc2")
	assert.Contains(t, out, "hostlab="+lab)
	assert.NotContains(t, out, "umid=pc1")
}

func TestLabStartRejectsNonLab(t *testing.T) {
	installation(t)

	code, _, errOut := execute(t, context.Background(), "lab", "start", "-d", t.TempDir())

	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "does not appear to be a lab directory")
}

func TestLabStartParallelAndSequentialConflict(t *testing.T) {
	installation(t)

	code, _, _ := execute(t, context.Background(), "lab", "start", "-p", "2", "-s")

	assert.Equal(t, 1, code)
}

func TestLabStartInterrupted(t *testing.T) {
	installation(t)
	lab := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(lab, "lab.conf"), []byte("machines=\"pc1\"\n"), 0o644))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	code, _, _ := execute(t, ctx, "lab", "start", "-d", lab, "-o", "--con0 none")

	assert.Equal(t, 130, code)
}

func TestLabInfo(t *testing.T) {
	installation(t)
	lab := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(lab, "lab.conf"), []byte("machines=\"pc1 pc2\"\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(lab, "lab.dep"), []byte("pc2: pc1\n"), 0o644))

	code, out, errOut := execute(t, context.Background(), "lab", "info", "-d", lab)

	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "pc1")
	assert.Contains(t, out, "PREREQUISITES")
}

func TestCheckReportsMissingKernel(t *testing.T) {
	home := installation(t)
	require.NoError(t, os.Remove(filepath.Join(home, "kernel", "netkit-kernel")))

	code, _, errOut := execute(t, context.Background(), "check")

	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "not found")
}
