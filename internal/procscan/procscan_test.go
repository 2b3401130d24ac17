package procscan

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProc builds a /proc-like tree owned by the test user.
type fakeProc struct {
	t    *testing.T
	root string
}

func newFakeProc(t *testing.T) *fakeProc {
	return &fakeProc{t: t, root: t.TempDir()}
}

func (f *fakeProc) add(pid int, args []string, openFiles ...string) {
	f.t.Helper()
	dir := filepath.Join(f.root, strconv.Itoa(pid))
	require.NoError(f.t, os.MkdirAll(filepath.Join(dir, "fd"), 0o755))
	cmdline := strings.Join(args, "\x00") + "\x00"
	require.NoError(f.t, os.WriteFile(filepath.Join(dir, "cmdline"), []byte(cmdline), 0o644))
	for i, path := range openFiles {
		require.NoError(f.t, os.Symlink(path, filepath.Join(dir, "fd", strconv.Itoa(i))))
	}
}

func TestFindVHost(t *testing.T) {
	fp := newFakeProc(t)
	fp.add(100, []string{"/usr/bin/bash"})
	fp.add(200, []string{"/netkit/kernel", "name=pc10", "umid=pc10", "mem=36M"})
	fp.add(300, []string{"/netkit/kernel", "name=pc1", "umid=pc1", "mem=36M"})
	require.NoError(t, os.MkdirAll(filepath.Join(fp.root, "self"), 0o755))

	s := &Scanner{Root: fp.root}

	pid, ok, err := s.FindVHost("pc1", os.Getuid())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 300, pid)

	_, ok, err = s.FindVHost("pc", AnyUser)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.FindVHost("pc1", os.Getuid()+1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVHosts(t *testing.T) {
	fp := newFakeProc(t)
	fp.add(410, []string{"kernel", "umid=r1"})
	fp.add(402, []string{"kernel", "umid=r1"})
	fp.add(500, []string{"kernel", "umid=pc1"})
	fp.add(600, []string{"uml_switch", "-hub"})

	running, err := (&Scanner{Root: fp.root}).VHosts(AnyUser)

	require.NoError(t, err)
	assert.Equal(t, map[string]int{"r1": 402, "pc1": 500}, running)
}

func TestInUse(t *testing.T) {
	fp := newFakeProc(t)
	lab := t.TempDir()
	disk := filepath.Join(lab, "pc1.disk")
	require.NoError(t, os.WriteFile(disk, nil, 0o644))
	resolved, err := filepath.EvalSymlinks(disk)
	require.NoError(t, err)

	fp.add(100, []string{"kernel"}, "/dev/null", resolved)
	s := &Scanner{Root: fp.root}

	busy, err := s.InUse(disk)
	require.NoError(t, err)
	assert.True(t, busy)

	busy, err = s.InUse(filepath.Join(lab, "pc2.disk"))
	require.NoError(t, err)
	assert.False(t, busy)
}

func TestMissingRoot(t *testing.T) {
	_, _, err := (&Scanner{Root: filepath.Join(t.TempDir(), "absent")}).FindVHost("pc1", AnyUser)
	assert.Error(t, err)
}

func TestUnixSocketBound(t *testing.T) {
	fp := newFakeProc(t)
	require.NoError(t, os.MkdirAll(filepath.Join(fp.root, "net"), 0o755))
	table := "Num       RefCount Protocol Flags    Type St Inode Path\n" +
		"0000000000000000: 00000002 00000000 00010000 0001 01 41234 /home/alice/.netkit/hubs/vhub_alice_A.cnct\n" +
		"0000000000000000: 00000003 00000000 00000000 0001 03 41235\n"
	require.NoError(t, os.WriteFile(filepath.Join(fp.root, "net", "unix"), []byte(table), 0o644))
	s := &Scanner{Root: fp.root}

	bound, err := s.UnixSocketBound("/home/alice/.netkit/hubs/vhub_alice_A.cnct")
	require.NoError(t, err)
	assert.True(t, bound)

	bound, err = s.UnixSocketBound("/home/alice/.netkit/hubs/vhub_alice_B.cnct")
	require.NoError(t, err)
	assert.False(t, bound)
}
