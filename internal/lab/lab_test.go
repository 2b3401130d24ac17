package lab

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/vlab/internal/errdefs"
	"github.com/cochaviz/vlab/internal/logging"
)

func writeLab(t *testing.T, files map[string]string, dirs ...string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(content), 0o644))
	}
	for _, dir := range dirs {
		require.NoError(t, os.MkdirAll(filepath.Join(root, dir), 0o755))
	}
	return root
}

func TestMembersFromMachinesLine(t *testing.T) {
	root := writeLab(t, map[string]string{
		ConfFile: "# topology\nmachines=\"r1 pc1  pc2\" # routers first\npc1[0]=A\n",
	}, "zz")

	d, err := Open(root, false, logging.Discard())
	require.NoError(t, err)

	members, err := d.Members()
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "pc1", "pc2"}, members)
}

func TestMembersInferredFromSubdirectories(t *testing.T) {
	root := writeLab(t, map[string]string{DepFile: "b: a\n", "a.startup": ""}, "b", "a", "shared", "_test", "CVS", ".git")

	d, err := Open(root, false, logging.Discard())
	require.NoError(t, err)

	members, err := d.Members()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, members)
}

func TestOpenRejectsNonLab(t *testing.T) {
	root := t.TempDir()

	_, err := Open(root, false, logging.Discard())

	var cfgErr *errdefs.ConfigurationError
	require.True(t, errors.As(err, &cfgErr), "got %v", err)

	d, err := Open(root, true, logging.Discard())
	require.NoError(t, err)
	members, err := d.Members()
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestOpenRejectsFile(t *testing.T) {
	root := writeLab(t, map[string]string{"notes": ""})

	_, err := Open(filepath.Join(root, "notes"), true, logging.Discard())
	var cfgErr *errdefs.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestSelectDropsUnknownNames(t *testing.T) {
	root := writeLab(t, map[string]string{ConfFile: `machines="a b c"`})
	var logs bytes.Buffer
	d, err := Open(root, false, logging.NewCLI(&logs, nil))
	require.NoError(t, err)

	selected, err := d.Select([]string{"x"})
	require.NoError(t, err)
	assert.Empty(t, selected)
	assert.Contains(t, logs.String(), "machine is not part of the lab")
	assert.Contains(t, logs.String(), "vhost=x")

	selected, err = d.Select([]string{"c", "a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, selected)

	selected, err = d.Select(nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, selected)
}

func TestDeclarationKeepsFirstAssignment(t *testing.T) {
	conf := `machines="pc1 pc10"
pc1[0]=A
pc1[mem]=128
pc10[0]=B
pc1[0]=C
pc1[mem]=256
 pc1[append]=console=ttyS0 # trailing comment
pc1[1
`
	root := writeLab(t, map[string]string{ConfFile: conf})
	var logs bytes.Buffer
	d, err := Open(root, false, logging.NewCLI(&logs, nil))
	require.NoError(t, err)

	decl := d.Declaration("pc1")

	assert.Equal(t, "pc1", decl.Name)
	assert.Equal(t, []Override{
		{Key: "0", Value: "A"},
		{Key: "mem", Value: "128"},
		{Key: "append", Value: "console=ttyS0"},
	}, decl.Overrides)
	assert.Contains(t, logs.String(), "override assigned multiple times")
	assert.Contains(t, logs.String(), "ignoring malformed override")

	assert.Equal(t, []Override{{Key: "0", Value: "B"}}, d.Declaration("pc10").Overrides)
	assert.Empty(t, d.Declaration("r1").Overrides)
}

func TestDependencies(t *testing.T) {
	root := writeLab(t, map[string]string{
		ConfFile: `machines="a b c"`,
		DepFile:  "# deps\nc: a b\nno colon here\n: orphan\nb:\n",
	})
	d, err := Open(root, false, logging.Discard())
	require.NoError(t, err)
	require.True(t, d.HasDependencies())

	deps, err := d.Dependencies()
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"c": {"a", "b"}, "b": {}}, deps)
}

func TestDependenciesWithoutDescriptor(t *testing.T) {
	root := writeLab(t, map[string]string{ConfFile: `machines="a"`})
	d, err := Open(root, false, logging.Discard())
	require.NoError(t, err)

	assert.False(t, d.HasDependencies())
	deps, err := d.Dependencies()
	require.NoError(t, err)
	assert.Empty(t, deps)
}

func TestArtifactPaths(t *testing.T) {
	root := writeLab(t, map[string]string{ConfFile: `machines="pc1"`})
	d, err := Open(root, false, logging.Discard())
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(d.Path, "pc1.ready"), d.ReadyPath("pc1"))
	assert.Equal(t, filepath.Join(d.Path, "pc1.disk"), d.DiskPath("pc1"))
	assert.Equal(t, filepath.Join(d.Path, "pc1"), d.VHostDir("pc1"))
}
