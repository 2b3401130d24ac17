package hub

import (
	"net/netip"
	"os"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"

	"github.com/cochaviz/vlab/internal/logging"
)

func requireRoot(t *testing.T) {
	t.Helper()
	if os.Geteuid() != 0 {
		t.Skip("needs root to manage network namespaces")
	}
}

func TestNetlinkTapsRestoresThreadNamespace(t *testing.T) {
	requireRoot(t)
	const namespace = "vlabtest"
	t.Cleanup(func() { _ = netns.DeleteNamed(namespace) })

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	before, err := netns.Get()
	require.NoError(t, err)
	defer before.Close()

	taps := NewNetlinkTaps(namespace, 0, logging.Discard())
	require.NoError(t, taps.EnsureTap("vlabtest0", netip.MustParseAddr("10.9.9.1")))

	after, err := netns.Get()
	require.NoError(t, err)
	defer after.Close()
	assert.True(t, before.Equal(after), "thread left in %s, was %s", after, before)

	var inside bool
	require.NoError(t, taps.Enter(func() error {
		current, err := netns.Get()
		if err != nil {
			return err
		}
		defer current.Close()
		inside = !current.Equal(before)
		_, err = netlink.LinkByName("vlabtest0")
		return err
	}))
	assert.True(t, inside)

	restored, err := netns.Get()
	require.NoError(t, err)
	defer restored.Close()
	assert.True(t, before.Equal(restored))
}

func TestNetlinkTapsEnterWithoutNamespace(t *testing.T) {
	called := false
	err := NewNetlinkTaps("", 0, logging.Discard()).Enter(func() error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
}
