package hub

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/vlab/internal/errdefs"
)

var testResolver = Resolver{Dir: "/home/alice/.netkit/hubs", Prefix: "vhub", Extension: ".cnct", User: "alice"}

func TestEndpointPath(t *testing.T) {
	ep, err := testResolver.Endpoint("A")

	require.NoError(t, err)
	assert.Equal(t, "/home/alice/.netkit/hubs/vhub_alice_A.cnct", ep.Path)
	assert.Equal(t, "A", ep.Domain)
	assert.Nil(t, ep.Tap)
}

func TestEndpointPathsDifferPerUser(t *testing.T) {
	bob := testResolver
	bob.User = "bob"

	assert.NotEqual(t, testResolver.Path("A"), bob.Path("A"))
}

func TestTapEndpoint(t *testing.T) {
	ep, err := testResolver.Endpoint("tap,10.0.0.1,10.0.0.2")

	require.NoError(t, err)
	assert.Equal(t, "/home/alice/.netkit/hubs/vhub_alice_tap.cnct", ep.Path)
	require.NotNil(t, ep.Tap)
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), ep.Tap.Gateway)
	assert.Equal(t, netip.MustParseAddr("10.0.0.2"), ep.Tap.Guest)
}

func TestTapEndpointRejectsMalformed(t *testing.T) {
	for _, domain := range []string{
		"tap",
		"tap,10.0.0.1",
		"tap,10.0.0.1,10.0.0.2,10.0.0.3",
		"tap,10.0.0.256,10.0.0.2",
		"tap,10.0.0.1,fe80::1",
		"tap,,",
	} {
		t.Run(domain, func(t *testing.T) {
			_, err := testResolver.Endpoint(domain)
			var validation *errdefs.ValidationError
			assert.True(t, errors.As(err, &validation), "got %v", err)
		})
	}
}

func TestValidateDomain(t *testing.T) {
	tests := []struct {
		value string
		ok    bool
	}{
		{"A", true},
		{"tap,10.0.0.1,10.0.0.2", true},
		{"", false},
		{"lan_1", false},
		{"lan.1", false},
		{"lan,1", false},
		{"a/b", false},
	}
	for _, tt := range tests {
		err := ValidateDomain("eth0", tt.value)
		if tt.ok {
			assert.NoError(t, err, tt.value)
		} else {
			assert.Error(t, err, tt.value)
		}
	}
}

func TestResolveFirstTapWinsDefaultRoute(t *testing.T) {
	assignments, err := testResolver.Resolve([]Interface{
		{Slot: 0, Domain: "A"},
		{Slot: 1, Domain: "tap,10.0.0.1,10.0.0.2"},
		{Slot: 2, Domain: "tap,192.168.1.1,192.168.1.2"},
	})

	require.NoError(t, err)
	require.Len(t, assignments, 3)
	assert.False(t, assignments[0].DefaultRoute)
	assert.True(t, assignments[1].DefaultRoute)
	assert.False(t, assignments[2].DefaultRoute)
	assert.Equal(t, "eth2", assignments[2].Name())
}

func TestResolvePropagatesValidation(t *testing.T) {
	_, err := testResolver.Resolve([]Interface{{Slot: 3, Domain: "tap"}})

	var validation *errdefs.ValidationError
	require.True(t, errors.As(err, &validation))
	assert.Contains(t, err.Error(), "eth3")
}

func TestTapDevice(t *testing.T) {
	assert.Equal(t, "nk_tap_alice", TapDevice("nk_tap_", "alice"))
	assert.Equal(t, "nk_tap_maximili", TapDevice("nk_tap_", "maximiliana"))
}
