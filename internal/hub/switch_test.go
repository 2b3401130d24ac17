package hub

import (
	"context"
	"net/netip"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/vlab/internal/logging"
	"github.com/cochaviz/vlab/internal/setup"
	"github.com/cochaviz/vlab/internal/wait/waittest"
)

type stubStarter struct {
	mu     sync.Mutex
	argvs  [][]string
	fsys   *waittest.FS
	create bool
}

func (s *stubStarter) Detach(_ context.Context, argv []string, silent bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.argvs = append(s.argvs, argv)
	if s.create {
		s.fsys.CreateSocket(argv[len(argv)-1])
	}
	return nil
}

func (s *stubStarter) calls() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string(nil), s.argvs...)
}

type stubTaps struct {
	starter *stubStarter
	name    string
	gateway netip.Addr
	// entered holds the switch calls made inside Enter.
	entered [][]string
}

func (s *stubTaps) EnsureTap(name string, gateway netip.Addr) error {
	s.name, s.gateway = name, gateway
	return nil
}

func (s *stubTaps) Enter(fn func() error) error {
	before := len(s.starter.calls())
	err := fn()
	s.entered = append(s.entered, s.starter.calls()[before:]...)
	return err
}

func newTestManager(t *testing.T, create bool) (*Manager, *stubStarter, *waittest.FS, *stubTaps, Resolver) {
	t.Helper()
	cfg := setup.Defaults("")
	cfg.User = "alice"
	cfg.HubSocketDir = filepath.Join(t.TempDir(), "hubs")

	fsys := waittest.NewFS()
	starter := &stubStarter{fsys: fsys, create: create}
	taps := &stubTaps{starter: starter}
	m := NewManager(cfg, starter, nil, logging.Discard(),
		WithFileSystem(fsys),
		WithClock(waittest.NewClock(time.Unix(0, 0))),
		WithDialer(fsys.IsSocket),
		WithTaps(taps),
	)
	return m, starter, fsys, taps, NewResolver(cfg)
}

func TestEnsureStartsSwitchOnce(t *testing.T) {
	m, starter, _, _, r := newTestManager(t, true)
	ep, err := r.Endpoint("A")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Ensure(context.Background(), ep))
		}()
	}
	wg.Wait()
	require.NoError(t, m.Ensure(context.Background(), ep))

	calls := starter.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"uml_switch", "-hub", "-unix", ep.Path}, calls[0])
}

func TestEnsureSkipsLiveSwitch(t *testing.T) {
	m, starter, fsys, _, r := newTestManager(t, true)
	fsys.CreateSocket(r.Path("A"))

	ep, err := r.Endpoint("A")
	require.NoError(t, err)
	require.NoError(t, m.Ensure(context.Background(), ep))

	assert.Empty(t, starter.calls())
}

func TestEnsureReplacesDeadSocket(t *testing.T) {
	m, starter, fsys, _, r := newTestManager(t, true)
	m.dial = func(string) bool { return false }
	fsys.CreateSocket(r.Path("A"))

	ep, err := r.Endpoint("A")
	require.NoError(t, err)
	require.NoError(t, m.Ensure(context.Background(), ep))

	assert.Equal(t, []string{r.Path("A")}, fsys.Removed())
	assert.Len(t, starter.calls(), 1)
}

func TestEnsureTapDomain(t *testing.T) {
	m, starter, _, taps, r := newTestManager(t, true)

	assignments, err := r.Resolve([]Interface{
		{Slot: 0, Domain: "tap,10.0.0.1,10.0.0.2"},
		{Slot: 1, Domain: "tap,10.0.0.1,10.0.0.3"},
		{Slot: 2, Domain: "B"},
	})
	require.NoError(t, err)
	require.NoError(t, m.EnsureAll(context.Background(), assignments))

	calls := starter.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"uml_switch", "-tap", "nk_tap_alice", "-unix", r.Path("tap")}, calls[0])
	assert.Equal(t, "-hub", calls[1][1])
	assert.Equal(t, "nk_tap_alice", taps.name)
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), taps.gateway)
	assert.Equal(t, calls[:1], taps.entered, "only the tap switch starts in the tap namespace")
}

func TestEnsureTimesOutWithoutSocket(t *testing.T) {
	m, _, _, _, r := newTestManager(t, false)

	ep, err := r.Endpoint("A")
	require.NoError(t, err)
	err = m.Ensure(context.Background(), ep)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not create")
}
