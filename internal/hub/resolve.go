// Package hub maps collision domains to switch endpoints and makes sure a
// switch process serves every endpoint a vhost is wired to.
package hub

import (
	"fmt"
	"net/netip"
	"path/filepath"
	"strings"

	"github.com/cochaviz/vlab/internal/errdefs"
	"github.com/cochaviz/vlab/internal/setup"
)

// TapDomain is the collision domain name shared by every tap interface of
// a user.
const TapDomain = "tap"

// Interface binds interface slot N (ethN) to a collision domain.
type Interface struct {
	Slot   int
	Domain string
}

// Name is the guest interface name.
func (i Interface) Name() string {
	return fmt.Sprintf("eth%d", i.Slot)
}

// TapAddress is the gateway/guest pair of a tap domain.
type TapAddress struct {
	Gateway netip.Addr
	Guest   netip.Addr
}

// Endpoint is the unix socket backing a collision domain.
type Endpoint struct {
	Domain string
	Path   string
	// Tap is set when the domain bridges to the host network.
	Tap *TapAddress
}

// Assignment is a resolved interface.
type Assignment struct {
	Interface
	Endpoint Endpoint
	// DefaultRoute marks the first tap interface, whose gateway becomes the
	// guest's default route.
	DefaultRoute bool
}

// IsTap reports whether value denotes a tap domain ("tap" or "tap,...").
func IsTap(value string) bool {
	return value == TapDomain || strings.HasPrefix(value, TapDomain+",")
}

// ValidateDomain checks a raw interface value.
func ValidateDomain(iface string, value string) error {
	if value == "" {
		return errdefs.Validation("--%s's argument is empty", iface)
	}
	if strings.Contains(value, "_") {
		return errdefs.Validation("--%s's argument contains underscores", iface)
	}
	if !IsTap(value) && strings.ContainsAny(value, ",.") {
		return errdefs.Validation("--%s's argument contains commas or dots", iface)
	}
	if strings.ContainsAny(value, " \t/") {
		return errdefs.Validation("--%s's argument contains whitespace or slashes", iface)
	}
	return nil
}

// Resolver derives endpoint paths for one user.
type Resolver struct {
	Dir       string
	Prefix    string
	Extension string
	User      string
}

// NewResolver returns the resolver for the invoking user.
func NewResolver(cfg setup.Config) Resolver {
	return Resolver{
		Dir:       cfg.HubSocketDir,
		Prefix:    cfg.HubSocketPrefix,
		Extension: cfg.HubSocketExtension,
		User:      cfg.User,
	}
}

// Path is <dir>/<prefix>_<user>_<domain><extension>.
func (r Resolver) Path(domain string) string {
	return filepath.Join(r.Dir, fmt.Sprintf("%s_%s_%s%s", r.Prefix, r.User, domain, r.Extension))
}

// Endpoint resolves one collision domain. Tap domains must carry both
// addresses as "tap,<gateway>,<guest>".
func (r Resolver) Endpoint(domain string) (Endpoint, error) {
	if !IsTap(domain) {
		return Endpoint{Domain: domain, Path: r.Path(domain)}, nil
	}

	parts := strings.Split(domain, ",")
	if len(parts) != 3 {
		return Endpoint{}, errdefs.Validation("invalid tap collision domain %q, expected tap,<gateway>,<guest>", domain)
	}
	gateway, err := parseIPv4(parts[1])
	if err != nil {
		return Endpoint{}, &errdefs.ValidationError{Message: fmt.Sprintf("invalid tap gateway in %q", domain), Err: err}
	}
	guest, err := parseIPv4(parts[2])
	if err != nil {
		return Endpoint{}, &errdefs.ValidationError{Message: fmt.Sprintf("invalid tap guest address in %q", domain), Err: err}
	}
	return Endpoint{
		Domain: TapDomain,
		Path:   r.Path(TapDomain),
		Tap:    &TapAddress{Gateway: gateway, Guest: guest},
	}, nil
}

// Resolve resolves interfaces in order. The first tap interface carries
// the default route.
func (r Resolver) Resolve(ifaces []Interface) ([]Assignment, error) {
	assignments := make([]Assignment, 0, len(ifaces))
	routed := false
	for _, iface := range ifaces {
		if err := ValidateDomain(iface.Name(), iface.Domain); err != nil {
			return nil, err
		}
		ep, err := r.Endpoint(iface.Domain)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", iface.Name(), err)
		}
		a := Assignment{Interface: iface, Endpoint: ep}
		if ep.Tap != nil && !routed {
			a.DefaultRoute = true
			routed = true
		}
		assignments = append(assignments, a)
	}
	return assignments, nil
}

func parseIPv4(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, err
	}
	if !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("%s is not an IPv4 address", s)
	}
	return addr, nil
}
