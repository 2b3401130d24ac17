package hub

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"runtime"
	"syscall"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
)

// maxDeviceName is IFNAMSIZ without the terminating NUL.
const maxDeviceName = 15

// tapPrefixLen is the netmask given to the gateway address.
const tapPrefixLen = 24

// TapProvisioner makes sure a tap device exists, is up and carries the
// gateway address. Enter runs fn in the network namespace holding the
// devices, so processes started by fn can open them.
type TapProvisioner interface {
	EnsureTap(name string, gateway netip.Addr) error
	Enter(fn func() error) error
}

// TapDevice is the per-user tap device name.
func TapDevice(prefix, user string) string {
	name := prefix + user
	if len(name) > maxDeviceName {
		name = name[:maxDeviceName]
	}
	return name
}

// NetlinkTaps provisions tap devices through netlink, optionally inside a
// named network namespace.
type NetlinkTaps struct {
	namespace string
	owner     int
	logger    *slog.Logger
}

// NewNetlinkTaps returns a provisioner creating devices owned by uid.
func NewNetlinkTaps(namespace string, uid int, logger *slog.Logger) *NetlinkTaps {
	return &NetlinkTaps{namespace: namespace, owner: uid, logger: logger}
}

func (n *NetlinkTaps) EnsureTap(name string, gateway netip.Addr) error {
	handle, closeHandle, err := n.handle()
	if err != nil {
		return err
	}
	defer closeHandle()

	link, err := handle.LinkByName(name)
	if err != nil {
		if !isLinkNotFound(err) {
			return fmt.Errorf("lookup %s: %w", name, err)
		}
		n.logger.Info("creating tap device", "device", name, "namespace", n.namespace)
		tap := &netlink.Tuntap{
			LinkAttrs: netlink.LinkAttrs{Name: name},
			Mode:      netlink.TUNTAP_MODE_TAP,
			Flags:     netlink.TUNTAP_NO_PI,
			Owner:     uint32(n.owner),
		}
		if err := handle.LinkAdd(tap); err != nil && !errors.Is(err, syscall.EEXIST) {
			return fmt.Errorf("create tap %s: %w", name, err)
		}
		if link, err = handle.LinkByName(name); err != nil {
			return fmt.Errorf("lookup %s: %w", name, err)
		}
	}

	addr := &netlink.Addr{IPNet: &net.IPNet{
		IP:   net.IP(gateway.AsSlice()),
		Mask: net.CIDRMask(tapPrefixLen, 32),
	}}
	if err := ensureAddress(handle, link, addr); err != nil {
		return err
	}
	if err := handle.LinkSetUp(link); err != nil {
		return fmt.Errorf("bring %s up: %w", name, err)
	}
	return nil
}

// Enter runs fn with the calling OS thread switched into the tap
// namespace. Children forked by fn inherit it; the thread is switched back
// before it is released to the scheduler.
func (n *NetlinkTaps) Enter(fn func() error) error {
	if n.namespace == "" {
		return fn()
	}
	var fnErr error
	err := onThread(func() error {
		ns, err := netns.GetFromName(n.namespace)
		if err != nil {
			return fmt.Errorf("get netns %s: %w", n.namespace, err)
		}
		defer ns.Close()
		if err := netns.Set(ns); err != nil {
			return fmt.Errorf("enter netns %s: %w", n.namespace, err)
		}
		fnErr = fn()
		return nil
	})
	return errors.Join(fnErr, err)
}

func (n *NetlinkTaps) handle() (*netlink.Handle, func(), error) {
	if n.namespace == "" {
		h, err := netlink.NewHandle()
		if err != nil {
			return nil, nil, fmt.Errorf("host netlink handle: %w", err)
		}
		return h, h.Close, nil
	}

	ns, err := netns.GetFromName(n.namespace)
	if err != nil {
		if !errors.Is(err, syscall.ENOENT) {
			return nil, nil, fmt.Errorf("get netns %s: %w", n.namespace, err)
		}
		// NewNamed also moves the thread into the new namespace.
		err = onThread(func() error {
			var err error
			if ns, err = netns.NewNamed(n.namespace); err != nil {
				return fmt.Errorf("create netns %s: %w", n.namespace, err)
			}
			return nil
		})
		if err != nil {
			if ns.IsOpen() {
				_ = ns.Close()
			}
			return nil, nil, err
		}
	}
	h, err := netlink.NewHandleAt(ns)
	if err != nil {
		_ = ns.Close()
		return nil, nil, fmt.Errorf("handle for ns %s: %w", n.namespace, err)
	}
	return h, func() {
		h.Close()
		_ = ns.Close()
	}, nil
}

// onThread runs fn on a locked OS thread and restores the thread's network
// namespace afterwards. A thread that cannot be restored stays locked, so
// the runtime discards it when the goroutine exits.
func onThread(fn func() error) error {
	runtime.LockOSThread()
	orig, err := netns.Get()
	if err != nil {
		runtime.UnlockOSThread()
		return fmt.Errorf("current netns: %w", err)
	}
	defer orig.Close()

	fnErr := fn()
	if err := netns.Set(orig); err != nil {
		return errors.Join(fnErr, fmt.Errorf("restore netns: %w", err))
	}
	runtime.UnlockOSThread()
	return fnErr
}

func ensureAddress(handle *netlink.Handle, link netlink.Link, addr *netlink.Addr) error {
	existing, err := handle.AddrList(link, unix.AF_INET)
	if err != nil {
		return fmt.Errorf("list addresses: %w", err)
	}
	for _, a := range existing {
		if a.IP.Equal(addr.IP) && a.Mask.String() == addr.Mask.String() {
			return nil
		}
	}
	if err := handle.AddrAdd(link, addr); err != nil && !errors.Is(err, syscall.EEXIST) {
		return fmt.Errorf("add %s to %s: %w", addr, link.Attrs().Name, err)
	}
	return nil
}

func isLinkNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOENT) {
		return true
	}
	var notFound netlink.LinkNotFoundError
	return errors.As(err, &notFound)
}
