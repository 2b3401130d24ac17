// Package procscan inspects /proc to find running vhosts and processes
// holding a file open.
package procscan

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	proc "github.com/c9s/goprocinfo/linux"
)

// DefaultRoot is the proc filesystem mount point.
const DefaultRoot = "/proc"

// AnyUser disables the owner filter of FindVHost and VHosts.
const AnyUser = -1

// Scanner reads process information below Root.
type Scanner struct {
	Root string
}

// New returns a scanner for the host's /proc.
func New() *Scanner {
	return &Scanner{Root: DefaultRoot}
}

type process struct {
	pid int
	uid int
	dir string
}

// each calls fn for every process directory until fn returns false.
// Processes that vanish while being read are skipped.
func (s *Scanner) each(fn func(p process) bool) error {
	root := s.Root
	if root == "" {
		root = DefaultRoot
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || !entry.IsDir() {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		info, err := os.Stat(dir)
		if err != nil {
			continue
		}
		uid := AnyUser
		if st, ok := info.Sys().(*syscall.Stat_t); ok {
			uid = int(st.Uid)
		}
		if !fn(process{pid: pid, uid: uid, dir: dir}) {
			return nil
		}
	}
	return nil
}

// umid returns the vhost identifier on the kernel command line of p.
func umid(p process) (string, bool) {
	cmdline, err := proc.ReadProcessCmdline(filepath.Join(p.dir, "cmdline"))
	if err != nil {
		return "", false
	}
	for _, field := range strings.Fields(cmdline) {
		if id, ok := strings.CutPrefix(field, "umid="); ok && id != "" {
			return id, true
		}
	}
	return "", false
}

// FindVHost returns the pid of a process owned by uid whose command line
// carries umid=<vhost>. Pass AnyUser to match every owner.
func (s *Scanner) FindVHost(vhost string, uid int) (int, bool, error) {
	found := 0
	err := s.each(func(p process) bool {
		if uid != AnyUser && p.uid != uid {
			return true
		}
		if id, ok := umid(p); ok && id == vhost {
			found = p.pid
			return false
		}
		return true
	})
	return found, found != 0, err
}

// VHosts maps the identifier of every running vhost owned by uid to its
// lowest pid.
func (s *Scanner) VHosts(uid int) (map[string]int, error) {
	running := map[string]int{}
	err := s.each(func(p process) bool {
		if uid != AnyUser && p.uid != uid {
			return true
		}
		if id, ok := umid(p); ok {
			if pid, seen := running[id]; !seen || p.pid < pid {
				running[id] = p.pid
			}
		}
		return true
	})
	return running, err
}

// InUse reports whether any process holds path open. File descriptor
// tables the caller may not read are skipped.
func (s *Scanner) InUse(path string) (bool, error) {
	target, err := filepath.Abs(path)
	if err != nil {
		return false, err
	}
	if resolved, err := filepath.EvalSymlinks(target); err == nil {
		target = resolved
	}

	inUse := false
	err = s.each(func(p process) bool {
		fdDir := filepath.Join(p.dir, "fd")
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			return true
		}
		for _, fd := range fds {
			link, err := os.Readlink(filepath.Join(fdDir, fd.Name()))
			if err == nil && link == target {
				inUse = true
				return false
			}
		}
		return true
	})
	return inUse, err
}

// UnixSocketBound reports whether a unix socket bound to path appears in
// the kernel's socket table.
func (s *Scanner) UnixSocketBound(path string) (bool, error) {
	root := s.Root
	if root == "" {
		root = DefaultRoot
	}
	target, err := filepath.Abs(path)
	if err != nil {
		return false, err
	}
	f, err := os.Open(filepath.Join(root, "net", "unix"))
	if err != nil {
		return false, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Scan() // header
	for scanner.Scan() {
		// Num RefCount Protocol Flags Type St Inode Path
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 8 && fields[7] == target {
			return true, nil
		}
	}
	return false, scanner.Err()
}
