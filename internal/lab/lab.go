// Package lab reads lab directories: the membership descriptor (lab.conf),
// the dependency descriptor (lab.dep) and the per-vhost artifacts kept next
// to them.
package lab

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cochaviz/vlab/internal/errdefs"
	"github.com/cochaviz/vlab/internal/logging"
)

const (
	ConfFile = "lab.conf"
	DepFile  = "lab.dep"

	ReadySuffix = ".ready"
	DiskSuffix  = ".disk"
)

// Subdirectories that never name a vhost.
var reservedNames = map[string]struct{}{
	"shared": {},
	"_test":  {},
	"CVS":    {},
	".git":   {},
	".svn":   {},
}

// Override is one raw vhost[key]=value line from lab.conf.
type Override struct {
	Key   string
	Value string
}

// Declaration holds the overrides lab.conf declares for one vhost, in file
// order, with repeated keys already dropped.
type Declaration struct {
	Name      string
	Overrides []Override
}

// Directory is an opened lab directory.
type Directory struct {
	Path string

	conf    []string
	hasConf bool
	hasDep  bool
	logger  *slog.Logger
}

// Open resolves path and reads its membership descriptor. Unless force is
// set, a directory with no descriptor and no vhost subdirectories is
// rejected.
func Open(path string, force bool, logger *slog.Logger) (*Directory, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, &errdefs.ConfigurationError{Message: fmt.Sprintf("resolve lab directory %q", path), Err: err}
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, &errdefs.ConfigurationError{Message: "open lab directory", Err: err}
	}
	if !info.IsDir() {
		return nil, errdefs.Configuration("%s is not a directory", abs)
	}

	d := &Directory{
		Path:   abs,
		logger: logging.Ensure(logger).With("lab", abs),
	}

	d.conf, d.hasConf, err = readLines(filepath.Join(abs, ConfFile))
	if err != nil {
		return nil, err
	}
	d.hasDep, err = isFile(filepath.Join(abs, DepFile))
	if err != nil {
		return nil, err
	}

	if !force && !d.hasConf && !d.hasDep {
		members, err := d.Members()
		if err != nil {
			return nil, err
		}
		if len(members) == 0 {
			return nil, errdefs.Configuration("%s does not appear to be a lab directory, use -F to force", abs)
		}
	}
	return d, nil
}

// HasDependencies reports whether the lab declares a lab.dep file.
func (d *Directory) HasDependencies() bool { return d.hasDep }

// Members returns the vhosts of the lab. An explicit machines= line in
// lab.conf is used verbatim; otherwise every non-reserved subdirectory is a
// member, in lexical order.
func (d *Directory) Members() ([]string, error) {
	for _, line := range d.conf {
		line = strings.TrimSpace(stripComment(line))
		if value, ok := strings.CutPrefix(line, "machines="); ok {
			return strings.Fields(strings.Trim(strings.TrimSpace(value), `"`)), nil
		}
	}

	entries, err := os.ReadDir(d.Path)
	if err != nil {
		return nil, &errdefs.ConfigurationError{Message: "list lab directory", Err: err}
	}
	var members []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, reserved := reservedNames[entry.Name()]; reserved {
			continue
		}
		members = append(members, entry.Name())
	}
	return members, nil
}

// Select narrows the lab to the requested vhosts. No request selects every
// member. Requested names that are not members are dropped with a warning.
func (d *Directory) Select(requested []string) ([]string, error) {
	members, err := d.Members()
	if err != nil {
		return nil, err
	}
	if len(requested) == 0 {
		return members, nil
	}

	known := make(map[string]struct{}, len(members))
	for _, m := range members {
		known[m] = struct{}{}
	}
	selected := make([]string, 0, len(requested))
	for _, name := range requested {
		if _, ok := known[name]; !ok {
			d.logger.Warn("machine is not part of the lab", "vhost", name)
			continue
		}
		selected = append(selected, name)
	}
	return selected, nil
}

// Declaration collects the vhost[key]=value lines for vhost. When a key is
// assigned more than once the first assignment is kept.
func (d *Directory) Declaration(vhost string) Declaration {
	decl := Declaration{Name: vhost}
	seen := map[string]struct{}{}
	prefix := vhost + "["

	for n, raw := range d.conf {
		line := strings.TrimSpace(stripComment(raw))
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		lhs, value, ok := strings.Cut(line, "=")
		key, _, closed := strings.Cut(strings.TrimPrefix(lhs, prefix), "]")
		key = strings.TrimSpace(key)
		if !ok || !closed || key == "" {
			d.logger.Warn("ignoring malformed override", "line", n+1, "text", line)
			continue
		}
		if _, dup := seen[key]; dup {
			d.logger.Warn("override assigned multiple times, using the first assignment", "vhost", vhost, "key", key)
			continue
		}
		seen[key] = struct{}{}
		decl.Overrides = append(decl.Overrides, Override{Key: key, Value: strings.TrimSpace(value)})
	}
	return decl
}

// Dependencies parses lab.dep into a mapping from vhost to prerequisites.
// Lines without a colon are ignored; a later line for the same vhost
// replaces an earlier one.
func (d *Directory) Dependencies() (map[string][]string, error) {
	deps := map[string][]string{}
	if !d.hasDep {
		return deps, nil
	}
	lines, _, err := readLines(filepath.Join(d.Path, DepFile))
	if err != nil {
		return nil, err
	}
	for _, line := range lines {
		name, prereqs, ok := strings.Cut(stripComment(line), ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			continue
		}
		deps[name] = strings.Fields(prereqs)
	}
	return deps, nil
}

// ReadyPath is the readiness sentinel of vhost.
func (d *Directory) ReadyPath(vhost string) string {
	return filepath.Join(d.Path, vhost+ReadySuffix)
}

// DiskPath is the per-vhost filesystem of vhost.
func (d *Directory) DiskPath(vhost string) string {
	return filepath.Join(d.Path, vhost+DiskSuffix)
}

// VHostDir is the directory whose contents are shared with vhost.
func (d *Directory) VHostDir(vhost string) string {
	return filepath.Join(d.Path, vhost)
}

func stripComment(line string) string {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		return line[:i]
	}
	return line
}

func isFile(path string) (bool, error) {
	info, err := os.Stat(path)
	switch {
	case err == nil:
		return info.Mode().IsRegular(), nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, &errdefs.ConfigurationError{Message: fmt.Sprintf("stat %s", path), Err: err}
	}
}

func readLines(path string) ([]string, bool, error) {
	ok, err := isFile(path)
	if err != nil || !ok {
		return nil, false, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, false, &errdefs.ConfigurationError{Message: fmt.Sprintf("read %s", filepath.Base(path)), Err: err}
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, false, &errdefs.ConfigurationError{Message: fmt.Sprintf("read %s", filepath.Base(path)), Err: err}
	}
	return lines, true, nil
}
