// Package disk packs host directories into read-only images a vhost can
// attach as a block device.
package disk

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/kdomanski/iso9660"
)

const maxLabelLen = 32

// HostlabImage mirrors <labDir>/<vhost> into a staging directory next to
// imagePath and packs it as an ISO9660 image labelled after the vhost. A
// vhost without its own directory gets an empty image.
func HostlabImage(labDir, vhost, imagePath string) error {
	source := filepath.Join(labDir, vhost)
	staging := imagePath + ".d"
	if err := os.RemoveAll(staging); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	info, err := os.Stat(source)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := os.MkdirAll(staging, 0o755); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("stat %s: %w", source, err)
	case !info.IsDir():
		return fmt.Errorf("%s is not a directory", source)
	default:
		if err := copyDirectoryContents(source, staging); err != nil {
			return fmt.Errorf("copy %s: %w", source, err)
		}
	}

	if err := CreateISO(staging, imagePath, VolumeLabel("hostlab", vhost)); err != nil {
		return fmt.Errorf("create hostlab image for %s: %w", vhost, err)
	}
	return nil
}

// CreateISO writes the contents of sourceDir to imagePath.
func CreateISO(sourceDir, imagePath, volumeLabel string) error {
	writer, err := iso9660.NewWriter()
	if err != nil {
		return fmt.Errorf("create iso writer: %w", err)
	}
	defer writer.Cleanup()

	if err := writer.AddLocalDirectory(sourceDir, "/"); err != nil {
		return fmt.Errorf("stage directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(imagePath), 0o755); err != nil {
		return fmt.Errorf("ensure image directory: %w", err)
	}

	out, err := os.OpenFile(imagePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create image file: %w", err)
	}
	if err := writer.WriteTo(out, volumeLabel); err != nil {
		out.Close()
		_ = os.Remove(imagePath)
		return fmt.Errorf("write iso: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(imagePath)
		return fmt.Errorf("finalize iso: %w", err)
	}
	return nil
}

// VolumeLabel joins parts into an upper-case ISO volume label of at most
// 32 characters.
func VolumeLabel(parts ...string) string {
	label := strings.Join(parts, "_")

	var b strings.Builder
	for _, r := range label {
		if b.Len() >= maxLabelLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - ('a' - 'A'))
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "HOSTLAB"
	}
	return b.String()
}

func copyDirectoryContents(srcDir, dstDir string) error {
	return filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dstDir, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		mode := info.Mode()

		switch {
		case mode&os.ModeSymlink != 0:
			return fmt.Errorf("symlinks are not supported in hostlab images (%s)", path)
		case d.IsDir():
			return os.MkdirAll(target, mode.Perm()|0o700)
		case !mode.IsRegular():
			return fmt.Errorf("unsupported file type %s in %s", mode, path)
		}
		return copyFile(path, target, mode.Perm())
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
