package somebuild

import (
	"archive/tar"
	"compress/bzip2"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
	"golang.org/x/sys/unix"
)

// ArchiveFormat is one of the supported compressed tarball codecs.
type ArchiveFormat struct {
	Name   string
	Suffix string
	open   func(io.Reader) (io.ReadCloser, error)
}

// NewDecoder wraps r with this format's streaming decompressor.
func (f ArchiveFormat) NewDecoder(r io.Reader) (io.ReadCloser, error) {
	return f.open(r)
}

var (
	FormatZstd = ArchiveFormat{Name: "zstd", Suffix: ".tar.zst", open: func(r io.Reader) (io.ReadCloser, error) {
		// Synchronous decoding keeps every source read on the caller's goroutine.
		d, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	}}
	FormatXz = ArchiveFormat{Name: "xz", Suffix: ".tar.xz", open: func(r io.Reader) (io.ReadCloser, error) {
		d, err := xz.NewReader(r)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(d), nil
	}}
	FormatGzip = ArchiveFormat{Name: "gzip", Suffix: ".tar.gz", open: func(r io.Reader) (io.ReadCloser, error) {
		return pgzip.NewReader(r)
	}}
	FormatBzip2 = ArchiveFormat{Name: "bzip2", Suffix: ".tar.bz2", open: func(r io.Reader) (io.ReadCloser, error) {
		return io.NopCloser(bzip2.NewReader(r)), nil
	}}
)

// archiveFormats is checked in order; no suffix is a suffix of another.
var archiveFormats = []ArchiveFormat{FormatZstd, FormatXz, FormatGzip, FormatBzip2}

// DetectFormat resolves the codec for filename and returns the name with the
// matched suffix stripped. Matching is exact and case-sensitive.
func DetectFormat(filename string) (ArchiveFormat, string, error) {
	for _, f := range archiveFormats {
		if strings.HasSuffix(filename, f.Suffix) {
			return f, strings.TrimSuffix(filename, f.Suffix), nil
		}
	}
	return ArchiveFormat{}, "", &UnsupportedFormatError{Filename: filename}
}

// unpackTar writes every entry of the tar stream r under dest as it is
// decoded. Entries that would land outside dest are rejected.
func unpackTar(r io.Reader, dest string, log *Logger) error {
	dest, err := filepath.Abs(dest)
	if err != nil {
		return err
	}
	// Symlinked parents are compared against the resolved destination.
	destReal, err := filepath.EvalSymlinks(dest)
	if err != nil {
		return err
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("error reading tar header: %w", err)
		}

		target := filepath.Join(dest, hdr.Name)
		if !within(dest, target) {
			return fmt.Errorf("illegal file path in archive: %s", hdr.Name)
		}
		if target == dest {
			continue
		}
		if err := checkParentInside(destReal, target, hdr.Name); err != nil {
			return err
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("failed to create parent dir for %s: %w", target, err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)&os.ModePerm|0o700); err != nil {
				return fmt.Errorf("failed to create dir %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := writeTarFile(tr, target, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeSymlink:
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return fmt.Errorf("failed to create symlink %s -> %s: %w", target, hdr.Linkname, err)
			}
		case tar.TypeLink:
			source := filepath.Join(dest, hdr.Linkname)
			if source == dest || !within(dest, source) {
				return fmt.Errorf("illegal hardlink target in archive: %s", hdr.Linkname)
			}
			if err := checkParentInside(destReal, source, hdr.Linkname); err != nil {
				return err
			}
			_ = os.Remove(target)
			if err := os.Link(source, target); err != nil {
				return fmt.Errorf("failed to create hardlink %s -> %s: %w", target, source, err)
			}
			continue
		default:
			log.Debugf("Skipping unsupported tar entry type %c: %s\n", hdr.Typeflag, hdr.Name)
			continue
		}

		restoreMetadata(target, hdr, log)
	}
}

// within reports whether p is root or lies below it.
func within(root, p string) bool {
	return p == root || strings.HasPrefix(p, root+string(os.PathSeparator))
}

// checkParentInside follows symlinks in the deepest existing ancestor of
// target and requires the result to stay under root. A symlink created by
// an earlier entry cannot redirect later writes out of the tree.
func checkParentInside(root, target, name string) error {
	for dir := filepath.Dir(target); ; dir = filepath.Dir(dir) {
		resolved, err := filepath.EvalSymlinks(dir)
		if err == nil {
			if !within(root, resolved) {
				return fmt.Errorf("illegal file path in archive: %s (leaves output directory through a symlink)", name)
			}
			return nil
		}
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to resolve %s: %w", dir, err)
		}
		if _, lerr := os.Lstat(dir); lerr == nil {
			return fmt.Errorf("illegal file path in archive: %s (passes through a dangling symlink)", name)
		}
		if parent := filepath.Dir(dir); parent == dir {
			return err
		}
	}
}

// writeTarFile replaces whatever is at target, so an existing symlink or
// hardlink is never written through.
func writeTarFile(r io.Reader, target string, mode os.FileMode) error {
	if info, err := os.Lstat(target); err == nil && !info.IsDir() {
		if err := os.Remove(target); err != nil {
			return fmt.Errorf("failed to replace %s: %w", target, err)
		}
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY|unix.O_NOFOLLOW, mode&os.ModePerm)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", target, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("failed to write file %s: %w", target, err)
	}
	return out.Close()
}

// restoreMetadata applies timestamps and, when running as root, ownership.
// Failures are logged only.
func restoreMetadata(target string, hdr *tar.Header, log *Logger) {
	if os.Geteuid() == 0 {
		if err := unix.Lchown(target, hdr.Uid, hdr.Gid); err != nil {
			log.Debugf("Warning: failed to chown %s: %v\n", target, err)
		}
	}

	atime := hdr.AccessTime
	if atime.IsZero() {
		atime = hdr.ModTime
	}
	tv := []unix.Timeval{
		unix.NsecToTimeval(atime.UnixNano()),
		unix.NsecToTimeval(hdr.ModTime.UnixNano()),
	}
	if err := unix.Lutimes(target, tv); err != nil && !errors.Is(err, unix.ENOSYS) {
		log.Debugf("Warning: failed to set times for %s: %v\n", target, err)
	}
}
