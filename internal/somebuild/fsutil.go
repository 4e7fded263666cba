package somebuild

import (
	"io"
	"os"
	"path/filepath"

	"github.com/ulikunitz/xz"
	"golang.org/x/sys/unix"
)

const lockFileName = ".somebuild.lock"

// outputLock holds an exclusive advisory lock on an output directory.
type outputLock struct {
	f *os.File
}

// lockOutput fails immediately if another build holds dir.
func lockOutput(dir string) (*outputLock, error) {
	lockPath := filepath.Join(dir, lockFileName)
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, preconditionError("failed to open lock file "+lockPath, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, preconditionError("output directory "+dir+" is in use by another build", err)
	}
	return &outputLock{f: f}, nil
}

func (l *outputLock) Release() error {
	unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	return l.f.Close()
}

// compressXZ writes src to dst as xz and removes src on success.
func compressXZ(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	xzWriter, err := xz.NewWriter(out)
	if err != nil {
		out.Close()
		return err
	}
	if _, err := io.Copy(xzWriter, in); err != nil {
		xzWriter.Close()
		out.Close()
		return err
	}
	if err := xzWriter.Close(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
