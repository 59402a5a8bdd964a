// Package pid implements process ID lock files.
package pid

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"codeberg.org/mutker/telesync/internal/errors"
)

const filePerm = 0o600

// File is a lock file holding the ID of the process that owns a resource.
type File struct {
	path string
}

// New returns a lock file at path. Nothing is written until Acquire.
func New(path string) *File {
	return &File{path: path}
}

// ForResource returns the lock file guarding the resource at path.
func ForResource(path string) *File {
	return New(path + ".pid")
}

// Path returns the lock file location.
func (f *File) Path() string {
	return f.path
}

// Acquire writes the current process ID to the lock file. It fails with
// ErrAlreadyRunning while another live process, or this one, holds it.
// Lock files left behind by dead processes are taken over.
func (f *File) Acquire() error {
	errFactory := errors.New()

	if owner, ok := f.owner(); ok && alive(owner) {
		return errFactory.WithData(errors.ErrAlreadyRunning, struct {
			Path string
			PID  int
		}{
			Path: f.path,
			PID:  owner,
		})
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	if err := os.WriteFile(f.path, []byte(strconv.Itoa(os.Getpid())), filePerm); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}

// Release removes the lock file if it is owned by this process.
func (f *File) Release() error {
	owner, ok := f.owner()
	if !ok || owner != os.Getpid() {
		return nil
	}

	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return errors.New().Wrap(errors.ErrInternal, err)
	}

	return nil
}

func (f *File) owner() (int, bool) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return 0, false
	}

	owner, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || owner <= 0 {
		return 0, false
	}

	return owner, true
}

func alive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	return process.Signal(syscall.Signal(0)) == nil
}
