// Copyright 2021 The gg Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//		 https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

/*
Package lockfile implements Git-style file locking and replacement.

To modify a ref file safely, the new data is written into a brand new
sibling file which is then renamed into place over the old name. If
anything goes wrong the sibling file is deleted and the target file is
left untouched. Coordination between unrelated processes relies on
atomically creating the sibling file under a well-known name: the target
path plus Suffix.
*/
package lockfile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/lazyman/jgit/githash"
	"golang.org/x/sys/unix"
)

// Suffix is appended to a target path to form the name of its lock file.
const Suffix = ".lock"

// ErrBusy is returned by Lock when another writer holds the lock for the
// target. The caller may retry later or report the conflict; Lock never
// waits for the other writer.
var ErrBusy = errors.New("file is locked")

// A File is an exclusive update in progress against a single target
// path. It is created by Lock and destroyed by Commit or Unlock.
// A File is not safe for concurrent use by multiple goroutines.
type File struct {
	target string
	lock   string

	f       *os.File // temp file; nil once write-closed or released
	flocked bool
	held    bool

	needModTime   bool
	commitModTime time.Time
}

// Lock attempts to acquire the exclusive right to replace target,
// creating parent directories as needed. It returns an error wrapping
// ErrBusy if another process or goroutine currently holds the lock;
// it never blocks waiting for the other holder.
func Lock(target string) (*File, error) {
	lock := target + Suffix
	if err := os.MkdirAll(filepath.Dir(lock), 0o777); err != nil {
		return nil, fmt.Errorf("lock %s: %w", target, err)
	}
	f, err := os.OpenFile(lock, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("lock %s: %w", target, ErrBusy)
		}
		return nil, fmt.Errorf("lock %s: %w", target, err)
	}
	l := &File{
		target: target,
		lock:   lock,
		f:      f,
		held:   true,
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		// The exclusive create succeeded, so the lock file is ours to
		// clean up even though the advisory lock was lost to a racing
		// process.
		l.Unlock()
		return nil, fmt.Errorf("lock %s: %w", target, ErrBusy)
	}
	l.flocked = true
	return l, nil
}

// ReadCurrent returns the target file's existing content. If the target
// does not exist yet, ReadCurrent returns an error for which
// errors.Is(err, os.ErrNotExist) reports true and the lock remains held.
// Any other read failure releases the lock before returning.
func (l *File) ReadCurrent() ([]byte, error) {
	data, err := os.ReadFile(l.target)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		l.Unlock()
		return nil, fmt.Errorf("read %s: %w", l.target, err)
	}
	return data, nil
}

// ReadCurrentHash reads the target file as a hex-formatted object hash.
// This is useful when doing safe updates of loose ref files. Like
// ReadCurrent, a missing target reports os.ErrNotExist without
// releasing the lock; any other failure releases the lock first.
func (l *File) ReadCurrentHash() (githash.SHA1, error) {
	data, err := l.ReadCurrent()
	if err != nil {
		return githash.SHA1{}, err
	}
	if n := githash.SHA1Size * 2; len(data) > n {
		data = data[:n]
	}
	var h githash.SHA1
	if err := h.UnmarshalText(data); err != nil {
		return githash.SHA1{}, fmt.Errorf("read %s: %w", l.target, err)
	}
	return h, nil
}

// CopyCurrent seeds the temp file with the target's current content, so
// that subsequent writes append to the target rather than replace it.
// CopyCurrent does nothing if the target does not exist. A failure
// releases the lock before returning.
func (l *File) CopyCurrent() error {
	l.requireLock()
	src, err := os.Open(l.target)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		l.Unlock()
		return fmt.Errorf("lock %s: copy current: %w", l.target, err)
	}
	defer src.Close()
	if _, err := io.Copy(l.f, src); err != nil {
		l.Unlock()
		return fmt.Errorf("lock %s: copy current: %w", l.target, err)
	}
	return nil
}

// Write stores content in the temp file and closes it for writing. No
// additional bytes are added, so if the file must end with an LF it must
// appear in content. After a successful Write the advisory lock has been
// dropped and the update is ready for Commit. A failure releases the
// lock before returning.
func (l *File) Write(content []byte) error {
	l.requireLock()
	if _, err := l.f.Write(content); err != nil {
		l.Unlock()
		return fmt.Errorf("lock %s: write: %w", l.target, err)
	}
	if err := l.closeTemp(); err != nil {
		l.Unlock()
		return fmt.Errorf("lock %s: write: %w", l.target, err)
	}
	return nil
}

// WriteHash stores h in the temp file as 40 hex digits followed by a
// sole LF, then closes the file for writing as Write does.
func (l *File) WriteHash(h githash.SHA1) error {
	return l.Write([]byte(h.String() + "\n"))
}

// Writer returns a stream for writing the new content incrementally.
// The stream may only be obtained once. Close flushes the content,
// drops the advisory lock, and leaves the update ready for Commit;
// a failed write or close releases the lock first.
func (l *File) Writer() io.WriteCloser {
	l.requireLock()
	return (*lockWriter)(l)
}

type lockWriter File

func (w *lockWriter) Write(p []byte) (int, error) {
	l := (*File)(w)
	l.requireLock()
	n, err := l.f.Write(p)
	if err != nil {
		l.Unlock()
		return n, fmt.Errorf("lock %s: write: %w", l.target, err)
	}
	return n, nil
}

func (w *lockWriter) Close() error {
	l := (*File)(w)
	l.requireLock()
	if err := l.closeTemp(); err != nil {
		l.Unlock()
		return fmt.Errorf("lock %s: close: %w", l.target, err)
	}
	return nil
}

// closeTemp flushes the temp file, drops the advisory lock, and closes
// the descriptor, transitioning the update to the write-closed state.
func (l *File) closeTemp() error {
	f := l.f
	if err := f.Sync(); err != nil {
		return err
	}
	if l.flocked {
		if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
			return err
		}
		l.flocked = false
	}
	l.f = nil
	return f.Close()
}

// CaptureModTime requests that Commit record the temp file's
// modification time before renaming, so that callers can cache it
// without an extra stat of the target afterward.
func (l *File) CaptureModTime(on bool) {
	l.needModTime = on
}

// ModTime returns the modification time of the temp file recorded by
// the last successful Commit. It is zero unless CaptureModTime(true)
// was called before Commit.
func (l *File) ModTime() time.Time {
	return l.commitModTime
}

// Commit renames the temp file over the target, making the new content
// visible atomically, and releases the lock. If Commit fails, the lock
// has been released and the target retains its previous content.
//
// Commit panics if the lock is not held or the content has not been
// write-closed by Write, WriteHash, or closing the Writer stream.
func (l *File) Commit() error {
	if l.f != nil {
		l.Unlock()
		panic("lockfile: lock on " + l.target + " not closed")
	}
	if !l.held {
		panic("lockfile: lock on " + l.target + " not held")
	}
	if l.needModTime {
		if info, err := os.Stat(l.lock); err == nil {
			l.commitModTime = info.ModTime()
		}
	}
	if err := os.Rename(l.lock, l.target); err != nil {
		// The target may be in the way on platforms without an atomic
		// replace. Move it aside once and retry.
		if rmErr := os.Remove(l.target); rmErr == nil || errors.Is(rmErr, os.ErrNotExist) {
			if err = os.Rename(l.lock, l.target); err == nil {
				l.held = false
				return nil
			}
		}
		l.Unlock()
		return fmt.Errorf("commit %s: %w", l.target, err)
	}
	l.held = false
	return nil
}

// Unlock abandons the update and releases the lock. The temp file, if
// it still exists, is deleted. Unlock is idempotent and safe to call
// after Commit, after a failure, or repeatedly; deferring it alongside
// Commit is the usual pattern.
func (l *File) Unlock() {
	if l.f != nil {
		if l.flocked {
			unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
			l.flocked = false
		}
		l.f.Close()
		l.f = nil
	}
	if l.held {
		l.held = false
		os.Remove(l.lock)
	}
}

func (l *File) requireLock() {
	if l.f == nil {
		l.Unlock()
		panic("lockfile: lock on " + l.target + " not held")
	}
}
