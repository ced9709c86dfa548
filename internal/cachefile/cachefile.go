// Package cachefile implements the write-back per-path cache described in
// spec.md §4.D, grounded field-for-field on
// _examples/original_source/mrucfs.py's CachedFile class.
//
// Callers (internal/mountfs) are responsible for serializing access: per
// spec.md §5, the original dispatch loop is single-threaded and no lock is
// taken here. The temp-file scratch pattern itself mirrors
// _examples/perkeep-perkeep/pkg/fs/mut.go's mutFileHandle.
package cachefile

import (
	"io"
	"os"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/mrcloudfs/mrcloudfs/internal/cloud"
)

const downloadRetries = 10

// File is the CachedFile of spec.md §3/§4.D.
type File struct {
	client  *cloud.Client
	log     zerolog.Logger
	tempDir string

	path    *string // nil once unlinked; pins against re-upload
	scratch *os.File
	dirty   bool
	refs    uint32
}

// New creates a CachedFile bound to remotePath with refs=1, per spec.md §3
// "A CachedFile is created on open/create/truncate-without-handle."
func New(client *cloud.Client, log zerolog.Logger, tempDir, remotePath string) *File {
	p := remotePath
	return &File{client: client, log: log, tempDir: tempDir, path: &p, refs: 1}
}

// Path returns the current bound path, or "" if unlinked.
func (f *File) Path() string {
	if f.path == nil {
		return ""
	}
	return *f.path
}

// IncRef increments the reference count (open-file-table sharing).
func (f *File) IncRef() { f.refs++ }

// DecRef decrements the reference count and reports whether it reached
// zero (the caller must then Close).
func (f *File) DecRef() bool {
	if f.refs > 0 {
		f.refs--
	}
	return f.refs == 0
}

// Unlink nulls the path, pinning this handle against re-upload on flush
// (spec.md §3 Lifecycle, §8 invariant 3).
func (f *File) Unlink() {
	f.path = nil
}

// retrieve lazily downloads the remote content into the scratch file, per
// spec.md §4.D. A no-op if the scratch already exists.
func (f *File) retrieve() error {
	if f.scratch != nil {
		return nil
	}
	if f.path == nil {
		return syscall.EACCES
	}
	remotePath := *f.path

	scratch, err := os.CreateTemp(f.tempDir, "mrcloudfs-*")
	if err != nil {
		return errors.Wrap(err, "create scratch")
	}

	info, err := f.client.File(remotePath)
	if err != nil {
		// Unlike get_file_reader's NotFoundError below, a missing api_file
		// is not swallowed: mrucfs.py's _retrieve lets it propagate as
		// ENOENT (the adapter maps *cloud.NotFoundError accordingly).
		scratch.Close()
		os.Remove(scratch.Name())
		return err
	}
	expectedSize := int64(info.Size)

	for attempt := 0; attempt < downloadRetries; attempt++ {
		if attempt > 0 {
			f.log.Warn().Int("attempt", attempt).Str("path", remotePath).Msg("retrying download after size mismatch")
			if _, err := scratch.Seek(0, io.SeekStart); err != nil {
				scratch.Close()
				os.Remove(scratch.Name())
				return err
			}
			if err := scratch.Truncate(0); err != nil {
				scratch.Close()
				os.Remove(scratch.Name())
				return err
			}
		}

		reader, err := f.client.GetFileReader(remotePath)
		if err != nil {
			if _, ok := err.(*cloud.NotFoundError); ok {
				// Metadata exists but body is absent: empty, non-dirty scratch.
				f.scratch = scratch
				return nil
			}
			scratch.Close()
			os.Remove(scratch.Name())
			return err
		}

		n, copyErr := io.Copy(scratch, reader)
		reader.Close()
		if copyErr != nil {
			scratch.Close()
			os.Remove(scratch.Name())
			return errors.Wrap(copyErr, "stream download")
		}
		if n == expectedSize {
			f.scratch = scratch
			return nil
		}
	}

	scratch.Close()
	os.Remove(scratch.Name())
	return errors.Errorf("retrieve %s: size mismatch persisted after %d attempts", remotePath, downloadRetries)
}

// Read reads up to len(buf) bytes at offset, retrieving first. Short reads
// at EOF are permitted.
func (f *File) Read(buf []byte, offset int64) (int, error) {
	if err := f.retrieve(); err != nil {
		return 0, err
	}
	n, err := f.scratch.ReadAt(buf, offset)
	if err == io.EOF {
		err = nil
	}
	return n, err
}

// Write writes buf at offset, retrieving first, and marks dirty. Always
// reports len(buf) written on success.
func (f *File) Write(buf []byte, offset int64) (int, error) {
	if err := f.retrieve(); err != nil {
		return 0, err
	}
	n, err := f.scratch.WriteAt(buf, offset)
	if err != nil {
		return n, err
	}
	f.dirty = true
	return n, nil
}

// Truncate sets the scratch length. If len > 0, retrieves first so the
// retained prefix is authentic. Immediately flushes, since truncate
// without a handle has no later release hook (spec.md §4.D).
func (f *File) Truncate(length int64) error {
	if length > 0 {
		if err := f.retrieve(); err != nil {
			return err
		}
	}
	if f.scratch == nil {
		scratch, err := os.CreateTemp(f.tempDir, "mrcloudfs-*")
		if err != nil {
			return errors.Wrap(err, "create scratch")
		}
		f.scratch = scratch
	}
	if err := f.scratch.Truncate(length); err != nil {
		return err
	}
	f.dirty = true
	return f.Flush()
}

// Flush uploads the scratch if dirty, per spec.md §4.D. A no-op if not
// dirty, or if unlinked (path == nil): the latter is the mechanism by
// which unlink pins in-flight handles against re-upload (spec.md §8
// invariant 3).
func (f *File) Flush() error {
	if !f.dirty {
		return nil
	}
	if f.path == nil {
		return nil
	}
	remotePath := *f.path

	if kind, err := f.client.FileExists(remotePath); err != nil {
		return err
	} else if kind != "" {
		if err := f.client.FileRemove(remotePath); err != nil {
			return err
		}
	}

	if _, err := f.scratch.Seek(0, io.SeekStart); err != nil {
		return err
	}
	size, err := f.scratch.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}

	blob, err := f.client.BlobUpload(f.scratch, size)
	if err != nil {
		return err
	}
	if _, err := f.client.FileAdd(remotePath, blob, cloud.ConflictStrict); err != nil {
		return err
	}
	f.dirty = false
	return nil
}

// Close releases the scratch file.
func (f *File) Close() error {
	if f.scratch == nil {
		return nil
	}
	name := f.scratch.Name()
	err := f.scratch.Close()
	os.Remove(name)
	f.scratch = nil
	return err
}
