package cachefile_test

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/mrcloudfs/mrcloudfs/internal/cachefile"
	"github.com/mrcloudfs/mrcloudfs/internal/cloud"
	"github.com/mrcloudfs/mrcloudfs/internal/cloudtest"
)

func newTestClient(t *testing.T) (*cloud.Client, *cloudtest.Remote) {
	t.Helper()
	remote := cloudtest.NewRemote()
	t.Cleanup(remote.Close)
	c, err := cloud.NewClientWithHost("user", "pass", zerolog.Nop(), remote.Host(), remote.AuthURL())
	if err != nil {
		t.Fatalf("NewClientWithHost: %v", err)
	}
	return c, remote
}

// TestWriteFlushRead covers spec.md §8 invariant 2: write-back survives a
// flush and a fresh retrieve.
func TestWriteFlushRead(t *testing.T) {
	client, _ := newTestClient(t)
	tmp := t.TempDir()

	// Truncate(0) first, mirroring create(path) -> CachedFile+truncate(0):
	// a Write straight onto a path with no remote metadata yet must
	// surface the server's NotFoundError, not a silently-created file.
	f := cachefile.New(client, zerolog.Nop(), tmp, "/a.txt")
	if err := f.Truncate(0); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if _, err := f.Write([]byte("hello"), 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := f.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f2 := cachefile.New(client, zerolog.Nop(), tmp, "/a.txt")
	buf := make([]byte, 5)
	n, err := f2.Read(buf, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("got %q, want %q", buf[:n], "hello")
	}
}

// TestUnlinkPinsFlush covers spec.md §8 invariant 3: a flush after unlink
// is a no-op and does not recreate the remote path.
func TestUnlinkPinsFlush(t *testing.T) {
	client, remote := newTestClient(t)
	tmp := t.TempDir()

	f := cachefile.New(client, zerolog.Nop(), tmp, "/k")
	if err := f.Truncate(0); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if _, err := f.Write([]byte("x"), 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	// Pin the handle, then remove the remote path, as the adapter's unlink does.
	f.Unlink()
	if err := client.FileRemove("/k"); err != nil {
		t.Fatalf("FileRemove: %v", err)
	}
	if err := f.Flush(); err != nil {
		t.Fatalf("Flush after unlink: %v", err)
	}

	if _, err := client.File("/k"); err == nil {
		t.Fatalf("expected /k to not exist remotely after pinned flush")
	}
	_ = remote
}

// TestTruncateWithoutHandleFlushesImmediately covers spec.md §8 invariant 6.
func TestTruncateWithoutHandleFlushesImmediately(t *testing.T) {
	client, _ := newTestClient(t)
	tmp := t.TempDir()

	f := cachefile.New(client, zerolog.Nop(), tmp, "/empty.txt")
	if err := f.Truncate(0); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	info, err := client.File("/empty.txt")
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	if info.Size != 0 {
		t.Fatalf("size = %d, want 0", info.Size)
	}
}

// TestReadMissingPathPropagatesNotFound covers the maintainer-flagged
// mrucfs.py _retrieve asymmetry: a missing api_file response must
// propagate as NotFoundError (→ ENOENT at the adapter), unlike a missing
// get_file_reader body, which is swallowed into an empty file.
func TestReadMissingPathPropagatesNotFound(t *testing.T) {
	client, _ := newTestClient(t)
	tmp := t.TempDir()

	f := cachefile.New(client, zerolog.Nop(), tmp, "/never-created.txt")
	_, err := f.Read(make([]byte, 1), 0)
	if _, ok := err.(*cloud.NotFoundError); !ok {
		t.Fatalf("Read on missing path error = %v, want *cloud.NotFoundError", err)
	}
}

// TestRefCounting exercises IncRef/DecRef sharing bookkeeping used by the
// FUSE adapter's open-file table.
func TestRefCounting(t *testing.T) {
	client, _ := newTestClient(t)
	tmp := t.TempDir()

	f := cachefile.New(client, zerolog.Nop(), tmp, "/shared.txt")
	f.IncRef()
	if f.DecRef() {
		t.Fatalf("DecRef reported zero refs too early")
	}
	if !f.DecRef() {
		t.Fatalf("DecRef should report zero refs on the last release")
	}
}
