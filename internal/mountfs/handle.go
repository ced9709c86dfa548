package mountfs

import (
	"context"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"

	"github.com/mrcloudfs/mrcloudfs/internal/cachefile"
)

// Handle wraps one open-file-table entry (spec.md §3). id is this
// adapter's own process-local handle ID (distinct from bazil's kernel
// handle), used to find and remove this entry in FS.handles on Release.
type Handle struct {
	fs   *FS
	id   uint64
	file *cachefile.File
}

var (
	_ fs.HandleReader   = (*Handle)(nil)
	_ fs.HandleWriter   = (*Handle)(nil)
	_ fs.HandleFlusher  = (*Handle)(nil)
	_ fs.HandleReleaser = (*Handle)(nil)
)

// Read implements fs.HandleReader: delegate to the CachedFile.
func (h *Handle) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	h.fs.serializeMu.Lock()
	defer h.fs.serializeMu.Unlock()

	buf := make([]byte, req.Size)
	n, err := h.file.Read(buf, req.Offset)
	if err != nil {
		h.fs.log.Error().Err(err).Uint64("handle", h.id).Msg("read")
		return fuse.EIO
	}
	resp.Data = buf[:n]
	return nil
}

// Write implements fs.HandleWriter: delegate to the CachedFile.
func (h *Handle) Write(ctx context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	h.fs.serializeMu.Lock()
	defer h.fs.serializeMu.Unlock()

	n, err := h.file.Write(req.Data, req.Offset)
	if err != nil {
		h.fs.log.Error().Err(err).Uint64("handle", h.id).Msg("write")
		return fuse.EIO
	}
	resp.Size = n
	return nil
}

// Flush implements fs.HandleFlusher: delegate to the CachedFile.
func (h *Handle) Flush(ctx context.Context, req *fuse.FlushRequest) error {
	h.fs.serializeMu.Lock()
	defer h.fs.serializeMu.Unlock()

	if err := h.file.Flush(); err != nil {
		h.fs.log.Error().Err(err).Uint64("handle", h.id).Msg("flush")
		return fuse.EIO
	}
	return nil
}

// Fsync delegates to the same flush path as Flush; the cache has no
// separate durability notion (spec.md §4.D/§4.E).
func (h *Handle) Fsync(ctx context.Context, req *fuse.FsyncRequest) error {
	return h.Flush(ctx, &fuse.FlushRequest{})
}

// Release implements fs.HandleReleaser, per spec.md §4.E release: flush,
// dec_ref, close if zero refs, remove the table entry unconditionally.
func (h *Handle) Release(ctx context.Context, req *fuse.ReleaseRequest) error {
	h.fs.serializeMu.Lock()
	defer h.fs.serializeMu.Unlock()

	flushErr := h.file.Flush()
	if h.file.DecRef() {
		if err := h.file.Close(); err != nil && flushErr == nil {
			flushErr = err
		}
	}
	delete(h.fs.handles, h.id)

	if flushErr != nil {
		h.fs.log.Error().Err(flushErr).Uint64("handle", h.id).Msg("release")
		return fuse.EIO
	}
	return nil
}
