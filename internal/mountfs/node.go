package mountfs

import (
	"context"
	"os"
	pathpkg "path"
	"syscall"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"

	"github.com/mrcloudfs/mrcloudfs/internal/cachefile"
	"github.com/mrcloudfs/mrcloudfs/internal/cloud"
)

// Node represents one remote path, file or folder. Unlike a content-
// addressed tree (cf. perkeep's roDir/roFile, which cache a populated
// child map), the remote store is the only source of truth for directory
// contents, so Node carries nothing but its own path and kind; every
// operation re-queries the client.
type Node struct {
	fs   *FS
	path string
	dir  bool
}

var (
	_ fs.Node              = (*Node)(nil)
	_ fs.NodeStringLookuper = (*Node)(nil)
	_ fs.HandleReadDirAller = (*Node)(nil)
	_ fs.NodeOpener        = (*Node)(nil)
	_ fs.NodeCreater       = (*Node)(nil)
	_ fs.NodeMkdirer       = (*Node)(nil)
	_ fs.NodeRemover       = (*Node)(nil)
	_ fs.NodeRenamer       = (*Node)(nil)
	_ fs.NodeSetattrer     = (*Node)(nil)
	_ fs.NodeLinker        = (*Node)(nil)
	_ fs.NodeSymlinker     = (*Node)(nil)
)

// Attr implements fs.Node, per spec.md §4.E getattr.
func (n *Node) Attr(ctx context.Context, a *fuse.Attr) error {
	if n.path == "/" {
		a.Mode = os.ModeDir | dirMode
		a.Nlink = 2
		a.Uid = uid
		return nil
	}
	info, err := n.fs.client.File(n.path)
	if err != nil {
		if _, ok := err.(*cloud.NotFoundError); ok {
			return fuse.ENOENT
		}
		n.fs.log.Error().Err(err).Str("path", n.path).Msg("getattr")
		return fuse.EIO
	}
	mtime := time.Unix(info.Mtime, 0)
	if info.Kind == "folder" {
		a.Mode = os.ModeDir | dirMode
		a.Nlink = 2
		a.Uid = uid
		a.Mtime, a.Ctime, a.Atime = mtime, mtime, mtime
		return nil
	}
	a.Mode = fileMode
	a.Nlink = 1
	a.Uid = uid
	a.Size = info.Size
	a.Mtime, a.Ctime, a.Atime = mtime, mtime, mtime
	return nil
}

func (n *Node) child(name string) *Node {
	return &Node{fs: n.fs, path: pathpkg.Join(n.path, name)}
}

// Lookup implements fs.NodeStringLookuper.
func (n *Node) Lookup(ctx context.Context, name string) (fs.Node, error) {
	child := n.child(name)
	kind, err := n.fs.client.FileExists(child.path)
	if err != nil {
		n.fs.log.Error().Err(err).Str("path", child.path).Msg("lookup")
		return nil, fuse.EIO
	}
	if kind == "" {
		return nil, fuse.ENOENT
	}
	child.dir = kind == "folder"
	return child, nil
}

// ReadDirAll implements fs.HandleReadDirAller, per spec.md §4.E readdir:
// prepend "." and "..", per the original's explicit behavior.
func (n *Node) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	entries, err := n.fs.client.DirList(n.path)
	if err != nil {
		if _, ok := err.(*cloud.NotFoundError); ok {
			return nil, fuse.ENOENT
		}
		n.fs.log.Error().Err(err).Str("path", n.path).Msg("readdir")
		return nil, fuse.EIO
	}
	dirents := make([]fuse.Dirent, 0, len(entries)+2)
	dirents = append(dirents,
		fuse.Dirent{Name: ".", Type: fuse.DT_Dir},
		fuse.Dirent{Name: "..", Type: fuse.DT_Dir},
	)
	for _, e := range entries {
		typ := fuse.DT_File
		if e.Kind == "folder" {
			typ = fuse.DT_Dir
		}
		dirents = append(dirents, fuse.Dirent{Name: e.Name, Type: typ})
	}
	return dirents, nil
}

// Open implements fs.NodeOpener for an already-existing node, per spec.md
// §4.E open: folders are not openable; existing files are shared with any
// live handle on the same path (linear scan) or a fresh CachedFile is
// allocated; O_TRUNC truncates (with immediate flush).
func (n *Node) Open(ctx context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fs.Handle, error) {
	if n.dir {
		return nil, syscall.EACCES
	}
	n.fs.serializeMu.Lock()
	defer n.fs.serializeMu.Unlock()

	cf := n.fs.findSharedOpen(n.path)
	if cf != nil {
		cf.IncRef()
	} else {
		cf = cachefile.New(n.fs.client, n.fs.log, n.fs.tempDir, n.path)
	}
	if req.Flags&fuse.OpenTruncate != 0 {
		if err := cf.Truncate(0); err != nil {
			n.fs.log.Error().Err(err).Str("path", n.path).Msg("open: truncate")
			return nil, fuse.EIO
		}
	}

	id := n.fs.nextHandleID()
	n.fs.handles[id] = cf
	resp.Handle = fuse.HandleID(id)
	return &Handle{fs: n.fs, id: id, file: cf}, nil
}

// Create implements fs.NodeCreater, invoked by the kernel when O_CREAT is
// set and the path does not yet exist — spec.md §4.E's "Missing & O_CREAT
// set" branch of open, and the create(path, mode) operation, which the
// spec defines as equivalent to open(path, O_CREAT|O_TRUNC|O_WRONLY).
func (n *Node) Create(ctx context.Context, req *fuse.CreateRequest, resp *fuse.CreateResponse) (fs.Node, fs.Handle, error) {
	child := n.child(req.Name)

	n.fs.serializeMu.Lock()
	defer n.fs.serializeMu.Unlock()

	cf := cachefile.New(n.fs.client, n.fs.log, n.fs.tempDir, child.path)
	if err := cf.Truncate(0); err != nil {
		n.fs.log.Error().Err(err).Str("path", child.path).Msg("create")
		return nil, nil, fuse.EIO
	}

	id := n.fs.nextHandleID()
	n.fs.handles[id] = cf
	resp.Handle = fuse.HandleID(id)
	return child, &Handle{fs: n.fs, id: id, file: cf}, nil
}

// Mkdir implements fs.NodeMkdirer → folder_add.
func (n *Node) Mkdir(ctx context.Context, req *fuse.MkdirRequest) (fs.Node, error) {
	child := n.child(req.Name)
	if _, err := n.fs.client.FolderAdd(child.path, cloud.ConflictStrict); err != nil {
		if _, ok := err.(*cloud.AlreadyExistsError); ok {
			return nil, syscall.EEXIST
		}
		n.fs.log.Error().Err(err).Str("path", child.path).Msg("mkdir")
		return nil, fuse.EIO
	}
	child.dir = true
	return child, nil
}

// unlinkOpenHandles pins every live CachedFile bound to path against
// re-upload (spec.md §8 invariant 3), the same mechanism unlink uses,
// before the caller removes or overwrites that path remotely. Must be
// called before any remote remove/overwrite of path, so an in-flight
// handle's later Flush can never resurrect it.
func (n *Node) unlinkOpenHandles(path string) {
	n.fs.serializeMu.Lock()
	for _, cf := range n.fs.handles {
		if cf.Path() == path {
			cf.Unlink()
		}
	}
	n.fs.serializeMu.Unlock()
}

// Remove implements fs.NodeRemover: unlink pins in-flight handles before
// calling file_remove (spec.md §4.E unlink, §8 invariant 3); rmdir maps to
// the same file_remove endpoint.
func (n *Node) Remove(ctx context.Context, req *fuse.RemoveRequest) error {
	child := n.child(req.Name)
	n.unlinkOpenHandles(child.path)

	if err := n.fs.client.FileRemove(child.path); err != nil {
		n.fs.log.Error().Err(err).Str("path", child.path).Msg("remove")
		return fuse.EIO
	}
	return nil
}

// Rename implements fs.NodeRenamer, per spec.md §4.E rename: same-parent
// only; cross-directory returns ENOTSUP without any remote call.
func (n *Node) Rename(ctx context.Context, req *fuse.RenameRequest, newDir fs.Node) error {
	newParent, ok := newDir.(*Node)
	if !ok || newParent.path != n.path {
		return syscall.ENOTSUP
	}
	oldPath := n.child(req.OldName).path
	newPath := n.child(req.NewName).path

	if kind, err := n.fs.client.FileExists(newPath); err != nil {
		n.fs.log.Error().Err(err).Str("path", newPath).Msg("rename: stat target")
		return fuse.EIO
	} else if kind != "" {
		// Pin any handle still open on the overwritten target before
		// removing it, exactly as a plain unlink would: otherwise that
		// handle's later Flush re-uploads to newPath after this rename
		// has vacated it.
		n.unlinkOpenHandles(newPath)
		if err := n.fs.client.FileRemove(newPath); err != nil {
			n.fs.log.Error().Err(err).Str("path", newPath).Msg("rename: remove target")
			return fuse.EIO
		}
	}

	if _, err := n.fs.client.FileRename(oldPath, req.NewName, cloud.ConflictStrict); err != nil {
		if _, ok := err.(*cloud.NotFoundError); ok {
			return fuse.ENOENT
		}
		if _, ok := err.(*cloud.AlreadyExistsError); ok {
			return syscall.EEXIST
		}
		n.fs.log.Error().Err(err).Str("path", oldPath).Msg("rename")
		return fuse.EIO
	}
	return nil
}

// Setattr implements fs.NodeSetattrer, per spec.md §4.E truncate(path, len,
// fh): if a CachedFile is already open on this path, delegate to it (its
// later Flush/Release must see the truncated content, not a stale
// buffer); otherwise create an ephemeral CachedFile, truncate, close.
// chmod/chown are accepted no-ops.
func (n *Node) Setattr(ctx context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	if req.Valid.Size() {
		n.fs.serializeMu.Lock()
		cf := n.fs.findSharedOpen(n.path)
		ephemeral := cf == nil
		if ephemeral {
			cf = cachefile.New(n.fs.client, n.fs.log, n.fs.tempDir, n.path)
		}
		err := cf.Truncate(int64(req.Size))
		var closeErr error
		if ephemeral {
			closeErr = cf.Close()
		}
		n.fs.serializeMu.Unlock()
		if err != nil {
			n.fs.log.Error().Err(err).Str("path", n.path).Msg("truncate")
			return fuse.EIO
		}
		if closeErr != nil {
			n.fs.log.Error().Err(closeErr).Str("path", n.path).Msg("truncate: close scratch")
		}
	}
	// chmod / chown: accepted, no-op — the remote has no permission bits.
	return n.Attr(ctx, &resp.Attr)
}

// Link implements fs.NodeLinker → ENOTSUP, per spec.md §4.E.
func (n *Node) Link(ctx context.Context, req *fuse.LinkRequest, old fs.Node) (fs.Node, error) {
	return nil, syscall.ENOTSUP
}

// Symlink implements fs.NodeSymlinker → ENOTSUP, per spec.md §4.E.
func (n *Node) Symlink(ctx context.Context, req *fuse.SymlinkRequest) (fs.Node, error) {
	return nil, syscall.ENOTSUP
}
