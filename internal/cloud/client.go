// Package cloud implements the remote-store client: session bring-up,
// CSRF/token acquisition, dispatcher-based endpoint discovery, and the
// high-level v2 API operations (folder/file metadata, blob upload,
// file-add, move, rename, remove, folder-add, space, streaming download).
//
// Grounded on _examples/original_source/cloudapi.py (exact operation
// semantics and endpoint paths) and
// _examples/rclone-rclone/backend/mailru/mailru.go (Go structuring idiom:
// lazy-fetch-with-expiry fields, errorHandler-style response decoding).
package cloud

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/mrcloudfs/mrcloudfs/internal/cloud/api"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Client is the high-level remote-store client described in spec.md §4.C.
// It is constructed eagerly-authenticated but lazily-dispatched: the
// dispatcher map is fetched on first use and memoized for the process
// lifetime (spec.md §3 "Session context", §9 "Dispatcher and CSRF as
// lazily-initialized fields"). No upload token is fetched or held; blob
// uploads send only the dispatcher's upload URL.
//
// host and authURL are fields rather than constants so tests can point
// the client at an httptest server instead of the real cloud.mail.ru
// hosts.
type Client struct {
	sess *session
	log  zerolog.Logger

	login, password string
	host            string // e.g. "https://cloud.mail.ru"
	authURL         string // e.g. "https://auth.mail.ru/cgi-bin/auth"

	csrfMu    sync.Mutex
	csrfToken string

	dispMu     sync.Mutex
	dispatcher map[string]string // role -> base url, e.g. "upload", "get"
}

// NewClient authenticates login/password against the real cloud.mail.ru
// hosts and returns a ready client. The dispatcher map is not fetched
// here; it is fetched lazily.
func NewClient(login, password string, log zerolog.Logger) (*Client, error) {
	return newClient(login, password, log, "https://cloud.mail.ru", api.AuthURL)
}

// NewClientWithHost is NewClient with the API host and auth URL
// overridden, for tests that point the client at an httptest server
// instead of the real cloud.mail.ru hosts.
func NewClientWithHost(login, password string, log zerolog.Logger, host, authURL string) (*Client, error) {
	return newClient(login, password, log, host, authURL)
}

func newClient(login, password string, log zerolog.Logger, host, authURL string) (*Client, error) {
	sess, err := newSession()
	if err != nil {
		return nil, errors.Wrap(err, "new session")
	}
	c := &Client{sess: sess, log: log, login: login, password: password, host: host, authURL: authURL}

	if err := withRetry(log, "authenticate", c.authenticate); err != nil {
		return nil, errors.Wrap(err, "authenticate")
	}
	if err := withRetry(log, "csrf", c.fetchCSRF); err != nil {
		return nil, errors.Wrap(err, "csrf")
	}
	return c, nil
}

func (c *Client) authenticate() error {
	form := url.Values{
		"page":          {c.host + "/?from=promo"},
		"FailPage":      {""},
		"Domain":        {"mail.ru"},
		"Login":         {c.login},
		"Password":      {c.password},
		"new_auth_form": {"1"},
		"saveauth":      {"1"},
	}
	resp, err := c.sess.postForm(c.authURL+"?lang=ru_RU&from=authpopup", form)
	if err != nil {
		return newServerError("authenticate", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	landed := resp.Request.URL.String()
	expected := c.host + "/?from=promo&from=authpopup"
	if resp.StatusCode != 200 || landed != expected {
		return newServerError("authenticate", fmt.Errorf("unexpected landing %q (status %d), want %q", landed, resp.StatusCode, expected))
	}
	return nil
}

func (c *Client) fetchCSRF() error {
	form := url.Values{"api": {"2"}}
	resp, err := c.sess.postForm(c.host+api.CSRFPath, form)
	if err != nil {
		return newServerError("csrf", err)
	}
	defer resp.Body.Close()

	var out api.CSRFResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return newServerError("csrf", err)
	}
	if out.Body.Token == "" {
		return newServerError("csrf", fmt.Errorf("empty token"))
	}
	c.csrfMu.Lock()
	c.csrfToken = out.Body.Token
	c.csrfMu.Unlock()
	return nil
}

func (c *Client) token() string {
	c.csrfMu.Lock()
	defer c.csrfMu.Unlock()
	return c.csrfToken
}

// dispatcherURL returns the base URL for role ("upload" or "get"),
// fetching and memoizing the dispatcher map on first use.
func (c *Client) dispatcherURL(role string) (string, error) {
	c.dispMu.Lock()
	d := c.dispatcher
	c.dispMu.Unlock()
	if d == nil {
		if err := withRetry(c.log, "dispatcher", c.fetchDispatcher); err != nil {
			return "", err
		}
		c.dispMu.Lock()
		d = c.dispatcher
		c.dispMu.Unlock()
	}
	u, ok := d[role]
	if !ok {
		return "", newServerError("dispatcher", fmt.Errorf("no url for role %q", role))
	}
	return u, nil
}

func (c *Client) fetchDispatcher() error {
	resp, err := c.sess.getQuery(c.host+api.DispatcherPath, url.Values{
		"api":   {"2"},
		"token": {c.token()},
	})
	if err != nil {
		return newServerError("dispatcher", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return newServerError("dispatcher", fmt.Errorf("status %d", resp.StatusCode))
	}

	var out api.DispatcherResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return newServerError("dispatcher", err)
	}
	m := make(map[string]string, 2)
	if len(out.Body.Upload) > 0 {
		m["upload"] = out.Body.Upload[0].URL
	}
	if len(out.Body.Get) > 0 {
		m["get"] = out.Body.Get[0].URL
	}
	if len(m) == 0 {
		return newServerError("dispatcher", fmt.Errorf("empty dispatcher map"))
	}
	c.dispMu.Lock()
	c.dispatcher = m
	c.dispMu.Unlock()
	return nil
}

// Entry is one directory entry, spec.md §3 "Directory entry".
type Entry struct {
	Name  string
	Kind  string // "file" | "folder"
	Size  uint64
	Mtime int64
}

// Info is the metadata returned by file(path) / folder(path, 0).
type Info struct {
	Kind  string
	Size  uint64
	Mtime int64
}

// Blob is the descriptor returned by blob upload (spec.md §3).
type Blob struct {
	Hash string
	Size uint64
}

// ConflictMode selects server-side conflict policy for create/rename ops.
type ConflictMode string

const (
	ConflictStrict ConflictMode = "strict"
	ConflictRename ConflictMode = "rename"
)

func (c *Client) apiQuery(extra url.Values) url.Values {
	q := url.Values{"api": {"2"}, "token": {c.token()}}
	for k, vs := range extra {
		q[k] = vs
	}
	return q
}

// Folder fetches one page of a directory listing. page is 0-based.
func (c *Client) Folder(remotePath string, page int) (items []Entry, totalFiles, totalFolders int, err error) {
	op := fmt.Sprintf("folder(%s,%d)", remotePath, page)
	var out api.FolderInfoResponse
	retryErr := withRetry(c.log, op, func() error {
		resp, err := c.sess.getQuery(c.host+api.FolderPath, c.apiQuery(url.Values{
			"home":   {remotePath},
			"offset": {strconv.Itoa(page * api.PageSize)},
			"limit":  {strconv.Itoa(api.PageSize)},
		}))
		if err != nil {
			return newServerError(op, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode == 404 {
			return &NotFoundError{Op: "folder", Path: remotePath}
		}
		if resp.StatusCode != 200 {
			return newServerError(op, fmt.Errorf("status %d", resp.StatusCode))
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return newServerError(op, err)
		}
		if out.Body.Kind != "folder" {
			return newServerError(op, fmt.Errorf("expected kind=folder, got %q", out.Body.Kind))
		}
		return nil
	})
	if retryErr != nil {
		return nil, 0, 0, retryErr
	}
	items = make([]Entry, 0, len(out.Body.List))
	for _, li := range out.Body.List {
		items = append(items, Entry{Name: li.Name, Kind: li.Kind, Size: uint64(li.Size), Mtime: li.Mtime})
	}
	return items, out.Body.Count.Files, out.Body.Count.Folders, nil
}

// DirList concatenates every page of remotePath's listing in page order.
// It preserves the page-count computation observed in the original source
// (spec.md §9 Open Question): pages = (total-1)/500 + 1, so for
// total <= 500 only page 0 is ever fetched (pages 1..pages-1 is empty).
func (c *Client) DirList(remotePath string) ([]Entry, error) {
	first, files, folders, err := c.Folder(remotePath, 0)
	if err != nil {
		return nil, err
	}
	total := files + folders
	all := first
	if total <= 0 {
		return all, nil
	}
	pages := (total-1)/api.PageSize + 1
	for p := 1; p < pages; p++ {
		items, _, _, err := c.Folder(remotePath, p)
		if err != nil {
			return nil, err
		}
		all = append(all, items...)
	}
	return all, nil
}

// File fetches metadata for a single path.
func (c *Client) File(remotePath string) (Info, error) {
	op := fmt.Sprintf("file(%s)", remotePath)
	var out api.ItemInfoResponse
	err := withRetry(c.log, op, func() error {
		resp, err := c.sess.getQuery(c.host+api.FilePath, c.apiQuery(url.Values{"home": {remotePath}}))
		if err != nil {
			return newServerError(op, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode == 404 {
			return &NotFoundError{Op: "file", Path: remotePath}
		}
		if resp.StatusCode != 200 {
			return newServerError(op, fmt.Errorf("status %d", resp.StatusCode))
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return newServerError(op, err)
		}
		return nil
	})
	if err != nil {
		return Info{}, err
	}
	return Info{Kind: out.Body.Kind, Size: uint64(out.Body.Size), Mtime: out.Body.Mtime}, nil
}

// FileExists is a convenience wrapper over File: returns "", "file" or
// "folder".
func (c *Client) FileExists(remotePath string) (string, error) {
	info, err := c.File(remotePath)
	if err != nil {
		if _, ok := err.(*NotFoundError); ok {
			return "", nil
		}
		return "", err
	}
	return info.Kind, nil
}

// zipDownloadPrefix is the archive name field cloudapi.py's api_zip sends
// as "name" (its Cloud.download_prefix, always "." there).
const zipDownloadPrefix = "."

// Zip requests a zip payload for the given paths; supplemented from
// cloudapi.py's api_zip, present in the v2 surface though no FUSE
// operation currently calls it. It is a POST with the path list joined
// into a single quoted, bracketed home_list field, not a GET.
func (c *Client) Zip(paths []string) (io.ReadCloser, error) {
	op := "zip"
	quoted := make([]string, len(paths))
	for i, p := range paths {
		quoted[i] = `"` + p + `"`
	}
	homeList := "[" + strings.Join(quoted, ",") + "]"

	var body io.ReadCloser
	retryErr := withRetry(c.log, op, func() error {
		resp, err := c.sess.postForm(c.host+api.ZipPath, c.apiQuery(url.Values{
			"home_list": {homeList},
			"name":      {zipDownloadPrefix},
			"cp866":     {"false"},
		}))
		if err != nil {
			return newServerError(op, err)
		}
		if resp.StatusCode == 404 {
			resp.Body.Close()
			return &NotFoundError{Op: "zip", Path: strings.Join(paths, ",")}
		}
		if resp.StatusCode != 200 {
			resp.Body.Close()
			return newServerError(op, fmt.Errorf("status %d", resp.StatusCode))
		}
		body = resp.Body
		return nil
	})
	if retryErr != nil {
		return nil, retryErr
	}
	return body, nil
}

// BlobUpload streams src to the upload endpoint and returns the assigned
// blob descriptor. It has its own internal retry identical to the global
// policy (spec.md §4.C), driven by the same withRetry helper; every retry
// re-seeks src to offset 0 (see session.postMultipart).
func (c *Client) BlobUpload(src seekReader, size int64) (Blob, error) {
	op := "blob_upload"
	base, err := c.dispatcherURL("upload")
	if err != nil {
		return Blob{}, err
	}
	uploadURL := strings.TrimSuffix(base, "/") + "/?cloud_domain=2"

	var blob Blob
	retryErr := withRetry(c.log, op, func() error {
		resp, err := c.sess.postMultipart(uploadURL, "file", "file", src, nil)
		if err != nil {
			return newServerError(op, err)
		}
		text, err := readAllString(resp.Body)
		if err != nil {
			return newServerError(op, err)
		}
		if resp.StatusCode != 200 {
			return newServerError(op, fmt.Errorf("status %d: %s", resp.StatusCode, text))
		}
		fields := strings.Split(text, ";")
		if len(fields) > 2 {
			return newServerError(op, fmt.Errorf("upload reported error: %s", text))
		}
		if len(fields) < 2 {
			return newServerError(op, fmt.Errorf("malformed upload response: %s", text))
		}
		gotSize, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return newServerError(op, fmt.Errorf("malformed size in response: %s", text))
		}
		if gotSize != size {
			return newServerError(op, fmt.Errorf("size mismatch: sent %d, server reports %d", size, gotSize))
		}
		blob = Blob{Hash: fields[0], Size: uint64(gotSize)}
		return nil
	})
	if retryErr != nil {
		return Blob{}, retryErr
	}
	return blob, nil
}

// FileAdd binds an uploaded blob to a path.
func (c *Client) FileAdd(remotePath string, blob Blob, conflict ConflictMode) (string, error) {
	op := fmt.Sprintf("file_add(%s)", remotePath)
	var assigned string
	err := withRetry(c.log, op, func() error {
		resp, err := c.sess.postForm(c.host+api.FileAddPath, c.apiQuery(url.Values{
			"home":     {remotePath},
			"hash":     {blob.Hash},
			"size":     {strconv.FormatUint(blob.Size, 10)},
			"conflict": {string(conflict)},
		}))
		if err != nil {
			return newServerError(op, err)
		}
		defer resp.Body.Close()
		var ferr api.FileErrorResponse
		if resp.StatusCode != 200 {
			_ = json.NewDecoder(resp.Body).Decode(&ferr)
			if ferr.Body.Home.Error == "exists" {
				return &AlreadyExistsError{Op: "file_add", Path: remotePath}
			}
			return newServerError(op, fmt.Errorf("status %d", resp.StatusCode))
		}
		var out api.GenericResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return newServerError(op, err)
		}
		assigned = out.Body
		return nil
	})
	return assigned, err
}

// FileMove moves path into targetDir. Strict 200 only, per spec.md table.
func (c *Client) FileMove(remotePath, targetDir string, conflict ConflictMode) error {
	op := fmt.Sprintf("file_move(%s->%s)", remotePath, targetDir)
	return withRetry(c.log, op, func() error {
		resp, err := c.sess.postForm(c.host+api.FileMovePath, c.apiQuery(url.Values{
			"home":     {remotePath},
			"folder":   {targetDir},
			"conflict": {string(conflict)},
		}))
		if err != nil {
			return newServerError(op, err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		if resp.StatusCode != 200 {
			return newServerError(op, fmt.Errorf("status %d", resp.StatusCode))
		}
		return nil
	})
}

// FileRemove removes a path. Per spec.md §9 Open Question #1, this does
// NOT special-case a missing path: it relies on the remote always
// returning 200, matching cloudapi.py's api_file_remove which performs no
// error handling around the request. If the remote ever did return a
// non-200 for a missing path it surfaces as ServerError like any other
// unexpected status, not as NotFound — the documented-but-not-actually
// tolerant behavior is preserved as observed, not papered over.
func (c *Client) FileRemove(remotePath string) error {
	op := fmt.Sprintf("file_remove(%s)", remotePath)
	return withRetry(c.log, op, func() error {
		resp, err := c.sess.postForm(c.host+api.FileRemovePath, c.apiQuery(url.Values{
			"home": {remotePath},
		}))
		if err != nil {
			return newServerError(op, err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		if resp.StatusCode != 200 {
			return newServerError(op, fmt.Errorf("status %d", resp.StatusCode))
		}
		return nil
	})
}

// FolderAdd creates a folder.
func (c *Client) FolderAdd(remotePath string, conflict ConflictMode) (string, error) {
	op := fmt.Sprintf("folder_add(%s)", remotePath)
	var name string
	err := withRetry(c.log, op, func() error {
		resp, err := c.sess.postForm(c.host+api.FolderAddPath, c.apiQuery(url.Values{
			"home":     {remotePath},
			"conflict": {string(conflict)},
		}))
		if err != nil {
			return newServerError(op, err)
		}
		defer resp.Body.Close()
		var ferr api.FileErrorResponse
		if resp.StatusCode != 200 {
			_ = json.NewDecoder(resp.Body).Decode(&ferr)
			if ferr.Body.Home.Error == "exists" {
				return &AlreadyExistsError{Op: "folder_add", Path: remotePath}
			}
			return newServerError(op, fmt.Errorf("status %d", resp.StatusCode))
		}
		var out api.GenericResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return newServerError(op, err)
		}
		name = out.Body
		return nil
	})
	return name, err
}

// FileRename renames remotePath in place to newName (no path component).
func (c *Client) FileRename(remotePath, newName string, conflict ConflictMode) (string, error) {
	op := fmt.Sprintf("file_rename(%s->%s)", remotePath, newName)
	var assigned string
	err := withRetry(c.log, op, func() error {
		resp, err := c.sess.postForm(c.host+api.FileRenamePath, c.apiQuery(url.Values{
			"home":     {remotePath},
			"name":     {newName},
			"conflict": {string(conflict)},
		}))
		if err != nil {
			return newServerError(op, err)
		}
		defer resp.Body.Close()
		var ferr api.FileErrorResponse
		if resp.StatusCode != 200 {
			_ = json.NewDecoder(resp.Body).Decode(&ferr)
			switch ferr.Body.Home.Error {
			case "exists":
				return &AlreadyExistsError{Op: "file_rename", Path: remotePath}
			case "not_exists":
				return &NotFoundError{Op: "file_rename", Path: remotePath}
			}
			return newServerError(op, fmt.Errorf("status %d", resp.StatusCode))
		}
		var out api.GenericResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return newServerError(op, err)
		}
		assigned = out.Body
		return nil
	})
	return assigned, err
}

// Space reports total/used space in 1 KiB units.
func (c *Client) Space() (total, used uint64, err error) {
	op := "space"
	var out api.SpaceResponse
	retryErr := withRetry(c.log, op, func() error {
		resp, err := c.sess.getQuery(c.host+api.SpacePath, c.apiQuery(nil))
		if err != nil {
			return newServerError(op, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != 200 {
			return newServerError(op, fmt.Errorf("status %d", resp.StatusCode))
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return newServerError(op, err)
		}
		return nil
	})
	if retryErr != nil {
		return 0, 0, retryErr
	}
	return uint64(out.Body.Total), uint64(out.Body.Used), nil
}

// GetFileReader opens a streaming download of remotePath. The download URL
// is the dispatcher's "get" role base with its trailing slash dropped,
// concatenated with the percent-encoded remote path (spec.md §6 MUST;
// the original source does not percent-encode, see DESIGN.md Open
// Question #3 for the documented deviation).
func (c *Client) GetFileReader(remotePath string) (io.ReadCloser, error) {
	base, err := c.dispatcherURL("get")
	if err != nil {
		return nil, err
	}
	encodedPath := encodeRemotePath(remotePath)
	fullURL := strings.TrimSuffix(base, "/") + encodedPath

	op := fmt.Sprintf("get_file_reader(%s)", remotePath)
	var body io.ReadCloser
	retryErr := withRetry(c.log, op, func() error {
		resp, err := c.sess.getStream(fullURL)
		if err != nil {
			return newServerError(op, err)
		}
		if resp.StatusCode == 404 {
			resp.Body.Close()
			return &NotFoundError{Op: "get_file_reader", Path: remotePath}
		}
		if resp.StatusCode != 200 {
			resp.Body.Close()
			return newServerError(op, fmt.Errorf("status %d", resp.StatusCode))
		}
		body = resp.Body
		return nil
	})
	if retryErr != nil {
		return nil, retryErr
	}
	return body, nil
}

// encodeRemotePath percent-encodes each path segment while preserving the
// "/" separators, matching net/url's path-escaping rules.
func encodeRemotePath(remotePath string) string {
	segments := strings.Split(remotePath, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}

// Basename/Dirname helpers, mirroring path.Base/path.Dir but documented
// here since the FUSE adapter relies on their exact POSIX semantics for
// rename's same-parent check.
func Basename(p string) string { return path.Base(p) }
func Dirname(p string) string  { return path.Dir(p) }
