// Package cloudtest provides an in-memory stand-in for the v2 cloud API,
// grounded on _examples/original_source/cloudapi.py's endpoint shapes, for
// use by this module's own tests (internal/cachefile, internal/mountfs).
// It is not part of the production binary.
package cloudtest

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	pathpkg "path"
	"sort"
	"strconv"
	"strings"
	"sync"
)

type object struct {
	kind     string // "file" | "folder"
	size     int64
	mtime    int64
	blobHash string
}

// Remote is an in-memory implementation of the v2 API surface this module
// depends on.
type Remote struct {
	Server *httptest.Server

	mu          sync.Mutex
	objects     map[string]*object
	blobs       map[string][]byte
	lastZipForm url.Values
}

// NewRemote starts the fake remote with a root folder only.
func NewRemote() *Remote {
	r := &Remote{
		objects: map[string]*object{"/": {kind: "folder"}},
		blobs:   map[string][]byte{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/cgi-bin/auth", r.handleAuth)
	mux.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) { w.WriteHeader(200) })
	mux.HandleFunc("/api/v2/tokens/csrf", r.handleCSRF)
	mux.HandleFunc("/api/v2/dispatcher", r.handleDispatcher)
	mux.HandleFunc("/api/v2/folder", r.handleFolder)
	mux.HandleFunc("/api/v2/file", r.handleFile)
	mux.HandleFunc("/api/v2/file/add", r.handleFileAdd)
	mux.HandleFunc("/api/v2/file/remove", r.handleFileRemove)
	mux.HandleFunc("/api/v2/file/rename", r.handleFileRename)
	mux.HandleFunc("/api/v2/file/move", r.handleFileMove)
	mux.HandleFunc("/api/v2/folder/add", r.handleFolderAdd)
	mux.HandleFunc("/api/v2/user/space", r.handleSpace)
	mux.HandleFunc("/api/v2/zip", r.handleZip)
	mux.HandleFunc("/upload/", r.handleUpload)
	mux.HandleFunc("/get/", r.handleGet)
	r.Server = httptest.NewServer(mux)
	return r
}

// Close shuts down the underlying httptest.Server.
func (r *Remote) Close() { r.Server.Close() }

// AuthURL is the auth endpoint to pass to cloud.NewClientWithHost.
func (r *Remote) AuthURL() string { return r.Server.URL + "/cgi-bin/auth" }

// Host is the API host to pass to cloud.NewClientWithHost.
func (r *Remote) Host() string { return r.Server.URL }

// LastZipForm returns the form fields of the most recent /api/v2/zip
// request, for tests asserting on Zip's wire shape.
func (r *Remote) LastZipForm() url.Values {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastZipForm
}

func (r *Remote) handleAuth(w http.ResponseWriter, req *http.Request) {
	http.Redirect(w, req, "/?from=promo&from=authpopup", http.StatusFound)
}

func (r *Remote) handleCSRF(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, map[string]interface{}{"body": map[string]string{"token": "test-token"}})
}

func (r *Remote) handleDispatcher(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, map[string]interface{}{
		"body": map[string]interface{}{
			"upload": []map[string]interface{}{{"url": r.Server.URL + "/upload/", "count": map[string]int{"cur": 0}}},
			"get":    []map[string]interface{}{{"url": r.Server.URL + "/get/", "count": map[string]int{"cur": 0}}},
		},
	})
}

func (r *Remote) childrenOf(dir string) []string {
	var names []string
	prefix := strings.TrimSuffix(dir, "/")
	for p := range r.objects {
		if p == "/" {
			continue
		}
		if pathpkg.Dir(p) == dir || (prefix == "" && pathpkg.Dir(p) == "/") {
			names = append(names, p)
		}
	}
	sort.Strings(names)
	return names
}

func (r *Remote) handleFolder(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dir := req.URL.Query().Get("home")
	offset, _ := strconv.Atoi(req.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	if limit == 0 {
		limit = 500
	}

	obj, ok := r.objects[dir]
	if !ok || obj.kind != "folder" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	children := r.childrenOf(dir)
	files, folders := 0, 0
	list := []map[string]interface{}{}
	for i, p := range children {
		child := r.objects[p]
		if child.kind == "file" {
			files++
		} else {
			folders++
		}
		if i >= offset && i < offset+limit {
			list = append(list, map[string]interface{}{
				"kind":  child.kind,
				"name":  pathpkg.Base(p),
				"size":  child.size,
				"mtime": child.mtime,
			})
		}
	}
	writeJSON(w, map[string]interface{}{
		"body": map[string]interface{}{
			"kind":  "folder",
			"count": map[string]int{"files": files, "folders": folders},
			"list":  list,
		},
	})
}

func (r *Remote) handleFile(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := req.URL.Query().Get("home")
	obj, ok := r.objects[p]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]interface{}{
		"body": map[string]interface{}{
			"kind":  obj.kind,
			"size":  obj.size,
			"mtime": obj.mtime,
		},
	})
}

func (r *Remote) handleFileAdd(w http.ResponseWriter, req *http.Request) {
	req.ParseForm()
	r.mu.Lock()
	defer r.mu.Unlock()

	p := req.Form.Get("home")
	if _, exists := r.objects[p]; exists {
		writeFileError(w, "exists")
		return
	}
	size, _ := strconv.ParseInt(req.Form.Get("size"), 10, 64)
	r.objects[p] = &object{kind: "file", size: size, blobHash: req.Form.Get("hash")}
	writeJSON(w, map[string]interface{}{"body": pathpkg.Base(p)})
}

func (r *Remote) handleFileRemove(w http.ResponseWriter, req *http.Request) {
	req.ParseForm()
	r.mu.Lock()
	delete(r.objects, req.Form.Get("home"))
	r.mu.Unlock()
	writeJSON(w, map[string]interface{}{"status": 200})
}

func (r *Remote) handleFileRename(w http.ResponseWriter, req *http.Request) {
	req.ParseForm()
	r.mu.Lock()
	defer r.mu.Unlock()

	p := req.Form.Get("home")
	newName := req.Form.Get("name")
	obj, ok := r.objects[p]
	if !ok {
		writeFileError(w, "not_exists")
		return
	}
	newPath := pathpkg.Join(pathpkg.Dir(p), newName)
	if _, exists := r.objects[newPath]; exists {
		writeFileError(w, "exists")
		return
	}
	delete(r.objects, p)
	r.objects[newPath] = obj
	writeJSON(w, map[string]interface{}{"body": newName})
}

func (r *Remote) handleFileMove(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, map[string]interface{}{"status": 200})
}

func (r *Remote) handleFolderAdd(w http.ResponseWriter, req *http.Request) {
	req.ParseForm()
	r.mu.Lock()
	defer r.mu.Unlock()

	p := req.Form.Get("home")
	if _, exists := r.objects[p]; exists {
		writeFileError(w, "exists")
		return
	}
	r.objects[p] = &object{kind: "folder"}
	writeJSON(w, map[string]interface{}{"body": pathpkg.Base(p)})
}

func (r *Remote) handleSpace(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, map[string]interface{}{
		"body": map[string]interface{}{"total": 1024 * 1024, "used": 0},
	})
}

// handleZip records the last request's form fields for tests to inspect
// and answers with a small fixed payload standing in for the archive body.
func (r *Remote) handleZip(w http.ResponseWriter, req *http.Request) {
	req.ParseForm()
	r.mu.Lock()
	r.lastZipForm = req.Form
	r.mu.Unlock()
	w.Write([]byte("PK-fake-zip-body"))
}

func (r *Remote) handleUpload(w http.ResponseWriter, req *http.Request) {
	mr, err := req.MultipartReader()
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var content []byte
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if part.FormName() == "file" {
			content, _ = io.ReadAll(part)
		}
	}
	h := fnv.New64a()
	h.Write(content)
	hash := fmt.Sprintf("%x", h.Sum64())

	r.mu.Lock()
	r.blobs[hash] = content
	r.mu.Unlock()

	fmt.Fprintf(w, "%s;%d", hash, len(content))
}

func (r *Remote) handleGet(w http.ResponseWriter, req *http.Request) {
	decoded, err := url.PathUnescape(strings.TrimPrefix(req.URL.Path, "/get"))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	r.mu.Lock()
	obj, ok := r.objects[decoded]
	var content []byte
	if ok {
		content = r.blobs[obj.blobHash]
	}
	r.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Write(content)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeFileError(w http.ResponseWriter, tag string) {
	w.WriteHeader(http.StatusBadRequest)
	writeJSON(w, map[string]interface{}{
		"body": map[string]interface{}{
			"home": map[string]string{"error": tag},
		},
	})
}
