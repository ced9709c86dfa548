// Package api defines the JSON wire shapes of the v2 cloud API.
package api

import "fmt"

// Endpoint paths, relative to the primary API host.
const (
	AuthURL        = "https://auth.mail.ru/cgi-bin/auth"
	CSRFPath       = "/api/v2/tokens/csrf"
	DispatcherPath = "/api/v2/dispatcher"
	FolderPath     = "/api/v2/folder"
	FilePath       = "/api/v2/file"
	ZipPath        = "/api/v2/zip"
	FileAddPath    = "/api/v2/file/add"
	FileMovePath   = "/api/v2/file/move"
	FileRemovePath = "/api/v2/file/remove"
	FolderAddPath  = "/api/v2/folder/add"
	FileRenamePath = "/api/v2/file/rename"
	SpacePath      = "/api/v2/user/space"
	UploadTokenURL = "/api/v2/tokens/download"
)

// PageSize is the number of directory entries returned per folder() page.
const PageSize = 500

// ServerErrorResponse is returned when the server reports a non-semantic
// failure (not a NotFound/AlreadyExists outcome).
type ServerErrorResponse struct {
	Message string `json:"body"`
	Time    int64  `json:"time"`
	Status  int    `json:"status"`
}

func (e *ServerErrorResponse) Error() string {
	return fmt.Sprintf("server error %d (%s)", e.Status, e.Message)
}

// FileErrorResponse carries a resource-scoped error tag under body.home.error
// ("not_exists", "exists", "invalid", ...).
type FileErrorResponse struct {
	Body struct {
		Home struct {
			Value string `json:"value"`
			Error string `json:"error"`
		} `json:"home"`
	} `json:"body"`
	Status  int    `json:"status"`
	Account string `json:"email,omitempty"`
	Time    int64  `json:"time,omitempty"`
}

func (e *FileErrorResponse) Error() string {
	return fmt.Sprintf("file error %d (%s)", e.Status, e.Body.Home.Error)
}

// ListItem is one directory entry as returned inside a folder listing.
type ListItem struct {
	Count struct {
		Folders int `json:"folders"`
		Files   int `json:"files"`
	} `json:"count,omitempty"`
	Kind  string `json:"kind"` // "file" | "folder"
	Type  string `json:"type"`
	Name  string `json:"name"`
	Home  string `json:"home"`
	Size  int64  `json:"size"`
	Mtime int64  `json:"mtime,omitempty"`
	Hash  string `json:"hash,omitempty"`
}

// ItemInfoResponse is the response of file(path).
type ItemInfoResponse struct {
	Email  string   `json:"email"`
	Body   ListItem `json:"body"`
	Time   int64    `json:"time"`
	Status int      `json:"status"`
}

// FolderInfoResponse is the response of folder(path, page).
type FolderInfoResponse struct {
	Body struct {
		Count struct {
			Folders int `json:"folders"`
			Files   int `json:"files"`
		} `json:"count"`
		Kind string     `json:"kind"`
		Name string     `json:"name"`
		Home string     `json:"home"`
		List []ListItem `json:"list"`
	} `json:"body,omitempty"`
	Time   int64  `json:"time"`
	Status int    `json:"status"`
	Email  string `json:"email"`
}

// SpaceResponse is the response of space(), values already in 1 KiB units
// (cloudapi.py's api_space / mrucfs.py's statfs use them directly as block
// counts at f_bsize=1024, with no further conversion).
type SpaceResponse struct {
	Body struct {
		Total int64 `json:"total"`
		Used  int64 `json:"used"`
	} `json:"body"`
	Time   int64  `json:"time"`
	Status int    `json:"status"`
	Email  string `json:"email"`
}

// CSRFResponse is the response of the tokens/csrf endpoint.
type CSRFResponse struct {
	Body struct {
		Token string `json:"token"`
	} `json:"body"`
	Time   int64 `json:"time"`
	Status int   `json:"status"`
}

// DispatcherResponse maps role name to base URL.
type DispatcherResponse struct {
	Body struct {
		Upload []struct {
			URL   string `json:"url"`
			Count struct {
				Cur int `json:"cur"`
			} `json:"count"`
		} `json:"upload"`
		Get []struct {
			URL   string `json:"url"`
			Count struct {
				Cur int `json:"cur"`
			} `json:"count"`
		} `json:"get"`
	} `json:"body"`
	Time   int64 `json:"time"`
	Status int   `json:"status"`
}

// GenericResponse is used for endpoints whose body carries only a bare
// assigned-name string (file/add, folder/add, file/rename).
type GenericResponse struct {
	Email  string `json:"email"`
	Body   string `json:"body"`
	Time   int64  `json:"time"`
	Status int    `json:"status"`
}
