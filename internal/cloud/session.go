package cloud

import (
	"bytes"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
)

// session is the cookie-bearing HTTP transport used by every client
// operation. It does not know about the v2 API's semantics; it only
// performs form POST, query-string GET, streaming GET, and multipart POST.
type session struct {
	cli *http.Client
}

func newSession() (*session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &session{cli: &http.Client{Jar: jar}}, nil
}

// postForm issues a form-encoded POST and returns the raw response. The
// caller is responsible for closing resp.Body.
func (s *session) postForm(rawURL string, form url.Values) (*http.Response, error) {
	return s.cli.PostForm(rawURL, form)
}

// getQuery issues a GET with the given query parameters appended.
func (s *session) getQuery(rawURL string, query url.Values) (*http.Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	u.RawQuery = query.Encode()
	return s.cli.Get(u.String())
}

// getStream issues a plain GET and returns the still-open response body
// for the caller to stream from; the caller must Close it.
func (s *session) getStream(rawURL string) (*http.Response, error) {
	return s.cli.Get(rawURL)
}

// seekReader is satisfied by any reader the multipart uploader can rewind
// for a retry (spec.md §9 "Streaming upload re-seek").
type seekReader interface {
	io.Reader
	io.Seeker
}

// postMultipart streams src as a single file part named fieldName, with
// extra form fields, to rawURL. Before encoding, src is seeked back to
// offset 0 so a retried call replays the exact same bytes: a one-shot
// encoder over an already-drained reader cannot be rebuilt, so the seek
// must happen here, on every call, not once by the caller.
func (s *session) postMultipart(rawURL, fieldName, fileName string, src seekReader, fields map[string]string) (*http.Response, error) {
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		var err error
		defer func() {
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			pw.Close()
		}()
		for k, v := range fields {
			if err = mw.WriteField(k, v); err != nil {
				return
			}
		}
		var part io.Writer
		part, err = mw.CreateFormFile(fieldName, fileName)
		if err != nil {
			return
		}
		if _, err = io.Copy(part, src); err != nil {
			return
		}
		err = mw.Close()
	}()

	req, err := http.NewRequest(http.MethodPost, rawURL, pr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return s.cli.Do(req)
}

// readAllString drains and closes resp.Body, returning it as a string.
func readAllString(body io.ReadCloser) (string, error) {
	defer body.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, body); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}
