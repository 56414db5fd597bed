package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"vidproc/config"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

type Kind string

const (
	KindVideos Kind = "videos"
	KindImages Kind = "images"
)

// Upload categories understood by the storage service.
const (
	CategoryVideo     = "ServiceUploadedVideo"
	CategoryThumbnail = "ServiceUploadedThumbnail"
)

const workRootDir = "processor_output"

// TransportError reports a failed download or upload.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Workspace is the per-job working directory holding the downloaded source.
type Workspace struct {
	FolderID string
	Dir      string
	FilePath string
}

// Uploaded is the storage service's answer to a file upload.
type Uploaded struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type Client struct {
	cfg  *config.Config
	http *http.Client
	log  hclog.Logger
}

func NewClient(cfg *config.Config, httpClient *http.Client, log hclog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Client{cfg: cfg, http: httpClient, log: log}
}

// WorkDir is <root>/processor_output/<folderID>.
func (c *Client) WorkDir(folderID string) string {
	return filepath.Join(c.cfg.OutputRoot, workRootDir, folderID)
}

// FolderID derives the working folder name and file extension from the last
// path segment of a source URL, e.g. "/f/abc.mp4" -> ("abc", "mp4").
func FolderID(videoURL string) (string, string, error) {
	base := path.Base(strings.TrimSpace(videoURL))
	folderID, ext, _ := strings.Cut(base, ".")
	if folderID == "" || folderID == "." || folderID == "/" {
		return "", "", fmt.Errorf("cannot derive folder from url %q", videoURL)
	}
	if i := strings.Index(ext, "."); i >= 0 {
		ext = ext[:i]
	}
	return folderID, ext, nil
}

func (c *Client) url(p string) string {
	return strings.TrimRight(c.cfg.StorageBaseURL, "/") + p
}

// Download streams <storageBase><videoURL> into a fresh working directory.
func (c *Client) Download(ctx context.Context, videoURL string) (*Workspace, error) {
	src := c.url(videoURL)
	folderID, ext, err := FolderID(videoURL)
	if err != nil {
		return nil, &TransportError{Op: "download", URL: src, Err: err}
	}

	dir := c.WorkDir(folderID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create working directory: %w", err)
	}
	name := "video"
	if ext != "" {
		name += "." + ext
	}
	ws := &Workspace{FolderID: folderID, Dir: dir, FilePath: filepath.Join(dir, name)}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return ws, &TransportError{Op: "download", URL: src, Err: err}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return ws, &TransportError{Op: "download", URL: src, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ws, &TransportError{Op: "download", URL: src, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	out, err := os.Create(ws.FilePath)
	if err != nil {
		return ws, fmt.Errorf("could not create source file: %w", err)
	}
	defer out.Close()

	var body io.Reader = resp.Body
	if c.cfg.MaxInputSize > 0 {
		body = &io.LimitedReader{R: resp.Body, N: c.cfg.MaxInputSize + 1}
	}
	written, err := io.Copy(out, body)
	if err != nil {
		return ws, &TransportError{Op: "download", URL: src, Err: fmt.Errorf("failed to write downloaded file: %w", err)}
	}
	if c.cfg.MaxInputSize > 0 && written > c.cfg.MaxInputSize {
		return ws, &TransportError{Op: "download", URL: src, Err: fmt.Errorf("input file size exceeds limit of %d bytes", c.cfg.MaxInputSize)}
	}
	if err := out.Close(); err != nil {
		return ws, err
	}

	c.log.Info("source downloaded", "url", videoURL, "bytes", written)
	return ws, nil
}

// UploadFile posts one file to /api/v1/storage/{kind}/internal.
func (c *Client) UploadFile(ctx context.Context, filePath string, kind Kind, groupID, category string) (*Uploaded, error) {
	var res Uploaded
	headers := map[string]string{
		"file-id":  uuid.NewString(),
		"group-id": groupID,
		"category": category,
	}
	endpoint := fmt.Sprintf("/api/v1/storage/%s/internal", kind)
	raw, err := c.postMultipart(ctx, endpoint, "file", []string{filePath}, headers)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, &TransportError{Op: "upload", URL: c.url(endpoint), Err: fmt.Errorf("invalid response: %w", err)}
	}
	return &res, nil
}

func (c *Client) UploadImage(ctx context.Context, filePath, groupID string) (*Uploaded, error) {
	return c.UploadFile(ctx, filePath, KindImages, groupID, CategoryThumbnail)
}

// postMultipart streams files as a multipart body and returns the response body.
func (c *Client) postMultipart(ctx context.Context, endpoint, field string, files []string, headers map[string]string) ([]byte, error) {
	dst := c.url(endpoint)
	body, contentType := multipartBody(field, files)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dst, body)
	if err != nil {
		body.Close()
		return nil, &TransportError{Op: "upload", URL: dst, Err: err}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("token", c.cfg.StorageToken)
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "upload", URL: dst, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &TransportError{Op: "upload", URL: dst, Err: err}
	}
	if resp.StatusCode/100 != 2 {
		return nil, &TransportError{Op: "upload", URL: dst, Err: fmt.Errorf("unexpected status %s: %s", resp.Status, strings.TrimSpace(string(raw)))}
	}
	return raw, nil
}

// multipartBody returns a reader producing the multipart encoding of files,
// written lazily through a pipe so large segment batches are never buffered.
func multipartBody(field string, files []string) (io.ReadCloser, string) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := writeParts(mw, field, files)
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()
	return pr, mw.FormDataContentType()
}

func writeParts(mw *multipart.Writer, field string, files []string) error {
	for _, name := range files {
		if err := writePart(mw, field, name); err != nil {
			return err
		}
	}
	return nil
}

func writePart(mw *multipart.Writer, field, name string) error {
	f, err := os.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()

	part, err := mw.CreateFormFile(field, filepath.Base(name))
	if err != nil {
		return err
	}
	_, err = io.Copy(part, f)
	return err
}
