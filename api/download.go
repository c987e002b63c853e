package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// ErrDocumentNotFound is returned by a DocumentSource for unknown IDs.
var ErrDocumentNotFound = errors.New("document not found")

// DocumentInfo describes a document being streamed.
type DocumentInfo struct {
	Name        string
	ContentType string
	Size        int64
	ModTime     time.Time
}

// DocumentSource resolves document IDs to content. Authorization has
// already happened when Open is called.
type DocumentSource interface {
	Open(ctx context.Context, id string) (io.ReadCloser, DocumentInfo, error)
}

var documentIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

// DirDocumentSource serves <id>.pdf files from a single directory. IDs
// cannot name anything outside it.
type DirDocumentSource struct {
	root string
}

var _ DocumentSource = (*DirDocumentSource)(nil)

func NewDirDocumentSource(root string) (*DirDocumentSource, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("document directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("document directory %s is not a directory", root)
	}
	return &DirDocumentSource{root: root}, nil
}

func (d *DirDocumentSource) Open(_ context.Context, id string) (io.ReadCloser, DocumentInfo, error) {
	if !documentIDPattern.MatchString(id) {
		return nil, DocumentInfo{}, ErrDocumentNotFound
	}
	root, err := os.OpenRoot(d.root)
	if err != nil {
		return nil, DocumentInfo{}, fmt.Errorf("opening document root: %w", err)
	}
	defer root.Close()

	name := id + ".pdf"
	f, err := root.Open(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, DocumentInfo{}, ErrDocumentNotFound
	}
	if err != nil {
		return nil, DocumentInfo{}, fmt.Errorf("opening document: %w", err)
	}
	stat, err := f.Stat()
	if err != nil || !stat.Mode().IsRegular() {
		f.Close()
		return nil, DocumentInfo{}, ErrDocumentNotFound
	}
	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = "application/pdf"
	}
	return f, DocumentInfo{
		Name:        name,
		ContentType: contentType,
		Size:        stat.Size(),
		ModTime:     stat.ModTime(),
	}, nil
}

// Download handles GET /download/{id}. The rate limit is applied before
// the token is checked, and the token before the document is looked up.
func (a *API) Download(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := a.svc.AuthorizeDownload(r.Context(), bearerToken(r), a.extractClientIP(r), id); err != nil {
		a.mapError(w, r, err)
		return
	}
	if a.docs == nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	body, info, err := a.docs.Open(r.Context(), id)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	defer body.Close()

	h := w.Header()
	h.Set("Content-Type", info.ContentType)
	h.Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": info.Name}))
	h.Set("Cache-Control", "private, no-store")
	if info.Size > 0 {
		h.Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}
	if !info.ModTime.IsZero() {
		h.Set("Last-Modified", info.ModTime.UTC().Format(http.TimeFormat))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		a.logger.WarnContext(r.Context(), "document stream interrupted", "document", id, "error", err)
	}
}
