package webapi

import (
	"io"
	"mime/multipart"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/botchat/pkg/chat"
)

const (
	maxUploadMemory = 32 << 20
	maxFileSize     = 5 << 20
	maxFileCount    = 5
)

// Extensions accepted for upload: plain text, PDF, HTML, CSS, JS/TS,
// Python and Markdown.
var allowedExtensions = map[string]struct{}{
	".txt":      {},
	".pdf":      {},
	".html":     {},
	".htm":      {},
	".css":      {},
	".js":       {},
	".ts":       {},
	".py":       {},
	".md":       {},
	".markdown": {},
}

var allowedMediaTypes = map[string]struct{}{
	"text/plain":             {},
	"application/pdf":        {},
	"text/html":              {},
	"text/css":               {},
	"text/javascript":        {},
	"application/javascript": {},
	"text/markdown":          {},
	"text/x-python":          {},
	"application/x-python":   {},
}

func readAttachments(fhs []*multipart.FileHeader) ([]chat.FileAttachment, error) {
	if len(fhs) == 0 {
		return nil, nil
	}
	if len(fhs) > maxFileCount {
		return nil, errors.Wrapf(errBadRequest, "too many files: %d (max %d)", len(fhs), maxFileCount)
	}
	out := make([]chat.FileAttachment, 0, len(fhs))
	for _, fh := range fhs {
		if fh.Size > maxFileSize {
			return nil, errors.Wrapf(errBadRequest, "file %q exceeds %d bytes", fh.Filename, maxFileSize)
		}
		mediaType := fh.Header.Get("Content-Type")
		if !allowedFileType(fh.Filename, mediaType) {
			return nil, errors.Wrapf(errBadRequest, "file type not allowed for %q", fh.Filename)
		}
		f, err := fh.Open()
		if err != nil {
			return nil, errors.Wrapf(errBadRequest, "cannot open file %q", fh.Filename)
		}
		data, err := io.ReadAll(io.LimitReader(f, maxFileSize+1))
		_ = f.Close()
		if err != nil {
			return nil, errors.Wrapf(errBadRequest, "cannot read file %q", fh.Filename)
		}
		if len(data) > maxFileSize {
			return nil, errors.Wrapf(errBadRequest, "file %q exceeds %d bytes", fh.Filename, maxFileSize)
		}
		out = append(out, chat.FileAttachment{
			Name:    fh.Filename,
			Type:    mediaType,
			Content: data,
		})
	}
	return out, nil
}

// allowedFileType accepts a file when either the extension or the
// declared media type is on the allow list; browsers are inconsistent
// about which one they fill in.
func allowedFileType(name, mediaType string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	if _, ok := allowedExtensions[ext]; ok {
		return true
	}
	if i := strings.Index(mediaType, ";"); i >= 0 {
		mediaType = mediaType[:i]
	}
	_, ok := allowedMediaTypes[strings.TrimSpace(strings.ToLower(mediaType))]
	return ok
}
