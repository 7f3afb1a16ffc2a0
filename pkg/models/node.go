// Package models contains the data types shared by the backend, cache and tree packages.
package models

import (
	"mime"
	"path"
	"strings"
	"time"
)

// Kind distinguishes directories from files.
type Kind string

const (
	KindDirectory Kind = "directory"
	KindFile      Kind = "file"
)

// Descriptor is one raw entry of a directory listing, as the backend returns it.
type Descriptor struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"` // absolute storage path
	IsFile  bool      `json:"is_file"`
	Size    int64     `json:"size,omitempty"`
	Status  string    `json:"status,omitempty"`
	ModTime time.Time `json:"mtime,omitempty"`
}

// Kind returns the node kind the descriptor materializes as.
func (d Descriptor) Kind() Kind {
	if d.IsFile {
		return KindFile
	}
	return KindDirectory
}

// DefaultContentType is used when a name carries no usable extension.
const DefaultContentType = "application/octet-stream"

// ContentType classifies a file by its name. Best effort: unknown
// extensions map to DefaultContentType.
func ContentType(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if ext == "" {
		return DefaultContentType
	}
	t := mime.TypeByExtension(ext)
	if t == "" {
		return DefaultContentType
	}
	if i := strings.IndexByte(t, ';'); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	return t
}

// Category reduces a content type to a coarse family: image, video, audio,
// text, document, archive or binary.
func Category(contentType string) string {
	major, minor, _ := strings.Cut(contentType, "/")
	switch major {
	case "image", "video", "audio", "text":
		return major
	}
	switch {
	case strings.Contains(minor, "pdf"), strings.Contains(minor, "document"),
		strings.Contains(minor, "msword"), strings.Contains(minor, "spreadsheet"),
		strings.Contains(minor, "presentation"):
		return "document"
	case strings.Contains(minor, "zip"), strings.Contains(minor, "tar"),
		strings.Contains(minor, "gzip"), strings.Contains(minor, "compressed"):
		return "archive"
	case minor == "json", minor == "xml", minor == "javascript":
		return "text"
	}
	return "binary"
}
