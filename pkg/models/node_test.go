package models

import "testing"

func TestContentType(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"photo.png", "image/png"},
		{"PHOTO.PNG", "image/png"},
		{"notes", DefaultContentType},
		{"archive.unknownext", DefaultContentType},
		{"page.html", "text/html"},
	}

	for _, tt := range tests {
		if got := ContentType(tt.name); got != tt.want {
			t.Errorf("ContentType(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestCategory(t *testing.T) {
	tests := []struct {
		contentType string
		want        string
	}{
		{"image/png", "image"},
		{"text/plain", "text"},
		{"application/pdf", "document"},
		{"application/zip", "archive"},
		{"application/json", "text"},
		{DefaultContentType, "binary"},
	}

	for _, tt := range tests {
		if got := Category(tt.contentType); got != tt.want {
			t.Errorf("Category(%q) = %q, want %q", tt.contentType, got, tt.want)
		}
	}
}

func TestDescriptorKind(t *testing.T) {
	if (Descriptor{IsFile: true}).Kind() != KindFile {
		t.Error("file descriptor should be KindFile")
	}
	if (Descriptor{}).Kind() != KindDirectory {
		t.Error("directory descriptor should be KindDirectory")
	}
}
