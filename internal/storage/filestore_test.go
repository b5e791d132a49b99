package storage

import (
	"context"
	"errors"
	"testing"
)

func TestFileStore_WriteReadDelete(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFileStore(t.TempDir(), "http://cdn.test/blobs/")
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}

	key, err := fs.Write(ctx, "/jobs/abc/input/archive.zip", []byte("zip"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if key != "jobs/abc/input/archive.zip" {
		t.Errorf("unexpected key %q", key)
	}

	data, err := fs.Read(ctx, key)
	if err != nil || string(data) != "zip" {
		t.Fatalf("read = %q, %v", data, err)
	}

	if got := fs.URL(key); got != "http://cdn.test/blobs/jobs/abc/input/archive.zip" {
		t.Errorf("unexpected url %q", got)
	}

	if err := fs.DeletePrefix(ctx, "jobs/abc"); err != nil {
		t.Fatalf("delete prefix: %v", err)
	}
	if _, err := fs.Read(ctx, key); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound, got %v", err)
	}
}

func TestSanitizeKey(t *testing.T) {
	tests := []struct {
		key     string
		want    string
		wantErr bool
	}{
		{"a/b.png", "a/b.png", false},
		{"./a/../b.png", "b.png", false},
		{`a\b.png`, "a/b.png", false},
		{"../etc/passwd", "", true},
		{"..", "", true},
		{"  ", "", true},
	}
	for _, tt := range tests {
		got, err := sanitizeKey(tt.key)
		if (err != nil) != tt.wantErr {
			t.Errorf("sanitizeKey(%q) error = %v, wantErr %v", tt.key, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("sanitizeKey(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}
