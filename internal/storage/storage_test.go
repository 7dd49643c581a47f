package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/timmy/steamharvest/internal/config"
)

type memStorage struct {
	objects map[string][]byte
	types   map[string]string
}

func (m *memStorage) Upload(_ context.Context, key string, r io.Reader, _ int64, contentType string) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.objects[key] = b
	m.types[key] = contentType
	return nil
}

func (m *memStorage) GetURL(key string) string { return "mem://" + key }

func TestDetectStorageType(t *testing.T) {
	tests := []struct {
		endpoint string
		want     StorageType
	}{
		{"https://abc.r2.cloudflarestorage.com", StorageTypeR2},
		{"s3.eu-west-1.amazonaws.com", StorageTypeS3},
		{"localhost:9000", StorageTypeS3Compatible},
	}
	for _, tt := range tests {
		if got := detectStorageType(tt.endpoint); got != tt.want {
			t.Errorf("detectStorageType(%q) = %q, want %q", tt.endpoint, got, tt.want)
		}
	}
}

func TestNormalizeEndpoint(t *testing.T) {
	for in, want := range map[string]string{
		"https://minio.local:9000/bucket/x": "minio.local:9000",
		"http://localhost:9000":             "localhost:9000",
		"s3.amazonaws.com":                  "s3.amazonaws.com",
		"":                                  "",
	} {
		if got := normalizeEndpoint(in); got != want {
			t.Errorf("normalizeEndpoint(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestObjectKey(t *testing.T) {
	if got := ObjectKey("/exports/", "a.csv"); got != "exports/a.csv" {
		t.Errorf("got %q", got)
	}
	if got := ObjectKey("", "a.csv"); got != "a.csv" {
		t.Errorf("got %q", got)
	}
}

func TestNewStorageDisabled(t *testing.T) {
	store, err := NewStorage(&config.StorageConfig{Enabled: false})
	if err != nil || store != nil {
		t.Fatalf("expected nil storage, got %v, %v", store, err)
	}
}

func TestUploadFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "ccu_history_20240101_000000.csv")
	if err := os.WriteFile(file, []byte("ID,datetime,players\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	store := &memStorage{objects: map[string][]byte{}, types: map[string]string{}}

	key, err := UploadFile(context.Background(), store, "exports", file, "text/csv")
	if err != nil {
		t.Fatal(err)
	}
	if key != "exports/ccu_history_20240101_000000.csv" {
		t.Errorf("unexpected key %q", key)
	}
	if string(store.objects[key]) != "ID,datetime,players\n" || store.types[key] != "text/csv" {
		t.Errorf("unexpected stored object")
	}
}
