package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/openfroyo/orchestra/pkg/snapshot"
)

// mockS3Server serves path-style S3 requests from memory.
type mockS3Server struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMockS3Server() *mockS3Server {
	return &mockS3Server{objects: make(map[string][]byte)}
}

func (m *mockS3Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
	bucket := parts[0]
	key := ""
	if len(parts) > 1 {
		key = parts[1]
	}

	if key == "" && r.URL.Query().Get("list-type") == "2" {
		m.handleList(w, r, bucket)
		return
	}

	fullKey := bucket + "/" + key
	switch r.Method {
	case http.MethodGet:
		data, ok := m.objects[fullKey]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	case http.MethodHead:
		if _, ok := m.objects[fullKey]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		delete(m.objects, fullKey)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (m *mockS3Server) handleList(w http.ResponseWriter, r *http.Request, bucket string) {
	prefix := r.URL.Query().Get("prefix")

	var keys []string
	for key := range m.objects {
		objectKey := strings.TrimPrefix(key, bucket+"/")
		if strings.HasPrefix(key, bucket+"/") && strings.HasPrefix(objectKey, prefix) {
			keys = append(keys, objectKey)
		}
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?><ListBucketResult>`)
	fmt.Fprintf(&sb, "<Name>%s</Name><Prefix>%s</Prefix><KeyCount>%d</KeyCount><IsTruncated>false</IsTruncated>", bucket, prefix, len(keys))
	for _, k := range keys {
		fmt.Fprintf(&sb, "<Contents><Key>%s</Key><Size>%d</Size></Contents>", k, len(m.objects[bucket+"/"+k]))
	}
	sb.WriteString(`</ListBucketResult>`)

	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write([]byte(sb.String()))
}

func newTestBackend(t *testing.T, mock *mockS3Server, prefix string) *Backend {
	t.Helper()
	server := httptest.NewServer(mock)
	t.Cleanup(server.Close)

	b, err := NewBackend(map[string]string{
		"bucket":           "state",
		"region":           "us-east-1",
		"key":              prefix,
		"endpoint":         server.URL,
		"access_key":       "test",
		"secret_key":       "test",
		"force_path_style": "true",
	})
	if err != nil {
		t.Fatalf("NewBackend failed: %v", err)
	}
	return b.(*Backend)
}

func TestNewBackend_MissingBucket(t *testing.T) {
	if _, err := NewBackend(map[string]string{}); err == nil {
		t.Fatal("expected error for missing bucket")
	}
}

func TestNewBackend_DefaultRegion(t *testing.T) {
	b, err := NewBackend(map[string]string{"bucket": "state", "access_key": "a", "secret_key": "b"})
	if err != nil {
		t.Fatalf("NewBackend failed: %v", err)
	}
	if got := b.(*Backend).region; got != "us-east-1" {
		t.Errorf("expected default region us-east-1, got %s", got)
	}
	if b.Type() != "s3" {
		t.Errorf("expected type s3, got %s", b.Type())
	}
}

func TestBackend_fullPath(t *testing.T) {
	tests := []struct {
		prefix, path, want string
	}{
		{"", "web/provisioning.json", "web/provisioning.json"},
		{"orchestra", "web/provisioning.json", "orchestra/web/provisioning.json"},
	}
	for _, tt := range tests {
		b := &Backend{prefix: tt.prefix}
		if got := b.fullPath(tt.path); got != tt.want {
			t.Errorf("fullPath(%q) with prefix %q = %q, want %q", tt.path, tt.prefix, got, tt.want)
		}
		if got := b.relPath(tt.want); got != tt.path {
			t.Errorf("relPath(%q) = %q, want %q", tt.want, got, tt.path)
		}
	}
}

func TestBackend_ReadExists(t *testing.T) {
	mock := newMockS3Server()
	mock.objects["state/orchestra/web/provisioning.json"] = []byte(`{"deployment":"web"}`)
	b := newTestBackend(t, mock, "orchestra")
	ctx := context.Background()

	rc, err := b.Read(ctx, "web/provisioning.json")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != `{"deployment":"web"}` {
		t.Errorf("unexpected content %q", data)
	}

	if _, err := b.Read(ctx, "web/missing.json"); !errors.Is(err, snapshot.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	exists, err := b.Exists(ctx, "web/provisioning.json")
	if err != nil || !exists {
		t.Errorf("expected object to exist, got %v, %v", exists, err)
	}
	exists, err = b.Exists(ctx, "web/missing.json")
	if err != nil || exists {
		t.Errorf("expected object to be missing, got %v, %v", exists, err)
	}
}

func TestBackend_ListDelete(t *testing.T) {
	mock := newMockS3Server()
	mock.objects["state/orchestra/web/provisioning.json"] = []byte(`{}`)
	mock.objects["state/orchestra/web/history/o-1/provisioning.json"] = []byte(`{}`)
	mock.objects["state/orchestra/db/provisioning.json"] = []byte(`{}`)
	b := newTestBackend(t, mock, "orchestra")
	ctx := context.Background()

	paths, err := b.List(ctx, "web")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	want := "web/history/o-1/provisioning.json,web/provisioning.json"
	if got := strings.Join(paths, ","); got != want {
		t.Errorf("List = %s, want %s", got, want)
	}

	if err := b.Delete(ctx, "web/provisioning.json"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	mock.mu.Lock()
	_, still := mock.objects["state/orchestra/web/provisioning.json"]
	mock.mu.Unlock()
	if still {
		t.Error("expected object deleted")
	}
}
