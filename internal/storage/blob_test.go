package storage

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/cloudimg/azimg/internal/httpclient"
)

// blobServer is a minimal fake of the blob REST surface.
type blobServer struct {
	mu       sync.Mutex
	creates  []http.Header
	pages    map[string][]byte
	blocks   map[string][]byte
	commits  int
	existing map[string]bool
}

func newBlobServer() *blobServer {
	return &blobServer{
		pages:    make(map[string][]byte),
		blocks:   make(map[string][]byte),
		existing: make(map[string]bool),
	}
}

func (s *blobServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		switch {
		case r.Method == http.MethodHead:
			if s.existing[r.URL.Path] {
				w.WriteHeader(http.StatusOK)
			} else {
				w.WriteHeader(http.StatusNotFound)
			}
		case r.Method == http.MethodDelete:
			if s.existing[r.URL.Path] {
				delete(s.existing, r.URL.Path)
				w.WriteHeader(http.StatusAccepted)
			} else {
				w.WriteHeader(http.StatusNotFound)
			}
		case r.Method == http.MethodPut && r.URL.Query().Get("comp") == "page":
			body := new(bytes.Buffer)
			body.ReadFrom(r.Body)
			s.pages[r.Header.Get("Range")] = body.Bytes()
			w.WriteHeader(http.StatusCreated)
		case r.Method == http.MethodPut && r.URL.Query().Get("comp") == "block":
			body := new(bytes.Buffer)
			body.ReadFrom(r.Body)
			s.blocks[r.URL.Query().Get("blockid")] = body.Bytes()
			w.WriteHeader(http.StatusCreated)
		case r.Method == http.MethodPut && r.URL.Query().Get("comp") == "blocklist":
			s.commits++
			w.WriteHeader(http.StatusCreated)
		case r.Method == http.MethodPut:
			s.creates = append(s.creates, r.Header.Clone())
			s.existing[r.URL.Path] = true
			w.WriteHeader(http.StatusCreated)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})
}

func newBlobTestClient(t *testing.T) (*Client, *blobServer) {
	t.Helper()
	server := newBlobServer()
	ts := httptest.NewServer(server.handler())
	t.Cleanup(ts.Close)

	exec := httpclient.NewExecutor(ts.Client(), httpclient.Backoff{}, zerolog.Nop())
	client := NewClientWithSAS("testaccount", "sv=2021&sig=abc", exec, zerolog.Nop())
	client.baseURL = ts.URL
	return client, server
}

func TestUploadPageBlob(t *testing.T) {
	client, server := newBlobTestClient(t)

	// Two chunks: one of data, one of zeros that must be skipped.
	payload := append(bytes.Repeat([]byte{1}, chunkSize), make([]byte, chunkSize)...)
	err := client.Upload(context.Background(), "vhds", "image.vhd", bytes.NewReader(payload), int64(len(payload)), PageBlob, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(server.creates) != 1 {
		t.Fatalf("expected one create call, got %d", len(server.creates))
	}
	create := server.creates[0]
	if got := create.Get("x-ms-blob-type"); got != "PageBlob" {
		t.Errorf("x-ms-blob-type = %q, want PageBlob", got)
	}
	if got := create.Get("x-ms-blob-content-length"); got != "8388608" {
		t.Errorf("x-ms-blob-content-length = %q, want 8388608", got)
	}

	if len(server.pages) != 1 {
		t.Fatalf("expected one page range (zero pages skipped), got %d", len(server.pages))
	}
	if _, ok := server.pages["bytes=0-4194303"]; !ok {
		t.Errorf("missing page range for first chunk, got %v", keys(server.pages))
	}
}

func TestUploadPageBlobRejectsUnalignedSize(t *testing.T) {
	client, _ := newBlobTestClient(t)

	err := client.Upload(context.Background(), "vhds", "image.vhd", strings.NewReader("abc"), 3, PageBlob, 1)
	if err == nil || !strings.Contains(err.Error(), "aligned") {
		t.Errorf("expected alignment error, got %v", err)
	}
}

func TestUploadBlockBlob(t *testing.T) {
	client, server := newBlobTestClient(t)

	payload := bytes.Repeat([]byte{9}, chunkSize+100)
	err := client.Upload(context.Background(), "files", "image.tar.xz", bytes.NewReader(payload), int64(len(payload)), BlockBlob, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(server.blocks) != 2 {
		t.Errorf("expected 2 staged blocks, got %d", len(server.blocks))
	}
	if server.commits != 1 {
		t.Errorf("expected 1 block list commit, got %d", server.commits)
	}

	var total int
	for _, block := range server.blocks {
		total += len(block)
	}
	if total != len(payload) {
		t.Errorf("staged %d bytes, want %d", total, len(payload))
	}
}

func TestExists(t *testing.T) {
	client, server := newBlobTestClient(t)
	server.existing["/vhds/present.vhd"] = true

	exists, err := client.Exists(context.Background(), "vhds", "present.vhd")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !exists {
		t.Error("expected blob to exist")
	}

	exists, err = client.Exists(context.Background(), "vhds", "absent.vhd")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exists {
		t.Error("expected blob to be absent")
	}
}

func TestDelete(t *testing.T) {
	client, server := newBlobTestClient(t)
	server.existing["/vhds/old.vhd"] = true

	if err := client.Delete(context.Background(), "vhds", "old.vhd"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := client.Delete(context.Background(), "vhds", "old.vhd")
	if !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound, got %v", err)
	}
}

func keys(m map[string][]byte) []string {
	var out []string
	for k := range m {
		out = append(out, k)
	}
	return out
}
