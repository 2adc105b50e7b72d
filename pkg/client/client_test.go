package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"tinydist/internal/config"
	"tinydist/internal/filestore"
	"tinydist/internal/handler"
	"tinydist/internal/repository"
	"tinydist/internal/service"
	"tinydist/pkg/database"
	"tinydist/pkg/digest"
	"tinydist/pkg/errs"
	"tinydist/pkg/tasks"
)

const testToken = "client-test-token"

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, tasks.FileFinalizedTask) error { return nil }

type testServer struct {
	*httptest.Server
	store *filestore.Store
}

func newTestServer(t *testing.T, wrap func(http.Handler) http.Handler) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	db, err := database.OpenCatalog(config.DatabaseConfig{Driver: "sqlite", DSN: filepath.Join(dir, "catalog.db")})
	if err != nil {
		t.Fatalf("OpenCatalog: %v", err)
	}
	t.Cleanup(func() { database.Close(db) })
	store, err := filestore.New(filepath.Join(dir, "files"))
	if err != nil {
		t.Fatal(err)
	}
	files := repository.NewFileRepository(db)
	chunks := repository.NewChunkRepository(db, nil)
	locks := service.NewKeyLock()
	var h http.Handler = handler.NewRouter(handler.Services{
		Store:     store,
		Files:     files,
		Uploads:   service.NewUploadService(store, files, chunks, nopPublisher{}, locks),
		Retrieval: service.NewRetrievalService(files),
		Verify:    service.NewVerifyService(files),
		Catalog:   service.NewCatalogService(store, files, chunks, nil, locks, 5, 100),
	}, handler.RouterOptions{AuthToken: testToken, StreamBlockSize: 1 << 10})
	if wrap != nil {
		h = wrap(h)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, store: store}
}

func writeFile(t *testing.T, dir, name string, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	rand.New(rand.NewSource(int64(size))).Read(data)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path, data
}

func TestUploadDownloadSingle(t *testing.T) {
	srv := newTestServer(t, nil)
	c := New(Config{ServerURL: srv.URL, AuthToken: testToken, ChunkSize: 1 << 10})
	ctx := context.Background()

	path, data := writeFile(t, t.TempDir(), "small.txt", 700)
	entry, err := c.Upload(ctx, path, "docs")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if entry.Kind != "file" || entry.Category != "docs" || entry.Size != int64(len(data)) {
		t.Fatalf("entry = %+v", entry)
	}

	out := t.TempDir()
	got, err := c.Download(ctx, service.Identifier{ID: entry.ID}, out)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if got.Chunked || got.Name != "small.txt" || got.Path != filepath.Join(out, "small.txt") {
		t.Fatalf("download = %+v", got)
	}
	b, _ := os.ReadFile(got.Path)
	if !bytes.Equal(b, data) {
		t.Fatal("downloaded bytes differ")
	}
	// 临时文件不应残留
	leftovers, _ := filepath.Glob(filepath.Join(out, ".tinydist-*"))
	if len(leftovers) != 0 {
		t.Fatalf("temp files left: %v", leftovers)
	}
}

func TestUploadDownloadChunked(t *testing.T) {
	srv := newTestServer(t, nil)
	c := New(Config{ServerURL: srv.URL, AuthToken: testToken, ChunkSize: 256})
	ctx := context.Background()

	path, data := writeFile(t, t.TempDir(), "big.bin", 256*10+17)
	entry, err := c.Upload(ctx, path, "")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if entry.Kind != "chunked" || len(entry.Parts) != 11 {
		t.Fatalf("entry = %+v", entry)
	}
	sum, _, _ := digest.Reader(bytes.NewReader(data))
	if entry.Checksum != sum {
		t.Fatalf("checksum %s, want %s", entry.Checksum, sum)
	}

	got, err := c.Download(ctx, service.Identifier{Filename: "big.bin"}, t.TempDir())
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if !got.Chunked || got.Size != int64(len(data)) || got.Checksum != sum {
		t.Fatalf("download = %+v", got)
	}
}

func TestUploadResendsMissingChunks(t *testing.T) {
	var (
		mu      sync.Mutex
		dropped bool
		indexes []string
		ids     = map[string]bool{}
	)
	// 第一次收到分片 1 时假装成功但不转发，模拟分片丢失
	wrap := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/api/v1/upload/chunk" {
				next.ServeHTTP(w, r)
				return
			}
			raw, _ := io.ReadAll(r.Body)
			peek := r.Clone(r.Context())
			peek.Body = io.NopCloser(bytes.NewReader(raw))
			peek.ParseMultipartForm(1 << 20)
			idx := peek.FormValue("chunkIndex")

			mu.Lock()
			indexes = append(indexes, idx)
			ids[peek.FormValue("uploadId")] = true
			drop := idx == "1" && !dropped
			if drop {
				dropped = true
			}
			mu.Unlock()
			if drop {
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(`{"code":200,"message":"ok","data":{}}`))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(raw))
			r.ContentLength = int64(len(raw))
			next.ServeHTTP(w, r)
		})
	}
	srv := newTestServer(t, wrap)
	c := New(Config{ServerURL: srv.URL, AuthToken: testToken, ChunkSize: 100})

	path, data := writeFile(t, t.TempDir(), "lossy.bin", 250)
	entry, err := c.Upload(context.Background(), path, "")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if entry.Size != int64(len(data)) {
		t.Fatalf("size = %d", entry.Size)
	}
	want := "0,1,2,1,2"
	if got := strings.Join(indexes, ","); got != want {
		t.Fatalf("chunk order %s, want %s", got, want)
	}
	// 补发沿用同一个会话
	if len(ids) != 1 || ids[""] {
		t.Fatalf("upload ids = %v, want one non-empty id", ids)
	}
}

func TestDownloadIntegrityMismatchKeepsFile(t *testing.T) {
	srv := newTestServer(t, nil)
	c := New(Config{ServerURL: srv.URL, AuthToken: testToken})
	ctx := context.Background()

	path, _ := writeFile(t, t.TempDir(), "doc.txt", 128)
	if _, err := c.Upload(ctx, path, ""); err != nil {
		t.Fatal(err)
	}
	// 直接篡改服务端存储的字节
	if err := os.WriteFile(srv.store.SinglePath("doc.txt"), []byte("tampered"), 0o644); err != nil {
		t.Fatal(err)
	}

	out := t.TempDir()
	got, err := c.Download(ctx, service.Identifier{Filename: "doc.txt"}, out)
	if !errors.Is(err, errs.ErrIntegrityMismatch) {
		t.Fatalf("expected integrity mismatch, got %v", err)
	}
	if got == nil {
		t.Fatal("result should be returned with the mismatch")
	}
	b, err := os.ReadFile(filepath.Join(out, "doc.txt"))
	if err != nil || string(b) != "tampered" {
		t.Fatalf("file should be kept, got %q, %v", b, err)
	}
}

func TestClientErrors(t *testing.T) {
	srv := newTestServer(t, nil)
	ctx := context.Background()

	bad := New(Config{ServerURL: srv.URL, AuthToken: "nope"})
	if _, err := bad.List(ctx, "", 0); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}

	c := New(Config{ServerURL: srv.URL, AuthToken: testToken})
	if _, err := c.Download(ctx, service.Identifier{ID: 42}, t.TempDir()); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := c.Verify(ctx, "ghost", strings.Repeat("0", digest.Size)); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListDeleteReconcile(t *testing.T) {
	srv := newTestServer(t, nil)
	c := New(Config{ServerURL: srv.URL, AuthToken: testToken})
	ctx := context.Background()
	dir := t.TempDir()

	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		path, _ := writeFile(t, dir, name, 64)
		if _, err := c.Upload(ctx, path, "misc"); err != nil {
			t.Fatal(err)
		}
	}
	files, err := c.List(ctx, "misc", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Fatalf("len = %d", len(files))
	}

	sum, err := c.VerifyFile(ctx, filepath.Join(dir, "a.txt"))
	if err != nil || !digest.Valid(sum) {
		t.Fatalf("VerifyFile: %s %v", sum, err)
	}

	res, err := c.Delete(ctx, service.DeleteRequest{Filename: "a.txt", KeepFile: true})
	if err != nil || res.Deleted != 1 {
		t.Fatalf("Delete: %+v %v", res, err)
	}

	report, err := c.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Entries != 2 || len(report.Orphans) != 1 || filepath.Base(report.Orphans[0]) != "a.txt" {
		t.Fatalf("report = %+v", report)
	}

	sweep, err := c.Sweep(ctx, -1)
	if err != nil || sweep == nil {
		t.Fatalf("Sweep: %+v %v", sweep, err)
	}
}

func TestLoadEnv(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	content := "SERVER_URL=http://files.example:9000\nAUTH_TOKEN=from-file\nCHUNK_SIZE=1024\n"
	if err := os.WriteFile(envFile, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AUTH_TOKEN", "from-env")

	cfg, err := LoadEnv(envFile)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ServerURL != "http://files.example:9000" || cfg.AuthToken != "from-env" || cfg.ChunkSize != 1024 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadEnvRequiresToken(t *testing.T) {
	t.Setenv("AUTH_TOKEN", "")
	if _, err := LoadEnv(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Fatal("expected error without AUTH_TOKEN")
	}
}

func TestBarRenders(t *testing.T) {
	var buf bytes.Buffer
	bar := NewBar(&buf)
	bar.Start("file.bin", 2048)
	bar.Add(1024)
	bar.Add(1024)
	bar.Done(nil)
	out := buf.String()
	if !strings.Contains(out, "file.bin") || !strings.Contains(out, "100%") || !strings.HasSuffix(out, "\n") {
		t.Fatalf("unexpected output %q", out)
	}
}
