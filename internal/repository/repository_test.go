package repository

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"tinydist/internal/config"
	"tinydist/internal/model"
	"tinydist/pkg/database"
	"tinydist/pkg/errs"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.OpenCatalog(config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "catalog.db"),
	})
	if err != nil {
		t.Fatalf("OpenCatalog: %v", err)
	}
	t.Cleanup(func() { database.Close(db) })
	return db
}

func entry(name, category string, at time.Time) *model.FileMetadata {
	return &model.FileMetadata{
		Filename:        name,
		Path:            "files/" + name,
		Kind:            model.KindFile,
		Checksum:        "c-" + name,
		Category:        category,
		UploadTimestamp: at,
	}
}

func TestUpsertPreservesID(t *testing.T) {
	ctx := context.Background()
	repo := NewFileRepository(openTestDB(t))
	t0 := time.Now().Add(-time.Hour)

	first, err := repo.Upsert(ctx, entry("a.bin", "default", t0))
	if err != nil {
		t.Fatal(err)
	}
	if err := repo.IncrementAccess(ctx, first.ID, t0); err != nil {
		t.Fatal(err)
	}

	next := &model.FileMetadata{
		Filename:        "a.bin",
		Path:            "files/a.bin_chunks",
		Kind:            model.KindChunked,
		Parts:           []string{"a.bin.part000000", "a.bin.part000001"},
		Size:            42,
		Checksum:        "new",
		Category:        "docs",
		UploadTimestamp: t0.Add(time.Minute),
	}
	second, err := repo.Upsert(ctx, next)
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Fatalf("id changed: %d -> %d", first.ID, second.ID)
	}

	got, err := repo.FindByFilename(ctx, "a.bin")
	if err != nil {
		t.Fatal(err)
	}
	if got.Path != next.Path || got.Checksum != "new" || got.Category != "docs" || got.Kind != model.KindChunked || got.Size != 42 {
		t.Fatalf("entry not updated: %+v", got)
	}
	if !reflect.DeepEqual(got.Parts, next.Parts) {
		t.Fatalf("parts = %v, want %v", got.Parts, next.Parts)
	}
	if got.AccessCount != 1 {
		t.Fatalf("access count reset by upsert: %d", got.AccessCount)
	}
}

func TestConcurrentUpsertSameFilename(t *testing.T) {
	ctx := context.Background()
	repo := NewFileRepository(openTestDB(t))

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			_, err := repo.Upsert(ctx, entry("race.bin", "default", time.Now()))
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	all, err := repo.FindAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("rows = %d, want 1", len(all))
	}
}

func TestListOrderCategoryLimit(t *testing.T) {
	ctx := context.Background()
	repo := NewFileRepository(openTestDB(t))
	base := time.Now().Add(-time.Hour)
	for i, name := range []string{"old", "mid", "new"} {
		cat := "default"
		if name == "mid" {
			cat = "images"
		}
		if _, err := repo.Upsert(ctx, entry(name, cat, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatal(err)
		}
	}

	all, err := repo.List(ctx, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if names(all) != "new,mid,old" {
		t.Fatalf("order = %s", names(all))
	}
	limited, _ := repo.List(ctx, "", 2)
	if names(limited) != "new,mid" {
		t.Fatalf("limited = %s", names(limited))
	}
	filtered, _ := repo.List(ctx, "default", 10)
	if names(filtered) != "new,old" {
		t.Fatalf("filtered = %s", names(filtered))
	}
}

func names(entries []model.FileMetadata) string {
	out := ""
	for i, e := range entries {
		if i > 0 {
			out += ","
		}
		out += e.Filename
	}
	return out
}

func TestDeleteAndFind(t *testing.T) {
	ctx := context.Background()
	repo := NewFileRepository(openTestDB(t))
	a, _ := repo.Upsert(ctx, entry("a", "default", time.Now()))
	b, _ := repo.Upsert(ctx, entry("b", "default", time.Now()))

	n, err := repo.Delete(ctx, a.ID, "b")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("deleted %d rows, want 2", n)
	}
	if _, err := repo.FindByID(ctx, b.ID); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("FindByID after delete: %v", err)
	}
	if _, err := repo.Delete(ctx, 0, ""); !errors.Is(err, errs.ErrInvalidRequest) {
		t.Fatalf("empty delete err = %v", err)
	}
	if n, err := repo.Delete(ctx, 999, ""); err != nil || n != 0 {
		t.Fatalf("delete missing = %d, %v", n, err)
	}
}

func TestIncrementAccessConcurrent(t *testing.T) {
	ctx := context.Background()
	repo := NewFileRepository(openTestDB(t))
	e, _ := repo.Upsert(ctx, entry("hot", "default", time.Now()))

	const workers = 20
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error { return repo.IncrementAccess(ctx, e.ID, time.Now()) })
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	got, _ := repo.FindByID(ctx, e.ID)
	if got.AccessCount != workers {
		t.Fatalf("access count = %d, want %d", got.AccessCount, workers)
	}
	if got.LastAccessed == nil {
		t.Fatal("last accessed not set")
	}
	if err := repo.IncrementAccess(ctx, 12345, time.Now()); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("missing id err = %v", err)
	}
}

func chunk(name, uploadID string, index, total int) *model.ChunkInfo {
	return &model.ChunkInfo{Filename: name, UploadID: uploadID, ChunkIndex: index, TotalChunks: total, Size: 1, StoragePath: "p"}
}

func testChunkRepository(t *testing.T, rdb *redis.Client) {
	ctx := context.Background()
	repo := NewChunkRepository(openTestDB(t), rdb)

	if s, err := repo.Session(ctx, "f"); err != nil || s != nil {
		t.Fatalf("Session before upload = %+v, %v", s, err)
	}
	for _, idx := range []int{0, 2, 9} {
		if err := repo.Record(ctx, chunk("f", "a", idx, 10)); err != nil {
			t.Fatal(err)
		}
	}
	// 重复记录同一分片不会产生重复行
	if err := repo.Record(ctx, chunk("f", "a", 2, 10)); err != nil {
		t.Fatal(err)
	}
	if err := repo.Record(ctx, chunk("f", "a", 3, 12)); !errors.Is(err, errs.ErrInvalidRequest) {
		t.Fatalf("total mismatch err = %v, want ErrInvalidRequest", err)
	}

	got, err := repo.Received(ctx, "f", "a", 10)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []int{0, 2, 9}) {
		t.Fatalf("received = %v", got)
	}
	s, err := repo.Session(ctx, "f")
	if err != nil || s == nil || s.UploadID != "a" || s.TotalChunks != 10 || s.Received != 3 {
		t.Fatalf("Session = %+v, %v", s, err)
	}
	sessions, _ := repo.Sessions(ctx)
	if len(sessions) != 1 || sessions[0].Filename != "f" || sessions[0].LastChunkAt.IsZero() {
		t.Fatalf("sessions = %+v", sessions)
	}

	if err := repo.Reset(ctx, "f"); err != nil {
		t.Fatal(err)
	}
	got, _ = repo.Received(ctx, "f", "a", 10)
	if len(got) != 0 {
		t.Fatalf("received after reset = %v", got)
	}
}

func TestChunkRepositoryDatabaseOnly(t *testing.T) {
	testChunkRepository(t, nil)
}

func TestChunkRepositoryWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	testChunkRepository(t, rdb)
}

func testNewSessionSupersedes(t *testing.T, rdb *redis.Client) {
	ctx := context.Background()
	repo := NewChunkRepository(openTestDB(t), rdb)

	// 旧会话 a 收到 0 和 1 后中断
	for _, idx := range []int{0, 1} {
		if err := repo.Record(ctx, chunk("f", "a", idx, 3)); err != nil {
			t.Fatal(err)
		}
	}
	// 新会话 b 从 1 开始，a 的记录全部作废，包括 chunk 0
	for _, idx := range []int{1, 2} {
		if err := repo.Record(ctx, chunk("f", "b", idx, 3)); err != nil {
			t.Fatal(err)
		}
	}
	got, err := repo.Received(ctx, "f", "b", 3)
	if err != nil || !reflect.DeepEqual(got, []int{1, 2}) {
		t.Fatalf("received(b) = %v, %v", got, err)
	}
	if got, _ := repo.Received(ctx, "f", "a", 3); len(got) != 0 {
		t.Fatalf("received(a) = %v, want none", got)
	}
	s, _ := repo.Session(ctx, "f")
	if s == nil || s.UploadID != "b" || s.Received != 2 {
		t.Fatalf("Session = %+v", s)
	}
	if rdb != nil {
		if n, _ := rdb.Exists(ctx, "upload:f:a").Result(); n != 0 {
			t.Fatal("superseded bitmap still present")
		}
	}

	// ResetSession 只清理指定会话
	if err := repo.ResetSession(ctx, "f", "a"); err != nil {
		t.Fatal(err)
	}
	if s, _ := repo.Session(ctx, "f"); s == nil || s.UploadID != "b" {
		t.Fatalf("Session after resetting other id = %+v", s)
	}
	if err := repo.ResetSession(ctx, "f", "b"); err != nil {
		t.Fatal(err)
	}
	if s, _ := repo.Session(ctx, "f"); s != nil {
		t.Fatalf("Session after reset = %+v", s)
	}
}

func TestNewSessionSupersedesDatabaseOnly(t *testing.T) {
	testNewSessionSupersedes(t, nil)
}

func TestNewSessionSupersedesWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	testNewSessionSupersedes(t, rdb)
}

func TestChunkRepositoryRedisBitmapComplete(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	repo := NewChunkRepository(openTestDB(t), rdb)

	for i := 0; i < 11; i++ {
		if err := repo.Record(ctx, chunk("g", "s1", i, 11)); err != nil {
			t.Fatal(err)
		}
	}
	bit, err := rdb.GetBit(ctx, "upload:g:s1", 10).Result()
	if err != nil || bit != 1 {
		t.Fatalf("bit 10 = %d, %v", bit, err)
	}
	got, err := repo.Received(ctx, "g", "s1", 11)
	if err != nil || len(got) != 11 {
		t.Fatalf("received = %v, %v", got, err)
	}

	// 位图丢失时回退到 chunk_info
	mr.FlushAll()
	got, err = repo.Received(ctx, "g", "s1", 11)
	if err != nil || len(got) != 11 {
		t.Fatalf("received after flush = %v, %v", got, err)
	}
}
