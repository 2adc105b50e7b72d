package filestore

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"tinydist/internal/model"
	"tinydist/pkg/digest"
	"tinydist/pkg/errs"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "files"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

const testUploadID = "u1"

func writePart(t *testing.T, s *Store, name string, index int, r io.Reader) string {
	t.Helper()
	staged, err := s.Stage(r)
	if err != nil {
		t.Fatal(err)
	}
	path, err := s.CommitPart(staged, name, testUploadID, index)
	if err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCleanName(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"report.bin", "report.bin", false},
		{"../../etc/passwd", "passwd", false},
		{`C:\Users\me\photo.jpg`, "photo.jpg", false},
		{"  spaced.txt ", "spaced.txt", false},
		{"", "", true},
		{"..", "", true},
		{".trash", "", true},
		{".tmp", "", true},
		{"report_chunks", "", true},
	}
	for _, tc := range cases {
		got, err := CleanName(tc.in)
		if tc.wantErr {
			if !errors.Is(err, errs.ErrInvalidRequest) {
				t.Errorf("CleanName(%q) err = %v, want ErrInvalidRequest", tc.in, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("CleanName(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
	}
}

func TestPartNamesSortNumerically(t *testing.T) {
	names := PartNames("f.bin", testUploadID, 120)
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	for i := range names {
		if names[i] != sorted[i] {
			t.Fatalf("lexicographic order differs at %d: %s vs %s", i, names[i], sorted[i])
		}
	}
	if got := NameFromStagingDir(filepath.Join("files", "f.bin"+ChunkDirSuffix)); got != "f.bin" {
		t.Fatalf("NameFromStagingDir = %q", got)
	}
}

func TestStageCommitAndChecksum(t *testing.T) {
	s := newStore(t)
	payload := []byte("hello tinydist")
	staged, err := s.Stage(bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	want, _, _ := digest.Reader(bytes.NewReader(payload))
	if staged.Checksum != want || staged.Size != int64(len(payload)) {
		t.Fatalf("staged = %+v, want checksum %s size %d", staged, want, len(payload))
	}
	dst := s.SinglePath("hello.txt")
	if err := staged.CommitTo(dst); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(dst)
	if err != nil || !bytes.Equal(got, payload) {
		t.Fatalf("committed content = %q, %v", got, err)
	}
	tmp, _ := os.ReadDir(filepath.Join(s.Root(), tmpDirName))
	if len(tmp) != 0 {
		t.Fatalf("tmp dir not empty: %d entries", len(tmp))
	}
}

func TestOpenChunkedConcatenatesDeclaredOrder(t *testing.T) {
	s := newStore(t)
	var want bytes.Buffer
	for i := 0; i < 11; i++ {
		chunk := bytes.Repeat([]byte{byte('a' + i)}, 100+i)
		want.Write(chunk)
		writePart(t, s, "big.bin", i, bytes.NewReader(chunk))
	}
	sf := model.ChunkedFile{Dir: s.StagingDir("big.bin"), Parts: PartNames("big.bin", testUploadID, 11)}
	rc, size, err := Open(sf)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	if size != int64(want.Len()) {
		t.Fatalf("size = %d, want %d", size, want.Len())
	}
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want.Bytes()) {
		t.Fatal("reassembled content differs")
	}
}

func TestOpenMissing(t *testing.T) {
	s := newStore(t)
	if _, _, err := Open(model.SingleFile{Path: s.SinglePath("ghost")}); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("single: err = %v, want ErrNotFound", err)
	}

	writePart(t, s, "x", 0, strings.NewReader("0"))
	sf := model.ChunkedFile{Dir: s.StagingDir("x"), Parts: PartNames("x", testUploadID, 2)}
	if _, _, err := Open(sf); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("chunked: err = %v, want ErrNotFound", err)
	}
}

func TestPartsReaderCloseMidStream(t *testing.T) {
	s := newStore(t)
	for i := 0; i < 3; i++ {
		writePart(t, s, "c", i, strings.NewReader("abcdef"))
	}
	rc, _, err := Open(model.ChunkedFile{Dir: s.StagingDir("c"), Parts: PartNames("c", testUploadID, 3)})
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(rc, buf); err != nil {
		t.Fatal(err)
	}
	if err := rc.Close(); err != nil {
		t.Fatal(err)
	}
	if n, err := rc.Read(buf); n != 0 || err != io.EOF {
		t.Fatalf("read after close = %d, %v", n, err)
	}
}

func TestTrashAndEntries(t *testing.T) {
	s := newStore(t)
	staged, err := s.Stage(strings.NewReader("bye"))
	if err != nil {
		t.Fatal(err)
	}
	path := s.SinglePath("bye.txt")
	if err := staged.CommitTo(path); err != nil {
		t.Fatal(err)
	}
	writePart(t, s, "big", 0, strings.NewReader("x"))

	entries, err := s.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Name != "big"+ChunkDirSuffix || !entries[0].IsDir || entries[1].Name != "bye.txt" {
		t.Fatalf("entries = %+v", entries)
	}

	trashed, err := s.Trash(path)
	if err != nil {
		t.Fatal(err)
	}
	if Exists(path) || !Exists(trashed) {
		t.Fatalf("trash did not move file: %s -> %s", path, trashed)
	}
	if !strings.HasPrefix(filepath.Base(trashed), "bye.txt.") {
		t.Fatalf("unexpected trash name %s", trashed)
	}
	if _, err := s.Trash(path); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("second trash err = %v", err)
	}
}

func TestRemoveStaleParts(t *testing.T) {
	s := newStore(t)
	for i := 0; i < 4; i++ {
		writePart(t, s, "r", i, strings.NewReader("z"))
	}
	removed, err := s.RemoveStaleParts(s.StagingDir("r"), PartNames("r", testUploadID, 2))
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 2 {
		t.Fatalf("removed = %v", removed)
	}
	left, _ := os.ReadDir(s.StagingDir("r"))
	if len(left) != 2 {
		t.Fatalf("left = %d files", len(left))
	}
}

func TestStatAndRemoveTemp(t *testing.T) {
	s := newStore(t)
	writePart(t, s, "s", 0, strings.NewReader("12345"))
	size, err := Stat(model.ChunkedFile{Dir: s.StagingDir("s"), Parts: PartNames("s", testUploadID, 1)})
	if err != nil || size != 5 {
		t.Fatalf("Stat = %d, %v", size, err)
	}
	if _, err := Stat(model.SingleFile{Path: s.StagingDir("s")}); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("Stat of dir as single file: %v", err)
	}

	leftover := filepath.Join(s.Root(), tmpDirName, "upload-crashed")
	if err := os.WriteFile(leftover, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	n, err := s.RemoveTempOlderThan(time.Now().Add(time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("RemoveTempOlderThan = %d, %v", n, err)
	}
	if Exists(leftover) {
		t.Fatal("leftover temp file still present")
	}
}

func TestCleanUploadID(t *testing.T) {
	if got, err := CleanUploadID(" 3f2a-b_C9 "); err != nil || got != "3f2a-b_C9" {
		t.Fatalf("CleanUploadID = %q, %v", got, err)
	}
	for _, bad := range []string{"", "../x", "a b", "a.b", strings.Repeat("a", MaxUploadIDLength+1)} {
		if _, err := CleanUploadID(bad); !errors.Is(err, errs.ErrInvalidRequest) {
			t.Fatalf("CleanUploadID(%q) err = %v, want ErrInvalidRequest", bad, err)
		}
	}
}

func TestSessionPartsDoNotOverwrite(t *testing.T) {
	s := newStore(t)
	old := writePart(t, s, "v.bin", 0, strings.NewReader("old"))
	staged, err := s.Stage(strings.NewReader("new"))
	if err != nil {
		t.Fatal(err)
	}
	fresh, err := s.CommitPart(staged, "v.bin", "u2", 0)
	if err != nil {
		t.Fatal(err)
	}
	if old == fresh {
		t.Fatalf("sessions share part path %s", old)
	}
	if got, _ := os.ReadFile(old); string(got) != "old" {
		t.Fatalf("old session part = %q", got)
	}
}

func TestSnapshotRestore(t *testing.T) {
	s := newStore(t)
	path := s.SinglePath("doc.txt")
	if snap, err := s.Snapshot(path); err != nil || snap != "" {
		t.Fatalf("Snapshot of missing file = %q, %v", snap, err)
	}
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}
	snap, err := s.Snapshot(path)
	if err != nil || snap == "" {
		t.Fatalf("Snapshot = %q, %v", snap, err)
	}
	staged, err := s.Stage(strings.NewReader("v2"))
	if err != nil {
		t.Fatal(err)
	}
	if err := staged.CommitTo(path); err != nil {
		t.Fatal(err)
	}
	if err := s.Restore(snap, path); err != nil {
		t.Fatal(err)
	}
	if got, _ := os.ReadFile(path); string(got) != "v1" {
		t.Fatalf("restored content = %q, want v1", got)
	}
	if Exists(snap) {
		t.Fatal("snapshot left behind after restore")
	}

	snap, err = s.Snapshot(path)
	if err != nil {
		t.Fatal(err)
	}
	s.Release(snap)
	if Exists(snap) || !Exists(path) {
		t.Fatal("Release removed the wrong file")
	}
}

func TestRemovePartsOlderThan(t *testing.T) {
	s := newStore(t)
	keep := writePart(t, s, "o", 0, strings.NewReader("k"))
	staleStaged, err := s.Stage(strings.NewReader("s"))
	if err != nil {
		t.Fatal(err)
	}
	stale, err := s.CommitPart(staleStaged, "o", "dead", 0)
	if err != nil {
		t.Fatal(err)
	}
	freshStaged, err := s.Stage(strings.NewReader("f"))
	if err != nil {
		t.Fatal(err)
	}
	fresh, err := s.CommitPart(freshStaged, "o", "live", 0)
	if err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(stale, past, past); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(keep, past, past); err != nil {
		t.Fatal(err)
	}

	removed, err := s.RemovePartsOlderThan(s.StagingDir("o"), PartNames("o", testUploadID, 1), time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 1 || removed[0] != filepath.Base(stale) {
		t.Fatalf("removed = %v, want [%s]", removed, filepath.Base(stale))
	}
	if !Exists(keep) || !Exists(fresh) {
		t.Fatal("declared or recent part was removed")
	}
}
