package digest

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReaderKnownVector(t *testing.T) {
	// sha256("abc")
	const want = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	got, n, err := Reader(strings.NewReader("abc"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("n = %d, want 3", n)
	}
	if got != want {
		t.Fatalf("digest = %s, want %s", got, want)
	}
	if !Valid(got) {
		t.Fatalf("Valid(%q) = false", got)
	}
}

func TestFileMatchesReader(t *testing.T) {
	payload := bytes.Repeat([]byte("tinydist"), 4096)
	path := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		t.Fatal(err)
	}

	fromFile, err := File(path)
	if err != nil {
		t.Fatal(err)
	}
	fromReader, _, err := Reader(bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	if fromFile != fromReader {
		t.Fatalf("file digest %s != reader digest %s", fromFile, fromReader)
	}
}

func TestFileMissing(t *testing.T) {
	if _, err := File(filepath.Join(t.TempDir(), "nope")); !os.IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestEqual(t *testing.T) {
	sum, _, _ := Reader(strings.NewReader("x"))
	cases := []struct {
		name     string
		expected string
		actual   string
		want     bool
	}{
		{"same", sum, sum, true},
		{"case and spaces", sum, "  " + strings.ToUpper(sum) + "\n", true},
		{"different", sum, strings.Repeat("0", Size), false},
		{"empty expected", "", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Equal(tc.expected, tc.actual); got != tc.want {
				t.Fatalf("Equal = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestValid(t *testing.T) {
	if Valid("abc") {
		t.Fatal("short string should be invalid")
	}
	if Valid(strings.Repeat("z", Size)) {
		t.Fatal("non-hex string should be invalid")
	}
}
