package filesystem

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haukened/fleeting/internal/domain"
)

func newID(t *testing.T) string {
	t.Helper()
	id, err := domain.NewID()
	if err != nil {
		t.Fatalf("NewID: %v", err)
	}
	return id.String()
}

func readAll(t *testing.T, b *BlobStore, id string) string {
	t.Helper()
	rc, err := b.Open(id)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return string(data)
}

func TestNewRequiresDirectory(t *testing.T) {
	dir := t.TempDir()
	if _, err := New(filepath.Join(dir, "missing")); err == nil {
		t.Fatalf("expected error for missing dir")
	}
	f := filepath.Join(dir, "file")
	if err := os.WriteFile(f, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := New(f); err == nil {
		t.Fatalf("expected error for non-directory root")
	}
}

func TestWriteOpenCompressible(t *testing.T) {
	dir := t.TempDir()
	b, _ := New(dir)
	id := newID(t)
	text := strings.Repeat("abcabcabc ", 4096)
	if err := b.Write(id, strings.NewReader(text), int64(len(text))); err != nil {
		t.Fatalf("Write: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, id+".blob"))
	if err != nil {
		t.Fatalf("read blob: %v", err)
	}
	if raw[0] != formatLZF {
		t.Fatalf("expected compressed blob, header=%d", raw[0])
	}
	if len(raw) >= len(text) {
		t.Fatalf("compressed blob not smaller: %d >= %d", len(raw), len(text))
	}
	if got := readAll(t, b, id); got != text {
		t.Fatalf("round trip mismatch")
	}
}

func TestWriteOpenIncompressible(t *testing.T) {
	dir := t.TempDir()
	b, _ := New(dir)
	id := newID(t)
	data := []byte{0x01}
	if err := b.Write(id, bytes.NewReader(data), 1); err != nil {
		t.Fatalf("Write: %v", err)
	}
	raw, _ := os.ReadFile(filepath.Join(dir, id+".blob"))
	if raw[0] != formatRaw {
		t.Fatalf("expected raw blob, header=%d", raw[0])
	}
	if got := readAll(t, b, id); got != "\x01" {
		t.Fatalf("round trip mismatch: %q", got)
	}
}

func TestWriteShortReaderRemovesNothing(t *testing.T) {
	dir := t.TempDir()
	b, _ := New(dir)
	id := newID(t)
	if err := b.Write(id, strings.NewReader("abc"), 10); err == nil {
		t.Fatalf("expected short read error")
	}
	if _, err := os.Stat(filepath.Join(dir, id+".blob")); !os.IsNotExist(err) {
		t.Fatalf("no file may be left behind, err=%v", err)
	}
}

func TestWriteRefusesOverwrite(t *testing.T) {
	b, _ := New(t.TempDir())
	id := newID(t)
	if err := b.Write(id, strings.NewReader("one"), 3); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := b.Write(id, strings.NewReader("two"), 3); err == nil {
		t.Fatalf("expected O_EXCL failure")
	}
}

func TestInvalidIDs(t *testing.T) {
	b, _ := New(t.TempDir())
	for _, id := range []string{"../../etc/passwd", "short", "0123456789ABCDEF0123456789ABCDEF"} {
		if err := b.Write(id, strings.NewReader("x"), 1); err == nil {
			t.Errorf("Write accepted %q", id)
		}
		if _, err := b.Open(id); err == nil {
			t.Errorf("Open accepted %q", id)
		}
		if err := b.Delete(id); err == nil {
			t.Errorf("Delete accepted %q", id)
		}
	}
	if err := b.Delete(""); err != nil {
		t.Fatalf("empty id delete should be a no-op: %v", err)
	}
}

func TestOpenCorrupt(t *testing.T) {
	dir := t.TempDir()
	b, _ := New(dir)
	id := newID(t)
	for _, content := range [][]byte{{}, {9, 1, 2}, {formatLZF}} {
		if err := os.WriteFile(filepath.Join(dir, id+".blob"), content, 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := b.Open(id); err == nil {
			t.Fatalf("expected error for content %v", content)
		}
	}
}

func TestListSkipsFreshAndForeignFiles(t *testing.T) {
	dir := t.TempDir()
	b, _ := New(dir)
	oldID, freshID := newID(t), newID(t)
	for _, id := range []string{oldID, freshID} {
		if err := b.Write(id, strings.NewReader("x"), 1); err != nil {
			t.Fatal(err)
		}
	}
	past := time.Now().Add(-time.Minute)
	if err := os.Chtimes(filepath.Join(dir, oldID+".blob"), past, past); err != nil {
		t.Fatal(err)
	}
	_ = os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600)
	_ = os.Mkdir(filepath.Join(dir, "sub.blob"), 0o700)

	ids, err := b.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != 1 || ids[0] != oldID {
		t.Fatalf("List = %v, want [%s]", ids, oldID)
	}
}
