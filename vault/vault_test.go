package vault

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testDir(t *testing.T) *Dir {
	t.Helper()
	d, err := NewDir(t.TempDir())
	if err != nil {
		t.Fatalf("new dir: %v", err)
	}
	return d
}

func TestWriteReadDelete(t *testing.T) {
	d := testDir(t)

	if err := d.Write("note.md", []byte("# hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := d.Read("note.md")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "# hello" {
		t.Fatalf("got %q", data)
	}

	// Overwrite an existing file.
	if err := d.Write("note.md", []byte("v2")); err != nil {
		t.Fatal(err)
	}
	data, _ = d.Read("note.md")
	if string(data) != "v2" {
		t.Fatalf("got %q after overwrite", data)
	}

	if err := d.Delete("note.md"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	exists, err := d.Exists("note.md")
	if err != nil || exists {
		t.Fatalf("exists after delete: %v %v", exists, err)
	}
}

func TestCreateFolder_Idempotent(t *testing.T) {
	d := testDir(t)
	if err := d.CreateFolder("a/b/c"); err != nil {
		t.Fatal(err)
	}
	// Pre-existing directory is not an error.
	if err := d.CreateFolder("a/b/c"); err != nil {
		t.Fatal(err)
	}
	info, err := d.Stat("a/b/c")
	if err != nil || !info.IsDir() {
		t.Fatalf("stat: %v %v", info, err)
	}
}

func TestPathEscapeRejected(t *testing.T) {
	d := testDir(t)
	for _, bad := range []string{"../outside.md", "a/../../outside.md", "/etc/passwd"} {
		if err := d.Write(bad, []byte("x")); err == nil {
			t.Fatalf("path %q should be rejected", bad)
		}
	}
}

func TestWatcher_RecordsChanges(t *testing.T) {
	d := testDir(t)
	w := NewWatcher(d, WithDebounce(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)

	// Give the watcher time to establish watches.
	time.Sleep(100 * time.Millisecond)

	if err := d.Write("watched.md", []byte("x")); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w.Pending() > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	paths := w.Drain()
	if len(paths) != 1 || paths[0] != "watched.md" {
		t.Fatalf("got %v", paths)
	}
	if w.Pending() != 0 {
		t.Fatal("drain did not clear pending")
	}
}

func TestWatcher_IgnoresDotPaths(t *testing.T) {
	d := testDir(t)
	if err := os.MkdirAll(filepath.Join(d.Root(), ".hidden"), 0o755); err != nil {
		t.Fatal(err)
	}
	w := NewWatcher(d, WithDebounce(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(d.Root(), ".hidden", "secret"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)

	if got := w.Drain(); len(got) != 0 {
		t.Fatalf("dot path recorded: %v", got)
	}
}

func TestWatcher_Mark(t *testing.T) {
	d := testDir(t)
	w := NewWatcher(d)
	w.Mark("manual.md")
	if got := w.Drain(); len(got) != 1 || got[0] != "manual.md" {
		t.Fatalf("got %v", got)
	}
}

func TestWatcher_RequeueRestoresDrained(t *testing.T) {
	d := testDir(t)
	w := NewWatcher(d)
	w.Mark("a.md")
	w.Mark("b.md")

	paths := w.Drain()
	if len(paths) != 2 {
		t.Fatalf("got %v", paths)
	}

	// A failed push hands the drained paths back; they must survive to the
	// next drain, coalesced with anything recorded in between.
	w.Requeue(paths)
	w.Mark("a.md")
	got := w.Drain()
	if len(got) != 2 || got[0] != "a.md" || got[1] != "b.md" {
		t.Fatalf("got %v, want [a.md b.md]", got)
	}
}
