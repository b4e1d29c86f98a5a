package entrydb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/vaultsync/vaultsync/docsync"
	_ "modernc.org/sqlite"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "entries.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestPutGetEntry(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	err := d.PutEntry(ctx, docsync.FullEntry{
		ID: "note.md", Rev: "1-a", Path: "note.md",
		Data: []byte("# hello"), MTime: 1700000000,
	})
	if err != nil {
		t.Fatal(err)
	}

	entry, err := d.GetFullEntry(ctx, docsync.ChangeRecord{ID: "note.md"}, false, true)
	if err != nil {
		t.Fatal(err)
	}
	if entry == nil {
		t.Fatal("entry not found")
	}
	if string(entry.Data) != "# hello" || entry.Rev != "1-a" || entry.Binary {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}

func TestGetFullEntry_Unknown(t *testing.T) {
	d := testDB(t)
	entry, err := d.GetFullEntry(context.Background(), docsync.ChangeRecord{ID: "nope"}, false, true)
	if err != nil {
		t.Fatal(err)
	}
	if entry != nil {
		t.Fatalf("expected nil, got %+v", entry)
	}
}

func TestGetFullEntry_DeletedVisibility(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	d.PutEntry(ctx, docsync.FullEntry{ID: "gone.md", Rev: "2-b", Path: "gone.md", Deleted: true})

	entry, err := d.GetFullEntry(ctx, docsync.ChangeRecord{ID: "gone.md"}, false, false)
	if err != nil || entry != nil {
		t.Fatalf("deleted entry should be hidden: %+v %v", entry, err)
	}

	entry, err = d.GetFullEntry(ctx, docsync.ChangeRecord{ID: "gone.md"}, true, false)
	if err != nil {
		t.Fatal(err)
	}
	if entry == nil || !entry.Deleted || entry.Path != "gone.md" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}

func TestGetFullEntry_WantDataFalse(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	d.PutEntry(ctx, docsync.FullEntry{ID: "big.md", Rev: "1-a", Path: "big.md", Data: []byte("payload")})

	entry, err := d.GetFullEntry(ctx, docsync.ChangeRecord{ID: "big.md"}, false, false)
	if err != nil {
		t.Fatal(err)
	}
	if entry == nil || entry.Data != nil {
		t.Fatalf("expected metadata without data, got %+v", entry)
	}
}

func TestBinaryKindRoundTrip(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	d.PutEntry(ctx, docsync.FullEntry{ID: "img.png", Rev: "1-a", Path: "img.png", Binary: true, Data: []byte{0x89, 0x50}})
	entry, err := d.GetFullEntry(ctx, docsync.ChangeRecord{ID: "img.png"}, false, true)
	if err != nil {
		t.Fatal(err)
	}
	if !entry.Binary || len(entry.Data) != 2 {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}

func TestAppliedLedger(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	rev, err := d.AppliedRev(ctx, "note.md")
	if err != nil || rev != "" {
		t.Fatalf("fresh id: %q %v", rev, err)
	}

	if err := d.MarkApplied(ctx, "note.md", "1-a"); err != nil {
		t.Fatal(err)
	}
	rev, _ = d.AppliedRev(ctx, "note.md")
	if rev != "1-a" {
		t.Fatalf("got %q", rev)
	}

	// Newer revision replaces the ledger row.
	if err := d.MarkApplied(ctx, "note.md", "2-b"); err != nil {
		t.Fatal(err)
	}
	rev, _ = d.AppliedRev(ctx, "note.md")
	if rev != "2-b" {
		t.Fatalf("got %q", rev)
	}
}

func TestEntryCount(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	d.PutEntry(ctx, docsync.FullEntry{ID: "a", Rev: "1", Path: "a"})
	d.PutEntry(ctx, docsync.FullEntry{ID: "b", Rev: "1", Path: "b"})
	n, err := d.EntryCount(ctx)
	if err != nil || n != 2 {
		t.Fatalf("got %d, %v", n, err)
	}
}
