package txn

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/tokuhirom/murodb/murodberr"
	"github.com/tokuhirom/murodb/storage"
)

func openTestPager(t *testing.T) *storage.Pager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	p, err := storage.Open(path, "pw", storage.ReadWrite)
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestCommitPersistsPageAndMeta(t *testing.T) {
	p := openTestPager(t)

	tx := Begin(p)
	id, err := tx.AllocatePage()
	if err != nil {
		t.Fatalf("AllocatePage: %v", err)
	}
	var img [storage.PageSize]byte
	copy(img[:], "row one")
	tx.WritePage(id, img)
	tx.SetMeta(42)

	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, err := p.GetPage(id)
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	if string(got.Data[:7]) != "row one" {
		t.Fatalf("page mismatch: got %q", got.Data[:7])
	}
	if p.CatalogRoot() != 42 {
		t.Fatalf("catalog root = %d, want 42", p.CatalogRoot())
	}
}

func TestRollbackUndoesAllocation(t *testing.T) {
	p := openTestPager(t)
	countBefore := p.PageCount()

	tx := Begin(p)
	id, err := tx.AllocatePage()
	if err != nil {
		t.Fatalf("AllocatePage: %v", err)
	}
	var img [storage.PageSize]byte
	copy(img[:], "never committed")
	tx.WritePage(id, img)
	tx.Rollback()

	// The dirty buffer never reached disk, and the page_count
	// reservation taken by AllocatePage is undone too: the slot is not
	// left permanently reserved-but-unreachable.
	if p.PageCount() != countBefore {
		t.Fatalf("page_count = %d after rollback, want %d", p.PageCount(), countBefore)
	}
	if _, err := p.GetPage(id); !errors.Is(err, murodberr.ErrOutOfRange) {
		t.Fatalf("GetPage after rollback: got %v, want ErrOutOfRange", err)
	}
}

func TestRollbackReturnsFreelistAllocationToFreelist(t *testing.T) {
	p := openTestPager(t)

	// Free a page first so the next AllocatePage pops it from the
	// freelist instead of extending page_count.
	tx0 := Begin(p)
	extra, err := tx0.AllocatePage()
	if err != nil {
		t.Fatalf("AllocatePage: %v", err)
	}
	tx0.SetMeta(0)
	if err := tx0.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	tx1 := Begin(p)
	tx1.FreePage(extra)
	tx1.SetMeta(0)
	if err := tx1.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if n := len(p.FreelistSnapshot()); n != 1 {
		t.Fatalf("freelist snapshot len = %d, want 1", n)
	}

	tx2 := Begin(p)
	reused, err := tx2.AllocatePage()
	if err != nil {
		t.Fatalf("AllocatePage: %v", err)
	}
	if reused != extra {
		t.Fatalf("expected freelist reuse of page %d, got %d", extra, reused)
	}
	if n := len(p.FreelistSnapshot()); n != 0 {
		t.Fatalf("freelist snapshot len = %d after allocate, want 0", n)
	}
	tx2.Rollback()

	if n := len(p.FreelistSnapshot()); n != 1 {
		t.Fatalf("freelist snapshot len = %d after rollback, want 1", n)
	}
}

func TestCommitSurvivesReopenAcrossCrashSimulation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	p, err := storage.Open(path, "pw", storage.ReadWrite)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	tx := Begin(p)
	id, err := tx.AllocatePage()
	if err != nil {
		t.Fatalf("AllocatePage: %v", err)
	}
	var img [storage.PageSize]byte
	copy(img[:], "durable row")
	tx.WritePage(id, img)
	tx.SetMeta(7)
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	p2, err := storage.Open(path, "pw", storage.ReadWrite)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer p2.Close()

	got, err := p2.GetPage(id)
	if err != nil {
		t.Fatalf("GetPage after reopen: %v", err)
	}
	if string(got.Data[:11]) != "durable row" {
		t.Fatalf("page not durable across reopen: got %q", got.Data[:11])
	}
	if p2.CatalogRoot() != 7 {
		t.Fatalf("catalog root not durable: got %d, want 7", p2.CatalogRoot())
	}
}

func TestDoubleCommitReturnsError(t *testing.T) {
	p := openTestPager(t)
	tx := Begin(p)
	tx.SetMeta(0)
	if err := tx.Commit(); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if err := tx.Commit(); err == nil {
		t.Fatalf("expected second commit to fail")
	}
}

// S6 (freelist reuse): allocate to page_count=10, free pages 7, 3, 5
// in that order, commit, then allocate 3 more pages. They must come
// back LIFO: 5, 3, 7. page_count must not grow.
func TestFreelistReuseIsLIFO(t *testing.T) {
	p := openTestPager(t)

	tx := Begin(p)
	var lastID uint64
	for lastID < 9 {
		id, err := tx.AllocatePage()
		if err != nil {
			t.Fatalf("AllocatePage: %v", err)
		}
		lastID = id
	}
	tx.SetMeta(0)
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit initial allocation: %v", err)
	}
	pageCountBefore := p.PageCount()
	if pageCountBefore != 10 {
		t.Fatalf("page_count = %d, want 10", pageCountBefore)
	}

	tx2 := Begin(p)
	tx2.FreePage(7)
	tx2.FreePage(3)
	tx2.FreePage(5)
	tx2.SetMeta(0)
	if err := tx2.Commit(); err != nil {
		t.Fatalf("commit frees: %v", err)
	}

	tx3 := Begin(p)
	var got []uint64
	for i := 0; i < 3; i++ {
		id, err := tx3.AllocatePage()
		if err != nil {
			t.Fatalf("AllocatePage: %v", err)
		}
		got = append(got, id)
	}
	tx3.SetMeta(0)
	if err := tx3.Commit(); err != nil {
		t.Fatalf("commit reallocation: %v", err)
	}

	want := []uint64{5, 3, 7}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	if p.PageCount() != pageCountBefore {
		t.Fatalf("page_count grew from %d to %d on reuse", pageCountBefore, p.PageCount())
	}
}

func TestCommitAbortedWhenNoWALAttached(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	p, err := storage.Open(path, "pw", storage.ReadOnly)
	if err == nil {
		p.Close()
		t.Fatalf("expected opening a nonexistent database read-only to fail")
	}

	rw, err := storage.Open(path, "pw", storage.ReadWrite)
	if err != nil {
		t.Fatalf("Open read-write: %v", err)
	}
	rw.Close()

	ro, err := storage.Open(path, "pw", storage.ReadOnly)
	if err != nil {
		t.Fatalf("Open read-only: %v", err)
	}
	defer ro.Close()

	tx := Begin(ro)
	tx.SetMeta(0)
	if err := tx.Commit(); err == nil {
		t.Fatalf("expected commit against a WAL-less pager to fail")
	} else if !errors.Is(err, murodberr.ErrCommitAborted) {
		t.Fatalf("expected ErrCommitAborted, got %v", err)
	}
}
