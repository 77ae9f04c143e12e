package project

import (
	"context"
	"path/filepath"
	"testing"
)

func TestStoreUpsertAndGet(t *testing.T) {
	s, err := OpenStore(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	row := ProjectIndexRow{ID: "p1", Name: "lab1", Path: "/tmp/p1", Status: "opened"}
	if err := s.Upsert(ctx, row); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, ok, err := s.Get(ctx, "p1")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got != row {
		t.Fatalf("got %+v, want %+v", got, row)
	}
}

func TestStoreUpdateStatus(t *testing.T) {
	s, err := OpenStore(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	s.Upsert(ctx, ProjectIndexRow{ID: "p1", Name: "lab1", Path: "/tmp/p1", Status: "opened"})
	if err := s.UpdateStatus(ctx, "p1", "closed"); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	got, _, _ := s.Get(ctx, "p1")
	if got.Status != "closed" {
		t.Fatalf("got status %q, want closed", got.Status)
	}
}

func TestStoreListOrdersByName(t *testing.T) {
	s, err := OpenStore(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	s.Upsert(ctx, ProjectIndexRow{ID: "p2", Name: "zzz", Path: "/tmp/p2", Status: "opened"})
	s.Upsert(ctx, ProjectIndexRow{ID: "p1", Name: "aaa", Path: "/tmp/p1", Status: "opened"})

	rows, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rows) != 2 || rows[0].Name != "aaa" {
		t.Fatalf("got %+v, want aaa first", rows)
	}
}

func TestStoreDelete(t *testing.T) {
	s, err := OpenStore(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	s.Upsert(ctx, ProjectIndexRow{ID: "p1", Name: "lab1", Path: "/tmp/p1", Status: "opened"})
	if err := s.Delete(ctx, "p1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, ok, _ := s.Get(ctx, "p1")
	if ok {
		t.Fatal("expected row gone after delete")
	}
}
