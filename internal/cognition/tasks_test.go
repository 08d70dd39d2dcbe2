package cognition

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/vthunder/medulla/internal/storage"
)

// TestTaskBookLifecycle verifies add, ordering, completion and
// persistence across a reopen.
func TestTaskBookLifecycle(t *testing.T) {
	store := storage.NewMemoryStore()
	book, err := NewTaskBook(store)
	if err != nil {
		t.Fatal(err)
	}

	due := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	low, err := book.Add("water the plants", nil, 4)
	if err != nil {
		t.Fatal(err)
	}
	high, err := book.Add("reply to sam", &due, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := book.Add("", nil, 0); err == nil {
		t.Error("empty task accepted")
	}

	pending := book.Pending()
	if len(pending) != 2 || pending[0].ID != high.ID || pending[1].ID != low.ID {
		t.Fatalf("pending order = %+v", pending)
	}

	dueTasks := book.DueBy(due)
	if len(dueTasks) != 1 || dueTasks[0].ID != high.ID {
		t.Errorf("dueBy = %+v", dueTasks)
	}

	ok, err := book.Complete(high.ID)
	if err != nil || !ok {
		t.Fatalf("complete = %v, %v", ok, err)
	}
	if ok, _ := book.Complete(high.ID); ok {
		t.Error("double completion reported success")
	}
	if ok, _ := book.Complete("missing"); ok {
		t.Error("completing a missing task reported success")
	}

	// Reopen from the same store.
	book2, err := NewTaskBook(store)
	if err != nil {
		t.Fatal(err)
	}
	pending = book2.Pending()
	if len(pending) != 1 || pending[0].ID != low.ID {
		t.Errorf("reopened pending = %+v", pending)
	}
}

// TestTaskTools verifies the registered tool handlers end to end.
func TestTaskTools(t *testing.T) {
	store := storage.NewMemoryStore()
	book, _ := NewTaskBook(store)
	reg := NewToolRegistry()
	if err := RegisterTaskTools(reg, book); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	out, err := reg.Execute(ctx, "task_add", `{"text":"call the dentist","priority":2}`, 0)
	if err != nil || !strings.HasPrefix(out, "added task ") {
		t.Fatalf("task_add = %q, %v", out, err)
	}
	id := strings.TrimPrefix(out, "added task ")

	if _, err := reg.Execute(ctx, "task_add", `{"text":"x","due":"not-a-time"}`, 0); err == nil {
		t.Error("bad due accepted")
	}

	out, err = reg.Execute(ctx, "task_list", `{}`, 0)
	if err != nil || !strings.Contains(out, "call the dentist") {
		t.Fatalf("task_list = %q, %v", out, err)
	}

	if _, err := reg.Execute(ctx, "task_complete", `{"id":"`+id+`"}`, 0); err != nil {
		t.Fatal(err)
	}
	out, _ = reg.Execute(ctx, "task_list", `{}`, 0)
	if out != "no open tasks" {
		t.Errorf("after completion: %q", out)
	}
}
