package cognition

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vthunder/medulla/internal/plugin"
	"github.com/vthunder/medulla/internal/storage"
)

// taskKey is where the task book lives in the shared store.
const taskKey = "motor-tasks"

// Task is one commitment the agent manages through its tools.
type Task struct {
	ID        string     `json:"id"`
	Text      string     `json:"text"`
	Due       *time.Time `json:"due,omitempty"`
	Priority  int        `json:"priority"` // 1 = highest
	Status    string     `json:"status"`   // pending, done
	CreatedAt time.Time  `json:"createdAt"`
}

// TaskBook is a durable task list. Every mutation persists
// synchronously.
type TaskBook struct {
	store storage.Store

	mu    sync.Mutex
	tasks map[string]*Task
}

// NewTaskBook opens the task book, loading persisted tasks.
func NewTaskBook(store storage.Store) (*TaskBook, error) {
	b := &TaskBook{
		store: store,
		tasks: make(map[string]*Task),
	}
	raw, ok, err := store.Get(taskKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load tasks: %w", err)
	}
	if ok {
		var tasks []*Task
		if err := json.Unmarshal(raw, &tasks); err != nil {
			return nil, fmt.Errorf("failed to decode tasks: %w", err)
		}
		for _, t := range tasks {
			b.tasks[t.ID] = t
		}
	}
	return b, nil
}

// Add creates a pending task.
func (b *TaskBook) Add(text string, due *time.Time, priority int) (*Task, error) {
	if text == "" {
		return nil, fmt.Errorf("task needs text")
	}
	if priority <= 0 {
		priority = 3
	}
	t := &Task{
		ID:        uuid.NewString(),
		Text:      text,
		Due:       due,
		Priority:  priority,
		Status:    "pending",
		CreatedAt: time.Now().UTC(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.tasks[t.ID] = t
	if err := b.persistLocked(); err != nil {
		delete(b.tasks, t.ID)
		return nil, err
	}
	return t, nil
}

// Complete marks a task done. Returns whether it existed and was
// pending.
func (b *TaskBook) Complete(id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.tasks[id]
	if !ok || t.Status == "done" {
		return false, nil
	}
	t.Status = "done"
	if err := b.persistLocked(); err != nil {
		t.Status = "pending"
		return false, err
	}
	return true, nil
}

// Pending returns open tasks sorted by priority, then due date, then
// age.
func (b *TaskBook) Pending() []*Task {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*Task, 0, len(b.tasks))
	for _, t := range b.tasks {
		if t.Status != "done" {
			copied := *t
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		di, dj := out[i].Due, out[j].Due
		if (di == nil) != (dj == nil) {
			return di != nil
		}
		if di != nil && !di.Equal(*dj) {
			return di.Before(*dj)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// DueBy returns open tasks due at or before the deadline.
func (b *TaskBook) DueBy(deadline time.Time) []*Task {
	var out []*Task
	for _, t := range b.Pending() {
		if t.Due != nil && !t.Due.After(deadline) {
			out = append(out, t)
		}
	}
	return out
}

func (b *TaskBook) persistLocked() error {
	tasks := make([]*Task, 0, len(b.tasks))
	for _, t := range b.tasks {
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })

	raw, err := json.Marshal(tasks)
	if err != nil {
		return fmt.Errorf("failed to encode tasks: %w", err)
	}
	if err := b.store.Set(taskKey, raw); err != nil {
		return fmt.Errorf("failed to persist tasks: %w", err)
	}
	return nil
}

// RegisterTaskTools wires the task book into the tool registry as
// task_add, task_list and task_complete.
func RegisterTaskTools(reg *ToolRegistry, book *TaskBook) error {
	tools := []plugin.ToolSpec{
		{
			Name:        "task_add",
			Description: "Add a task to your list",
			Params: map[string]plugin.ParamSpec{
				"text":     {Type: "string", Description: "what to do", Required: true},
				"due":      {Type: "string", Description: "RFC3339 due time, optional"},
				"priority": {Type: "number", Description: "1 (highest) to 5, default 3"},
			},
			Handler: func(_ context.Context, args map[string]any) (string, error) {
				text, _ := args["text"].(string)
				var due *time.Time
				if s, ok := args["due"].(string); ok && s != "" {
					parsed, err := time.Parse(time.RFC3339, s)
					if err != nil {
						return "", fmt.Errorf("due must be RFC3339: %v", err)
					}
					due = &parsed
				}
				priority := 0
				if p, ok := args["priority"].(float64); ok {
					priority = int(p)
				}
				t, err := book.Add(text, due, priority)
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("added task %s", t.ID), nil
			},
		},
		{
			Name:        "task_list",
			Description: "List your open tasks",
			Params:      map[string]plugin.ParamSpec{},
			Handler: func(_ context.Context, _ map[string]any) (string, error) {
				pending := book.Pending()
				if len(pending) == 0 {
					return "no open tasks", nil
				}
				raw, err := json.Marshal(pending)
				if err != nil {
					return "", err
				}
				return string(raw), nil
			},
		},
		{
			Name:        "task_complete",
			Description: "Mark a task done",
			Params: map[string]plugin.ParamSpec{
				"id": {Type: "string", Description: "task id from task_list", Required: true},
			},
			Handler: func(_ context.Context, args map[string]any) (string, error) {
				id, _ := args["id"].(string)
				ok, err := book.Complete(id)
				if err != nil {
					return "", err
				}
				if !ok {
					return "", fmt.Errorf("no open task %s", id)
				}
				return "done", nil
			},
		},
	}
	for _, t := range tools {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}
