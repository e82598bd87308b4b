// Package tools executes named task operations for the authenticated user.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"todo-chat-agent/internal/domain"
	"todo-chat-agent/internal/repository"
)

var (
	ErrUserIDMismatch = errors.New("tools: user_id does not match the authenticated user")
	ErrUnknownTool    = errors.New("tools: unknown tool")
	ErrInvalidParams  = errors.New("tools: invalid parameters")
)

// Result error codes for store-side failures.
const (
	ErrorNotFound  = "task_not_found"
	ErrorForbidden = "task_forbidden"
	ErrorStore     = "store_unavailable"
)

const statusAll = "all"

// TaskStore is the task collaborator; every call is scoped to userID.
type TaskStore interface {
	CreateTask(ctx context.Context, userID string, in domain.NewTask) (domain.Task, error)
	ListTasks(ctx context.Context, userID, status string) ([]domain.Task, error)
	UpdateTask(ctx context.Context, userID, taskID string, upd domain.TaskUpdate) (domain.Task, error)
	ToggleComplete(ctx context.Context, userID, taskID string) (domain.Task, error)
	DeleteTask(ctx context.Context, userID, taskID string) (domain.Task, error)
}

// Bridge is the tool invocation bridge.
type Bridge struct {
	store  TaskStore
	logger *slog.Logger
}

func NewBridge(store TaskStore, logger *slog.Logger) (*Bridge, error) {
	if store == nil {
		return nil, errors.New("tools: task store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{store: store, logger: logger.With("component", "tools")}, nil
}

// InvokeTool runs one tool for userID. A user_id in params that disagrees
// with userID is rejected before the store is contacted. Store failures are
// reported in the result, not as an error.
func (b *Bridge) InvokeTool(ctx context.Context, name string, params map[string]any, userID string) (domain.ToolResult, error) {
	if claimed, ok := claimedUserID(params); ok && claimed != userID {
		b.logger.Warn("tool call user_id mismatch",
			"security_event", "user_id_mismatch",
			"tool", name,
			"user_id", userID,
			"claimed_user_id", claimed,
		)
		return domain.ToolResult{}, ErrUserIDMismatch
	}

	args := make(map[string]any, len(params)+1)
	for k, v := range params {
		args[k] = v
	}
	args["user_id"] = userID

	var (
		result map[string]any
		err    error
	)
	switch name {
	case AddTask:
		result, err = b.addTask(ctx, userID, args)
	case ListTasks:
		result, err = b.listTasks(ctx, userID, args)
	case UpdateTask:
		result, err = b.updateTask(ctx, userID, args)
	case CompleteTask:
		result, err = b.completeTask(ctx, userID, args)
	case DeleteTask:
		result, err = b.deleteTask(ctx, userID, args)
	default:
		return domain.ToolResult{}, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}

	if errors.Is(err, ErrInvalidParams) {
		return domain.ToolResult{}, err
	}
	if err != nil {
		code := storeErrorCode(err)
		if code == ErrorStore {
			b.logger.Error("tool execution failed", "tool", name, "user_id", userID, "err", err)
		}
		return domain.ToolResult{Name: name, Error: code}, nil
	}
	return domain.ToolResult{Name: name, Success: true, Result: result}, nil
}

func (b *Bridge) addTask(ctx context.Context, userID string, args map[string]any) (map[string]any, error) {
	title, _ := stringArg(args, "title")
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidParams)
	}
	in := domain.NewTask{Title: title}
	in.Description, _ = stringArg(args, "description")
	var err error
	if in.Priority, err = priorityArg(args); err != nil {
		return nil, err
	}
	if in.DueDate, err = dueDateArg(args); err != nil {
		return nil, err
	}
	task, err := b.store.CreateTask(ctx, userID, in)
	if err != nil {
		return nil, err
	}
	return map[string]any{"task": taskMap(task)}, nil
}

func (b *Bridge) listTasks(ctx context.Context, userID string, args map[string]any) (map[string]any, error) {
	status, _ := stringArg(args, "status")
	status = strings.ToLower(status)
	switch status {
	case "", statusAll:
		status = statusAll
	case domain.TaskStatusPending, domain.TaskStatusCompleted:
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidParams, status)
	}
	filter := status
	if filter == statusAll {
		filter = ""
	}
	tasks, err := b.store.ListTasks(ctx, userID, filter)
	if err != nil {
		return nil, err
	}
	list := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		list = append(list, taskMap(t))
	}
	return map[string]any{"status": status, "count": len(list), "tasks": list}, nil
}

func (b *Bridge) updateTask(ctx context.Context, userID string, args map[string]any) (map[string]any, error) {
	taskID, err := taskIDArg(args)
	if err != nil {
		return nil, err
	}
	var upd domain.TaskUpdate
	if v, ok := stringArg(args, "title"); ok && v != "" {
		upd.Title = &v
	}
	if v, ok := stringArg(args, "description"); ok {
		upd.Description = &v
	}
	if p, err := priorityArg(args); err != nil {
		return nil, err
	} else if p != "" {
		upd.Priority = &p
	}
	if d, err := dueDateArg(args); err != nil {
		return nil, err
	} else if d != "" {
		upd.DueDate = &d
	}
	if upd.Empty() {
		return nil, fmt.Errorf("%w: nothing to update", ErrInvalidParams)
	}
	task, err := b.store.UpdateTask(ctx, userID, taskID, upd)
	if err != nil {
		return nil, err
	}
	return map[string]any{"task": taskMap(task)}, nil
}

func (b *Bridge) completeTask(ctx context.Context, userID string, args map[string]any) (map[string]any, error) {
	taskID, err := taskIDArg(args)
	if err != nil {
		return nil, err
	}
	task, err := b.store.ToggleComplete(ctx, userID, taskID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"task": taskMap(task)}, nil
}

func (b *Bridge) deleteTask(ctx context.Context, userID string, args map[string]any) (map[string]any, error) {
	taskID, err := taskIDArg(args)
	if err != nil {
		return nil, err
	}
	task, err := b.store.DeleteTask(ctx, userID, taskID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"task_id": task.ID, "title": task.Title, "deleted": true}, nil
}

func storeErrorCode(err error) string {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return ErrorNotFound
	case errors.Is(err, repository.ErrForbidden):
		return ErrorForbidden
	default:
		return ErrorStore
	}
}

func claimedUserID(params map[string]any) (string, bool) {
	v, ok := params["user_id"]
	if !ok || v == nil {
		return "", false
	}
	s := scalarString(v)
	if s == "" {
		return "", false
	}
	return s, true
}

func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok || v == nil {
		return "", false
	}
	return strings.TrimSpace(scalarString(v)), true
}

// scalarString renders the scalar JSON values a model may send.
func scalarString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}

func taskIDArg(args map[string]any) (string, error) {
	id, _ := stringArg(args, "task_id")
	id = strings.TrimPrefix(id, "#")
	if id == "" {
		return "", fmt.Errorf("%w: task_id is required", ErrInvalidParams)
	}
	return id, nil
}

func priorityArg(args map[string]any) (string, error) {
	p, _ := stringArg(args, "priority")
	if p == "" {
		return "", nil
	}
	p = strings.ToLower(p)
	for _, allowed := range domain.Priorities {
		if p == allowed {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: priority must be high, medium or low", ErrInvalidParams)
}

func dueDateArg(args map[string]any) (string, error) {
	d, _ := stringArg(args, "due_date")
	if d == "" {
		return "", nil
	}
	if _, err := time.Parse("2006-01-02", d); err != nil {
		return "", fmt.Errorf("%w: due_date must be YYYY-MM-DD", ErrInvalidParams)
	}
	return d, nil
}

func taskMap(t domain.Task) map[string]any {
	m := map[string]any{
		"id":       t.ID,
		"title":    t.Title,
		"priority": t.Priority,
		"status":   t.Status,
	}
	if t.Description != "" {
		m["description"] = t.Description
	}
	if t.DueDate != "" {
		m["due_date"] = t.DueDate
	}
	return m
}
