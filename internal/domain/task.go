package domain

import "time"

// Task statuses.
const (
	TaskStatusPending   = "pending"
	TaskStatusCompleted = "completed"
)

// Priorities accepted for a task.
var Priorities = []string{"high", "medium", "low"}

// Task is a single todo item owned by one user.
type Task struct {
	ID          string
	UserID      string
	Title       string
	Description string
	Priority    string
	DueDate     string // YYYY-MM-DD, empty when unset
	Status      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Completed reports whether the task is done.
func (t Task) Completed() bool {
	return t.Status == TaskStatusCompleted
}

// NewTask holds the fields for creating a task.
type NewTask struct {
	Title       string
	Description string
	Priority    string
	DueDate     string
}

// TaskUpdate holds optional field changes; nil means unchanged.
type TaskUpdate struct {
	Title       *string
	Description *string
	Priority    *string
	DueDate     *string
}

// Empty reports whether the update changes nothing.
func (u TaskUpdate) Empty() bool {
	return u.Title == nil && u.Description == nil && u.Priority == nil && u.DueDate == nil
}
